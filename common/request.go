/*
 *
 * xk6-browser - a browser automation extension for k6
 * Copyright (C) 2021 Load Impact
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package common

import (
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
)

// Request represents a network request seen by the browser.
type Request struct {
	requestID     network.RequestID
	frameID       cdp.FrameID
	documentID    cdp.LoaderID
	url           *url.URL
	method        string
	headers       map[string]string
	resourceType  network.ResourceType
	redirectChain []*Request
	timestamp     time.Time

	mu          sync.RWMutex
	response    *Response
	failureText string
	finished    bool
}

// NewRequest creates a request from a Network.requestWillBeSent event.
func NewRequest(event *network.EventRequestWillBeSent, redirectChain []*Request) (*Request, error) {
	if event.Request == nil {
		return nil, fmt.Errorf("request %v: event carries no request", event.RequestID)
	}
	u, err := url.Parse(event.Request.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing request URL: %w", err)
	}
	r := &Request{
		requestID:     event.RequestID,
		frameID:       event.FrameID,
		documentID:    event.LoaderID,
		url:           u,
		method:        event.Request.Method,
		headers:       headersToMap(event.Request.Headers),
		resourceType:  event.Type,
		redirectChain: redirectChain,
		timestamp:     time.Now(),
	}
	if event.WallTime != nil {
		r.timestamp = event.WallTime.Time()
	}

	return r, nil
}

func headersToMap(h network.Headers) map[string]string {
	m := make(map[string]string, len(h))
	for k, v := range h {
		m[k] = fmt.Sprint(v)
	}
	return m
}

// ID returns the protocol request ID. Redirects reuse the ID of the
// request they follow.
func (r *Request) ID() network.RequestID { return r.requestID }

// FrameID returns the ID of the frame that issued the request.
func (r *Request) FrameID() cdp.FrameID { return r.frameID }

// IsNavigationRequest reports whether the request loads a frame's document.
func (r *Request) IsNavigationRequest() bool {
	return string(r.requestID) == string(r.documentID) && r.resourceType == network.ResourceTypeDocument
}

func (r *Request) URL() string                        { return r.url.String() }
func (r *Request) Method() string                     { return r.method }
func (r *Request) Headers() map[string]string         { return r.headers }
func (r *Request) ResourceType() network.ResourceType { return r.resourceType }
func (r *Request) Timestamp() time.Time               { return r.timestamp }

// RedirectChain returns the requests redirected to this one, oldest first.
func (r *Request) RedirectChain() []*Request { return r.redirectChain }

// Response returns the response once received, or nil.
func (r *Request) Response() *Response {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.response
}

// Failure returns the error text of a failed request.
func (r *Request) Failure() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.failureText
}

func (r *Request) setResponse(resp *Response) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.response = resp
}

func (r *Request) setFinished(failureText string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = true
	r.failureText = failureText
}

func (r *Request) isInternal() bool {
	return r.url.Scheme == "data" || r.url.Scheme == "blob"
}

// Response represents the browser's view of an HTTP response.
type Response struct {
	request    *Request
	url        string
	status     int64
	statusText string
	headers    map[string]string
	mimeType   string
	remoteAddr string
	protocol   string
	fromCache  bool
}

func newResponse(req *Request, resp *network.Response) *Response {
	r := &Response{
		request:    req,
		url:        resp.URL,
		status:     resp.Status,
		statusText: resp.StatusText,
		headers:    headersToMap(resp.Headers),
		mimeType:   resp.MimeType,
		protocol:   resp.Protocol,
		fromCache:  resp.FromDiskCache || resp.FromServiceWorker,
	}
	if resp.RemoteIPAddress != "" {
		r.remoteAddr = fmt.Sprintf("%s:%d", resp.RemoteIPAddress, resp.RemotePort)
	}

	return r
}

func (r *Response) Request() *Request          { return r.request }
func (r *Response) URL() string                { return r.url }
func (r *Response) Status() int64              { return r.status }
func (r *Response) StatusText() string         { return r.statusText }
func (r *Response) Headers() map[string]string { return r.headers }
func (r *Response) MimeType() string           { return r.mimeType }
func (r *Response) RemoteAddress() string      { return r.remoteAddr }
func (r *Response) Protocol() string           { return r.protocol }
func (r *Response) FromCache() bool            { return r.fromCache }

// Ok reports whether the status is in the 2xx range, or zero for
// responses without an HTTP status such as file URLs.
func (r *Response) Ok() bool {
	return r.status == 0 || (r.status >= 200 && r.status <= 299)
}
