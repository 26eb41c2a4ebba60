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
	"context"
	"fmt"
	"sync"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"

	"github.com/liuxd6825/cdpdriver/log"
)

var (
	cdpRequestWillBeSent = EventName[*network.EventRequestWillBeSent](cdproto.EventNetworkRequestWillBeSent)
	cdpResponseReceived  = EventName[*network.EventResponseReceived](cdproto.EventNetworkResponseReceived)
	cdpLoadingFinished   = EventName[*network.EventLoadingFinished](cdproto.EventNetworkLoadingFinished)
	cdpLoadingFailed     = EventName[*network.EventLoadingFailed](cdproto.EventNetworkLoadingFailed)
)

// NetworkManager tracks the requests of a session and re-emits them as
// Request and Response values.
type NetworkManager struct {
	BaseEventEmitter

	session *Session
	logger  *log.Logger

	reqsMu         sync.RWMutex
	reqIDToRequest map[network.RequestID]*Request

	headersMu        sync.Mutex
	extraHTTPHeaders network.Headers

	removers []func()
}

// NewNetworkManager creates a network manager listening on s.
func NewNetworkManager(s *Session, logger *log.Logger) *NetworkManager {
	m := &NetworkManager{
		BaseEventEmitter: BaseEventEmitter{logger: logger},
		session:          s,
		logger:           logger,
		reqIDToRequest:   make(map[network.RequestID]*Request),
	}
	m.removers = m.listen(s)

	return m
}

// listen routes the network events of s into the manager. Out-of-process
// iframes report their requests on their own session.
func (m *NetworkManager) listen(s *Session) []func() {
	return []func(){
		On(s, cdpRequestWillBeSent, m.onRequest),
		On(s, cdpResponseReceived, m.onResponseReceived),
		On(s, cdpLoadingFinished, m.onLoadingFinished),
		On(s, cdpLoadingFailed, m.onLoadingFailed),
	}
}

// initDomains enables the network domain on s. Sessions other than the
// page's also get the extra headers set so far.
func (m *NetworkManager) initDomains(ctx context.Context, s *Session) error {
	ectx := cdp.WithExecutor(ctx, s)
	if err := network.Enable().Do(ectx); err != nil {
		return fmt.Errorf("enabling network domain: %w", err)
	}

	m.headersMu.Lock()
	headers := m.extraHTTPHeaders
	m.headersMu.Unlock()
	if s == m.session || len(headers) == 0 {
		return nil
	}
	if err := network.SetExtraHTTPHeaders(headers).Do(ectx); err != nil {
		return fmt.Errorf("setting extra HTTP headers: %w", err)
	}
	return nil
}

func (m *NetworkManager) onRequest(event *network.EventRequestWillBeSent) {
	var redirectChain []*Request
	if event.RedirectResponse != nil {
		if prev := m.requestFromID(event.RequestID); prev != nil {
			m.handleRequestRedirect(prev, event.RedirectResponse)
			redirectChain = append(append(redirectChain, prev.redirectChain...), prev)
		}
	}

	req, err := NewRequest(event, redirectChain)
	if err != nil {
		m.logger.Errorf("NetworkManager:onRequest", "cannot create Request: %v", err)
		return
	}
	// data and blob URLs never reach the network
	if req.isInternal() {
		m.logger.Debugf("NetworkManager:onRequest", "skipped request handling of %s URL", req.url.Scheme)
		return
	}
	m.logger.Debugf("NetworkManager:onRequest", "sid:%v fid:%v rid:%v url:%s nav:%t",
		m.session.ID(), req.frameID, req.requestID, req.URL(), req.IsNavigationRequest())

	m.reqsMu.Lock()
	m.reqIDToRequest[event.RequestID] = req
	m.reqsMu.Unlock()

	emitEvent(m, EventRequest, req)
}

func (m *NetworkManager) handleRequestRedirect(req *Request, redirectResponse *network.Response) {
	resp := newResponse(req, redirectResponse)
	req.setResponse(resp)
	req.setFinished("")
	m.deleteRequestByID(req.requestID)

	emitEvent(m, EventResponse, resp)
	emitEvent(m, EventRequestFinished, req)
}

func (m *NetworkManager) onResponseReceived(event *network.EventResponseReceived) {
	req := m.requestFromID(event.RequestID)
	if req == nil || event.Response == nil {
		return
	}
	resp := newResponse(req, event.Response)
	req.setResponse(resp)

	emitEvent(m, EventResponse, resp)
}

func (m *NetworkManager) onLoadingFinished(event *network.EventLoadingFinished) {
	req := m.requestFromID(event.RequestID)
	if req == nil {
		return
	}
	req.setFinished("")
	m.deleteRequestByID(event.RequestID)

	emitEvent(m, EventRequestFinished, req)
}

func (m *NetworkManager) onLoadingFailed(event *network.EventLoadingFailed) {
	req := m.requestFromID(event.RequestID)
	if req == nil {
		return
	}
	req.setFinished(event.ErrorText)
	m.deleteRequestByID(event.RequestID)

	emitEvent(m, EventRequestFailed, req)
}

func (m *NetworkManager) requestFromID(reqID network.RequestID) *Request {
	m.reqsMu.RLock()
	defer m.reqsMu.RUnlock()
	return m.reqIDToRequest[reqID]
}

func (m *NetworkManager) deleteRequestByID(reqID network.RequestID) {
	m.reqsMu.Lock()
	defer m.reqsMu.Unlock()
	delete(m.reqIDToRequest, reqID)
}

// InflightRequests returns the number of requests still in flight.
func (m *NetworkManager) InflightRequests() int {
	m.reqsMu.RLock()
	defer m.reqsMu.RUnlock()
	return len(m.reqIDToRequest)
}

// SetExtraHTTPHeaders sets extra HTTP request headers to be sent with every request.
func (m *NetworkManager) SetExtraHTTPHeaders(ctx context.Context, headers map[string]string) error {
	h := make(network.Headers, len(headers))
	for k, v := range headers {
		h[k] = v
	}
	action := network.SetExtraHTTPHeaders(h)
	if err := action.Do(cdp.WithExecutor(ctx, m.session)); err != nil {
		return fmt.Errorf("setting extra HTTP headers: %w", err)
	}

	m.headersMu.Lock()
	m.extraHTTPHeaders = h
	m.headersMu.Unlock()
	return nil
}

// SetCacheEnabled toggles the browser cache on/off.
func (m *NetworkManager) SetCacheEnabled(ctx context.Context, enabled bool) error {
	action := network.SetCacheDisabled(!enabled)
	if err := action.Do(cdp.WithExecutor(ctx, m.session)); err != nil {
		return fmt.Errorf("toggling cache: %w", err)
	}
	return nil
}

func (m *NetworkManager) dispose() {
	for _, remove := range m.removers {
		remove()
	}
}
