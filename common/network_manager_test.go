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
	"testing"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requestWillBeSentParams(rid, url, redirectStatus string) string {
	redirect := ""
	if redirectStatus != "" {
		redirect = fmt.Sprintf(`,"redirectResponse":{"url":"https://example.com/old","status":%s,"statusText":"","headers":{"location":%q},"mimeType":""}`,
			redirectStatus, url)
	}
	return fmt.Sprintf(
		`{"requestId":%q,"loaderId":%q,"documentURL":%q,"request":{"url":%q,"method":"GET","headers":{"accept":"*/*"}},"type":"Document","frameId":%q%s}`,
		rid, rid, url, url, testFrameID, redirect)
}

func TestNetworkManagerRequestLifecycle(t *testing.T) {
	t.Parallel()

	p, b := newTestPage(t, nil)
	nm := p.Network()

	var (
		requests []*Request
		finished []*Request
		failed   []*Request
	)
	On(nm, EventRequest, func(r *Request) { requests = append(requests, r) })
	On(nm, EventRequestFinished, func(r *Request) { finished = append(finished, r) })
	On(nm, EventRequestFailed, func(r *Request) { failed = append(failed, r) })

	b.event(testSessionID, cdproto.EventNetworkRequestWillBeSent, requestWillBeSentParams("R1", "https://example.com/old", ""))
	b.event(testSessionID, cdproto.EventNetworkRequestWillBeSent, requestWillBeSentParams("R1", "https://example.com/new", "302"))
	b.event(testSessionID, cdproto.EventNetworkRequestWillBeSent, requestWillBeSentParams("R2", "data:text/plain,hi", ""))
	b.flush()

	require.Len(t, requests, 2)
	assert.Equal(t, 1, nm.InflightRequests())
	old, cur := requests[0], requests[1]
	assert.Equal(t, "https://example.com/new", cur.URL())
	assert.Equal(t, []*Request{old}, cur.RedirectChain())
	assert.True(t, cur.IsNavigationRequest())
	assert.Equal(t, network.ResourceTypeDocument, cur.ResourceType())
	assert.Equal(t, "*/*", cur.Headers()["accept"])
	require.NotNil(t, old.Response())
	assert.Equal(t, int64(302), old.Response().Status())
	assert.Equal(t, []*Request{old}, finished)

	b.event(testSessionID, cdproto.EventNetworkLoadingFailed,
		`{"requestId":"R1","type":"Document","errorText":"net::ERR_ABORTED","canceled":true}`)
	b.flush()

	assert.Equal(t, []*Request{cur}, failed)
	assert.Equal(t, "net::ERR_ABORTED", cur.Failure())
	assert.Zero(t, nm.InflightRequests())
}

func TestNetworkManagerSetExtraHTTPHeaders(t *testing.T) {
	t.Parallel()

	opts := NewBrowserOptions()
	opts.ExtraHTTPHeaders = map[string]string{"x-test": "1"}
	p, b := newTestPage(t, opts)

	params := make(chan string, 1)
	b.handle(cdproto.CommandNetworkSetExtraHTTPHeaders, func(b *fakeBrowser, msg *cdproto.Message) {
		params <- string(msg.Params)
		b.reply(msg, `{}`)
	})
	require.NoError(t, p.Network().SetExtraHTTPHeaders(context.Background(), map[string]string{"x-other": "2"}))
	assert.JSONEq(t, `{"headers":{"x-other":"2"}}`, <-params)

	b.handleResult(cdproto.CommandNetworkSetCacheDisabled, `{}`)
	require.NoError(t, p.Network().SetCacheEnabled(context.Background(), false))
}
