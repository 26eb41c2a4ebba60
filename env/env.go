// Package env reads driver settings from the process environment.
package env

import (
	"fmt"
	"net/url"
	"os"
	"strings"
)

// WSURL is the variable holding the CDP WebSocket endpoint(s) to connect to.
const WSURL = "CDPDRIVER_WS_URL"

// LookupFunc defines a function to look up a key from the environment.
type LookupFunc func(key string) (string, bool)

// Lookup is the LookupFunc backed by the process environment.
func Lookup(key string) (string, bool) {
	return os.LookupEnv(key)
}

// ConstLookup returns a LookupFunc that looks keys up in vars.
func ConstLookup(vars map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

// WSURLs returns the CDP WS URLs set through the CDPDRIVER_WS_URL environment
// variable and whether the variable was set at all.
//
// CDPDRIVER_WS_URL can be defined as a single WS URL or a
// comma separated list of URLs.
func WSURLs(envLookup LookupFunc) ([]string, bool) {
	wsURL, ok := envLookup(WSURL)
	if !ok {
		return nil, false
	}

	return SplitWSURLs(wsURL), true
}

// SplitWSURLs splits a comma separated list of WS URLs, dropping empty
// entries left by stray commas.
func SplitWSURLs(list string) []string {
	parts := strings.Split(list, ",")
	urls := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			urls = append(urls, p)
		}
	}

	return urls
}

// ValidateWSURL checks that u is an absolute ws:// or wss:// URL.
func ValidateWSURL(u string) error {
	parsed, err := url.Parse(u)
	if err != nil {
		return fmt.Errorf("parsing WS URL %q: %w", u, err)
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return fmt.Errorf("WS URL %q must use the ws or wss scheme", u)
	}
	if parsed.Host == "" {
		return fmt.Errorf("WS URL %q has no host", u)
	}

	return nil
}
