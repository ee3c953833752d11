// Package source turns external schedule pages into canonical events.
package source

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"eventbot/internal/storage"
)

// ErrSourceUnavailable is wrapped by every Fetch failure (network, status, parse).
var ErrSourceUnavailable = errors.New("source unavailable")

// Source yields the events currently announced by one upstream.
// The same real-world occurrence must map to the same Event.ID on every call.
type Source interface {
	Name() string
	Fetch(ctx context.Context) ([]storage.Event, error)
}

// NewHTTPClient returns a client with bounded dial and handshake timeouts.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 60 * time.Second}).DialContext,
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	return &http.Client{Timeout: timeout, Transport: tr}
}
