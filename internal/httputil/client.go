package httputil

import (
	"net"
	"net/http"
	"time"
)

const (
	ConnectTimeout = 5 * time.Second
	ReadTimeout    = 10 * time.Second
)

// NewClient returns an HTTP client with the standard connect/read timeouts
// used by all outbound calls.
func NewClient() *http.Client {
	return &http.Client{
		Timeout: ReadTimeout,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout: ConnectTimeout,
			}).DialContext,
			TLSHandshakeTimeout: ConnectTimeout,
		},
	}
}
