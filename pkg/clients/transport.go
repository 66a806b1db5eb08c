package clients

import (
	"net"
	"net/http"
	"time"
)

// NewWebhookTransport returns the HTTP transport used for webhook dispatch.
// Delivery targets are customer-controlled, so the per-host connection cap
// keeps one slow or dead endpoint from exhausting the gateway's sockets,
// while the idle pool stays large enough to span many distinct hosts.
func NewWebhookTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		DialContext:         dialer.DialContext,
		MaxConnsPerHost:     32,
		MaxIdleConnsPerHost: 4,
		MaxIdleConns:        256,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
}
