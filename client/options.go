// Package client implements a session against one ComfyUI-compatible
// server: a typed REST surface and a WebSocket event stream with automatic
// reconnection. Sessions are safe for concurrent use; execution events are
// fanned out to every subscriber and consumers filter by prompt id.
package client

import (
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Options configures a Session. The zero value is not usable: BaseURL is
// required. Everything else defaults sensibly.
type Options struct {
	// BaseURL is the server's HTTP root, e.g. "http://127.0.0.1:8188".
	BaseURL string

	// ClientID identifies this session on the WebSocket (?clientId=...).
	// Defaults to a random UUID.
	ClientID string

	// HTTPTimeout bounds each REST call. Default 30s.
	HTTPTimeout time.Duration

	// DisableAutoReconnect turns off reconnection after a dropped
	// connection. By default the session reconnects with exponential
	// backoff.
	DisableAutoReconnect bool

	// MaxReconnectAttempts bounds one reconnection episode. Default 10.
	MaxReconnectAttempts int

	// ReconnectBackoff is the initial delay before the first reconnect
	// attempt; it doubles per attempt up to MaxReconnectBackoff, with
	// ±20% jitter. Defaults 1s and 30s.
	ReconnectBackoff    time.Duration
	MaxReconnectBackoff time.Duration

	// PingInterval spaces WebSocket keepalive pings. Default 30s.
	PingInterval time.Duration

	// SubscriberBuffer sizes each subscriber's event channel. A subscriber
	// that falls this far behind starts losing events. Default 256.
	SubscriberBuffer int

	// Logger receives connection lifecycle and decode diagnostics.
	// Defaults to a no-op logger.
	Logger *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.ClientID == "" {
		o.ClientID = uuid.NewString()
	}
	if o.HTTPTimeout <= 0 {
		o.HTTPTimeout = 30 * time.Second
	}
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = 10
	}
	if o.ReconnectBackoff <= 0 {
		o.ReconnectBackoff = time.Second
	}
	if o.MaxReconnectBackoff <= 0 {
		o.MaxReconnectBackoff = 30 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.SubscriberBuffer <= 0 {
		o.SubscriberBuffer = 256
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Validate checks that the options describe a reachable server.
func (o Options) Validate() error {
	if o.BaseURL == "" {
		return fmt.Errorf("base URL is required")
	}
	u, err := url.Parse(o.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid base URL %q: %w", o.BaseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("base URL %q must use http or https", o.BaseURL)
	}
	if u.Host == "" {
		return fmt.Errorf("base URL %q has no host", o.BaseURL)
	}
	return nil
}
