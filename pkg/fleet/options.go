package fleet

import (
	"net/http"
	"time"

	"github.com/go-logr/logr"
)

// DefaultCacheTTL is how long a released fleet result is kept for reuse.
const DefaultCacheTTL = 30 * time.Second

// RetryBackoff configures the pause between fetch attempts. The zero value
// retries immediately.
type RetryBackoff struct {
	Interval    time.Duration
	Exponential bool
	MaxInterval time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithBackendURL sets the base URL of the backend serving the
// /managedclusterproxy route.
func WithBackendURL(u string) Option {
	return func(c *Client) { c.backendURL = u }
}

// WithHubClusterName sets the name of the local cluster.
func WithHubClusterName(name string) Option {
	return func(c *Client) { c.hubClusterName = name }
}

// WithResolver sets the path resolver used for fleet requests.
func WithResolver(r PathResolver) Option {
	return func(c *Client) { c.resolver = r }
}

// WithLocalSource sets the watch primitive for hub requests.
func WithLocalSource(s LocalSource) Option {
	return func(c *Client) { c.local = s }
}

// WithMaxRetries sets how many times a failed fetch is retried.
func WithMaxRetries(n uint64) Option {
	return func(c *Client) { c.maxRetries = n }
}

// WithRetryBackoff sets the pause between retries.
func WithRetryBackoff(b RetryBackoff) Option {
	return func(c *Client) { c.retry = b }
}

// WithHTTPClient sets the client used for proxied GETs.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLiveWatch enables the websocket watch that keeps fleet results current
// after the initial fetch.
func WithLiveWatch(enabled bool) Option {
	return func(c *Client) { c.liveWatch = enabled }
}

// WithCacheTTL sets how long released results stay cached.
func WithCacheTTL(ttl time.Duration) Option {
	return func(c *Client) { c.cacheTTL = ttl }
}

// WithLogger sets the logger.
func WithLogger(l logr.Logger) Option {
	return func(c *Client) { c.logger = l }
}
