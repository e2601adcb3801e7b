package fleet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
	"github.com/gorilla/websocket"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/klog/v2"

	"github.com/sttts/kcfleet/internal/metrics"
	"github.com/sttts/kcfleet/pkg/resources"
)

// ProxyPrefix is the backend route serving managed cluster requests.
const ProxyPrefix = "/managedclusterproxy/"

var errNoLocalSource = errors.New("fleet: no local source configured")

// PathResolver resolves kinds to REST paths. *resources.Resolver implements it.
type PathResolver interface {
	ResolvePlural(kind, apiVersion string) (string, error)
	ResolvePath(kind, apiVersion, namespace, name, plural string) (string, error)
}

// LocalSource is the native watch primitive used for hub requests. Watch
// calls update for every new result until ctx is done.
type LocalSource interface {
	Watch(ctx context.Context, req *WatchRequest, update func(Result)) error
}

// Client reads and watches resources across the fleet. Requests for the hub
// are delegated to the LocalSource, everything else goes through the backend's
// per-cluster proxy route.
type Client struct {
	backendURL     string
	hubClusterName string
	resolver       PathResolver
	local          LocalSource
	maxRetries     uint64
	retry          RetryBackoff
	httpClient     *http.Client
	dialer         *websocket.Dialer
	liveWatch      bool
	cacheTTL       time.Duration
	logger         logr.Logger

	store *store
}

// NewClient creates a fleet client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		cacheTTL:   DefaultCacheTTL,
		httpClient: http.DefaultClient,
		logger:     klog.Background().WithName("fleet"),
	}
	for _, o := range opts {
		o(c)
	}
	c.dialer = &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 45 * time.Second,
	}
	if t, ok := c.httpClient.Transport.(*http.Transport); ok && t.TLSClientConfig != nil {
		c.dialer.TLSClientConfig = t.TLSClientConfig.Clone()
	}
	c.store = newStore(c.cacheTTL)
	return c
}

// HubClusterName returns the name of the local cluster.
func (c *Client) HubClusterName() string { return c.hubClusterName }

// UseFleet reports whether req is served through the proxy.
func (c *Client) UseFleet(req *WatchRequest) bool {
	return req != nil && ShouldUseFleet(c.hubClusterName, req.Cluster)
}

// target is a fleet request with its path resolved.
type target struct {
	cluster        string
	path           string
	collectionPath string
	name           string
	isList         bool
	gr             schema.GroupResource
	query          resources.QueryOptions
}

func (c *Client) resolve(req *WatchRequest) (target, error) {
	kind, apiVersion := req.GroupVersionKind.Kind, req.APIVersion()
	if c.resolver == nil {
		return target{}, &resources.DiscoveryError{Kind: kind, APIVersion: apiVersion, Err: errors.New("no resolver configured")}
	}
	plural, err := c.resolver.ResolvePlural(kind, apiVersion)
	if err != nil {
		return target{}, err
	}
	collection, err := c.resolver.ResolvePath(kind, apiVersion, req.Namespace, "", plural)
	if err != nil {
		return target{}, err
	}
	t := target{
		cluster:        req.Cluster,
		path:           collection,
		collectionPath: collection,
		isList:         req.IsList,
		gr:             schema.GroupResource{Group: req.GroupVersionKind.Group, Resource: plural},
	}
	if req.IsList {
		t.query = resources.QueryOptions{LabelSelector: req.Selector, FieldSelector: req.FieldSelector, Limit: req.Limit}
		return t, nil
	}
	if req.Name == "" {
		return target{}, &resources.DiscoveryError{Kind: kind, APIVersion: apiVersion, Err: errors.New("name is required for single object requests")}
	}
	t.name = req.Name
	if t.path, err = c.resolver.ResolvePath(kind, apiVersion, req.Namespace, req.Name, plural); err != nil {
		return target{}, err
	}
	return t, nil
}

func (c *Client) proxyURL(cluster, path string, q resources.QueryOptions) (string, error) {
	query, err := resources.Query(q)
	if err != nil {
		return "", err
	}
	u := strings.TrimSuffix(c.backendURL, "/") + ProxyPrefix + url.PathEscape(cluster) + path
	if query != "" {
		u += "?" + query
	}
	return u, nil
}

// RequestURL returns the proxied URL a fleet request is read from.
func (c *Client) RequestURL(req *WatchRequest) (string, error) {
	if req.IsNull() {
		return "", fmt.Errorf("fleet: request does not identify a resource")
	}
	t, err := c.resolve(req)
	if err != nil {
		return "", err
	}
	return c.proxyURL(t.cluster, t.path, t.query)
}

// Fetch performs a single read of req. Request failures are reported in
// Result.Err; the returned error is only set when ctx was canceled, in which
// case the result is the empty, unloaded value.
func (c *Client) Fetch(ctx context.Context, req *WatchRequest) (Result, error) {
	isList := req != nil && req.IsList
	if req.IsNull() {
		return EmptyResult(isList), nil
	}
	if !c.UseFleet(req) {
		return c.fetchLocal(ctx, req)
	}

	t, err := c.resolve(req)
	if err != nil {
		return failed(EmptyResult(isList), err), nil
	}
	u, err := c.proxyURL(t.cluster, t.path, t.query)
	if err != nil {
		return failed(EmptyResult(isList), err), nil
	}
	n, err := c.fetch(ctx, t, u)
	switch {
	case IsAbort(err):
		return EmptyResult(isList), err
	case err != nil:
		return failed(EmptyResult(isList), err), nil
	}
	return n.result(isList), nil
}

func (c *Client) fetchLocal(ctx context.Context, req *WatchRequest) (Result, error) {
	if c.local == nil {
		return failed(EmptyResult(req.IsList), errNoLocalSource), nil
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch := make(chan Result, 1)
	send := func(r Result) {
		select {
		case ch <- r:
		default:
		}
	}
	go func() {
		err := c.local.Watch(ctx, req, func(r Result) {
			if r.Loaded {
				send(r)
			}
		})
		if err != nil && !IsAbort(err) {
			send(failed(EmptyResult(req.IsList), err))
		}
	}()

	select {
	case r := <-ch:
		return r, nil
	case <-ctx.Done():
		return EmptyResult(req.IsList), ctx.Err()
	}
}

// fetch GETs u, retrying failures up to maxRetries times.
func (c *Client) fetch(ctx context.Context, t target, u string) (Normalized, error) {
	logger := c.logger.WithValues("cluster", t.cluster, "url", u)
	var n Normalized
	attempt := 0
	op := func() error {
		attempt++
		var err error
		n, err = c.fetchOnce(ctx, t, u)
		switch {
		case err == nil:
			metrics.FetchAttempts.WithLabelValues(metrics.OutcomeSuccess).Inc()
			return nil
		case ctx.Err() != nil:
			metrics.FetchAttempts.WithLabelValues(metrics.OutcomeAborted).Inc()
			return backoff.Permanent(ctx.Err())
		}
		metrics.FetchAttempts.WithLabelValues(metrics.OutcomeError).Inc()
		logger.V(4).Info("Fetch attempt failed", "attempt", attempt, "err", err)
		if !retriable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	b := backoff.WithContext(backoff.WithMaxRetries(c.backOff(), c.maxRetries), ctx)
	if err := backoff.Retry(op, b); err != nil {
		if ctx.Err() != nil {
			return Normalized{}, ctx.Err()
		}
		return Normalized{}, err
	}
	return n, nil
}

func (c *Client) fetchOnce(ctx context.Context, t target, u string) (Normalized, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Normalized{}, newTransportError(t.cluster, u, err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Normalized{}, ctx.Err()
		}
		return Normalized{}, newTransportError(t.cluster, u, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return Normalized{}, ctx.Err()
		}
		return Normalized{}, newTransportError(t.cluster, u, err)
	}
	if resp.StatusCode != http.StatusOK {
		return Normalized{}, newProxyFetchError(t.cluster, u, resp.StatusCode, body, t.gr, t.name)
	}
	n, err := Normalize(t.cluster, body, t.isList)
	if err != nil {
		e := newTransportError(t.cluster, u, err)
		e.StatusCode = resp.StatusCode
		e.status = apierrors.NewInternalError(err).ErrStatus
		return Normalized{}, e
	}
	return n, nil
}

// retriable reports whether a failed attempt may succeed when repeated:
// transport errors, throttling and server errors.
func retriable(err error) bool {
	var pe *ProxyFetchError
	if !errors.As(err, &pe) {
		return true
	}
	return pe.StatusCode == 0 || pe.StatusCode == http.StatusTooManyRequests || pe.StatusCode >= 500
}

func (c *Client) backOff() backoff.BackOff {
	if !c.retry.Exponential {
		return backoff.NewConstantBackOff(c.retry.Interval)
	}
	b := backoff.NewExponentialBackOff()
	if c.retry.Interval > 0 {
		b.InitialInterval = c.retry.Interval
	}
	if c.retry.MaxInterval > 0 {
		b.MaxInterval = c.retry.MaxInterval
	}
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (n Normalized) result(isList bool) Result {
	if isList {
		return NewListResult(n.Items, true, nil)
	}
	return NewItemResult(n.Item, true, nil)
}

// failed marks r as loaded with err, keeping its data.
func failed(r Result, err error) Result {
	r.Loaded = true
	r.Err = err
	return r
}
