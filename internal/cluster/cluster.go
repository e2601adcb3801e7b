package cluster

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/api/meta"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/discovery"
	"k8s.io/client-go/discovery/cached/memory"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/restmapper"
	"k8s.io/klog/v2"
	crcluster "sigs.k8s.io/controller-runtime/pkg/cluster"

	"github.com/sttts/kcfleet/pkg/resources"
)

// Cluster is the hub: a controller-runtime Cluster plus a self-refreshing
// discovery-backed resolver and a dynamic client.
type Cluster struct {
	crcluster.Cluster // embedded; promotes GetClient/GetConfig/Start, etc.

	name     string
	mapper   meta.RESTMapper
	dyn      dynamic.Interface
	resolver *resources.Resolver
	logger   logr.Logger

	refresh time.Duration
}

// Option configures Cluster.
type Option func(*options)

type options struct {
	scheme  *runtime.Scheme
	refresh time.Duration
	logger  *logr.Logger
}

// WithScheme sets the runtime.Scheme used by the controller-runtime cluster.
func WithScheme(s *runtime.Scheme) Option { return func(o *options) { o.scheme = s } }

// WithRefreshInterval sets the discovery refresh interval (default 30s).
func WithRefreshInterval(d time.Duration) Option { return func(o *options) { o.refresh = d } }

// WithLogger sets the logger.
func WithLogger(l logr.Logger) Option { return func(o *options) { o.logger = &l } }

// New creates the hub cluster called name.
func New(name string, cfg *rest.Config, opts ...Option) (*Cluster, error) {
	o := &options{scheme: scheme.Scheme, refresh: 30 * time.Second}
	for _, fn := range opts {
		fn(o)
	}

	dc, err := discovery.NewDiscoveryClientForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create discovery client: %w", err)
	}
	cached := memory.NewMemCacheClient(dc)
	mapper := restmapper.NewShortcutExpander(restmapper.NewDeferredDiscoveryRESTMapper(cached), cached, nil)

	cl, err := crcluster.New(cfg, func(co *crcluster.Options) {
		co.Scheme = o.scheme
		co.MapperProvider = func(*rest.Config, *http.Client) (meta.RESTMapper, error) { return mapper, nil }
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create hub cluster: %w", err)
	}
	dyn, err := dynamic.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create dynamic client: %w", err)
	}

	c := &Cluster{
		Cluster:  cl,
		name:     name,
		mapper:   mapper,
		dyn:      dyn,
		resolver: resources.NewDiscoveryResolver(mapper, cached),
		logger:   klog.Background().WithName("hub"),
		refresh:  o.refresh,
	}
	if o.logger != nil {
		c.logger = *o.logger
	}
	return c, nil
}

// Name returns the hub cluster name.
func (c *Cluster) Name() string { return c.name }

// RESTMapper exposes the cluster's RESTMapper (with shortcuts).
func (c *Cluster) RESTMapper() meta.RESTMapper { return c.mapper }

// Dynamic returns the dynamic client of the hub.
func (c *Cluster) Dynamic() dynamic.Interface { return c.dyn }

// Resolver returns the hub's path resolver.
func (c *Cluster) Resolver() *resources.Resolver { return c.resolver }

// Source returns the hub as a fleet.LocalSource.
func (c *Cluster) Source() *HubSource {
	return NewHubSource(c.name, c.dyn, c.resolver, c.logger)
}

// Start runs the controller-runtime cluster and the discovery refresh loop.
// It blocks until ctx is done.
func (c *Cluster) Start(ctx context.Context) error {
	go c.refreshLoop(ctx)
	c.logger.V(2).Info("Starting hub cluster", "name", c.name)
	return c.Cluster.Start(ctx)
}

func (c *Cluster) refreshLoop(ctx context.Context) {
	t := time.NewTicker(c.refresh)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.resolver.Invalidate()
		}
	}
}
