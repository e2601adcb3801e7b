package cluster

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"
	"github.com/google/go-cmp/cmp"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	clientcmdapi "k8s.io/client-go/tools/clientcmd/api"
	"k8s.io/klog/v2"
)

// ErrClusterNotFound is returned for cluster names the pool does not know.
var ErrClusterNotFound = errors.New("cluster not found")

// PoolOptions configure a Pool.
type PoolOptions struct {
	// KubeconfigPath holds one context per managed cluster, named like the cluster.
	KubeconfigPath string
	// HubName and HubConfig register the hub under its cluster name.
	HubName   string
	HubConfig *rest.Config
	// IdleTTL evicts transports unused for this long (default 10m).
	IdleTTL time.Duration
	Logger  *logr.Logger
}

type poolEntry struct {
	config    *rest.Config
	transport http.RoundTripper
	lastUsed  time.Time
}

// Pool hands out rest configs and transports of managed clusters by cluster
// name. Transports are created on first use and evicted when idle or when
// the kubeconfig changes.
type Pool struct {
	opts   PoolOptions
	logger logr.Logger
	now    func() time.Time

	mu      sync.RWMutex
	configs map[string]*rest.Config
	items   map[string]*poolEntry
}

// NewPool creates a pool and loads the kubeconfig, if any.
func NewPool(opts PoolOptions) (*Pool, error) {
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = 10 * time.Minute
	}
	p := &Pool{
		opts:    opts,
		logger:  klog.Background().WithName("pool"),
		now:     time.Now,
		configs: map[string]*rest.Config{},
		items:   map[string]*poolEntry{},
	}
	if opts.Logger != nil {
		p.logger = *opts.Logger
	}
	if err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// Reload reads the kubeconfig again. Clusters whose config changed or
// disappeared lose their cached transport.
func (p *Pool) Reload() error {
	loaded := map[string]*rest.Config{}
	if p.opts.KubeconfigPath != "" {
		raw, err := clientcmd.LoadFromFile(p.opts.KubeconfigPath)
		if err != nil {
			return fmt.Errorf("failed to load kubeconfig %q: %w", p.opts.KubeconfigPath, err)
		}
		loaded, err = configsFor(raw)
		if err != nil {
			return err
		}
	}
	if p.opts.HubName != "" && p.opts.HubConfig != nil {
		loaded[p.opts.HubName] = p.opts.HubConfig
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for name, old := range p.configs {
		cfg, ok := loaded[name]
		if ok && cmp.Equal(old, cfg) {
			continue
		}
		if _, cached := p.items[name]; cached {
			p.logger.V(2).Info("Dropping cluster transport", "cluster", name, "removed", !ok)
			delete(p.items, name)
		}
	}
	p.configs = loaded
	p.logger.V(2).Info("Loaded clusters", "count", len(loaded))
	return nil
}

func configsFor(raw *clientcmdapi.Config) (map[string]*rest.Config, error) {
	out := make(map[string]*rest.Config, len(raw.Contexts))
	for name := range raw.Contexts {
		cfg, err := clientcmd.NewNonInteractiveClientConfig(*raw, name, &clientcmd.ConfigOverrides{}, nil).ClientConfig()
		if err != nil {
			return nil, fmt.Errorf("client config for context %q: %w", name, err)
		}
		out[name] = cfg
	}
	return out, nil
}

// Names returns the sorted names of the known clusters.
func (p *Pool) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Sorted(maps.Keys(p.configs))
}

// Config returns a copy of the rest config of cluster.
func (p *Pool) Config(cluster string) (*rest.Config, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	cfg, ok := p.configs[cluster]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrClusterNotFound, cluster)
	}
	return rest.CopyConfig(cfg), nil
}

// Transport returns the config of cluster together with an authenticated
// round tripper for it.
func (p *Pool) Transport(cluster string) (*rest.Config, http.RoundTripper, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cfg, ok := p.configs[cluster]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %q", ErrClusterNotFound, cluster)
	}
	if e, ok := p.items[cluster]; ok {
		e.lastUsed = p.now()
		return e.config, e.transport, nil
	}
	rt, err := rest.TransportFor(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("transport for cluster %q: %w", cluster, err)
	}
	p.items[cluster] = &poolEntry{config: cfg, transport: rt, lastUsed: p.now()}
	return cfg, rt, nil
}

// Start watches the kubeconfig for changes and evicts idle transports until
// ctx is done.
func (p *Pool) Start(ctx context.Context) error {
	var events <-chan fsnotify.Event
	var errs <-chan error
	if p.opts.KubeconfigPath != "" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("failed to create file watcher: %w", err)
		}
		defer watcher.Close()
		// the parent directory survives atomic renames of the file
		if err := watcher.Add(filepath.Dir(p.opts.KubeconfigPath)); err != nil {
			return fmt.Errorf("failed to watch parent dir of kubeconfig %q: %w", p.opts.KubeconfigPath, err)
		}
		events, errs = watcher.Events, watcher.Errors
	}

	t := time.NewTicker(p.opts.IdleTTL / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			p.evictIdle()
		case ev, ok := <-events:
			if !ok {
				return fmt.Errorf("file watcher closed")
			}
			if filepath.Clean(ev.Name) != filepath.Clean(p.opts.KubeconfigPath) {
				continue
			}
			p.logger.V(2).Info("Kubeconfig changed", "event", ev.Op.String())
			if err := p.Reload(); err != nil {
				p.logger.Error(err, "Failed to reload kubeconfig")
			}
		case err, ok := <-errs:
			if !ok {
				return fmt.Errorf("file watcher errors channel closed")
			}
			p.logger.Error(err, "File watcher error")
		}
	}
}

func (p *Pool) evictIdle() {
	cutoff := p.now().Add(-p.opts.IdleTTL)
	p.mu.Lock()
	defer p.mu.Unlock()
	for name, e := range p.items {
		if e.lastUsed.Before(cutoff) {
			p.logger.V(4).Info("Evicting idle transport", "cluster", name)
			delete(p.items, name)
		}
	}
}
