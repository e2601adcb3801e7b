package main

import (
	"context"

	"k8s.io/client-go/dynamic"
	"k8s.io/klog/v2"

	"github.com/sttts/kcfleet/internal/cluster"
	"github.com/sttts/kcfleet/pkg/appconfig"
	"github.com/sttts/kcfleet/pkg/fleet"
	"github.com/sttts/kcfleet/pkg/resources"
)

// newFleetClient builds a fleet client that resolves paths with hub discovery
// and serves hub requests from the hub itself.
func newFleetClient(ctx context.Context, cfg *appconfig.Config) (*fleet.Client, *resources.Resolver, error) {
	logger := klog.FromContext(ctx)

	restCfg, err := hubRESTConfig(cfg.Hub.Kubeconfig)
	if err != nil {
		return nil, nil, err
	}
	resolver, err := resources.NewResolverForConfig(restCfg)
	if err != nil {
		return nil, nil, err
	}
	dyn, err := dynamic.NewForConfig(restCfg)
	if err != nil {
		return nil, nil, err
	}

	var maxRetries uint64
	if cfg.Fleet.MaxRetries != nil {
		maxRetries = *cfg.Fleet.MaxRetries
	}
	c := fleet.NewClient(
		fleet.WithBackendURL(cfg.Fleet.BackendURL),
		fleet.WithHubClusterName(cfg.Hub.Name),
		fleet.WithResolver(resolver),
		fleet.WithLocalSource(cluster.NewHubSource(cfg.Hub.Name, dyn, resolver, logger.WithName("hub"))),
		fleet.WithMaxRetries(maxRetries),
		fleet.WithRetryBackoff(fleet.RetryBackoff{
			Interval:    cfg.Fleet.Retry.Interval.Duration,
			Exponential: cfg.Fleet.Retry.Exponential,
			MaxInterval: cfg.Fleet.Retry.MaxInterval.Duration,
		}),
		fleet.WithLiveWatch(cfg.Fleet.LiveWatch),
		fleet.WithCacheTTL(cfg.Fleet.CacheTTL.Duration),
		fleet.WithLogger(logger.WithName("fleet")),
	)
	return c, resolver, nil
}
