package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/klog/v2"

	"github.com/sttts/kcfleet/internal/cluster"
	"github.com/sttts/kcfleet/internal/hubwatch"
	"github.com/sttts/kcfleet/internal/metrics"
	"github.com/sttts/kcfleet/internal/proxy"
	"github.com/sttts/kcfleet/internal/server"
	"github.com/sttts/kcfleet/internal/sse"
	"github.com/sttts/kcfleet/pkg/appconfig"
)

type serveOptions struct {
	*rootOptions
	listen            string
	managedKubeconfig string
}

func newServeCommand(root *rootOptions) *cobra.Command {
	o := &serveOptions{rootOptions: root}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the managed cluster proxy and the hub event stream",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := o.config()
			if err != nil {
				return err
			}
			if o.listen != "" {
				cfg.Server.ListenAddress = o.listen
			}
			if o.managedKubeconfig != "" {
				cfg.Fleet.ManagedKubeconfig = o.managedKubeconfig
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&o.listen, "listen", o.listen, "Address to listen on (overrides the config file)")
	cmd.Flags().StringVar(&o.managedKubeconfig, "managed-kubeconfig", o.managedKubeconfig, "Kubeconfig with one context per managed cluster, named like the cluster")
	return cmd
}

func runServe(ctx context.Context, cfg *appconfig.Config) error {
	logger := klog.FromContext(ctx)
	logger.Info("Starting kcfleet", "version", version, "hub", cfg.Hub.Name, "environment", cfg.Environment)

	restCfg, err := hubRESTConfig(cfg.Hub.Kubeconfig)
	if err != nil {
		return err
	}
	hub, err := cluster.New(cfg.Hub.Name, restCfg,
		cluster.WithRefreshInterval(cfg.Hub.DiscoveryRefresh.Duration),
		cluster.WithLogger(logger.WithName("hub")))
	if err != nil {
		return err
	}
	poolLogger := logger.WithName("pool")
	pool, err := cluster.NewPool(cluster.PoolOptions{
		KubeconfigPath: cfg.Fleet.ManagedKubeconfig,
		HubName:        cfg.Hub.Name,
		HubConfig:      restCfg,
		IdleTTL:        cfg.Fleet.IdleTTL.Duration,
		Logger:         &poolLogger,
	})
	if err != nil {
		return err
	}

	eventsLogger := logger.WithName("events")
	events := sse.NewRegistry(sse.Options{
		KeepAliveInterval: cfg.Events.KeepAliveInterval.Duration,
		WriteTimeout:      cfg.Events.WriteTimeout.Duration,
		QueueSize:         cfg.Events.QueueSize,
		Logger:            &eventsLogger,
	})
	watcher := hubwatch.New(hub.Dynamic(), events, hubwatch.Options{
		Resources:    hubResources(cfg.Hub.Resources),
		ResyncPeriod: cfg.Events.ResyncPeriod.Duration,
		Logger:       &eventsLogger,
	})

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := metrics.Register(reg); err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	proxyLogger := logger.WithName("proxy")
	serverLogger := logger.WithName("server")
	srv := server.New(server.Options{
		ListenAddress:   cfg.Server.ListenAddress,
		Proxy:           proxy.New(pool, &proxyLogger),
		Events:          events.Handler(),
		Gatherer:        reg,
		ShutdownTimeout: cfg.Server.ShutdownTimeout.Duration,
		OnShutdown:      []func(){events.Dispose},
		Logger:          &serverLogger,
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Start(ctx) })
	g.Go(func() error { return pool.Start(ctx) })
	g.Go(func() error {
		events.Run(ctx)
		return nil
	})
	g.Go(func() error { return watcher.Run(ctx) })
	g.Go(func() error { return srv.Start(ctx) })

	err = g.Wait()
	// streams opened after shutdown started still need closing
	events.Dispose()
	logger.Info("Stopped kcfleet")
	return err
}

// hubResources converts configured resources, or returns nil for the
// built-in set.
func hubResources(in []appconfig.HubResource) []hubwatch.Resource {
	if len(in) == 0 {
		return nil
	}
	out := make([]hubwatch.Resource, 0, len(in))
	for _, r := range in {
		out = append(out, hubwatch.Resource{
			GVR:           schema.GroupVersionResource{Group: r.Group, Version: r.Version, Resource: r.Resource},
			Namespace:     r.Namespace,
			LabelSelector: r.LabelSelector,
			FieldSelector: r.FieldSelector,
		})
	}
	return out
}
