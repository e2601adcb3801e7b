package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/klog/v2"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/sttts/kcfleet/pkg/appconfig"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	ctx := setupSignalHandler()
	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// rootOptions are shared by all subcommands.
type rootOptions struct {
	configPath     string
	kubeconfig     string
	hubClusterName string
	env            string
	zap            zap.Options
}

func newRootCommand() *cobra.Command {
	o := &rootOptions{
		env: os.Getenv("KCFLEET_ENV"),
		zap: zap.Options{Development: os.Getenv("DEBUG") != ""},
	}

	cmd := &cobra.Command{
		Use:          "kcfleet",
		Short:        "Fleet resource routing and live updates for managed clusters",
		Version:      fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			logger := zap.New(zap.UseFlagOptions(&o.zap))
			ctrl.SetLogger(logger)
			klog.SetLogger(logger)
			cmd.SetContext(klog.NewContext(cmd.Context(), logger))
		},
	}

	goFlags := flag.NewFlagSet("", flag.ContinueOnError)
	o.zap.BindFlags(goFlags)
	fs := cmd.PersistentFlags()
	fs.AddGoFlagSet(goFlags)
	o.addFlags(fs)

	cmd.AddCommand(newServeCommand(o), newGetCommand(o), newClustersCommand(o))
	return cmd
}

func (o *rootOptions) addFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.configPath, "config", o.configPath, "Path to the config file (default ~/.kcfleet/config.yaml)")
	fs.StringVar(&o.kubeconfig, "kubeconfig", o.kubeconfig, "Path to the hub kubeconfig (default: KUBECONFIG or ~/.kube/config)")
	fs.StringVar(&o.hubClusterName, "hub-cluster-name", o.hubClusterName, "Name of the hub cluster (overrides the config file)")
	fs.StringVar(&o.env, "env", o.env, "Deployment environment; \"production\" enables fetch retries (default KCFLEET_ENV)")
}

// config loads the config file, applies the root flags and derives the
// environment dependent settings.
func (o *rootOptions) config() (*appconfig.Config, error) {
	cfg, err := appconfig.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.kubeconfig != "" {
		cfg.Hub.Kubeconfig = o.kubeconfig
	}
	if o.hubClusterName != "" {
		cfg.Hub.Name = o.hubClusterName
	}
	cfg.ApplyEnvironment(o.env)
	return cfg, nil
}

// hubRESTConfig loads the hub's rest config from path, falling back to the
// default loading rules when path is empty.
func hubRESTConfig(path string) (*rest.Config, error) {
	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	rules.ExplicitPath = path
	cfg, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, &clientcmd.ConfigOverrides{}).ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load hub kubeconfig: %w", err)
	}
	cfg = rest.CopyConfig(cfg)
	cfg.UserAgent = "kcfleet/" + version
	return cfg, nil
}

func setupSignalHandler() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	c := make(chan os.Signal, 2)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		cancel()
		<-c
		os.Exit(1) // second signal. Exit directly.
	}()
	return ctx
}
