package appconfig

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	yaml "sigs.k8s.io/yaml"
)

// EnvironmentProduction enables fetch retries.
const EnvironmentProduction = "production"

type ServerConfig struct {
	ListenAddress   string          `json:"listenAddress"`
	ShutdownTimeout metav1.Duration `json:"shutdownTimeout"`
}

// HubResource is a hub resource whose changes are published as events.
type HubResource struct {
	Group         string `json:"group,omitempty"`
	Version       string `json:"version"`
	Resource      string `json:"resource"`
	Namespace     string `json:"namespace,omitempty"`
	LabelSelector string `json:"labelSelector,omitempty"`
	FieldSelector string `json:"fieldSelector,omitempty"`
}

type HubConfig struct {
	// Name is the cluster name that routes to the hub instead of the proxy.
	Name             string          `json:"name"`
	Kubeconfig       string          `json:"kubeconfig,omitempty"`
	DiscoveryRefresh metav1.Duration `json:"discoveryRefresh"`
	// Resources overrides the built-in set of watched hub resources.
	Resources []HubResource `json:"resources,omitempty"`
}

type RetryConfig struct {
	Interval    metav1.Duration `json:"interval"`
	Exponential bool            `json:"exponential,omitempty"`
	MaxInterval metav1.Duration `json:"maxInterval,omitempty"`
}

type FleetConfig struct {
	BackendURL        string          `json:"backendURL"`
	ManagedKubeconfig string          `json:"managedKubeconfig,omitempty"`
	IdleTTL           metav1.Duration `json:"idleTTL"`
	CacheTTL          metav1.Duration `json:"cacheTTL"`
	LiveWatch         bool            `json:"liveWatch"`
	// MaxRetries is derived from the environment when unset.
	MaxRetries *uint64     `json:"maxRetries,omitempty"`
	Retry      RetryConfig `json:"retry"`
}

type EventsConfig struct {
	KeepAliveInterval metav1.Duration `json:"keepAliveInterval"`
	ResyncPeriod      metav1.Duration `json:"resyncPeriod"`
	// WriteTimeout bounds a single frame write to a subscriber.
	WriteTimeout metav1.Duration `json:"writeTimeout"`
	// QueueSize is the number of frames buffered per subscriber before it is
	// dropped.
	QueueSize int `json:"queueSize"`
}

type Config struct {
	Environment string       `json:"environment,omitempty"`
	Server      ServerConfig `json:"server"`
	Hub         HubConfig    `json:"hub"`
	Fleet       FleetConfig  `json:"fleet"`
	Events      EventsConfig `json:"events"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddress:   ":4000",
			ShutdownTimeout: metav1.Duration{Duration: 30 * time.Second},
		},
		Hub: HubConfig{
			Name:             "local-cluster",
			DiscoveryRefresh: metav1.Duration{Duration: 5 * time.Minute},
		},
		Fleet: FleetConfig{
			BackendURL: "http://localhost:4000",
			IdleTTL:    metav1.Duration{Duration: 10 * time.Minute},
			CacheTTL:   metav1.Duration{Duration: 30 * time.Second},
			LiveWatch:  true,
		},
		Events: EventsConfig{
			KeepAliveInterval: metav1.Duration{Duration: 110 * time.Second},
			WriteTimeout:      metav1.Duration{Duration: 30 * time.Second},
			QueueSize:         64,
		},
	}
}

// MaxRetriesFor returns the fetch retry count used in env.
func MaxRetriesFor(env string) uint64 {
	if env == EnvironmentProduction {
		return 2
	}
	return 0
}

// ApplyEnvironment records env and derives the retry count from it unless
// one was configured explicitly.
func (c *Config) ApplyEnvironment(env string) {
	if env != "" {
		c.Environment = env
	}
	if c.Fleet.MaxRetries == nil {
		n := MaxRetriesFor(c.Environment)
		c.Fleet.MaxRetries = &n
	}
}

// Validate checks the values that have no usable default.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.ListenAddress == "" {
		errs = append(errs, errors.New("server.listenAddress must not be empty"))
	}
	if c.Hub.Name == "" {
		errs = append(errs, errors.New("hub.name must not be empty"))
	}
	if _, err := url.ParseRequestURI(c.Fleet.BackendURL); err != nil {
		errs = append(errs, fmt.Errorf("fleet.backendURL: %w", err))
	}
	for i, r := range c.Hub.Resources {
		if r.Version == "" || r.Resource == "" {
			errs = append(errs, fmt.Errorf("hub.resources[%d]: version and resource are required", i))
		}
	}
	return errors.Join(errs...)
}

// applyDefaults fills zero values left by a partial file.
func (c *Config) applyDefaults() {
	d := Default()
	if c.Server.ListenAddress == "" {
		c.Server.ListenAddress = d.Server.ListenAddress
	}
	if c.Server.ShutdownTimeout.Duration <= 0 {
		c.Server.ShutdownTimeout = d.Server.ShutdownTimeout
	}
	if c.Hub.Name == "" {
		c.Hub.Name = d.Hub.Name
	}
	if c.Hub.DiscoveryRefresh.Duration <= 0 {
		c.Hub.DiscoveryRefresh = d.Hub.DiscoveryRefresh
	}
	if c.Fleet.BackendURL == "" {
		c.Fleet.BackendURL = d.Fleet.BackendURL
	}
	if c.Fleet.IdleTTL.Duration <= 0 {
		c.Fleet.IdleTTL = d.Fleet.IdleTTL
	}
	if c.Fleet.CacheTTL.Duration <= 0 {
		c.Fleet.CacheTTL = d.Fleet.CacheTTL
	}
	if c.Events.KeepAliveInterval.Duration <= 0 {
		c.Events.KeepAliveInterval = d.Events.KeepAliveInterval
	}
	if c.Events.WriteTimeout.Duration <= 0 {
		c.Events.WriteTimeout = d.Events.WriteTimeout
	}
	if c.Events.QueueSize <= 0 {
		c.Events.QueueSize = d.Events.QueueSize
	}
}

// DefaultPath returns ~/.kcfleet/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".kcfleet", "config.yaml"), nil
}

// Load reads the config at p, or at DefaultPath if p is empty. A missing
// file yields the defaults.
func Load(p string) (*Config, error) {
	cfg := Default()
	if p == "" {
		var err error
		if p, err = DefaultPath(); err != nil {
			return cfg, err
		}
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return Default(), fmt.Errorf("failed to parse %s: %w", p, err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// Save writes cfg to p, or to DefaultPath if p is empty, creating the
// directory if needed.
func Save(p string, cfg *Config) error {
	if p == "" {
		var err error
		if p, err = DefaultPath(); err != nil {
			return err
		}
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(p, data, 0o644)
}
