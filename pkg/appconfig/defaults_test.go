package appconfig

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	yaml "sigs.k8s.io/yaml"
)

// TestConfigDefaultsYAMLMatchesCode reads config-default.yaml from the repo root
// and compares it with the in-code defaults returned by Default().
func TestConfigDefaultsYAMLMatchesCode(t *testing.T) {
	path := filepath.Join("..", "..", "config-default.yaml")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		t.Skip("config-default.yaml not found; skipping defaults sync test")
	}
	if err != nil {
		t.Fatalf("read defaults yaml: %v", err)
	}

	fromYAML := &Config{}
	if err := yaml.UnmarshalStrict(data, fromYAML); err != nil {
		t.Fatalf("unmarshal defaults yaml: %v", err)
	}
	if diff := cmp.Diff(Default(), fromYAML); diff != "" {
		t.Fatalf("config-default.yaml out of sync with Default() (-code +yaml):\n%s", diff)
	}
}

func TestLoadPartialFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "config.yaml")
	data := `
hub:
  name: hub-east
fleet:
  liveWatch: false
  maxRetries: 5
  retry:
    interval: 200ms
    exponential: true
events:
  keepAliveInterval: 0s
`
	if err := os.WriteFile(p, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Hub.Name != "hub-east" || cfg.Fleet.LiveWatch {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Fleet.Retry.Interval.Duration != 200*time.Millisecond || !cfg.Fleet.Retry.Exponential {
		t.Fatalf("unexpected retry config %+v", cfg.Fleet.Retry)
	}
	if cfg.Server.ListenAddress != ":4000" || cfg.Events.KeepAliveInterval.Duration != 110*time.Second {
		t.Fatalf("defaults not kept: %+v", cfg)
	}

	// explicit retries win over the environment
	cfg.ApplyEnvironment(EnvironmentProduction)
	if *cfg.Fleet.MaxRetries != 5 {
		t.Fatalf("expected 5 retries, got %d", *cfg.Fleet.MaxRetries)
	}
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff(Default(), cfg); diff != "" {
		t.Fatalf("expected defaults (-want +got):\n%s", diff)
	}
}

func TestLoadInvalidFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(p, []byte("server: [\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(p); err == nil {
		t.Fatal("expected a parse error")
	}
}

func TestApplyEnvironment(t *testing.T) {
	tests := []struct {
		env  string
		want uint64
	}{
		{env: EnvironmentProduction, want: 2},
		{env: "development", want: 0},
		{env: "", want: 0},
	}
	for _, tt := range tests {
		cfg := Default()
		cfg.ApplyEnvironment(tt.env)
		if got := *cfg.Fleet.MaxRetries; got != tt.want {
			t.Fatalf("env %q: got %d retries, want %d", tt.env, got, tt.want)
		}
	}
}

func TestSaveRoundTrip(t *testing.T) {
	p := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := Default()
	cfg.Hub.Resources = []HubResource{{Version: "v1", Resource: "configmaps", Namespace: "fleet"}}
	if err := Save(p, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff(cfg, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestValidate(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	cfg := Default()
	cfg.Hub.Name = ""
	cfg.Fleet.BackendURL = "not a url"
	cfg.Hub.Resources = []HubResource{{Resource: "configmaps"}}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected errors")
	}
	for _, want := range []string{"hub.name", "fleet.backendURL", "hub.resources[0]"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %s", err, want)
		}
	}
}
