package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/sttts/kcfleet/pkg/appconfig"
	"github.com/sttts/kcfleet/pkg/fleet"
	"github.com/sttts/kcfleet/pkg/resources"
)

const sampleKubeconfig = `
apiVersion: v1
kind: Config
clusters:
- cluster:
    server: https://hub:6443
  name: hub
contexts:
- context:
    cluster: hub
    user: admin
  name: hub
current-context: hub
users:
- name: admin
  user:
    token: hub-token
`

func TestHubRESTConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kubeconfig")
	if err := os.WriteFile(path, []byte(sampleKubeconfig), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := hubRESTConfig(path)
	if err != nil {
		t.Fatalf("hubRESTConfig: %v", err)
	}
	if cfg.Host != "https://hub:6443" || cfg.BearerToken != "hub-token" {
		t.Fatalf("unexpected config: host=%q token=%q", cfg.Host, cfg.BearerToken)
	}
	if !strings.HasPrefix(cfg.UserAgent, "kcfleet/") {
		t.Fatalf("unexpected user agent %q", cfg.UserAgent)
	}

	if _, err := hubRESTConfig(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatal("expected an error for a missing kubeconfig")
	}
}

func TestRootOptionsConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("hub:\n  name: from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	o := &rootOptions{configPath: path, env: appconfig.EnvironmentProduction}
	cfg, err := o.config()
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if cfg.Hub.Name != "from-file" || *cfg.Fleet.MaxRetries != 2 {
		t.Fatalf("unexpected config: hub=%q retries=%d", cfg.Hub.Name, *cfg.Fleet.MaxRetries)
	}

	o = &rootOptions{configPath: path, hubClusterName: "from-flag", kubeconfig: "/tmp/hub"}
	cfg, err = o.config()
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if cfg.Hub.Name != "from-flag" || cfg.Hub.Kubeconfig != "/tmp/hub" || *cfg.Fleet.MaxRetries != 0 {
		t.Fatalf("flags not applied: %+v", cfg.Hub)
	}
}

func TestGetRequest(t *testing.T) {
	o := &getOptions{cluster: "east", kind: "Deployment", apiVersion: "apps/v1", namespace: "default", selector: "app=web"}
	req, err := o.request(nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	want := &fleet.WatchRequest{
		Cluster:          "east",
		GroupVersionKind: schema.GroupVersionKind{Group: "apps", Version: "v1", Kind: "Deployment"},
		IsList:           true,
		Namespace:        "default",
		Selector:         &metav1.LabelSelector{MatchLabels: map[string]string{"app": "web"}},
	}
	if diff := cmp.Diff(want, req, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("unexpected request (-want +got):\n%s", diff)
	}

	o.selector = ""
	req, err = o.request([]string{"web"})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if req.IsList || req.Name != "web" {
		t.Fatalf("expected a single-object request, got %+v", req)
	}

	for name, o := range map[string]*getOptions{
		"no kind":          {apiVersion: "v1"},
		"bad api version":  {kind: "Pod", apiVersion: "a/b/c"},
		"selector on item": {kind: "Pod", apiVersion: "v1", selector: "app=web"},
	} {
		if _, err := o.request([]string{"x"}); err == nil {
			t.Fatalf("%s: expected an error", name)
		}
	}
}

func pod(name string) *unstructured.Unstructured {
	u := &unstructured.Unstructured{}
	u.SetAPIVersion("v1")
	u.SetKind("Pod")
	u.SetNamespace("default")
	u.SetName(name)
	return u
}

func TestPrintResult(t *testing.T) {
	r := fleet.NewListResult([]fleet.FleetResource{fleet.Tag("east", pod("p1"))}, true, nil)

	var buf bytes.Buffer
	if err := printResult(&buf, r, "json"); err != nil {
		t.Fatalf("json: %v", err)
	}
	if !strings.Contains(buf.String(), `"cluster": "east"`) || !strings.Contains(buf.String(), `"name": "p1"`) {
		t.Fatalf("unexpected json output:\n%s", buf.String())
	}

	buf.Reset()
	if err := printResult(&buf, r, "yaml"); err != nil {
		t.Fatalf("yaml: %v", err)
	}
	if !strings.HasPrefix(buf.String(), "---\n- apiVersion: v1\n") || !strings.Contains(buf.String(), "cluster: east") {
		t.Fatalf("unexpected yaml output:\n%s", buf.String())
	}

	if err := printResult(&buf, r, "table"); err == nil {
		t.Fatal("expected an error for an unknown format")
	}
}

func TestPrintKinds(t *testing.T) {
	var buf bytes.Buffer
	err := printKinds(&buf, []resources.ResourceInfo{
		{GVK: schema.GroupVersionKind{Group: "apps", Version: "v1", Kind: "Deployment"}, Resource: "deployments", Namespaced: true},
		{GVK: schema.GroupVersionKind{Version: "v1", Kind: "Namespace"}, Resource: "namespaces"},
	})
	if err != nil {
		t.Fatalf("printKinds: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 || !strings.HasPrefix(lines[1], "Namespace ") || !strings.HasPrefix(lines[2], "Deployment ") {
		t.Fatalf("unexpected output:\n%s", buf.String())
	}
}

func managedCluster(name, set string, available bool) *unstructured.Unstructured {
	u := &unstructured.Unstructured{}
	u.SetAPIVersion("cluster.open-cluster-management.io/v1")
	u.SetKind("ManagedCluster")
	u.SetName(name)
	labels := map[string]string{}
	if set != "" {
		labels[fleet.ClusterSetLabel] = set
	}
	if available {
		labels[fleet.ClusterProxyAddonLabel] = "available"
		_ = unstructured.SetNestedSlice(u.Object, []any{
			map[string]any{"type": fleet.ManagedClusterConditionAvailable, "status": "True"},
		}, "status", "conditions")
	}
	u.SetLabels(labels)
	return u
}

func TestClustersPrint(t *testing.T) {
	clusters := []*unstructured.Unstructured{
		managedCluster("east", "prod", true),
		managedCluster("west", "", true),
		managedCluster("north", "prod", false),
	}

	var buf bytes.Buffer
	if err := (&clustersOptions{}).print(&buf, clusters); err != nil {
		t.Fatal(err)
	}
	if got := buf.String(); got != "east\nwest\n" {
		t.Fatalf("unexpected names %q", got)
	}

	buf.Reset()
	if err := (&clustersOptions{bySet: true, all: true}).print(&buf, clusters); err != nil {
		t.Fatal(err)
	}
	if got, want := buf.String(), "default: west\nglobal: east, west, north\nprod: east, north\n"; got != want {
		t.Fatalf("unexpected sets %q, want %q", got, want)
	}

	buf.Reset()
	if err := (&clustersOptions{clusterSets: []string{"prod"}}).print(&buf, clusters); err != nil {
		t.Fatal(err)
	}
	if got := buf.String(); got != "prod: east\n" {
		t.Fatalf("unexpected filtered sets %q", got)
	}
}

func TestHubResources(t *testing.T) {
	if got := hubResources(nil); got != nil {
		t.Fatalf("expected nil for the built-in set, got %v", got)
	}
	got := hubResources([]appconfig.HubResource{{Group: "apps", Version: "v1", Resource: "deployments", Namespace: "fleet"}})
	if len(got) != 1 || got[0].GVR.Resource != "deployments" || got[0].Namespace != "fleet" {
		t.Fatalf("unexpected resources %+v", got)
	}
}

func TestRootCommandFlags(t *testing.T) {
	cmd := newRootCommand()
	for _, name := range []string{"config", "kubeconfig", "hub-cluster-name", "env", "zap-log-level"} {
		if cmd.PersistentFlags().Lookup(name) == nil {
			t.Fatalf("missing flag --%s", name)
		}
	}
	get, _, err := cmd.Find([]string{"get"})
	if err != nil || get.Flags().Lookup("watch") == nil {
		t.Fatalf("get command not wired: %v", err)
	}
}
