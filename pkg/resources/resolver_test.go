package resources

import (
	"errors"
	"testing"

	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

func newTestMapper() *meta.DefaultRESTMapper {
	m := meta.NewDefaultRESTMapper(nil)
	m.AddSpecific(schema.GroupVersionKind{Group: "apps", Version: "v1", Kind: "Deployment"},
		schema.GroupVersionResource{Group: "apps", Version: "v1", Resource: "deployments"},
		schema.GroupVersionResource{Group: "apps", Version: "v1", Resource: "deployment"}, meta.RESTScopeNamespace)
	m.AddSpecific(schema.GroupVersionKind{Version: "v1", Kind: "Pod"},
		schema.GroupVersionResource{Version: "v1", Resource: "pods"},
		schema.GroupVersionResource{Version: "v1", Resource: "pod"}, meta.RESTScopeNamespace)
	m.AddSpecific(schema.GroupVersionKind{Version: "v1", Kind: "Node"},
		schema.GroupVersionResource{Version: "v1", Resource: "nodes"},
		schema.GroupVersionResource{Version: "v1", Resource: "node"}, meta.RESTScopeRoot)
	return m
}

// countingMapper counts RESTMapping calls and optionally learns a mapping on Reset.
type countingMapper struct {
	*meta.DefaultRESTMapper
	calls   int
	resets  int
	onReset func(m *meta.DefaultRESTMapper)
}

func (c *countingMapper) RESTMapping(gk schema.GroupKind, versions ...string) (*meta.RESTMapping, error) {
	c.calls++
	return c.DefaultRESTMapper.RESTMapping(gk, versions...)
}

func (c *countingMapper) Reset() {
	c.resets++
	if c.onReset != nil {
		c.onReset(c.DefaultRESTMapper)
	}
}

func TestResolvePathRoundTrip(t *testing.T) {
	r := NewResolver(newTestMapper())

	plural, err := r.ResolvePlural("Deployment", "apps/v1")
	if err != nil {
		t.Fatalf("ResolvePlural: %v", err)
	}
	if plural != "deployments" {
		t.Fatalf("expected deployments, got %q", plural)
	}
	p1, err := r.ResolvePath("Deployment", "apps/v1", "ns1", "my-app", plural)
	if err != nil {
		t.Fatalf("ResolvePath: %v", err)
	}
	if p1 != "/apis/apps/v1/namespaces/ns1/deployments/my-app" {
		t.Fatalf("unexpected path %q", p1)
	}

	gvk, err := GroupVersionKindFor("Deployment", "apps/v1")
	if err != nil {
		t.Fatalf("GroupVersionKindFor: %v", err)
	}
	apiVersion, kind := gvk.ToAPIVersionAndKind()
	p2, err := r.ResolvePath(kind, apiVersion, "ns1", "my-app", plural)
	if err != nil {
		t.Fatalf("ResolvePath: %v", err)
	}
	if p1 != p2 {
		t.Fatalf("path not idempotent: %q vs %q", p1, p2)
	}
}

func TestResolvePathCoreGroup(t *testing.T) {
	r := NewResolver(newTestMapper())
	for _, apiVersion := range []string{"v1", "core/v1"} {
		plural, err := r.ResolvePlural("Pod", apiVersion)
		if err != nil {
			t.Fatalf("%s: ResolvePlural: %v", apiVersion, err)
		}
		p, err := r.ResolvePath("Pod", apiVersion, "default", "", plural)
		if err != nil {
			t.Fatalf("%s: ResolvePath: %v", apiVersion, err)
		}
		if p != "/api/v1/namespaces/default/pods" {
			t.Fatalf("%s: unexpected path %q", apiVersion, p)
		}
	}
}

func TestResolvePathClusterScoped(t *testing.T) {
	r := NewResolver(newTestMapper())
	p, err := r.ResolvePath("Node", "v1", "default", "n1", "nodes")
	if err != nil {
		t.Fatalf("ResolvePath: %v", err)
	}
	if p != "/api/v1/nodes/n1" {
		t.Fatalf("namespace should be dropped for cluster-scoped kinds, got %q", p)
	}
}

func TestResolvePathEscapesName(t *testing.T) {
	p := Path(schema.GroupVersion{Version: "v1"}, "default", "configmaps", "a/b")
	if p != "/api/v1/namespaces/default/configmaps/a%2Fb" {
		t.Fatalf("unexpected path %q", p)
	}
}

func TestResolverCachesLookups(t *testing.T) {
	m := &countingMapper{DefaultRESTMapper: newTestMapper()}
	r := NewResolver(m)
	for i := 0; i < 3; i++ {
		if _, err := r.ResolvePlural("Pod", "v1"); err != nil {
			t.Fatalf("ResolvePlural: %v", err)
		}
	}
	if m.calls != 1 {
		t.Fatalf("expected 1 discovery call, got %d", m.calls)
	}
}

func TestResolverResetsOnMiss(t *testing.T) {
	widget := schema.GroupVersionKind{Group: "example.com", Version: "v1", Kind: "Widget"}
	m := &countingMapper{DefaultRESTMapper: newTestMapper()}
	m.onReset = func(dm *meta.DefaultRESTMapper) {
		dm.AddSpecific(widget,
			widget.GroupVersion().WithResource("widgets"),
			widget.GroupVersion().WithResource("widget"), meta.RESTScopeNamespace)
	}
	r := NewResolver(m)

	plural, err := r.ResolvePlural("Widget", "example.com/v1")
	if err != nil {
		t.Fatalf("ResolvePlural: %v", err)
	}
	if plural != "widgets" || m.resets != 1 {
		t.Fatalf("expected widgets after one reset, got %q (resets=%d)", plural, m.resets)
	}
}

func TestResolverDiscoveryError(t *testing.T) {
	m := &countingMapper{DefaultRESTMapper: newTestMapper()}
	r := NewResolver(m)

	_, err := r.ResolvePlural("Gadget", "example.com/v1")
	var de *DiscoveryError
	if !errors.As(err, &de) {
		t.Fatalf("expected DiscoveryError, got %T: %v", err, err)
	}
	if !meta.IsNoMatchError(de.Err) {
		t.Fatalf("expected no-match cause, got %v", de.Err)
	}
	if m.resets != 1 {
		t.Fatalf("expected a single reset, got %d", m.resets)
	}

	if _, err := r.ResolvePlural("", "v1"); !errors.As(err, &de) {
		t.Fatalf("expected DiscoveryError for empty kind, got %v", err)
	}
	if _, err := r.ResolvePath("Pod", "a/b/c", "", "", "pods"); !errors.As(err, &de) {
		t.Fatalf("expected DiscoveryError for bad apiVersion, got %v", err)
	}
}

func TestResourceInfosNeedsDiscovery(t *testing.T) {
	r := NewResolver(newTestMapper())
	if _, err := r.ResourceInfos(); err == nil {
		t.Fatal("expected error without discovery client")
	}
}

func TestQuery(t *testing.T) {
	q, err := Query(QueryOptions{
		LabelSelector:       &metav1.LabelSelector{MatchLabels: map[string]string{"app": "web"}},
		FieldSelector:       "metadata.name=p1",
		ResourceVersion:     "42",
		Watch:               true,
		AllowWatchBookmarks: true,
		Limit:               10,
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	want := "allowWatchBookmarks=true&fieldSelector=metadata.name%3Dp1&labelSelector=app%3Dweb&limit=10&resourceVersion=42&watch=true"
	if q != want {
		t.Fatalf("unexpected query\n got: %s\nwant: %s", q, want)
	}

	if q, _ := Query(QueryOptions{}); q != "" {
		t.Fatalf("expected empty query, got %q", q)
	}
	if _, err := Query(QueryOptions{LabelSelector: &metav1.LabelSelector{
		MatchExpressions: []metav1.LabelSelectorRequirement{{Key: "a", Operator: "Bogus"}},
	}}); err == nil {
		t.Fatal("expected error for invalid selector")
	}
}

func TestResolverInvalidate(t *testing.T) {
	m := &countingMapper{DefaultRESTMapper: newTestMapper()}
	r := NewResolver(m)
	if _, err := r.ResolvePlural("Pod", "v1"); err != nil {
		t.Fatalf("ResolvePlural: %v", err)
	}
	r.Invalidate()
	if m.resets != 1 {
		t.Fatalf("expected mapper reset, got %d", m.resets)
	}
	if _, err := r.ResolvePlural("Pod", "v1"); err != nil {
		t.Fatalf("ResolvePlural: %v", err)
	}
	if m.calls != 2 {
		t.Fatalf("expected lookup after invalidation, got %d calls", m.calls)
	}
}
