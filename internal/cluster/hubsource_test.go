package cluster

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	k8stypes "k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/watch"
	dynamicfake "k8s.io/client-go/dynamic/fake"
	clienttesting "k8s.io/client-go/testing"

	"github.com/sttts/kcfleet/pkg/fleet"
	"github.com/sttts/kcfleet/pkg/resources"
)

const hubName = "local-cluster"

var podsGVR = schema.GroupVersionResource{Version: "v1", Resource: "pods"}

func testResolver() *resources.Resolver {
	m := meta.NewDefaultRESTMapper(nil)
	m.AddSpecific(schema.GroupVersionKind{Version: "v1", Kind: "Pod"}, podsGVR,
		schema.GroupVersionResource{Version: "v1", Resource: "pod"}, meta.RESTScopeNamespace)
	return resources.NewResolver(m)
}

func pod(name, rv string) *unstructured.Unstructured {
	u := &unstructured.Unstructured{}
	u.SetAPIVersion("v1")
	u.SetKind("Pod")
	u.SetNamespace("default")
	u.SetName(name)
	u.SetUID(k8stypes.UID("uid-" + name))
	u.SetResourceVersion(rv)
	return u
}

type harness struct {
	src      *HubSource
	dyn      *dynamicfake.FakeDynamicClient
	watchers chan *watch.FakeWatcher
	lists    atomic.Int32
	results  chan fleet.Result
	done     chan error
	cancel   context.CancelFunc
}

func newHarness(t *testing.T, objs ...runtime.Object) *harness {
	t.Helper()
	dyn := dynamicfake.NewSimpleDynamicClientWithCustomListKinds(runtime.NewScheme(),
		map[schema.GroupVersionResource]string{podsGVR: "PodList"}, objs...)
	h := &harness{
		dyn:      dyn,
		watchers: make(chan *watch.FakeWatcher, 8),
		results:  make(chan fleet.Result, 32),
		done:     make(chan error, 1),
	}
	dyn.PrependReactor("list", "pods", func(clienttesting.Action) (bool, runtime.Object, error) {
		h.lists.Add(1)
		return false, nil, nil
	})
	dyn.PrependWatchReactor("pods", func(clienttesting.Action) (bool, watch.Interface, error) {
		fw := watch.NewFake()
		h.watchers <- fw
		return true, fw, nil
	})
	h.src = NewHubSource(hubName, dyn, testResolver(), logr.Discard())
	return h
}

func (h *harness) start(t *testing.T, req *fleet.WatchRequest) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.src.Watch(ctx, req, func(r fleet.Result) { h.results <- r }) }()
	t.Cleanup(h.stop)
}

func (h *harness) stop() {
	if h.cancel != nil {
		h.cancel()
	}
}

func (h *harness) next(t *testing.T) fleet.Result {
	t.Helper()
	select {
	case r := <-h.results:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a result")
	}
	return fleet.Result{}
}

func (h *harness) watcher(t *testing.T) *watch.FakeWatcher {
	t.Helper()
	select {
	case fw := <-h.watchers:
		return fw
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a watch")
	}
	return nil
}

func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Watch did not return")
	}
	return nil
}

func names(r fleet.Result) []string {
	out := []string{}
	for _, it := range r.Items {
		out = append(out, it.Object.GetName())
	}
	return out
}

func TestHubSourceList(t *testing.T) {
	h := newHarness(t, pod("a", "1"))
	h.start(t, &fleet.WatchRequest{Cluster: hubName, GroupVersionKind: schema.GroupVersionKind{Version: "v1", Kind: "Pod"}, IsList: true, Namespace: "default"})

	r := h.next(t)
	if !r.Loaded || r.Err != nil || !r.IsList() {
		t.Fatalf("unexpected initial result: %+v", r)
	}
	if len(r.Items) != 1 || r.Items[0].Cluster != hubName || !r.Items[0].Hub {
		t.Fatalf("expected one hub-tagged item, got %+v", r.Items)
	}

	fw := h.watcher(t)
	fw.Add(pod("b", "2"))
	if got := names(h.next(t)); len(got) != 2 || got[1] != "b" {
		t.Fatalf("unexpected items after ADDED: %v", got)
	}
	fw.Modify(pod("a", "3"))
	r = h.next(t)
	if r.Items[0].Object.GetResourceVersion() != "3" {
		t.Fatalf("MODIFIED not applied: %v", r.Items[0].Object.GetResourceVersion())
	}
	fw.Delete(pod("b", "4"))
	r = h.next(t)
	if got := names(r); len(got) != 1 || got[0] != "a" {
		t.Fatalf("unexpected items after DELETED: %v", got)
	}
	for _, it := range r.Items {
		if !it.Hub {
			t.Fatalf("item lost the hub marker: %+v", it)
		}
	}

	h.cancel()
	if err := h.wait(t); err != nil {
		t.Fatalf("expected nil on cancellation, got %v", err)
	}
}

func TestHubSourceSingleObject(t *testing.T) {
	h := newHarness(t)
	h.start(t, &fleet.WatchRequest{Cluster: hubName, GroupVersionKind: schema.GroupVersionKind{Version: "v1", Kind: "Pod"}, Namespace: "default", Name: "a"})

	r := h.next(t)
	if !apierrors.IsNotFound(r.Err) || !r.Loaded {
		t.Fatalf("expected loaded NotFound, got %+v", r)
	}

	fw := h.watcher(t)
	fw.Add(pod("other", "2"))
	fw.Add(pod("a", "3"))
	r = h.next(t)
	if r.Err != nil || r.Item.Object.GetName() != "a" || !r.Item.Hub {
		t.Fatalf("unexpected item: %+v", r)
	}
	fw.Delete(pod("a", "4"))
	if r = h.next(t); !apierrors.IsNotFound(r.Err) {
		t.Fatalf("expected NotFound after DELETED, got %v", r.Err)
	}
}

func TestHubSourceRelistOnExpired(t *testing.T) {
	h := newHarness(t, pod("a", "1"))
	h.start(t, &fleet.WatchRequest{Cluster: hubName, GroupVersionKind: schema.GroupVersionKind{Version: "v1", Kind: "Pod"}, IsList: true})

	h.next(t)
	fw := h.watcher(t)
	fw.Error(&metav1.Status{Status: metav1.StatusFailure, Code: http.StatusGone, Reason: metav1.StatusReasonExpired, Message: "too old"})

	if r := h.next(t); r.Err != nil || len(r.Items) != 1 {
		t.Fatalf("unexpected relisted result: %+v", r)
	}
	h.watcher(t)
	if n := h.lists.Load(); n != 2 {
		t.Fatalf("expected 2 lists, got %d", n)
	}
}

func TestHubSourceWatchError(t *testing.T) {
	h := newHarness(t)
	h.start(t, &fleet.WatchRequest{Cluster: hubName, GroupVersionKind: schema.GroupVersionKind{Version: "v1", Kind: "Pod"}, IsList: true})

	h.next(t)
	fw := h.watcher(t)
	fw.Error(&metav1.Status{Status: metav1.StatusFailure, Code: http.StatusInternalServerError, Reason: metav1.StatusReasonInternalError, Message: "boom"})
	if err := h.wait(t); !apierrors.IsInternalError(err) {
		t.Fatalf("expected internal error, got %v", err)
	}
}

func TestHubSourceUnknownKind(t *testing.T) {
	h := newHarness(t)
	err := h.src.Watch(context.Background(), &fleet.WatchRequest{GroupVersionKind: schema.GroupVersionKind{Group: "example.com", Version: "v1", Kind: "Widget"}, IsList: true}, func(fleet.Result) {})
	var derr *resources.DiscoveryError
	if !errors.As(err, &derr) {
		t.Fatalf("expected DiscoveryError, got %v", err)
	}
}

func TestHubSourceThroughFleetClient(t *testing.T) {
	h := newHarness(t, pod("a", "1"))
	c := fleet.NewClient(fleet.WithHubClusterName(hubName), fleet.WithLocalSource(h.src))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r, err := c.Fetch(ctx, &fleet.WatchRequest{Cluster: hubName, GroupVersionKind: schema.GroupVersionKind{Version: "v1", Kind: "Pod"}, IsList: true, Namespace: "default"})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(r.Items) != 1 || !r.Items[0].Hub {
		t.Fatalf("unexpected result: %+v", r)
	}
}
