// Package hubwatch watches hub resources and publishes their changes as
// server-sent events, keyed by the namespace of each object.
package hubwatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/dynamic/dynamicinformer"
	"k8s.io/client-go/tools/cache"
	"k8s.io/klog/v2"

	"github.com/sttts/kcfleet/internal/sse"
)

// EventName is the server-sent event name of every hub watch message.
const EventName = "watch"

// Message types besides the watch event types.
const (
	TypeStart  = "START"
	TypeLoaded = "LOADED"
)

// Resource is one watched hub resource.
type Resource struct {
	GVR           schema.GroupVersionResource
	Namespace     string
	LabelSelector string
	FieldSelector string
}

// DefaultResources are the hub resources fleet consoles need to stay current.
var DefaultResources = []Resource{
	{GVR: schema.GroupVersionResource{Version: "v1", Resource: "namespaces"}},
	{GVR: schema.GroupVersionResource{Group: "cluster.open-cluster-management.io", Version: "v1", Resource: "managedclusters"}},
	{GVR: schema.GroupVersionResource{Group: "cluster.open-cluster-management.io", Version: "v1beta2", Resource: "managedclustersets"}},
	{GVR: schema.GroupVersionResource{Group: "cluster.open-cluster-management.io", Version: "v1beta2", Resource: "managedclustersetbindings"}},
	{GVR: schema.GroupVersionResource{Group: "addon.open-cluster-management.io", Version: "v1alpha1", Resource: "managedclusteraddons"}},
	{GVR: schema.GroupVersionResource{Group: "internal.open-cluster-management.io", Version: "v1beta1", Resource: "managedclusterinfos"}},
	{GVR: schema.GroupVersionResource{Version: "v1", Resource: "secrets"}, LabelSelector: "cluster.open-cluster-management.io/credentials"},
}

// Message is the payload of a hub watch event.
type Message struct {
	Type   string                     `json:"type"`
	Object *unstructured.Unstructured `json:"object,omitempty"`
}

// Sink receives messages. *sse.Registry implements it.
type Sink interface {
	BroadcastJSON(namespace, event string, v any) (uint64, error)
}

// Options configure a Watcher.
type Options struct {
	Resources    []Resource
	ResyncPeriod time.Duration
	Logger       *logr.Logger
}

// Watcher runs one informer per resource and forwards changes to a Sink.
type Watcher struct {
	dyn       dynamic.Interface
	sink      Sink
	resources []Resource
	resync    time.Duration
	logger    logr.Logger

	mu sync.Mutex
	// last holds the resource version sent per kind/namespace/name.
	last map[string]string
}

// New creates a Watcher.
func New(dyn dynamic.Interface, sink Sink, opts Options) *Watcher {
	w := &Watcher{
		dyn:       dyn,
		sink:      sink,
		resources: opts.Resources,
		resync:    opts.ResyncPeriod,
		logger:    klog.Background().WithName("hubwatch"),
		last:      map[string]string{},
	}
	if w.resources == nil {
		w.resources = DefaultResources
	}
	if opts.Logger != nil {
		w.logger = *opts.Logger
	}
	return w
}

// Run starts the informers, announces LOADED once all caches synced and
// blocks until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	w.send(sse.Wildcard, Message{Type: TypeStart})

	var factories []dynamicinformer.DynamicSharedInformerFactory
	var synced []cache.InformerSynced
	defer func() {
		for _, f := range factories {
			f.Shutdown()
		}
	}()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	for _, r := range w.resources {
		f := dynamicinformer.NewFilteredDynamicSharedInformerFactory(w.dyn, w.resync, r.Namespace, func(o *metav1.ListOptions) {
			o.LabelSelector = r.LabelSelector
			o.FieldSelector = r.FieldSelector
		})
		informer := f.ForResource(r.GVR).Informer()
		reg, err := informer.AddEventHandler(cache.ResourceEventHandlerFuncs{
			AddFunc:    func(obj any) { w.handle(watch.Added, obj) },
			UpdateFunc: func(_, obj any) { w.handle(watch.Modified, obj) },
			DeleteFunc: func(obj any) { w.handle(watch.Deleted, obj) },
		})
		if err != nil {
			return fmt.Errorf("failed to add handler for %s: %w", r.GVR, err)
		}
		f.Start(ctx.Done())
		factories = append(factories, f)
		synced = append(synced, reg.HasSynced)
	}

	// the handlers have seen every initial object once their registrations synced
	if !cache.WaitForCacheSync(ctx.Done(), synced...) {
		return nil
	}
	w.logger.V(2).Info("Hub watches loaded", "resources", len(w.resources))
	w.send(sse.Wildcard, Message{Type: TypeLoaded})

	<-ctx.Done()
	return nil
}

func (w *Watcher) handle(et watch.EventType, obj any) {
	if tomb, ok := obj.(cache.DeletedFinalStateUnknown); ok {
		obj = tomb.Obj
	}
	u, ok := obj.(*unstructured.Unstructured)
	if !ok || u.GetKind() == "" || u.GetName() == "" {
		return
	}

	key := u.GetKind() + "/" + u.GetNamespace() + "/" + u.GetName()
	rv := u.GetResourceVersion()
	w.mu.Lock()
	if et == watch.Deleted {
		delete(w.last, key)
	} else {
		if prev, ok := w.last[key]; ok && prev == rv {
			w.mu.Unlock()
			return
		}
		w.last[key] = rv
	}
	w.mu.Unlock()

	ns := u.GetNamespace()
	if ns == "" {
		ns = sse.Wildcard
	}
	w.send(ns, Message{Type: string(et), Object: Strip(et, u)})
}

func (w *Watcher) send(ns string, m Message) {
	if _, err := w.sink.BroadcastJSON(ns, EventName, m); err != nil {
		w.logger.Error(err, "Failed to broadcast", "type", m.Type)
	}
}

// Strip returns a copy of obj without server bookkeeping fields. Deleted
// objects are reduced to their identity.
func Strip(et watch.EventType, obj *unstructured.Unstructured) *unstructured.Unstructured {
	if et == watch.Deleted {
		out := &unstructured.Unstructured{Object: map[string]any{}}
		out.SetAPIVersion(obj.GetAPIVersion())
		out.SetKind(obj.GetKind())
		out.SetName(obj.GetName())
		if ns := obj.GetNamespace(); ns != "" {
			out.SetNamespace(ns)
		}
		return out
	}
	out := obj.DeepCopy()
	unstructured.RemoveNestedField(out.Object, "metadata", "managedFields")
	unstructured.RemoveNestedField(out.Object, "metadata", "selfLink")
	return out
}
