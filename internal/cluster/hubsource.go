package cluster

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/dynamic"

	"github.com/sttts/kcfleet/pkg/fleet"
	"github.com/sttts/kcfleet/pkg/resources"
)

// Lookuper maps kinds to discovery information. *resources.Resolver implements it.
type Lookuper interface {
	Lookup(kind, apiVersion string) (resources.APIPathMeta, error)
}

// HubSource serves hub requests of the fleet client with list+watch against
// the hub API server. Objects are tagged with the hub name and marked as hub
// resources.
type HubSource struct {
	name     string
	dyn      dynamic.Interface
	resolver Lookuper
	logger   logr.Logger
}

var _ fleet.LocalSource = (*HubSource)(nil)

// NewHubSource creates a HubSource for the hub called name.
func NewHubSource(name string, dyn dynamic.Interface, resolver Lookuper, logger logr.Logger) *HubSource {
	return &HubSource{name: name, dyn: dyn, resolver: resolver, logger: logger.WithName("source")}
}

// Watch lists the requested resources, reports them, and keeps reporting
// changes until ctx is done. It returns nil on cancellation.
func (s *HubSource) Watch(ctx context.Context, req *fleet.WatchRequest, update func(fleet.Result)) error {
	gvk := req.GroupVersionKind
	m, err := s.resolver.Lookup(gvk.Kind, req.APIVersion())
	if err != nil {
		return err
	}
	gvr := schema.GroupVersionResource{Group: groupOf(gvk), Version: gvk.Version, Resource: m.PluralName}
	var ri dynamic.ResourceInterface = s.dyn.Resource(gvr)
	if m.Namespaced && req.Namespace != "" {
		ri = s.dyn.Resource(gvr).Namespace(req.Namespace)
	}

	opts, err := listOptions(req)
	if err != nil {
		return err
	}
	if !req.IsList && req.Name == "" {
		return &resources.DiscoveryError{Kind: gvk.Kind, APIVersion: req.APIVersion(), Err: fmt.Errorf("name is required for single-object requests")}
	}

	logger := s.logger.WithValues("resource", gvr.String(), "namespace", req.Namespace, "name", req.Name)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0

	var last fleet.Result
	for {
		rv, result, err := s.list(ctx, ri, gvr.GroupResource(), req, opts)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return err
		}
		last = result
		update(last)

		for {
			wopts := opts
			wopts.ResourceVersion = rv
			wopts.AllowWatchBookmarks = true
			w, err := ri.Watch(ctx, wopts)
			if ctx.Err() != nil {
				return nil
			}
			if err != nil {
				if apierrors.IsGone(err) || apierrors.IsResourceExpired(err) {
					break
				}
				logger.V(4).Info("Watch failed", "err", err)
				if !sleep(ctx, b.NextBackOff()) {
					return nil
				}
				continue
			}

			var relist bool
			prev := rv
			last, rv, relist, err = s.consume(ctx, w, req, gvr.GroupResource(), last, rv, update)
			w.Stop()
			if ctx.Err() != nil {
				return nil
			}
			if err != nil {
				return err
			}
			if relist {
				logger.V(2).Info("Resource version expired, listing again")
				break
			}
			if rv != prev {
				b.Reset()
				continue
			}
			if !sleep(ctx, b.NextBackOff()) {
				return nil
			}
		}
	}
}

func (s *HubSource) list(ctx context.Context, ri dynamic.ResourceInterface, gr schema.GroupResource, req *fleet.WatchRequest, opts metav1.ListOptions) (string, fleet.Result, error) {
	if !req.IsList {
		obj, err := ri.Get(ctx, req.Name, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			// the object may appear later; keep watching from the collection's version
			l, lerr := ri.List(ctx, metav1.ListOptions{FieldSelector: opts.FieldSelector, Limit: 1})
			if lerr != nil {
				return "", fleet.Result{}, lerr
			}
			return l.GetResourceVersion(), fleet.NewItemResult(nil, true, apierrors.NewNotFound(gr, req.Name)), nil
		}
		if err != nil {
			return "", fleet.Result{}, err
		}
		item := s.tag(obj)
		return obj.GetResourceVersion(), fleet.NewItemResult(&item, true, nil), nil
	}

	l, err := ri.List(ctx, opts)
	if err != nil {
		return "", fleet.Result{}, err
	}
	items := make([]fleet.FleetResource, 0, len(l.Items))
	for i := range l.Items {
		items = append(items, s.tag(&l.Items[i]))
	}
	return l.GetResourceVersion(), fleet.NewListResult(items, true, nil), nil
}

// consume applies watch events to last until the watch closes or ctx is done.
// It reports whether the data has to be listed again, and returns the error
// of an ERROR event other than an expired resource version.
func (s *HubSource) consume(ctx context.Context, w watch.Interface, req *fleet.WatchRequest, gr schema.GroupResource, last fleet.Result, rv string, update func(fleet.Result)) (fleet.Result, string, bool, error) {
	for {
		select {
		case <-ctx.Done():
			return last, rv, false, nil
		case ev, ok := <-w.ResultChan():
			if !ok {
				return last, rv, false, nil
			}
			switch ev.Type {
			case watch.Added, watch.Modified, watch.Deleted:
				obj, ok := ev.Object.(*unstructured.Unstructured)
				if !ok || (!req.IsList && obj.GetName() != req.Name) {
					continue
				}
				rv = obj.GetResourceVersion()
				last = s.apply(last, req, gr, ev.Type, obj)
				update(last)
			case watch.Bookmark:
				if obj, ok := ev.Object.(*unstructured.Unstructured); ok {
					rv = obj.GetResourceVersion()
				}
			case watch.Error:
				err := apierrors.FromObject(ev.Object)
				if apierrors.IsGone(err) || apierrors.IsResourceExpired(err) {
					return last, rv, true, nil
				}
				return last, rv, false, err
			}
		}
	}
}

func (s *HubSource) apply(last fleet.Result, req *fleet.WatchRequest, gr schema.GroupResource, et watch.EventType, obj *unstructured.Unstructured) fleet.Result {
	if !req.IsList {
		if et == watch.Deleted {
			return fleet.NewItemResult(nil, true, apierrors.NewNotFound(gr, req.Name))
		}
		item := s.tag(obj)
		return fleet.NewItemResult(&item, true, nil)
	}
	applied := fleet.ApplyEvent(last.Items, s.name, et, obj)
	items := make([]fleet.FleetResource, len(applied))
	for i, it := range applied {
		it.Hub = true
		items[i] = it
	}
	return fleet.NewListResult(items, true, nil)
}

func (s *HubSource) tag(obj *unstructured.Unstructured) fleet.FleetResource {
	r := fleet.Tag(s.name, obj)
	r.Hub = true
	return r
}

func listOptions(req *fleet.WatchRequest) (metav1.ListOptions, error) {
	opts := metav1.ListOptions{FieldSelector: req.FieldSelector, Limit: req.Limit}
	if req.Selector != nil {
		sel, err := metav1.LabelSelectorAsSelector(req.Selector)
		if err != nil {
			return opts, fmt.Errorf("invalid label selector: %w", err)
		}
		opts.LabelSelector = sel.String()
	}
	if !req.IsList && req.Name != "" {
		opts.FieldSelector = fields.OneTermEqualSelector("metadata.name", req.Name).String()
	}
	return opts, nil
}

func groupOf(gvk schema.GroupVersionKind) string {
	if gvk.Group == "core" {
		return ""
	}
	return gvk.Group
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
