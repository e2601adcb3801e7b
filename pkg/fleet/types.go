package fleet

import (
	"encoding/json"
	"fmt"
	"reflect"

	"k8s.io/apimachinery/pkg/api/equality"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

const (
	// ClusterField is the JSON field carrying the originating cluster name.
	ClusterField = "cluster"
	// HubClusterResourceField marks objects that were served by the hub itself.
	HubClusterResourceField = "_hubClusterResource"
)

// Object is the minimal shape a resource needs to be tagged with its cluster.
// Every typed API object and *unstructured.Unstructured satisfies it.
type Object interface {
	metav1.Object
	GetObjectKind() schema.ObjectKind
}

// Tagged combines a resource with the name of the cluster it was read from.
type Tagged[T Object] struct {
	Cluster string
	// Hub is set for objects served natively by the hub cluster.
	Hub    bool
	Object T
}

// FleetResource is the untyped resource shape returned by the fleet client.
type FleetResource = Tagged[*unstructured.Unstructured]

// Key returns the identity of the resource across the fleet. Namespace/name
// pairs are only unique within one cluster, so the cluster is part of the key.
func (t Tagged[T]) Key() string {
	gvk := t.Object.GetObjectKind().GroupVersionKind()
	return fmt.Sprintf("%s/%s/%s/%s/%s", t.Cluster, gvk.GroupVersion().String(), gvk.Kind, t.Object.GetNamespace(), t.Object.GetName())
}

// MarshalJSON flattens the object and adds the cluster field (and the hub
// marker for hub-native objects).
func (t Tagged[T]) MarshalJSON() ([]byte, error) {
	var fields map[string]any
	if !isNil(t.Object) {
		raw, err := json.Marshal(t.Object)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, err
		}
	}
	if fields == nil {
		fields = map[string]any{}
	}
	fields[ClusterField] = t.Cluster
	if t.Hub {
		fields[HubClusterResourceField] = "true"
	}
	return json.Marshal(fields)
}

// WatchRequest describes what to fetch or watch. Cluster is fixed for the
// lifetime of a request; changing it means a new request.
type WatchRequest struct {
	Cluster          string
	GroupVersionKind schema.GroupVersionKind
	IsList           bool
	Namespace        string
	Name             string

	Selector      *metav1.LabelSelector
	FieldSelector string
	Limit         int64
}

// IsNull reports whether the request does not identify any resource.
func (r *WatchRequest) IsNull() bool {
	return r == nil || r.GroupVersionKind.Kind == "" || r.GroupVersionKind.Version == ""
}

// APIVersion returns group/version, or the bare version for the core group.
// The group name "core" is treated as the empty group.
func (r *WatchRequest) APIVersion() string {
	group := r.GroupVersionKind.Group
	if group == "core" {
		group = ""
	}
	return schema.GroupVersion{Group: group, Version: r.GroupVersionKind.Version}.String()
}

// DeepCopy returns an independent copy of the request.
func (r *WatchRequest) DeepCopy() *WatchRequest {
	if r == nil {
		return nil
	}
	out := *r
	if r.Selector != nil {
		out.Selector = r.Selector.DeepCopy()
	}
	return &out
}

func isNil(o any) bool {
	v := reflect.ValueOf(o)
	return !v.IsValid() || (v.Kind() == reflect.Pointer && v.IsNil())
}

func sameRequest(a, b *WatchRequest) bool {
	if a.IsNull() || b.IsNull() {
		return a.IsNull() && b.IsNull()
	}
	return equality.Semantic.DeepEqual(a, b)
}

// State is the lifecycle state of a watch.
type State int

const (
	StateIdle State = iota
	StateLoading
	StateReady
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateLoading:
		return "Loading"
	case StateReady:
		return "Ready"
	case StateErrored:
		return "Errored"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Result is the [data, loaded, error] triple delivered to watchers.
// Items is set for list requests, Item for single-object requests. Results
// are shared between watchers and must be treated as read-only.
type Result struct {
	Items  []FleetResource
	Item   *FleetResource
	Loaded bool
	Err    error

	list bool
}

// Data returns Items for list results and Item otherwise.
func (r Result) Data() any {
	if r.list {
		return r.Items
	}
	return r.Item
}

// IsList reports whether the result carries list data.
func (r Result) IsList() bool { return r.list }

// NewListResult builds a list result.
func NewListResult(items []FleetResource, loaded bool, err error) Result {
	if items == nil {
		items = []FleetResource{}
	}
	return Result{Items: items, Loaded: loaded, Err: err, list: true}
}

// NewItemResult builds a single-object result.
func NewItemResult(item *FleetResource, loaded bool, err error) Result {
	if item == nil {
		item = emptyItem()
	}
	return Result{Item: item, Loaded: loaded, Err: err}
}

// EmptyResult returns the unloaded, type-appropriate empty value.
func EmptyResult(isList bool) Result {
	if isList {
		return NewListResult(nil, false, nil)
	}
	return NewItemResult(nil, false, nil)
}

func emptyItem() *FleetResource {
	return &FleetResource{Object: &unstructured.Unstructured{Object: map[string]any{}}}
}

func stateOf(r Result, active bool) State {
	switch {
	case !active:
		return StateIdle
	case !r.Loaded:
		return StateLoading
	case r.Err != nil:
		return StateErrored
	}
	return StateReady
}
