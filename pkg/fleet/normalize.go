package fleet

import (
	"fmt"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/json"
	"k8s.io/apimachinery/pkg/watch"
)

// Tag is the single conversion from a resource into its fleet form.
func Tag[T Object](cluster string, obj T) Tagged[T] {
	return Tagged[T]{Cluster: cluster, Object: obj}
}

// TagList tags every element of objs with cluster.
func TagList[T Object](cluster string, objs []T) []Tagged[T] {
	out := make([]Tagged[T], 0, len(objs))
	for _, o := range objs {
		out = append(out, Tag(cluster, o))
	}
	return out
}

// Normalized is a decoded and tagged API response.
type Normalized struct {
	Items           []FleetResource
	Item            *FleetResource
	ResourceVersion string
}

type rawList struct {
	Metadata metav1.ListMeta  `json:"metadata"`
	Items    []map[string]any `json:"items"`
}

// Normalize decodes a raw list ({"items": [...]}) or single-object response
// and tags the result with cluster, matching the shape declared by isList.
func Normalize(cluster string, body []byte, isList bool) (Normalized, error) {
	if isList {
		var list rawList
		if err := json.Unmarshal(body, &list); err != nil {
			return Normalized{}, fmt.Errorf("decode list: %w", err)
		}
		items := make([]FleetResource, 0, len(list.Items))
		for _, obj := range list.Items {
			items = append(items, Tag(cluster, &unstructured.Unstructured{Object: obj}))
		}
		return Normalized{Items: items, ResourceVersion: list.Metadata.ResourceVersion}, nil
	}

	obj := map[string]any{}
	if err := json.Unmarshal(body, &obj); err != nil {
		return Normalized{}, fmt.Errorf("decode object: %w", err)
	}
	u := &unstructured.Unstructured{Object: obj}
	item := Tag(cluster, u)
	return Normalized{Item: &item, ResourceVersion: u.GetResourceVersion()}, nil
}

// ApplyEvent returns items with a watch event applied. Objects are matched by
// UID, falling back to namespace/name. items is not modified.
func ApplyEvent(items []FleetResource, cluster string, eventType watch.EventType, obj *unstructured.Unstructured) []FleetResource {
	idx := -1
	for i := range items {
		if sameObject(items[i].Object, obj) {
			idx = i
			break
		}
	}

	switch eventType {
	case watch.Added, watch.Modified:
		out := make([]FleetResource, len(items), len(items)+1)
		copy(out, items)
		if idx >= 0 {
			out[idx] = Tag(cluster, obj)
			return out
		}
		return append(out, Tag(cluster, obj))
	case watch.Deleted:
		if idx < 0 {
			return items
		}
		out := make([]FleetResource, 0, len(items)-1)
		out = append(out, items[:idx]...)
		return append(out, items[idx+1:]...)
	}
	return items
}

func sameObject(a, b *unstructured.Unstructured) bool {
	if a == nil || b == nil {
		return false
	}
	if uid := b.GetUID(); uid != "" && a.GetUID() != "" {
		return a.GetUID() == uid
	}
	return types.NamespacedName{Namespace: a.GetNamespace(), Name: a.GetName()} ==
		types.NamespacedName{Namespace: b.GetNamespace(), Name: b.GetName()}
}
