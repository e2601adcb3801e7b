package fleet

import (
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

const (
	// ClusterProxyAddonLabel marks managed clusters reachable through the proxy.
	ClusterProxyAddonLabel = "feature.open-cluster-management.io/addon-cluster-proxy"
	// ClusterSetLabel names the cluster set a managed cluster belongs to.
	ClusterSetLabel = "cluster.open-cluster-management.io/clusterset"
	// ManagedClusterConditionAvailable is the readiness condition of a managed cluster.
	ManagedClusterConditionAvailable = "ManagedClusterConditionAvailable"

	// DefaultClusterSet collects clusters without a cluster set label.
	DefaultClusterSet = "default"
	// GlobalClusterSet collects every cluster regardless of its set.
	GlobalClusterSet = "global"
)

// ManagedClusterGVK is the kind listed to discover fleet clusters.
var ManagedClusterGVK = schema.GroupVersionKind{Group: "cluster.open-cluster-management.io", Version: "v1", Kind: "ManagedCluster"}

// ManagedClustersRequest is the hub request listing all managed clusters.
func ManagedClustersRequest() *WatchRequest {
	return &WatchRequest{GroupVersionKind: ManagedClusterGVK, IsList: true}
}

// ClusterNameOptions control which managed clusters are returned.
type ClusterNameOptions struct {
	// AllClusters skips the proxy addon and availability filter.
	AllClusters bool
	// ClusterSets restricts grouped results to these sets.
	ClusterSets []string
	// IncludeGlobal adds the global set holding every selected cluster.
	IncludeGlobal bool
}

// ClusterNames returns the names of the managed clusters that can serve
// proxied requests, in input order. Clusters without a name are skipped.
func ClusterNames(clusters []*unstructured.Unstructured, opts ClusterNameOptions) []string {
	names := []string{}
	for _, c := range clusters {
		if c == nil || c.GetName() == "" {
			continue
		}
		if !opts.AllClusters && !proxyAvailable(c) {
			continue
		}
		names = append(names, c.GetName())
	}
	return names
}

// ClusterSetNames groups the selected cluster names by cluster set.
func ClusterSetNames(clusters []*unstructured.Unstructured, opts ClusterNameOptions) map[string][]string {
	var allowed map[string]bool
	if len(opts.ClusterSets) > 0 {
		allowed = map[string]bool{}
		for _, s := range opts.ClusterSets {
			allowed[s] = true
		}
	}

	sets := map[string][]string{}
	var global []string
	for _, c := range clusters {
		if c == nil || c.GetName() == "" {
			continue
		}
		if !opts.AllClusters && !proxyAvailable(c) {
			continue
		}
		global = append(global, c.GetName())
		set, ok := c.GetLabels()[ClusterSetLabel]
		if !ok || set == "" {
			set = DefaultClusterSet
		}
		if allowed != nil && !allowed[set] {
			continue
		}
		sets[set] = append(sets[set], c.GetName())
	}
	if opts.IncludeGlobal && len(global) > 0 {
		sets[GlobalClusterSet] = global
	}
	return sets
}

func proxyAvailable(c *unstructured.Unstructured) bool {
	if c.GetLabels()[ClusterProxyAddonLabel] != "available" {
		return false
	}
	conditions, _, _ := unstructured.NestedSlice(c.Object, "status", "conditions")
	for _, raw := range conditions {
		cond, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if cond["type"] == ManagedClusterConditionAvailable && cond["status"] == "True" {
			return true
		}
	}
	return false
}
