package resources

import (
	"fmt"
	"net/url"
	"strings"
	"sync"

	"k8s.io/apimachinery/pkg/api/meta"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/discovery"
	"k8s.io/client-go/discovery/cached/memory"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/restmapper"
)

// APIPathMeta is the discovery information needed to build REST paths.
type APIPathMeta struct {
	PluralName string
	Namespaced bool
}

// Resolver maps kinds to plural resource names and REST paths. Results are
// cached for the life of the resolver; a miss always goes back to discovery.
type Resolver struct {
	mapper meta.RESTMapper
	disco  discovery.DiscoveryInterface

	mu    sync.RWMutex
	cache map[schema.GroupVersionKind]APIPathMeta
}

// NewResolver returns a Resolver backed by mapper.
func NewResolver(mapper meta.RESTMapper) *Resolver {
	return &Resolver{mapper: mapper, cache: map[schema.GroupVersionKind]APIPathMeta{}}
}

// NewResolverForConfig wires a memory-cached discovery client and a deferred
// RESTMapper for cfg.
func NewResolverForConfig(cfg *rest.Config) (*Resolver, error) {
	dc, err := discovery.NewDiscoveryClientForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create discovery client: %w", err)
	}
	cached := memory.NewMemCacheClient(dc)
	mapper := restmapper.NewShortcutExpander(restmapper.NewDeferredDiscoveryRESTMapper(cached), cached, nil)
	return NewDiscoveryResolver(mapper, cached), nil
}

// NewDiscoveryResolver returns a Resolver backed by mapper that can also
// enumerate resources through disco.
func NewDiscoveryResolver(mapper meta.RESTMapper, disco discovery.DiscoveryInterface) *Resolver {
	r := NewResolver(mapper)
	r.disco = disco
	return r
}

// GroupVersionKindFor parses apiVersion and returns the GVK. The group name
// "core" is treated as the empty group.
func GroupVersionKindFor(kind, apiVersion string) (schema.GroupVersionKind, error) {
	gv, err := schema.ParseGroupVersion(apiVersion)
	if err != nil {
		return schema.GroupVersionKind{}, err
	}
	if gv.Group == "core" {
		gv.Group = ""
	}
	if kind == "" || gv.Version == "" {
		return schema.GroupVersionKind{}, fmt.Errorf("kind and version are required, got kind=%q apiVersion=%q", kind, apiVersion)
	}
	return gv.WithKind(kind), nil
}

// ResolvePlural returns the plural resource name for kind in apiVersion.
func (r *Resolver) ResolvePlural(kind, apiVersion string) (string, error) {
	m, err := r.lookup(kind, apiVersion)
	if err != nil {
		return "", err
	}
	return m.PluralName, nil
}

// ResolvePath builds the REST path for a kind:
// /apis/{group}/{version}[/namespaces/{namespace}]/{plural}[/{name}], or /api/{version}/...
// for the core group. The namespace segment is dropped for cluster-scoped kinds.
func (r *Resolver) ResolvePath(kind, apiVersion, namespace, name, plural string) (string, error) {
	gvk, err := GroupVersionKindFor(kind, apiVersion)
	if err != nil {
		return "", &DiscoveryError{Kind: kind, APIVersion: apiVersion, Err: err}
	}
	if namespace != "" {
		m, err := r.lookup(kind, apiVersion)
		if err != nil {
			return "", err
		}
		if !m.Namespaced {
			namespace = ""
		}
	}
	return Path(gvk.GroupVersion(), namespace, plural, name), nil
}

// Path joins the REST path segments for a resource.
func Path(gv schema.GroupVersion, namespace, plural, name string) string {
	var b strings.Builder
	if gv.Group == "" {
		b.WriteString("/api/")
		b.WriteString(gv.Version)
	} else {
		b.WriteString("/apis/")
		b.WriteString(gv.Group)
		b.WriteString("/")
		b.WriteString(gv.Version)
	}
	if namespace != "" {
		b.WriteString("/namespaces/")
		b.WriteString(url.PathEscape(namespace))
	}
	b.WriteString("/")
	b.WriteString(plural)
	if name != "" {
		b.WriteString("/")
		b.WriteString(url.PathEscape(name))
	}
	return b.String()
}

// Lookup returns the cached discovery information for kind, resolving it on a miss.
func (r *Resolver) Lookup(kind, apiVersion string) (APIPathMeta, error) {
	return r.lookup(kind, apiVersion)
}

func (r *Resolver) lookup(kind, apiVersion string) (APIPathMeta, error) {
	gvk, err := GroupVersionKindFor(kind, apiVersion)
	if err != nil {
		return APIPathMeta{}, &DiscoveryError{Kind: kind, APIVersion: apiVersion, Err: err}
	}

	r.mu.RLock()
	m, ok := r.cache[gvk]
	r.mu.RUnlock()
	if ok {
		return m, nil
	}

	mapping, err := r.mapper.RESTMapping(gvk.GroupKind(), gvk.Version)
	if meta.IsNoMatchError(err) {
		// Discovery may simply be stale, e.g. for a CRD installed after startup.
		if rm, ok := r.mapper.(meta.ResettableRESTMapper); ok {
			rm.Reset()
			mapping, err = r.mapper.RESTMapping(gvk.GroupKind(), gvk.Version)
		}
	}
	if err != nil {
		return APIPathMeta{}, &DiscoveryError{Kind: kind, APIVersion: apiVersion, Err: err}
	}

	m = APIPathMeta{
		PluralName: mapping.Resource.Resource,
		Namespaced: mapping.Scope == nil || mapping.Scope.Name() == meta.RESTScopeNameNamespace,
	}
	r.mu.Lock()
	r.cache[gvk] = m
	r.mu.Unlock()
	return m, nil
}

// Invalidate drops cached mappings and, where supported, the discovery cache
// and RESTMapper state behind them.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	r.cache = map[schema.GroupVersionKind]APIPathMeta{}
	r.mu.Unlock()
	if cd, ok := r.disco.(discovery.CachedDiscoveryInterface); ok {
		cd.Invalidate()
	}
	if rm, ok := r.mapper.(meta.ResettableRESTMapper); ok {
		rm.Reset()
	}
}

// ResourceInfos returns the discoverable resource kinds. It needs a resolver
// created with NewResolverForConfig.
func (r *Resolver) ResourceInfos() ([]ResourceInfo, error) {
	if r.disco == nil {
		return nil, fmt.Errorf("resolver has no discovery client")
	}
	apiResources, err := r.disco.ServerPreferredResources()
	if err != nil && len(apiResources) == 0 {
		return nil, fmt.Errorf("failed to get server resources: %w", err)
	}
	var infos []ResourceInfo
	for _, apiResourceList := range apiResources {
		gv, err := schema.ParseGroupVersion(apiResourceList.GroupVersion)
		if err != nil {
			continue
		}
		for _, apiResource := range apiResourceList.APIResources {
			if isSubresource(apiResource.Name) || isNonResourceType(apiResource.Kind) {
				continue
			}
			infos = append(infos, ResourceInfo{
				GVK:        gv.WithKind(apiResource.Kind),
				Resource:   apiResource.Name,
				Namespaced: apiResource.Namespaced,
			})
		}
	}
	return infos, nil
}

// isSubresource checks if a resource name indicates a subresource
func isSubresource(name string) bool {
	// Subresources typically contain a slash (e.g., "pods/log", "pods/status")
	return strings.Contains(name, "/")
}

var nonResourceTypes = map[string]bool{
	"Status":                    true,
	"List":                      true,
	"WatchEvent":                true,
	"APIGroup":                  true,
	"APIVersion":                true,
	"APIResourceList":           true,
	"CreateOptions":             true,
	"UpdateOptions":             true,
	"DeleteOptions":             true,
	"PatchOptions":              true,
	"GetOptions":                true,
	"Table":                     true,
	"PartialObjectMetadata":     true,
	"PartialObjectMetadataList": true,
}

// isNonResourceType checks if a kind represents a non-resource type
func isNonResourceType(kind string) bool {
	return nonResourceTypes[kind]
}

// ResourceInfo describes a discoverable API resource kind.
type ResourceInfo struct {
	GVK        schema.GroupVersionKind
	Resource   string // plural resource name (e.g., pods)
	Namespaced bool
}
