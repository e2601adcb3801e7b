package resources

import "fmt"

// DiscoveryError is returned when a kind cannot be resolved to a plural
// resource name, either because the GVK is malformed or discovery failed.
type DiscoveryError struct {
	Kind       string
	APIVersion string
	Err        error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("failed to resolve %s %s: %v", e.APIVersion, e.Kind, e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }
