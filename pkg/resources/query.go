package resources

import (
	"fmt"
	"net/url"
	"strconv"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// QueryOptions are the list/watch parameters passed as URL query values.
type QueryOptions struct {
	LabelSelector   *metav1.LabelSelector
	FieldSelector   string
	ResourceVersion string
	Watch           bool
	Limit           int64
	// AllowWatchBookmarks asks the server to send BOOKMARK events on watches.
	AllowWatchBookmarks bool
}

// Query encodes opts as a URL query string without the leading "?".
func Query(opts QueryOptions) (string, error) {
	v := url.Values{}
	if opts.LabelSelector != nil {
		sel, err := metav1.LabelSelectorAsSelector(opts.LabelSelector)
		if err != nil {
			return "", fmt.Errorf("invalid label selector: %w", err)
		}
		if s := sel.String(); s != "" {
			v.Set("labelSelector", s)
		}
	}
	if opts.FieldSelector != "" {
		v.Set("fieldSelector", opts.FieldSelector)
	}
	if opts.ResourceVersion != "" {
		v.Set("resourceVersion", opts.ResourceVersion)
	}
	if opts.Watch {
		v.Set("watch", "true")
		if opts.AllowWatchBookmarks {
			v.Set("allowWatchBookmarks", "true")
		}
	}
	if opts.Limit > 0 {
		v.Set("limit", strconv.FormatInt(opts.Limit, 10))
	}
	return v.Encode(), nil
}
