package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

// ProxyFetchError is returned when a proxied request to a managed cluster
// fails with a non-200 response or a transport error. It implements
// apierrors.APIStatus, so apierrors.IsNotFound and friends work on it.
type ProxyFetchError struct {
	Cluster    string
	URL        string
	StatusCode int
	Err        error

	status metav1.Status
}

func (e *ProxyFetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fleet: request to cluster %q failed: %v", e.Cluster, e.Err)
	}
	return fmt.Sprintf("fleet: request to cluster %q failed with status %d: %s", e.Cluster, e.StatusCode, e.status.Message)
}

func (e *ProxyFetchError) Unwrap() error { return e.Err }

// Status returns the Kubernetes status carried by the response, or a
// synthesized one for transport failures.
func (e *ProxyFetchError) Status() metav1.Status { return e.status }

var _ apierrors.APIStatus = (*ProxyFetchError)(nil)

func newProxyFetchError(cluster, url string, code int, body []byte, gr schema.GroupResource, name string) *ProxyFetchError {
	e := &ProxyFetchError{Cluster: cluster, URL: url, StatusCode: code}
	var status metav1.Status
	if err := json.Unmarshal(body, &status); err == nil && status.Kind == "Status" {
		e.status = status
		return e
	}
	e.status = apierrors.NewGenericServerResponse(code, http.MethodGet, gr, name, string(body), 0, false).ErrStatus
	return e
}

func newTransportError(cluster, url string, err error) *ProxyFetchError {
	return &ProxyFetchError{
		Cluster: cluster,
		URL:     url,
		Err:     err,
		status: metav1.Status{
			Status:  metav1.StatusFailure,
			Reason:  metav1.StatusReasonServiceUnavailable,
			Code:    http.StatusServiceUnavailable,
			Message: err.Error(),
		},
	}
}

// IsAbort reports whether err stems from an intentional cancellation. Aborts
// never populate the error slot of a Result.
func IsAbort(err error) bool {
	return errors.Is(err, context.Canceled)
}
