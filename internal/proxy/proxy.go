// Package proxy serves the managed cluster proxy route: read requests under
// /managedclusterproxy/{cluster}/ are forwarded to that cluster's API server
// with the backend's credentials.
package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-logr/logr"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/rest"
	"k8s.io/klog/v2"

	"github.com/sttts/kcfleet/internal/cluster"
	"github.com/sttts/kcfleet/internal/metrics"
	"github.com/sttts/kcfleet/pkg/fleet"
)

var managedClustersResource = schema.GroupResource{Group: fleet.ManagedClusterGVK.Group, Resource: "managedclusters"}

// Transports resolves a cluster name to its config and authenticated
// transport. *cluster.Pool implements it.
type Transports interface {
	Transport(cluster string) (*rest.Config, http.RoundTripper, error)
}

// Handler forwards proxied requests to managed clusters.
type Handler struct {
	transports Transports
	logger     logr.Logger
}

// New creates a proxy handler.
func New(transports Transports, logger *logr.Logger) *Handler {
	h := &Handler{transports: transports, logger: klog.Background().WithName("proxy")}
	if logger != nil {
		h.logger = *logger
	}
	return h
}

// SplitPath splits an escaped request path below the proxy prefix into the
// cluster name and the escaped API server path.
func SplitPath(escaped string) (string, string, error) {
	tail, ok := strings.CutPrefix(escaped, fleet.ProxyPrefix)
	if !ok {
		return "", "", fmt.Errorf("path %q is not below %s", escaped, fleet.ProxyPrefix)
	}
	escapedName, path, _ := strings.Cut(tail, "/")
	name, err := url.PathUnescape(escapedName)
	if err != nil || name == "" {
		return "", "", fmt.Errorf("invalid cluster name in %q", escaped)
	}
	return name, "/" + path, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}

	clusterName, path, err := SplitPath(r.URL.EscapedPath())
	if err != nil {
		writeStatus(rec, apierrors.NewBadRequest(err.Error()).ErrStatus)
		h.observe("", rec.code, started)
		return
	}
	defer func() { h.observe(clusterName, rec.code, started) }()

	if r.Method != http.MethodGet {
		rec.Header().Set("Allow", http.MethodGet)
		writeStatus(rec, apierrors.NewMethodNotSupported(managedClustersResource, r.Method).ErrStatus)
		return
	}

	cfg, rt, err := h.transports.Transport(clusterName)
	if errors.Is(err, cluster.ErrClusterNotFound) {
		writeStatus(rec, apierrors.NewNotFound(managedClustersResource, clusterName).ErrStatus)
		return
	}
	if err != nil {
		h.logger.Error(err, "Failed to get transport", "cluster", clusterName)
		writeStatus(rec, apierrors.NewInternalError(err).ErrStatus)
		return
	}
	target, err := hostURL(cfg)
	if err != nil {
		writeStatus(rec, apierrors.NewInternalError(err).ErrStatus)
		return
	}

	logger := h.logger.WithValues("cluster", clusterName, "path", path)
	logger.V(4).Info("Proxying request")

	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.Out.URL.Scheme = target.Scheme
			pr.Out.URL.Host = target.Host
			pr.Out.Host = target.Host
			joined := strings.TrimSuffix(target.EscapedPath(), "/") + path
			pr.Out.URL.RawPath = joined
			if p, err := url.PathUnescape(joined); err == nil {
				pr.Out.URL.Path = p
			}
			// the upstream request carries the backend's identity only
			pr.Out.Header.Del("Authorization")
			pr.Out.Header.Del("Cookie")
			for k := range pr.Out.Header {
				if strings.HasPrefix(k, "Impersonate-") {
					pr.Out.Header.Del(k)
				}
			}
		},
		Transport:     rt,
		FlushInterval: -1,
		ErrorHandler: func(w http.ResponseWriter, _ *http.Request, err error) {
			logger.V(2).Info("Upstream request failed", "err", err)
			writeStatus(w, apierrors.NewServiceUnavailable(fmt.Sprintf("cluster %q is unreachable: %v", clusterName, err)).ErrStatus)
		},
	}
	rp.ServeHTTP(rec, r)
}

func (h *Handler) observe(clusterName string, code int, started time.Time) {
	metrics.ProxyRequests.WithLabelValues(clusterName, strconv.Itoa(code)).Inc()
	metrics.ProxyDuration.WithLabelValues(clusterName).Observe(time.Since(started).Seconds())
}

func hostURL(cfg *rest.Config) (*url.URL, error) {
	host := cfg.Host
	if !strings.Contains(host, "://") {
		scheme := "https"
		if cfg.Insecure && cfg.TLSClientConfig.CAFile == "" && len(cfg.TLSClientConfig.CAData) == 0 {
			scheme = "http"
		}
		host = scheme + "://" + host
	}
	u, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("invalid host %q: %w", cfg.Host, err)
	}
	return u, nil
}

func writeStatus(w http.ResponseWriter, status metav1.Status) {
	status.TypeMeta = metav1.TypeMeta{Kind: "Status", APIVersion: "v1"}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(int(status.Code))
	_ = json.NewEncoder(w).Encode(status)
}

// statusRecorder captures the response code for metrics.
type statusRecorder struct {
	http.ResponseWriter
	code        int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.code = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }
