package sse

import "net/http"

// NamespaceParam is the query parameter selecting the namespace bucket.
const NamespaceParam = "namespace"

// Handler returns an http.Handler that subscribes each request to the
// namespace given by the query parameter, or to the wildcard bucket.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		ns := req.URL.Query().Get(NamespaceParam)
		if ns == "" {
			ns = Wildcard
		}
		r.Subscribe(ns, w, req)
	})
}
