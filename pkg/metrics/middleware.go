package metrics

import (
	"net/http"
	"regexp"
	"time"
)

// metricsResponseWriter wraps http.ResponseWriter to capture the status code.
type metricsResponseWriter struct {
	http.ResponseWriter
	status int
}

func (w *metricsResponseWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Unwrap returns the original ResponseWriter for http.ResponseController.
func (w *metricsResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// MiddlewareOptions configures the HTTP metrics middleware.
type MiddlewareOptions struct {
	// PathNormalizer customizes how paths are normalized for metrics grouping.
	// If nil, DefaultPathNormalizer is used.
	PathNormalizer func(string) string

	// SkipPaths contains paths that should not be recorded in metrics.
	SkipPaths []string
}

// HTTPMiddleware returns an HTTP middleware that records metrics for each request.
func HTTPMiddleware(registry *Registry) func(http.Handler) http.Handler {
	return HTTPMiddlewareWithOptions(registry, MiddlewareOptions{})
}

// HTTPMiddlewareWithOptions returns an HTTP middleware with custom options.
func HTTPMiddlewareWithOptions(registry *Registry, opts MiddlewareOptions) func(http.Handler) http.Handler {
	if opts.PathNormalizer == nil {
		opts.PathNormalizer = DefaultPathNormalizer
	}

	skip := make(map[string]bool, len(opts.SkipPaths))
	for _, p := range opts.SkipPaths {
		skip[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			path := opts.PathNormalizer(r.URL.Path)
			if skip[path] {
				next.ServeHTTP(w, r)
				return
			}

			httpMetrics := registry.HTTP()
			httpMetrics.IncActiveRequests(r.Method, path)
			defer httpMetrics.DecActiveRequests(r.Method, path)

			wrapped := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(wrapped, r)

			httpMetrics.RecordRequest(r.Method, path, wrapped.status, time.Since(start).Seconds())
		})
	}
}

var (
	uuidPattern      = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)
	numericIDPattern = regexp.MustCompile(`/\d+(?:/|$)`)
)

// DefaultPathNormalizer replaces UUID and numeric path segments with {id}.
func DefaultPathNormalizer(path string) string {
	path = uuidPattern.ReplaceAllString(path, "{id}")
	return numericIDPattern.ReplaceAllStringFunc(path, func(s string) string {
		if s[len(s)-1] == '/' {
			return "/{id}/"
		}
		return "/{id}"
	})
}
