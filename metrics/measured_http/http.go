// Package measured_http provides a wrapper around http.Handler that records
// response time per endpoint in a Prometheus histogram.
package measured_http

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/jmhodges/clock"
	"github.com/prometheus/client_golang/prometheus"
)

// responseWriterWithStatus satisfies http.ResponseWriter, but keeps track of the
// status code for gathering stats.
type responseWriterWithStatus struct {
	http.ResponseWriter
	code int
}

// WriteHeader stores a status code for generating stats.
func (r *responseWriterWithStatus) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// MeasuredHandler wraps an http.Handler and records prometheus stats
type MeasuredHandler struct {
	http.Handler
	clk  clock.Clock
	stat *prometheus.HistogramVec
}

func New(h http.Handler, clk clock.Clock, stats prometheus.Registerer) *MeasuredHandler {
	stat := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "response_time",
			Help: "Time taken to respond to a request",
		},
		[]string{"endpoint", "method", "code"})
	stats.MustRegister(stat)
	return &MeasuredHandler{
		Handler: h,
		clk:     clk,
		stat:    stat,
	}
}

var labelComponent = regexp.MustCompile("^[a-z-]*$")

// endpointFromPath turns a request path into the closest matching endpoint
// prefix. Path components that contain anything other than lowercase
// letters and hyphens (object IDs, slugs, query strings) are trimmed off so
// that the stat's endpoint label has a bounded cardinality.
func endpointFromPath(path string) string {
	path, _, _ = strings.Cut(path, "?")
	components := strings.Split(path, "/")
	for i, v := range components {
		if !labelComponent.MatchString(v) {
			return strings.Join(components[:i], "/")
		}
	}
	return path
}

func (h *MeasuredHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	begin := h.clk.Now()
	rwws := &responseWriterWithStatus{w, 0}
	// Copy the endpoint up front in case handlers down the chain use
	// StripPrefix, which modifies the URL path.
	endpoint := endpointFromPath(r.URL.Path)

	defer func() {
		h.stat.With(prometheus.Labels{
			"endpoint": endpoint,
			"method":   r.Method,
			"code":     fmt.Sprintf("%d", rwws.code),
		}).Observe(h.clk.Since(begin).Seconds())
	}()

	h.Handler.ServeHTTP(rwws, r)
}
