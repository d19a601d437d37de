// Package metrics serves the Prometheus registry on a dedicated address.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsServer exposes /metrics for the default Prometheus registry.
type MetricsServer struct {
	srv *http.Server
}

var buildInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Name: "build_info",
	Help: "Build information of the running binary.",
}, []string{"namespace"})

func init() {
	prometheus.MustRegister(buildInfo)
}

// New creates a metrics server listening on addr. The namespace is attached
// to the build_info gauge so scrapes can tell services apart.
func New(namespace, addr string) (*MetricsServer, error) {
	if namespace == "" {
		return nil, fmt.Errorf("metrics namespace is required")
	}
	buildInfo.WithLabelValues(namespace).Set(1)

	mux := chi.NewRouter()
	mux.Handle("/metrics", promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	return &MetricsServer{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}, nil
}

// Handler returns the HTTP handler serving the metrics endpoint.
func (m *MetricsServer) Handler() http.Handler {
	return m.srv.Handler
}

func (m *MetricsServer) ListenAndServe() error {
	return m.srv.ListenAndServe()
}

func (m *MetricsServer) Shutdown(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}
