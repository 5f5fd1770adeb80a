// Package metrics exposes the host's local status endpoint: liveness,
// Prometheus metrics, relay statistics, and the loaded tool set. Purely
// observational; nothing in the relay branches on it.
package metrics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/skyrelay/skyrelay/pkg/models"
	"github.com/skyrelay/skyrelay/pkg/relay"
	"github.com/skyrelay/skyrelay/pkg/sandbox"
	"github.com/skyrelay/skyrelay/pkg/store"
)

// Exporter serves the host status endpoints.
type Exporter struct {
	deviceID  string
	store     store.Store
	stats     *relay.Stats
	registry  *sandbox.Registry
	startTime time.Time
}

// NewExporter creates an exporter over the host's store, stats, and tool
// registry.
func NewExporter(deviceID string, s store.Store, stats *relay.Stats, registry *sandbox.Registry) *Exporter {
	return &Exporter{
		deviceID:  deviceID,
		store:     s,
		stats:     stats,
		registry:  registry,
		startTime: time.Now(),
	}
}

// Router builds the mux router for the status server.
func (e *Exporter) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", e.handleHealth).Methods("GET")
	r.Handle("/metrics", e).Methods("GET")
	r.HandleFunc("/stats", e.handleStats).Methods("GET")
	r.HandleFunc("/tools", e.handleTools).Methods("GET")
	return r
}

func (e *Exporter) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := e.store.HealthCheck(); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "unhealthy", "error": err.Error()})
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy","timestamp":"` + time.Now().Format(time.RFC3339) + `"}`))
}

func (e *Exporter) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(e.stats.Snapshot())
}

func (e *Exporter) handleTools(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	defs := e.registry.List()
	if defs == nil {
		defs = []*models.ToolDefinition{}
	}
	json.NewEncoder(w).Encode(defs)
}

// ServeHTTP serves Prometheus-compatible metrics at /metrics.
func (e *Exporter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	snap := e.stats.Snapshot()

	fmt.Fprintf(w, "# HELP skyrelay_host_uptime_seconds Time since the host started\n")
	fmt.Fprintf(w, "# TYPE skyrelay_host_uptime_seconds gauge\n")
	fmt.Fprintf(w, "skyrelay_host_uptime_seconds %.0f\n", time.Since(e.startTime).Seconds())

	fmt.Fprintf(w, "\n# HELP skyrelay_requests_total Terminal relay requests observed\n")
	fmt.Fprintf(w, "# TYPE skyrelay_requests_total counter\n")
	fmt.Fprintf(w, "skyrelay_requests_total{result=\"success\"} %d\n", snap.SuccessfulRequests)
	fmt.Fprintf(w, "skyrelay_requests_total{result=\"failure\"} %d\n", snap.FailedRequests)

	fmt.Fprintf(w, "\n# HELP skyrelay_request_duration_seconds Average processing time of relayed requests\n")
	fmt.Fprintf(w, "# TYPE skyrelay_request_duration_seconds gauge\n")
	fmt.Fprintf(w, "skyrelay_request_duration_seconds %.3f\n", snap.AverageProcessingTime.Seconds())

	fmt.Fprintf(w, "\n# HELP skyrelay_tools_loaded Number of loaded tool definitions\n")
	fmt.Fprintf(w, "# TYPE skyrelay_tools_loaded gauge\n")
	fmt.Fprintf(w, "skyrelay_tools_loaded %d\n", len(e.registry.List()))

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	e.writeRecordCounts(ctx, w)

	// Append the Go runtime and process metrics from the default
	// registry so one scrape covers everything.
	metricFamilies, err := promclient.DefaultGatherer.Gather()
	if err != nil {
		fmt.Fprintf(w, "# Error gathering runtime metrics: %v\n", err)
		return
	}
	var buf bytes.Buffer
	encoder := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range metricFamilies {
		if err := encoder.Encode(mf); err != nil {
			fmt.Fprintf(w, "# Error encoding metric %s: %v\n", mf.GetName(), err)
		}
	}
	w.Write(buf.Bytes())
}

func (e *Exporter) writeRecordCounts(ctx context.Context, w http.ResponseWriter) {
	fmt.Fprintf(w, "\n# HELP skyrelay_store_records Records in the coordination store by kind\n")
	fmt.Fprintf(w, "# TYPE skyrelay_store_records gauge\n")
	for _, kind := range []store.Kind{store.KindAnnouncement, store.KindRequest, store.KindResponse} {
		recs, err := e.store.Query(ctx, kind, nil)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "skyrelay_store_records{kind=\"%s\"} %d\n", kind, len(recs))
	}
	fmt.Fprintln(w)
}
