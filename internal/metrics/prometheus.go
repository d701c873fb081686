package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
)

var labelEscaper = strings.NewReplacer("\\", "\\\\", "\"", "\\\"")

// PrometheusHandler exposes Metrics in Prometheus' text exposition format.
//
// All counters surface as one metric family keyed by an `event` label.
// Signaling traffic (signal_*), perfect-negotiation progress
// (negotiation_*, ice_*) and the recording pipeline (recording_*,
// recordings_*) share the registry, so a scrape shows the whole call
// path in one family without committing to a metrics backend.
func PrometheusHandler(m *Metrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
			return
		}

		snap := m.Snapshot()
		keys := make([]string, 0, len(snap))
		for k := range snap {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = fmt.Fprintln(w, "# HELP meshcall_events_total Signaling (signal_*), negotiation (negotiation_*, ice_*) and recording (recording_*, recordings_*) event counters.")
		_, _ = fmt.Fprintln(w, "# TYPE meshcall_events_total counter")
		for _, k := range keys {
			_, _ = fmt.Fprintf(w, "meshcall_events_total{event=\"%s\"} %d\n", labelEscaper.Replace(k), snap[k])
		}
	})
}
