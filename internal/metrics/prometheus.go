package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// PrometheusHandler exposes Metrics in Prometheus' text exposition format, as a
// single counter family labelled by event.
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

		escape := strings.NewReplacer("\\", "\\\\", "\"", "\\\"", "\n", "\\n")

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = fmt.Fprintln(w, "# HELP peerstream_relay_events_total Signaling relay event counters.")
		_, _ = fmt.Fprintln(w, "# TYPE peerstream_relay_events_total counter")
		for _, k := range keys {
			_, _ = fmt.Fprintf(w, "peerstream_relay_events_total{event=\"%s\"} %d\n", escape.Replace(k), snap[k])
		}
	})
}
