package api

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/vigilops/fleetguard/pkg/analytics/engine"
)

// StatsProvider exposes the detection engine's running totals.
type StatsProvider interface {
	Stats() engine.Stats
}

// StartAPIServer starts the sidecar HTTP server. It provides endpoints for
// health checks (/healthz), Prometheus metrics (/metrics), and engine
// statistics (/stats). The server runs until the process exits.
func StartAPIServer(port string, stats StatsProvider, gatherer prometheus.Gatherer) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthzHandler)
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/stats", statsHandler(stats))

	log.Info().Msgf("API server starting on :%s", port)
	err := http.ListenAndServe(":"+port, mux)
	if err != nil {
		log.Fatal().Err(err).Msg("API server failed to start")
	}
}

func healthzHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func statsHandler(stats StatsProvider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(stats.Stats()); err != nil {
			log.Error().Err(err).Msg("Failed to encode engine stats")
		}
	}
}
