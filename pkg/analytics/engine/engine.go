package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/vigilops/fleetguard/pkg/analytics/baseline"
	"github.com/vigilops/fleetguard/pkg/analytics/detector"
	"github.com/vigilops/fleetguard/pkg/telemetry"
)

// ProfileBuilder ensures a device's baselines exist before detection runs.
type ProfileBuilder interface {
	BuildAll(ctx context.Context, deviceID string) (map[baseline.Category]*baseline.Baseline, error)
}

// Stats are the engine's running totals, maintained for observability only.
type Stats struct {
	SamplesProcessed  int64            `json:"samples_processed"`
	AnomaliesDetected int64            `json:"anomalies_detected"`
	BySeverity        map[string]int64 `json:"by_severity"`
	ByDetector        map[string]int64 `json:"by_detector"`
	DetectionRate     float64          `json:"detection_rate"`
}

// Engine orchestrates the detectors over incoming telemetry. Detectors run in
// the order they were passed to New; a detector failure is logged and treated
// as zero contribution, never aborting the call.
type Engine struct {
	builder   ProfileBuilder
	detectors []detector.Detector
	logger    zerolog.Logger

	mu         sync.Mutex
	processed  int64
	detected   int64
	bySeverity map[string]int64
	byDetector map[string]int64

	metricSamples   prometheus.Counter
	metricAnomalies *prometheus.CounterVec
}

// New creates a detection engine. The detector order is fixed by the caller
// and preserved; the conventional order is rule-based, statistical, model.
func New(builder ProfileBuilder, detectors []detector.Detector, reg prometheus.Registerer, logger zerolog.Logger) (*Engine, error) {
	if builder == nil {
		return nil, fmt.Errorf("engine: profile builder is required")
	}
	if len(detectors) == 0 {
		return nil, fmt.Errorf("engine: at least one detector is required")
	}

	e := &Engine{
		builder:    builder,
		detectors:  detectors,
		logger:     logger.With().Str("component", "detection_engine").Logger(),
		bySeverity: make(map[string]int64),
		byDetector: make(map[string]int64),
		metricSamples: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetguard_samples_processed_total",
			Help: "Telemetry samples processed by the detection engine.",
		}),
		metricAnomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetguard_anomalies_total",
			Help: "Anomalies surviving deduplication, by detection method and severity.",
		}, []string{"method", "severity"}),
	}

	if reg != nil {
		if err := reg.Register(e.metricSamples); err != nil {
			return nil, fmt.Errorf("engine: register sample counter: %w", err)
		}
		if err := reg.Register(e.metricAnomalies); err != nil {
			return nil, fmt.Errorf("engine: register anomaly counter: %w", err)
		}
	}

	return e, nil
}

// Process runs every detector over the sample and returns the deduplicated
// anomaly list.
func (e *Engine) Process(ctx context.Context, deviceID string, sample *telemetry.Sample) ([]detector.Anomaly, error) {
	if sample == nil {
		return nil, fmt.Errorf("engine: sample is required")
	}

	// Lazily learn baselines; a device without enough history simply runs
	// without statistical detection.
	if _, err := e.builder.BuildAll(ctx, deviceID); err != nil {
		e.logger.Warn().Err(err).Str("device_id", deviceID).Msg("Baseline build failed, continuing without fresh baselines")
	}

	var all []detector.Anomaly
	for _, d := range e.detectors {
		anomalies := e.runDetector(ctx, d, deviceID, sample)
		all = append(all, anomalies...)
	}

	unique := Deduplicate(all)

	e.recordStats(unique)

	e.logger.Debug().
		Str("device_id", deviceID).
		Int("raw", len(all)).
		Int("unique", len(unique)).
		Msg("Sample processed")

	return unique, nil
}

// runDetector contains one detector's failure, including panics.
func (e *Engine) runDetector(ctx context.Context, d detector.Detector, deviceID string, sample *telemetry.Sample) (anomalies []detector.Anomaly) {
	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Error().
				Str("detector", d.Name()).
				Str("device_id", deviceID).
				Interface("panic", rec).
				Msg("Detector panicked")
			anomalies = nil
		}
	}()

	anomalies, err := d.Detect(ctx, deviceID, sample)
	if err != nil {
		e.logger.Error().Err(err).
			Str("detector", d.Name()).
			Str("device_id", deviceID).
			Msg("Detector failed")
		return nil
	}
	return anomalies
}

// Deduplicate groups anomalies by their (type, feature) key and keeps, per
// group, the anomaly with the highest (severity rank, confidence, score)
// compared lexicographically.
func Deduplicate(anomalies []detector.Anomaly) []detector.Anomaly {
	if len(anomalies) <= 1 {
		return anomalies
	}

	// Preserve first-seen group order so output follows detector order.
	var order []string
	groups := make(map[string]detector.Anomaly)

	for _, a := range anomalies {
		key := a.DedupKey()
		best, seen := groups[key]
		if !seen {
			order = append(order, key)
			groups[key] = a
			continue
		}
		if outranks(a, best) {
			groups[key] = a
		}
	}

	unique := make([]detector.Anomaly, 0, len(order))
	for _, key := range order {
		unique = append(unique, groups[key])
	}
	return unique
}

// outranks compares (severity rank, confidence, score) lexicographically.
func outranks(a, b detector.Anomaly) bool {
	if a.Severity != b.Severity {
		return a.Severity > b.Severity
	}
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	return a.Score > b.Score
}

func (e *Engine) recordStats(anomalies []detector.Anomaly) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.processed++
	e.detected += int64(len(anomalies))
	for _, a := range anomalies {
		e.bySeverity[a.Severity.String()]++
		e.byDetector[a.Method]++
		e.metricAnomalies.WithLabelValues(a.Method, a.Severity.String()).Inc()
	}
	e.metricSamples.Inc()
}

// Stats returns a copy of the engine's running totals.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := Stats{
		SamplesProcessed:  e.processed,
		AnomaliesDetected: e.detected,
		BySeverity:        make(map[string]int64, len(e.bySeverity)),
		ByDetector:        make(map[string]int64, len(e.byDetector)),
	}
	for k, v := range e.bySeverity {
		s.BySeverity[k] = v
	}
	for k, v := range e.byDetector {
		s.ByDetector[k] = v
	}
	if e.processed > 0 {
		s.DetectionRate = float64(e.detected) / float64(e.processed)
	}
	return s
}
