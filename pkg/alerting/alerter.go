package alerting

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/vigilops/fleetguard/pkg/analytics/detector"
	"github.com/vigilops/fleetguard/pkg/risk"
)

// Sink receives anomalies and assessments that clear the alerter's
// thresholds. Implementations forward to paging, ticketing, SIEM, etc.
type Sink interface {
	Name() string
	SendAnomaly(ctx context.Context, anomaly detector.Anomaly) error
	SendAssessment(ctx context.Context, assessment *risk.Assessment) error
}

// Alerter filters detection output by severity and fans it out to sinks. A
// failing sink is logged and skipped so one broken integration cannot
// swallow alerts destined for the others.
type Alerter struct {
	sinks       []Sink
	minSeverity detector.Severity
	minLevel    risk.Level
	logger      zerolog.Logger
}

// New creates an alerter that forwards anomalies at or above minSeverity and
// assessments at or above minLevel.
func New(sinks []Sink, minSeverity detector.Severity, minLevel risk.Level, logger zerolog.Logger) *Alerter {
	return &Alerter{
		sinks:       sinks,
		minSeverity: minSeverity,
		minLevel:    minLevel,
		logger:      logger.With().Str("component", "alerter").Logger(),
	}
}

// DispatchAnomalies forwards qualifying anomalies to every sink.
func (a *Alerter) DispatchAnomalies(ctx context.Context, anomalies []detector.Anomaly) {
	for _, anomaly := range anomalies {
		if anomaly.Severity < a.minSeverity {
			continue
		}
		for _, sink := range a.sinks {
			if err := sink.SendAnomaly(ctx, anomaly); err != nil {
				a.logger.Error().Err(err).
					Str("sink", sink.Name()).
					Str("anomaly_id", anomaly.ID).
					Msg("Failed to deliver anomaly alert")
			}
		}
	}
}

// DispatchAssessment forwards the assessment when its level qualifies.
func (a *Alerter) DispatchAssessment(ctx context.Context, assessment *risk.Assessment) {
	if assessment == nil || assessment.Level < a.minLevel {
		return
	}
	for _, sink := range a.sinks {
		if err := sink.SendAssessment(ctx, assessment); err != nil {
			a.logger.Error().Err(err).
				Str("sink", sink.Name()).
				Str("assessment_id", assessment.ID).
				Msg("Failed to deliver risk alert")
		}
	}
}

// LogSink writes alerts to the structured log. It is the default sink when
// no external integration is configured.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates a log-backed alert sink.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "log_sink").Logger()}
}

// Name implements Sink.
func (s *LogSink) Name() string { return "log" }

// SendAnomaly implements Sink.
func (s *LogSink) SendAnomaly(_ context.Context, anomaly detector.Anomaly) error {
	s.logger.Warn().
		Str("anomaly_id", anomaly.ID).
		Str("device_id", anomaly.DeviceID).
		Str("type", string(anomaly.Type)).
		Str("severity", anomaly.Severity.String()).
		Str("feature", anomaly.Feature).
		Float64("score", anomaly.Score).
		Msg(anomaly.Title)
	return nil
}

// SendAssessment implements Sink.
func (s *LogSink) SendAssessment(_ context.Context, assessment *risk.Assessment) error {
	s.logger.Warn().
		Str("assessment_id", assessment.ID).
		Str("device_id", assessment.DeviceID).
		Float64("risk_score", assessment.TotalScore).
		Str("risk_level", assessment.Level.String()).
		Int("high_risk_factors", len(assessment.HighRiskFactors)).
		Msg("Elevated device risk")
	return nil
}
