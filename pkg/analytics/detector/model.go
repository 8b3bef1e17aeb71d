package detector

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/vigilops/fleetguard/pkg/telemetry"
)

// Scorer turns a feature vector into an anomaly likelihood in [0, 1]. It must
// be deterministic and side-effect free so a trained model can replace the
// default heuristic without touching the engine.
type Scorer interface {
	Score(features map[string]float64) float64
}

// ScorerFunc adapts a plain function to the Scorer interface.
type ScorerFunc func(features map[string]float64) float64

// Score implements Scorer.
func (f ScorerFunc) Score(features map[string]float64) float64 { return f(features) }

const modelConfidence = 0.75

// ModelDetector scores a sample's feature vector with a pluggable Scorer and
// emits a single composite behavior anomaly when the score clears the
// threshold.
type ModelDetector struct {
	scorer    Scorer
	threshold float64
	logger    zerolog.Logger
}

// NewModelDetector creates a model-backed detector. The threshold is the
// minimum score that produces an anomaly (0.7 is the standard default).
func NewModelDetector(scorer Scorer, threshold float64, logger zerolog.Logger) (*ModelDetector, error) {
	if scorer == nil {
		return nil, fmt.Errorf("detector: scorer is required")
	}
	if threshold <= 0 || threshold >= 1 {
		return nil, fmt.Errorf("detector: model threshold must be in (0, 1), got %v", threshold)
	}
	return &ModelDetector{
		scorer:    scorer,
		threshold: threshold,
		logger:    logger.With().Str("component", "model_detector").Logger(),
	}, nil
}

// Name implements Detector.
func (d *ModelDetector) Name() string { return "model_detector" }

// Detect implements Detector.
func (d *ModelDetector) Detect(_ context.Context, deviceID string, sample *telemetry.Sample) ([]Anomaly, error) {
	features := ExtractFeatures(sample)
	score := d.scorer.Score(features)

	if score <= d.threshold {
		return nil, nil
	}

	var severity Severity
	switch {
	case score >= 0.9:
		severity = SeverityCritical
	case score >= 0.8:
		severity = SeverityHigh
	default:
		severity = SeverityMedium
	}

	return []Anomaly{{
		ID:         newAnomalyID(),
		DeviceID:   deviceID,
		Type:       TypeUserBehavior,
		Severity:   severity,
		Method:     MethodModel,
		Feature:    "behavior_composite",
		Observed:   features,
		Score:      score * 100,
		Confidence: modelConfidence,
		Title:      "Unusual device behavior detected",
		Description: fmt.Sprintf(
			"Model detected anomalous behavior pattern with score %.2f. Multiple behavioral indicators deviate from normal patterns.",
			score),
		Recommendations: []string{
			"Review device activity logs",
			"Verify user identity and recent actions",
			"Check for unauthorized access or malware",
			"Consider increasing monitoring for this device",
		},
		DetectedAt: time.Now().UTC(),
	}}, nil
}

// ExtractFeatures builds the fixed numeric feature vector for model scoring.
func ExtractFeatures(sample *telemetry.Sample) map[string]float64 {
	features := map[string]float64{
		"cpu_usage":          sample.System.CPUUsagePercent,
		"memory_usage":       sample.System.MemoryUsagePercent,
		"disk_usage":         sample.System.DiskUsagePercent,
		"active_connections": float64(sample.Network.ActiveConnections),
		"vpn_connected":      boolFeature(sample.Network.VPNConnected),
		"process_count":      float64(len(sample.Processes)),

		"disk_encryption_enabled":      boolFeature(sample.Security.DiskEncryptionEnabled),
		"integrity_protection_enabled": boolFeature(sample.Security.IntegrityProtectionEnabled),
		"firewall_enabled":             boolFeature(sample.Security.FirewallEnabled),
		"app_gatekeeping_enabled":      boolFeature(sample.Security.AppGatekeepingEnabled),
		"failed_auth_count":            float64(sample.Security.FailedAuthAttempts),

		"hour_of_day": float64(sample.CollectedAt.Hour()),
		"day_of_week": float64(int(sample.CollectedAt.Weekday())),
	}
	return features
}

func boolFeature(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// HeuristicScorer is the default Scorer: an additive band heuristic standing
// in for a trained model behind the same contract.
type HeuristicScorer struct{}

// Score implements Scorer.
func (HeuristicScorer) Score(features map[string]float64) float64 {
	var score float64

	if features["cpu_usage"] > 80 {
		score += 0.3
	}
	if features["memory_usage"] > 85 {
		score += 0.3
	}
	if features["disk_encryption_enabled"] == 0 {
		score += 0.2
	}
	if features["integrity_protection_enabled"] == 0 {
		score += 0.2
	}
	if features["failed_auth_count"] > 5 {
		score += 0.4
	}
	if hour := features["hour_of_day"]; hour < 6 || hour > 22 {
		score += 0.1
	}

	if score > 1 {
		return 1
	}
	return score
}
