package detector

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigilops/fleetguard/pkg/telemetry"
)

func fixedScorer(score float64) Scorer {
	return ScorerFunc(func(map[string]float64) float64 { return score })
}

func TestModel_BelowThresholdIsQuiet(t *testing.T) {
	d, err := NewModelDetector(fixedScorer(0.7), 0.7, zerolog.Nop())
	require.NoError(t, err)

	anomalies, err := d.Detect(context.Background(), "dev-1", &telemetry.Sample{})
	assert.NoError(t, err)
	assert.Empty(t, anomalies, "the threshold itself does not trigger")
}

func TestModel_SeverityBands(t *testing.T) {
	cases := []struct {
		score    float64
		severity Severity
	}{
		{score: 0.75, severity: SeverityMedium},
		{score: 0.8, severity: SeverityHigh},
		{score: 0.89, severity: SeverityHigh},
		{score: 0.9, severity: SeverityCritical},
		{score: 1.0, severity: SeverityCritical},
	}

	for _, tc := range cases {
		d, err := NewModelDetector(fixedScorer(tc.score), 0.7, zerolog.Nop())
		require.NoError(t, err)

		anomalies, err := d.Detect(context.Background(), "dev-1", &telemetry.Sample{})
		require.NoError(t, err)
		require.Len(t, anomalies, 1, "score=%v", tc.score)

		a := anomalies[0]
		assert.Equal(t, tc.severity, a.Severity, "score=%v", tc.score)
		assert.Equal(t, TypeUserBehavior, a.Type)
		assert.Equal(t, "behavior_composite", a.Feature)
		assert.Equal(t, MethodModel, a.Method)
		assert.InDelta(t, tc.score*100, a.Score, 1e-9)
		assert.InDelta(t, 0.75, a.Confidence, 1e-9)
	}
}

func TestModel_ConstructorValidation(t *testing.T) {
	_, err := NewModelDetector(nil, 0.7, zerolog.Nop())
	assert.Error(t, err)

	_, err = NewModelDetector(fixedScorer(0), 0, zerolog.Nop())
	assert.Error(t, err)

	_, err = NewModelDetector(fixedScorer(0), 1, zerolog.Nop())
	assert.Error(t, err)
}

func TestExtractFeatures(t *testing.T) {
	sample := &telemetry.Sample{
		CollectedAt: time.Date(2026, 8, 24, 23, 15, 0, 0, time.UTC), // Monday, hour 23
		System: telemetry.SystemState{
			CPUUsagePercent:    85,
			MemoryUsagePercent: 70,
			DiskUsagePercent:   50,
		},
		Network: telemetry.NetworkState{
			ActiveConnections: 42,
			VPNConnected:      true,
		},
		Processes: []telemetry.Process{{Name: "a"}, {Name: "b"}},
		Security: telemetry.SecurityState{
			DiskEncryptionEnabled: true,
			FirewallEnabled:       true,
			FailedAuthAttempts:    3,
		},
	}

	features := ExtractFeatures(sample)

	assert.Len(t, features, 13)
	assert.InDelta(t, 85, features["cpu_usage"], 1e-9)
	assert.InDelta(t, 42, features["active_connections"], 1e-9)
	assert.InDelta(t, 1, features["vpn_connected"], 1e-9)
	assert.InDelta(t, 2, features["process_count"], 1e-9)
	assert.InDelta(t, 1, features["disk_encryption_enabled"], 1e-9)
	assert.InDelta(t, 0, features["integrity_protection_enabled"], 1e-9)
	assert.InDelta(t, 3, features["failed_auth_count"], 1e-9)
	assert.InDelta(t, 23, features["hour_of_day"], 1e-9)
	assert.InDelta(t, 1, features["day_of_week"], 1e-9)
}

func TestHeuristicScorer(t *testing.T) {
	t.Run("quiet daytime device scores zero", func(t *testing.T) {
		score := HeuristicScorer{}.Score(map[string]float64{
			"cpu_usage":                    20,
			"memory_usage":                 40,
			"disk_encryption_enabled":      1,
			"integrity_protection_enabled": 1,
			"failed_auth_count":            0,
			"hour_of_day":                  14,
		})
		assert.InDelta(t, 0, score, 1e-9)
	})

	t.Run("bands are additive", func(t *testing.T) {
		score := HeuristicScorer{}.Score(map[string]float64{
			"cpu_usage":                    90, // +0.3
			"memory_usage":                 40,
			"disk_encryption_enabled":      0, // +0.2
			"integrity_protection_enabled": 1,
			"failed_auth_count":            0,
			"hour_of_day":                  23, // +0.1
		})
		assert.InDelta(t, 0.6, score, 1e-9)
	})

	t.Run("score is capped at one", func(t *testing.T) {
		score := HeuristicScorer{}.Score(map[string]float64{
			"cpu_usage":                    95,
			"memory_usage":                 95,
			"disk_encryption_enabled":      0,
			"integrity_protection_enabled": 0,
			"failed_auth_count":            20,
			"hour_of_day":                  2,
		})
		assert.InDelta(t, 1.0, score, 1e-9)
	})
}
