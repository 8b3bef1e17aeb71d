package detector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigilops/fleetguard/pkg/analytics/baseline"
	"github.com/vigilops/fleetguard/pkg/telemetry"
)

// fakeBaselines serves canned baselines per category.
type fakeBaselines struct {
	byCategory map[baseline.Category]*baseline.Baseline
	err        error
}

func (f *fakeBaselines) GetBaseline(_ context.Context, _ string, category baseline.Category) (*baseline.Baseline, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.byCategory[category], nil
}

func authBaseline(mean, std float64) *baseline.Baseline {
	return &baseline.Baseline{
		DeviceID: "dev-1",
		Category: baseline.CategoryAuthentication,
		Means:    map[string]float64{"failed_auth_count": mean},
		StdDevs:  map[string]float64{"failed_auth_count": std},
	}
}

func sampleAt(hour int) *telemetry.Sample {
	return &telemetry.Sample{
		DeviceID:    "dev-1",
		CollectedAt: time.Date(2026, 8, 24, hour, 30, 0, 0, time.UTC),
	}
}

func TestStatistical_NoBaselinesNoAnomalies(t *testing.T) {
	d, err := NewStatisticalDetector(&fakeBaselines{byCategory: map[baseline.Category]*baseline.Baseline{}}, 3.0, zerolog.Nop())
	require.NoError(t, err)

	sample := sampleAt(12)
	sample.Security.FailedAuthAttempts = 500

	anomalies, err := d.Detect(context.Background(), "dev-1", sample)
	assert.NoError(t, err)
	assert.Empty(t, anomalies, "no baseline means nothing to deviate from")
}

func TestStatistical_FailedAuthZScore(t *testing.T) {
	provider := &fakeBaselines{byCategory: map[baseline.Category]*baseline.Baseline{
		baseline.CategoryAuthentication: authBaseline(1, 1),
	}}
	d, err := NewStatisticalDetector(provider, 3.0, zerolog.Nop())
	require.NoError(t, err)

	sample := sampleAt(12)
	sample.Security.FailedAuthAttempts = 10 // z = 9

	anomalies, err := d.Detect(context.Background(), "dev-1", sample)
	require.NoError(t, err)
	require.Len(t, anomalies, 1)

	a := anomalies[0]
	assert.Equal(t, TypeAuthentication, a.Type)
	assert.Equal(t, "failed_auth_count", a.Feature)
	assert.Equal(t, SeverityCritical, a.Severity, "nine standard deviations out")
	assert.Equal(t, MethodStatistical, a.Method)
	require.NotNil(t, a.Deviation)
	assert.InDelta(t, 9.0, *a.Deviation, 1e-9)
	assert.InDelta(t, 100, a.Score, 1e-9, "score is capped at 100")
	assert.InDelta(t, 0.85, a.Confidence, 1e-9)
	assert.True(t, a.ID != "" && a.ID[:4] == "ANO-")
}

func TestStatistical_SeverityLadder(t *testing.T) {
	cases := []struct {
		failed   int
		severity Severity
		score    float64
	}{
		{failed: 5, severity: SeverityMedium, score: 80},    // z = 4
		{failed: 6, severity: SeverityHigh, score: 100},     // z = 5
		{failed: 8, severity: SeverityCritical, score: 100}, // z = 7
	}

	for _, tc := range cases {
		provider := &fakeBaselines{byCategory: map[baseline.Category]*baseline.Baseline{
			baseline.CategoryAuthentication: authBaseline(1, 1),
		}}
		d, err := NewStatisticalDetector(provider, 3.0, zerolog.Nop())
		require.NoError(t, err)

		sample := sampleAt(12)
		sample.Security.FailedAuthAttempts = tc.failed

		anomalies, err := d.Detect(context.Background(), "dev-1", sample)
		require.NoError(t, err)
		require.Len(t, anomalies, 1, "failed=%d", tc.failed)
		assert.Equal(t, tc.severity, anomalies[0].Severity, "failed=%d", tc.failed)
		assert.InDelta(t, tc.score, anomalies[0].Score, 1e-9, "failed=%d", tc.failed)
	}
}

func TestStatistical_ZeroStdDevSkipsDeviation(t *testing.T) {
	provider := &fakeBaselines{byCategory: map[baseline.Category]*baseline.Baseline{
		baseline.CategoryAuthentication: authBaseline(1, 0),
	}}
	d, err := NewStatisticalDetector(provider, 3.0, zerolog.Nop())
	require.NoError(t, err)

	sample := sampleAt(12)
	sample.Security.FailedAuthAttempts = 1000

	anomalies, err := d.Detect(context.Background(), "dev-1", sample)
	assert.NoError(t, err)
	assert.Empty(t, anomalies, "zero spread never divides")
}

func TestStatistical_RareLoginHour(t *testing.T) {
	bl := authBaseline(1, 1)
	bl.HourlyPattern = map[int]float64{9: 0.6, 10: 0.395, 3: 0.005}
	provider := &fakeBaselines{byCategory: map[baseline.Category]*baseline.Baseline{
		baseline.CategoryAuthentication: bl,
	}}
	d, err := NewStatisticalDetector(provider, 3.0, zerolog.Nop())
	require.NoError(t, err)

	sample := sampleAt(3)
	sample.Security.FailedAuthAttempts = 1

	anomalies, err := d.Detect(context.Background(), "dev-1", sample)
	require.NoError(t, err)
	require.Len(t, anomalies, 1)
	assert.Equal(t, "login_time", anomalies[0].Feature)
	assert.Equal(t, SeverityLow, anomalies[0].Severity)
	assert.InDelta(t, 50, anomalies[0].Score, 1e-9)

	// An empty histogram never flags hours.
	bl.HourlyPattern = nil
	anomalies, err = d.Detect(context.Background(), "dev-1", sample)
	require.NoError(t, err)
	assert.Empty(t, anomalies)
}

func TestStatistical_UnknownNetwork(t *testing.T) {
	bl := &baseline.Baseline{
		DeviceID:     "dev-1",
		Category:     baseline.CategoryNetwork,
		Means:        map[string]float64{"connection_count": 20, "vpn_usage_rate": 0.5},
		StdDevs:      map[string]float64{"connection_count": 5},
		CommonValues: map[string][]string{"networks": {"home-wifi", "office"}},
	}
	provider := &fakeBaselines{byCategory: map[baseline.Category]*baseline.Baseline{
		baseline.CategoryNetwork: bl,
	}}
	d, err := NewStatisticalDetector(provider, 3.0, zerolog.Nop())
	require.NoError(t, err)

	sample := sampleAt(12)
	sample.Network.SSID = "airport-free-wifi"
	sample.Network.ActiveConnections = 20

	anomalies, err := d.Detect(context.Background(), "dev-1", sample)
	require.NoError(t, err)
	require.Len(t, anomalies, 1)
	assert.Equal(t, "network_ssid", anomalies[0].Feature)
	assert.Equal(t, SeverityMedium, anomalies[0].Severity)
	assert.InDelta(t, 60, anomalies[0].Score, 1e-9)

	// A known SSID passes quietly.
	sample.Network.SSID = "office"
	anomalies, err = d.Detect(context.Background(), "dev-1", sample)
	require.NoError(t, err)
	assert.Empty(t, anomalies)
}

func TestStatistical_VPNMismatch(t *testing.T) {
	cases := []struct {
		name     string
		rate     float64
		vpn      bool
		expected int
	}{
		{name: "vpn on but rarely used", rate: 0.1, vpn: true, expected: 1},
		{name: "vpn off but habitual", rate: 0.9, vpn: false, expected: 1},
		{name: "ambiguous usage rate", rate: 0.5, vpn: true, expected: 0},
		{name: "matches habit", rate: 0.9, vpn: true, expected: 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			bl := &baseline.Baseline{
				DeviceID: "dev-1",
				Category: baseline.CategoryNetwork,
				Means:    map[string]float64{"connection_count": 20, "vpn_usage_rate": tc.rate},
				StdDevs:  map[string]float64{"connection_count": 0},
			}
			provider := &fakeBaselines{byCategory: map[baseline.Category]*baseline.Baseline{
				baseline.CategoryNetwork: bl,
			}}
			d, err := NewStatisticalDetector(provider, 3.0, zerolog.Nop())
			require.NoError(t, err)

			sample := sampleAt(12)
			sample.Network.VPNConnected = tc.vpn
			sample.Network.ActiveConnections = 20

			anomalies, err := d.Detect(context.Background(), "dev-1", sample)
			require.NoError(t, err)
			require.Len(t, anomalies, tc.expected)
			if tc.expected == 1 {
				assert.Equal(t, "vpn_status", anomalies[0].Feature)
				assert.InDelta(t, 40, anomalies[0].Score, 1e-9)
			}
		})
	}
}

func TestStatistical_UnknownProcesses(t *testing.T) {
	bl := &baseline.Baseline{
		DeviceID:     "dev-1",
		Category:     baseline.CategoryProcess,
		Means:        map[string]float64{"process_count": 4},
		StdDevs:      map[string]float64{"process_count": 0},
		CommonValues: map[string][]string{"processes": {"launchd", "kernel_task", "finder", "safari", "mds"}},
	}
	provider := &fakeBaselines{byCategory: map[baseline.Category]*baseline.Baseline{
		baseline.CategoryProcess: bl,
	}}
	d, err := NewStatisticalDetector(provider, 3.0, zerolog.Nop())
	require.NoError(t, err)

	sample := sampleAt(12)
	sample.Processes = []telemetry.Process{
		{Name: "launchd"}, {Name: "weird-1"}, {Name: "weird-2"}, {Name: "weird-3"},
	}

	// Exactly 3 unknown names does not trip the strict > 3 threshold.
	anomalies, err := d.Detect(context.Background(), "dev-1", sample)
	require.NoError(t, err)
	assert.Empty(t, anomalies)

	sample.Processes = append(sample.Processes, telemetry.Process{Name: "weird-4"})
	anomalies, err = d.Detect(context.Background(), "dev-1", sample)
	require.NoError(t, err)
	require.Len(t, anomalies, 1)
	assert.Equal(t, "unknown_processes", anomalies[0].Feature)
	assert.Equal(t, SeverityMedium, anomalies[0].Severity)
	assert.InDelta(t, 55, anomalies[0].Score, 1e-9)
}

func TestStatistical_UnknownProcessesNeedLearnedNames(t *testing.T) {
	bl := &baseline.Baseline{
		DeviceID:     "dev-1",
		Category:     baseline.CategoryProcess,
		Means:        map[string]float64{"process_count": 4},
		StdDevs:      map[string]float64{"process_count": 0},
		CommonValues: map[string][]string{"processes": {"launchd", "finder"}},
	}
	provider := &fakeBaselines{byCategory: map[baseline.Category]*baseline.Baseline{
		baseline.CategoryProcess: bl,
	}}
	d, err := NewStatisticalDetector(provider, 3.0, zerolog.Nop())
	require.NoError(t, err)

	sample := sampleAt(12)
	for i := 0; i < 8; i++ {
		sample.Processes = append(sample.Processes, telemetry.Process{Name: "unseen-" + string(rune('a'+i))})
	}

	anomalies, err := d.Detect(context.Background(), "dev-1", sample)
	require.NoError(t, err)
	assert.Empty(t, anomalies, "too few learned names to call anything unknown")
}

func TestStatistical_SystemResources(t *testing.T) {
	bl := &baseline.Baseline{
		DeviceID: "dev-1",
		Category: baseline.CategorySystem,
		Means:    map[string]float64{"cpu_usage": 20, "memory_usage": 50, "disk_usage": 40},
		StdDevs:  map[string]float64{"cpu_usage": 5, "memory_usage": 10, "disk_usage": 2},
	}
	provider := &fakeBaselines{byCategory: map[baseline.Category]*baseline.Baseline{
		baseline.CategorySystem: bl,
	}}
	d, err := NewStatisticalDetector(provider, 3.0, zerolog.Nop())
	require.NoError(t, err)

	sample := sampleAt(12)
	sample.System.CPUUsagePercent = 45  // z = 5
	sample.System.MemoryUsagePercent = 50

	anomalies, err := d.Detect(context.Background(), "dev-1", sample)
	require.NoError(t, err)
	require.Len(t, anomalies, 1)
	assert.Equal(t, "cpu_usage", anomalies[0].Feature)
	assert.Equal(t, SeverityHigh, anomalies[0].Severity)

	// Below the mean never fires: resource checks are one-sided.
	sample.System.CPUUsagePercent = 0
	anomalies, err = d.Detect(context.Background(), "dev-1", sample)
	require.NoError(t, err)
	assert.Empty(t, anomalies)
}

func TestStatistical_ProviderError(t *testing.T) {
	d, err := NewStatisticalDetector(&fakeBaselines{err: errors.New("store down")}, 3.0, zerolog.Nop())
	require.NoError(t, err)

	_, err = d.Detect(context.Background(), "dev-1", sampleAt(12))
	assert.Error(t, err)
}

func TestNewStatisticalDetector_RejectsBadThreshold(t *testing.T) {
	_, err := NewStatisticalDetector(&fakeBaselines{}, 0, zerolog.Nop())
	assert.Error(t, err)

	_, err = NewStatisticalDetector(&fakeBaselines{}, -1, zerolog.Nop())
	assert.Error(t, err)
}
