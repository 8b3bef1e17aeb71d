package detector

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/vigilops/fleetguard/pkg/analytics/baseline"
	"github.com/vigilops/fleetguard/pkg/telemetry"
)

// Fixed scores and confidence for the statistical method.
const (
	statisticalConfidence = 0.85

	rareHourScore       = 50.0
	unknownNetworkScore = 60.0
	vpnMismatchScore    = 40.0
	unknownProcScore    = 55.0

	// Hour-of-day frequencies below this are treated as "this device is
	// never active at this hour".
	rareHourProbability = 0.01

	// VPN usage rates inside [0.2, 0.8] are too ambiguous to call either
	// state a mismatch.
	vpnLowUsageRate  = 0.2
	vpnHighUsageRate = 0.8

	unknownProcessMin = 3 // strictly more than this many unknown names
	knownProcessMin   = 5 // at least this many learned names
)

// BaselineProvider supplies the active baseline for a (device, category) key,
// or (nil, nil) when none exists.
type BaselineProvider interface {
	GetBaseline(ctx context.Context, deviceID string, category baseline.Category) (*baseline.Baseline, error)
}

// StatisticalDetector compares a sample against the device's learned
// baselines using z-score deviation tests. Devices without baselines produce
// no anomalies.
type StatisticalDetector struct {
	baselines BaselineProvider
	zLimit    float64
	logger    zerolog.Logger
}

// NewStatisticalDetector creates a statistical detector with the given
// z-score threshold (3.0 is the conventional default).
func NewStatisticalDetector(baselines BaselineProvider, zThreshold float64, logger zerolog.Logger) (*StatisticalDetector, error) {
	if zThreshold <= 0 {
		return nil, fmt.Errorf("detector: z-score threshold must be positive, got %v", zThreshold)
	}
	return &StatisticalDetector{
		baselines: baselines,
		zLimit:    zThreshold,
		logger:    logger.With().Str("component", "statistical_detector").Logger(),
	}, nil
}

// Name implements Detector.
func (d *StatisticalDetector) Name() string { return "statistical_detector" }

// Detect implements Detector.
func (d *StatisticalDetector) Detect(ctx context.Context, deviceID string, sample *telemetry.Sample) ([]Anomaly, error) {
	var anomalies []Anomaly

	for _, category := range baseline.Categories() {
		bl, err := d.baselines.GetBaseline(ctx, deviceID, category)
		if err != nil {
			return nil, fmt.Errorf("detector: load baseline %s/%s: %w", deviceID, category, err)
		}
		if bl == nil {
			continue // No baseline means skip, not error
		}

		switch category {
		case baseline.CategoryAuthentication:
			anomalies = append(anomalies, d.checkAuthentication(deviceID, sample, bl)...)
		case baseline.CategoryNetwork:
			anomalies = append(anomalies, d.checkNetwork(deviceID, sample, bl)...)
		case baseline.CategoryProcess:
			anomalies = append(anomalies, d.checkProcess(deviceID, sample, bl)...)
		case baseline.CategorySystem:
			anomalies = append(anomalies, d.checkSystem(deviceID, sample, bl)...)
		}
	}

	return anomalies, nil
}

func (d *StatisticalDetector) checkAuthentication(deviceID string, sample *telemetry.Sample, bl *baseline.Baseline) []Anomaly {
	var anomalies []Anomaly

	failed := float64(sample.Security.FailedAuthAttempts)
	mean := bl.Means["failed_auth_count"]
	std := bl.StdDevs["failed_auth_count"]

	// One-sided: only more failures than normal is suspicious.
	if std > 0 {
		z := (failed - mean) / std
		if z > d.zLimit {
			anomalies = append(anomalies, d.deviationAnomaly(deviationInput{
				deviceID: deviceID,
				typ:      TypeAuthentication,
				feature:  "failed_auth_count",
				observed: sample.Security.FailedAuthAttempts,
				expected: mean,
				z:        z,
				title:    "Unusual failed authentication attempts",
				description: fmt.Sprintf(
					"Device has %d failed authentication attempts, which is %.1f standard deviations above normal (%.1f).",
					sample.Security.FailedAuthAttempts, z, mean),
			}))
		}
	}

	// Hour-rarity check, independent of any z test.
	hour := sample.CollectedAt.Hour()
	if len(bl.HourlyPattern) > 0 && bl.HourlyPattern[hour] < rareHourProbability {
		anomalies = append(anomalies, Anomaly{
			ID:         newAnomalyID(),
			DeviceID:   deviceID,
			Type:       TypeAuthentication,
			Severity:   SeverityLow,
			Method:     MethodStatistical,
			Feature:    "login_time",
			Observed:   hour,
			Expected:   activeHours(bl.HourlyPattern),
			Score:      rareHourScore,
			Confidence: statisticalConfidence,
			Title:      "Unusual login time detected",
			Description: fmt.Sprintf(
				"Activity at hour %d is unusual for this device (%.1f%% of normal activity).",
				hour, bl.HourlyPattern[hour]*100),
			Recommendations: recommendations(TypeAuthentication, SeverityLow),
			DetectedAt:      time.Now().UTC(),
		})
	}

	return anomalies
}

func (d *StatisticalDetector) checkNetwork(deviceID string, sample *telemetry.Sample, bl *baseline.Baseline) []Anomaly {
	var anomalies []Anomaly

	// Two-sided connection count deviation.
	connections := float64(sample.Network.ActiveConnections)
	mean := bl.Means["connection_count"]
	std := bl.StdDevs["connection_count"]

	if std > 0 {
		z := (connections - mean) / std
		if math.Abs(z) > d.zLimit {
			anomalies = append(anomalies, d.deviationAnomaly(deviationInput{
				deviceID: deviceID,
				typ:      TypeNetwork,
				feature:  "active_connections",
				observed: sample.Network.ActiveConnections,
				expected: mean,
				z:        z,
				title:    "Unusual network connection count",
				description: fmt.Sprintf(
					"Device has %d active connections, which is %.1f standard deviations from normal (%.1f).",
					sample.Network.ActiveConnections, math.Abs(z), mean),
			}))
		}
	}

	// Unknown SSID: fixed severity, not deviation-based.
	known := bl.KnownValues("networks")
	if sample.Network.SSID != "" && len(known) > 0 && !contains(known, sample.Network.SSID) {
		anomalies = append(anomalies, Anomaly{
			ID:         newAnomalyID(),
			DeviceID:   deviceID,
			Type:       TypeNetwork,
			Severity:   SeverityMedium,
			Method:     MethodStatistical,
			Feature:    "network_ssid",
			Observed:   sample.Network.SSID,
			Expected:   known,
			Score:      unknownNetworkScore,
			Confidence: statisticalConfidence,
			Title:      "Connection to unknown network",
			Description: fmt.Sprintf(
				"Device connected to network %q which has not been seen before.", sample.Network.SSID),
			Recommendations: recommendations(TypeNetwork, SeverityMedium),
			DetectedAt:      time.Now().UTC(),
		})
	}

	// VPN pattern mismatch: observed state contradicts a strong usage habit.
	vpnRate := bl.Means["vpn_usage_rate"]
	vpn := sample.Network.VPNConnected
	if (vpn && vpnRate < vpnLowUsageRate) || (!vpn && vpnRate > vpnHighUsageRate) {
		anomalies = append(anomalies, Anomaly{
			ID:         newAnomalyID(),
			DeviceID:   deviceID,
			Type:       TypeNetwork,
			Severity:   SeverityLow,
			Method:     MethodStatistical,
			Feature:    "vpn_status",
			Observed:   vpn,
			Expected:   vpnRate > 0.5,
			Score:      vpnMismatchScore,
			Confidence: statisticalConfidence,
			Title:      "Unusual VPN usage pattern",
			Description: fmt.Sprintf(
				"VPN status (%t) differs from typical usage pattern (%.0f%% VPN usage).",
				vpn, vpnRate*100),
			Recommendations: recommendations(TypeNetwork, SeverityLow),
			DetectedAt:      time.Now().UTC(),
		})
	}

	return anomalies
}

func (d *StatisticalDetector) checkProcess(deviceID string, sample *telemetry.Sample, bl *baseline.Baseline) []Anomaly {
	var anomalies []Anomaly

	count := float64(len(sample.Processes))
	mean := bl.Means["process_count"]
	std := bl.StdDevs["process_count"]

	if std > 0 {
		z := (count - mean) / std
		if math.Abs(z) > d.zLimit {
			anomalies = append(anomalies, d.deviationAnomaly(deviationInput{
				deviceID: deviceID,
				typ:      TypeProcess,
				feature:  "process_count",
				observed: len(sample.Processes),
				expected: mean,
				z:        z,
				title:    "Unusual process count",
				description: fmt.Sprintf(
					"Device has %d running processes, which is %.1f standard deviations from normal (%.0f).",
					len(sample.Processes), math.Abs(z), mean),
			}))
		}
	}

	// Flag a burst of never-before-seen process names, but only once the
	// baseline has learned enough names to make "unknown" meaningful.
	known := bl.KnownValues("processes")
	if len(known) >= knownProcessMin {
		knownSet := make(map[string]bool, len(known))
		for _, name := range known {
			knownSet[name] = true
		}

		seen := make(map[string]bool)
		var unknown []string
		for _, name := range sample.ProcessNames() {
			if !knownSet[name] && !seen[name] {
				seen[name] = true
				unknown = append(unknown, name)
			}
		}

		if len(unknown) > unknownProcessMin {
			observed := unknown
			if len(observed) > 10 {
				observed = observed[:10]
			}
			expected := known
			if len(expected) > 10 {
				expected = expected[:10]
			}
			anomalies = append(anomalies, Anomaly{
				ID:         newAnomalyID(),
				DeviceID:   deviceID,
				Type:       TypeProcess,
				Severity:   SeverityMedium,
				Method:     MethodStatistical,
				Feature:    "unknown_processes",
				Observed:   observed,
				Expected:   expected,
				Score:      unknownProcScore,
				Confidence: statisticalConfidence,
				Title:      "Multiple unknown processes detected",
				Description: fmt.Sprintf(
					"Device is running %d processes that have not been seen before.", len(unknown)),
				Recommendations: recommendations(TypeProcess, SeverityMedium),
				DetectedAt:      time.Now().UTC(),
			})
		}
	}

	return anomalies
}

func (d *StatisticalDetector) checkSystem(deviceID string, sample *telemetry.Sample, bl *baseline.Baseline) []Anomaly {
	var anomalies []Anomaly

	// One-sided: only above-mean resource usage is anomalous.
	resources := []struct {
		feature  string
		observed float64
		label    string
	}{
		{"cpu_usage", sample.System.CPUUsagePercent, "CPU"},
		{"memory_usage", sample.System.MemoryUsagePercent, "Memory"},
	}

	for _, r := range resources {
		mean := bl.Means[r.feature]
		std := bl.StdDevs[r.feature]
		if std <= 0 {
			continue
		}
		z := (r.observed - mean) / std
		if z > d.zLimit {
			anomalies = append(anomalies, d.deviationAnomaly(deviationInput{
				deviceID: deviceID,
				typ:      TypeSystemConfig,
				feature:  r.feature,
				observed: r.observed,
				expected: mean,
				z:        z,
				title:    fmt.Sprintf("Unusual %s usage", r.label),
				description: fmt.Sprintf(
					"%s usage is %.1f%%, which is %.1f standard deviations above normal (%.1f%%).",
					r.label, r.observed, z, mean),
			}))
		}
	}

	return anomalies
}

type deviationInput struct {
	deviceID    string
	typ         Type
	feature     string
	observed    interface{}
	expected    interface{}
	z           float64
	title       string
	description string
}

func (d *StatisticalDetector) deviationAnomaly(in deviationInput) Anomaly {
	severity := severityFromZ(in.z)
	z := in.z
	return Anomaly{
		ID:              newAnomalyID(),
		DeviceID:        in.deviceID,
		Type:            in.typ,
		Severity:        severity,
		Method:          MethodStatistical,
		Feature:         in.feature,
		Observed:        in.observed,
		Expected:        in.expected,
		Deviation:       &z,
		Score:           math.Min(100, math.Abs(in.z)*20),
		Confidence:      statisticalConfidence,
		Title:           in.title,
		Description:     in.description,
		Recommendations: recommendations(in.typ, severity),
		DetectedAt:      time.Now().UTC(),
	}
}

// severityFromZ is the deviation-magnitude severity ladder.
func severityFromZ(z float64) Severity {
	abs := math.Abs(z)
	switch {
	case abs >= 6.0:
		return SeverityCritical
	case abs >= 4.5:
		return SeverityHigh
	case abs >= 3.5:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

func activeHours(pattern map[int]float64) []int {
	var hours []int
	for h, p := range pattern {
		if p >= rareHourProbability {
			hours = append(hours, h)
		}
	}
	return hours
}

func contains(list []string, value string) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}
