package detector

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/vigilops/fleetguard/pkg/telemetry"
)

// RuleThresholds tune the fixed security rules.
type RuleThresholds struct {
	FailedAuthLimit  int     // failed auth attempts at or above this trigger
	ConnectionLimit  int     // active connections strictly above this trigger
	DiskUsageLimit   float64 // disk usage percent strictly above this triggers
	DisabledControls int     // this many disabled controls or more triggers
}

// DefaultRuleThresholds returns the standard rule thresholds.
func DefaultRuleThresholds() RuleThresholds {
	return RuleThresholds{
		FailedAuthLimit:  10,
		ConnectionLimit:  100,
		DiskUsageLimit:   95,
		DisabledControls: 2,
	}
}

// Rule-based detections carry very high confidence.
const ruleConfidence = 0.95

// maliciousKeywords are matched as substrings of lowercase process names.
var maliciousKeywords = []string{
	"cryptominer",
	"keylogger",
	"trojan",
	"backdoor",
	"ransomware",
}

// ruleResult is what a rule check returns when it fires.
type ruleResult struct {
	triggered bool
	observed  interface{}
	message   string
}

type rule struct {
	name     string
	title    string
	typ      Type
	severity Severity
	check    func(*telemetry.Sample) (ruleResult, error)
}

// RuleDetector evaluates fixed boolean security rules. It needs no baseline;
// a failing rule is logged and skipped, never blocking the others.
type RuleDetector struct {
	thresholds RuleThresholds
	rules      []rule
	logger     zerolog.Logger
}

// NewRuleDetector creates a rule-based detector.
func NewRuleDetector(thresholds RuleThresholds, logger zerolog.Logger) *RuleDetector {
	d := &RuleDetector{
		thresholds: thresholds,
		logger:     logger.With().Str("component", "rule_detector").Logger(),
	}
	d.rules = []rule{
		{
			name:     "critical_security_controls_disabled",
			title:    "Multiple critical security controls disabled",
			typ:      TypeSecurityEvent,
			severity: SeverityCritical,
			check:    d.checkSecurityControls,
		},
		{
			name:     "excessive_failed_authentications",
			title:    "Excessive failed authentication attempts",
			typ:      TypeAuthentication,
			severity: SeverityHigh,
			check:    d.checkFailedAuth,
		},
		{
			name:     "suspicious_network_activity",
			title:    "Suspicious network connection patterns",
			typ:      TypeNetwork,
			severity: SeverityMedium,
			check:    d.checkSuspiciousNetwork,
		},
		{
			name:     "known_malicious_process",
			title:    "Known malicious process detected",
			typ:      TypeProcess,
			severity: SeverityCritical,
			check:    d.checkMaliciousProcess,
		},
		{
			name:     "critical_disk_usage",
			title:    "Critical disk usage",
			typ:      TypeSystemConfig,
			severity: SeverityHigh,
			check:    d.checkDiskUsage,
		},
	}
	return d
}

// Name implements Detector.
func (d *RuleDetector) Name() string { return "rule_detector" }

// Detect implements Detector.
func (d *RuleDetector) Detect(_ context.Context, deviceID string, sample *telemetry.Sample) ([]Anomaly, error) {
	var anomalies []Anomaly

	for _, r := range d.rules {
		result, err := d.evaluate(r, sample)
		if err != nil {
			d.logger.Error().Err(err).Str("rule", r.name).Msg("Rule evaluation failed")
			continue
		}
		if !result.triggered {
			continue
		}

		anomalies = append(anomalies, Anomaly{
			ID:              newAnomalyID(),
			DeviceID:        deviceID,
			Type:            r.typ,
			Severity:        r.severity,
			Method:          MethodRuleBased,
			Feature:         r.name,
			Observed:        result.observed,
			Score:           severityScore(r.severity),
			Confidence:      ruleConfidence,
			Title:           r.title,
			Description:     result.message,
			Recommendations: ruleRecommendations(r.typ, r.severity),
			DetectedAt:      time.Now().UTC(),
		})
	}

	return anomalies, nil
}

// evaluate contains a single rule's failure, including panics.
func (d *RuleDetector) evaluate(r rule, sample *telemetry.Sample) (result ruleResult, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			result = ruleResult{}
			err = fmt.Errorf("rule %s panicked: %v", r.name, rec)
		}
	}()
	return r.check(sample)
}

func (d *RuleDetector) checkSecurityControls(sample *telemetry.Sample) (ruleResult, error) {
	sec := sample.Security
	var disabled []string

	if !sec.DiskEncryptionEnabled {
		disabled = append(disabled, "disk_encryption")
	}
	if !sec.IntegrityProtectionEnabled {
		disabled = append(disabled, "integrity_protection")
	}
	if !sec.FirewallEnabled {
		disabled = append(disabled, "firewall")
	}
	if !sec.AppGatekeepingEnabled {
		disabled = append(disabled, "app_gatekeeping")
	}

	if len(disabled) < d.thresholds.DisabledControls {
		return ruleResult{}, nil
	}
	return ruleResult{
		triggered: true,
		observed:  disabled,
		message: fmt.Sprintf("%d critical security controls are disabled: %s",
			len(disabled), strings.Join(disabled, ", ")),
	}, nil
}

func (d *RuleDetector) checkFailedAuth(sample *telemetry.Sample) (ruleResult, error) {
	failed := sample.Security.FailedAuthAttempts
	if failed < d.thresholds.FailedAuthLimit {
		return ruleResult{}, nil
	}
	return ruleResult{
		triggered: true,
		observed:  failed,
		message: fmt.Sprintf("Detected %d failed authentication attempts (threshold: %d)",
			failed, d.thresholds.FailedAuthLimit),
	}, nil
}

func (d *RuleDetector) checkSuspiciousNetwork(sample *telemetry.Sample) (ruleResult, error) {
	net := sample.Network
	var indicators []string

	if net.ActiveConnections > d.thresholds.ConnectionLimit {
		indicators = append(indicators, fmt.Sprintf("Excessive connections (%d)", net.ActiveConnections))
	}
	if !net.VPNConnected && net.NetworkType == "public" {
		indicators = append(indicators, "Public network without VPN")
	}

	if len(indicators) == 0 {
		return ruleResult{}, nil
	}
	return ruleResult{
		triggered: true,
		observed:  indicators,
		message:   "Suspicious network activity: " + strings.Join(indicators, ", "),
	}, nil
}

func (d *RuleDetector) checkMaliciousProcess(sample *telemetry.Sample) (ruleResult, error) {
	var detected []string
	for _, p := range sample.Processes {
		name := strings.ToLower(p.Name)
		for _, keyword := range maliciousKeywords {
			if strings.Contains(name, keyword) {
				detected = append(detected, name)
				break
			}
		}
	}

	if len(detected) == 0 {
		return ruleResult{}, nil
	}
	return ruleResult{
		triggered: true,
		observed:  detected,
		message:   fmt.Sprintf("Detected %d potentially malicious processes", len(detected)),
	}, nil
}

func (d *RuleDetector) checkDiskUsage(sample *telemetry.Sample) (ruleResult, error) {
	usage := sample.System.DiskUsagePercent
	if usage <= d.thresholds.DiskUsageLimit {
		return ruleResult{}, nil
	}
	return ruleResult{
		triggered: true,
		observed:  usage,
		message:   fmt.Sprintf("Critical disk usage (%.0f%%) may indicate system issues", usage),
	}, nil
}

// severityScore maps a rule's severity to its fixed anomaly score.
func severityScore(s Severity) float64 {
	switch s {
	case SeverityCritical:
		return 95
	case SeverityHigh:
		return 80
	case SeverityMedium:
		return 60
	case SeverityLow:
		return 40
	default:
		return 20
	}
}

func ruleRecommendations(t Type, severity Severity) []string {
	var recs []string
	if severity >= SeverityHigh {
		recs = append(recs, "Investigate immediately", "Isolate device if necessary")
	}

	switch t {
	case TypeSecurityEvent:
		recs = append(recs,
			"Enable disabled security controls",
			"Review security policy compliance",
			"Check for unauthorized configuration changes")
	case TypeAuthentication:
		recs = append(recs,
			"Lock user account temporarily",
			"Verify user identity",
			"Review authentication logs",
			"Consider implementing MFA")
	case TypeNetwork:
		recs = append(recs,
			"Block suspicious connections",
			"Enable VPN requirement",
			"Review network access policies")
	case TypeProcess:
		recs = append(recs,
			"Terminate suspicious processes",
			"Run malware scan",
			"Review process execution history",
			"Consider reimaging device")
	}

	return recs
}
