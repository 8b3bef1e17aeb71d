package risk

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/vigilops/fleetguard/pkg/analytics/detector"
	"github.com/vigilops/fleetguard/pkg/telemetry"
)

// Per-factor point values for the security posture dimension.
const (
	osVersionPenalty = 25 // per major version behind, capped 100

	encryptionPenalty  = 40
	firewallPenalty    = 25
	gatekeepingPenalty = 15
	integrityPenalty   = 40

	screenLockPenalty = 20
	noPasswordPenalty = 30

	untrustedNetworkPenalty = 10
)

// Behavioral dimension caps and per-hit scores.
const (
	suspiciousConnScore = 5
	suspiciousConnCap   = 30
	suspiciousProcScore = 10
	suspiciousProcCap   = 40
)

// suspiciousPorts is the fixed remote-port blocklist for behavioral analysis.
var suspiciousPorts = map[int]bool{
	4444:  true,
	6667:  true,
	31337: true,
}

// suspiciousCommandKeywords flag process command lines during behavioral
// analysis.
var suspiciousCommandKeywords = []string{
	"mimikatz", "metasploit", "netcat", "nmap",
	"backdoor", "keylogger", "ransomware",
}

// threat indicator points per event severity, capped at 100 total.
func eventScore(severity string) float64 {
	switch strings.ToLower(severity) {
	case "critical":
		return 40
	case "high":
		return 25
	case "medium":
		return 15
	default:
		return 5
	}
}

// Config holds the assessor's weights, level cut points, and posture inputs.
type Config struct {
	Weights          Weights
	Thresholds       Thresholds
	MinimumOSVersion string
	TrustedNetworks  []string
}

// DefaultConfig returns the standard risk configuration.
func DefaultConfig() Config {
	return Config{
		Weights: Weights{
			SecurityPosture:  0.40,
			Compliance:       0.30,
			Behavioral:       0.20,
			ThreatIndicators: 0.10,
		},
		Thresholds: Thresholds{
			Critical: 90,
			High:     75,
			Medium:   50,
			Low:      25,
		},
		MinimumOSVersion: "13.0",
	}
}

// Validate fails fast on configuration invariant violations. These are
// construction-time errors, never tolerated at call time.
func (c Config) Validate() error {
	if diff := math.Abs(c.Weights.Sum() - 1.0); diff > 1e-9 {
		return fmt.Errorf("risk: weights must sum to 1.0, got %v", c.Weights.Sum())
	}
	t := c.Thresholds
	if !(t.Critical > t.High && t.High > t.Medium && t.Medium > t.Low) {
		return fmt.Errorf("risk: thresholds must be strictly descending, got critical=%v high=%v medium=%v low=%v",
			t.Critical, t.High, t.Medium, t.Low)
	}
	return nil
}

// Assessor computes composite risk assessments from telemetry plus external
// compliance and event context. Every pass is deterministic: no randomness
// and a single "now" captured at entry.
type Assessor struct {
	cfg    Config
	logger zerolog.Logger
}

// NewAssessor creates a risk assessor, validating the configuration.
func NewAssessor(cfg Config, logger zerolog.Logger) (*Assessor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Assessor{
		cfg:    cfg,
		logger: logger.With().Str("component", "risk_assessor").Logger(),
	}, nil
}

// Assess produces a fresh assessment for the device behind the sample.
// compliance, events, and history may each be nil; missing context yields the
// documented neutral scores, never an error.
func (a *Assessor) Assess(sample *telemetry.Sample, compliance *ComplianceResult, events []SecurityEvent, history *History) *Assessment {
	now := time.Now().UTC()

	postureScore, postureFactors := a.assessSecurityPosture(sample)
	complianceScore, complianceFactors := a.assessCompliance(compliance)
	behavioralScore, behavioralFactors := a.assessBehavioral(sample, history)
	threatScore, threatFactors := a.assessThreatIndicators(events)

	w := a.cfg.Weights
	total := postureScore*w.SecurityPosture +
		complianceScore*w.Compliance +
		behavioralScore*w.Behavioral +
		threatScore*w.ThreatIndicators

	var factors []Factor
	factors = append(factors, postureFactors...)
	factors = append(factors, complianceFactors...)
	factors = append(factors, behavioralFactors...)
	factors = append(factors, threatFactors...)

	var highRisk []Factor
	for _, f := range factors {
		if f.Severity >= detector.SeverityHigh {
			highRisk = append(highRisk, f)
		}
	}

	assessment := &Assessment{
		ID:         newAssessmentID(),
		DeviceID:   sample.DeviceID,
		AssessedAt: now,
		TotalScore: round2(total),
		Level:      a.level(total),
		ComponentScores: ComponentScores{
			SecurityPosture:  round2(postureScore),
			Compliance:       round2(complianceScore),
			Behavioral:       round2(behavioralScore),
			ThreatIndicators: round2(threatScore),
		},
		Weights:         w,
		Factors:         factors,
		HighRiskFactors: highRisk,
		Recommendations: a.recommend(factors),
	}

	a.logger.Info().
		Str("device_id", sample.DeviceID).
		Float64("risk_score", assessment.TotalScore).
		Str("risk_level", assessment.Level.String()).
		Int("factor_count", len(factors)).
		Msg("Risk assessment completed")

	return assessment
}

// assessSecurityPosture averages four sub-scores (OS currency, tool state,
// auth configuration, network exposure) so no single one can dominate the
// dimension.
func (a *Assessor) assessSecurityPosture(sample *telemetry.Sample) (float64, []Factor) {
	var factors []Factor
	var scores []float64

	// OS version currency.
	osScore := a.osVersionScore(sample.System.OSVersion)
	scores = append(scores, osScore)
	if osScore > 50 {
		severity := detector.SeverityMedium
		if osScore > 75 {
			severity = detector.SeverityHigh
		}
		factors = append(factors, Factor{
			Category:    "security_posture",
			Subcategory: "os_version",
			Name:        "Outdated OS Version",
			Severity:    severity,
			ImpactScore: osScore,
			Description: fmt.Sprintf("OS version %s may be outdated", sample.System.OSVersion),
			Current:     sample.System.OSVersion,
			Expected:    a.cfg.MinimumOSVersion + " or higher",
			Remediation: "automated",
		})
	}

	// Security tool state.
	var toolScore float64
	sec := sample.Security
	if !sec.DiskEncryptionEnabled {
		toolScore += encryptionPenalty
		factors = append(factors, Factor{
			Category:    "security_posture",
			Subcategory: "encryption",
			Name:        "Disk Encryption Disabled",
			Severity:    detector.SeverityCritical,
			ImpactScore: encryptionPenalty,
			Description: "Disk encryption is not enabled",
			Current:     "Disabled",
			Expected:    "Enabled",
			Remediation: "automated",
		})
	}
	if !sec.FirewallEnabled {
		toolScore += firewallPenalty
		factors = append(factors, Factor{
			Category:    "security_posture",
			Subcategory: "network_security",
			Name:        "Firewall Disabled",
			Severity:    detector.SeverityHigh,
			ImpactScore: firewallPenalty,
			Description: "System firewall is not enabled",
			Current:     "Disabled",
			Expected:    "Enabled",
			Remediation: "automated",
		})
	}
	if !sec.AppGatekeepingEnabled {
		toolScore += gatekeepingPenalty
		factors = append(factors, Factor{
			Category:    "security_posture",
			Subcategory: "application_security",
			Name:        "Application Gatekeeping Disabled",
			Severity:    detector.SeverityHigh,
			ImpactScore: gatekeepingPenalty,
			Description: "Application gatekeeping protection is disabled",
			Current:     "Disabled",
			Expected:    "Enabled",
			Remediation: "automated",
		})
	}
	if !sec.IntegrityProtectionEnabled {
		toolScore += integrityPenalty
		factors = append(factors, Factor{
			Category:    "security_posture",
			Subcategory: "system_security",
			Name:        "Integrity Protection Disabled",
			Severity:    detector.SeverityCritical,
			ImpactScore: integrityPenalty,
			Description: "System integrity protection is disabled",
			Current:     "Disabled",
			Expected:    "Enabled",
			Remediation: "manual",
		})
	}
	scores = append(scores, math.Min(toolScore, 100))

	// Authentication configuration.
	var authScore float64
	if !sample.Auth.ScreenLockEnabled {
		authScore += screenLockPenalty
		factors = append(factors, Factor{
			Category:    "security_posture",
			Subcategory: "authentication",
			Name:        "Screen Lock Disabled",
			Severity:    detector.SeverityMedium,
			ImpactScore: screenLockPenalty,
			Description: "Screen lock is not configured",
			Current:     "Disabled",
			Expected:    "Enabled with timeout",
			Remediation: "automated",
		})
	}
	if !sample.Auth.PasswordRequired {
		authScore += noPasswordPenalty
		factors = append(factors, Factor{
			Category:    "security_posture",
			Subcategory: "authentication",
			Name:        "No Password Required",
			Severity:    detector.SeverityCritical,
			ImpactScore: noPasswordPenalty,
			Description: "Device does not require password",
			Current:     "Not Required",
			Expected:    "Required",
			Remediation: "automated",
		})
	}
	scores = append(scores, math.Min(authScore, 100))

	// Network exposure.
	var networkScore float64
	ssid := sample.Network.SSID
	if ssid != "" && !sample.Network.VPNConnected && !a.isTrustedNetwork(ssid) {
		networkScore += untrustedNetworkPenalty
		factors = append(factors, Factor{
			Category:    "security_posture",
			Subcategory: "network_security",
			Name:        "VPN Not Connected on Untrusted Network",
			Severity:    detector.SeverityMedium,
			ImpactScore: untrustedNetworkPenalty,
			Description: fmt.Sprintf("Connected to %q without VPN", ssid),
			Current:     "VPN Disconnected",
			Expected:    "VPN Connected",
			Remediation: "notification",
		})
	}
	scores = append(scores, networkScore)

	var sum float64
	for _, s := range scores {
		sum += s
	}
	return sum / float64(len(scores)), factors
}

// assessCompliance treats absent data as unknown, never as compliant.
func (a *Assessor) assessCompliance(result *ComplianceResult) (float64, []Factor) {
	if result == nil {
		return 50, []Factor{{
			Category:    "compliance",
			Subcategory: "unknown",
			Name:        "No Compliance Data",
			Severity:    detector.SeverityMedium,
			ImpactScore: 50,
			Description: "Compliance status unknown",
			Remediation: "check_required",
		}}
	}

	factors := make([]Factor, 0, len(result.Violations))
	for _, v := range result.Violations {
		subcategory := v.Category
		if subcategory == "" {
			subcategory = "policy"
		}
		name := v.Name
		if name == "" {
			name = "Compliance Violation"
		}
		remediation := v.Remediation
		if remediation == "" {
			remediation = "automated"
		}
		factors = append(factors, Factor{
			Category:    "compliance",
			Subcategory: subcategory,
			Name:        name,
			Severity:    detector.ParseSeverity(v.Severity),
			ImpactScore: v.Impact,
			Description: v.Description,
			Current:     v.Current,
			Expected:    v.Expected,
			Remediation: remediation,
		})
	}

	if result.IsCompliant {
		return 0, factors
	}
	return 100 - result.ComplianceScore, factors
}

// assessBehavioral scores zero without history, mirroring the "skip
// statistical detection without a baseline" policy. Brand-new devices look
// safe on this dimension; flagged for product review, preserved as is.
func (a *Assessor) assessBehavioral(sample *telemetry.Sample, history *History) (float64, []Factor) {
	if history == nil {
		a.logger.Debug().Str("device_id", sample.DeviceID).Msg("No behavioral history, dimension scored zero")
		return 0, nil
	}

	var factors []Factor
	var score float64

	var suspiciousConns int
	for _, conn := range sample.Network.Connections {
		if suspiciousPorts[conn.RemotePort] {
			suspiciousConns++
		}
	}
	if suspiciousConns > 0 {
		connScore := math.Min(float64(suspiciousConns)*suspiciousConnScore, suspiciousConnCap)
		score += connScore
		severity := detector.SeverityMedium
		if suspiciousConns > 5 {
			severity = detector.SeverityHigh
		}
		factors = append(factors, Factor{
			Category:    "behavioral",
			Subcategory: "network_behavior",
			Name:        "Suspicious Network Connections",
			Severity:    severity,
			ImpactScore: connScore,
			Description: fmt.Sprintf("%d suspicious connections detected", suspiciousConns),
			Current:     strconv.Itoa(suspiciousConns),
			Expected:    "0",
			Remediation: "investigation",
		})
	}

	var suspiciousProcs int
	for _, p := range sample.Processes {
		if isSuspiciousCommand(p.Command) {
			suspiciousProcs++
		}
	}
	if suspiciousProcs > 0 {
		procScore := math.Min(float64(suspiciousProcs)*suspiciousProcScore, suspiciousProcCap)
		score += procScore
		factors = append(factors, Factor{
			Category:    "behavioral",
			Subcategory: "process_behavior",
			Name:        "Suspicious Processes Running",
			Severity:    detector.SeverityHigh,
			ImpactScore: procScore,
			Description: fmt.Sprintf("%d suspicious processes detected", suspiciousProcs),
			Current:     strconv.Itoa(suspiciousProcs),
			Expected:    "0",
			Remediation: "investigation",
		})
	}

	return score, factors
}

func (a *Assessor) assessThreatIndicators(events []SecurityEvent) (float64, []Factor) {
	if len(events) == 0 {
		return 0, nil
	}

	var factors []Factor
	var score float64
	for _, event := range events {
		points := eventScore(event.Severity)
		score += points

		subcategory := event.Category
		if subcategory == "" {
			subcategory = "security_event"
		}
		name := event.Title
		if name == "" {
			name = "Security Event"
		}
		factors = append(factors, Factor{
			Category:    "threat_indicators",
			Subcategory: subcategory,
			Name:        name,
			Severity:    detector.ParseSeverity(event.Severity),
			ImpactScore: points,
			Description: event.Description,
			Remediation: "investigation",
		})
	}

	return math.Min(score, 100), factors
}

// level classifies a total score against the configured cut points.
func (a *Assessor) level(score float64) Level {
	t := a.cfg.Thresholds
	switch {
	case score >= t.Critical:
		return LevelCritical
	case score >= t.High:
		return LevelHigh
	case score >= t.Medium:
		return LevelMedium
	default:
		return LevelLow
	}
}

// recommend emits one action per critical factor plus up to five for high
// factors, in factor order.
func (a *Assessor) recommend(factors []Factor) []Recommendation {
	var recs []Recommendation

	for _, f := range factors {
		if f.Severity == detector.SeverityCritical {
			recs = append(recs, Recommendation{
				Priority:    "critical",
				Action:      "Remediate: " + f.Name,
				Description: f.Description,
				Automated:   f.Remediation == "automated",
			})
		}
	}

	var high int
	for _, f := range factors {
		if f.Severity == detector.SeverityHigh {
			if high == 5 {
				break
			}
			high++
			recs = append(recs, Recommendation{
				Priority:    "high",
				Action:      "Address: " + f.Name,
				Description: f.Description,
				Automated:   f.Remediation == "automated",
			})
		}
	}

	return recs
}

// osVersionScore penalizes each major version behind the configured minimum.
// Unparseable versions score a flat 25.
func (a *Assessor) osVersionScore(version string) float64 {
	major, ok := majorVersion(version)
	if !ok {
		return 25
	}
	minimum, ok := majorVersion(a.cfg.MinimumOSVersion)
	if !ok {
		return 25
	}
	if major >= minimum {
		return 0
	}
	return math.Min(float64(minimum-major)*osVersionPenalty, 100)
}

func majorVersion(version string) (int, bool) {
	parts := strings.SplitN(version, ".", 2)
	if len(parts) == 0 || parts[0] == "" {
		return 0, false
	}
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, false
	}
	return major, true
}

func (a *Assessor) isTrustedNetwork(ssid string) bool {
	for _, trusted := range a.cfg.TrustedNetworks {
		if ssid == trusted {
			return true
		}
	}
	return false
}

func isSuspiciousCommand(command string) bool {
	lower := strings.ToLower(command)
	for _, keyword := range suspiciousCommandKeywords {
		if strings.Contains(lower, keyword) {
			return true
		}
	}
	return false
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
