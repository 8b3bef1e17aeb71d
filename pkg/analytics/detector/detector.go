package detector

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vigilops/fleetguard/pkg/telemetry"
)

// Detector inspects one telemetry sample and emits zero or more anomalies.
// Implementations are passed explicitly, in fixed order, to the engine; there
// is no registry.
type Detector interface {
	Name() string
	Detect(ctx context.Context, deviceID string, sample *telemetry.Sample) ([]Anomaly, error)
}

// Detection methods.
const (
	MethodStatistical = "statistical"
	MethodRuleBased   = "rule_based"
	MethodModel       = "ml_model"
)

// Severity is the ordered anomaly classification. Comparisons use the
// integer rank, never string ordering.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the severity as its string form.
func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a severity from its string form.
func (s *Severity) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = ParseSeverity(raw)
	return nil
}

// ParseSeverity maps a severity string to its rank; unknown strings map to
// info, the lowest rank.
func ParseSeverity(raw string) Severity {
	switch strings.ToLower(raw) {
	case "critical":
		return SeverityCritical
	case "high":
		return SeverityHigh
	case "medium":
		return SeverityMedium
	case "low":
		return SeverityLow
	default:
		return SeverityInfo
	}
}

// Type classifies what kind of behavior an anomaly concerns.
type Type string

const (
	TypeAuthentication Type = "authentication"
	TypeNetwork        Type = "network"
	TypeProcess        Type = "process"
	TypeFileSystem     Type = "file_system"
	TypeSystemConfig   Type = "system_config"
	TypeSoftware       Type = "software"
	TypeUserBehavior   Type = "user_behavior"
	TypeSecurityEvent  Type = "security_event"
)

// Anomaly is a single detection result. Exactly one detector creates each
// anomaly; the engine discards duplicates but never mutates them.
type Anomaly struct {
	ID       string   `json:"id"`
	DeviceID string   `json:"device_id"`
	Type     Type     `json:"type"`
	Severity Severity `json:"severity"`
	Method   string   `json:"method"`

	Feature   string      `json:"feature"`
	Observed  interface{} `json:"observed,omitempty"`
	Expected  interface{} `json:"expected,omitempty"`
	Deviation *float64    `json:"deviation,omitempty"` // z-score when statistical

	Score      float64 `json:"score"`      // 0-100
	Confidence float64 `json:"confidence"` // 0-1

	Title           string   `json:"title"`
	Description     string   `json:"description"`
	Recommendations []string `json:"recommendations,omitempty"`

	DetectedAt time.Time `json:"detected_at"`
}

// DedupKey is the (type, feature) pair used to merge overlapping detections.
func (a Anomaly) DedupKey() string {
	return string(a.Type) + ":" + a.Feature
}

func newAnomalyID() string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "ANO-" + strings.ToUpper(hex[:12])
}

// recommendations returns the advice list for an anomaly type at a severity.
func recommendations(t Type, severity Severity) []string {
	var recs []string
	if severity >= SeverityHigh {
		recs = append(recs, "Investigate immediately", "Review security logs for this device")
	}

	switch t {
	case TypeAuthentication:
		recs = append(recs,
			"Check for unauthorized access attempts",
			"Verify user identity",
			"Consider requiring password reset")
	case TypeNetwork:
		recs = append(recs,
			"Verify network connection is legitimate",
			"Check for data exfiltration",
			"Review firewall logs")
	case TypeProcess:
		recs = append(recs,
			"Identify unknown processes",
			"Check for malware or unwanted software",
			"Review process execution history")
	case TypeSystemConfig:
		recs = append(recs,
			"Investigate cause of resource spike",
			"Check for resource-intensive applications",
			"Consider performance optimization")
	}

	return recs
}
