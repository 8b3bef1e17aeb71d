package risk

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vigilops/fleetguard/pkg/analytics/detector"
	"github.com/vigilops/fleetguard/pkg/telemetry"
)

// Level is the ordered risk classification of an assessment's total score.
type Level int

const (
	LevelLow Level = iota
	LevelMedium
	LevelHigh
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelCritical:
		return "critical"
	case LevelHigh:
		return "high"
	case LevelMedium:
		return "medium"
	default:
		return "low"
	}
}

// MarshalJSON encodes the level as its string form.
func (l Level) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

// Weights are the four risk dimension weights. The caller is responsible for
// making them sum to 1.0; the assessor validates and never renormalizes.
type Weights struct {
	SecurityPosture  float64 `json:"security_posture" mapstructure:"security_posture"`
	Compliance       float64 `json:"compliance" mapstructure:"compliance"`
	Behavioral       float64 `json:"behavioral" mapstructure:"behavioral"`
	ThreatIndicators float64 `json:"threat_indicators" mapstructure:"threat_indicators"`
}

// Sum returns the total of all four weights.
func (w Weights) Sum() float64 {
	return w.SecurityPosture + w.Compliance + w.Behavioral + w.ThreatIndicators
}

// Thresholds are the ordered risk level cut points; each must be strictly
// greater than the next. Scores below Medium classify as low.
type Thresholds struct {
	Critical float64 `json:"critical" mapstructure:"critical"`
	High     float64 `json:"high" mapstructure:"high"`
	Medium   float64 `json:"medium" mapstructure:"medium"`
	Low      float64 `json:"low" mapstructure:"low"`
}

// Factor is one identified contributor to a device's risk.
type Factor struct {
	Category    string            `json:"category"`
	Subcategory string            `json:"subcategory,omitempty"`
	Name        string            `json:"name"`
	Severity    detector.Severity `json:"severity"`
	ImpactScore float64           `json:"impact_score"`
	Description string            `json:"description,omitempty"`
	Current     string            `json:"current_value,omitempty"`
	Expected    string            `json:"expected_value,omitempty"`
	Remediation string            `json:"remediation,omitempty"` // "automated", "manual", "notification", "investigation", "check_required"
}

// Recommendation is a prioritized remediation action derived from a factor.
type Recommendation struct {
	Priority    string `json:"priority"` // "critical" or "high"
	Action      string `json:"action"`
	Description string `json:"description,omitempty"`
	Automated   bool   `json:"automated"`
}

// ComponentScores are the four 0-100 dimension scores before weighting.
type ComponentScores struct {
	SecurityPosture  float64 `json:"security_posture"`
	Compliance       float64 `json:"compliance"`
	Behavioral       float64 `json:"behavioral"`
	ThreatIndicators float64 `json:"threat_indicators"`
}

// Assessment is the result of one risk assessment pass. Each call produces a
// fresh Assessment; they are historical rows, never updated in place.
type Assessment struct {
	ID         string    `json:"id"`
	DeviceID   string    `json:"device_id"`
	AssessedAt time.Time `json:"assessed_at"`

	TotalScore float64 `json:"total_score"`
	Level      Level   `json:"level"`

	ComponentScores ComponentScores `json:"component_scores"`
	Weights         Weights         `json:"weights"`

	Factors         []Factor         `json:"factors"`
	HighRiskFactors []Factor         `json:"high_risk_factors"`
	Recommendations []Recommendation `json:"recommendations"`
}

// Violation is one compliance policy violation, carried through verbatim as a
// risk factor.
type Violation struct {
	Name        string  `json:"name"`
	Category    string  `json:"category"`
	Severity    string  `json:"severity"`
	Description string  `json:"description"`
	Current     string  `json:"current"`
	Expected    string  `json:"expected"`
	Remediation string  `json:"remediation"`
	Impact      float64 `json:"impact"`
}

// ComplianceResult is the outcome of an external compliance check.
type ComplianceResult struct {
	IsCompliant     bool        `json:"is_compliant"`
	ComplianceScore float64     `json:"compliance_score"`
	Violations      []Violation `json:"violations"`
}

// SecurityEvent is one recent event from an external event source.
type SecurityEvent struct {
	Severity    string `json:"severity"`
	Category    string `json:"category"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// History is the device's behavioral context. A nil History means the
// behavioral dimension scores zero; absence of history is not risk.
type History struct {
	Samples []*telemetry.Sample `json:"samples,omitempty"`
}

func newAssessmentID() string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "RA-" + strings.ToUpper(hex[:12])
}
