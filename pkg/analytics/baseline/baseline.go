package baseline

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Category identifies which behavioral dimension a baseline covers.
type Category string

const (
	CategoryAuthentication Category = "authentication"
	CategoryNetwork        Category = "network"
	CategoryProcess        Category = "process"
	CategorySystem         Category = "system"
)

// Categories returns all baseline categories in build order.
func Categories() []Category {
	return []Category{
		CategoryAuthentication,
		CategoryNetwork,
		CategoryProcess,
		CategorySystem,
	}
}

// Percentiles holds rank-indexed percentile values for one numeric feature.
type Percentiles struct {
	P25 float64 `json:"p25"`
	P50 float64 `json:"p50"`
	P75 float64 `json:"p75"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

// Baseline is a per-device, per-category statistical summary of historical
// telemetry. It is created on first build and updated in place on rebuild;
// the scoring core never deletes baselines.
type Baseline struct {
	ID       string   `json:"id"`
	DeviceID string   `json:"device_id"`
	Category Category `json:"category"`

	LearningStart time.Time `json:"learning_start"`
	LearningEnd   time.Time `json:"learning_end"`
	SampleCount   int       `json:"sample_count"`
	Confidence    float64   `json:"confidence"` // 0-100, step function of sample count

	Means       map[string]float64     `json:"means"`
	StdDevs     map[string]float64     `json:"std_devs"`
	Mins        map[string]float64     `json:"mins"`
	Maxs        map[string]float64     `json:"maxs"`
	Percentiles map[string]Percentiles `json:"percentiles"`

	// Top-K categorical frequencies; the long tail is deliberately dropped.
	CommonValues     map[string][]string       `json:"common_values,omitempty"`
	ValueFrequencies map[string]map[string]int `json:"value_frequencies,omitempty"`

	// Frequency-normalized temporal activity histograms.
	HourlyPattern map[int]float64 `json:"hourly_pattern,omitempty"`
	DailyPattern  map[int]float64 `json:"daily_pattern,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsStale reports whether the baseline is old enough to need a rebuild.
func (b *Baseline) IsStale(now time.Time, maxAge time.Duration) bool {
	return now.Sub(b.UpdatedAt) > maxAge
}

// KnownValues returns the top-K values recorded for a categorical feature.
func (b *Baseline) KnownValues(feature string) []string {
	if b.CommonValues == nil {
		return nil
	}
	return b.CommonValues[feature]
}

func newBaselineID() string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "BL-" + strings.ToUpper(hex[:12])
}
