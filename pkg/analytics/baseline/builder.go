package baseline

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vigilops/fleetguard/pkg/telemetry"
)

// SampleStore provides historical telemetry for baseline learning.
type SampleStore interface {
	ListSamples(ctx context.Context, deviceID string, from, to time.Time) ([]*telemetry.Sample, error)
}

// Store persists baselines. GetBaseline returns (nil, nil) when no baseline
// exists for the key.
type Store interface {
	GetBaseline(ctx context.Context, deviceID string, category Category) (*Baseline, error)
	PutBaseline(ctx context.Context, b *Baseline) error
}

// BuilderConfig holds the learning parameters for baseline construction.
type BuilderConfig struct {
	LearningWindow time.Duration // how far back to pull samples
	MinSamples     int           // below this, no baseline is produced
	MaxAge         time.Duration // baselines older than this are rebuilt
	TopNetworks    int           // top-K SSIDs kept per network baseline
	TopProcesses   int           // top-K process names kept per process baseline
}

// DefaultBuilderConfig returns the standard learning parameters.
func DefaultBuilderConfig() BuilderConfig {
	return BuilderConfig{
		LearningWindow: 30 * 24 * time.Hour,
		MinSamples:     10,
		MaxAge:         7 * 24 * time.Hour,
		TopNetworks:    10,
		TopProcesses:   20,
	}
}

// Builder learns per-device, per-category statistical baselines from
// historical telemetry.
type Builder struct {
	samples   SampleStore
	baselines Store
	cfg       BuilderConfig
	logger    zerolog.Logger

	// Per-(device, category) locks so concurrent builds for the same key
	// cannot interleave their read-modify-write of the stored baseline.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewBuilder creates a baseline builder.
func NewBuilder(samples SampleStore, baselines Store, cfg BuilderConfig, logger zerolog.Logger) (*Builder, error) {
	if cfg.LearningWindow <= 0 {
		return nil, fmt.Errorf("baseline: learning window must be positive, got %s", cfg.LearningWindow)
	}
	if cfg.MinSamples <= 0 {
		return nil, fmt.Errorf("baseline: minimum sample count must be positive, got %d", cfg.MinSamples)
	}
	if cfg.TopNetworks <= 0 || cfg.TopProcesses <= 0 {
		return nil, fmt.Errorf("baseline: top-K limits must be positive")
	}
	return &Builder{
		samples:   samples,
		baselines: baselines,
		cfg:       cfg,
		logger:    logger.With().Str("component", "baseline_builder").Logger(),
		locks:     make(map[string]*sync.Mutex),
	}, nil
}

// Build creates or refreshes the baseline for (deviceID, category).
//
// It returns (nil, nil) when fewer than MinSamples samples exist inside the
// learning window; "no baseline" means statistical detection is skipped for
// the category, not that anything failed. A fresh stored baseline is returned
// unchanged unless force is set.
func (b *Builder) Build(ctx context.Context, deviceID string, category Category, force bool) (*Baseline, error) {
	lock := b.keyLock(deviceID, category)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now().UTC()

	existing, err := b.baselines.GetBaseline(ctx, deviceID, category)
	if err != nil {
		return nil, fmt.Errorf("baseline: load %s/%s: %w", deviceID, category, err)
	}
	if existing != nil && !force && !existing.IsStale(now, b.cfg.MaxAge) {
		return existing, nil
	}

	start := now.Add(-b.cfg.LearningWindow)
	samples, err := b.samples.ListSamples(ctx, deviceID, start, now)
	if err != nil {
		return nil, fmt.Errorf("baseline: list samples for %s: %w", deviceID, err)
	}
	if len(samples) < b.cfg.MinSamples {
		b.logger.Debug().
			Str("device_id", deviceID).
			Str("category", string(category)).
			Int("samples", len(samples)).
			Int("min_samples", b.cfg.MinSamples).
			Msg("Insufficient telemetry for baseline")
		return nil, nil
	}

	bl := existing
	if bl == nil {
		bl = &Baseline{
			ID:        newBaselineID(),
			DeviceID:  deviceID,
			Category:  category,
			CreatedAt: now,
		}
	}

	bl.LearningStart = start
	bl.LearningEnd = now
	bl.SampleCount = len(samples)
	bl.Confidence = b.confidence(len(samples))
	bl.UpdatedAt = now

	switch category {
	case CategoryAuthentication:
		b.computeAuthentication(bl, samples)
	case CategoryNetwork:
		b.computeNetwork(bl, samples)
	case CategoryProcess:
		b.computeProcess(bl, samples)
	case CategorySystem:
		b.computeSystem(bl, samples)
	default:
		return nil, fmt.Errorf("baseline: unknown category %q", category)
	}

	if err := b.baselines.PutBaseline(ctx, bl); err != nil {
		return nil, fmt.Errorf("baseline: store %s/%s: %w", deviceID, category, err)
	}

	b.logger.Info().
		Str("device_id", deviceID).
		Str("category", string(category)).
		Int("samples", bl.SampleCount).
		Float64("confidence", bl.Confidence).
		Msg("Baseline built")

	return bl, nil
}

// BuildAll builds every baseline category for a device, skipping categories
// with insufficient data.
func (b *Builder) BuildAll(ctx context.Context, deviceID string) (map[Category]*Baseline, error) {
	result := make(map[Category]*Baseline)
	for _, category := range Categories() {
		bl, err := b.Build(ctx, deviceID, category, false)
		if err != nil {
			return result, err
		}
		if bl != nil {
			result[category] = bl
		}
	}
	return result, nil
}

func (b *Builder) keyLock(deviceID string, category Category) *sync.Mutex {
	key := deviceID + "|" + string(category)
	b.mu.Lock()
	defer b.mu.Unlock()
	lock, ok := b.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		b.locks[key] = lock
	}
	return lock
}

func (b *Builder) computeAuthentication(bl *Baseline, samples []*telemetry.Sample) {
	failedAuth := make([]float64, 0, len(samples))
	hours := make([]int, 0, len(samples))
	days := make([]int, 0, len(samples))

	for _, s := range samples {
		failedAuth = append(failedAuth, float64(s.Security.FailedAuthAttempts))
		hours = append(hours, s.CollectedAt.Hour())
		days = append(days, int(s.CollectedAt.Weekday()))
	}

	bl.setNumeric(map[string][]float64{"failed_auth_count": failedAuth})
	bl.CommonValues = nil
	bl.ValueFrequencies = nil
	bl.HourlyPattern = normalizedHistogram(hours)
	bl.DailyPattern = normalizedHistogram(days)
}

func (b *Builder) computeNetwork(bl *Baseline, samples []*telemetry.Sample) {
	connections := make([]float64, 0, len(samples))
	vpnRate := make([]float64, 0, len(samples))
	var networks []string
	hours := make([]int, 0, len(samples))
	days := make([]int, 0, len(samples))

	for _, s := range samples {
		connections = append(connections, float64(s.Network.ActiveConnections))
		if s.Network.VPNConnected {
			vpnRate = append(vpnRate, 1)
		} else {
			vpnRate = append(vpnRate, 0)
		}
		if s.Network.SSID != "" {
			networks = append(networks, s.Network.SSID)
		}
		hours = append(hours, s.CollectedAt.Hour())
		days = append(days, int(s.CollectedAt.Weekday()))
	}

	bl.setNumeric(map[string][]float64{"connection_count": connections})
	bl.Means["vpn_usage_rate"] = mean(vpnRate)

	common, freqs := topK(networks, b.cfg.TopNetworks)
	bl.CommonValues = map[string][]string{"networks": common}
	bl.ValueFrequencies = map[string]map[string]int{"networks": freqs}
	bl.HourlyPattern = normalizedHistogram(hours)
	bl.DailyPattern = normalizedHistogram(days)
}

func (b *Builder) computeProcess(bl *Baseline, samples []*telemetry.Sample) {
	counts := make([]float64, 0, len(samples))
	var names []string
	hours := make([]int, 0, len(samples))
	days := make([]int, 0, len(samples))

	for _, s := range samples {
		counts = append(counts, float64(len(s.Processes)))
		names = append(names, s.ProcessNames()...)
		hours = append(hours, s.CollectedAt.Hour())
		days = append(days, int(s.CollectedAt.Weekday()))
	}

	bl.setNumeric(map[string][]float64{"process_count": counts})

	common, freqs := topK(names, b.cfg.TopProcesses)
	bl.CommonValues = map[string][]string{"processes": common}
	bl.ValueFrequencies = map[string]map[string]int{"processes": freqs}
	bl.HourlyPattern = normalizedHistogram(hours)
	bl.DailyPattern = normalizedHistogram(days)
}

func (b *Builder) computeSystem(bl *Baseline, samples []*telemetry.Sample) {
	cpu := make([]float64, 0, len(samples))
	memory := make([]float64, 0, len(samples))
	diskUse := make([]float64, 0, len(samples))
	hours := make([]int, 0, len(samples))
	days := make([]int, 0, len(samples))

	for _, s := range samples {
		cpu = append(cpu, s.System.CPUUsagePercent)
		memory = append(memory, s.System.MemoryUsagePercent)
		diskUse = append(diskUse, s.System.DiskUsagePercent)
		hours = append(hours, s.CollectedAt.Hour())
		days = append(days, int(s.CollectedAt.Weekday()))
	}

	bl.setNumeric(map[string][]float64{
		"cpu_usage":    cpu,
		"memory_usage": memory,
		"disk_usage":   diskUse,
	})
	bl.CommonValues = nil
	bl.ValueFrequencies = nil
	bl.HourlyPattern = normalizedHistogram(hours)
	bl.DailyPattern = normalizedHistogram(days)
}

// setNumeric replaces the numeric statistics of the baseline with fresh
// values for the given features.
func (bl *Baseline) setNumeric(features map[string][]float64) {
	bl.Means = make(map[string]float64, len(features))
	bl.StdDevs = make(map[string]float64, len(features))
	bl.Mins = make(map[string]float64, len(features))
	bl.Maxs = make(map[string]float64, len(features))
	bl.Percentiles = make(map[string]Percentiles, len(features))

	for name, values := range features {
		bl.Means[name] = mean(values)
		bl.StdDevs[name] = populationStdDev(values)
		bl.Mins[name] = minOf(values)
		bl.Maxs[name] = maxOf(values)
		bl.Percentiles[name] = rankPercentiles(values)
	}
}

// confidence is a step function of sample count on a 0-100 scale.
func (b *Builder) confidence(sampleCount int) float64 {
	switch {
	case sampleCount < b.cfg.MinSamples:
		return 0
	case sampleCount < 50:
		return 50
	case sampleCount < 100:
		return 75
	default:
		return math.Min(100, 75+float64(sampleCount-100)/10)
	}
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// populationStdDev is 0 whenever fewer than two samples exist, so the
// statistical detector never divides by zero.
func populationStdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	m := mean(values)
	var sum float64
	for _, v := range values {
		d := v - m
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(values)))
}

func minOf(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	m := values[0]
	for _, v := range values[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

func maxOf(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	m := values[0]
	for _, v := range values[1:] {
		if v > m {
			m = v
		}
	}
	return m
}

// rankPercentiles indexes the sorted sample list directly rather than
// interpolating. Undefined (all zeros) below two samples.
func rankPercentiles(values []float64) Percentiles {
	if len(values) < 2 {
		return Percentiles{}
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := len(sorted)

	at := func(q float64) float64 {
		idx := int(float64(n) * q)
		if idx >= n {
			idx = n - 1
		}
		return sorted[idx]
	}

	return Percentiles{
		P25: at(0.25),
		P50: at(0.50),
		P75: at(0.75),
		P95: at(0.95),
		P99: at(0.99),
	}
}

// topK keeps only the K most frequent values; ties break alphabetically so
// rebuilds over identical data are deterministic.
func topK(values []string, k int) ([]string, map[string]int) {
	if len(values) == 0 {
		return nil, nil
	}

	counts := make(map[string]int)
	for _, v := range values {
		counts[v]++
	}

	keys := make([]string, 0, len(counts))
	for key := range counts {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j]
	})

	if len(keys) > k {
		keys = keys[:k]
	}

	kept := make(map[string]int, len(keys))
	for _, key := range keys {
		kept[key] = counts[key]
	}
	return keys, kept
}

func normalizedHistogram(values []int) map[int]float64 {
	if len(values) == 0 {
		return nil
	}
	counts := make(map[int]int)
	for _, v := range values {
		counts[v]++
	}
	total := float64(len(values))
	hist := make(map[int]float64, len(counts))
	for v, c := range counts {
		hist[v] = float64(c) / total
	}
	return hist
}
