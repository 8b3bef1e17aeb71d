// Package store provides the reference in-memory implementation of the
// persistence interfaces the scoring core depends on. Production deployments
// substitute their own backend; the core only ever performs per-device
// read-then-write access.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vigilops/fleetguard/pkg/analytics/baseline"
	"github.com/vigilops/fleetguard/pkg/telemetry"
)

// MemoryStore keeps samples and baselines in process memory. Samples are
// append-only; baselines are upserted in place and never deleted.
type MemoryStore struct {
	mu        sync.RWMutex
	samples   map[string][]*telemetry.Sample
	baselines map[string]*baseline.Baseline
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		samples:   make(map[string][]*telemetry.Sample),
		baselines: make(map[string]*baseline.Baseline),
	}
}

// AppendSample records one telemetry sample for its device.
func (s *MemoryStore) AppendSample(_ context.Context, sample *telemetry.Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples[sample.DeviceID] = append(s.samples[sample.DeviceID], sample)
	return nil
}

// ListSamples returns the device's samples inside [from, to], ordered by
// collection time.
func (s *MemoryStore) ListSamples(_ context.Context, deviceID string, from, to time.Time) ([]*telemetry.Sample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*telemetry.Sample
	for _, sample := range s.samples[deviceID] {
		if sample.CollectedAt.Before(from) || sample.CollectedAt.After(to) {
			continue
		}
		result = append(result, sample)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CollectedAt.Before(result[j].CollectedAt)
	})
	return result, nil
}

// GetBaseline returns the stored baseline for the key, or (nil, nil) when
// none exists.
func (s *MemoryStore) GetBaseline(_ context.Context, deviceID string, category baseline.Category) (*baseline.Baseline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.baselines[baselineKey(deviceID, category)], nil
}

// PutBaseline upserts a baseline.
func (s *MemoryStore) PutBaseline(_ context.Context, b *baseline.Baseline) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.baselines[baselineKey(b.DeviceID, b.Category)] = b
	return nil
}

func baselineKey(deviceID string, category baseline.Category) string {
	return deviceID + "|" + string(category)
}
