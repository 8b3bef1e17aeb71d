package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigilops/fleetguard/pkg/analytics/baseline"
	"github.com/vigilops/fleetguard/pkg/telemetry"
)

func TestListSamples_WindowAndOrder(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	// Append out of order on purpose.
	for _, offset := range []time.Duration{2 * time.Hour, 0, 4 * time.Hour, time.Hour} {
		require.NoError(t, s.AppendSample(ctx, &telemetry.Sample{
			DeviceID:    "dev-1",
			CollectedAt: base.Add(offset),
		}))
	}
	require.NoError(t, s.AppendSample(ctx, &telemetry.Sample{
		DeviceID:    "dev-2",
		CollectedAt: base,
	}))

	samples, err := s.ListSamples(ctx, "dev-1", base, base.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, samples, 3, "the window is inclusive on both ends")
	assert.True(t, samples[0].CollectedAt.Before(samples[1].CollectedAt))
	assert.True(t, samples[1].CollectedAt.Before(samples[2].CollectedAt))

	none, err := s.ListSamples(ctx, "dev-3", base, base.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestBaselines_GetPut(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	missing, err := s.GetBaseline(ctx, "dev-1", baseline.CategorySystem)
	require.NoError(t, err)
	assert.Nil(t, missing, "absence is (nil, nil), not an error")

	bl := &baseline.Baseline{ID: "BL-1", DeviceID: "dev-1", Category: baseline.CategorySystem, SampleCount: 12}
	require.NoError(t, s.PutBaseline(ctx, bl))

	got, err := s.GetBaseline(ctx, "dev-1", baseline.CategorySystem)
	require.NoError(t, err)
	assert.Same(t, bl, got)

	// Same device, different category is a distinct key.
	other, err := s.GetBaseline(ctx, "dev-1", baseline.CategoryNetwork)
	require.NoError(t, err)
	assert.Nil(t, other)

	// Upsert replaces.
	updated := &baseline.Baseline{ID: "BL-1", DeviceID: "dev-1", Category: baseline.CategorySystem, SampleCount: 30}
	require.NoError(t, s.PutBaseline(ctx, updated))
	got, err = s.GetBaseline(ctx, "dev-1", baseline.CategorySystem)
	require.NoError(t, err)
	assert.Equal(t, 30, got.SampleCount)
}

func TestMemoryStore_ConcurrentAccess(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = s.AppendSample(ctx, &telemetry.Sample{DeviceID: "dev-1", CollectedAt: now.Add(time.Duration(i) * time.Minute)})
			_, _ = s.ListSamples(ctx, "dev-1", time.Time{}, now.Add(time.Hour))
			_ = s.PutBaseline(ctx, &baseline.Baseline{DeviceID: "dev-1", Category: baseline.CategorySystem})
			_, _ = s.GetBaseline(ctx, "dev-1", baseline.CategorySystem)
		}(i)
	}
	wg.Wait()

	samples, err := s.ListSamples(ctx, "dev-1", time.Time{}, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, samples, 10)
}
