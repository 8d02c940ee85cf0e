package metrics_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cutline/internal/domain"
	"cutline/internal/metrics"
)

type countingProvider struct {
	calls int
	snaps map[string]domain.PerformanceSnapshot
	err   error
}

func (p *countingProvider) Snapshot(_ context.Context, id string) (domain.PerformanceSnapshot, error) {
	p.calls++
	if p.err != nil {
		return domain.PerformanceSnapshot{}, p.err
	}
	s, ok := p.snaps[id]
	if !ok {
		return domain.PerformanceSnapshot{VersionID: id}, nil
	}
	return s, nil
}

func TestCachedServesRepeatedReadsFromCache(t *testing.T) {
	next := &countingProvider{snaps: map[string]domain.PerformanceSnapshot{
		"v1": {VersionID: "v1", Views: 100, Conversions: 3},
	}}
	c := metrics.NewCached(next, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		s, err := c.Snapshot(ctx, "v1")
		require.NoError(t, err)
		assert.Equal(t, int64(100), s.Views)
	}
	assert.Equal(t, 1, next.calls)

	next.snaps["v1"] = domain.PerformanceSnapshot{VersionID: "v1", Views: 200}
	c.Invalidate("v1")
	s, err := c.Snapshot(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, int64(200), s.Views)
	assert.Equal(t, 2, next.calls)
}

func TestCachedDoesNotCacheErrors(t *testing.T) {
	next := &countingProvider{err: errors.New("backend down")}
	c := metrics.NewCached(next, time.Minute)
	_, err := c.Snapshot(context.Background(), "v1")
	require.Error(t, err)
	next.err = nil
	_, err = c.Snapshot(context.Background(), "v1")
	require.NoError(t, err)
	assert.Equal(t, 2, next.calls)
}

func TestTotals(t *testing.T) {
	next := &countingProvider{snaps: map[string]domain.PerformanceSnapshot{
		"a": {Views: 70000, Conversions: 5000},
		"b": {Views: 50000, Conversions: 4000},
	}}
	views, conv, err := metrics.Totals(context.Background(), next, []string{"a", "b", "missing"})
	require.NoError(t, err)
	assert.Equal(t, int64(120000), views)
	assert.Equal(t, int64(9000), conv)
}
