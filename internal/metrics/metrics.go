// Package metrics supplies the views and conversions the quarterly settlement consumes.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"

	"cutline/internal/domain"
	"cutline/internal/repo"
)

// Provider returns the latest performance snapshot for a version. A version with nothing
// recorded yields a zero snapshot, not an error.
type Provider interface {
	Snapshot(ctx context.Context, versionID string) (domain.PerformanceSnapshot, error)
}

// Store reads snapshots recorded through the API or CLI.
type Store struct {
	Repo repo.Repo
}

func (s Store) Snapshot(ctx context.Context, versionID string) (domain.PerformanceSnapshot, error) {
	m, err := s.Repo.GetMetrics(ctx, versionID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.PerformanceSnapshot{VersionID: versionID}, nil
	}
	if err != nil {
		return domain.PerformanceSnapshot{}, fmt.Errorf("metrics for %s: %w", versionID, err)
	}
	return m, nil
}

// Cached memoizes another provider for ttl.
type Cached struct {
	Next  Provider
	cache *cache.Cache
}

func NewCached(next Provider, ttl time.Duration) *Cached {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cached{Next: next, cache: cache.New(ttl, 2*ttl)}
}

func (c *Cached) Snapshot(ctx context.Context, versionID string) (domain.PerformanceSnapshot, error) {
	if v, found := c.cache.Get(versionID); found {
		if snap, ok := v.(domain.PerformanceSnapshot); ok {
			return snap, nil
		}
	}
	snap, err := c.Next.Snapshot(ctx, versionID)
	if err != nil {
		return domain.PerformanceSnapshot{}, err
	}
	c.cache.SetDefault(versionID, snap)
	return snap, nil
}

// Invalidate drops a cached snapshot after new numbers were recorded.
func (c *Cached) Invalidate(versionID string) {
	c.cache.Delete(versionID)
}

// Invalidator is implemented by providers that cache.
type Invalidator interface {
	Invalidate(versionID string)
}

// Totals sums snapshots for a set of versions.
func Totals(ctx context.Context, p Provider, versionIDs []string) (views, conversions int64, err error) {
	for _, id := range versionIDs {
		snap, err := p.Snapshot(ctx, id)
		if err != nil {
			return 0, 0, err
		}
		views += snap.Views
		conversions += snap.Conversions
	}
	return views, conversions, nil
}
