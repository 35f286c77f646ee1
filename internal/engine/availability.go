package engine

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"kerya/internal/domain"
	"kerya/internal/interval"
)

type snapshot struct {
	lockVersion int64
	set         *interval.Set
}

// SnapshotCache keeps read-only interval sets per resource. An entry is
// only served while the resource's lock_version matches the one it was
// built at, so a snapshot is never older than the last committed booking.
type SnapshotCache struct {
	cache *lru.Cache[string, snapshot]
}

func NewSnapshotCache(size int) *SnapshotCache {
	c, err := lru.New[string, snapshot](size)
	if err != nil {
		// only a non-positive size fails
		c, _ = lru.New[string, snapshot](128)
	}
	return &SnapshotCache{cache: c}
}

func (c *SnapshotCache) get(resourceID string, version int64) (*interval.Set, bool) {
	s, ok := c.cache.Get(resourceID)
	if !ok || s.lockVersion != version {
		return nil, false
	}
	return s.set, true
}

func (c *SnapshotCache) put(resourceID string, version int64, set *interval.Set) {
	c.cache.Add(resourceID, snapshot{lockVersion: version, set: set})
}

func (c *SnapshotCache) Invalidate(resourceID string) {
	c.cache.Remove(resourceID)
}

func (c *SnapshotCache) Len() int { return c.cache.Len() }

// Availability returns the busy and free ranges of a resource inside
// window. It reads outside any transaction and may trail an in-flight
// booking by that one transaction.
func (e Engine) Availability(ctx context.Context, resourceID string, window interval.Interval) (domain.Availability, error) {
	res, err := e.Repo.GetResource(ctx, resourceID)
	if err != nil {
		return domain.Availability{}, err
	}
	if window.Start.IsZero() && window.End.IsZero() {
		start := e.now().Truncate(24 * time.Hour)
		window = interval.Interval{Start: start, End: start.AddDate(0, 0, res.HorizonDays)}
	}
	window = window.Normalize()
	if !window.Valid() {
		return domain.Availability{}, domain.ValidationError{Field: "window", Reason: interval.ErrEmpty.Error()}
	}
	set, err := e.intervalSet(ctx, resourceID)
	if err != nil {
		return domain.Availability{}, err
	}
	out := domain.Availability{ResourceID: resourceID, Window: window, Busy: []interval.Interval{}, Free: set.Free(window)}
	for _, entry := range set.Overlapping(window) {
		if clipped, ok := entry.Interval.Intersect(window); ok {
			out.Busy = append(out.Busy, clipped)
		}
	}
	if out.Free == nil {
		out.Free = []interval.Interval{}
	}
	return out, nil
}

func (e Engine) intervalSet(ctx context.Context, resourceID string) (*interval.Set, error) {
	version, err := e.Repo.ResourceLockVersion(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	if e.Snapshots != nil {
		if set, ok := e.Snapshots.get(resourceID, version); ok {
			return set, nil
		}
	}
	entries, err := e.Repo.ListIntervals(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	set := interval.NewSet(entries...)
	if e.Snapshots != nil {
		e.Snapshots.put(resourceID, version, set)
	}
	return set, nil
}
