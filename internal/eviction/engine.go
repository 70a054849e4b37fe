package eviction

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lucasew/swcache/internal/cachestore"
	"github.com/lucasew/swcache/internal/errutil"
)

// TrimResult summarizes a TrimToSize pass.
type TrimResult struct {
	SizeBefore int64
	SizeAfter  int64
	Removed    int
}

// Scan collects eviction candidates and the measured store size: the sum of
// Content-Length across entries, entries without one counting as 0.
func Scan(ctx context.Context, s Store) ([]Candidate, int64, error) {
	var (
		cands []Candidate
		total int64
	)
	err := s.Walk(ctx, func(k cachestore.Key, e *cachestore.Entry) error {
		c := Candidate{Key: k, Size: e.Size()}
		c.CacheTime, c.HasTime = e.CacheTime()
		cands = append(cands, c)
		total += c.Size
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to scan store %s: %w", s.Name(), err)
	}
	return cands, total, nil
}

// CleanupExpired deletes every entry whose age (now minus Cache-Time) is
// greater than maxAge. Entries without a Cache-Time are left alone.
func CleanupExpired(ctx context.Context, s Store, maxAge time.Duration, now time.Time) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}
	cands, _, err := Scan(ctx, s)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, c := range cands {
		if !c.HasTime || now.Sub(c.CacheTime) <= maxAge {
			continue
		}
		ok, err := s.Delete(ctx, c.Key)
		if err != nil {
			errutil.LogMsg(err, "Failed to delete expired entry", "store", s.Name(), "key", c.Key.String())
			continue
		}
		if ok {
			removed++
		}
	}
	if removed > 0 {
		slog.Info("Removed expired cache entries", "store", s.Name(), "count", removed, "max_age", maxAge)
	}
	return removed, nil
}

// TrimToSize deletes entries in the order chosen by strategy until the
// measured store size is at or below targetSize. It is a one-shot scan;
// calling it again right away finds nothing to do.
func TrimToSize(ctx context.Context, s Store, targetSize int64, strategy Strategy) (TrimResult, error) {
	cands, current, err := Scan(ctx, s)
	if err != nil {
		return TrimResult{}, err
	}
	res := TrimResult{SizeBefore: current, SizeAfter: current}
	if current <= targetSize {
		return res, nil
	}
	if targetSize < 0 {
		targetSize = 0
	}

	victims := strategy.Victims(cands, current, targetSize)
	for _, v := range victims {
		ok, err := s.Delete(ctx, v.Key)
		if err != nil {
			errutil.LogMsg(err, "Failed to evict entry", "store", s.Name(), "key", v.Key.String())
			continue
		}
		if ok {
			res.Removed++
		}
		// Gone either way.
		res.SizeAfter -= v.Size
	}

	slog.Info("Trimmed cache store", "store", s.Name(), "removed", res.Removed, "size_before", res.SizeBefore, "size_after", res.SizeAfter, "target", targetSize)
	return res, nil
}
