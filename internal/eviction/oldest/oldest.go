package oldest

import (
	"sort"

	"github.com/lucasew/swcache/internal/eviction"
)

// Oldest evicts entries by write time, oldest first. Entries without a
// Cache-Time count as oldest; ties are broken by key order so repeated passes
// over the same store pick the same victims.
type Oldest struct{}

func init() {
	eviction.Register("oldest", func() eviction.Strategy {
		return New()
	})
}

func New() *Oldest {
	return &Oldest{}
}

func (Oldest) Victims(cands []eviction.Candidate, currentSize int64, targetSize int64) []eviction.Candidate {
	ordered := make([]eviction.Candidate, len(cands))
	copy(ordered, cands)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.HasTime != b.HasTime {
			return !a.HasTime
		}
		if !a.CacheTime.Equal(b.CacheTime) {
			return a.CacheTime.Before(b.CacheTime)
		}
		return a.Key.String() < b.Key.String()
	})
	return eviction.TakeUntil(ordered, currentSize, targetSize)
}
