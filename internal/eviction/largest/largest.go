package largest

import (
	"sort"

	"github.com/lucasew/swcache/internal/eviction"
)

// Largest evicts the biggest entries first, falling back to write time and
// then key order. It frees space with the fewest deletions.
type Largest struct{}

func init() {
	eviction.Register("largest", func() eviction.Strategy {
		return New()
	})
}

func New() *Largest {
	return &Largest{}
}

func (Largest) Victims(cands []eviction.Candidate, currentSize int64, targetSize int64) []eviction.Candidate {
	ordered := make([]eviction.Candidate, len(cands))
	copy(ordered, cands)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.Size != b.Size {
			return a.Size > b.Size
		}
		if !a.CacheTime.Equal(b.CacheTime) {
			return a.CacheTime.Before(b.CacheTime)
		}
		return a.Key.String() < b.Key.String()
	})
	return eviction.TakeUntil(ordered, currentSize, targetSize)
}
