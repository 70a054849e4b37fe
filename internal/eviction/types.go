package eviction

import (
	"context"
	"time"

	"github.com/lucasew/swcache/internal/cachestore"
)

// Candidate describes a cached entry considered for eviction.
type Candidate struct {
	Key       cachestore.Key
	Size      int64
	CacheTime time.Time
	// HasTime is false for entries without a Cache-Time header. Those are
	// exempt from age-based eviction.
	HasTime bool
}

// Strategy decides which entries go first when trimming by size.
type Strategy interface {
	// Victims returns, in deletion order, the candidates to remove so that
	// currentSize drops to targetSize or below.
	Victims(cands []Candidate, currentSize int64, targetSize int64) []Candidate
}

// Store is the subset of a cache store the engine needs.
type Store interface {
	Name() string
	Walk(ctx context.Context, fn func(cachestore.Key, *cachestore.Entry) error) error
	Delete(ctx context.Context, key cachestore.Key) (bool, error)
}

// TakeUntil walks ordered candidates, collecting them until the running size
// is at or below targetSize. Strategies sort and then delegate here.
func TakeUntil(ordered []Candidate, currentSize int64, targetSize int64) []Candidate {
	var victims []Candidate
	size := currentSize
	for _, c := range ordered {
		if size <= targetSize {
			break
		}
		victims = append(victims, c)
		size -= c.Size
	}
	return victims
}
