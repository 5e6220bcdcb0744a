package knowledge

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/toankh-dev/chat-bot-sub001/pkg/models"
)

// Cached memoizes retrieval results for a short TTL. Follow-up turns in a
// conversation tend to repeat the same lookup.
type Cached struct {
	next  Retriever
	cache *ristretto.Cache
	ttl   time.Duration
}

func NewCached(next Retriever, ttl time.Duration, maxCost int64) (*Cached, error) {
	if maxCost <= 0 {
		maxCost = 1 << 20
	}
	numCounters := maxCost / 10
	if numCounters < 1000 {
		numCounters = 1000
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: numCounters,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("creating retrieval cache: %w", err)
	}
	return &Cached{next: next, cache: cache, ttl: ttl}, nil
}

func (c *Cached) Retrieve(ctx context.Context, query string, topK int) ([]models.Citation, error) {
	key := strconv.Itoa(topK) + "\x00" + query
	if v, ok := c.cache.Get(key); ok {
		return cloneCitations(v.([]models.Citation)), nil
	}

	out, err := c.next.Retrieve(ctx, query, topK)
	if err != nil {
		return nil, err
	}

	var cost int64 = 1
	for _, cit := range out {
		cost += int64(len(cit.Excerpt))
	}
	c.cache.SetWithTTL(key, cloneCitations(out), cost, c.ttl)
	c.cache.Wait()
	return out, nil
}

func (c *Cached) Close() {
	c.cache.Close()
}

func cloneCitations(in []models.Citation) []models.Citation {
	if in == nil {
		return nil
	}
	out := make([]models.Citation, len(in))
	copy(out, in)
	return out
}
