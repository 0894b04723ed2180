package metrics

import (
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// queryCache is a bounded TTL cache of query results. Lookups use Peek so
// reads never refresh an entry; when full, the oldest insertion is evicted.
// The LRU carries its own lock, independent of any series lock.
type queryCache struct {
	lru *expirable.LRU[string, *Result]
}

func newQueryCache(size int, ttl time.Duration) *queryCache {
	return &queryCache{lru: expirable.NewLRU[string, *Result](size, nil, ttl)}
}

func (c *queryCache) get(key string) (*Result, bool) {
	return c.lru.Peek(key)
}

func (c *queryCache) put(key string, r *Result) {
	c.lru.Add(key, r)
}

func (c *queryCache) len() int {
	return c.lru.Len()
}

// dropMetric removes every entry cached for the named metric.
func (c *queryCache) dropMetric(name string) {
	prefix := name + "\x00"
	for _, k := range c.lru.Keys() {
		if strings.HasPrefix(k, prefix) {
			c.lru.Remove(k)
		}
	}
}
