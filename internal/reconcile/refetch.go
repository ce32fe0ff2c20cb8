package reconcile

import (
	"context"
	"fmt"
	"log"
	"time"
)

const (
	fetchTimeout  = 10 * time.Second
	fetchAttempts = 3
)

// Fetcher reads one entity back from the server. Collections use it when a stream frame
// arrives without some of the entity's fields.
type Fetcher[T any] interface {
	Fetch(ctx context.Context, key string) (T, error)
}

func WithFetcher[T any](f Fetcher[T]) Option[T] {
	return func(c *Collection[T]) {
		c.fetcher = f
	}
}

// refetch replaces the entity under key with a fresh read. A read overtaken by a newer frame
// for the same key is thrown away and repeated. A pending local edit keeps the optimistic
// entity as it is.
func (c *Collection[T]) refetch(key string) {
	if c.fetcher == nil {
		log.Printf("reconcile: %s: partial frame for %s and no fetcher", c.name, key)
		return
	}
	go func() {
		for attempt := 0; attempt < fetchAttempts; attempt++ {
			c.mu.Lock()
			seq := c.seq[key]
			c.mu.Unlock()

			ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
			item, err := c.fetcher.Fetch(ctx, key)
			cancel()

			c.mu.Lock()
			inAuthoritative := c.indexOf(c.authoritative, key) >= 0
			inOptimistic := c.indexOf(c.optimistic, key) >= 0
			if !inAuthoritative && !inOptimistic {
				// Deleted meanwhile.
				c.mu.Unlock()
				return
			}
			if err != nil {
				c.mu.Unlock()
				c.failed(fmt.Errorf("refetch %s %s: %w", c.name, key, err))
				return
			}
			if c.seq[key] != seq {
				c.mu.Unlock()
				continue
			}
			if inAuthoritative {
				c.authoritative = c.replace(c.authoritative, key, item)
			}
			if _, editing := c.pending[key]; inOptimistic && !editing {
				c.optimistic = c.replace(c.optimistic, key, item)
			}
			c.mu.Unlock()
			c.changed()
			return
		}
		log.Printf("reconcile: %s: gave up refetching %s after %d attempts", c.name, key, fetchAttempts)
	}()
}
