package reconcile

import (
	"context"
	"fmt"

	"github.com/juju/clock"

	"codeshelf/internal/util"
)

type pendingEdit struct {
	timer clock.Timer
}

// Create shows draft immediately under a temporary key and persists it. On success the
// confirmed entity takes the temporary one's place; on failure the temporary one is removed.
func (c *Collection[T]) Create(ctx context.Context, draft T) (T, error) {
	var zero T
	if c.persister == nil {
		return zero, ErrNoPersister
	}
	tempKey := util.NewID(tempPrefix)
	item := c.schema.WithKey(draft, tempKey)

	c.mu.Lock()
	c.optimistic = append(c.optimistic, item)
	c.mu.Unlock()
	c.changed()

	created, err := c.persister.Create(ctx, item)
	if err != nil {
		c.mu.Lock()
		c.optimistic = c.without(c.optimistic, tempKey)
		c.mu.Unlock()
		c.changed()
		return zero, fmt.Errorf("create %s: %w", c.name, err)
	}

	key := c.schema.Key(created)
	c.mu.Lock()
	if c.indexOf(c.authoritative, key) < 0 {
		c.authoritative = append(c.authoritative, created)
	}
	if c.indexOf(c.optimistic, key) >= 0 {
		// The stream delivered the INSERT first.
		c.optimistic = c.without(c.optimistic, tempKey)
	} else {
		c.optimistic = c.replace(c.optimistic, tempKey, created)
	}
	c.mu.Unlock()
	c.changed()
	return created, nil
}

// Edit applies mutate to the optimistic entity now and persists it once edits for key have
// been quiet for the debounce interval. Failures surface through OnError.
func (c *Collection[T]) Edit(key string, mutate func(T) T) error {
	if c.persister == nil {
		return ErrNoPersister
	}
	if isTemporary(key) {
		return ErrNotConfirmed
	}

	c.mu.Lock()
	i := c.indexOf(c.optimistic, key)
	if i < 0 {
		c.mu.Unlock()
		return ErrNotFound
	}
	edited := c.schema.WithKey(mutate(c.optimistic[i]), key)
	c.optimistic = c.replace(c.optimistic, key, edited)

	c.cancelEditLocked(key)
	edit := &pendingEdit{}
	edit.timer = c.clock.AfterFunc(c.debounce, func() {
		c.fire(key, edit)
	})
	c.pending[key] = edit
	c.mu.Unlock()

	c.changed()
	return nil
}

// Flush persists every pending edit now and returns the first failure.
func (c *Collection[T]) Flush(ctx context.Context) error {
	c.mu.Lock()
	keys := make([]string, 0, len(c.pending))
	for key := range c.pending {
		keys = append(keys, key)
		c.cancelEditLocked(key)
	}
	c.mu.Unlock()

	var first error
	for _, key := range keys {
		if err := c.persist(ctx, key); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Pending reports how many keys have edits waiting for the debounce interval.
func (c *Collection[T]) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Delete removes key from the optimistic view, fires OnRemove and persists the deletion.
// On failure the entity is restored from the authoritative view and the error returned.
func (c *Collection[T]) Delete(ctx context.Context, key string) error {
	if c.persister == nil {
		return ErrNoPersister
	}
	if isTemporary(key) {
		return ErrNotConfirmed
	}

	c.mu.Lock()
	i := c.indexOf(c.optimistic, key)
	if i < 0 {
		c.mu.Unlock()
		return ErrNotFound
	}
	var confirmed T
	hadConfirmed := false
	if j := c.indexOf(c.authoritative, key); j >= 0 {
		confirmed, hadConfirmed = c.authoritative[j], true
	}
	c.cancelEditLocked(key)
	c.optimistic = c.without(c.optimistic, key)
	c.mu.Unlock()

	c.removed(key)
	c.changed()

	if err := c.persister.Delete(ctx, key); err != nil {
		if hadConfirmed {
			c.mu.Lock()
			if c.indexOf(c.authoritative, key) < 0 {
				c.authoritative = append(c.authoritative, confirmed)
			}
			if c.indexOf(c.optimistic, key) < 0 {
				c.optimistic = insertAt(c.optimistic, i, confirmed)
			}
			c.mu.Unlock()
			c.changed()
		}
		return fmt.Errorf("delete %s %s: %w", c.name, key, err)
	}

	c.mu.Lock()
	c.authoritative = c.without(c.authoritative, key)
	c.mu.Unlock()
	return nil
}

func (c *Collection[T]) fire(key string, edit *pendingEdit) {
	c.mu.Lock()
	if c.pending[key] != edit {
		c.mu.Unlock()
		return
	}
	delete(c.pending, key)
	c.mu.Unlock()

	if err := c.persist(context.Background(), key); err != nil {
		c.failed(err)
	}
}

// persist sends the current optimistic state of key. A failure rolls the optimistic entity
// back to its authoritative state.
func (c *Collection[T]) persist(ctx context.Context, key string) error {
	c.mu.Lock()
	i := c.indexOf(c.optimistic, key)
	if i < 0 {
		c.mu.Unlock()
		return nil
	}
	item := c.optimistic[i]
	c.mu.Unlock()

	updated, err := c.persister.Update(ctx, item)
	if err != nil {
		c.mu.Lock()
		if j := c.indexOf(c.authoritative, key); j >= 0 {
			c.optimistic = c.replace(c.optimistic, key, c.authoritative[j])
		} else {
			c.optimistic = c.without(c.optimistic, key)
		}
		c.mu.Unlock()
		c.changed()
		return fmt.Errorf("update %s %s: %w", c.name, key, err)
	}

	c.mu.Lock()
	if c.indexOf(c.authoritative, key) >= 0 {
		c.authoritative = c.replace(c.authoritative, key, updated)
	}
	_, stillEditing := c.pending[key]
	if !stillEditing && c.indexOf(c.optimistic, key) >= 0 {
		c.optimistic = c.replace(c.optimistic, key, updated)
	}
	c.mu.Unlock()
	c.changed()
	return nil
}

func (c *Collection[T]) cancelEditLocked(key string) {
	if edit, ok := c.pending[key]; ok {
		edit.timer.Stop()
		delete(c.pending, key)
	}
}

func insertAt[T any](items []T, i int, item T) []T {
	if i > len(items) {
		i = len(items)
	}
	out := make([]T, 0, len(items)+1)
	out = append(out, items[:i]...)
	out = append(out, item)
	return append(out, items[i:]...)
}
