// Package reconcile keeps a client-side collection of entities in step with a live stream
// while letting local mutations show up before the server confirms them.
//
// A Collection holds two views. The authoritative view is what the server has confirmed,
// either through stream frames or successful persistence calls. The optimistic view is what
// the presentation layer reads: the authoritative view plus local changes still in flight.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/juju/clock"

	"codeshelf/internal/util"
	"codeshelf/internal/wire"
)

const (
	DefaultDebounce = 500 * time.Millisecond
	tempPrefix      = "tmp"
)

var (
	ErrNotFound     = errors.New("entity not found")
	ErrNoPersister  = errors.New("collection has no persister")
	ErrNotConfirmed = errors.New("entity is not confirmed by the server yet")
)

// Schema tells a collection how to read and assign an entity's identity.
type Schema[T any] struct {
	Key     func(T) string
	WithKey func(T, string) T
}

// Persister writes local mutations to the server.
type Persister[T any] interface {
	Create(ctx context.Context, item T) (T, error)
	Update(ctx context.Context, item T) (T, error)
	Delete(ctx context.Context, key string) error
}

type Collection[T any] struct {
	name      string
	schema    Schema[T]
	persister Persister[T]
	fetcher   Fetcher[T]
	clock     clock.Clock
	debounce  time.Duration

	mu            sync.Mutex
	authoritative []T
	optimistic    []T
	pending       map[string]*pendingEdit
	// seq counts update frames per key so a refetch can tell it was overtaken.
	seq map[string]uint64

	hooksMu  sync.Mutex
	onError  []func(error)
	onRemove []func(key string)
	onChange []func()
}

type Option[T any] func(*Collection[T])

// WithPersister sets the write path. A persister that can also read entities back is used
// as the fetcher too.
func WithPersister[T any](p Persister[T]) Option[T] {
	return func(c *Collection[T]) {
		c.persister = p
		if f, ok := p.(Fetcher[T]); ok && c.fetcher == nil {
			c.fetcher = f
		}
	}
}

func WithDebounce[T any](d time.Duration) Option[T] {
	return func(c *Collection[T]) {
		if d > 0 {
			c.debounce = d
		}
	}
}

func WithClock[T any](clk clock.Clock) Option[T] {
	return func(c *Collection[T]) {
		c.clock = clk
	}
}

// New creates an empty collection. name only shows up in log lines.
func New[T any](name string, schema Schema[T], opts ...Option[T]) *Collection[T] {
	c := &Collection[T]{
		name:     name,
		schema:   schema,
		clock:    clock.WallClock,
		debounce: DefaultDebounce,
		pending:  make(map[string]*pendingEdit),
		seq:      make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnError registers fn for failures of background persistence (debounced edits).
func (c *Collection[T]) OnError(fn func(error)) {
	c.hooksMu.Lock()
	defer c.hooksMu.Unlock()
	c.onError = append(c.onError, fn)
}

// OnRemove registers fn for entities leaving the optimistic view, local or remote.
func (c *Collection[T]) OnRemove(fn func(key string)) {
	c.hooksMu.Lock()
	defer c.hooksMu.Unlock()
	c.onRemove = append(c.onRemove, fn)
}

// OnChange registers fn for any change of the optimistic view.
func (c *Collection[T]) OnChange(fn func()) {
	c.hooksMu.Lock()
	defer c.hooksMu.Unlock()
	c.onChange = append(c.onChange, fn)
}

// Items returns a copy of the optimistic view.
func (c *Collection[T]) Items() []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]T(nil), c.optimistic...)
}

// Authoritative returns a copy of the server-confirmed view.
func (c *Collection[T]) Authoritative() []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]T(nil), c.authoritative...)
}

func (c *Collection[T]) Get(key string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i := c.indexOf(c.optimistic, key); i >= 0 {
		return c.optimistic[i], true
	}
	var zero T
	return zero, false
}

// Callback adapts the collection to raw stream frames encoded with codec. Frames that fail to
// decode or apply are logged and leave the collection untouched.
func (c *Collection[T]) Callback(codec wire.Codec) func([]byte) {
	return func(data []byte) {
		frame, err := codec.Unmarshal(data)
		if err != nil {
			log.Printf("reconcile: %s: %v", c.name, err)
			return
		}
		if err := c.Apply(frame); err != nil {
			log.Printf("reconcile: %s: %v", c.name, err)
		}
	}
}

// Apply merges one stream frame into both views. It is idempotent for INSERT and DELETE, so
// a replayed frame never duplicates or resurrects an entity.
func (c *Collection[T]) Apply(frame wire.Frame) error {
	switch frame.Type {
	case wire.TypeHeartbeat:
		return nil
	case wire.TypeInitial:
		return c.applyInitial(frame.Rows)
	case wire.TypeUpdate:
	default:
		return fmt.Errorf("unknown frame type %q", frame.Type)
	}

	var err error
	switch frame.Action {
	case wire.ActionInsert:
		err = c.applyInsert(frame.Payload)
	case wire.ActionUpdate:
		err = c.applyUpdate(frame.Payload)
	case wire.ActionDelete:
		return c.applyDelete(frame.Previous)
	default:
		return fmt.Errorf("unknown frame action %q", frame.Action)
	}
	if err != nil {
		return err
	}

	key, err := c.keyOf(frame.Payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.seq[key]++
	c.mu.Unlock()
	if frame.Partial {
		c.refetch(key)
	}
	return nil
}

func (c *Collection[T]) keyOf(raw json.RawMessage) (string, error) {
	var item T
	if err := json.Unmarshal(raw, &item); err != nil {
		return "", fmt.Errorf("decode %s key: %w", c.name, err)
	}
	return c.schema.Key(item), nil
}

func (c *Collection[T]) applyInitial(rows []json.RawMessage) error {
	items := make([]T, 0, len(rows))
	for _, raw := range rows {
		var item T
		if err := json.Unmarshal(raw, &item); err != nil {
			return fmt.Errorf("decode %s snapshot row: %w", c.name, err)
		}
		items = append(items, item)
	}

	c.mu.Lock()
	present := make(map[string]bool, len(items))
	for _, item := range items {
		present[c.schema.Key(item)] = true
	}
	var removed []string
	for _, item := range c.optimistic {
		key := c.schema.Key(item)
		if !present[key] && !isTemporary(key) {
			removed = append(removed, key)
			c.cancelEditLocked(key)
		}
	}
	// Local state wins for keys with an edit still waiting to be persisted.
	optimistic := append([]T(nil), items...)
	for i, item := range optimistic {
		key := c.schema.Key(item)
		if _, editing := c.pending[key]; !editing {
			continue
		}
		if j := c.indexOf(c.optimistic, key); j >= 0 {
			optimistic[i] = c.optimistic[j]
		}
	}
	for _, item := range c.optimistic {
		if isTemporary(c.schema.Key(item)) {
			optimistic = append(optimistic, item)
		}
	}
	c.authoritative = items
	c.optimistic = optimistic
	c.mu.Unlock()

	for _, key := range removed {
		c.removed(key)
	}
	c.changed()
	return nil
}

func (c *Collection[T]) applyInsert(payload json.RawMessage) error {
	var item T
	if err := json.Unmarshal(payload, &item); err != nil {
		return fmt.Errorf("decode %s insert: %w", c.name, err)
	}
	key := c.schema.Key(item)
	if key == "" {
		return fmt.Errorf("%s insert without key", c.name)
	}

	c.mu.Lock()
	changed := false
	if c.indexOf(c.authoritative, key) < 0 {
		c.authoritative = append(c.authoritative, item)
	}
	if c.indexOf(c.optimistic, key) < 0 {
		c.optimistic = append(c.optimistic, item)
		changed = true
	}
	c.mu.Unlock()

	if changed {
		c.changed()
	}
	return nil
}

func (c *Collection[T]) applyUpdate(payload json.RawMessage) error {
	var patch T
	if err := json.Unmarshal(payload, &patch); err != nil {
		return fmt.Errorf("decode %s update: %w", c.name, err)
	}
	key := c.schema.Key(patch)

	c.mu.Lock()
	changed := false
	for _, view := range []*[]T{&c.authoritative, &c.optimistic} {
		i := c.indexOf(*view, key)
		if i < 0 {
			continue
		}
		merged, err := merge((*view)[i], payload)
		if err != nil {
			c.mu.Unlock()
			return fmt.Errorf("merge %s update: %w", c.name, err)
		}
		(*view)[i] = merged
		changed = true
	}
	c.mu.Unlock()

	if changed {
		c.changed()
	}
	return nil
}

func (c *Collection[T]) applyDelete(previous json.RawMessage) error {
	var old T
	if err := json.Unmarshal(previous, &old); err != nil {
		return fmt.Errorf("decode %s delete: %w", c.name, err)
	}
	key := c.schema.Key(old)

	c.mu.Lock()
	c.authoritative = c.without(c.authoritative, key)
	before := len(c.optimistic)
	c.optimistic = c.without(c.optimistic, key)
	gone := len(c.optimistic) != before
	if gone {
		c.cancelEditLocked(key)
	}
	delete(c.seq, key)
	c.mu.Unlock()

	if gone {
		c.removed(key)
		c.changed()
	}
	return nil
}

func (c *Collection[T]) indexOf(items []T, key string) int {
	for i, item := range items {
		if c.schema.Key(item) == key {
			return i
		}
	}
	return -1
}

func (c *Collection[T]) without(items []T, key string) []T {
	i := c.indexOf(items, key)
	if i < 0 {
		return items
	}
	return append(items[:i:i], items[i+1:]...)
}

// replace swaps the entity stored under key, appending when it is missing.
func (c *Collection[T]) replace(items []T, key string, item T) []T {
	if i := c.indexOf(items, key); i >= 0 {
		out := append([]T(nil), items...)
		out[i] = item
		return out
	}
	return append(items, item)
}

func (c *Collection[T]) changed() {
	c.hooksMu.Lock()
	hooks := append([]func(){}, c.onChange...)
	c.hooksMu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

func (c *Collection[T]) removed(key string) {
	c.hooksMu.Lock()
	hooks := append([]func(string){}, c.onRemove...)
	c.hooksMu.Unlock()
	for _, fn := range hooks {
		fn(key)
	}
}

func (c *Collection[T]) failed(err error) {
	log.Printf("reconcile: %s: %v", c.name, err)
	c.hooksMu.Lock()
	hooks := append([]func(error){}, c.onError...)
	c.hooksMu.Unlock()
	for _, fn := range hooks {
		fn(err)
	}
}

func isTemporary(key string) bool {
	return util.HasPrefix(key, tempPrefix)
}

// merge overlays the top-level fields present in patch onto base.
func merge[T any](base T, patch json.RawMessage) (T, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(patch, &fields); err != nil {
		return base, err
	}
	current, err := json.Marshal(base)
	if err != nil {
		return base, err
	}
	merged := make(map[string]json.RawMessage)
	if err := json.Unmarshal(current, &merged); err != nil {
		return base, err
	}
	for name, value := range fields {
		merged[name] = value
	}
	body, err := json.Marshal(merged)
	if err != nil {
		return base, err
	}
	var out T
	if err := json.Unmarshal(body, &out); err != nil {
		return base, err
	}
	return out, nil
}
