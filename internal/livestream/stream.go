// Package livestream bridges database change notifications to per-user event streams.
package livestream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"

	"codeshelf/internal/wire"
)

const (
	DefaultHeartbeat = 30 * time.Second
	frameBuffer      = 16
	unlistenTimeout  = 5 * time.Second
)

// Envelope is the payload published by the notification triggers.
type Envelope struct {
	Action  wire.Action     `json:"action"`
	UserID  json.RawMessage `json:"userid"`
	Data    json.RawMessage `json:"data"`
	OldData json.RawMessage `json:"old_data"`
	// Truncated is set when the trigger dropped content to fit the notification size limit.
	Truncated bool `json:"truncated"`
}

// Owner returns the envelope's owner identity as a string, whatever JSON type carried it.
func (e Envelope) Owner() string {
	var s string
	if err := json.Unmarshal(e.UserID, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(e.UserID))
}

// Request describes one stream: whose rows, how to snapshot them and where changes arrive.
type Request struct {
	OwnerID string
	// Query is run with OwnerID as $1 followed by Args; each row must be a single JSON value.
	Query   string
	Args    []any
	Channel string
	// Key is the frame property that carries entity payloads.
	Key string
}

type Builder struct {
	source    Source
	heartbeat time.Duration
	clock     clock.Clock
}

type Option func(*Builder)

func WithHeartbeat(interval time.Duration) Option {
	return func(b *Builder) {
		if interval > 0 {
			b.heartbeat = interval
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(b *Builder) {
		b.clock = c
	}
}

func NewBuilder(source Source, opts ...Option) *Builder {
	b := &Builder{
		source:    source,
		heartbeat: DefaultHeartbeat,
		clock:     clock.WallClock,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Open acquires a dedicated connection, snapshots the owner's rows and starts listening.
// Any error is returned before a single frame exists; after Open succeeds the stream only
// ends through cleanup. ctx is the stream's cancellation signal.
func (b *Builder) Open(ctx context.Context, req Request) (*Stream, error) {
	if strings.TrimSpace(req.OwnerID) == "" {
		return nil, errors.New("stream owner is required")
	}
	conn, err := b.source.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	args := append([]any{req.OwnerID}, req.Args...)
	rows, err := conn.Snapshot(ctx, req.Query, args...)
	if err != nil {
		conn.Release()
		return nil, fmt.Errorf("snapshot %s: %w", req.Key, err)
	}

	codec := wire.Codec{Key: req.Key}
	initial, err := codec.Encode(wire.Initial(rows))
	if err != nil {
		conn.Release()
		return nil, fmt.Errorf("encode %s snapshot: %w", req.Key, err)
	}

	if err := conn.Listen(ctx, req.Channel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("listen %s: %w", req.Channel, err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	s := &Stream{
		conn:       conn,
		ownerID:    req.OwnerID,
		channel:    req.Channel,
		codec:      codec,
		heartbeat:  b.heartbeat,
		clock:      b.clock,
		frames:     make(chan []byte, frameBuffer),
		done:       make(chan struct{}),
		waiterDone: make(chan struct{}),
		cancel:     cancel,
	}
	s.frames <- initial
	go s.run(streamCtx)
	return s, nil
}

// Stream is one live subscription. Frames are already encoded as text/event-stream events.
type Stream struct {
	conn      Conn
	ownerID   string
	channel   string
	codec     wire.Codec
	heartbeat time.Duration
	clock     clock.Clock

	frames     chan []byte
	done       chan struct{}
	waiterDone chan struct{}
	cancel     context.CancelFunc
	cleanup    sync.Once
}

// Frames yields encoded events; it is closed once the stream has been cleaned up.
func (s *Stream) Frames() <-chan []byte {
	return s.frames
}

// Done is closed after cleanup has released the connection.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Close ends the stream and waits for cleanup. Safe to call any number of times.
func (s *Stream) Close() {
	s.cancel()
	<-s.done
}

func (s *Stream) run(ctx context.Context) {
	defer s.release()

	notes := make(chan Notification)
	waitErr := make(chan error, 1)
	go s.wait(ctx, notes, waitErr)

	heartbeat := s.clock.NewTimer(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-waitErr:
			if ctx.Err() == nil {
				log.Printf("livestream: %s listener for %s failed: %v", s.channel, s.ownerID, err)
			}
			return
		case n := <-notes:
			frame, ok := s.translate(n)
			if !ok {
				continue
			}
			if !s.send(ctx, frame) {
				return
			}
		case <-heartbeat.Chan():
			frame, err := s.codec.Encode(wire.Heartbeat())
			if err != nil || !s.send(ctx, frame) {
				return
			}
			heartbeat.Reset(s.heartbeat)
		}
	}
}

func (s *Stream) wait(ctx context.Context, notes chan<- Notification, waitErr chan<- error) {
	defer close(s.waiterDone)
	for {
		n, err := s.conn.WaitForNotification(ctx)
		if err != nil {
			waitErr <- err
			return
		}
		select {
		case notes <- n:
		case <-ctx.Done():
			waitErr <- ctx.Err()
			return
		}
	}
}

func (s *Stream) send(ctx context.Context, frame []byte) bool {
	select {
	case s.frames <- frame:
		return true
	case <-ctx.Done():
		return false
	}
}

// translate turns a notification into an update frame, dropping foreign or malformed ones.
func (s *Stream) translate(n Notification) ([]byte, bool) {
	// A notification buffered for an earlier listener of this connection must not surface
	// under this stream's key.
	if n.Channel != s.channel {
		return nil, false
	}
	var env Envelope
	if err := json.Unmarshal([]byte(n.Payload), &env); err != nil {
		log.Printf("livestream: dropping malformed notification on %s: %v", s.channel, err)
		return nil, false
	}
	if !env.Action.Valid() {
		log.Printf("livestream: dropping notification on %s with action %q", s.channel, env.Action)
		return nil, false
	}
	if env.Owner() != s.ownerID {
		return nil, false
	}
	update := wire.Update(env.Action, env.Data, env.OldData)
	update.Partial = env.Truncated
	frame, err := s.codec.Encode(update)
	if err != nil {
		log.Printf("livestream: encode %s frame: %v", s.channel, err)
		return nil, false
	}
	return frame, true
}

// release runs exactly once no matter whether cancellation or a connection error came first.
func (s *Stream) release() {
	s.cleanup.Do(func() {
		s.cancel()
		<-s.waiterDone

		ctx, cancel := context.WithTimeout(context.Background(), unlistenTimeout)
		defer cancel()
		if err := s.conn.Unlisten(ctx, s.channel); err != nil {
			log.Printf("livestream: unlisten %s: %v", s.channel, err)
		}
		s.conn.Release()
		close(s.frames)
		close(s.done)
	})
}
