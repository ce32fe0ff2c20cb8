package livestream

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
)

type fakeConn struct {
	mu          sync.Mutex
	rows        []json.RawMessage
	snapshotErr error
	listenErr   error
	snapshotSQL string
	args        []any
	listened    []string
	unlistens   int
	releases    int

	notes chan Notification
	errs  chan error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		notes: make(chan Notification),
		errs:  make(chan error, 1),
	}
}

func (c *fakeConn) Snapshot(_ context.Context, query string, args ...any) ([]json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshotSQL = query
	c.args = args
	if c.snapshotErr != nil {
		return nil, c.snapshotErr
	}
	return c.rows, nil
}

func (c *fakeConn) Listen(_ context.Context, channel string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listenErr != nil {
		return c.listenErr
	}
	c.listened = append(c.listened, channel)
	return nil
}

func (c *fakeConn) Unlisten(context.Context, string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unlistens++
	return nil
}

func (c *fakeConn) WaitForNotification(ctx context.Context) (Notification, error) {
	select {
	case n := <-c.notes:
		return n, nil
	case err := <-c.errs:
		return Notification{}, err
	case <-ctx.Done():
		return Notification{}, ctx.Err()
	}
}

func (c *fakeConn) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releases++
}

func (c *fakeConn) counts() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unlistens, c.releases
}

type fakeSource struct {
	conn *fakeConn
	err  error
}

func (s *fakeSource) Acquire(context.Context) (Conn, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.conn, nil
}

func snippetRequest(owner string) Request {
	return Request{
		OwnerID: owner,
		Query:   "SELECT json_build_object('id', id) FROM snippets WHERE user_id = $1",
		Channel: "snippet_changes",
		Key:     "snippets",
	}
}

func nextFrame(t *testing.T, s *Stream) string {
	t.Helper()
	select {
	case frame, ok := <-s.Frames():
		if !ok {
			t.Fatal("stream closed while waiting for frame")
		}
		return string(frame)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
	}
	return ""
}

func notify(t *testing.T, conn *fakeConn, payload string) {
	t.Helper()
	select {
	case conn.notes <- Notification{Channel: "snippet_changes", Payload: payload}:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out delivering notification")
	}
}

func TestStreamSendsSnapshotThenOwnedUpdates(t *testing.T) {
	conn := newFakeConn()
	conn.rows = []json.RawMessage{json.RawMessage(`{"id":"S0"}`)}
	builder := NewBuilder(&fakeSource{conn: conn}, WithClock(testclock.NewClock(time.Now())))

	stream, err := builder.Open(context.Background(), snippetRequest("U1"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer stream.Close()

	if got := nextFrame(t, stream); got != "data: {\"snippets\":[{\"id\":\"S0\"}],\"type\":\"initial\"}\n\n" {
		t.Fatalf("unexpected initial frame: %q", got)
	}
	if len(conn.args) != 1 || conn.args[0] != "U1" {
		t.Fatalf("expected owner as first parameter, got %v", conn.args)
	}
	if len(conn.listened) != 1 || conn.listened[0] != "snippet_changes" {
		t.Fatalf("expected LISTEN snippet_changes, got %v", conn.listened)
	}

	notify(t, conn, `{"action":"INSERT","userid":"U2","data":{"id":"S9","userId":"U2"}}`)
	notify(t, conn, `{not json`)
	notify(t, conn, `{"action":"INSERT","userid":"U1","data":{"id":"S1","userId":"U1","title":"a.ts"},"old_data":null}`)

	got := nextFrame(t, stream)
	if strings.Contains(got, "S9") {
		t.Fatalf("foreign notification leaked: %q", got)
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(got, "data: "))), &decoded); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if decoded["type"] != "update" || decoded["action"] != "INSERT" {
		t.Fatalf("unexpected frame: %v", decoded)
	}
	snippet, _ := decoded["snippets"].(map[string]any)
	if snippet["id"] != "S1" || snippet["title"] != "a.ts" {
		t.Fatalf("unexpected payload: %v", decoded["snippets"])
	}
}

func TestStreamNumericOwnerIsStringCompared(t *testing.T) {
	conn := newFakeConn()
	builder := NewBuilder(&fakeSource{conn: conn}, WithClock(testclock.NewClock(time.Now())))
	stream, err := builder.Open(context.Background(), snippetRequest("42"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer stream.Close()
	nextFrame(t, stream)

	notify(t, conn, `{"action":"DELETE","userid":42,"old_data":{"id":"S1"}}`)
	got := nextFrame(t, stream)
	if !strings.Contains(got, `"old_data":{"id":"S1"}`) || !strings.Contains(got, `"DELETE"`) {
		t.Fatalf("unexpected delete frame: %q", got)
	}
}

func TestStreamAppendsExtraQueryArgs(t *testing.T) {
	conn := newFakeConn()
	builder := NewBuilder(&fakeSource{conn: conn}, WithClock(testclock.NewClock(time.Now())))
	req := snippetRequest("U1")
	req.Args = []any{"folder-1"}
	stream, err := builder.Open(context.Background(), req)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer stream.Close()
	if len(conn.args) != 2 || conn.args[0] != "U1" || conn.args[1] != "folder-1" {
		t.Fatalf("unexpected args: %v", conn.args)
	}
}

func TestOpenFailsBeforeFirstFrameOnSnapshotError(t *testing.T) {
	conn := newFakeConn()
	conn.snapshotErr = errors.New("relation does not exist")
	builder := NewBuilder(&fakeSource{conn: conn})

	stream, err := builder.Open(context.Background(), snippetRequest("U1"))
	if err == nil {
		stream.Close()
		t.Fatal("expected snapshot error")
	}
	if len(conn.listened) != 0 {
		t.Fatalf("LISTEN must not run after a failed snapshot, got %v", conn.listened)
	}
	unlistens, releases := conn.counts()
	if releases != 1 || unlistens != 0 {
		t.Fatalf("expected one release and no unlisten, got releases=%d unlistens=%d", releases, unlistens)
	}
}

func TestOpenRequiresOwner(t *testing.T) {
	builder := NewBuilder(&fakeSource{conn: newFakeConn()})
	if _, err := builder.Open(context.Background(), snippetRequest("  ")); err == nil {
		t.Fatal("expected error for missing owner")
	}
}

func TestStreamCleanupRunsOnceForCancelAndConnError(t *testing.T) {
	conn := newFakeConn()
	builder := NewBuilder(&fakeSource{conn: conn}, WithClock(testclock.NewClock(time.Now())))
	ctx, cancel := context.WithCancel(context.Background())

	stream, err := builder.Open(ctx, snippetRequest("U1"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	nextFrame(t, stream)

	conn.errs <- errors.New("connection reset by peer")
	cancel()

	select {
	case <-stream.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not clean up")
	}
	stream.Close()
	stream.Close()

	unlistens, releases := conn.counts()
	if unlistens != 1 || releases != 1 {
		t.Fatalf("expected exactly one unlisten and release, got unlistens=%d releases=%d", unlistens, releases)
	}
	if _, ok := <-stream.Frames(); ok {
		t.Fatal("expected frames channel to be closed")
	}
}

func TestStreamHeartbeat(t *testing.T) {
	conn := newFakeConn()
	clk := testclock.NewClock(time.Now())
	builder := NewBuilder(&fakeSource{conn: conn}, WithClock(clk), WithHeartbeat(30*time.Second))

	stream, err := builder.Open(context.Background(), snippetRequest("U1"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer stream.Close()
	nextFrame(t, stream)

	for i := 0; i < 2; i++ {
		if err := clk.WaitAdvance(30*time.Second, 2*time.Second, 1); err != nil {
			t.Fatalf("WaitAdvance() error = %v", err)
		}
		if got := nextFrame(t, stream); got != "data: {\"type\":\"heartbeat\"}\n\n" {
			t.Fatalf("unexpected heartbeat frame: %q", got)
		}
	}
}

func TestStreamDropsNotificationsFromOtherChannels(t *testing.T) {
	conn := newFakeConn()
	builder := NewBuilder(&fakeSource{conn: conn}, WithClock(testclock.NewClock(time.Now())))
	stream, err := builder.Open(context.Background(), snippetRequest("U1"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer stream.Close()
	nextFrame(t, stream)

	select {
	case conn.notes <- Notification{
		Channel: "folder_changes",
		Payload: `{"action":"INSERT","userid":"U1","data":{"id":"F1","userId":"U1","name":"docs"}}`,
	}:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out delivering notification")
	}
	notify(t, conn, `{"action":"INSERT","userid":"U1","data":{"id":"S1","userId":"U1","title":"a.ts"}}`)

	got := nextFrame(t, stream)
	if strings.Contains(got, "F1") || !strings.Contains(got, `"id":"S1"`) {
		t.Fatalf("expected only the snippet notification, got %q", got)
	}
}

func TestStreamMarksTruncatedEnvelopesPartial(t *testing.T) {
	conn := newFakeConn()
	builder := NewBuilder(&fakeSource{conn: conn}, WithClock(testclock.NewClock(time.Now())))
	stream, err := builder.Open(context.Background(), snippetRequest("U1"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer stream.Close()
	nextFrame(t, stream)

	notify(t, conn, `{"action":"UPDATE","userid":"U1","data":{"id":"S1","userId":"U1","title":"big.txt"},"truncated":true}`)
	if got := nextFrame(t, stream); !strings.Contains(got, `"partial":true`) {
		t.Fatalf("expected a partial frame, got %q", got)
	}

	notify(t, conn, `{"action":"UPDATE","userid":"U1","data":{"id":"S1","userId":"U1","title":"small.txt","content":"x"}}`)
	if got := nextFrame(t, stream); strings.Contains(got, "partial") {
		t.Fatalf("complete envelope marked partial: %q", got)
	}
}
