package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"clawbridge/internal/logging"
	"clawbridge/internal/protocol"
)

const waitFor = 2 * time.Second

var errPeerClosed = errors.New("peer closed")

type fakeConn struct {
	in     chan []byte
	writes chan []byte
	closed chan struct{}
	once   sync.Once

	mu       sync.Mutex
	writeErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte),
		writes: make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (f *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.closed:
		return nil, errPeerClosed
	case data := <-f.in:
		return data, nil
	}
}

func (f *fakeConn) Write(ctx context.Context, data []byte) error {
	f.mu.Lock()
	err := f.writeErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	f.writes <- data
	return nil
}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) failWrites(err error) {
	f.mu.Lock()
	f.writeErr = err
	f.mu.Unlock()
}

func (f *fakeConn) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

// push hands frames to the reader one by one. Frames pushed after the client
// has closed the conn are dropped.
func (f *fakeConn) push(t *testing.T, frames ...string) {
	t.Helper()
	for _, frame := range frames {
		select {
		case f.in <- []byte(frame):
		case <-f.closed:
			return
		case <-time.After(waitFor):
			t.Fatalf("reader did not take frame %s", frame)
		}
	}
}

func (f *fakeConn) nextRequest(t *testing.T) *protocol.Request {
	t.Helper()
	select {
	case data := <-f.writes:
		env, err := protocol.DecodeEnvelope(data)
		require.NoError(t, err)
		req, ok := env.(*protocol.Request)
		require.True(t, ok, "wrote %T", env)
		return req
	case <-time.After(waitFor):
		t.Fatal("no request written")
		return nil
	}
}

func (f *fakeConn) requireNoWrite(t *testing.T) {
	t.Helper()
	select {
	case data := <-f.writes:
		t.Fatalf("unexpected write: %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}

type fakeDialer struct {
	conns chan *fakeConn

	mu    sync.Mutex
	dials int
	err   error
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conns: make(chan *fakeConn, 16)}
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	d.dials++
	err := d.err
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	c := newFakeConn()
	d.conns <- c
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) next(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-d.conns:
		return c
	case <-time.After(waitFor):
		t.Fatal("no dial")
		return nil
	}
}

type fakeTimer struct {
	delay   time.Duration
	fn      func()
	stopped atomic.Bool
}

func (f *fakeTimer) Stop() bool {
	return !f.stopped.Swap(true)
}

// fire runs the callback; it only posts to the client, so calling it inline is safe.
func (f *fakeTimer) fire() {
	f.fn()
}

type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (c *fakeClock) AfterFunc(d time.Duration, fn func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{delay: d, fn: fn}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

func (c *fakeClock) last() *fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timers[len(c.timers)-1]
}

func (c *fakeClock) delays() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, 0, len(c.timers))
	for _, t := range c.timers {
		out = append(out, t.delay)
	}
	return out
}

type recorder struct {
	mu       sync.Mutex
	chats    []ChatMessage
	tasks    []TaskUpdate
	history  [][]HistoryMessage
	statuses []ConnectionStatus
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnChatMessage: func(m ChatMessage) {
			r.mu.Lock()
			r.chats = append(r.chats, m)
			r.mu.Unlock()
		},
		OnTaskUpdate: func(u TaskUpdate) {
			r.mu.Lock()
			r.tasks = append(r.tasks, u)
			r.mu.Unlock()
		},
		OnHistoryLoaded: func(_ string, msgs []HistoryMessage) {
			r.mu.Lock()
			r.history = append(r.history, msgs)
			r.mu.Unlock()
		},
		OnStatusChange: func(s ConnectionStatus) {
			r.mu.Lock()
			r.statuses = append(r.statuses, s)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) chatMessages() []ChatMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ChatMessage(nil), r.chats...)
}

func (r *recorder) taskUpdates() []TaskUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]TaskUpdate(nil), r.tasks...)
}

func (r *recorder) historyBatches() [][]HistoryMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]HistoryMessage(nil), r.history...)
}

func (r *recorder) statusLog() []ConnectionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ConnectionStatus(nil), r.statuses...)
}

type harness struct {
	client *Client
	dialer *fakeDialer
	clock  *fakeClock
	rec    *recorder
}

func newHarness(t *testing.T, mutate ...func(*Options)) *harness {
	t.Helper()
	h := &harness{dialer: newFakeDialer(), clock: &fakeClock{}, rec: &recorder{}}
	var ids atomic.Int64
	opts := Options{
		URL:    "ws://gateway.test",
		Client: protocol.ClientInfo{ID: "test-client", DisplayName: "Test", Version: "1.0", Mode: "cli", Platform: "linux", DeviceFamily: "Desktop", ModelIdentifier: "test"},
		Dialer: h.dialer,
		Logger: logging.Nop(),
		NewID: func() string {
			return "id-" + strconv.FormatInt(ids.Add(1), 10)
		},
		AfterFunc: h.clock.AfterFunc,
		Handlers:  h.rec.handlers(),
	}
	for _, m := range mutate {
		m(&opts)
	}
	h.client = New(opts)
	t.Cleanup(h.client.Close)
	return h
}

// barrier waits until everything posted so far has run.
func (h *harness) barrier(t *testing.T) {
	t.Helper()
	done := make(chan struct{})
	require.True(t, h.client.exec.post(func() { close(done) }))
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("serialized context stalled")
	}
}

// deliver pushes frames and waits until they have been processed. The
// trailing tick guarantees the reader already posted the last real frame.
func (h *harness) deliver(t *testing.T, conn *fakeConn, frames ...string) {
	t.Helper()
	conn.push(t, frames...)
	conn.push(t, `{"type":"event","event":"tick","payload":{}}`)
	h.barrier(t)
}

// connect drives a fresh link through the handshake.
func (h *harness) connect(t *testing.T) *fakeConn {
	t.Helper()
	h.client.Connect()
	conn := h.dialer.next(t)
	h.deliver(t, conn, `{"type":"event","event":"connect.challenge","payload":{"nonce":"abc123"}}`)
	req := conn.nextRequest(t)
	require.Equal(t, protocol.ConnectRequestID, req.ID)
	h.deliver(t, conn, `{"type":"res","id":"connect","ok":true,"payload":{"protocol":3}}`)
	require.Equal(t, StatusConnected, h.client.Status())
	return conn
}

type snapshot struct {
	hasLink  bool
	attempts int
	pending  int
	runs     int
	retrying bool
}

// inspect reads internal state on the serialized context.
func (h *harness) inspect(t *testing.T) snapshot {
	t.Helper()
	var s snapshot
	done := make(chan struct{})
	require.True(t, h.client.exec.post(func() {
		c := h.client
		s = snapshot{
			hasLink:  c.link != nil,
			attempts: c.attempts,
			pending:  c.pending.len(),
			runs:     c.runs.len(),
			retrying: c.retry != nil,
		}
		close(done)
	}))
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("serialized context stalled")
	}
	return s
}

// dropPeer closes conn from the server side and waits until the client has
// torn the link down.
func (h *harness) dropPeer(t *testing.T, conn *fakeConn) {
	t.Helper()
	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		return !h.inspect(t).hasLink
	}, waitFor, 5*time.Millisecond)
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return string(data)
}

