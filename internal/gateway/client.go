package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"clawbridge/internal/logging"
	"clawbridge/internal/protocol"
)

const (
	defaultSessionKey = "main"
	defaultRole       = "operator"
	sendQueueSize     = 64
)

var defaultScopes = []string{"operator.admin", "operator.write", "operator.read"}

var errSendQueueFull = errors.New("send queue full")

// Handlers are invoked on the client's serialized context. They must not block
// on the client (FetchHistory, WaitConnected) and must return promptly.
type Handlers struct {
	OnChatMessage   func(ChatMessage)
	OnTaskUpdate    func(TaskUpdate)
	OnHistoryLoaded func(sessionKey string, messages []HistoryMessage)
	OnStatusChange  func(ConnectionStatus)
}

type Timer interface {
	Stop() bool
}

type Options struct {
	URL        string
	Token      string
	Role       string
	Scopes     []string
	Client     protocol.ClientInfo
	SessionKey string
	Reconnect  ReconnectPolicy
	Dialer     Dialer
	Logger     logging.Logger
	Handlers   Handlers

	AfterFunc func(d time.Duration, fn func()) Timer
	NewID     func() string
	Now       func() time.Time
}

// Client keeps one authenticated connection to a gateway. All state lives on a
// single serialized context; public methods post work to it and never wait on
// network I/O.
type Client struct {
	opts   Options
	logger logging.Logger
	dialer Dialer
	policy ReconnectPolicy

	afterFunc func(time.Duration, func()) Timer
	newID     func() string
	now       func() time.Time

	exec   *serialExecutor
	gen    atomic.Uint64
	status atomic.Int32
	closed atomic.Bool

	// Connect calls issued and applied; WaitConnected ignores a failed
	// status while a Connect is still in flight.
	connectsIssued  atomic.Uint64
	connectsApplied atomic.Uint64

	watchMu sync.Mutex
	watch   chan struct{}

	// Serialized context only.
	link     *link
	attempts int
	retry    *retryTimer
	pending  *pendingTable
	runs     *runTracker
	handlers []Handlers
}

// link is one transport generation: a dial, then a reader and a writer.
type link struct {
	gen       uint64
	ctx       context.Context
	cancel    context.CancelFunc
	conn      Conn
	out       chan outbound
	handshake handshakeState
}

type outbound struct {
	data   []byte
	onFail func(error)
}

type retryTimer struct {
	t Timer
}

func New(opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	if opts.Role == "" {
		opts.Role = defaultRole
	}
	if opts.Scopes == nil {
		opts.Scopes = append([]string(nil), defaultScopes...)
	}
	if opts.SessionKey == "" {
		opts.SessionKey = defaultSessionKey
	}

	c := &Client{
		opts:      opts,
		logger:    logger,
		dialer:    opts.Dialer,
		policy:    opts.Reconnect,
		afterFunc: opts.AfterFunc,
		newID:     opts.NewID,
		now:       opts.Now,
		watch:     make(chan struct{}),
		pending:   newPendingTable(),
		runs:      newRunTracker(),
		handlers:  []Handlers{opts.Handlers},
	}
	if c.dialer == nil {
		c.dialer = WebSocketDialer{}
	}
	if c.policy == (ReconnectPolicy{}) {
		c.policy = DefaultReconnectPolicy()
	}
	if c.afterFunc == nil {
		c.afterFunc = func(d time.Duration, fn func()) Timer { return time.AfterFunc(d, fn) }
	}
	if c.newID == nil {
		c.newID = uuid.NewString
	}
	if c.now == nil {
		c.now = time.Now
	}
	c.exec = newSerialExecutor(logger)
	return c
}

func (c *Client) Status() ConnectionStatus {
	return ConnectionStatus(c.status.Load())
}

func (c *Client) IsConnected() bool {
	return c.Status() == StatusConnected
}

func (c *Client) SessionKey() string {
	return c.opts.SessionKey
}

// Subscribe adds another set of handlers.
func (c *Client) Subscribe(h Handlers) {
	c.exec.post(func() { c.handlers = append(c.handlers, h) })
}

// Connect opens the transport unless one is already connecting or connected.
// It resets the reconnect counter and cancels a scheduled reconnect. A
// WaitConnected following Connect waits for this attempt even when the client
// was failed.
func (c *Client) Connect() {
	n := c.connectsIssued.Add(1)
	c.exec.post(func() {
		c.connect(true)
		c.connectsApplied.Store(n)
		c.broadcast()
	})
}

// Disconnect closes the transport, drops pending requests without invoking
// them and forgets tracked runs. Frames already received are discarded.
func (c *Client) Disconnect() {
	c.gen.Add(1)
	c.exec.post(c.disconnect)
}

// Close disconnects and stops the serialized context. The client cannot be
// reused afterwards.
func (c *Client) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.gen.Add(1)
	c.exec.post(c.disconnect)
	c.exec.shutdown()
	c.broadcast()
}

// WaitConnected blocks until the handshake succeeds, reconnection gives up,
// the client is closed or ctx ends.
func (c *Client) WaitConnected(ctx context.Context) error {
	for {
		ch := c.statusWatch()
		if c.closed.Load() {
			return ErrClosed
		}
		switch c.Status() {
		case StatusConnected:
			return nil
		case StatusFailed:
			if c.connectsApplied.Load() >= c.connectsIssued.Load() {
				return ErrConnectFailed
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// Request sends method with params. completion, when non-nil, receives the
// matching response; it is dropped silently if the connection goes away first.
func (c *Client) Request(method string, params any, completion Completion) error {
	return c.request(method, params, completion, nil)
}

// request is Request with a hook that runs, instead of completion, when the
// link carrying the request goes away.
func (c *Client) request(method string, params any, completion Completion, abandoned func()) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	id := c.newID()
	data, err := protocol.EncodeRequest(id, method, params)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", method, protocol.NewGatewayError(protocol.ErrCodeEncodeFailed, err))
	}
	if !c.exec.post(func() { c.send(id, method, data, completion, abandoned) }) {
		return ErrClosed
	}
	return nil
}

// SendChat is fire-and-forget; send failures are logged.
func (c *Client) SendChat(content, sessionKey string) error {
	return c.Request(protocol.MethodChatSend, protocol.ChatSendParams{
		SessionKey:     c.session(sessionKey),
		Message:        content,
		IdempotencyKey: c.newID(),
	}, nil)
}

// LoadHistory requests a session's history and reports it through
// OnHistoryLoaded. A failed response is logged and reported nowhere.
func (c *Client) LoadHistory(sessionKey string, limit int) error {
	sessionKey = c.session(sessionKey)
	return c.Request(protocol.MethodChatHistory, protocol.ChatHistoryParams{
		SessionKey: sessionKey,
		Limit:      limit,
	}, func(ok bool, result protocol.Value, gerr *protocol.GatewayError) {
		if !ok {
			c.logger.Warn("load history failed", "session_key", sessionKey, "err", gerr.Error())
			return
		}
		c.emitHistory(sessionKey, decodeHistory(result, c.now()))
	})
}

type historyResult struct {
	messages []HistoryMessage
	err      error
}

// FetchHistory is the blocking form of LoadHistory. It must not be called from
// a handler. It returns ErrNotConnected if the connection drops before the
// response arrives.
func (c *Client) FetchHistory(ctx context.Context, sessionKey string, limit int) ([]HistoryMessage, error) {
	ch := make(chan historyResult, 1)
	err := c.request(protocol.MethodChatHistory, protocol.ChatHistoryParams{
		SessionKey: c.session(sessionKey),
		Limit:      limit,
	}, func(ok bool, result protocol.Value, gerr *protocol.GatewayError) {
		if !ok {
			if gerr == nil {
				gerr = &protocol.GatewayError{Message: "history request failed"}
			}
			ch <- historyResult{err: gerr}
			return
		}
		ch <- historyResult{messages: decodeHistory(result, c.now())}
	}, func() {
		ch <- historyResult{err: ErrNotConnected}
	})
	if err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		return r.messages, r.err
	}
}

// RequestTaskExecution tracks the task's run and sends its title as a chat
// turn keyed by the run id. The run is released if the send fails.
func (c *Client) RequestTaskExecution(taskID, title string) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	runID := RunIDForTask(taskID)
	data, err := protocol.EncodeRequest(c.newID(), protocol.MethodChatSend, protocol.ChatSendParams{
		SessionKey:     c.opts.SessionKey,
		Message:        title,
		IdempotencyKey: runID,
	})
	if err != nil {
		return fmt.Errorf("encode task execution: %w", protocol.NewGatewayError(protocol.ErrCodeEncodeFailed, err))
	}
	ok := c.exec.post(func() {
		l := c.activeLink()
		if l == nil {
			c.logger.Warn("task execution dropped; not connected", "task_id", taskID)
			return
		}
		c.runs.track(runID, taskID)
		c.enqueue(l, data, func(err error) {
			c.runs.remove(runID)
			c.logger.Error("task execution send failed", "task_id", taskID, "run_id", runID, "err", err.Error())
		})
	})
	if !ok {
		return ErrClosed
	}
	return nil
}

func (c *Client) session(key string) string {
	if key == "" {
		return c.opts.SessionKey
	}
	return key
}

func (c *Client) send(id, method string, data []byte, completion Completion, abandoned func()) {
	l := c.activeLink()
	if l == nil {
		c.logger.Warn("request dropped; not connected", "method", method, "request_id", id)
		if completion != nil {
			completion(false, protocol.Null(), protocol.NewGatewayError(protocol.ErrCodeSendFailed, ErrNotConnected))
		}
		return
	}
	c.pending.add(id, completion, abandoned)
	c.enqueue(l, data, func(err error) {
		c.logger.Error("send failed", "method", method, "request_id", id, "err", err.Error())
		if done, ok := c.pending.resolve(id); ok {
			done(false, protocol.Null(), protocol.NewGatewayError(protocol.ErrCodeSendFailed, err))
		}
	})
}

// enqueue hands data to the link's writer. onFail runs on the serialized
// context if the frame could not be written.
func (c *Client) enqueue(l *link, data []byte, onFail func(error)) {
	select {
	case l.out <- outbound{data: data, onFail: onFail}:
	default:
		c.logger.Warn("send queue full", "size", sendQueueSize)
		if onFail != nil {
			onFail(errSendQueueFull)
		}
	}
}

func (c *Client) current(l *link) bool {
	return l != nil && c.link == l && c.gen.Load() == l.gen
}

func (c *Client) activeLink() *link {
	if !c.current(c.link) || c.link.handshake != handshakeAccepted {
		return nil
	}
	return c.link
}

// postLink runs fn on the serialized context unless l has been replaced or
// invalidated in the meantime.
func (c *Client) postLink(l *link, fn func()) {
	c.exec.post(func() {
		if !c.current(l) {
			return
		}
		fn()
	})
}

func (c *Client) connect(manual bool) {
	if c.closed.Load() {
		return
	}
	if s := c.Status(); s == StatusConnecting || s == StatusConnected {
		c.logger.Info("connect ignored", "status", s.String())
		return
	}
	c.stopRetry()
	if manual {
		c.attempts = 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &link{
		gen:    c.gen.Add(1),
		ctx:    ctx,
		cancel: cancel,
		out:    make(chan outbound, sendQueueSize),
	}
	c.link = l
	c.setStatus(StatusConnecting)
	c.logger.Info("connecting to gateway", "url", c.opts.URL, "attempt", c.attempts)

	go func() {
		conn, err := c.dialer.Dial(ctx, c.opts.URL)
		if !c.exec.post(func() { c.dialed(l, conn, err) }) && conn != nil {
			_ = conn.Close()
		}
	}()
}

func (c *Client) dialed(l *link, conn Conn, err error) {
	if !c.current(l) {
		if conn != nil {
			go conn.Close()
		}
		return
	}
	if err != nil {
		c.logger.Warn("gateway dial failed", "url", c.opts.URL, "err", err.Error())
		c.transportLost(l, err)
		return
	}
	l.conn = conn
	go c.readLoop(l)
	go c.writeLoop(l)
	c.logger.Debug("transport open, awaiting challenge")
}

func (c *Client) readLoop(l *link) {
	for {
		data, err := l.conn.Read(l.ctx)
		if err != nil {
			c.postLink(l, func() { c.transportLost(l, err) })
			return
		}
		c.postLink(l, func() { c.handleFrame(l, data) })
	}
}

// writeLoop owns closing the conn.
func (c *Client) writeLoop(l *link) {
	defer func() { _ = l.conn.Close() }()
	for {
		select {
		case <-l.ctx.Done():
			return
		case item := <-l.out:
			if err := l.conn.Write(l.ctx, item.data); err != nil {
				c.postLink(l, func() {
					if item.onFail != nil {
						item.onFail(err)
					}
					c.transportLost(l, err)
				})
				return
			}
		}
	}
}

// transportLost handles any closure not requested through Disconnect,
// including a rejected handshake.
func (c *Client) transportLost(l *link, err error) {
	if !c.current(l) {
		return
	}
	c.teardown()
	c.logger.Warn("gateway connection lost", "err", errString(err))
	c.scheduleReconnect()
}

func (c *Client) scheduleReconnect() {
	c.attempts++
	delay, ok := c.policy.Delay(c.attempts)
	if !ok {
		c.logger.Error("reconnection attempts exhausted", "max_attempts", c.policy.MaxAttempts)
		c.setStatus(StatusFailed)
		return
	}
	c.setStatus(StatusDisconnected)
	c.logger.Info("scheduling reconnect", "attempt", c.attempts, "max_attempts", c.policy.MaxAttempts, "delay", delay.String())

	r := &retryTimer{}
	r.t = c.afterFunc(delay, func() {
		c.exec.post(func() {
			if c.retry != r {
				return
			}
			c.retry = nil
			c.connect(false)
		})
	})
	c.retry = r
}

func (c *Client) stopRetry() {
	if c.retry == nil {
		return
	}
	c.retry.t.Stop()
	c.retry = nil
}

func (c *Client) teardown() {
	if l := c.link; l != nil {
		c.link = nil
		l.cancel()
		if l.conn == nil {
			c.logger.Debug("abandoning dial")
		}
	}
	if n := c.pending.cancelAll(); n > 0 {
		c.logger.Debug("dropped pending requests", "count", n)
	}
}

func (c *Client) disconnect() {
	c.stopRetry()
	c.attempts = 0
	c.teardown()
	if n := c.runs.clear(); n > 0 {
		c.logger.Debug("released tracked runs", "count", n)
	}
	c.setStatus(StatusDisconnected)
}

func (c *Client) setStatus(s ConnectionStatus) {
	if ConnectionStatus(c.status.Swap(int32(s))) == s {
		return
	}
	c.broadcast()
	for _, h := range c.handlers {
		if h.OnStatusChange != nil {
			h.OnStatusChange(s)
		}
	}
}

func (c *Client) statusWatch() <-chan struct{} {
	c.watchMu.Lock()
	defer c.watchMu.Unlock()
	return c.watch
}

func (c *Client) broadcast() {
	c.watchMu.Lock()
	close(c.watch)
	c.watch = make(chan struct{})
	c.watchMu.Unlock()
}

func (c *Client) emitChat(m ChatMessage) {
	for _, h := range c.handlers {
		if h.OnChatMessage != nil {
			h.OnChatMessage(m)
		}
	}
}

func (c *Client) emitTask(u TaskUpdate) {
	for _, h := range c.handlers {
		if h.OnTaskUpdate != nil {
			h.OnTaskUpdate(u)
		}
	}
}

func (c *Client) emitHistory(sessionKey string, messages []HistoryMessage) {
	for _, h := range c.handlers {
		if h.OnHistoryLoaded != nil {
			h.OnHistoryLoaded(sessionKey, messages)
		}
	}
}

func errString(err error) string {
	if err == nil {
		return "closed"
	}
	return err.Error()
}
