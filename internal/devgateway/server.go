package devgateway

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"clawbridge/internal/logging"
	"clawbridge/internal/protocol"
)

const (
	defaultListenAddr   = "127.0.0.1:18789"
	defaultPath         = "/"
	defaultHistoryLimit = 50
	clientsPath         = "/internal/clients"
)

type Options struct {
	ListenAddr    string
	Path          string
	Token         string
	InternalToken string
	TickInterval  time.Duration
	StreamDelay   time.Duration
	Reply         func(message string) string
}

// Server is a small gateway speaking the client wire protocol: challenge,
// connect, chat.send with streamed agent output, and chat.history.
type Server struct {
	opts Options

	mu      sync.RWMutex
	clients map[string]*clientConn

	histMu  sync.Mutex
	history map[string][]turn
}

type clientConn struct {
	id          string
	info        protocol.ClientInfo
	role        string
	connectedAt time.Time
	lastSeenAt  time.Time
	conn        *websocket.Conn

	authenticated bool
	writeMu       sync.Mutex
}

type turn struct {
	Role      string
	Content   string
	Timestamp time.Time
}

func New(opts Options) *Server {
	if opts.ListenAddr == "" {
		opts.ListenAddr = defaultListenAddr
	}
	if opts.Path == "" {
		opts.Path = defaultPath
	}
	if opts.Reply == nil {
		opts.Reply = echoReply
	}
	return &Server{
		opts:    opts,
		clients: make(map[string]*clientConn),
		history: make(map[string][]turn),
	}
}

func echoReply(message string) string {
	return "echo: " + message
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.opts.Path, s.handleWS)
	mux.HandleFunc(clientsPath, s.handleListClients)
	return mux
}

func (s *Server) Run(ctx context.Context) error {
	logger := logging.FromContext(ctx)

	httpServer := &http.Server{
		Addr:              s.opts.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("dev gateway listening", "addr", s.opts.ListenAddr, "path", s.opts.Path, "auth", s.opts.Token != "")
	err := httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	now := time.Now()
	cc := &clientConn{
		id:          "ws_" + uuid.NewString(),
		connectedAt: now,
		lastSeenAt:  now,
		conn:        conn,
	}
	logger.Info("client connected", "remote", r.RemoteAddr, "conn_id", cc.id)

	nonce := uuid.NewString()
	if err := s.send(ctx, cc, &protocol.Event{
		Name: protocol.EventConnectChallenge,
		Payload: protocol.Object(map[string]protocol.Value{
			"nonce": protocol.String(nonce),
			"ts":    protocol.Int(now.UnixMilli()),
		}),
	}); err != nil {
		logger.Warn("send challenge failed", "conn_id", cc.id, "err", err.Error())
		return
	}

	if s.opts.TickInterval > 0 {
		tickCtx, stop := context.WithCancel(ctx)
		defer stop()
		go s.tick(tickCtx, cc)
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			break
		}
		env, err := protocol.DecodeEnvelope(data)
		if err != nil {
			logger.Warn("invalid envelope", "conn_id", cc.id, "err", err.Error())
			continue
		}
		req, ok := env.(*protocol.Request)
		if !ok {
			logger.Debug("ignoring non-request frame", "conn_id", cc.id, "type", env.FrameType())
			continue
		}
		s.touch(cc)
		s.handleRequest(ctx, cc, req)
	}

	s.mu.Lock()
	if s.clients[cc.id] == cc {
		delete(s.clients, cc.id)
	}
	s.mu.Unlock()
	logger.Info("client disconnected", "conn_id", cc.id, "client_id", cc.info.ID)
}

func (s *Server) handleRequest(ctx context.Context, cc *clientConn, req *protocol.Request) {
	if req.Method != protocol.MethodConnect && !cc.authenticated {
		s.respondError(ctx, cc, req.ID, protocol.ErrCodeInvalidRequest, "handshake required")
		return
	}
	switch req.Method {
	case protocol.MethodConnect:
		s.handleConnect(ctx, cc, req)
	case protocol.MethodChatSend:
		s.handleChatSend(ctx, cc, req)
	case protocol.MethodChatHistory:
		s.handleChatHistory(ctx, cc, req)
	default:
		s.respondError(ctx, cc, req.ID, protocol.ErrCodeUnknownMethod, "unknown method: "+req.Method)
	}
}

type helloPayload struct {
	Protocol int        `json:"protocol"`
	ConnID   string     `json:"connId"`
	Server   serverInfo `json:"server"`
}

type serverInfo struct {
	Name string `json:"name"`
}

func (s *Server) handleConnect(ctx context.Context, cc *clientConn, req *protocol.Request) {
	logger := logging.FromContext(ctx)
	p := protocol.DecodeConnectParams(req.Params)

	if p.MinProtocol > protocol.ProtocolVersion || p.MaxProtocol < protocol.ProtocolVersion {
		logger.Warn("protocol mismatch", "conn_id", cc.id, "min", p.MinProtocol, "max", p.MaxProtocol)
		s.respondError(ctx, cc, req.ID, protocol.ErrCodeProtocol, "server speaks protocol 3")
		return
	}
	if s.opts.Token != "" && (p.Auth == nil || p.Auth.Token != s.opts.Token) {
		logger.Warn("handshake rejected", "conn_id", cc.id, "client_id", p.Client.ID)
		s.respondError(ctx, cc, req.ID, protocol.ErrCodeAuthFailed, "Invalid token")
		return
	}

	s.mu.Lock()
	cc.authenticated = true
	cc.info = p.Client
	cc.role = p.Role
	s.clients[cc.id] = cc
	s.mu.Unlock()

	logger.Info("client registered", "conn_id", cc.id, "client_id", p.Client.ID, "role", p.Role)
	s.respond(ctx, cc, req.ID, mustValue(helloPayload{
		Protocol: protocol.ProtocolVersion,
		ConnID:   cc.id,
		Server:   serverInfo{Name: "clawbridge-devgateway"},
	}))
}

func (s *Server) handleChatSend(ctx context.Context, cc *clientConn, req *protocol.Request) {
	p := protocol.DecodeChatSendParams(req.Params)
	if strings.TrimSpace(p.Message) == "" {
		s.respondError(ctx, cc, req.ID, protocol.ErrCodeInvalidRequest, "message is required")
		return
	}
	sessionKey := firstNonEmpty(p.SessionKey, "main")
	runID := firstNonEmpty(p.IdempotencyKey, uuid.NewString())

	s.record(sessionKey, turn{Role: "user", Content: p.Message, Timestamp: time.Now()})
	s.respond(ctx, cc, req.ID, protocol.Object(map[string]protocol.Value{
		"runId":  protocol.String(runID),
		"status": protocol.String("started"),
	}))

	go s.stream(ctx, cc, sessionKey, runID, s.opts.Reply(p.Message))
}

// stream emits the agent run for one chat turn: lifecycle start, a partial
// and a full assistant fragment, lifecycle end, then the final chat event.
func (s *Server) stream(ctx context.Context, cc *clientConn, sessionKey, runID, reply string) {
	logger := logging.FromContext(ctx)
	seq := 0
	agent := func(stream string, data map[string]protocol.Value) error {
		seq++
		return s.send(ctx, cc, &protocol.Event{
			Name: protocol.EventAgent,
			Payload: protocol.Object(map[string]protocol.Value{
				"runId":  protocol.String(runID),
				"stream": protocol.String(stream),
				"seq":    protocol.Int(int64(seq)),
				"ts":     protocol.Int(time.Now().UnixMilli()),
				"data":   protocol.Object(data),
			}),
		})
	}

	runes := []rune(reply)
	partial := string(runes[:len(runes)/2])
	steps := []func() error{
		func() error {
			return agent(protocol.StreamLifecycle, map[string]protocol.Value{"phase": protocol.String(protocol.PhaseStart)})
		},
		func() error {
			return agent(protocol.StreamAssistant, map[string]protocol.Value{"text": protocol.String(partial)})
		},
		func() error {
			return agent(protocol.StreamAssistant, map[string]protocol.Value{"text": protocol.String(reply)})
		},
		func() error {
			return agent(protocol.StreamLifecycle, map[string]protocol.Value{"phase": protocol.String(protocol.PhaseEnd)})
		},
		func() error {
			s.record(sessionKey, turn{Role: "assistant", Content: reply, Timestamp: time.Now()})
			return s.send(ctx, cc, &protocol.Event{
				Name: protocol.EventChat,
				Payload: protocol.Object(map[string]protocol.Value{
					"runId":      protocol.String(runID),
					"sessionKey": protocol.String(sessionKey),
					"state":      protocol.String(protocol.ChatStateFinal),
					"message": protocol.Object(map[string]protocol.Value{
						"role":    protocol.String("assistant"),
						"content": textParts(reply),
					}),
				}),
			})
		},
	}

	for _, step := range steps {
		if s.opts.StreamDelay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.opts.StreamDelay):
			}
		}
		if err := step(); err != nil {
			logger.Warn("stream aborted", "conn_id", cc.id, "run_id", runID, "err", err.Error())
			return
		}
	}
}

func (s *Server) handleChatHistory(ctx context.Context, cc *clientConn, req *protocol.Request) {
	p := protocol.DecodeChatHistoryParams(req.Params)
	sessionKey := firstNonEmpty(p.SessionKey, "main")
	limit := p.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	turns := s.recent(sessionKey, limit)
	messages := make([]protocol.Value, 0, len(turns))
	for _, t := range turns {
		messages = append(messages, protocol.Object(map[string]protocol.Value{
			"role":      protocol.String(t.Role),
			"content":   textParts(t.Content),
			"timestamp": protocol.Int(t.Timestamp.UnixMilli()),
		}))
	}
	s.respond(ctx, cc, req.ID, protocol.Object(map[string]protocol.Value{
		"sessionKey": protocol.String(sessionKey),
		"messages":   protocol.Array(messages...),
	}))
}

func (s *Server) tick(ctx context.Context, cc *clientConn) {
	ticker := time.NewTicker(s.opts.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			err := s.send(ctx, cc, &protocol.Event{
				Name:    protocol.EventTick,
				Payload: protocol.Object(map[string]protocol.Value{"ts": protocol.Int(now.UnixMilli())}),
			})
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) record(sessionKey string, t turn) {
	s.histMu.Lock()
	s.history[sessionKey] = append(s.history[sessionKey], t)
	s.histMu.Unlock()
}

func (s *Server) recent(sessionKey string, limit int) []turn {
	s.histMu.Lock()
	defer s.histMu.Unlock()
	all := s.history[sessionKey]
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	return append([]turn(nil), all...)
}

func (s *Server) touch(cc *clientConn) {
	s.mu.Lock()
	cc.lastSeenAt = time.Now()
	s.mu.Unlock()
}

type clientInfo struct {
	ConnID      string `json:"conn_id"`
	ClientID    string `json:"client_id"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
	Platform    string `json:"platform"`
	ConnectedAt int64  `json:"connected_at"`
	LastSeenAt  int64  `json:"last_seen_at"`
}

func (s *Server) handleListClients(w http.ResponseWriter, r *http.Request) {
	if !s.checkInternalAuth(w, r) {
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	resp := struct {
		Clients []clientInfo `json:"clients"`
	}{Clients: []clientInfo{}}

	s.mu.RLock()
	for _, c := range s.clients {
		resp.Clients = append(resp.Clients, clientInfo{
			ConnID:      c.id,
			ClientID:    c.info.ID,
			DisplayName: c.info.DisplayName,
			Role:        c.role,
			Platform:    c.info.Platform,
			ConnectedAt: c.connectedAt.Unix(),
			LastSeenAt:  c.lastSeenAt.Unix(),
		})
	}
	s.mu.RUnlock()
	sort.Slice(resp.Clients, func(i, j int) bool { return resp.Clients[i].ConnID < resp.Clients[j].ConnID })

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) respond(ctx context.Context, cc *clientConn, id string, payload protocol.Value) {
	_ = s.send(ctx, cc, &protocol.Response{ID: id, OK: true, Result: payload})
}

func (s *Server) respondError(ctx context.Context, cc *clientConn, id, code, message string) {
	_ = s.send(ctx, cc, &protocol.Response{ID: id, Error: &protocol.GatewayError{Code: code, Message: message}})
}

func (s *Server) send(ctx context.Context, cc *clientConn, env protocol.Envelope) error {
	data, err := protocol.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	cc.writeMu.Lock()
	defer cc.writeMu.Unlock()
	return cc.conn.Write(ctx, websocket.MessageText, data)
}

func (s *Server) checkInternalAuth(w http.ResponseWriter, r *http.Request) bool {
	if s.opts.InternalToken == "" {
		return true
	}
	if r.Header.Get("X-Internal-Token") != s.opts.InternalToken {
		w.WriteHeader(http.StatusUnauthorized)
		return false
	}
	return true
}

func textParts(text string) protocol.Value {
	return protocol.Array(protocol.Object(map[string]protocol.Value{
		"type": protocol.String("text"),
		"text": protocol.String(text),
	}))
}

func mustValue(v any) protocol.Value {
	out, err := protocol.ValueOf(v)
	if err != nil {
		panic(err)
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
