package devgateway_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"clawbridge/internal/devgateway"
	"clawbridge/internal/protocol"
)

type wsPeer struct {
	t    *testing.T
	ctx  context.Context
	conn *websocket.Conn
}

func startServer(t *testing.T, opts devgateway.Options) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(devgateway.New(opts).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server) *wsPeer {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return &wsPeer{t: t, ctx: ctx, conn: conn}
}

func (p *wsPeer) read() protocol.Envelope {
	p.t.Helper()
	_, data, err := p.conn.Read(p.ctx)
	require.NoError(p.t, err)
	env, err := protocol.DecodeEnvelope(data)
	require.NoError(p.t, err)
	return env
}

func (p *wsPeer) readResponse() *protocol.Response {
	p.t.Helper()
	env := p.read()
	res, ok := env.(*protocol.Response)
	require.True(p.t, ok, "got %T", env)
	return res
}

func (p *wsPeer) readEvent() *protocol.Event {
	p.t.Helper()
	for {
		env := p.read()
		if ev, ok := env.(*protocol.Event); ok && ev.Name != protocol.EventTick {
			return ev
		}
	}
}

func (p *wsPeer) request(id, method string, params any) {
	p.t.Helper()
	data, err := protocol.EncodeRequest(id, method, params)
	require.NoError(p.t, err)
	require.NoError(p.t, p.conn.Write(p.ctx, websocket.MessageText, data))
}

func (p *wsPeer) handshake(token string) *protocol.Response {
	p.t.Helper()
	ev := p.readEvent()
	require.Equal(p.t, protocol.EventConnectChallenge, ev.Name)
	require.NotEmpty(p.t, ev.Payload.Str("nonce"))

	params := protocol.ConnectParams{
		MinProtocol: 3,
		MaxProtocol: 3,
		Role:        "operator",
		Scopes:      []string{"operator.read"},
		Client:      protocol.ClientInfo{ID: "peer", DisplayName: "Peer", Platform: "linux"},
	}
	if token != "" {
		params.Auth = &protocol.AuthInfo{Token: token}
	}
	p.request(protocol.ConnectRequestID, protocol.MethodConnect, params)
	return p.readResponse()
}

func TestHandshake_Accepted(t *testing.T) {
	srv := startServer(t, devgateway.Options{Token: "secret"})
	peer := dial(t, srv)

	res := peer.handshake("secret")
	assert.Equal(t, protocol.ConnectRequestID, res.ID)
	assert.True(t, res.OK)
	n, _ := res.Result.Get("protocol").AsInt()
	assert.EqualValues(t, 3, n)
}

func TestHandshake_Rejections(t *testing.T) {
	srv := startServer(t, devgateway.Options{Token: "secret"})

	res := dial(t, srv).handshake("wrong")
	assert.False(t, res.OK)
	require.NotNil(t, res.Error)
	assert.Equal(t, protocol.ErrCodeAuthFailed, res.Error.Code)

	res = dial(t, srv).handshake("")
	assert.False(t, res.OK)
	assert.Equal(t, protocol.ErrCodeAuthFailed, res.Error.Code)

	peer := dial(t, srv)
	peer.readEvent()
	peer.request(protocol.ConnectRequestID, protocol.MethodConnect, protocol.ConnectParams{MinProtocol: 4, MaxProtocol: 5})
	res = peer.readResponse()
	assert.False(t, res.OK)
	assert.Equal(t, protocol.ErrCodeProtocol, res.Error.Code)
}

func TestRequestsRequireHandshake(t *testing.T) {
	srv := startServer(t, devgateway.Options{})
	peer := dial(t, srv)
	peer.readEvent()

	peer.request("r1", protocol.MethodChatHistory, protocol.ChatHistoryParams{SessionKey: "main", Limit: 5})
	res := peer.readResponse()
	assert.Equal(t, "r1", res.ID)
	assert.False(t, res.OK)
	assert.Equal(t, protocol.ErrCodeInvalidRequest, res.Error.Code)
}

func TestChatSend_StreamsRunThenFinalChat(t *testing.T) {
	srv := startServer(t, devgateway.Options{Reply: func(string) string { return "abcdef" }})
	peer := dial(t, srv)
	require.True(t, peer.handshake("").OK)

	peer.request("r1", protocol.MethodChatSend, protocol.ChatSendParams{SessionKey: "main", Message: "hi", IdempotencyKey: "task-1"})
	res := peer.readResponse()
	assert.True(t, res.OK)
	assert.Equal(t, "task-1", res.Result.Str("runId"))

	type step struct{ stream, phase, text string }
	var got []step
	for range 4 {
		ev := peer.readEvent()
		require.Equal(t, protocol.EventAgent, ev.Name)
		assert.Equal(t, "task-1", ev.Payload.Str("runId"))
		data := ev.Payload.Get("data")
		got = append(got, step{ev.Payload.Str("stream"), data.Str("phase"), data.Str("text")})
	}
	assert.Equal(t, []step{
		{protocol.StreamLifecycle, protocol.PhaseStart, ""},
		{protocol.StreamAssistant, "", "abc"},
		{protocol.StreamAssistant, "", "abcdef"},
		{protocol.StreamLifecycle, protocol.PhaseEnd, ""},
	}, got)

	chat := peer.readEvent()
	assert.Equal(t, protocol.EventChat, chat.Name)
	assert.Equal(t, protocol.ChatStateFinal, chat.Payload.Str("state"))
	assert.Equal(t, "abcdef", chat.Payload.Get("message").Get("content").Index(0).Str("text"))

	peer.request("r2", protocol.MethodChatHistory, protocol.ChatHistoryParams{SessionKey: "main", Limit: 1})
	hist := peer.readResponse()
	require.True(t, hist.OK)
	msgs := hist.Result.Get("messages")
	require.Equal(t, 1, msgs.Len())
	assert.Equal(t, "assistant", msgs.Index(0).Str("role"))
}

func TestChatSend_Validation(t *testing.T) {
	srv := startServer(t, devgateway.Options{})
	peer := dial(t, srv)
	require.True(t, peer.handshake("").OK)

	peer.request("r1", protocol.MethodChatSend, protocol.ChatSendParams{SessionKey: "main", Message: "  "})
	res := peer.readResponse()
	assert.False(t, res.OK)
	assert.Equal(t, protocol.ErrCodeInvalidRequest, res.Error.Code)

	peer.request("r2", "task.create", map[string]string{"title": "x"})
	res = peer.readResponse()
	assert.Equal(t, "r2", res.ID)
	assert.Equal(t, protocol.ErrCodeUnknownMethod, res.Error.Code)
}

func TestTicks(t *testing.T) {
	srv := startServer(t, devgateway.Options{TickInterval: 10 * time.Millisecond})
	peer := dial(t, srv)
	peer.readEvent()

	for {
		env := peer.read()
		if ev, ok := env.(*protocol.Event); ok && ev.Name == protocol.EventTick {
			return
		}
	}
}

func TestListClients(t *testing.T) {
	srv := startServer(t, devgateway.Options{InternalToken: "internal"})
	peer := dial(t, srv)
	require.True(t, peer.handshake("").OK)

	resp, err := http.Get(srv.URL + "/internal/clients")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/internal/clients", nil)
	require.NoError(t, err)
	req.Header.Set("X-Internal-Token", "internal")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Clients []struct {
			ClientID string `json:"client_id"`
			Role     string `json:"role"`
		} `json:"clients"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Clients, 1)
	assert.Equal(t, "peer", body.Clients[0].ClientID)
	assert.Equal(t, "operator", body.Clients[0].Role)
}
