package gateway

import (
	"context"
	"net/http"
	"time"

	"nhooyr.io/websocket"
)

// Conn is one live text-message transport.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebSocketDialer dials the gateway with nhooyr.io/websocket.
type WebSocketDialer struct {
	HTTPHeader  http.Header
	DialTimeout time.Duration
	ReadLimit   int64
}

const (
	defaultDialTimeout = 30 * time.Second
	defaultReadLimit   = 4 << 20
)

func (d WebSocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	timeout := d.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c, _, err := websocket.Dial(dialCtx, url, &websocket.DialOptions{HTTPHeader: d.HTTPHeader})
	if err != nil {
		return nil, err
	}
	limit := d.ReadLimit
	if limit <= 0 {
		limit = defaultReadLimit
	}
	c.SetReadLimit(limit)
	return &wsConn{c: c}, nil
}

type wsConn struct {
	c *websocket.Conn
}

// Read accepts both text and binary messages; both carry JSON.
func (w *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.c.Read(ctx)
	return data, err
}

func (w *wsConn) Write(ctx context.Context, data []byte) error {
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w *wsConn) Close() error {
	return w.c.Close(websocket.StatusNormalClosure, "")
}
