package gateway

import (
	"clawbridge/internal/protocol"
)

type handshakeState int

const (
	awaitingChallenge handshakeState = iota
	handshakeSent
	handshakeAccepted
	handshakeRejected
)

func (s handshakeState) String() string {
	switch s {
	case awaitingChallenge:
		return "awaiting-challenge"
	case handshakeSent:
		return "handshake-sent"
	case handshakeAccepted:
		return "accepted"
	case handshakeRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

func (c *Client) connectParams() protocol.ConnectParams {
	p := protocol.ConnectParams{
		MinProtocol: protocol.ProtocolVersion,
		MaxProtocol: protocol.ProtocolVersion,
		Role:        c.opts.Role,
		Scopes:      c.opts.Scopes,
		Client:      c.opts.Client,
	}
	if c.opts.Token != "" {
		p.Auth = &protocol.AuthInfo{Token: c.opts.Token}
	}
	return p
}

// handleChallenge answers connect.challenge once per link. A challenge without
// a string nonce leaves the link waiting; the peer or the transport ends it.
func (c *Client) handleChallenge(l *link, ev *protocol.Event) {
	if l.handshake != awaitingChallenge {
		c.logger.Debug("ignoring repeated challenge", "state", l.handshake.String())
		return
	}
	nonce, ok := ev.Payload.Get("nonce").AsString()
	if !ok {
		c.logger.Warn("connect challenge without nonce")
		return
	}

	data, err := protocol.EncodeRequest(protocol.ConnectRequestID, protocol.MethodConnect, c.connectParams())
	if err != nil {
		c.logger.Error("encode connect request", "err", err.Error())
		return
	}
	l.handshake = handshakeSent
	c.logger.Debug("sending connect handshake", "nonce", nonce, "authenticated", c.opts.Token != "")
	c.enqueue(l, data, func(err error) {
		c.logger.Error("send connect handshake", "err", err.Error())
	})
}

func (c *Client) handleConnectResponse(l *link, res *protocol.Response) {
	if l.handshake != handshakeSent {
		c.logger.Warn("unexpected connect response", "state", l.handshake.String())
		return
	}
	if res.OK {
		l.handshake = handshakeAccepted
		c.attempts = 0
		c.setStatus(StatusConnected)
		c.logger.Info("connected to gateway", "url", c.opts.URL)
		return
	}

	l.handshake = handshakeRejected
	err := res.Error
	if err == nil {
		err = &protocol.GatewayError{Message: "connect rejected"}
	}
	c.logger.Warn("gateway rejected handshake", "code", err.Code, "err", err.Message)
	c.transportLost(l, err)
}
