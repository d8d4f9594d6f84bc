package gateway

import "errors"

type ConnectionStatus int32

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusFailed
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s ConnectionStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var (
	ErrNotConnected  = errors.New("gateway: not connected")
	ErrConnectFailed = errors.New("gateway: reconnection attempts exhausted")
	ErrClosed        = errors.New("gateway: client closed")
)
