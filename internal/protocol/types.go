package protocol

// Frame discriminators carried in the envelope "type" field.
const (
	TypeRequest  = "req"
	TypeResponse = "res"
	TypeEvent    = "event"
)

const (
	ProtocolVersion = 3

	// ConnectRequestID is the correlation id reserved for the handshake pair.
	ConnectRequestID = "connect"
)

const (
	MethodConnect     = "connect"
	MethodChatSend    = "chat.send"
	MethodChatHistory = "chat.history"
)

const (
	EventConnectChallenge = "connect.challenge"
	EventChat             = "chat"
	EventTaskCreated      = "task.created"
	EventTaskProgress     = "task.progress"
	EventTaskCompleted    = "task.completed"
	EventAgent            = "agent"
	EventTick             = "tick"
	EventHealth           = "health"
)

const (
	StreamLifecycle = "lifecycle"
	StreamAssistant = "assistant"

	PhaseStart = "start"
	PhaseEnd   = "end"

	ChatStateFinal = "final"
)

const (
	ErrCodeSendFailed     = "send_failed"
	ErrCodeEncodeFailed   = "encode_failed"
	ErrCodeAuthFailed     = "auth_failed"
	ErrCodeProtocol       = "protocol_mismatch"
	ErrCodeUnknownMethod  = "unknown_method"
	ErrCodeInvalidRequest = "invalid_request"
)
