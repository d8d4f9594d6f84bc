package sink

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"clawbridge/internal/gateway"
	"clawbridge/internal/logging"
)

const (
	EventChatMessage    = "chat.message"
	EventTaskUpdate     = "task.update"
	EventHistoryLoaded  = "history.loaded"
	EventStatus         = "status"
	EventCommandFailed  = "command.failed"
	defaultStatusTTL    = 30 * time.Second
	publishQueueSize    = 256
	publishWriteTimeout = 5 * time.Second
)

type PublisherOptions struct {
	KeyPrefix string
	ClientID  string
	StatusTTL time.Duration
	Logger    logging.Logger
}

// Publisher forwards client notifications to redis pub/sub and keeps a
// per-client status key alive. Handlers only enqueue; Run does the I/O.
type Publisher struct {
	rdb    *redis.Client
	opts   PublisherOptions
	logger logging.Logger
	queue  chan outgoing
}

// Message is the JSON published on every channel.
type Message struct {
	Type     string `json:"type"`
	ClientID string `json:"client_id"`
	Ts       int64  `json:"ts"`
	Payload  any    `json:"payload"`
}

type statusRecord struct {
	Status    string `json:"status"`
	UpdatedAt int64  `json:"updated_at"`
}

type historyPayload struct {
	SessionKey string                   `json:"sessionKey"`
	Messages   []gateway.HistoryMessage `json:"messages"`
}

type outgoing struct {
	channels []string
	data     []byte
	status   []byte
}

func NewPublisher(rdb *redis.Client, opts PublisherOptions) *Publisher {
	opts.KeyPrefix = prefixOrDefault(opts.KeyPrefix)
	if opts.StatusTTL <= 0 {
		opts.StatusTTL = defaultStatusTTL
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	return &Publisher{
		rdb:    rdb,
		opts:   opts,
		logger: opts.Logger,
		queue:  make(chan outgoing, publishQueueSize),
	}
}

func (p *Publisher) BroadChannel() string {
	return p.opts.KeyPrefix + "evt"
}

func (p *Publisher) TaskChannel(taskID string) string {
	return p.opts.KeyPrefix + "evt:task:" + taskID
}

func (p *Publisher) SessionChannel(sessionKey string) string {
	return p.opts.KeyPrefix + "evt:session:" + sessionKey
}

func (p *Publisher) StatusKey() string {
	return p.opts.KeyPrefix + "status:" + p.opts.ClientID
}

func (p *Publisher) Handlers() gateway.Handlers {
	return gateway.Handlers{
		OnChatMessage: func(m gateway.ChatMessage) {
			p.publish(EventChatMessage, m, p.SessionChannel(m.SessionKey))
		},
		OnTaskUpdate: func(u gateway.TaskUpdate) {
			p.publish(EventTaskUpdate, u, p.TaskChannel(u.TaskID))
		},
		OnHistoryLoaded: func(sessionKey string, messages []gateway.HistoryMessage) {
			p.publish(EventHistoryLoaded, historyPayload{SessionKey: sessionKey, Messages: messages}, p.SessionChannel(sessionKey))
		},
		OnStatusChange: p.PublishStatus,
	}
}

func (p *Publisher) PublishStatus(s gateway.ConnectionStatus) {
	rec := statusRecord{Status: s.String(), UpdatedAt: time.Now().Unix()}
	status, err := json.Marshal(rec)
	if err != nil {
		return
	}
	data, err := p.encode(EventStatus, rec)
	if err != nil {
		return
	}
	p.enqueue(outgoing{channels: []string{p.BroadChannel()}, data: data, status: status})
}

// CommandFailed reports an inbox command the client could not apply.
func (p *Publisher) CommandFailed(cmd Command, cause error) {
	p.publish(EventCommandFailed, map[string]any{
		"command": cmd,
		"error":   cause.Error(),
	})
}

func (p *Publisher) publish(kind string, payload any, extra ...string) {
	data, err := p.encode(kind, payload)
	if err != nil {
		p.logger.Warn("encode redis event failed", "type", kind, "err", err.Error())
		return
	}
	p.enqueue(outgoing{channels: append([]string{p.BroadChannel()}, extra...), data: data})
}

func (p *Publisher) encode(kind string, payload any) ([]byte, error) {
	return json.Marshal(Message{
		Type:     kind,
		ClientID: p.opts.ClientID,
		Ts:       time.Now().Unix(),
		Payload:  payload,
	})
}

func (p *Publisher) enqueue(item outgoing) {
	select {
	case p.queue <- item:
	default:
		p.logger.Warn("redis publish queue full, dropping event", "channels", item.channels)
	}
}

// Run delivers queued events until ctx ends and refreshes the status key
// before it expires.
func (p *Publisher) Run(ctx context.Context) error {
	refresh := time.NewTicker(p.opts.StatusTTL / 2)
	defer refresh.Stop()

	var lastStatus []byte
	for {
		select {
		case <-ctx.Done():
			return nil
		case item := <-p.queue:
			if item.status != nil {
				lastStatus = item.status
			}
			p.deliver(ctx, item)
		case <-refresh.C:
			if lastStatus != nil {
				p.deliver(ctx, outgoing{status: lastStatus})
			}
		}
	}
}

func (p *Publisher) deliver(ctx context.Context, item outgoing) {
	writeCtx, cancel := context.WithTimeout(ctx, publishWriteTimeout)
	defer cancel()

	for _, ch := range item.channels {
		if err := p.rdb.Publish(writeCtx, ch, item.data).Err(); err != nil {
			p.logger.Warn("redis publish failed", "channel", ch, "err", err.Error())
		}
	}
	if item.status != nil && p.opts.ClientID != "" {
		if err := p.rdb.Set(writeCtx, p.StatusKey(), item.status, p.opts.StatusTTL).Err(); err != nil {
			p.logger.Warn("redis status update failed", "key", p.StatusKey(), "err", err.Error())
		}
	}
}
