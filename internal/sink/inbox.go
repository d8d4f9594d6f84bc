package sink

import (
	"context"
	"errors"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"clawbridge/internal/logging"
)

// Commander is the part of the gateway client the inbox drives.
type Commander interface {
	SendChat(content, sessionKey string) error
	RequestTaskExecution(taskID, title string) error
	LoadHistory(sessionKey string, limit int) error
}

type InboxOptions struct {
	KeyPrefix string
	ClientID  string
	Group     string
	Consumer  string
	Logger    logging.Logger
	// Failures receives commands the client rejected. Optional.
	Failures *Publisher
}

// Inbox consumes `<prefix>cmd:<clientID>` through a consumer group and
// applies each entry to the gateway client. Every entry is acked, including
// malformed ones.
type Inbox struct {
	rdb      *redis.Client
	gw       Commander
	stream   string
	group    string
	consumer string
	logger   logging.Logger
	failures *Publisher
}

func NewInbox(rdb *redis.Client, gw Commander, opts InboxOptions) *Inbox {
	prefix := prefixOrDefault(opts.KeyPrefix)
	group := strings.TrimSpace(opts.Group)
	if group == "" {
		group = "clawbridge"
	}
	consumer := strings.TrimSpace(opts.Consumer)
	if consumer == "" {
		host, _ := os.Hostname()
		consumer = "clawbridge-" + strings.TrimSpace(host)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	return &Inbox{
		rdb:      rdb,
		gw:       gw,
		stream:   prefix + "cmd:" + opts.ClientID,
		group:    group,
		consumer: consumer,
		logger:   logger,
		failures: opts.Failures,
	}
}

func (in *Inbox) Stream() string { return in.stream }

func (in *Inbox) Run(ctx context.Context) error {
	if err := in.rdb.XGroupCreateMkStream(ctx, in.stream, in.group, "$").Err(); err != nil {
		// BUSYGROUP is ok if group already exists.
		if !strings.Contains(strings.ToLower(err.Error()), "busygroup") {
			in.logger.Warn("create redis consumer group failed", "stream", in.stream, "err", err.Error())
		}
	}

	in.logger.Info("redis command inbox started", "stream", in.stream, "group", in.group, "consumer", in.consumer)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		streams, err := in.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    in.group,
			Consumer: in.consumer,
			Streams:  []string{in.stream, ">"},
			Count:    16,
			Block:    1 * time.Second,
		}).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, redis.Nil) {
				continue
			}
			in.logger.Warn("redis xreadgroup failed", "err", err.Error())
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}

		for _, st := range streams {
			for _, msg := range st.Messages {
				if err := in.handleStreamMessage(msg); err != nil {
					in.logger.Warn("handle command failed", "id", msg.ID, "err", err.Error())
				}
				_ = in.rdb.XAck(ctx, in.stream, in.group, msg.ID).Err()
			}
		}
	}
}

func (in *Inbox) handleStreamMessage(msg redis.XMessage) error {
	cmd, err := decodeCommand(msg.Values)
	if err != nil {
		return err
	}

	switch cmd.Type {
	case CommandChatSend:
		err = in.gw.SendChat(cmd.Message, cmd.SessionKey)
	case CommandTaskExecute:
		err = in.gw.RequestTaskExecution(cmd.TaskID, cmd.Title)
	case CommandChatHistory:
		limit := cmd.Limit
		if limit == 0 {
			limit = defaultHistoryLimit
		}
		err = in.gw.LoadHistory(cmd.SessionKey, limit)
	}
	if err != nil && in.failures != nil {
		in.failures.CommandFailed(cmd, err)
	}
	return err
}
