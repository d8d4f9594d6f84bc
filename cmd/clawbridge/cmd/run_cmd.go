package cmd

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"clawbridge/internal/gateway"
	"clawbridge/internal/logging"
	"clawbridge/internal/sink"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func NewRunCmd() *cobra.Command {
	var sessionKey string

	c := &cobra.Command{
		Use:   "run",
		Short: "Connect to the gateway and chat from stdin",
		Long: `Connect to the gateway and relay stdin lines as chat messages.

Notifications are printed to stdout as JSON lines. Input lines:
  /task <title>     ask the agent to execute a task
  /history [limit]  load recent history for the session
  /status           print the connection status
  /connect          reconnect after the client gave up
  /quit             exit
Anything else is sent as a chat message.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			logger := logging.FromContext(ctx)

			cfg, err := loadConfig(GetConfigFileFlag())
			if err != nil {
				return err
			}
			out := newJSONLines(cmd.OutOrStdout())

			opts := gatewayOptions(cfg, logger)
			if sessionKey != "" {
				opts.SessionKey = sessionKey
			}
			opts.Handlers = gateway.Handlers{
				OnChatMessage: func(m gateway.ChatMessage) { out.write("chat", m) },
				OnTaskUpdate:  func(u gateway.TaskUpdate) { out.write("task", u) },
				OnHistoryLoaded: func(key string, msgs []gateway.HistoryMessage) {
					out.write("history", map[string]any{"sessionKey": key, "messages": msgs})
				},
				OnStatusChange: func(s gateway.ConnectionStatus) {
					logger.Info("gateway status changed", "status", s.String())
					out.write("status", s)
				},
			}
			client := gateway.New(opts)
			defer client.Close()

			if strings.TrimSpace(cfg.Redis.URL) != "" {
				rdb, err := sink.NewRedisClient(cfg.Redis.URL)
				if err != nil {
					return err
				}
				defer rdb.Close()

				pub := sink.NewPublisher(rdb, sink.PublisherOptions{
					KeyPrefix: cfg.Redis.KeyPrefix,
					ClientID:  cfg.Client.ID,
					StatusTTL: cfg.Redis.StatusTTL,
					Logger:    logger,
				})
				client.Subscribe(pub.Handlers())
				go func() { _ = pub.Run(ctx) }()

				inbox := sink.NewInbox(rdb, client, sink.InboxOptions{
					KeyPrefix: cfg.Redis.KeyPrefix,
					ClientID:  cfg.Client.ID,
					Logger:    logger,
					Failures:  pub,
				})
				go func() { _ = inbox.Run(ctx) }()
				logger.Info("redis collaborator enabled", "stream", inbox.Stream(), "channel", pub.BroadChannel())
			}

			client.Connect()
			r := &repl{
				client:       client,
				out:          out,
				historyLimit: cfg.Session.HistoryLimit,
				newID:        uuid.NewString,
			}
			return r.run(ctx, cmd.InOrStdin())
		},
	}
	c.Flags().StringVar(&sessionKey, "session", "", "session key (default: session.key from config)")
	return c
}

type replClient interface {
	Connect()
	Status() gateway.ConnectionStatus
	SessionKey() string
	SendChat(content, sessionKey string) error
	RequestTaskExecution(taskID, title string) error
	LoadHistory(sessionKey string, limit int) error
}

type repl struct {
	client       replClient
	out          *jsonLines
	historyLimit int
	newID        func() string
}

// run reads lines until EOF, /quit or ctx ends.
func (r *repl) run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-stop:
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := r.handle(strings.TrimSpace(line)); quit {
				return nil
			}
		}
	}
}

func (r *repl) handle(line string) bool {
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		r.report(r.client.SendChat(line, ""))
		return false
	}

	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch name {
	case "/quit", "/exit":
		return true
	case "/status":
		r.out.write("status", r.client.Status())
	case "/connect":
		r.client.Connect()
	case "/task":
		if arg == "" {
			r.out.write("error", map[string]string{"error": "usage: /task <title>"})
			return false
		}
		taskID := r.newID()
		if err := r.client.RequestTaskExecution(taskID, arg); err != nil {
			r.report(err)
			return false
		}
		r.out.write("task.requested", map[string]string{"taskId": taskID, "runId": gateway.RunIDForTask(taskID)})
	case "/history":
		limit := r.historyLimit
		if arg != "" {
			n, err := strconv.Atoi(arg)
			if err != nil || n <= 0 {
				r.out.write("error", map[string]string{"error": "usage: /history [limit]"})
				return false
			}
			limit = n
		}
		r.report(r.client.LoadHistory("", limit))
	default:
		r.out.write("error", map[string]string{"error": "unknown command " + name})
	}
	return false
}

func (r *repl) report(err error) {
	if err != nil {
		r.out.write("error", map[string]string{"error": err.Error()})
	}
}
