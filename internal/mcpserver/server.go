package mcpserver

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"clawbridge/internal/gateway"
	"clawbridge/internal/logging"
)

// Gateway is the slice of the gateway client exposed as tools.
type Gateway interface {
	Status() gateway.ConnectionStatus
	SessionKey() string
	SendChat(content, sessionKey string) error
	RequestTaskExecution(taskID, title string) error
	FetchHistory(ctx context.Context, sessionKey string, limit int) ([]gateway.HistoryMessage, error)
}

type Options struct {
	Name         string
	Version      string
	HistoryLimit int
	NewID        func() string
	Logger       logging.Logger
}

type Server struct {
	gw     Gateway
	opts   Options
	logger logging.Logger
	server *mcp.Server
}

type StatusInput struct{}

type StatusOutput struct {
	Status     string `json:"status"`
	Connected  bool   `json:"connected"`
	SessionKey string `json:"session_key"`
}

type SendChatInput struct {
	Message    string `json:"message" jsonschema:"text to send to the agent"`
	SessionKey string `json:"session_key,omitempty" jsonschema:"conversation key, defaults to the configured session"`
}

type SendChatOutput struct {
	SessionKey string `json:"session_key"`
}

type ExecuteTaskInput struct {
	Title  string `json:"title" jsonschema:"task description handed to the agent"`
	TaskID string `json:"task_id,omitempty" jsonschema:"caller task id, generated when empty"`
}

type ExecuteTaskOutput struct {
	TaskID string `json:"task_id"`
	RunID  string `json:"run_id"`
}

type LoadHistoryInput struct {
	SessionKey string `json:"session_key,omitempty" jsonschema:"conversation key, defaults to the configured session"`
	Limit      int    `json:"limit,omitempty" jsonschema:"maximum number of messages"`
}

type HistoryEntry struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

type LoadHistoryOutput struct {
	SessionKey string         `json:"session_key"`
	Messages   []HistoryEntry `json:"messages"`
}

func New(gw Gateway, opts Options) *Server {
	if opts.Name == "" {
		opts.Name = "clawbridge"
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 50
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}

	s := &Server{
		gw:     gw,
		opts:   opts,
		logger: opts.Logger,
		server: mcp.NewServer(&mcp.Implementation{Name: opts.Name, Version: opts.Version}, nil),
	}

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "gateway_status",
		Description: "Report the gateway connection status.",
	}, s.status)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "send_chat",
		Description: "Send a chat message to the agent through the gateway.",
	}, s.sendChat)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "execute_task",
		Description: "Ask the agent to execute a task. Progress arrives as task updates.",
	}, s.executeTask)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "load_history",
		Description: "Fetch recent chat history for a session.",
	}, s.loadHistory)
	return s
}

func (s *Server) MCP() *mcp.Server { return s.server }

// Run serves over stdio until ctx ends or the peer hangs up.
func (s *Server) Run(ctx context.Context) error {
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

func (s *Server) session(key string) string {
	if key = strings.TrimSpace(key); key != "" {
		return key
	}
	return s.gw.SessionKey()
}

func (s *Server) status(_ context.Context, _ *mcp.CallToolRequest, _ StatusInput) (*mcp.CallToolResult, StatusOutput, error) {
	st := s.gw.Status()
	return nil, StatusOutput{
		Status:     st.String(),
		Connected:  st == gateway.StatusConnected,
		SessionKey: s.gw.SessionKey(),
	}, nil
}

func (s *Server) sendChat(_ context.Context, _ *mcp.CallToolRequest, in SendChatInput) (*mcp.CallToolResult, SendChatOutput, error) {
	if strings.TrimSpace(in.Message) == "" {
		return nil, SendChatOutput{}, errors.New("message is required")
	}
	key := s.session(in.SessionKey)
	if err := s.gw.SendChat(in.Message, key); err != nil {
		return nil, SendChatOutput{}, err
	}
	return nil, SendChatOutput{SessionKey: key}, nil
}

func (s *Server) executeTask(_ context.Context, _ *mcp.CallToolRequest, in ExecuteTaskInput) (*mcp.CallToolResult, ExecuteTaskOutput, error) {
	if strings.TrimSpace(in.Title) == "" {
		return nil, ExecuteTaskOutput{}, errors.New("title is required")
	}
	taskID := strings.TrimSpace(in.TaskID)
	if taskID == "" {
		taskID = s.opts.NewID()
	}
	if err := s.gw.RequestTaskExecution(taskID, in.Title); err != nil {
		return nil, ExecuteTaskOutput{}, err
	}
	s.logger.Info("task execution requested", "task_id", taskID)
	return nil, ExecuteTaskOutput{TaskID: taskID, RunID: gateway.RunIDForTask(taskID)}, nil
}

func (s *Server) loadHistory(ctx context.Context, _ *mcp.CallToolRequest, in LoadHistoryInput) (*mcp.CallToolResult, LoadHistoryOutput, error) {
	if in.Limit < 0 {
		return nil, LoadHistoryOutput{}, errors.New("limit must be >= 0")
	}
	limit := in.Limit
	if limit == 0 {
		limit = s.opts.HistoryLimit
	}
	key := s.session(in.SessionKey)
	msgs, err := s.gw.FetchHistory(ctx, key, limit)
	if err != nil {
		return nil, LoadHistoryOutput{}, err
	}
	out := LoadHistoryOutput{SessionKey: key, Messages: make([]HistoryEntry, 0, len(msgs))}
	for _, m := range msgs {
		out.Messages = append(out.Messages, HistoryEntry{
			Role:      m.Role,
			Content:   m.Content,
			Timestamp: m.Timestamp.UTC().Format(time.RFC3339),
		})
	}
	return nil, out, nil
}
