package sink

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
)

const (
	CommandChatSend    = "chat.send"
	CommandTaskExecute = "task.execute"
	CommandChatHistory = "chat.history"

	defaultHistoryLimit = 50
)

// Command is one instruction read from the client's command stream.
type Command struct {
	Type       string `json:"type"`
	SessionKey string `json:"sessionKey,omitempty"`
	Message    string `json:"message,omitempty"`
	TaskID     string `json:"taskId,omitempty"`
	Title      string `json:"title,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

func (c Command) Validate() error {
	switch c.Type {
	case "":
		return errors.New("missing type")
	case CommandChatSend:
		if strings.TrimSpace(c.Message) == "" {
			return errors.New("missing message")
		}
	case CommandTaskExecute:
		if c.TaskID == "" {
			return errors.New("missing taskId")
		}
		if strings.TrimSpace(c.Title) == "" {
			return errors.New("missing title")
		}
	case CommandChatHistory:
		if c.Limit < 0 {
			return errors.New("limit must be >= 0")
		}
	default:
		return errors.New("unknown command type: " + c.Type)
	}
	return nil
}

// snakeFields lets a JSON command spell keys the way flat fields do.
type snakeFields struct {
	SessionKey string `json:"session_key"`
	TaskID     string `json:"task_id"`
}

// decodeCommand reads a stream entry. A JSON `command` field wins; otherwise
// the entry's flat fields are mapped one by one. Both forms accept camelCase
// (sessionKey, taskId) and snake_case (session_key, task_id) keys.
func decodeCommand(values map[string]any) (Command, error) {
	var cmd Command
	if raw, ok := values["command"]; ok {
		var data []byte
		switch v := raw.(type) {
		case string:
			data = []byte(v)
		case []byte:
			data = v
		}
		if data != nil {
			if err := json.Unmarshal(data, &cmd); err != nil {
				return Command{}, err
			}
			var alt snakeFields
			if err := json.Unmarshal(data, &alt); err != nil {
				return Command{}, err
			}
			cmd.SessionKey = firstNonEmpty(cmd.SessionKey, alt.SessionKey)
			cmd.TaskID = firstNonEmpty(cmd.TaskID, alt.TaskID)
			return cmd, cmd.Validate()
		}
	}

	getString := func(keys ...string) string {
		for _, key := range keys {
			switch v := values[key].(type) {
			case string:
				if v != "" {
					return v
				}
			case []byte:
				if len(v) > 0 {
					return string(v)
				}
			}
		}
		return ""
	}

	cmd = Command{
		Type:       getString("type"),
		SessionKey: getString("session_key", "sessionKey"),
		Message:    getString("message"),
		TaskID:     getString("task_id", "taskId"),
		Title:      getString("title"),
	}
	if limit := getString("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil {
			return Command{}, errors.New("invalid limit: " + limit)
		}
		cmd.Limit = n
	}
	return cmd, cmd.Validate()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
