package gateway

import (
	"clawbridge/internal/protocol"
)

func (c *Client) handleFrame(l *link, data []byte) {
	env, err := protocol.DecodeEnvelope(data)
	if err != nil {
		c.logger.Warn("dropping undecodable frame", "err", err.Error())
		return
	}
	switch e := env.(type) {
	case *protocol.Response:
		c.handleResponse(l, e)
	case *protocol.Event:
		c.handleEvent(l, e)
	default:
		c.logger.Debug("ignoring frame", "type", env.FrameType())
	}
}

func (c *Client) handleResponse(l *link, res *protocol.Response) {
	if res.ID == protocol.ConnectRequestID {
		c.handleConnectResponse(l, res)
		return
	}
	done, ok := c.pending.resolve(res.ID)
	if !ok {
		c.logger.Debug("discarding unmatched response", "request_id", res.ID, "ok", res.OK)
		return
	}
	done(res.OK, res.Result, res.Error)
}

func (c *Client) handleEvent(l *link, ev *protocol.Event) {
	switch ev.Name {
	case protocol.EventConnectChallenge:
		c.handleChallenge(l, ev)
	case protocol.EventChat:
		c.handleChat(ev.Payload)
	case protocol.EventTaskCreated, protocol.EventTaskProgress, protocol.EventTaskCompleted:
		c.handleTaskEvent(ev.Name, ev.Payload)
	case protocol.EventAgent:
		c.handleAgent(ev.Payload)
	case protocol.EventTick, protocol.EventHealth:
	default:
		c.logger.Debug("unhandled event", "event", ev.Name)
	}
}

// handleChat only reports final turns; streaming states are covered by agent events.
func (c *Client) handleChat(p protocol.Value) {
	if p.Str("state") != protocol.ChatStateFinal {
		return
	}
	text, ok := contentText(p.Get("message").Get("content"))
	if !ok {
		c.logger.Debug("final chat event without text")
		return
	}
	sessionKey := p.Str("sessionKey")
	if sessionKey == "" {
		sessionKey = defaultSessionKey
	}
	c.emitChat(ChatMessage{
		Content:    text,
		SessionKey: sessionKey,
		RunID:      p.Str("runId"),
		ReceivedAt: c.now(),
	})
}

func (c *Client) handleTaskEvent(name string, p protocol.Value) {
	taskID := p.Str("taskId")
	if taskID == "" {
		taskID = c.newID()
		c.logger.Warn("task event without taskId", "event", name, "task_id", taskID)
	}

	u := TaskUpdate{Kind: TaskUpdateKind(name), TaskID: taskID}
	switch name {
	case protocol.EventTaskCreated:
		u.Title = p.Str("title")
		u.Status = parseTaskStatus(p.Str("status"), TaskBacklog)
	case protocol.EventTaskProgress:
		u.Status = parseTaskStatus(p.Str("status"), TaskInProcess)
		if n, ok := p.Get("progress").AsInt(); ok {
			u.Progress = intPtr(int(n))
		}
	case protocol.EventTaskCompleted:
		u.Status = TaskCompleted
		u.Progress = intPtr(100)
		u.Result = p.Str("resultSummary")
		if u.Result == "" {
			u.Result = p.Str("result")
		}
	}
	c.emitTask(u)
}

func (c *Client) handleAgent(p protocol.Value) {
	runID := p.Str("runId")
	stream := p.Str("stream")
	if runID == "" || stream == "" {
		c.logger.Debug("agent event without runId or stream")
		return
	}
	entry, ok := c.runs.lookup(runID)
	if !ok {
		c.logger.Debug("agent event for untracked run", "run_id", runID, "stream", stream)
		return
	}

	data := p.Get("data")
	field := func(key string) protocol.Value {
		if v := data.Get(key); !v.IsNull() {
			return v
		}
		return p.Get(key)
	}

	switch stream {
	case protocol.StreamLifecycle:
		phase, _ := field("phase").AsString()
		if phase != protocol.PhaseEnd {
			c.logger.Debug("agent lifecycle", "run_id", runID, "phase", phase)
			return
		}
		done, _ := c.runs.finish(runID)
		c.emitTask(TaskUpdate{
			Kind:     KindTaskCompleted,
			TaskID:   entry.taskID,
			Status:   TaskCompleted,
			Progress: intPtr(100),
			Result:   done.text,
		})
	case protocol.StreamAssistant:
		if text, ok := field("text").AsString(); ok {
			c.runs.setText(runID, text)
		}
	default:
		c.logger.Debug("unhandled agent stream", "run_id", runID, "stream", stream)
	}
}

// contentText accepts either a plain string or a list of parts and returns
// the first part's text.
func contentText(content protocol.Value) (string, bool) {
	if s, ok := content.AsString(); ok {
		return s, true
	}
	return content.Index(0).Get("text").AsString()
}

func intPtr(n int) *int { return &n }
