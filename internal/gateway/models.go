package gateway

import "time"

type TaskStatus string

const (
	TaskBacklog   TaskStatus = "backlog"
	TaskInProcess TaskStatus = "inProcess"
	TaskCompleted TaskStatus = "completed"
)

func parseTaskStatus(s string, fallback TaskStatus) TaskStatus {
	switch TaskStatus(s) {
	case TaskBacklog, TaskInProcess, TaskCompleted:
		return TaskStatus(s)
	default:
		return fallback
	}
}

type TaskUpdateKind string

const (
	KindTaskCreated   TaskUpdateKind = "task.created"
	KindTaskProgress  TaskUpdateKind = "task.progress"
	KindTaskCompleted TaskUpdateKind = "task.completed"
)

// TaskUpdate describes one task lifecycle notification. Progress is nil when
// the gateway did not send an integral percentage.
type TaskUpdate struct {
	Kind     TaskUpdateKind `json:"kind"`
	TaskID   string         `json:"taskId"`
	Title    string         `json:"title,omitempty"`
	Status   TaskStatus     `json:"status"`
	Progress *int           `json:"progress,omitempty"`
	Result   string         `json:"result,omitempty"`
}

type ChatMessage struct {
	Content    string    `json:"content"`
	IsFromUser bool      `json:"isFromUser"`
	SessionKey string    `json:"sessionKey"`
	RunID      string    `json:"runId,omitempty"`
	ReceivedAt time.Time `json:"receivedAt"`
}

type HistoryMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

func (m HistoryMessage) IsFromUser() bool {
	return m.Role == "user"
}
