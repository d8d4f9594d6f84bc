package gateway

import (
	"math"
	"time"

	"clawbridge/internal/protocol"
)

// Timestamps above this are milliseconds since the epoch.
const millisThreshold = 1e12

// decodeHistory reads {messages:[{role,content,timestamp}]}. A result without
// messages yields an empty list; entries without role or text are skipped.
func decodeHistory(result protocol.Value, now time.Time) []HistoryMessage {
	items, _ := result.Get("messages").AsArray()
	out := make([]HistoryMessage, 0, len(items))
	for _, item := range items {
		role := item.Str("role")
		text, ok := contentText(item.Get("content"))
		if role == "" || !ok || text == "" {
			continue
		}
		out = append(out, HistoryMessage{
			Role:      role,
			Content:   text,
			Timestamp: parseTimestamp(item.Get("timestamp"), now),
		})
	}
	return out
}

func parseTimestamp(v protocol.Value, fallback time.Time) time.Time {
	if f, ok := v.AsFloat(); ok {
		if f > millisThreshold {
			return time.UnixMilli(int64(f))
		}
		sec, frac := math.Modf(f)
		return time.Unix(int64(sec), int64(frac*1e9))
	}
	if s, ok := v.AsString(); ok {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t
		}
	}
	return fallback
}
