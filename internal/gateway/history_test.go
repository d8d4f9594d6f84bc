package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clawbridge/internal/protocol"
)

func TestDecodeHistory(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	result, err := protocol.ParseValue([]byte(`{"messages":[
		{"role":"user","content":"seconds","timestamp":1700000000.25},
		{"role":"assistant","content":[{"type":"text","text":"millis"}],"timestamp":1700000000123},
		{"role":"assistant","content":"rfc","timestamp":"2025-06-01T10:00:00Z"},
		{"role":"user","content":"no stamp"},
		{"role":"user","content":"bad stamp","timestamp":{"x":1}},
		{"content":"no role"},
		{"role":"assistant","content":[]},
		{"role":"assistant","content":""},
		"garbage"
	]}`))
	require.NoError(t, err)

	got := decodeHistory(result, now)
	require.Len(t, got, 5)

	assert.Equal(t, "seconds", got[0].Content)
	assert.True(t, got[0].IsFromUser())
	assert.Equal(t, time.Unix(1700000000, 250_000_000), got[0].Timestamp)

	assert.Equal(t, "millis", got[1].Content)
	assert.False(t, got[1].IsFromUser())
	assert.Equal(t, time.UnixMilli(1700000000123), got[1].Timestamp)

	assert.True(t, got[2].Timestamp.Equal(time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)))
	assert.Equal(t, now, got[3].Timestamp)
	assert.Equal(t, now, got[4].Timestamp)
}

func TestDecodeHistory_MissingMessages(t *testing.T) {
	assert.Empty(t, decodeHistory(protocol.Null(), time.Now()))
	assert.Empty(t, decodeHistory(protocol.Object(map[string]protocol.Value{"messages": protocol.String("x")}), time.Now()))
}
