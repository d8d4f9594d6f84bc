package cmd

import (
	"encoding/json"
	"io"
	"sync"
)

// outputLine is one record printed by run and history.
type outputLine struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// jsonLines serializes writes from handler and REPL goroutines.
type jsonLines struct {
	mu sync.Mutex
	w  io.Writer
}

func newJSONLines(w io.Writer) *jsonLines {
	return &jsonLines{w: w}
}

func (j *jsonLines) write(kind string, payload any) {
	b := mustMarshalJSON(outputLine{Type: kind, Payload: payload})
	j.mu.Lock()
	defer j.mu.Unlock()
	_, _ = j.w.Write(append(b, '\n'))
}

func mustMarshalJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
