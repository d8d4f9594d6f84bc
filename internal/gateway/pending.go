package gateway

import "clawbridge/internal/protocol"

// Completion receives the outcome of one request. It is invoked at most once,
// on the client's serialized context.
type Completion func(ok bool, result protocol.Value, err *protocol.GatewayError)

type pendingEntry struct {
	done Completion
	// abandoned runs instead of done when the entry is dropped with its link.
	abandoned func()
}

// pendingTable is owned by the serialized context; it takes no locks.
type pendingTable struct {
	entries map[string]pendingEntry
}

func newPendingTable() *pendingTable {
	return &pendingTable{entries: make(map[string]pendingEntry)}
}

func (p *pendingTable) add(id string, c Completion, abandoned func()) {
	if c == nil {
		return
	}
	p.entries[id] = pendingEntry{done: c, abandoned: abandoned}
}

// resolve removes and returns the completion for id.
func (p *pendingTable) resolve(id string) (Completion, bool) {
	e, ok := p.entries[id]
	if ok {
		delete(p.entries, id)
	}
	return e.done, ok
}

// cancelAll drops every entry without invoking its completion and reports how
// many were dropped. Abandon hooks still run.
func (p *pendingTable) cancelAll() int {
	n := len(p.entries)
	hooks := make([]func(), 0, n)
	for _, e := range p.entries {
		if e.abandoned != nil {
			hooks = append(hooks, e.abandoned)
		}
	}
	clear(p.entries)
	for _, h := range hooks {
		h()
	}
	return n
}

func (p *pendingTable) len() int { return len(p.entries) }
