package gateway

import (
	"fmt"
	"runtime/debug"
	"sync"

	"clawbridge/internal/logging"
)

// serialExecutor runs posted functions one at a time, in post order, on a
// single goroutine. post never blocks, so it is safe from inside a posted function.
type serialExecutor struct {
	logger logging.Logger

	mu     sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func newSerialExecutor(logger logging.Logger) *serialExecutor {
	e := &serialExecutor{
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go e.loop()
	return e
}

func (e *serialExecutor) post(fn func()) bool {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}
	e.queue = append(e.queue, fn)
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
	return true
}

// shutdown rejects new work; already queued functions still run.
func (e *serialExecutor) shutdown() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *serialExecutor) loop() {
	defer close(e.done)
	for {
		e.mu.Lock()
		for len(e.queue) == 0 {
			if e.closed {
				e.mu.Unlock()
				return
			}
			e.mu.Unlock()
			<-e.wake
			e.mu.Lock()
		}
		batch := e.queue
		e.queue = nil
		e.mu.Unlock()

		for _, fn := range batch {
			e.run(fn)
		}
	}
}

func (e *serialExecutor) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("recovered panic in gateway callback", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
	}()
	fn()
}
