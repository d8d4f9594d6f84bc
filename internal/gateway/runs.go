package gateway

const runIDPrefix = "task-"

// RunIDForTask derives the run id used as idempotency key when a task is executed.
func RunIDForTask(taskID string) string {
	return runIDPrefix + taskID
}

type runEntry struct {
	taskID string
	text   string
}

// runTracker maps run ids to local task ids and holds the latest streamed
// assistant text per run. Owned by the serialized context.
type runTracker struct {
	runs map[string]*runEntry
}

func newRunTracker() *runTracker {
	return &runTracker{runs: make(map[string]*runEntry)}
}

func (t *runTracker) track(runID, taskID string) {
	t.runs[runID] = &runEntry{taskID: taskID}
}

func (t *runTracker) lookup(runID string) (runEntry, bool) {
	e, ok := t.runs[runID]
	if !ok {
		return runEntry{}, false
	}
	return *e, true
}

// setText replaces the buffer; the agent resends the full text on every fragment.
func (t *runTracker) setText(runID, text string) bool {
	e, ok := t.runs[runID]
	if !ok {
		return false
	}
	e.text = text
	return true
}

func (t *runTracker) finish(runID string) (runEntry, bool) {
	e, ok := t.runs[runID]
	if !ok {
		return runEntry{}, false
	}
	delete(t.runs, runID)
	return *e, true
}

func (t *runTracker) remove(runID string) {
	delete(t.runs, runID)
}

func (t *runTracker) clear() int {
	n := len(t.runs)
	clear(t.runs)
	return n
}

func (t *runTracker) len() int { return len(t.runs) }

