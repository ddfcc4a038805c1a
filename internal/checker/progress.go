package checker

import (
	"fmt"
	"sync"

	"proxypulse/internal/shared/types"
)

const defaultSnapshotBuffer = 64

// tracker owns the single mutable RunState shared across workers. All
// counter and log mutations go through its mutex; observers only ever see
// immutable snapshot copies.
type tracker struct {
	mu sync.Mutex

	runID        string
	status       types.RunStatus
	total        int
	checked      int
	working      int
	dead         int
	deletedCount int
	log          []string
	logCap       int
	lastOutcome  *types.VerificationOutcome

	out chan types.RunSnapshot
}

func newTracker(runID string, total, logCap int) *tracker {
	if logCap <= 0 {
		logCap = 500
	}
	return &tracker{
		runID:  runID,
		status: types.RunRunning,
		total:  total,
		logCap: logCap,
		out:    make(chan types.RunSnapshot, defaultSnapshotBuffer),
	}
}

// Snapshots returns the stream of state snapshots. The channel is closed
// after the terminal snapshot has been delivered.
func (t *tracker) Snapshots() <-chan types.RunSnapshot {
	return t.out
}

// record applies one completed outcome and emits a snapshot.
func (t *tracker) record(outcome types.VerificationOutcome, line string) {
	t.mu.Lock()
	t.checked++
	switch outcome.Status {
	case types.StatusWorking:
		t.working++
	case types.StatusDead:
		t.dead++
	}
	o := outcome
	t.lastOutcome = &o
	t.appendLog(line)
	snap := t.snapshotLocked()
	t.mu.Unlock()

	t.emit(snap, false)
}

// logf appends a log line and emits a snapshot.
func (t *tracker) logf(format string, v ...interface{}) {
	t.mu.Lock()
	t.appendLog(fmt.Sprintf(format, v...))
	snap := t.snapshotLocked()
	t.mu.Unlock()

	t.emit(snap, false)
}

func (t *tracker) setDeleted(n int) {
	t.mu.Lock()
	t.deletedCount = n
	t.mu.Unlock()
}

// finish transitions the run to its terminal status and delivers the final
// snapshot. Unlike intermediate snapshots it is never dropped: stale
// buffered snapshots are evicted until it fits, then the stream is closed.
func (t *tracker) finish(status types.RunStatus) types.RunSnapshot {
	t.mu.Lock()
	t.status = status
	snap := t.snapshotLocked()
	t.mu.Unlock()

	t.emit(snap, true)
	close(t.out)
	return snap
}

// appendLog keeps the most recent logCap entries, evicting the oldest first.
// Callers must hold t.mu.
func (t *tracker) appendLog(line string) {
	if len(t.log) >= t.logCap {
		copy(t.log, t.log[1:])
		t.log = t.log[:t.logCap-1]
	}
	t.log = append(t.log, line)
}

// snapshotLocked copies the current state. Callers must hold t.mu.
func (t *tracker) snapshotLocked() types.RunSnapshot {
	logCopy := make([]string, len(t.log))
	copy(logCopy, t.log)
	return types.RunSnapshot{
		RunID:        t.runID,
		Status:       t.status,
		Total:        t.total,
		Checked:      t.checked,
		Working:      t.working,
		Dead:         t.dead,
		DeletedCount: t.deletedCount,
		Log:          logCopy,
		LastOutcome:  t.lastOutcome,
	}
}

// emit writes a snapshot into the bounded stream. Intermediate snapshots may
// be coalesced under load (dropped when the buffer is full); the final one
// always lands by evicting stale entries, so the engine never blocks on a
// slow or absent listener.
func (t *tracker) emit(snap types.RunSnapshot, final bool) {
	for {
		select {
		case t.out <- snap:
			return
		default:
			if !final {
				return
			}
			select {
			case <-t.out:
			default:
			}
		}
	}
}
