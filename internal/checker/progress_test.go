package checker

import (
	"testing"
	"time"

	"proxypulse/internal/shared/types"
)

func drainSnapshots(t *testing.T, tr *tracker) []types.RunSnapshot {
	t.Helper()
	var snaps []types.RunSnapshot
	timeout := time.After(5 * time.Second)
	for {
		select {
		case snap, ok := <-tr.Snapshots():
			if !ok {
				return snaps
			}
			snaps = append(snaps, snap)
		case <-timeout:
			t.Fatal("Timed out draining snapshot stream.")
		}
	}
}

func TestTracker_LogIsBounded(t *testing.T) {
	tr := newTracker("run1", 0, 500)

	for i := 0; i < 10000; i++ {
		tr.logf("event %d", i)
	}
	final := tr.finish(types.RunCompleted)

	if len(final.Log) != 500 {
		t.Fatalf("Expected log to retain exactly 500 entries, got %d", len(final.Log))
	}
	if final.Log[0] != "event 9500" {
		t.Errorf("Expected oldest retained entry 'event 9500', got %q", final.Log[0])
	}
	if final.Log[499] != "event 9999" {
		t.Errorf("Expected newest entry 'event 9999', got %q", final.Log[499])
	}
}

func TestTracker_CountersFollowOutcomes(t *testing.T) {
	tr := newTracker("run1", 3, 100)

	tr.record(types.VerificationOutcome{ID: "a:1", Status: types.StatusWorking}, "a:1 working")
	tr.record(types.VerificationOutcome{ID: "b:2", Status: types.StatusDead}, "b:2 dead")
	tr.record(types.VerificationOutcome{ID: "c:3", Status: types.StatusDead}, "c:3 dead")
	final := tr.finish(types.RunCompleted)

	if final.Checked != 3 || final.Working != 1 || final.Dead != 2 {
		t.Errorf("Unexpected counters: checked=%d working=%d dead=%d", final.Checked, final.Working, final.Dead)
	}
	if final.Checked != final.Working+final.Dead {
		t.Errorf("Invariant violated: checked(%d) != working(%d)+dead(%d)", final.Checked, final.Working, final.Dead)
	}
	if final.LastOutcome == nil || final.LastOutcome.ID != "c:3" {
		t.Errorf("Expected last outcome c:3, got %+v", final.LastOutcome)
	}
}

func TestTracker_FinalSnapshotAlwaysDelivered(t *testing.T) {
	tr := newTracker("run1", 0, 100)

	// Overflow the buffer with nobody listening; intermediates may be
	// coalesced but the terminal snapshot must still land.
	for i := 0; i < defaultSnapshotBuffer*3; i++ {
		tr.logf("noise %d", i)
	}
	tr.finish(types.RunCancelled)

	snaps := drainSnapshots(t, tr)
	if len(snaps) == 0 {
		t.Fatal("Expected at least the final snapshot.")
	}
	last := snaps[len(snaps)-1]
	if last.Status != types.RunCancelled {
		t.Errorf("Expected terminal snapshot status cancelled, got %s", last.Status)
	}
}
