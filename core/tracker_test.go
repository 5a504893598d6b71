package core

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/chris247474/nanoclaw/schema"
)

func newTestTracker(runs, errs int) (*Tracker, *time.Time) {
	tracker := NewTracker(runs, errs)
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	tracker.now = func() time.Time { return now }
	return tracker, &now
}

func TestTrackerStartFinish(t *testing.T) {
	tracker, now := newTestTracker(5, 5)
	tracker.Start("alpha", "Alpha", 42, "hello")
	if pid, ok := tracker.ActivePID("alpha"); !ok || pid != 42 {
		t.Fatalf("expected active pid 42, got %d %v", pid, ok)
	}
	*now = now.Add(1500 * time.Millisecond)
	tracker.Finish("alpha", schema.RunOutcomeError, schema.ErrorExitCode, "exited with code 1: boom")

	snap := tracker.Snapshot()
	if len(snap.Active) != 0 {
		t.Fatalf("expected no active containers, got %d", len(snap.Active))
	}
	if len(snap.Recent) != 1 || snap.Recent[0].DurationMS != 1500 || snap.Recent[0].GroupName != "Alpha" {
		t.Fatalf("unexpected recent runs: %#v", snap.Recent)
	}
	if len(snap.Errors) != 1 || snap.Errors[0].Type != schema.ErrorExitCode {
		t.Fatalf("unexpected errors: %#v", snap.Errors)
	}
}

func TestTrackerSuccessRecordsNoError(t *testing.T) {
	tracker, _ := newTestTracker(5, 5)
	tracker.Start("alpha", "Alpha", 1, "")
	tracker.Finish("alpha", schema.RunOutcomeSuccess, "", "")
	snap := tracker.Snapshot()
	if len(snap.Errors) != 0 {
		t.Fatalf("expected no errors, got %#v", snap.Errors)
	}
}

func TestTrackerRingCapacity(t *testing.T) {
	tracker, _ := newTestTracker(3, 2)
	for i := 0; i < 6; i++ {
		folder := schema.GroupFolder(fmt.Sprintf("g%d", i))
		tracker.Start(folder, "", i+1, "")
		tracker.Finish(folder, schema.RunOutcomeTimeout, schema.ErrorTimeout, "timed out")
	}
	snap := tracker.Snapshot()
	if len(snap.Recent) != 3 {
		t.Fatalf("expected 3 recent runs, got %d", len(snap.Recent))
	}
	if snap.Recent[0].GroupFolder != "g5" || snap.Recent[2].GroupFolder != "g3" {
		t.Fatalf("expected newest first, got %#v", snap.Recent)
	}
	if len(snap.Errors) != 2 || snap.Errors[0].GroupFolder != "g5" {
		t.Fatalf("unexpected errors: %#v", snap.Errors)
	}
}

func TestTrackerPromptPreview(t *testing.T) {
	tracker, _ := newTestTracker(1, 1)
	long := make([]byte, 300)
	for i := range long {
		long[i] = 'x'
	}
	tracker.Start("alpha", "", 1, string(long))
	snap := tracker.Snapshot()
	if len(snap.Active) != 1 || len(snap.Active[0].PromptPreview) != promptPreviewMax {
		t.Fatalf("expected preview truncated to %d", promptPreviewMax)
	}
}

func TestTrackerReset(t *testing.T) {
	tracker, _ := newTestTracker(2, 2)
	tracker.Start("alpha", "", 1, "")
	tracker.Finish("alpha", schema.RunOutcomeError, schema.ErrorSpawn, "spawn")
	tracker.Reset()
	snap := tracker.Snapshot()
	if len(snap.Recent) != 0 || len(snap.Errors) != 0 || len(snap.Active) != 0 {
		t.Fatalf("expected empty snapshot after reset")
	}
}

type orderSink struct {
	mu      sync.Mutex
	lengths []int
}

func (s *orderSink) PublishContainers(snapshot schema.ContainerSnapshot) {
	s.mu.Lock()
	s.lengths = append(s.lengths, len(snapshot.Recent))
	s.mu.Unlock()
}

func TestTrackerPublishKeepsMutationOrder(t *testing.T) {
	tracker := NewTracker(100, 10)
	sink := &orderSink{}
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			folder := schema.GroupFolder(fmt.Sprintf("g%d", i))
			tracker.Start(folder, "G", i+1, "prompt")
			tracker.Finish(folder, schema.RunOutcomeSuccess, "", "ok")
			tracker.Publish(sink)
		}(i)
	}
	wg.Wait()

	if len(sink.lengths) != 50 {
		t.Fatalf("expected 50 publishes, got %d", len(sink.lengths))
	}
	for i := 1; i < len(sink.lengths); i++ {
		if sink.lengths[i] < sink.lengths[i-1] {
			t.Fatalf("snapshot %d went backwards: %v", i, sink.lengths)
		}
	}
	if last := sink.lengths[len(sink.lengths)-1]; last != 50 {
		t.Fatalf("expected final snapshot with 50 runs, got %d", last)
	}
}

func TestTrackerPublishNilSink(t *testing.T) {
	tracker := NewTracker(1, 1)
	tracker.Publish(nil)
}

func TestContainerErrorKindOf(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", NewContainerError(ContainerErrorTimeout, "timed out after 10ms", nil))
	kind, ok := ContainerErrorKindOf(err)
	if !ok || kind != ContainerErrorTimeout {
		t.Fatalf("expected timeout kind, got %q %v", kind, ok)
	}
	if _, ok := ContainerErrorKindOf(errors.New("plain")); ok {
		t.Fatalf("expected plain error to be unclassified")
	}
}
