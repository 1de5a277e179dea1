package roundstore

import (
	"testing"
	"time"

	"pathfleet/internal/model"
)

func TestEnqueueSkipsDuplicatesAndBlank(t *testing.T) {
	s := New("round_0001")
	res := s.Enqueue([]string{"/a", "/b", "  ", ""})
	if res.Added != 2 || res.Skipped != 2 {
		t.Fatalf("expected 2 added 2 skipped, got %+v", res)
	}

	res2 := s.Enqueue([]string{"/b", "/c"})
	if res2.Added != 1 || res2.Skipped != 1 {
		t.Fatalf("expected 1 added 1 skipped on dup import, got %+v", res2)
	}
	if s.Counts().Total != 3 {
		t.Fatalf("expected 3 total tasks, got %d", s.Counts().Total)
	}
}

func TestEnqueueReplacesFailedPath(t *testing.T) {
	s := New("round_0001")
	s.Enqueue([]string{"/a"})
	leased := s.Lease(1, "")
	if len(leased) != 1 {
		t.Fatalf("expected lease of 1, got %d", len(leased))
	}
	oldID := leased[0].TaskID
	if _, _, ok := s.Report(oldID, false, "boom"); !ok {
		t.Fatalf("report should find task")
	}

	res := s.Enqueue([]string{"/a"})
	if res.Added != 1 || res.Skipped != 0 {
		t.Fatalf("re-importing a failed path should create a fresh task, got %+v", res)
	}
	if res.NewIDs[0] == oldID {
		t.Fatalf("expected a fresh id, got the old failed id back")
	}
	if _, ok := s.Find(oldID); ok {
		t.Fatalf("old failed task id should no longer exist")
	}
}

func TestLeaseFIFOOrderAndNoDoubleLease(t *testing.T) {
	s := New("round_0001")
	s.Enqueue([]string{"/a", "/b", "/c"})

	first := s.Lease(2, "node1")
	if len(first) != 2 || first[0].Path != "/a" || first[1].Path != "/b" {
		t.Fatalf("expected FIFO order a,b got %+v", first)
	}

	second := s.Lease(10, "node1")
	if len(second) != 1 || second[0].Path != "/c" {
		t.Fatalf("expected only /c left, got %+v", second)
	}

	third := s.Lease(10, "node1")
	if len(third) != 0 {
		t.Fatalf("expected no more pending tasks, got %+v", third)
	}
}

func TestReportSuccessAndFailure(t *testing.T) {
	s := New("round_0001")
	s.Enqueue([]string{"/a", "/b"})
	leased := s.Lease(2, "")

	status, _, ok := s.Report(leased[0].TaskID, true, "")
	if !ok || status != model.TaskCompleted {
		t.Fatalf("expected completed, got %v ok=%v", status, ok)
	}
	status, _, ok = s.Report(leased[1].TaskID, false, "boom")
	if !ok || status != model.TaskFailed {
		t.Fatalf("expected failed, got %v ok=%v", status, ok)
	}

	counts := s.Counts()
	if counts.Completed != 1 || counts.Failed != 1 || counts.Pending != 0 {
		t.Fatalf("unexpected counts: %+v", counts)
	}
}

func TestReportCompletionMonotonicity(t *testing.T) {
	s := New("round_0001")
	s.Enqueue([]string{"/a"})
	leased := s.Lease(1, "")
	s.Report(leased[0].TaskID, true, "")

	status, _, ok := s.Report(leased[0].TaskID, false, "late failure")
	if !ok || status != model.TaskCompleted {
		t.Fatalf("a late failure must not undo completion, got %v", status)
	}
}

func TestSweepOneRetryPolicy(t *testing.T) {
	s := New("round_0001")
	s.Enqueue([]string{"/x"})
	leased := s.Lease(1, "")
	taskID := leased[0].TaskID

	touched := s.Sweep(0)
	if len(touched) != 1 {
		t.Fatalf("expected 1 task swept, got %d", len(touched))
	}
	task, ok := s.Find(taskID)
	if !ok || task.Status != model.TaskPending || task.FailureCount != 1 {
		t.Fatalf("expected pending/failureCount=1 after first sweep, got %+v", task)
	}

	leased = s.Lease(1, "")
	if len(leased) != 1 {
		t.Fatalf("expected re-lease after retry, got %d", len(leased))
	}
	touched = s.Sweep(0)
	if len(touched) != 1 {
		t.Fatalf("expected 1 task swept on second pass, got %d", len(touched))
	}
	task, ok = s.Find(taskID)
	if !ok || task.Status != model.TaskFailed || task.FailureCount != 2 {
		t.Fatalf("expected failed/failureCount=2 after second sweep, got %+v", task)
	}

	// A failed task never re-enters pending or processing.
	if s.PendingLen() != 0 {
		t.Fatalf("expected no pending tasks after max-retry failure")
	}
}

func TestSweepDoesNotTouchCompletedTasks(t *testing.T) {
	s := New("round_0001")
	s.Enqueue([]string{"/a"})
	leased := s.Lease(1, "")
	s.Report(leased[0].TaskID, true, "")

	touched := s.Sweep(0)
	if len(touched) != 0 {
		t.Fatalf("sweep should not touch completed tasks, touched=%+v", touched)
	}
}

func TestClearResetsEverything(t *testing.T) {
	s := New("round_0001")
	s.Enqueue([]string{"/a", "/b"})
	s.Lease(1, "")

	res := s.Clear()
	if res.Cleared != 2 {
		t.Fatalf("expected 2 cleared, got %d", res.Cleared)
	}
	if s.Counts().Total != 0 {
		t.Fatalf("expected empty store after clear")
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	s := New("round_0001")
	s.Enqueue([]string{"/a", "/b", "/c"})
	leased := s.Lease(2, "node1")
	s.Report(leased[0].TaskID, true, "")
	s.AddProcessed(10, 5.0)

	snap := s.Snapshot()
	restored := Restore("round_0001", snap)

	origCounts := s.Counts()
	restCounts := restored.Counts()
	if origCounts != restCounts {
		t.Fatalf("counts mismatch after restore: %+v vs %+v", origCounts, restCounts)
	}

	origStats := s.ComputeStats()
	restStats := restored.ComputeStats()
	if origStats.AllCompleted != restStats.AllCompleted {
		t.Fatalf("allCompleted mismatch after restore")
	}

	restSnap := restored.Snapshot()
	if restSnap.TotalProcessedItemNum != 10 || restSnap.TotalProcessedTime != 5.0 {
		t.Fatalf("processed aggregates lost on restore: %+v", restSnap)
	}
}

func TestFindByIDAndPath(t *testing.T) {
	s := New("round_0001")
	s.Enqueue([]string{"/a"})
	byPath, ok := s.Find("/a")
	if !ok {
		t.Fatalf("expected to find by path")
	}
	byID, ok := s.Find(byPath.ID)
	if !ok || byID.ID != byPath.ID {
		t.Fatalf("expected to find same task by id")
	}
}

func TestListPendingPaginationClampsOutOfRange(t *testing.T) {
	s := New("round_0001")
	s.Enqueue([]string{"/a", "/b", "/c"})

	page := s.ListPending(100, 2)
	if page.Page != 2 || len(page.Items) != 1 {
		t.Fatalf("expected clamp to last page (2) with 1 item, got page=%d items=%d", page.Page, len(page.Items))
	}
}

func TestRunStatisticsBasicPath(t *testing.T) {
	s := New("round_0001")
	s.Enqueue([]string{"/a", "/b", "/c"})
	leased := s.Lease(2, "")
	s.Report(leased[0].TaskID, true, "")
	s.Report(leased[1].TaskID, true, "")
	leased = s.Lease(10, "")
	s.Report(leased[0].TaskID, true, "")

	stats := s.ComputeStats()
	if !stats.AllCompleted {
		t.Fatalf("expected allCompleted=true, got %+v", stats)
	}
	if stats.Counts.Completed != 3 || stats.Counts.Total != 3 {
		t.Fatalf("unexpected counts: %+v", stats.Counts)
	}
}

func TestProcessingInspectionTopLists(t *testing.T) {
	s := New("round_0001")
	s.Enqueue([]string{"/a", "/b"})
	s.Lease(2, "")

	time.Sleep(5 * time.Millisecond)
	summary := s.InspectProcessing(1)
	if summary.TotalProcessing != 2 {
		t.Fatalf("expected 2 processing, got %d", summary.TotalProcessing)
	}
	if summary.LongestDurationMs == nil {
		t.Fatalf("expected longest duration to be set")
	}
	if len(summary.TopLongest) != 2 {
		t.Fatalf("expected both tasks in the top-longest list, got %d", len(summary.TopLongest))
	}
	if len(summary.TopTimedOut) != 2 {
		t.Fatalf("expected both tasks past the 1ms threshold in the top-timed-out list, got %d", len(summary.TopTimedOut))
	}
}
