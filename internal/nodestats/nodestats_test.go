package nodestats

import "testing"

func TestRecordProcessedAccumulatesTotals(t *testing.T) {
	s := New()
	s.RecordLeaseRequest("n1")
	s.RecordAssignment("n1", []string{"t1", "t2", "t3"})

	s.RecordProcessed(ProcessedInfo{NodeID: "n1", ItemNum: 10, RunningTime: 5.0})
	s.RecordProcessed(ProcessedInfo{NodeID: "n1", ItemNum: 10, RunningTime: 5.0})
	s.Detach("t3") // the one failure in the scenario

	page := s.List(1, 10)
	if len(page.Items) != 1 {
		t.Fatalf("expected 1 node, got %d", len(page.Items))
	}
	n := page.Items[0]
	if n.RequestCount != 1 || n.AssignedTaskCount != 3 {
		t.Fatalf("unexpected request/assigned counts: %+v", n)
	}
	if n.TotalItemNum != 20 || n.TotalRunningTime != 10.0 {
		t.Fatalf("unexpected totals: %+v", n)
	}
	if n.AvgItemSpeed != 2.0 {
		t.Fatalf("expected avg item speed 2.0, got %v", n.AvgItemSpeed)
	}
	if n.AvgTimePer100 != 50.0 {
		t.Fatalf("expected avg time per 100 items 50.0, got %v", n.AvgTimePer100)
	}
	if len(n.ActiveIDs) != 2 {
		t.Fatalf("expected 2 still-active ids after detaching t3, got %v", n.ActiveIDs)
	}
}

func TestDetachRemovesFromActiveSetAndIndex(t *testing.T) {
	s := New()
	s.RecordAssignment("n1", []string{"t1"})
	s.Detach("t1")

	page := s.List(1, 10)
	if len(page.Items[0].ActiveIDs) != 0 {
		t.Fatalf("expected empty active set after detach")
	}
	// Detaching again (e.g. a race between report and sweep) is a no-op.
	s.Detach("t1")
}

func TestSummaryAggregatesAcrossNodes(t *testing.T) {
	s := New()
	s.RecordProcessed(ProcessedInfo{NodeID: "n1", ItemNum: 10, RunningTime: 5.0})
	s.RecordProcessed(ProcessedInfo{NodeID: "n2", ItemNum: 20, RunningTime: 4.0})

	sum := s.Summary()
	if sum.NodeCount != 2 {
		t.Fatalf("expected 2 nodes, got %d", sum.NodeCount)
	}
	if sum.TotalItemNum != 30 {
		t.Fatalf("expected total item num 30, got %d", sum.TotalItemNum)
	}
	if sum.AvgItemSpeed == nil {
		t.Fatalf("expected avg item speed to be set")
	}
}

func TestDeleteAndClear(t *testing.T) {
	s := New()
	s.RecordAssignment("n1", []string{"t1"})
	if !s.Delete("n1") {
		t.Fatalf("expected delete to report found")
	}
	if s.Delete("n1") {
		t.Fatalf("expected second delete to report not found")
	}

	s.RecordProcessed(ProcessedInfo{NodeID: "n2", ItemNum: 1, RunningTime: 1})
	s.Clear()
	if s.Summary().NodeCount != 0 {
		t.Fatalf("expected no nodes after clear")
	}
}

func TestArchiveAndTrimCapsWindowAt500(t *testing.T) {
	s := New()
	for i := 0; i < 520; i++ {
		s.RecordProcessed(ProcessedInfo{NodeID: "n1", ItemNum: 1, RunningTime: 1})
	}
	page := s.List(1, 1)
	n := page.Items[0]
	if len(n.Recent) > 500 {
		t.Fatalf("expected recent window capped at 500, got %d", len(n.Recent))
	}
	if n.TotalItemNum != 520 {
		t.Fatalf("lifetime totals must survive trimming, got %d", n.TotalItemNum)
	}
	if n.ArchivedItemNum+sumRecentItems(n.Recent) != 520 {
		t.Fatalf("archived+windowed should reconstruct lifetime total: archived=%d recent=%d", n.ArchivedItemNum, sumRecentItems(n.Recent))
	}
}

func sumRecentItems(recs []Record) int64 {
	var total int64
	for _, r := range recs {
		total += r.ItemNum
	}
	return total
}
