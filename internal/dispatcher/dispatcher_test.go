package dispatcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"pathfleet/internal/coordinator/cerr"
	"pathfleet/internal/persistence"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, string) {
	t.Helper()
	dir := t.TempDir()
	sink := persistence.NewFileSink(dir)
	d := New(sink, Config{DefaultBatchSize: 4, MaxBatchSize: 100})
	return d, dir
}

func TestCreateRoundActivatesFirstRoundAutomatically(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ctx := context.Background()

	res, err := d.CreateRound(ctx, []string{"/a", "/b"}, ImportOptions{Name: "r1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Added != 2 {
		t.Fatalf("expected 2 added, got %d", res.Added)
	}

	leased, err := d.Lease(ctx, 10, "", "node1")
	if err != nil || len(leased) != 2 {
		t.Fatalf("expected to lease 2 tasks from the auto-activated round, got %v err=%v", leased, err)
	}
}

func TestCreateRoundWithoutActivateStaysPending(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ctx := context.Background()
	activate := false

	_, err := d.CreateRound(ctx, []string{"/a"}, ImportOptions{Name: "r1", Activate: &activate})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	leased, err := d.Lease(ctx, 10, "", "node1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(leased) != 0 {
		t.Fatalf("expected no tasks leased from an inactive round, got %v", leased)
	}
}

func TestReportCompletesRoundAndFiresWebhookOnce(t *testing.T) {
	dir := t.TempDir()
	sink := persistence.NewFileSink(dir)
	ctx := context.Background()

	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	// Built with an http:// URL directly: UpdateConfig enforces https://
	// for operator input, but httptest only serves plain HTTP.
	d := New(sink, Config{DefaultBatchSize: 4, MaxBatchSize: 100, FeishuWebhookURL: srv.URL})

	if _, err := d.CreateRound(ctx, []string{"/a"}, ImportOptions{Name: "r1"}); err != nil {
		t.Fatalf("create round: %v", err)
	}
	leased, err := d.Lease(ctx, 10, "", "node1")
	if err != nil || len(leased) != 1 {
		t.Fatalf("lease failed: %v %v", leased, err)
	}

	if _, err := d.Report(ctx, leased[0].TaskID, true, ""); err != nil {
		t.Fatalf("report: %v", err)
	}

	if hits != 1 {
		t.Fatalf("expected exactly 1 webhook post on completion, got %d", hits)
	}

	// Re-running the completion detector with an unchanged digest must
	// not fire a second post.
	d.runCompletionDetector(ctx)
	if hits != 1 {
		t.Fatalf("expected webhook to fire only once per completion edge, got %d hits", hits)
	}
}

func TestLeaseFallsThroughToNextRoundWhenActiveExhausted(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ctx := context.Background()

	if _, err := d.CreateRound(ctx, []string{"/a"}, ImportOptions{Name: "r1"}); err != nil {
		t.Fatalf("create round 1: %v", err)
	}
	if _, err := d.CreateRound(ctx, []string{"/b"}, ImportOptions{Name: "r2"}); err != nil {
		t.Fatalf("create round 2: %v", err)
	}

	first, err := d.Lease(ctx, 10, "", "")
	if err != nil || len(first) != 1 || first[0].Path != "/a" {
		t.Fatalf("expected to drain round 1 first, got %+v err=%v", first, err)
	}

	second, err := d.Lease(ctx, 10, "", "")
	if err != nil || len(second) != 1 || second[0].Path != "/b" {
		t.Fatalf("expected fallthrough to round 2, got %+v err=%v", second, err)
	}
}

func TestClearRoundRemovesSnapshotAndIndex(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ctx := context.Background()

	res, err := d.CreateRound(ctx, []string{"/a"}, ImportOptions{Name: "r1"})
	if err != nil {
		t.Fatalf("create round: %v", err)
	}

	n, err := d.ClearRound(ctx, res.RoundID)
	if err != nil || n != 1 {
		t.Fatalf("expected to clear 1 task, got %d err=%v", n, err)
	}

	task, _, err := d.FindTask(ctx, "/a", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if task != nil {
		t.Fatalf("expected cleared task to be gone, got %+v", task)
	}
	if _, ok, err := d.sink.Read(ctx, res.RoundID); err != nil || ok {
		t.Fatalf("expected no snapshot left for the cleared round, got ok=%v err=%v", ok, err)
	}
}

func TestUpdateConfigRejectsInvalidBatchSizes(t *testing.T) {
	d, _ := newTestDispatcher(t)
	bad := 0
	if _, err := d.UpdateConfig(ConfigPatch{DefaultBatchSize: &bad}); err == nil {
		t.Fatalf("expected validation error for batch size 0")
	}
}

func TestTriggerReportWithoutWebhookReturnsNoWebhook(t *testing.T) {
	d, _ := newTestDispatcher(t)
	err := d.TriggerReport(context.Background())
	if err == nil {
		t.Fatalf("expected error when no webhook is configured")
	}
	if !cerr.Is(err, cerr.CodeNoWebhook) {
		t.Fatalf("expected NO_WEBHOOK, got %v", err)
	}
}

func strPtr(s string) *string { return &s }
