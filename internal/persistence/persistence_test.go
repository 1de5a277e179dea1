package persistence

import (
	"context"
	"testing"

	"pathfleet/internal/model"
)

func TestWriteThenReadRoundTrips(t *testing.T) {
	ctx := context.Background()
	sink := NewFileSink(t.TempDir())

	snap := &Snapshot{
		Metadata: model.RoundMetadata{ID: "round_0001", Name: "r1", Status: model.RoundActive},
		Store:    model.StoreSnapshot{RoundID: "round_0001"},
	}
	if err := sink.Write(ctx, "round_0001", snap); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, ok, err := sink.Read(ctx, "round_0001")
	if err != nil || !ok {
		t.Fatalf("read: ok=%v err=%v", ok, err)
	}
	if got.Metadata.Name != "r1" {
		t.Fatalf("unexpected metadata after round trip: %+v", got.Metadata)
	}
}

func TestReadMissingRoundReturnsNotFound(t *testing.T) {
	sink := NewFileSink(t.TempDir())
	_, ok, err := sink.Read(context.Background(), "round_9999")
	if err != nil || ok {
		t.Fatalf("expected ok=false err=nil for a missing round, got ok=%v err=%v", ok, err)
	}
}

func TestWriteOverwritesExistingSnapshot(t *testing.T) {
	ctx := context.Background()
	sink := NewFileSink(t.TempDir())

	first := &Snapshot{Metadata: model.RoundMetadata{ID: "round_0001", Name: "first"}}
	second := &Snapshot{Metadata: model.RoundMetadata{ID: "round_0001", Name: "second"}}
	if err := sink.Write(ctx, "round_0001", first); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := sink.Write(ctx, "round_0001", second); err != nil {
		t.Fatalf("second write: %v", err)
	}

	got, ok, err := sink.Read(ctx, "round_0001")
	if err != nil || !ok || got.Metadata.Name != "second" {
		t.Fatalf("expected overwritten snapshot, got %+v ok=%v err=%v", got, ok, err)
	}
}

func TestListEnumeratesPersistedRounds(t *testing.T) {
	ctx := context.Background()
	sink := NewFileSink(t.TempDir())

	for _, id := range []string{"round_0002", "round_0001"} {
		if err := sink.Write(ctx, id, &Snapshot{Metadata: model.RoundMetadata{ID: id}}); err != nil {
			t.Fatalf("write %s: %v", id, err)
		}
	}

	ids, err := sink.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != 2 || ids[0] != "round_0001" || ids[1] != "round_0002" {
		t.Fatalf("expected sorted [round_0001 round_0002], got %v", ids)
	}
}

func TestDeleteRemovesSnapshot(t *testing.T) {
	ctx := context.Background()
	sink := NewFileSink(t.TempDir())

	if err := sink.Write(ctx, "round_0001", &Snapshot{Metadata: model.RoundMetadata{ID: "round_0001"}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := sink.Delete(ctx, "round_0001"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	_, ok, err := sink.Read(ctx, "round_0001")
	if err != nil || ok {
		t.Fatalf("expected round gone after delete, got ok=%v err=%v", ok, err)
	}
}
