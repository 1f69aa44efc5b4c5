package persistence

import (
	"context"
	"testing"
	"time"
)

func TestTransferRepoInsertAndListRecent(t *testing.T) {
	ctx := context.Background()
	repo := NewTransferRepo(openTestDB(t))
	base := time.Now().Truncate(time.Millisecond)

	transfers := []Transfer{
		{JobID: "a", Kind: "program", Connector: "bluetooth", Target: "AA:BB:CC:DD:EE:FF", Lines: 3, Bytes: 120, StartedAt: base, FinishedAt: base.Add(time.Second)},
		{JobID: "b", Kind: "firmware", Connector: "serial", Target: "/dev/ttyUSB0", Lines: 400, Bytes: 16000, StartedAt: base.Add(time.Minute), FinishedAt: base.Add(2 * time.Minute), Error: "link lost"},
	}
	for _, tr := range transfers {
		if err := repo.Insert(ctx, tr); err != nil {
			t.Fatalf("insert %s: %v", tr.JobID, err)
		}
	}

	got, err := repo.ListRecent(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 transfers, got %d", len(got))
	}
	if got[0].JobID != "b" || got[0].Succeeded() || got[0].Error != "link lost" {
		t.Fatalf("unexpected newest transfer: %+v", got[0])
	}
	if got[1].JobID != "a" || !got[1].Succeeded() || got[1].Bytes != 120 || !got[1].FinishedAt.Equal(base.Add(time.Second)) {
		t.Fatalf("unexpected oldest transfer: %+v", got[1])
	}

	limited, err := repo.ListRecent(ctx, 1)
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(limited) != 1 || limited[0].JobID != "b" {
		t.Fatalf("unexpected limited list: %+v", limited)
	}
}

func TestTransferRepoRejectsDuplicateJob(t *testing.T) {
	ctx := context.Background()
	repo := NewTransferRepo(openTestDB(t))
	now := time.Now()

	tr := Transfer{JobID: "dup", Kind: "program", Connector: "serial", StartedAt: now, FinishedAt: now}
	if err := repo.Insert(ctx, tr); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := repo.Insert(ctx, tr); err == nil {
		t.Fatalf("expected duplicate job id to fail")
	}
}
