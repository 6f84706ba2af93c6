package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/JakeFAU/jewelry-catalog-crawler/internal/crawler"
)

func TestRunStoreLifecycle(t *testing.T) {
	t.Parallel()

	store := NewRunStore()
	ctx := context.Background()
	run := crawler.Run{ID: "run-1", Status: crawler.RunStatusQueued, Sites: []string{"aurora"}, Submitted: time.Unix(100, 0)}

	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}
	if err := store.CreateRun(ctx, run); err == nil {
		t.Fatal("expected duplicate run error")
	}
	if err := store.UpdateRun(ctx, run.ID, crawler.RunStatusRunning, "", crawler.RunCounters{}); err != nil {
		t.Fatalf("UpdateRun running error = %v", err)
	}
	if err := store.SetOutput(ctx, run.ID, "file:///tmp/catalog.xlsx"); err != nil {
		t.Fatalf("SetOutput() error = %v", err)
	}
	err := store.UpdateRun(ctx, run.ID, crawler.RunStatusSucceeded, "", crawler.RunCounters{PagesSucceeded: 2, Products: 10})
	if err != nil {
		t.Fatalf("UpdateRun succeeded error = %v", err)
	}

	final, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if final.Status != crawler.RunStatusSucceeded || final.Started == nil || final.Finished == nil {
		t.Fatalf("expected timestamps set, got %+v", final)
	}
	if final.Counters.Products != 10 || final.OutputURI != "file:///tmp/catalog.xlsx" {
		t.Fatalf("expected counters and output to persist, got %+v", final)
	}
}

func TestRunStoreUnknownRun(t *testing.T) {
	t.Parallel()

	store := NewRunStore()
	ctx := context.Background()
	if _, err := store.GetRun(ctx, "missing"); !errors.Is(err, crawler.ErrRunNotFound) {
		t.Fatalf("GetRun err = %v", err)
	}
	if err := store.UpdateRun(ctx, "missing", crawler.RunStatusFailed, "", crawler.RunCounters{}); !errors.Is(err, crawler.ErrRunNotFound) {
		t.Fatalf("UpdateRun err = %v", err)
	}
	if err := store.SetOutput(ctx, "missing", "x"); !errors.Is(err, crawler.ErrRunNotFound) {
		t.Fatalf("SetOutput err = %v", err)
	}
}

func TestRunStoreListNewestFirst(t *testing.T) {
	t.Parallel()

	store := NewRunStore()
	ctx := context.Background()
	for i, id := range []string{"a", "b", "c"} {
		if err := store.CreateRun(ctx, crawler.Run{ID: id, Submitted: time.Unix(int64(i), 0)}); err != nil {
			t.Fatalf("CreateRun(%s) error = %v", id, err)
		}
	}
	runs, err := store.ListRuns(ctx)
	if err != nil {
		t.Fatalf("ListRuns() error = %v", err)
	}
	if len(runs) != 3 || runs[0].ID != "c" || runs[2].ID != "a" {
		t.Fatalf("unexpected order %+v", runs)
	}
}
