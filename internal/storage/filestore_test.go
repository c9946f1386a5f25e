package storage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mpz/devops/tools/aurora-migrate/internal/types"
)

func createTestRun(t *testing.T, id, source string, created time.Time) *types.Run {
	t.Helper()
	plan, err := types.NewPlan(types.PlanInput{Source: source, User: "admin", Password: "secret"})
	if err != nil {
		t.Fatal(err)
	}
	return types.NewRun(id, plan, created)
}

func TestFileStore_AtomicWrite(t *testing.T) {
	tmpDir := t.TempDir()

	store, err := NewFileStore(tmpDir, nil)
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}

	ctx := context.Background()
	run := createTestRun(t, "run-1", "orders-db", time.Now())

	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}

	files, _ := filepath.Glob(filepath.Join(tmpDir, "runs", run.ID, ".tmp-*"))
	if len(files) > 0 {
		t.Errorf("temp files remaining after save: %v", files)
	}

	loaded, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if loaded.ID != run.ID || loaded.TargetID != "orders-db-migrated" {
		t.Errorf("loaded run = %+v", loaded)
	}
	if len(loaded.Stages) != 3 {
		t.Errorf("expected 3 stage records, got %d", len(loaded.Stages))
	}
}

func TestFileStore_GetMissingRun(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	run, err := store.GetRun(context.Background(), "nope")
	if err != nil || run != nil {
		t.Errorf("GetRun() = %v, %v; want nil, nil", run, err)
	}
}

func TestFileStore_CorruptedRunRecovery(t *testing.T) {
	tmpDir := t.TempDir()

	store, err := NewFileStore(tmpDir, nil)
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	ctx := context.Background()

	if err := store.SaveRun(ctx, createTestRun(t, "valid-run", "orders-db", time.Now())); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}

	corruptDir := filepath.Join(tmpDir, "runs", "corrupt-run")
	if err := os.MkdirAll(corruptDir, 0755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(corruptDir, "run.json"), []byte("not valid json{"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	invalidDir := filepath.Join(tmpDir, "runs", "invalid-run")
	if err := os.MkdirAll(invalidDir, 0755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	invalidData, _ := json.Marshal(map[string]interface{}{
		"id":    "invalid-run",
		"state": "exploded",
	})
	if err := os.WriteFile(filepath.Join(invalidDir, "run.json"), invalidData, 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	runs, err := store.ListRuns(ctx)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != "valid-run" {
		t.Errorf("expected only valid-run, got %d runs", len(runs))
	}
}

func TestFileStore_EventsAreOrdered(t *testing.T) {
	tmpDir := t.TempDir()
	store, err := NewFileStore(tmpDir, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	eventTypes := []string{types.EventRunStarted, types.EventStageStarted, types.EventManualIntervention, types.EventStageCompleted}
	for i, typ := range eventTypes {
		ev := types.Event{
			ID:        "ev-" + typ,
			RunID:     "run-1",
			Type:      typ,
			Stage:     types.StageSnapshotAndCluster,
			Message:   typ,
			Timestamp: ts,
		}
		if err := store.AppendEvent(ctx, ev); err != nil {
			t.Fatalf("AppendEvent %d failed: %v", i, err)
		}
	}

	// A torn line, as left by a crash mid-append, is skipped.
	logPath := filepath.Join(tmpDir, "runs", "run-1", "events.jsonl")
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(`{"id":"torn","run_id":"run-1","ty` + "\n"); err != nil {
		t.Fatal(err)
	}
	f.Close()

	// A new store keeps appending after the existing lines.
	reopened, err := NewFileStore(tmpDir, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := reopened.AppendEvent(ctx, types.Event{ID: "late", RunID: "run-1", Type: types.EventRunCompleted, Timestamp: ts}); err != nil {
		t.Fatal(err)
	}
	want := append(eventTypes, types.EventRunCompleted)

	events, err := reopened.GetEvents(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetEvents failed: %v", err)
	}
	if len(events) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(events))
	}
	for i, ev := range events {
		if ev.Type != want[i] {
			t.Errorf("event %d type = %s, want %s", i, ev.Type, want[i])
		}
	}
}

func TestFileStore_GetEventsOfUnknownRun(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	events, err := store.GetEvents(context.Background(), "nope")
	if err != nil || events != nil {
		t.Errorf("GetEvents() = %v, %v; want nil, nil", events, err)
	}
}

func TestFileStore_RejectsInvalidEvent(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.AppendEvent(context.Background(), types.Event{RunID: "run-1"}); err == nil {
		t.Error("expected an error for an event without ID and type")
	}
}

func TestFileStore_CleansTempFiles(t *testing.T) {
	tmpDir := t.TempDir()
	dir := filepath.Join(tmpDir, "runs", "run-1")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	orphan := filepath.Join(dir, ".tmp-12345")
	if err := os.WriteFile(orphan, []byte("partial"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := NewFileStore(tmpDir, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Errorf("orphaned temp file still present: %v", err)
	}
}

func TestLatestRun(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for _, r := range []*types.Run{
		createTestRun(t, "old", "orders-db", base),
		createTestRun(t, "new", "orders-db", base.Add(time.Hour)),
		createTestRun(t, "other", "billing-db", base.Add(2*time.Hour)),
	} {
		if err := store.SaveRun(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		source string
		want   string
	}{
		{"orders-db", "new"},
		{"billing-db", "other"},
		{"unknown-db", ""},
	}
	for _, tt := range tests {
		t.Run(tt.source, func(t *testing.T) {
			run, err := LatestRun(ctx, store, tt.source)
			if err != nil {
				t.Fatal(err)
			}
			got := ""
			if run != nil {
				got = run.ID
			}
			if got != tt.want {
				t.Errorf("LatestRun(%s) = %q, want %q", tt.source, got, tt.want)
			}
		})
	}
}
