package history

import (
	"context"
	"errors"
	"testing"
	"time"

	"lova/internal/cache"
	"lova/internal/reconcile"
)

func mustOpen(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestRecordAndRecent(t *testing.T) {
	j := mustOpen(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour).Truncate(time.Millisecond)

	clean := reconcile.Result{Started: base, Duration: 40 * time.Millisecond, Total: 3, Synced: 3}
	failing := reconcile.Result{
		Started: base.Add(time.Minute), Total: 2, Synced: 1, Failed: 1,
		Errors: []reconcile.ChangeError{{
			ChangeID: "1_abcdef", Type: cache.ChangeDelete, Collection: "wardrobe", DocID: "d",
			Err: errors.New("permission denied"),
		}},
	}

	if err := j.RecordPass(ctx, clean); err != nil {
		t.Fatalf("RecordPass error: %v", err)
	}
	if err := j.RecordPass(ctx, failing); err != nil {
		t.Fatalf("RecordPass error: %v", err)
	}

	passes, err := j.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent error: %v", err)
	}
	if len(passes) != 2 {
		t.Fatalf("Recent returned %d passes, want 2", len(passes))
	}

	newest := passes[0]
	if newest.Failed != 1 || newest.ErrorType != "auth" {
		t.Errorf("newest = %+v, want failed auth pass", newest)
	}
	if newest.ErrorMessage == "" {
		t.Error("error message should be stored")
	}

	oldest := passes[1]
	if !oldest.StartedAt.Equal(base) || oldest.Duration != 40*time.Millisecond || oldest.Synced != 3 {
		t.Errorf("oldest = %+v", oldest)
	}
	if oldest.ErrorType != "" {
		t.Errorf("clean pass error type = %q, want empty", oldest.ErrorType)
	}
}

func TestRecentLimit(t *testing.T) {
	j := mustOpen(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = j.RecordPass(ctx, reconcile.Result{Started: time.Now().Add(time.Duration(i) * time.Second), Total: 1, Synced: 1})
	}
	passes, err := j.Recent(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(passes) != 2 {
		t.Errorf("Recent(2) returned %d", len(passes))
	}
}

func TestCleanup(t *testing.T) {
	j := mustOpen(t)
	ctx := context.Background()

	_ = j.RecordPass(ctx, reconcile.Result{Started: time.Now().Add(-40 * 24 * time.Hour), Total: 1})
	_ = j.RecordPass(ctx, reconcile.Result{Started: time.Now(), Total: 1})

	deleted, err := j.Cleanup(ctx, 30*24*time.Hour)
	if err != nil {
		t.Fatalf("Cleanup error: %v", err)
	}
	if deleted != 1 {
		t.Errorf("Cleanup deleted %d, want 1", deleted)
	}
}

func TestCategorizeError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{cache.ErrMissingDocID, "integrity"},
		{context.DeadlineExceeded, "timeout"},
		{errors.New("dial tcp: connection refused"), "network"},
		{errors.New("401 unauthorized"), "auth"},
		{errors.New("document not found"), "not_found"},
		{errors.New("weird"), "unknown"},
	}
	for _, tt := range tests {
		if got := categorizeError(tt.err); got != tt.want {
			t.Errorf("categorizeError(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestJournalIsRecorder(t *testing.T) {
	var _ reconcile.Recorder = (*Journal)(nil)
}
