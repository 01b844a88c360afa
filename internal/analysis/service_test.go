package analysis

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type stubAnalyzer struct {
	delay  time.Duration
	err    error
	report *Report

	mu    sync.Mutex
	calls int
}

func (a *stubAnalyzer) Analyze(ctx context.Context, frames [][]byte) (*Report, error) {
	a.mu.Lock()
	a.calls++
	a.mu.Unlock()

	if a.delay > 0 {
		select {
		case <-time.After(a.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if a.err != nil {
		return nil, a.err
	}
	return a.report, nil
}

type stubFrames struct{}

func (stubFrames) Sample(ctx context.Context, n int) ([][]byte, error) {
	return [][]byte{[]byte("frame")}, nil
}

// TestServiceSingleFlight verifies the at-most-one-concurrent-analysis
// guarantee: a trigger while another runs fails fast with ErrBusy.
func TestServiceSingleFlight(t *testing.T) {
	analyzer := &stubAnalyzer{
		delay:  300 * time.Millisecond,
		report: &Report{Summary: "ok", Severity: SeverityLow},
	}
	svc := NewService(analyzer, stubFrames{})

	firstDone := make(chan error, 1)
	go func() {
		_, err := svc.Trigger(context.Background())
		firstDone <- err
	}()

	// Give the first trigger time to take the slot.
	time.Sleep(50 * time.Millisecond)
	if _, err := svc.Trigger(context.Background()); !errors.Is(err, ErrBusy) {
		t.Fatalf("concurrent trigger: got %v, want ErrBusy", err)
	}

	if err := <-firstDone; err != nil {
		t.Fatalf("first trigger failed: %v", err)
	}

	// The slot is free again after completion.
	if _, err := svc.Trigger(context.Background()); err != nil {
		t.Fatalf("trigger after completion failed: %v", err)
	}
}

// TestServiceSurfacesFailure verifies that an analyzer failure reaches the
// caller untouched and does not wedge the slot.
func TestServiceSurfacesFailure(t *testing.T) {
	wantErr := errors.New("model overloaded")
	svc := NewService(&stubAnalyzer{err: wantErr}, stubFrames{})

	if _, err := svc.Trigger(context.Background()); !errors.Is(err, wantErr) {
		t.Fatalf("got %v, want %v", err, wantErr)
	}
	if _, err := svc.Trigger(context.Background()); !errors.Is(err, wantErr) {
		t.Fatalf("slot wedged after failure: %v", err)
	}
}

// TestDirSourceSamplesNewestOldestFirst verifies burst selection: the
// newest n frames, returned in chronological order.
func TestDirSourceSamplesNewestOldestFirst(t *testing.T) {
	dir := t.TempDir()
	base := time.Now().Add(-time.Hour)

	names := []string{"a.jpg", "b.jpg", "c.jpg", "d.jpg", "skip.txt"}
	for i, name := range names {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(name), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		mod := base.Add(time.Duration(i) * time.Minute)
		if err := os.Chtimes(path, mod, mod); err != nil {
			t.Fatalf("chtimes %s: %v", name, err)
		}
	}

	frames, err := NewDirSource(dir).Sample(context.Background(), 3)
	if err != nil {
		t.Fatalf("Sample failed: %v", err)
	}

	want := []string{"b.jpg", "c.jpg", "d.jpg"} // newest 3 images, oldest first
	if len(frames) != len(want) {
		t.Fatalf("got %d frames, want %d", len(frames), len(want))
	}
	for i, w := range want {
		if string(frames[i]) != w {
			t.Errorf("frame %d = %q, want %q", i, frames[i], w)
		}
	}
}

// TestDirSourceEmptyDir verifies the no-frames error.
func TestDirSourceEmptyDir(t *testing.T) {
	if _, err := NewDirSource(t.TempDir()).Sample(context.Background(), 4); err == nil {
		t.Fatal("expected an error for an empty directory")
	}
}
