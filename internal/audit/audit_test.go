package audit

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/alexos-labs/watchtower-agent/internal/events"
	"github.com/alexos-labs/watchtower-agent/internal/logging"
)

func openSink(t *testing.T) *Sink {
	t.Helper()
	sink, err := Open(filepath.Join(t.TempDir(), "audit.db"), logging.Discard())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { sink.Close() })
	return sink
}

func TestAppendAndTail(t *testing.T) {
	sink := openSink(t)
	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	for i := 1; i <= 3; i++ {
		err := sink.append(events.Event{
			Sequence:    uint64(i),
			Kind:        events.ContainerRegistered,
			At:          base.Add(time.Duration(i) * time.Second),
			ContainerID: "c1",
		})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	entries, err := sink.Tail(10)
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("len = %d", len(entries))
	}
	// Chronological order.
	for i, e := range entries {
		if e.Sequence != uint64(i+1) {
			t.Errorf("entry %d: Sequence = %d", i, e.Sequence)
		}
	}
	if entries[0].Kind != string(events.ContainerRegistered) {
		t.Errorf("Kind = %q", entries[0].Kind)
	}
}

func TestTailLimit(t *testing.T) {
	sink := openSink(t)
	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	for i := 1; i <= 5; i++ {
		if err := sink.append(events.Event{
			Sequence: uint64(i),
			Kind:     events.UpdateApplied,
			At:       base.Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := sink.Tail(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("len = %d", len(entries))
	}
	// The newest two, oldest first.
	if entries[0].Sequence != 4 || entries[1].Sequence != 5 {
		t.Errorf("sequences = %d, %d, want 4, 5", entries[0].Sequence, entries[1].Sequence)
	}

	if entries, _ := sink.Tail(0); entries != nil {
		t.Errorf("Tail(0) = %v, want nil", entries)
	}
}

func TestSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.db")
	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	sink, err := Open(path, logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	if err := sink.append(events.Event{Sequence: 1, Kind: events.AgentStarted, At: base}); err != nil {
		t.Fatal(err)
	}
	if err := sink.Close(); err != nil {
		t.Fatal(err)
	}

	sink, err = Open(path, logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	defer sink.Close()
	entries, err := sink.Tail(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Sequence != 1 {
		t.Errorf("entries = %+v", entries)
	}
}
