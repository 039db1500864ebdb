package wal

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/wakimworks/bucketwarden/types"
)

func TestWAL_AppendAndRead(t *testing.T) {
	dir := t.TempDir()

	w, err := Open(dir)
	if err != nil {
		t.Fatalf("Failed to open WAL: %v", err)
	}

	event := types.ViolationEvent{
		RuleID:          "s3-bucket-versioning-enabled",
		ResourceID:      "data-bucket",
		AccountID:       "111111111111",
		ComplianceState: types.StateNonCompliant,
	}

	if err := w.Append(EntryReceived, event.ResourceID, event); err != nil {
		t.Fatalf("Failed to append received entry: %v", err)
	}
	if err := w.Append(EntryValidated, event.ResourceID, event); err != nil {
		t.Fatalf("Failed to append validated entry: %v", err)
	}
	if err := w.Append(EntryRemediated, event.ResourceID, event); err != nil {
		t.Fatalf("Failed to append remediated entry: %v", err)
	}

	if err := w.Close(); err != nil {
		t.Fatalf("Failed to close WAL: %v", err)
	}

	files, _ := filepath.Glob(filepath.Join(dir, "bucketwarden-*.wal"))
	if len(files) != 1 {
		t.Fatalf("Expected 1 WAL file, got %d", len(files))
	}

	reader, err := NewReader(files[0])
	if err != nil {
		t.Fatalf("Failed to open reader: %v", err)
	}
	defer func() { _ = reader.Close() }()

	var entries []*Entry
	for {
		entry, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Failed to read entry: %v", err)
		}
		entries = append(entries, entry)
	}

	if len(entries) != 3 {
		t.Fatalf("Expected 3 entries, got %d", len(entries))
	}
	if entries[0].Type != EntryReceived || entries[2].Type != EntryRemediated {
		t.Errorf("Entry types out of order: %s ... %s", entries[0].Type, entries[2].Type)
	}
	if entries[0].Sequence != 1 || entries[2].Sequence != 3 {
		t.Errorf("Sequences not monotonic: %d, %d", entries[0].Sequence, entries[2].Sequence)
	}

	var decoded types.ViolationEvent
	if err := json.Unmarshal(entries[0].Data, &decoded); err != nil {
		t.Fatalf("Failed to unmarshal entry data: %v", err)
	}
	if decoded.RuleID != event.RuleID {
		t.Errorf("RuleID = %s, want %s", decoded.RuleID, event.RuleID)
	}
}

func TestWAL_AppendError(t *testing.T) {
	dir := t.TempDir()

	w, err := Open(dir)
	if err != nil {
		t.Fatalf("Failed to open WAL: %v", err)
	}

	storeErr := io.ErrUnexpectedEOF
	if err := w.AppendError(EntryDegraded, "data-bucket", "outcome write failed", storeErr); err != nil {
		t.Fatalf("Failed to append error entry: %v", err)
	}
	_ = w.Close()

	files, _ := filepath.Glob(filepath.Join(dir, "bucketwarden-*.wal"))
	reader, err := NewReader(files[0])
	if err != nil {
		t.Fatalf("Failed to open reader: %v", err)
	}
	defer func() { _ = reader.Close() }()

	entry, err := reader.Next()
	if err != nil {
		t.Fatalf("Failed to read entry: %v", err)
	}
	if entry.Error == "" {
		t.Error("Error field should be populated")
	}
}

func TestWAL_RotationSequenceContinuity(t *testing.T) {
	dir := t.TempDir()

	config := DefaultConfig()
	config.MaxFileSize = 500 // Very small to force rotation

	w, err := OpenWithConfig(dir, config)
	if err != nil {
		t.Fatalf("Failed to open WAL: %v", err)
	}

	for i := 0; i < 20; i++ {
		if err := w.Append(EntryReceived, "bucket", "some data"); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	_ = w.Close()

	if w.sequence != 20 {
		t.Errorf("Expected sequence 20, got %d", w.sequence)
	}

	files, _ := filepath.Glob(filepath.Join(dir, "bucketwarden-*.wal"))
	if len(files) < 2 {
		t.Errorf("Expected rotation to produce multiple files, got %d", len(files))
	}

	count := 0
	for _, file := range files {
		reader, err := NewReader(file)
		if err != nil {
			t.Fatalf("Failed to open reader: %v", err)
		}
		for {
			_, err := reader.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				t.Fatalf("Read failed: %v", err)
			}
			count++
		}
		_ = reader.Close()
	}
	if count != 20 {
		t.Errorf("Expected 20 entries across files, got %d", count)
	}
}

func TestWAL_SequenceContinuesAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	w, err := Open(dir)
	if err != nil {
		t.Fatalf("Failed to open WAL: %v", err)
	}
	_ = w.Append(EntryReceived, "bucket", "first")
	_ = w.Close()

	// New WAL in the same directory resumes numbering
	w2, err := Open(dir)
	if err != nil {
		t.Fatalf("Failed to reopen WAL: %v", err)
	}
	_ = w2.Append(EntryReceived, "bucket", "second")
	_ = w2.Close()

	if w2.sequence != 2 {
		t.Errorf("Expected sequence to resume at 2, got %d", w2.sequence)
	}
}

func TestCleanup(t *testing.T) {
	dir := t.TempDir()

	w, err := Open(dir)
	if err != nil {
		t.Fatalf("Failed to open WAL: %v", err)
	}
	_ = w.Append(EntryReceived, "bucket", "fresh")
	_ = w.Close()

	// Fabricate a file old enough to fall out of retention
	old := filepath.Join(dir, "bucketwarden-20200101-000000.000000.wal")
	if err := os.WriteFile(old, []byte("stale"), 0644); err != nil {
		t.Fatalf("Failed to write stale file: %v", err)
	}
	expired := time.Now().AddDate(0, 0, -(DefaultConfig().RetentionDays + 1))
	if err := os.Chtimes(old, expired, expired); err != nil {
		t.Fatalf("Failed to age stale file: %v", err)
	}

	stats, err := CleanupWithStats(dir, DefaultConfig())
	if err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if stats.FilesRemoved != 1 {
		t.Errorf("Expected 1 file removed, got %d", stats.FilesRemoved)
	}
	if stats.BytesFreed != int64(len("stale")) {
		t.Errorf("Expected %d bytes freed, got %d", len("stale"), stats.BytesFreed)
	}

	files, _ := filepath.Glob(filepath.Join(dir, "bucketwarden-*.wal"))
	if len(files) != 1 {
		t.Fatalf("Expected the fresh file to survive, got %d files", len(files))
	}
	if files[0] == old {
		t.Error("Stale file should have been removed")
	}
}

func TestReplay(t *testing.T) {
	dir := t.TempDir()

	w, err := Open(dir)
	if err != nil {
		t.Fatalf("Failed to open WAL: %v", err)
	}
	_ = w.Append(EntrySkipped, "b1", "trust unavailable")
	_ = w.Append(EntryFailed, "b2", "access denied")
	_ = w.Close()

	var seen []EntryType
	err = Replay(dir, time.Now().Add(-time.Hour), func(e *Entry) error {
		seen = append(seen, e.Type)
		return nil
	})
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	if len(seen) != 2 {
		t.Fatalf("Expected 2 replayed entries, got %d", len(seen))
	}

	// Replay from the future sees nothing
	seen = nil
	_ = Replay(dir, time.Now().Add(time.Hour), func(e *Entry) error {
		seen = append(seen, e.Type)
		return nil
	})
	if len(seen) != 0 {
		t.Errorf("Expected no entries after future cutoff, got %d", len(seen))
	}
}
