package ledger

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func testLog() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}

func TestOpenMissingFileStartsEmpty(t *testing.T) {
	l := Open(t.TempDir(), testLog())
	if l.SyncedCount() != 0 {
		t.Errorf("SyncedCount = %d, want 0", l.SyncedCount())
	}
	if !l.LastSyncTime().IsZero() {
		t.Errorf("LastSyncTime = %v, want zero", l.LastSyncTime())
	}
}

func TestAddSyncedIsWriteThrough(t *testing.T) {
	dir := t.TempDir()
	l := Open(dir, testLog())

	if err := l.AddSynced("msg-1"); err != nil {
		t.Fatalf("AddSynced: %v", err)
	}

	// The file must reflect the id before AddSynced returns
	data, err := os.ReadFile(filepath.Join(dir, fileName))
	if err != nil {
		t.Fatalf("read state file: %v", err)
	}
	var st state
	if err := json.Unmarshal(data, &st); err != nil {
		t.Fatalf("parse state file: %v", err)
	}
	if _, ok := st.SyncedIDs["msg-1"]; !ok {
		t.Error("msg-1 missing from persisted state")
	}
}

func TestReopenSeesSyncedIDs(t *testing.T) {
	dir := t.TempDir()

	l := Open(dir, testLog())
	if err := l.AddSynced("msg-1"); err != nil {
		t.Fatalf("AddSynced: %v", err)
	}
	if err := l.AddSynced("msg-2"); err != nil {
		t.Fatalf("AddSynced: %v", err)
	}
	if err := l.SetLastSyncTime(time.Now()); err != nil {
		t.Fatalf("SetLastSyncTime: %v", err)
	}

	reopened := Open(dir, testLog())
	if !reopened.IsSynced("msg-1") || !reopened.IsSynced("msg-2") {
		t.Error("synced ids lost across reopen")
	}
	if reopened.IsSynced("msg-3") {
		t.Error("unknown id reported as synced")
	}
	if reopened.LastSyncTime().IsZero() {
		t.Error("watermark lost across reopen")
	}
}

func TestCorruptFileResetsToEmpty(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, fileName), []byte("{not json"), 0644); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}

	l := Open(dir, testLog())
	if l.SyncedCount() != 0 {
		t.Errorf("SyncedCount = %d, want 0 after corrupt file", l.SyncedCount())
	}

	// The ledger must be usable again
	if err := l.AddSynced("msg-1"); err != nil {
		t.Fatalf("AddSynced after reset: %v", err)
	}
	if !Open(dir, testLog()).IsSynced("msg-1") {
		t.Error("write after corrupt reset did not persist")
	}
}

func TestWatermarkIsMonotonic(t *testing.T) {
	l := Open(t.TempDir(), testLog())

	later := time.Now()
	earlier := later.Add(-time.Hour)

	if err := l.SetLastSyncTime(later); err != nil {
		t.Fatalf("SetLastSyncTime: %v", err)
	}
	if err := l.SetLastSyncTime(earlier); err != nil {
		t.Fatalf("SetLastSyncTime: %v", err)
	}

	if got := l.LastSyncTime(); got.Before(later.Truncate(time.Millisecond)) {
		t.Errorf("watermark regressed to %v", got)
	}
}

func TestWireFormatUsesEpochMillis(t *testing.T) {
	dir := t.TempDir()
	l := Open(dir, testLog())

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := l.SetLastSyncTime(at); err != nil {
		t.Fatalf("SetLastSyncTime: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, fileName))
	if err != nil {
		t.Fatalf("read state file: %v", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("parse state file: %v", err)
	}

	var ms int64
	if err := json.Unmarshal(raw["lastSyncTime"], &ms); err != nil {
		t.Fatalf("lastSyncTime not a number: %v", err)
	}
	if ms != at.UnixMilli() {
		t.Errorf("lastSyncTime = %d, want %d", ms, at.UnixMilli())
	}
	if _, ok := raw["syncedIds"]; !ok {
		t.Error("syncedIds key missing from wire format")
	}
}
