// Package ledger holds the durable record of already-synced message ids
// plus the global last-sync watermark. It is the source of dedup truth;
// the watermark only narrows provider queries.
package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// fileName is the ledger's fixed location under the data directory.
const fileName = "sync-state.json"

// state is the persisted wire format. Timestamps are epoch milliseconds.
type state struct {
	LastSyncTime int64            `json:"lastSyncTime"`
	SyncedIDs    map[string]int64 `json:"syncedIds"`
}

// Ledger is a write-through synced-id set. Every mutation persists the
// full state before returning, so persistence success is the commit point
// for "this message will never be recreated".
type Ledger struct {
	path string
	log  *logrus.Entry

	mu    sync.Mutex
	state state
}

// Open loads the ledger from dataDir, resetting to an empty ledger when
// the file is missing or corrupt. Availability is favored over strict
// continuity; note creation tolerates re-creation attempts.
func Open(dataDir string, log *logrus.Entry) *Ledger {
	l := &Ledger{
		path:  filepath.Join(dataDir, fileName),
		log:   log,
		state: state{SyncedIDs: make(map[string]int64)},
	}

	data, err := os.ReadFile(l.path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.WithError(err).Warn("failed to read sync state, starting empty")
		}
		return l
	}

	var st state
	if err := json.Unmarshal(data, &st); err != nil {
		log.WithError(err).Warn("corrupt sync state, starting empty")
		return l
	}
	if st.SyncedIDs == nil {
		st.SyncedIDs = make(map[string]int64)
	}
	l.state = st
	return l
}

// IsSynced reports whether the message id has been materialized before.
func (l *Ledger) IsSynced(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.state.SyncedIDs[id]
	return ok
}

// AddSynced marks id as synced at the current time and persists the
// ledger before returning. Ids are never removed; the set is append-only.
func (l *Ledger) AddSynced(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state.SyncedIDs[id] = time.Now().UnixMilli()
	return l.persist()
}

// LastSyncTime returns the global watermark; zero when never synced.
func (l *Ledger) LastSyncTime() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state.LastSyncTime == 0 {
		return time.Time{}
	}
	return time.UnixMilli(l.state.LastSyncTime)
}

// SetLastSyncTime advances the watermark. The watermark is monotonic;
// an earlier time than the stored one is ignored.
func (l *Ledger) SetLastSyncTime(t time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	ms := t.UnixMilli()
	if ms < l.state.LastSyncTime {
		return nil
	}
	l.state.LastSyncTime = ms
	return l.persist()
}

// SyncedCount returns the number of recorded message ids.
func (l *Ledger) SyncedCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.state.SyncedIDs)
}

// persist writes the full state. Callers hold l.mu.
func (l *Ledger) persist() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	data, err := json.MarshalIndent(l.state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode sync state: %w", err)
	}

	if err := os.WriteFile(l.path, data, 0644); err != nil {
		return fmt.Errorf("write sync state: %w", err)
	}
	return nil
}
