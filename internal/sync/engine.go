// Package sync orchestrates the pull-dedup-materialize cycle across
// providers.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/mailnotes/internal/ledger"
	"github.com/Martian-dev/mailnotes/internal/mail"
)

// ErrSyncInProgress is returned when a cycle is requested while another
// one is still running. Requests are coalesced, never queued.
var ErrSyncInProgress = errors.New("sync: cycle already in progress")

// State of the orchestrator as shown to the user.
type State string

const (
	StateIdle     State = "idle"
	StateChecking State = "checking"
	StateDone     State = "done"
)

// Materializer converts a normalized message into a persisted note and
// returns a handle to it. Destination names must be unique per call.
type Materializer interface {
	Create(msg mail.Message) (string, error)
}

// Archiver records a successful materialization. Optional; archive
// failures never fail a cycle.
type Archiver interface {
	RecordNote(ctx context.Context, msg mail.Message, notePath string) error
}

// Result aggregates one cycle's outcome.
type Result struct {
	NewNotes         int       `json:"new_notes"`
	Errors           int       `json:"errors"`
	SkippedProviders []string  `json:"skipped_providers,omitempty"`
	StartedAt        time.Time `json:"started_at"`
	FinishedAt       time.Time `json:"finished_at"`
}

// Engine is the sync orchestrator. At most one cycle runs at a time;
// providers are processed sequentially, and within a provider messages
// are processed sequentially.
type Engine struct {
	providers []mail.Provider
	enabled   map[mail.Source]bool
	ledger    *ledger.Ledger
	creator   Materializer
	archive   Archiver
	log       *logrus.Entry

	inFlight atomic.Bool

	mu         sync.Mutex
	state      State
	lastResult *Result
}

// NewEngine creates the orchestrator. archive may be nil.
func NewEngine(providers []mail.Provider, enabled map[mail.Source]bool, lg *ledger.Ledger, creator Materializer, archive Archiver, log *logrus.Entry) *Engine {
	return &Engine{
		providers: providers,
		enabled:   enabled,
		ledger:    lg,
		creator:   creator,
		archive:   archive,
		log:       log,
		state:     StateIdle,
	}
}

// Run executes one sync cycle. A concurrent call while a cycle is in
// flight returns ErrSyncInProgress immediately. The cycle itself always
// completes and reports aggregated counts; provider-level failures never
// abort it.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	if !e.inFlight.CompareAndSwap(false, true) {
		e.log.Debug("sync already in progress, coalescing request")
		return nil, ErrSyncInProgress
	}
	defer e.inFlight.Store(false)

	e.setState(StateChecking)

	result := &Result{StartedAt: time.Now()}
	since := e.ledger.LastSyncTime()

	for _, provider := range e.providers {
		name := string(provider.Name())

		if !e.enabled[provider.Name()] {
			e.log.WithField("provider", name).Debug("provider disabled, skipping")
			continue
		}
		if !provider.IsAuthenticated() {
			e.log.WithField("provider", name).Info("provider enabled but not authenticated, skipping")
			result.SkippedProviders = append(result.SkippedProviders, name)
			continue
		}

		if err := e.syncProvider(ctx, provider, since, result); err != nil {
			e.log.WithError(err).WithField("provider", name).Error("provider sync failed")
			result.Errors++
		}
	}

	// The watermark advances globally, exactly once per cycle. It only
	// narrows future queries; dedup correctness rests on the id set.
	if err := e.ledger.SetLastSyncTime(time.Now()); err != nil {
		e.log.WithError(err).Error("failed to persist watermark")
		result.Errors++
	}

	result.FinishedAt = time.Now()

	e.mu.Lock()
	e.state = StateDone
	e.lastResult = result
	e.mu.Unlock()

	e.log.WithFields(logrus.Fields{
		"new_notes": result.NewNotes,
		"errors":    result.Errors,
	}).Info("sync cycle finished")
	return result, nil
}

func (e *Engine) syncProvider(ctx context.Context, provider mail.Provider, since time.Time, result *Result) error {
	messages, err := provider.StarredMessages(ctx, since)
	if err != nil {
		return fmt.Errorf("fetch starred messages: %w", err)
	}

	for _, msg := range messages {
		if e.ledger.IsSynced(msg.ID) {
			continue
		}

		notePath, err := e.creator.Create(msg)
		if err != nil {
			// Left un-synced so it is retried next cycle
			e.log.WithError(err).WithFields(logrus.Fields{
				"provider":   provider.Name(),
				"message_id": msg.ID,
			}).Error("failed to materialize message")
			result.Errors++
			continue
		}

		if err := e.ledger.AddSynced(msg.ID); err != nil {
			// The note exists but the commit did not persist; the next
			// cycle re-creates under a disambiguated name
			e.log.WithError(err).WithField("message_id", msg.ID).Warn("failed to persist synced id")
		}

		if e.archive != nil {
			if err := e.archive.RecordNote(ctx, msg, notePath); err != nil {
				e.log.WithError(err).WithField("message_id", msg.ID).Warn("failed to archive message")
			}
		}

		result.NewNotes++
	}
	return nil
}

// StatusReport is the user-facing status snapshot.
type StatusReport struct {
	State      State      `json:"state"`
	LastResult *Result    `json:"last_result,omitempty"`
	LastSync   *time.Time `json:"last_sync,omitempty"`
	SyncedIDs  int        `json:"synced_ids"`
}

// Status returns the current state and last cycle outcome.
func (e *Engine) Status() StatusReport {
	e.mu.Lock()
	defer e.mu.Unlock()

	report := StatusReport{
		State:      e.state,
		LastResult: e.lastResult,
		SyncedIDs:  e.ledger.SyncedCount(),
	}
	if t := e.ledger.LastSyncTime(); !t.IsZero() {
		report.LastSync = &t
	}
	return report
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}
