package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/mailnotes/internal/ledger"
	"github.com/Martian-dev/mailnotes/internal/mail"
)

func testLog() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}

type fakeProvider struct {
	name          mail.Source
	authenticated bool
	messages      []mail.Message
	err           error

	fetches   int
	lastSince time.Time

	// When set, StarredMessages signals started and blocks until release
	// is closed.
	started chan struct{}
	release chan struct{}
}

func (p *fakeProvider) Name() mail.Source                { return p.name }
func (p *fakeProvider) IsAuthenticated() bool            { return p.authenticated }
func (p *fakeProvider) Authenticate(context.Context) error { return nil }
func (p *fakeProvider) UserEmail(context.Context) (string, error) {
	return string(p.name) + "@example.com", nil
}

func (p *fakeProvider) StarredMessages(ctx context.Context, since time.Time) ([]mail.Message, error) {
	p.fetches++
	p.lastSince = since
	if p.started != nil {
		close(p.started)
		p.started = nil
		<-p.release
	}
	if p.err != nil {
		return nil, p.err
	}
	return p.messages, nil
}

type fakeCreator struct {
	created []string
	failIDs map[string]bool
}

func (c *fakeCreator) Create(msg mail.Message) (string, error) {
	if c.failIDs[msg.ID] {
		return "", errors.New("disk full")
	}
	path := fmt.Sprintf("note-%s.md", msg.ID)
	c.created = append(c.created, path)
	return path, nil
}

type fakeArchiver struct {
	recorded []string
	err      error
}

func (a *fakeArchiver) RecordNote(ctx context.Context, msg mail.Message, notePath string) error {
	if a.err != nil {
		return a.err
	}
	a.recorded = append(a.recorded, msg.ID)
	return nil
}

func message(id string) mail.Message {
	return mail.Message{
		ID:         id,
		Source:     mail.SourceGmail,
		Subject:    "subject " + id,
		ReceivedAt: time.Now(),
	}
}

func newTestEngine(t *testing.T, providers []mail.Provider, enabled map[mail.Source]bool, creator Materializer, archive Archiver) (*Engine, *ledger.Ledger) {
	t.Helper()
	lg := ledger.Open(t.TempDir(), testLog())
	return NewEngine(providers, enabled, lg, creator, archive, testLog()), lg
}

func TestRunMaterializesNewMessages(t *testing.T) {
	provider := &fakeProvider{
		name:          mail.SourceGmail,
		authenticated: true,
		messages:      []mail.Message{message("a"), message("b")},
	}
	creator := &fakeCreator{}
	archive := &fakeArchiver{}
	engine, lg := newTestEngine(t,
		[]mail.Provider{provider},
		map[mail.Source]bool{mail.SourceGmail: true},
		creator, archive)

	result, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.NewNotes != 2 {
		t.Errorf("NewNotes = %d, want 2", result.NewNotes)
	}
	if result.Errors != 0 {
		t.Errorf("Errors = %d, want 0", result.Errors)
	}
	if !lg.IsSynced("a") || !lg.IsSynced("b") {
		t.Error("synced ids not recorded in ledger")
	}
	if lg.LastSyncTime().IsZero() {
		t.Error("watermark not advanced after cycle")
	}
	if len(archive.recorded) != 2 {
		t.Errorf("archived %d messages, want 2", len(archive.recorded))
	}
}

func TestRunIsIdempotent(t *testing.T) {
	provider := &fakeProvider{
		name:          mail.SourceGmail,
		authenticated: true,
		messages:      []mail.Message{message("a"), message("b")},
	}
	creator := &fakeCreator{}
	engine, _ := newTestEngine(t,
		[]mail.Provider{provider},
		map[mail.Source]bool{mail.SourceGmail: true},
		creator, nil)

	if _, err := engine.Run(context.Background()); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	result, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}

	if result.NewNotes != 0 {
		t.Errorf("second cycle NewNotes = %d, want 0", result.NewNotes)
	}
	if len(creator.created) != 2 {
		t.Errorf("total notes = %d, want 2", len(creator.created))
	}
}

func TestRunSkipsDisabledProvider(t *testing.T) {
	provider := &fakeProvider{
		name:          mail.SourceGmail,
		authenticated: true,
		messages:      []mail.Message{message("a")},
	}
	engine, _ := newTestEngine(t,
		[]mail.Provider{provider},
		map[mail.Source]bool{mail.SourceGmail: false},
		&fakeCreator{}, nil)

	result, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if provider.fetches != 0 {
		t.Error("disabled provider was fetched")
	}
	if len(result.SkippedProviders) != 0 {
		t.Errorf("disabled provider reported as skipped: %v", result.SkippedProviders)
	}
}

func TestRunReportsUnauthenticatedProvider(t *testing.T) {
	provider := &fakeProvider{name: mail.SourceGmail, authenticated: false}
	engine, _ := newTestEngine(t,
		[]mail.Provider{provider},
		map[mail.Source]bool{mail.SourceGmail: true},
		&fakeCreator{}, nil)

	result, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if provider.fetches != 0 {
		t.Error("unauthenticated provider was fetched")
	}
	if len(result.SkippedProviders) != 1 || result.SkippedProviders[0] != "gmail" {
		t.Errorf("SkippedProviders = %v, want [gmail]", result.SkippedProviders)
	}
}

func TestRunCoalescesConcurrentRequests(t *testing.T) {
	provider := &fakeProvider{
		name:          mail.SourceGmail,
		authenticated: true,
		started:       make(chan struct{}),
		release:       make(chan struct{}),
	}
	engine, _ := newTestEngine(t,
		[]mail.Provider{provider},
		map[mail.Source]bool{mail.SourceGmail: true},
		&fakeCreator{}, nil)

	done := make(chan error, 1)
	go func() {
		_, err := engine.Run(context.Background())
		done <- err
	}()

	<-provider.started

	if _, err := engine.Run(context.Background()); !errors.Is(err, ErrSyncInProgress) {
		t.Errorf("concurrent Run error = %v, want ErrSyncInProgress", err)
	}

	close(provider.release)
	if err := <-done; err != nil {
		t.Fatalf("first Run: %v", err)
	}

	// The slot is released; a new cycle may start
	if _, err := engine.Run(context.Background()); err != nil {
		t.Errorf("Run after completion: %v", err)
	}
}

func TestRunSurvivesProviderFailure(t *testing.T) {
	broken := &fakeProvider{
		name:          mail.SourceGmail,
		authenticated: true,
		err:           errors.New("api unreachable"),
	}
	healthy := &fakeProvider{
		name:          mail.SourceOutlook,
		authenticated: true,
		messages:      []mail.Message{message("x")},
	}
	engine, lg := newTestEngine(t,
		[]mail.Provider{broken, healthy},
		map[mail.Source]bool{mail.SourceGmail: true, mail.SourceOutlook: true},
		&fakeCreator{}, nil)

	result, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Errors != 1 {
		t.Errorf("Errors = %d, want 1", result.Errors)
	}
	if result.NewNotes != 1 {
		t.Errorf("NewNotes = %d, want 1", result.NewNotes)
	}
	if !lg.IsSynced("x") {
		t.Error("healthy provider's message not synced")
	}
}

func TestMaterializationFailureIsRetriedNextCycle(t *testing.T) {
	provider := &fakeProvider{
		name:          mail.SourceGmail,
		authenticated: true,
		messages:      []mail.Message{message("a")},
	}
	creator := &fakeCreator{failIDs: map[string]bool{"a": true}}
	engine, lg := newTestEngine(t,
		[]mail.Provider{provider},
		map[mail.Source]bool{mail.SourceGmail: true},
		creator, nil)

	result, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Errors != 1 {
		t.Errorf("Errors = %d, want 1", result.Errors)
	}
	if lg.IsSynced("a") {
		t.Error("failed message must not be marked synced")
	}

	// Materialization recovers; the message is picked up again
	creator.failIDs = nil
	result, err = engine.Run(context.Background())
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if result.NewNotes != 1 {
		t.Errorf("NewNotes = %d, want 1 on retry", result.NewNotes)
	}
	if !lg.IsSynced("a") {
		t.Error("retried message not marked synced")
	}
}

func TestRunPassesWatermarkToProviders(t *testing.T) {
	provider := &fakeProvider{name: mail.SourceGmail, authenticated: true}
	engine, lg := newTestEngine(t,
		[]mail.Provider{provider},
		map[mail.Source]bool{mail.SourceGmail: true},
		&fakeCreator{}, nil)

	if _, err := engine.Run(context.Background()); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if !provider.lastSince.IsZero() {
		t.Errorf("first cycle since = %v, want zero", provider.lastSince)
	}

	first := lg.LastSyncTime()
	if _, err := engine.Run(context.Background()); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if !provider.lastSince.Equal(first) {
		t.Errorf("second cycle since = %v, want %v", provider.lastSince, first)
	}
	if lg.LastSyncTime().Before(first) {
		t.Error("watermark regressed between cycles")
	}
}

func TestArchiveFailureDoesNotFailCycle(t *testing.T) {
	provider := &fakeProvider{
		name:          mail.SourceGmail,
		authenticated: true,
		messages:      []mail.Message{message("a")},
	}
	engine, lg := newTestEngine(t,
		[]mail.Provider{provider},
		map[mail.Source]bool{mail.SourceGmail: true},
		&fakeCreator{}, &fakeArchiver{err: errors.New("db locked")})

	result, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.NewNotes != 1 {
		t.Errorf("NewNotes = %d, want 1", result.NewNotes)
	}
	if !lg.IsSynced("a") {
		t.Error("message not synced despite archive failure")
	}
}

func TestStatusReflectsLastCycle(t *testing.T) {
	provider := &fakeProvider{
		name:          mail.SourceGmail,
		authenticated: true,
		messages:      []mail.Message{message("a")},
	}
	engine, _ := newTestEngine(t,
		[]mail.Provider{provider},
		map[mail.Source]bool{mail.SourceGmail: true},
		&fakeCreator{}, nil)

	if got := engine.Status(); got.State != StateIdle {
		t.Errorf("initial state = %q, want idle", got.State)
	}

	if _, err := engine.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	report := engine.Status()
	if report.State != StateDone {
		t.Errorf("state = %q, want done", report.State)
	}
	if report.LastResult == nil || report.LastResult.NewNotes != 1 {
		t.Errorf("LastResult = %+v", report.LastResult)
	}
	if report.SyncedIDs != 1 {
		t.Errorf("SyncedIDs = %d, want 1", report.SyncedIDs)
	}
	if report.LastSync == nil {
		t.Error("LastSync missing after a cycle")
	}
}
