// Package bridge exposes one offline session through a string-in, JSON-out
// API for hosts that cannot hold Go values, such as the mobile FFI library.
package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/kimhsiao/offlinesync/internal/config"
	apperrors "github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/logging"
	"github.com/kimhsiao/offlinesync/internal/models"
	"github.com/kimhsiao/offlinesync/internal/offline"
	syncpkg "github.com/kimhsiao/offlinesync/internal/sync"
	"github.com/kimhsiao/offlinesync/internal/sync/conflict"
	"github.com/kimhsiao/offlinesync/internal/transport/httpexec"
)

// Event names delivered by PollEvents.
const (
	EventSyncStatus           = "sync.status"
	EventSyncFailed           = "sync.failed"
	EventSyncConflictDetected = "sync.conflict_detected"
)

// DefaultEventBuffer is how many undelivered events are kept. Older events are
// dropped first.
const DefaultEventBuffer = 128

// InitOptions is the JSON document accepted by Init.
type InitOptions struct {
	ConfigPath   string `json:"config_path"`
	DatabasePath string `json:"database_path"`
	BaseURL      string `json:"base_url"`
	AuthToken    string `json:"auth_token"`
	Offline      bool   `json:"offline"`
	LogFile      string `json:"log_file"`
	LogLevel     string `json:"log_level"`
}

// Event is one queued notification.
type Event struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithExecutor replaces the HTTP executor built from the base URL.
func WithExecutor(fn syncpkg.Executor) Option {
	return func(b *Bridge) { b.execute = fn }
}

// WithEventBuffer sets how many undelivered events are kept.
func WithEventBuffer(n int) Option {
	return func(b *Bridge) {
		if n > 0 {
			b.bufSize = n
		}
	}
}

// Bridge owns at most one open session.
type Bridge struct {
	mu      sync.Mutex
	session *offline.Session
	unwire  []func()
	logger  *logging.Logger
	execute syncpkg.Executor

	evMu    sync.Mutex
	events  []Event
	bufSize int
}

// New creates a bridge with no open session.
func New(opts ...Option) *Bridge {
	b := &Bridge{bufSize: DefaultEventBuffer}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func notInitialized() error {
	return apperrors.New(apperrors.ErrSessionClosed, "bridge is not initialized")
}

func (b *Bridge) current() (*offline.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session == nil {
		return nil, notInitialized()
	}
	return b.session, nil
}

// Init opens the session described by optionsJSON. Calling it while a session
// is open is an error; Close or Logout first.
func (b *Bridge) Init(ctx context.Context, optionsJSON string) error {
	var opts InitOptions
	if optionsJSON != "" {
		if err := json.Unmarshal([]byte(optionsJSON), &opts); err != nil {
			return apperrors.Wrap(apperrors.ErrInvalid, "invalid init options", err)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session != nil {
		return apperrors.New(apperrors.ErrInvalid, "bridge is already initialized")
	}

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}
	if opts.DatabasePath != "" {
		cfg.Database.Path = opts.DatabasePath
	}
	if opts.BaseURL != "" {
		cfg.Backend.BaseURL = opts.BaseURL
	}
	if opts.LogFile != "" {
		cfg.Logging.File = opts.LogFile
	}
	if opts.LogLevel != "" {
		cfg.Logging.Level = opts.LogLevel
	}

	if cfg.Logging.File != "" {
		b.logger = logging.Setup(cfg.Logging.Level, logging.FileOptions{
			Path:       cfg.Logging.File,
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAgeDays: cfg.Logging.MaxAgeDays,
		})
	}

	execute := b.execute
	if execute == nil {
		ex, err := httpexec.New(cfg.Backend.BaseURL, nil)
		if err != nil {
			b.closeLogger()
			return err
		}
		if opts.AuthToken != "" {
			ex.SetHeader("Authorization", "Bearer "+opts.AuthToken)
		}
		execute = ex.Execute
	}

	session, err := offline.Open(ctx, offline.Options{
		Config:  cfg,
		Execute: execute,
		Offline: opts.Offline,
	})
	if err != nil {
		b.closeLogger()
		return err
	}

	b.session = session
	b.unwire = []func(){
		session.SubscribeStatus(func(st syncpkg.SyncStatus) { b.push(EventSyncStatus, st) }),
		session.OnConflicts(func(cs []*models.SyncConflict) { b.push(EventSyncConflictDetected, cs) }),
		session.OnFailure(func(f syncpkg.Failure) { b.push(EventSyncFailed, f) }),
	}
	return nil
}

// Close closes the open session and keeps its data for the next Init.
func (b *Bridge) Close(ctx context.Context) error {
	return b.end(ctx, (*offline.Session).Close)
}

// Logout closes the open session and discards its queued work.
func (b *Bridge) Logout(ctx context.Context) error {
	return b.end(ctx, (*offline.Session).Logout)
}

func (b *Bridge) end(ctx context.Context, fn func(*offline.Session, context.Context) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session == nil {
		return notInitialized()
	}
	for _, u := range b.unwire {
		u()
	}
	err := fn(b.session, ctx)
	b.session = nil
	b.unwire = nil

	b.evMu.Lock()
	b.events = nil
	b.evMu.Unlock()

	b.closeLogger()
	return err
}

func (b *Bridge) closeLogger() {
	if b.logger != nil {
		b.logger.Close()
		b.logger = nil
	}
}

// Enqueue queues the mutation in mutationJSON and returns it with its
// assigned ID and sequence.
func (b *Bridge) Enqueue(ctx context.Context, mutationJSON string) (string, error) {
	s, err := b.current()
	if err != nil {
		return "", err
	}
	var m models.Mutation
	if err := json.Unmarshal([]byte(mutationJSON), &m); err != nil {
		return "", apperrors.Wrap(apperrors.ErrInvalid, "invalid mutation", err)
	}

	if err := s.Enqueue(ctx, &m); err != nil {
		return "", err
	}
	return encode(&m)
}

// Sync runs or joins a pass and returns its result.
func (b *Bridge) Sync(ctx context.Context) (string, error) {
	s, err := b.current()
	if err != nil {
		return "", err
	}
	result, err := s.Sync(ctx)
	if err != nil {
		return "", err
	}
	return encode(map[string]interface{}{"outcome": result.Outcome(), "result": result})
}

// Status returns the current status snapshot.
func (b *Bridge) Status() (string, error) {
	s, err := b.current()
	if err != nil {
		return "", err
	}
	return encode(s.Status())
}

// Mutations lists queued mutations in replay order.
func (b *Bridge) Mutations(ctx context.Context) (string, error) {
	s, err := b.current()
	if err != nil {
		return "", err
	}
	items, err := s.Mutations(ctx)
	if err != nil {
		return "", err
	}
	return encode(map[string]interface{}{"items": items, "total": len(items)})
}

// Conflicts lists pending conflicts.
func (b *Bridge) Conflicts() (string, error) {
	s, err := b.current()
	if err != nil {
		return "", err
	}
	items := s.Conflicts()
	return encode(map[string]interface{}{"items": items, "total": len(items)})
}

// Resolve applies "keep_local" or "use_server" to a pending conflict.
func (b *Bridge) Resolve(ctx context.Context, conflictID, resolution string) (string, error) {
	s, err := b.current()
	if err != nil {
		return "", err
	}
	res, err := conflict.ParseResolution(resolution)
	if err != nil {
		return "", err
	}
	result, err := s.Resolve(ctx, conflictID, res)
	if err != nil {
		return "", err
	}
	return encode(result)
}

// ViewBoth toggles the side-by-side flag of a pending conflict.
func (b *Bridge) ViewBoth(conflictID string, viewing bool) (string, error) {
	s, err := b.current()
	if err != nil {
		return "", err
	}
	c, err := s.ViewBoth(conflictID, viewing)
	if err != nil {
		return "", err
	}
	return encode(c)
}

// Retry clears a terminal failure.
func (b *Bridge) Retry(ctx context.Context, mutationID string) (string, error) {
	s, err := b.current()
	if err != nil {
		return "", err
	}
	m, err := s.Retry(ctx, mutationID)
	if err != nil {
		return "", err
	}
	return encode(m)
}

// Discard drops a mutation held by a terminal failure.
func (b *Bridge) Discard(ctx context.Context, mutationID string) error {
	s, err := b.current()
	if err != nil {
		return err
	}
	return s.Discard(ctx, mutationID)
}

// ReportConnectivity feeds a raw platform connectivity signal.
func (b *Bridge) ReportConnectivity(online bool) error {
	s, err := b.current()
	if err != nil {
		return err
	}
	s.ReportConnectivity(online)
	return nil
}

// PollEvents removes and returns up to max queued events, oldest first. A max
// of zero or less returns them all.
func (b *Bridge) PollEvents(max int) (string, error) {
	b.evMu.Lock()
	n := len(b.events)
	if max > 0 && max < n {
		n = max
	}
	out := make([]Event, n)
	copy(out, b.events[:n])
	b.events = b.events[n:]
	b.evMu.Unlock()

	return encode(out)
}

func (b *Bridge) push(eventType string, data interface{}) {
	b.evMu.Lock()
	defer b.evMu.Unlock()
	if len(b.events) >= b.bufSize {
		b.events = b.events[len(b.events)-b.bufSize+1:]
	}
	b.events = append(b.events, Event{Type: eventType, Data: data, Timestamp: time.Now().Unix()})
}

func encode(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrInternal, "encode response", err)
	}
	return string(data), nil
}

// ErrorJSON renders err as {"error":{"code","message"}}.
func ErrorJSON(err error) string {
	body := map[string]interface{}{
		"error": map[string]interface{}{
			"code":    apperrors.CodeOf(err),
			"message": err.Error(),
		},
	}
	data, _ := json.Marshal(body)
	return string(data)
}
