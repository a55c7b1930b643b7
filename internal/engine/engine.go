package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"practiceflow/internal/action"
	"practiceflow/internal/collab"
	"practiceflow/internal/conditions"
	"practiceflow/internal/config"
	"practiceflow/internal/depgraph"
	"practiceflow/internal/eventlog"
	"practiceflow/internal/repo"
)

var (
	ErrInvalidTransition    = errors.New("invalid status transition")
	ErrCascadeDepthExceeded = errors.New("trigger cascade depth exceeded")
	ErrInvalidRequest       = errors.New("invalid fire request")
)

// Engine owns the entity hierarchy and the trigger dispatcher. Construct one
// per process and share the pointer with the scheduler and the server.
type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Log        eventlog.Log
	Activity   eventlog.Activity
	Config     *config.Config
	Resolver   depgraph.Resolver
	Conditions *conditions.Evaluator
	Executor   *action.Executor
	Logger     *slog.Logger
	Now        func() time.Time

	fireLocks keyedMutex
}

type Option func(*Engine)

func WithEmailSender(s collab.EmailSender) Option {
	return func(e *Engine) { e.Executor.Email = s }
}

func WithAgentInvoker(a collab.AgentInvoker) Option {
	return func(e *Engine) { e.Executor.Agents = a }
}

func WithNotificationStore(n collab.NotificationStore) Option {
	return func(e *Engine) { e.Executor.Notifications = n }
}

func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) { e.Executor.HTTP = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.Logger = l
		e.Executor.Logger = l
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.Now = now }
}

// New wires an engine over db. Collaborators default to the ones cfg
// describes; options override them.
func New(db *sql.DB, cfg *config.Config, opts ...Option) *Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	e := &Engine{
		DB:         db,
		Repo:       repo.Repo{DB: db},
		Config:     cfg,
		Conditions: conditions.NewEvaluator(),
		Logger:     slog.Default(),
		Now:        func() time.Time { return time.Now().UTC() },
	}
	e.Log = eventlog.Log{DB: db, Now: e.now}
	e.Activity = eventlog.Activity{Now: e.now}
	e.Resolver = depgraph.Resolver{Now: e.now}
	e.Executor = &action.Executor{
		Email:         collab.NewEmailSender(cfg.Email, e.Logger),
		Agents:        collab.NewAgentInvoker(cfg.Agents),
		Notifications: collab.Notifications{Repo: e.Repo, Now: e.now},
		Emails:        e.Repo,
		Mutator:       mutator{e: e},
		Conditions:    e.Conditions,
		Timeout:       cfg.Engine.ActionTimeout,
		Retry:         cfg.Engine.Retry,
		Now:           e.now,
		Logger:        e.Logger,

		FallbackUserID: cfg.Email.FallbackUserID,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

// location is the timezone calendar math runs in.
func (e *Engine) location() *time.Location {
	if e.Config != nil {
		if loc, err := e.Config.Location(); err == nil {
			return loc
		}
	}
	return time.UTC
}

// Clock is the engine's current time in UTC.
func (e *Engine) Clock() time.Time { return e.now() }

// Location is the configured timezone, UTC when unset or invalid.
func (e *Engine) Location() *time.Location { return e.location() }

// Today is the start of the current day in the configured timezone.
func (e *Engine) Today() time.Time {
	return startOfDay(e.now().In(e.location()))
}

func (e *Engine) maxDepth() int {
	if e.Config == nil || e.Config.Engine.MaxChainDepth < 1 {
		return 10
	}
	return e.Config.Engine.MaxChainDepth
}

// inTx runs fn in one write transaction with a transaction-bound repo.
func (e *Engine) inTx(ctx context.Context, fn func(r repo.Repo, tx *sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()
	if err := fn(e.Repo.WithTx(tx), tx); err != nil {
		return err
	}
	return tx.Commit()
}

// keyedMutex serializes the dedupe check and the event append of one
// trigger and entity.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedEntry)
	}
	ent, ok := k.locks[key]
	if !ok {
		ent = &keyedEntry{}
		k.locks[key] = ent
	}
	ent.refs++
	k.mu.Unlock()

	ent.mu.Lock()
	return func() {
		ent.mu.Unlock()
		k.mu.Lock()
		ent.refs--
		if ent.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
