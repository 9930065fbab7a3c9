// Package taskrt is the distributed task runtime behind the job pipeline.
//
// Tasks are rows in the tasks table plus a message in a vtq queue named
// after the task kind. Any process that opens the same database and calls
// Run becomes a worker for the kinds it registered.
//
// Three primitives are offered:
//
//   - Dispatch: enqueue one task and get its handle.
//   - DispatchGroup: enqueue N member tasks and one callback task. The
//     callback becomes runnable exactly once, after every member settled
//     (succeeded or failed). A group with zero members fires at once.
//   - Revoke: cancel a handle and every task descending from it. Queued
//     messages are dropped, running handlers see their context cancelled.
//
// Each kind has a soft limit (the handler's context deadline) and a hard
// limit (the runtime stops waiting, abandons the handler and fails the task
// with ErrHardTimeLimit).
package taskrt

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/dastyar/vtq"
)

// Task is what a handler receives.
type Task struct {
	ID      string
	Kind    string
	Root    string // handle of the tree this task belongs to
	Parent  string
	Group   string // group this task is a member of, if any
	Index   int    // member index inside Group, -1 otherwise
	Awaits  string // group this task is the callback of, if any
	Payload []byte
	Attempt int
}

// Handler runs a task and returns its result bytes. Returning a *RetryError
// (see Retry) re-queues the task, any other error fails it.
type Handler func(ctx context.Context, t *Task) ([]byte, error)

// Options configures one task kind.
type Options struct {
	// Soft is the handler context deadline. Default: 10m.
	Soft time.Duration
	// Hard is when the runtime gives up on the handler. Must exceed Soft.
	// Default: Soft + 5m.
	Hard time.Duration
	// MaxAttempts bounds deliveries, counting crash redeliveries and Retry.
	// Default: 3.
	MaxAttempts int
	// Concurrency is the number of handlers this process runs for the kind.
	// Default: 2.
	Concurrency int
	// OnGiveUp runs once a task of this kind failed terminally.
	OnGiveUp func(ctx context.Context, t *Task, cause error)
}

func (o *Options) defaults() {
	if o.Soft <= 0 {
		o.Soft = 10 * time.Minute
	}
	if o.Hard <= o.Soft {
		o.Hard = o.Soft + 5*time.Minute
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 2
	}
}

// Observer receives one call per settled task.
type Observer func(kind, status string, elapsed time.Duration)

type kind struct {
	name    string
	handler Handler
	opts    Options
	queue   *vtq.Q
}

// Runtime dispatches and executes tasks.
type Runtime struct {
	db         *sql.DB
	logger     *slog.Logger
	pollEvery  time.Duration
	revokePoll time.Duration
	observer   Observer
	now        func() time.Time

	mu    sync.RWMutex
	kinds map[string]*kind
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(r *Runtime) { r.logger = l } }

// WithPollInterval sets how often idle consumers look for work.
func WithPollInterval(d time.Duration) Option { return func(r *Runtime) { r.pollEvery = d } }

// WithRevokePoll sets how often running handlers check for revocation.
func WithRevokePoll(d time.Duration) Option { return func(r *Runtime) { r.revokePoll = d } }

// WithObserver installs a settle hook, typically a metrics recorder.
func WithObserver(o Observer) Option { return func(r *Runtime) { r.observer = o } }

// New creates a runtime over db. Init must have been called on db.
func New(db *sql.DB, opts ...Option) *Runtime {
	r := &Runtime{
		db:         db,
		logger:     slog.Default(),
		pollEvery:  500 * time.Millisecond,
		revokePoll: time.Second,
		now:        time.Now,
		kinds:      make(map[string]*kind),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register declares a task kind. Registering is required both to dispatch
// and to execute a kind; API processes register the kinds they dispatch
// and never call Run.
func (r *Runtime) Register(name string, h Handler, opts Options) {
	opts.defaults()
	k := &kind{name: name, handler: h, opts: opts}
	k.queue = vtq.New(r.db, vtq.Options{
		Queue:        name,
		Visibility:   opts.Hard + 30*time.Second,
		PollInterval: r.pollEvery,
		MaxAttempts:  opts.MaxAttempts,
		Logger:       r.logger,
		OnDiscard: func(ctx context.Context, m *vtq.Message) {
			r.discard(ctx, k, m)
		},
	})
	r.mu.Lock()
	r.kinds[name] = k
	r.mu.Unlock()
}

func (r *Runtime) lookup(name string) (*kind, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.kinds[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, name)
	}
	return k, nil
}

// Run consumes every registered kind until ctx is cancelled. In-flight
// handlers are drained before Run returns.
func (r *Runtime) Run(ctx context.Context) {
	r.mu.RLock()
	kinds := make([]*kind, 0, len(r.kinds))
	for _, k := range r.kinds {
		kinds = append(kinds, k)
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, k := range kinds {
		wg.Add(1)
		go func() {
			defer wg.Done()
			k.queue.Consume(ctx, k.opts.Concurrency, func(ctx context.Context, m *vtq.Message) (vtq.Result, error) {
				return r.execute(ctx, k, m)
			})
		}()
	}
	wg.Wait()
	r.logger.Info("taskrt: runtime stopped")
}
