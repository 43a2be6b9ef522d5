// Package streaming runs long generation work in the background and
// streams its progress events to a consumer.
//
// A Runner starts at most one run per resource. Each run has a producer
// goroutine feeding a bounded FIFO queue and a consumer pulling from it
// with Run.Next. The consumer always observes exactly one terminal event
// (complete or error) and nothing after it. The resource lock is released
// by the producer when it finishes, however it finishes.
package streaming

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/quill/internal/capability"
	"github.com/ShayCichocki/quill/pkg/models"
)

// Defaults for Config.
const (
	DefaultQueueSize      = 256
	DefaultPollInterval   = 100 * time.Millisecond
	DefaultEnqueueTimeout = 100 * time.Millisecond
)

// ErrGenerationConflict is returned by Start when the resource already has a live run.
var ErrGenerationConflict = errors.New("generation already in progress")

// ErrInvalidRun is returned by Start for a missing streamer or resource id.
var ErrInvalidRun = errors.New("invalid generation run")

// StartStatus is the outcome of Start.
type StartStatus string

const (
	StartStatusStarted  StartStatus = "started"
	StartStatusConflict StartStatus = "conflict"
)

// StartResult is returned by Start. On conflict Run is nil and Holder
// describes the live run.
type StartResult struct {
	Status StartStatus
	Run    *Run
	Holder models.GenerationLock
}

// ProductionError is the failure of a generation run.
type ProductionError struct {
	RunID      string
	ResourceID string
	Panic      any
	Err        error
}

func (e *ProductionError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("generation %s for %s panicked: %v", e.RunID, e.ResourceID, e.Panic)
	}
	return fmt.Sprintf("generation %s for %s failed: %v", e.RunID, e.ResourceID, e.Err)
}

func (e *ProductionError) Unwrap() error {
	return e.Err
}

// Sink receives every event delivered to a consumer.
type Sink interface {
	Publish(ctx context.Context, resourceID string, ev models.StreamEvent) error
}

// Outcome summarizes a finished run for OnFinish hooks.
type Outcome struct {
	RunID      string
	ResourceID string
	SessionID  string
	Params     map[string]any
	// Err is nil on success, otherwise a *ProductionError.
	Err      error
	Emitted  int64
	Dropped  uint64
	Duration time.Duration
}

// Config controls queueing and polling.
type Config struct {
	QueueSize      int
	PollInterval   time.Duration
	EnqueueTimeout time.Duration
}

// DefaultConfig returns the default runner configuration.
func DefaultConfig() Config {
	return Config{
		QueueSize:      DefaultQueueSize,
		PollInterval:   DefaultPollInterval,
		EnqueueTimeout: DefaultEnqueueTimeout,
	}
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.EnqueueTimeout <= 0 {
		c.EnqueueTimeout = DefaultEnqueueTimeout
	}
	return c
}

// Runner starts generation runs.
type Runner struct {
	cfg      Config
	locks    *LockTable
	logger   *slog.Logger
	sink     Sink
	wg       sync.WaitGroup

	hooksMu  sync.RWMutex
	onFinish []func(context.Context, Outcome)
}

// Option configures a Runner.
type Option func(*Runner)

// WithConfig sets queue and polling parameters. Zero fields keep defaults.
func WithConfig(cfg Config) Option {
	return func(r *Runner) {
		r.cfg = cfg.withDefaults()
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithSink publishes every delivered event to s.
func WithSink(s Sink) Option {
	return func(r *Runner) {
		r.sink = s
	}
}

// WithOnFinish registers a hook run by the producer after the capability
// returns and before the lock is released. Hooks run in registration order.
func WithOnFinish(fn func(context.Context, Outcome)) Option {
	return func(r *Runner) {
		r.onFinish = append(r.onFinish, fn)
	}
}

// WithLockTable shares a lock table between runners.
func WithLockTable(t *LockTable) Option {
	return func(r *Runner) {
		r.locks = t
	}
}

// NewRunner creates a Runner.
func NewRunner(opts ...Option) *Runner {
	r := &Runner{
		cfg:    DefaultConfig(),
		locks:  NewLockTable(),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnFinish registers a hook after construction. It has the same contract
// as WithOnFinish and applies to runs started afterwards.
func (r *Runner) OnFinish(fn func(context.Context, Outcome)) {
	r.hooksMu.Lock()
	defer r.hooksMu.Unlock()
	r.onFinish = append(r.onFinish, fn)
}

// Locks returns the runner's lock table.
func (r *Runner) Locks() *LockTable {
	return r.locks
}

// Wait blocks until every producer started by r has finished.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Start launches s for resourceID. If the resource already has a live run
// it returns a conflict result together with ErrGenerationConflict and
// starts nothing.
//
// The producer runs on a context detached from ctx: a consumer that goes
// away does not stop generation. Use Run.Cancel to stop it.
func (r *Runner) Start(ctx context.Context, s capability.Streamer, resourceID string, params map[string]any) (StartResult, error) {
	if s == nil || resourceID == "" {
		return StartResult{}, fmt.Errorf("%w: streamer and resource id are required", ErrInvalidRun)
	}

	runID := uuid.NewString()
	lock, ok := r.locks.TryAcquire(resourceID, runID)
	if !ok {
		r.logger.Info("generation conflict", "resource_id", resourceID, "holder", lock.RunID)
		return StartResult{Status: StartStatusConflict, Holder: lock},
			fmt.Errorf("%w: %s", ErrGenerationConflict, resourceID)
	}

	base := context.WithoutCancel(ctx)
	pctx, cancel := context.WithCancel(base)

	run := &Run{
		ID:         runID,
		ResourceID: resourceID,
		StartedAt:  lock.AcquiredAt,
		queue:      newEventQueue(r.cfg.QueueSize, r.cfg.EnqueueTimeout, r.logger),
		done:       make(chan struct{}),
		cancel:     cancel,
		poll:       r.cfg.PollInterval,
		sink:       r.sink,
		logger:     r.logger.With("run_id", runID, "resource_id", resourceID),
	}
	run.emit(event(models.StreamStart, map[string]any{"run_id": runID, "resource_id": resourceID}))

	req := capability.StreamRequest{
		SessionID:  stringParam(params, "session_id"),
		ResourceID: resourceID,
		Params:     params,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(run.done)
		defer r.locks.Release(resourceID, runID)
		defer cancel()

		err := run.produce(pctx, s, req)
		run.finish(err)

		out := Outcome{
			RunID:      runID,
			ResourceID: resourceID,
			SessionID:  req.SessionID,
			Params:     params,
			Err:        run.err,
			Emitted:    run.Emitted(),
			Dropped:    run.Dropped(),
			Duration:   time.Since(run.StartedAt),
		}
		r.finished(base, out)
	}()

	r.logger.Info("generation started", "resource_id", resourceID, "run_id", runID, "capability", s.Name())
	return StartResult{Status: StartStatusStarted, Run: run}, nil
}

func (r *Runner) finished(ctx context.Context, out Outcome) {
	if out.Err != nil {
		r.logger.Error("generation failed", "resource_id", out.ResourceID, "run_id", out.RunID, "error", out.Err)
	} else {
		r.logger.Info("generation complete", "resource_id", out.ResourceID, "run_id", out.RunID,
			"events", out.Emitted, "dropped", out.Dropped, "duration", out.Duration)
	}
	r.hooksMu.RLock()
	hooks := r.onFinish
	r.hooksMu.RUnlock()
	for _, fn := range hooks {
		func() {
			defer func() {
				if p := recover(); p != nil {
					r.logger.Error("finish hook panicked", "run_id", out.RunID, "panic", p)
				}
			}()
			fn(ctx, out)
		}()
	}
}

// Run is one generation run. Next must be called from a single consumer.
type Run struct {
	ID         string
	ResourceID string
	StartedAt  time.Time

	queue  *eventQueue
	done   chan struct{}
	cancel context.CancelFunc
	poll   time.Duration
	sink   Sink
	logger *slog.Logger

	// emitMu serializes producer emits and guards seq and closed.
	emitMu  sync.Mutex
	seq     int64
	closed  bool
	emitted atomic.Int64

	// err is written before done closes and read after.
	err error

	consumeMu  sync.Mutex
	terminated bool
}

// produce runs the streamer, converting panics into a ProductionError.
func (run *Run) produce(ctx context.Context, s capability.Streamer, req capability.StreamRequest) (err error) {
	defer func() {
		if p := recover(); p != nil {
			run.logger.Error("producer panic", "panic", p, "stack", string(debug.Stack()))
			err = &ProductionError{RunID: run.ID, ResourceID: run.ResourceID, Panic: p, Err: fmt.Errorf("panic: %v", p)}
		}
	}()

	if err := s.Stream(ctx, req, run.emitFromProducer); err != nil {
		return &ProductionError{RunID: run.ID, ResourceID: run.ResourceID, Err: err}
	}
	return nil
}

// finish records the outcome and rejects further emits.
func (run *Run) finish(err error) {
	run.emitMu.Lock()
	defer run.emitMu.Unlock()
	run.closed = true
	run.err = err
}

// emitFromProducer is the Emit handed to the capability. Terminal and
// start events belong to the runner and are ignored.
func (run *Run) emitFromProducer(ev models.StreamEvent) {
	if ev.IsTerminal() || ev.Type == models.StreamStart {
		run.logger.Debug("ignoring runner-owned event from producer", "type", ev.Type)
		return
	}
	run.emit(ev)
}

func (run *Run) emit(ev models.StreamEvent) {
	run.emitMu.Lock()
	defer run.emitMu.Unlock()
	if run.closed {
		return
	}
	ev.Seq = run.seq + 1
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	if run.queue.push(ev) {
		run.seq = ev.Seq
		run.emitted.Add(1)
	}
}

// Next returns the next event in production order. After the terminal
// event it returns io.EOF. It returns ctx.Err() if ctx ends first; the run
// keeps going and Next may be called again.
func (run *Run) Next(ctx context.Context) (models.StreamEvent, error) {
	run.consumeMu.Lock()
	defer run.consumeMu.Unlock()

	if run.terminated {
		return models.StreamEvent{}, io.EOF
	}

	ticker := time.NewTicker(run.poll)
	defer ticker.Stop()

	for {
		select {
		case ev := <-run.queue.events:
			return run.deliver(ctx, ev), nil
		case <-run.done:
			// Nothing is enqueued once done is closed, so this drain is final.
			select {
			case ev := <-run.queue.events:
				return run.deliver(ctx, ev), nil
			default:
			}
			run.terminated = true
			return run.deliver(ctx, run.terminalEvent()), nil
		case <-ctx.Done():
			return models.StreamEvent{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Events streams the run's events on a channel that is closed after the
// terminal event or when ctx ends.
func (run *Run) Events(ctx context.Context) <-chan models.StreamEvent {
	ch := make(chan models.StreamEvent)
	go func() {
		defer close(ch)
		for {
			ev, err := run.Next(ctx)
			if err != nil {
				return
			}
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
			if ev.IsTerminal() {
				return
			}
		}
	}()
	return ch
}

// Cancel asks the producer to stop. It does not wait.
func (run *Run) Cancel() {
	run.cancel()
}

// Done is closed once the producer has finished and released the lock.
func (run *Run) Done() <-chan struct{} {
	return run.done
}

// Wait blocks until the producer finishes or ctx ends, and returns the
// production error, if any.
func (run *Run) Wait(ctx context.Context) error {
	select {
	case <-run.done:
		return run.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the production error once Done is closed.
func (run *Run) Err() error {
	select {
	case <-run.done:
		return run.err
	default:
		return nil
	}
}

// Emitted returns the number of events enqueued, including the start event.
func (run *Run) Emitted() int64 {
	return run.emitted.Load()
}

// Dropped returns the number of events dropped because the queue was full.
func (run *Run) Dropped() uint64 {
	return run.queue.Dropped()
}

// terminalEvent builds the single complete or error event. Called only
// after done is closed.
func (run *Run) terminalEvent() models.StreamEvent {
	payload := map[string]any{
		"run_id":      run.ID,
		"resource_id": run.ResourceID,
		"events":      run.Emitted(),
		"dropped":     run.Dropped(),
	}
	typ := models.StreamComplete
	if run.err != nil {
		typ = models.StreamError
		payload["error"] = run.err.Error()
	}
	ev := event(typ, payload)
	ev.Seq = run.seq + 1
	return ev
}

func (run *Run) deliver(ctx context.Context, ev models.StreamEvent) models.StreamEvent {
	if run.sink != nil {
		if err := run.sink.Publish(ctx, run.ResourceID, ev); err != nil {
			run.logger.Warn("sink publish failed", "type", ev.Type, "seq", ev.Seq, "error", err)
		}
	}
	return ev
}

func event(t models.StreamEventType, payload map[string]any) models.StreamEvent {
	return models.StreamEvent{Type: t, Payload: payload, At: time.Now().UTC()}
}

func stringParam(params map[string]any, key string) string {
	v, _ := params[key].(string)
	return v
}
