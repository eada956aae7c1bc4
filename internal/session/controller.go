// Package session coordinates one listening session at a time: it owns the
// audio source, the recognition request and the silence watchdog, and reports
// progress to a Listener.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-listen/internal/audio"
	"github.com/loqalabs/loqa-listen/internal/stt"
	"github.com/loqalabs/loqa-listen/internal/watchdog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// DefaultSilenceWindow is how long the controller waits after the first
// partial before ending input on its own.
const DefaultSilenceWindow = 1500 * time.Millisecond

type State int

const (
	StateIdle State = iota
	StateStarting
	StateCapturing
	StateFinalizing
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateCapturing:
		return "capturing"
	case StateFinalizing:
		return "finalizing"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Outcome is how a session ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeCanceled  Outcome = "canceled"
)

var (
	// ErrCanceled is returned by Begin when the session was canceled or
	// replaced before setup finished.
	ErrCanceled = errors.New("session canceled during setup")
	ErrClosed   = errors.New("session controller closed")
)

// SetupError reports why Begin could not start capturing. Cause wraps one of
// audio.ErrDeviceUnavailable, stt.ErrLocaleUnsupported or
// stt.ErrBackendUnavailable when the failure is one of those.
type SetupError struct {
	Cause error
}

func (e *SetupError) Error() string {
	return "start listening: " + e.Cause.Error()
}

func (e *SetupError) Unwrap() error { return e.Cause }

// Options wires a Controller.
type Options struct {
	Source   audio.Source
	Backend  stt.Backend
	Listener Listener
	// SilenceWindow defaults to DefaultSilenceWindow.
	SilenceWindow time.Duration
	// SampleRate is passed to the backend; defaults to 16000.
	SampleRate int
	Logger     *slog.Logger
	Meter      metric.Meter
	Tracer     trace.Tracer
}

// Status is a point-in-time view of the controller.
type Status struct {
	State       State
	SessionID   string
	Locale      string
	PartialText string
	Ready       bool
	Available   bool
}

// Controller drives the listening lifecycle. All methods are safe for
// concurrent use.
type Controller struct {
	source     audio.Source
	backend    stt.Backend
	listener   Listener
	observer   SessionObserver
	window     time.Duration
	sampleRate int
	log        *slog.Logger
	metrics    *metrics
	tracer     trace.Tracer
	dispatch   *dispatcher

	mu        sync.Mutex
	active    *activeSession
	released  chan struct{}
	ready     bool
	available bool
	closed    bool
}

type activeSession struct {
	id      string
	locale  string
	state   State
	rec     *stt.Session
	dog     *watchdog.Watchdog
	armed   bool
	pending []stt.Event

	partialText string
	finalText   string

	setupDone bool
	detached  bool
	announced bool

	started      time.Time
	finalizingAt time.Time
	span         trace.Span
	released     chan struct{}
	after        <-chan struct{} // released by the predecessor, when still pending
	teardownOnce sync.Once
}

func New(opts Options) (*Controller, error) {
	if opts.Source == nil {
		return nil, errors.New("session: audio source is required")
	}
	if opts.Backend == nil {
		return nil, errors.New("session: recognizer backend is required")
	}
	if opts.Listener == nil {
		opts.Listener = ListenerFuncs{}
	}
	if opts.SilenceWindow <= 0 {
		opts.SilenceWindow = DefaultSilenceWindow
	}
	if opts.SampleRate <= 0 {
		opts.SampleRate = 16000
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(instrumentationName)
	}
	m, err := newMetrics(opts.Meter)
	if err != nil {
		return nil, fmt.Errorf("register session metrics: %w", err)
	}
	c := &Controller{
		source:     opts.Source,
		backend:    opts.Backend,
		listener:   opts.Listener,
		window:     opts.SilenceWindow,
		sampleRate: opts.SampleRate,
		log:        opts.Logger.With(slog.String("component", "session")),
		metrics:    m,
		tracer:     opts.Tracer,
		dispatch:   newDispatcher(),
		available:  true,
	}
	if o, ok := opts.Listener.(SessionObserver); ok {
		c.observer = o
	}
	return c, nil
}

// Prepare probes the recognizer, when it supports probing, and raises
// readiness if it is usable.
func (c *Controller) Prepare(ctx context.Context) error {
	var err error
	if checker, ok := c.backend.(stt.AvailabilityChecker); ok {
		err = checker.Available(ctx)
	}
	c.mu.Lock()
	c.available = err == nil
	if c.active == nil && !c.closed {
		c.setReadyLocked(c.available)
	}
	c.mu.Unlock()
	if err != nil {
		c.log.Warn("recognizer not available", slogError(err))
	}
	return err
}

// SetAvailable records a change in recognizer availability. Readiness follows
// it while idle; an active session is left alone.
func (c *Controller) SetAvailable(available bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.available = available
	if c.active == nil && !c.closed {
		c.setReadyLocked(available)
	}
}

// Begin starts a new session for locale, canceling any session already in
// progress. It returns once audio is flowing to the recognizer, or with a
// *SetupError after releasing everything it acquired.
func (c *Controller) Begin(ctx context.Context, locale string) error {
	_, err := c.BeginSession(ctx, locale)
	return err
}

// BeginSession is Begin that also reports the id of the session it started.
func (c *Controller) BeginSession(ctx context.Context, locale string) (string, error) {
	as := &activeSession{
		id:       uuid.NewString(),
		locale:   locale,
		state:    StateStarting,
		started:  time.Now(),
		released: make(chan struct{}),
	}
	as.dog = watchdog.New(func() { c.silenceElapsed(as) })
	_, as.span = c.tracer.Start(ctx, "listen.session", trace.WithAttributes(
		attribute.String("session.id", as.id),
		attribute.String("session.locale", locale),
		attribute.String("stt.backend", c.backend.Name()),
	))

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		as.span.End()
		return "", ErrClosed
	}
	prev, prevTeardown := c.detachLocked()
	if prev != nil {
		c.endLocked(prev, OutcomeCanceled)
	}
	prevReleased := c.released
	c.active = as
	c.released = as.released
	c.setReadyLocked(false)
	c.mu.Unlock()

	if prev != nil {
		c.log.Info("replacing active session", slog.String("session_id", prev.id))
		if prevTeardown {
			c.teardown(prev)
		}
	}
	if prevReleased != nil {
		select {
		case <-prevReleased:
		case <-ctx.Done():
			as.after = prevReleased
			return "", c.failSetup(as, ctx.Err())
		}
	}

	rec, err := stt.Open(ctx, c.backend, stt.StreamConfig{Locale: locale, SampleRate: c.sampleRate},
		func(ev stt.Event) { c.handleEvent(as, ev) }, c.log)
	if err != nil {
		return "", c.failSetup(as, err)
	}
	c.mu.Lock()
	as.rec = rec
	if as.detached {
		as.setupDone = true
		c.mu.Unlock()
		c.teardown(as)
		return "", ErrCanceled
	}
	c.mu.Unlock()

	if err := c.source.Start(ctx, func(chunk audio.Chunk) { c.handleChunk(as, chunk) }); err != nil {
		return "", c.failSetup(as, err)
	}

	c.mu.Lock()
	as.setupDone = true
	if as.detached {
		c.mu.Unlock()
		c.teardown(as)
		return "", ErrCanceled
	}
	as.state = StateCapturing
	as.announced = true
	if c.observer != nil {
		id := as.id
		c.dispatch.enqueue(func() { c.observer.OnSessionStarted(id, locale) })
	}
	pending := as.pending
	as.pending = nil
	needsTeardown := false
	for _, ev := range pending {
		if c.applyLocked(as, ev) {
			needsTeardown = true
			break
		}
	}
	c.mu.Unlock()

	c.log.Info("listening", slog.String("session_id", as.id), slog.String("locale", locale))
	if needsTeardown {
		c.teardown(as)
	}
	return as.id, nil
}

// failSetup releases a session whose Begin could not complete.
func (c *Controller) failSetup(as *activeSession, cause error) error {
	c.mu.Lock()
	canceled := as.detached
	if !canceled {
		as.state = StateFailed
		c.active = nil
		as.detached = true
	}
	as.setupDone = true
	c.mu.Unlock()

	if !canceled {
		as.span.RecordError(cause)
		as.span.SetStatus(codes.Error, "setup failed")
	}
	c.teardown(as)
	if canceled {
		return ErrCanceled
	}
	c.metrics.sessionEnded(OutcomeFailed, as.locale)
	c.log.Warn("failed to start listening", slog.String("locale", as.locale), slogError(cause))
	return &SetupError{Cause: cause}
}

// RequestStop ends audio input for the active session. The session keeps
// capturing until the recognizer delivers its final result.
func (c *Controller) RequestStop() {
	c.mu.Lock()
	as := c.active
	if as == nil || as.state != StateCapturing {
		c.mu.Unlock()
		return
	}
	c.finalizeLocked(as)
	rec := as.rec
	c.mu.Unlock()
	rec.EndInput()
}

// Cancel tears down the active session without a final or error callback.
func (c *Controller) Cancel() {
	c.mu.Lock()
	as, teardown := c.detachLocked()
	if as == nil {
		c.mu.Unlock()
		return
	}
	c.endLocked(as, OutcomeCanceled)
	if !c.closed {
		c.setReadyLocked(c.available)
	}
	c.mu.Unlock()

	c.log.Info("session canceled", slog.String("session_id", as.id))
	if teardown {
		c.teardown(as)
	}
}

// Status reports the controller state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{State: StateIdle, Ready: c.ready, Available: c.available}
	if as := c.active; as != nil {
		st.State = as.state
		st.SessionID = as.id
		st.Locale = as.locale
		st.PartialText = as.partialText
	}
	return st
}

// Close cancels any active session and waits for queued callbacks to run.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.Cancel()
	c.mu.Lock()
	released := c.released
	c.mu.Unlock()
	if released != nil {
		<-released
	}
	c.dispatch.close()
}

func (c *Controller) handleChunk(as *activeSession, chunk audio.Chunk) {
	c.mu.Lock()
	if c.active != as || as.rec == nil {
		c.mu.Unlock()
		return
	}
	rec := as.rec
	c.mu.Unlock()
	rec.Feed(chunk)
}

func (c *Controller) handleEvent(as *activeSession, ev stt.Event) {
	c.mu.Lock()
	if c.active != as {
		c.mu.Unlock()
		return
	}
	if as.state == StateStarting {
		as.pending = append(as.pending, ev)
		c.mu.Unlock()
		return
	}
	teardown := c.applyLocked(as, ev)
	c.mu.Unlock()
	if teardown {
		c.teardown(as)
	}
}

// applyLocked moves the session forward for one recognizer event and reports
// whether the session ended and must be torn down.
func (c *Controller) applyLocked(as *activeSession, ev stt.Event) bool {
	switch ev.Kind {
	case stt.EventPartial:
		as.partialText = ev.Text
		if !as.armed {
			as.armed = true
			as.dog.Arm(c.window)
		}
		c.metrics.partial()
		text := ev.Text
		c.dispatch.enqueue(func() { c.listener.OnPartial(text) })
		return false

	case stt.EventFinal:
		as.finalText = ev.Text
		if as.state == StateCapturing {
			c.finalizeLocked(as)
		}
		as.state = StateCompleted
		c.metrics.finalized(as.finalizingAt)
		c.detachLocked()
		text := ev.Text
		c.dispatch.enqueue(func() { c.listener.OnFinal(text) })
		c.endLocked(as, OutcomeCompleted)
		c.setReadyLocked(c.available)
		c.log.Info("final transcript", slog.String("session_id", as.id), slog.Int("chars", len(text)))
		return true

	default:
		as.state = StateFailed
		c.detachLocked()
		cause := ev.Err
		c.dispatch.enqueue(func() { c.listener.OnError(cause) })
		c.endLocked(as, OutcomeFailed)
		c.setReadyLocked(c.available)
		as.span.RecordError(cause)
		as.span.SetStatus(codes.Error, cause.Error())
		c.log.Warn("recognition failed", slog.String("session_id", as.id), slogError(cause))
		return true
	}
}

func (c *Controller) silenceElapsed(as *activeSession) {
	c.mu.Lock()
	if c.active != as || as.state != StateCapturing {
		c.mu.Unlock()
		return
	}
	c.finalizeLocked(as)
	rec := as.rec
	c.mu.Unlock()
	c.log.Debug("silence window elapsed", slog.String("session_id", as.id))
	rec.EndInput()
}

func (c *Controller) finalizeLocked(as *activeSession) {
	as.state = StateFinalizing
	as.finalizingAt = time.Now()
}

// detachLocked clears the active slot. The returned flag is true when the
// caller is responsible for teardown; while Begin is still setting up, Begin
// does it instead.
func (c *Controller) detachLocked() (*activeSession, bool) {
	as := c.active
	if as == nil {
		return nil, false
	}
	c.active = nil
	as.detached = true
	return as, as.setupDone
}

// endLocked queues the end-of-session notification and records the outcome.
func (c *Controller) endLocked(as *activeSession, outcome Outcome) {
	if !as.announced {
		return
	}
	as.announced = false
	c.metrics.sessionEnded(outcome, as.locale)
	as.span.SetAttributes(attribute.String("session.outcome", string(outcome)))
	if c.observer != nil {
		id := as.id
		c.dispatch.enqueue(func() { c.observer.OnSessionEnded(id, outcome) })
	}
}

func (c *Controller) setReadyLocked(ready bool) {
	if c.ready == ready {
		return
	}
	c.ready = ready
	c.dispatch.enqueue(func() { c.listener.OnReadyChanged(ready) })
}

// teardown releases everything a session holds. It runs once per session,
// outside the controller lock.
func (c *Controller) teardown(as *activeSession) {
	as.teardownOnce.Do(func() {
		as.dog.Cancel()
		if as.rec != nil {
			as.rec.Cancel()
		}
		c.source.Stop()
		as.span.End()
		if as.after == nil {
			close(as.released)
			return
		}
		// A predecessor still in setup owns the source until it lets go.
		go func(after <-chan struct{}, released chan struct{}) {
			<-after
			close(released)
		}(as.after, as.released)
	})
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
