package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/formflow/pkg/eventbus"
	"github.com/dukex/formflow/pkg/events"
	"github.com/dukex/formflow/pkg/models"
)

const (
	DefaultProbeTimeout    = 5 * time.Second
	DefaultShutdownTimeout = 5 * time.Second
	DefaultCreateTimeout   = 30 * time.Second
)

type Options struct {
	ProbeTimeout    time.Duration
	ShutdownTimeout time.Duration
	CreateTimeout   time.Duration
}

func (o Options) withDefaults() Options {
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = DefaultProbeTimeout
	}

	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = DefaultShutdownTimeout
	}

	if o.CreateTimeout <= 0 {
		o.CreateTimeout = DefaultCreateTimeout
	}

	return o
}

// EngineStats describes one engine slot.
type EngineStats struct {
	State      EngineState `json:"state"`
	Recoveries int         `json:"recoveries"`
	Sessions   int         `json:"sessions"`
}

type Stats struct {
	Running  bool        `json:"running"`
	Headless EngineStats `json:"headless"`
	Visible  EngineStats `json:"visible"`
}

// engineSlot holds one engine and its recovery state. mu serializes launch,
// probing and recovery so two callers never launch the same engine twice.
type engineSlot struct {
	visible    bool
	mu         sync.Mutex
	engine     Engine
	state      EngineState
	recoveries int
}

// Pool manages a headless and a visible engine with independent health state.
type Pool struct {
	launcher  Launcher
	opts      Options
	logger    *slog.Logger
	publisher eventbus.EventPublisher

	headless *engineSlot
	visible  *engineSlot

	mu       sync.Mutex
	running  bool
	sessions map[string]Session
}

func NewPool(launcher Launcher, opts Options, logger *slog.Logger, publisher eventbus.EventPublisher) *Pool {
	if publisher == nil {
		publisher = eventbus.Nop()
	}

	return &Pool{
		launcher:  launcher,
		opts:      opts.withDefaults(),
		logger:    logger.With("module", "browser_pool"),
		publisher: publisher,
		headless:  &engineSlot{state: StateStopped},
		visible:   &engineSlot{visible: true, state: StateStopped},
		sessions:  make(map[string]Session),
	}
}

// Start marks the pool running. Engines launch lazily on first use. Calling Start
// on a running pool is a no-op.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return
	}

	p.running = true
	p.logger.InfoContext(ctx, "Execution context pool started")
}

func (p *Pool) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.running
}

func (p *Pool) slot(visible bool) *engineSlot {
	if visible {
		return p.visible
	}

	return p.headless
}

// CreateSession returns a new isolated session from the requested engine. The engine is
// probed first and recovered if it does not answer. A failed creation triggers one
// recovery and retry before a ResourceError is returned.
func (p *Pool) CreateSession(ctx context.Context, visible bool) (Session, error) {
	if !p.IsRunning() {
		return nil, models.NewResourceError("create execution context", visible, ErrPoolClosed)
	}

	slot := p.slot(visible)

	session, err := p.tryCreate(ctx, slot)
	if err != nil {
		if ctx.Err() != nil {
			return nil, models.NewResourceError("create execution context", visible, ctx.Err())
		}

		p.logger.WarnContext(ctx, "Session creation failed, recovering engine", "visible", visible, "error", err)

		slot.mu.Lock()
		err = p.recoverLocked(ctx, slot, err)
		slot.mu.Unlock()

		if err == nil {
			session, err = p.tryCreate(ctx, slot)
		}

		if err != nil {
			return nil, models.NewResourceError("create execution context", visible, err)
		}
	}

	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()

		_ = session.Close(ctx)

		return nil, models.NewResourceError("create execution context", visible, ErrPoolClosed)
	}

	p.sessions[session.ID()] = session
	p.mu.Unlock()

	return session, nil
}

func (p *Pool) tryCreate(ctx context.Context, slot *engineSlot) (Session, error) {
	slot.mu.Lock()
	defer slot.mu.Unlock()

	err := p.ensureHealthyLocked(ctx, slot)
	if err != nil {
		return nil, err
	}

	createCtx, cancel := context.WithTimeout(ctx, p.opts.CreateTimeout)
	defer cancel()

	var session Session

	err = callWithTimeout(createCtx, func(ctx context.Context) error {
		var createErr error

		session, createErr = slot.engine.NewSession(ctx)

		return createErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	return session, nil
}

// ensureHealthyLocked launches a missing engine or recovers a zombie one.
func (p *Pool) ensureHealthyLocked(ctx context.Context, slot *engineSlot) error {
	if slot.engine == nil {
		slot.state = StateRelaunching

		engine, err := p.launcher.Launch(ctx, slot.visible)
		if err != nil {
			slot.state = StateStopped

			return fmt.Errorf("failed to launch engine: %w", err)
		}

		slot.engine = engine
		slot.state = StateHealthy

		p.logger.InfoContext(ctx, "Engine launched", "visible", slot.visible)

		return nil
	}

	probeCtx, cancel := context.WithTimeout(ctx, p.opts.ProbeTimeout)
	defer cancel()

	err := callWithTimeout(probeCtx, slot.engine.Ping)
	if err == nil {
		return nil
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}

	p.logger.WarnContext(ctx, "Engine did not answer liveness probe", "visible", slot.visible, "error", err)

	return p.recoverLocked(ctx, slot, err)
}

// recoverLocked walks probe_failed -> shutting_down -> killing -> relaunching -> healthy.
// The caller holds slot.mu.
func (p *Pool) recoverLocked(ctx context.Context, slot *engineSlot, cause error) error {
	slot.state = StateProbeFailed
	forced := false

	if slot.engine != nil {
		forced = p.stopEngineLocked(ctx, slot)
	}

	p.dropSessions(slot.visible)

	slot.state = StateRelaunching

	engine, err := p.launcher.Launch(ctx, slot.visible)
	if err != nil {
		slot.state = StateStopped

		return fmt.Errorf("failed to relaunch engine: %w", err)
	}

	slot.engine = engine
	slot.state = StateHealthy
	slot.recoveries++

	p.logger.InfoContext(ctx, "Engine recovered",
		"visible", slot.visible, "forcedKill", forced, "recoveries", slot.recoveries, "cause", cause)

	event := events.EngineRecovered{
		BaseEvent:  events.NewBaseEvent(events.EngineRecoveredEvent, "", ""),
		Visible:    slot.visible,
		ForcedKill: forced,
		Recoveries: slot.recoveries,
	}
	if cause != nil {
		event.Cause = cause.Error()
	}

	if err := p.publisher.Publish(ctx, "engine", event); err != nil {
		p.logger.WarnContext(ctx, "Failed to publish engine recovered event", "error", err)
	}

	return nil
}

// stopEngineLocked shuts the engine down within the shutdown bound, falling back to a
// forced kill. It reports whether the kill was needed.
func (p *Pool) stopEngineLocked(ctx context.Context, slot *engineSlot) bool {
	slot.state = StateShuttingDown

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.ShutdownTimeout)
	err := callWithTimeout(shutdownCtx, slot.engine.Shutdown)

	cancel()

	forced := false

	if err != nil {
		slot.state = StateKilling
		forced = true

		p.logger.WarnContext(ctx, "Graceful engine shutdown failed, killing process", "visible", slot.visible, "error", err)

		if killErr := slot.engine.Kill(); killErr != nil {
			p.logger.ErrorContext(ctx, "Failed to kill engine process", "visible", slot.visible, "error", killErr)
		}
	}

	slot.engine = nil
	slot.state = StateStopped

	return forced
}

// dropSessions forgets sessions of the given engine. They died with their process.
func (p *Pool) dropSessions(visible bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for id, s := range p.sessions {
		if s.Visible() == visible {
			delete(p.sessions, id)
		}
	}
}

// CloseSession releases a session. Unknown or already closed sessions are ignored.
func (p *Pool) CloseSession(ctx context.Context, session Session) error {
	if session == nil {
		return nil
	}

	p.mu.Lock()

	_, tracked := p.sessions[session.ID()]
	delete(p.sessions, session.ID())

	p.mu.Unlock()

	if !tracked {
		return nil
	}

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.ShutdownTimeout)
	defer cancel()

	err := callWithTimeout(closeCtx, session.Close)
	if err != nil && !errors.Is(err, ErrSessionClosed) {
		return fmt.Errorf("failed to close session %s: %w", session.ID(), err)
	}

	return nil
}

// Close tears down every session and engine. The pool can be started again afterwards.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	p.running = false
	sessions := p.sessions
	p.sessions = make(map[string]Session)
	p.mu.Unlock()

	var errs []error

	for _, s := range sessions {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.ShutdownTimeout)
		err := callWithTimeout(closeCtx, s.Close)

		cancel()

		if err != nil && !errors.Is(err, ErrSessionClosed) {
			errs = append(errs, err)
		}
	}

	for _, slot := range []*engineSlot{p.headless, p.visible} {
		slot.mu.Lock()
		if slot.engine != nil {
			p.stopEngineLocked(ctx, slot)
		}
		slot.mu.Unlock()
	}

	p.logger.InfoContext(ctx, "Execution context pool closed", "sessions", len(sessions))

	return errors.Join(errs...)
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	stats := Stats{Running: p.running}

	for _, s := range p.sessions {
		if s.Visible() {
			stats.Visible.Sessions++
		} else {
			stats.Headless.Sessions++
		}
	}
	p.mu.Unlock()

	for _, pair := range []struct {
		slot *engineSlot
		out  *EngineStats
	}{{p.headless, &stats.Headless}, {p.visible, &stats.Visible}} {
		pair.slot.mu.Lock()
		pair.out.State = pair.slot.state
		pair.out.Recoveries = pair.slot.recoveries
		pair.slot.mu.Unlock()
	}

	return stats
}

// callWithTimeout runs fn and returns when it finishes or ctx is done, whichever is first.
// A wedged engine call must not hold the caller past its bound.
func callWithTimeout(ctx context.Context, fn func(context.Context) error) error {
	done := make(chan error, 1)

	go func() {
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
