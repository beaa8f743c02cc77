package testutil

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/chromedp/chromedp"
	"github.com/dukex/formflow/pkg/browser"
	"github.com/google/uuid"
)

// FakeLauncher launches in-memory engines. Behaviour of the next launched engine
// is taken from the exported fields at launch time.
type FakeLauncher struct {
	mu        sync.Mutex
	LaunchErr error
	// HangPing makes the engine ignore liveness probes until ctx expires.
	HangPing bool
	// HangShutdown makes graceful shutdown block so the pool must kill the process.
	HangShutdown bool
	// FailSessions makes the first N NewSession calls of each engine fail.
	FailSessions int
	// LaunchGate, when set, holds every launch until it is closed.
	LaunchGate chan struct{}

	launches atomic.Int32
	engines  []*FakeEngine
}

func (l *FakeLauncher) Launch(ctx context.Context, visible bool) (browser.Engine, error) {
	l.mu.Lock()
	gate := l.LaunchGate
	l.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.launches.Add(1)

	if l.LaunchErr != nil {
		return nil, l.LaunchErr
	}

	engine := &FakeEngine{
		visible:      visible,
		hangPing:     l.HangPing,
		hangShutdown: l.HangShutdown,
		failSessions: l.FailSessions,
	}
	l.engines = append(l.engines, engine)

	return engine, nil
}

// Set mutates launcher behaviour under its lock.
func (l *FakeLauncher) Set(fn func(l *FakeLauncher)) {
	l.mu.Lock()
	defer l.mu.Unlock()

	fn(l)
}

func (l *FakeLauncher) Launches() int {
	return int(l.launches.Load())
}

func (l *FakeLauncher) Engines() []*FakeEngine {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]*FakeEngine(nil), l.engines...)
}

type FakeEngine struct {
	visible      bool
	hangPing     bool
	hangShutdown bool

	mu           sync.Mutex
	failSessions int
	sessions     []*FakeSession

	killed   atomic.Bool
	shutdown atomic.Bool
	zombie   atomic.Bool
}

// MakeZombie makes every later probe hang, as a wedged process would.
func (e *FakeEngine) MakeZombie() {
	e.zombie.Store(true)
}

func (e *FakeEngine) Ping(ctx context.Context) error {
	if e.killed.Load() || e.shutdown.Load() {
		return errors.New("engine gone")
	}

	if e.hangPing || e.zombie.Load() {
		<-ctx.Done()

		return ctx.Err()
	}

	return nil
}

func (e *FakeEngine) NewSession(_ context.Context) (browser.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.failSessions > 0 {
		e.failSessions--

		return nil, errors.New("target creation failed")
	}

	s := &FakeSession{id: uuid.NewString(), visible: e.visible}
	e.sessions = append(e.sessions, s)

	return s, nil
}

func (e *FakeEngine) Sessions() []*FakeSession {
	e.mu.Lock()
	defer e.mu.Unlock()

	return append([]*FakeSession(nil), e.sessions...)
}

func (e *FakeEngine) Shutdown(ctx context.Context) error {
	if e.hangShutdown {
		<-ctx.Done()

		return ctx.Err()
	}

	e.shutdown.Store(true)

	return nil
}

func (e *FakeEngine) Kill() error {
	e.killed.Store(true)

	return nil
}

func (e *FakeEngine) Killed() bool {
	return e.killed.Load()
}

func (e *FakeEngine) IsShutdown() bool {
	return e.shutdown.Load()
}

// FakeSession records what happened to it.
type FakeSession struct {
	id      string
	visible bool

	Runs      atomic.Int32
	Focused   atomic.Int32
	Minimized atomic.Int32
	closed    atomic.Int32
}

func (s *FakeSession) ID() string {
	return s.id
}

func (s *FakeSession) Visible() bool {
	return s.visible
}

func (s *FakeSession) Run(_ context.Context, _ ...chromedp.Action) error {
	if s.closed.Load() > 0 {
		return browser.ErrSessionClosed
	}

	s.Runs.Add(1)

	return nil
}

func (s *FakeSession) Focus(context.Context) error {
	s.Focused.Add(1)

	return nil
}

func (s *FakeSession) Minimize(context.Context) error {
	s.Minimized.Add(1)

	return nil
}

func (s *FakeSession) Close(context.Context) error {
	s.closed.Add(1)

	return nil
}

// Closed reports how many times Close was called.
func (s *FakeSession) Closed() int {
	return int(s.closed.Load())
}
