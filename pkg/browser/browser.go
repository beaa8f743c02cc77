// Package browser owns the automation-engine processes and hands out isolated sessions.
package browser

import (
	"context"
	"errors"

	"github.com/chromedp/chromedp"
)

var (
	// ErrPoolClosed is returned when a session is requested from a pool that is not running.
	ErrPoolClosed = errors.New("execution context pool is not running")

	// ErrSessionClosed is returned by a session used after Close.
	ErrSessionClosed = errors.New("session closed")
)

// Session is an isolated automation context with its own cookies and storage.
// A session is owned by exactly one worker at a time.
type Session interface {
	ID() string
	Visible() bool
	Run(ctx context.Context, actions ...chromedp.Action) error
	// Focus brings the session window to the front. Headless sessions ignore it.
	Focus(ctx context.Context) error
	// Minimize minimizes the session window. Headless sessions ignore it.
	Minimize(ctx context.Context) error
	Close(ctx context.Context) error
}

// Engine is one automation-engine process.
type Engine interface {
	// Ping is the liveness probe. It must return once ctx is done.
	Ping(ctx context.Context) error
	NewSession(ctx context.Context) (Session, error)
	// Shutdown asks the process to exit gracefully.
	Shutdown(ctx context.Context) error
	// Kill terminates the OS process without ceremony.
	Kill() error
}

// Launcher starts engine processes.
type Launcher interface {
	Launch(ctx context.Context, visible bool) (Engine, error)
}

// EngineState is a step of the zombie recovery state machine.
type EngineState string

const (
	StateStopped      EngineState = "stopped"
	StateHealthy      EngineState = "healthy"
	StateProbeFailed  EngineState = "probe_failed"
	StateShuttingDown EngineState = "shutting_down"
	StateKilling      EngineState = "killing"
	StateRelaunching  EngineState = "relaunching"
)
