package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
)

var errNotStarted = errors.New("browser process not started")

// ChromeLauncher launches Chrome through chromedp.
type ChromeLauncher struct {
	ExecPath string
	// WindowWidth and WindowHeight size visible windows. Zero keeps Chrome's default.
	WindowWidth  int
	WindowHeight int
	Logger       *slog.Logger
}

func (l *ChromeLauncher) Launch(ctx context.Context, visible bool) (Engine, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:], chromedp.Flag("headless", !visible))

	if l.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(l.ExecPath))
	}

	if visible && l.WindowWidth > 0 && l.WindowHeight > 0 {
		opts = append(opts, chromedp.WindowSize(l.WindowWidth, l.WindowHeight))
	}

	// The process outlives the launch request, so it hangs off a background context.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	browserOpts := []chromedp.ContextOption{}
	if l.Logger != nil {
		logger := l.Logger.With("visible", visible)
		browserOpts = append(browserOpts, chromedp.WithErrorf(func(format string, args ...any) {
			logger.Error("chromedp error", "detail", fmt.Sprintf(format, args...))
		}))
	}

	browserCtx, browserCancel := chromedp.NewContext(allocCtx, browserOpts...)

	err := callWithTimeout(ctx, func(context.Context) error {
		return chromedp.Run(browserCtx)
	})
	if err != nil {
		browserCancel()
		allocCancel()

		return nil, err
	}

	return &chromeEngine{
		visible:       visible,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		allocCancel:   allocCancel,
	}, nil
}

type chromeEngine struct {
	visible       bool
	browserCtx    context.Context
	browserCancel context.CancelFunc
	allocCancel   context.CancelFunc
}

func (e *chromeEngine) executor() (*chromedp.Browser, error) {
	c := chromedp.FromContext(e.browserCtx)
	if c == nil || c.Browser == nil {
		return nil, errNotStarted
	}

	return c.Browser, nil
}

func (e *chromeEngine) Ping(ctx context.Context) error {
	b, err := e.executor()
	if err != nil {
		return err
	}

	_, _, _, _, _, err = cdpbrowser.GetVersion().Do(cdp.WithExecutor(ctx, b))

	return err
}

func (e *chromeEngine) NewSession(ctx context.Context) (Session, error) {
	sessionCtx, cancel := chromedp.NewContext(e.browserCtx, chromedp.WithNewBrowserContext())

	err := callWithTimeout(ctx, func(context.Context) error {
		return chromedp.Run(sessionCtx)
	})
	if err != nil {
		cancel()

		return nil, err
	}

	return &chromeSession{
		id:      uuid.New().String(),
		visible: e.visible,
		ctx:     sessionCtx,
		cancel:  cancel,
	}, nil
}

func (e *chromeEngine) Shutdown(_ context.Context) error {
	err := chromedp.Cancel(e.browserCtx)
	e.allocCancel()

	return err
}

func (e *chromeEngine) Kill() error {
	var err error

	if b, execErr := e.executor(); execErr == nil {
		if proc := b.Process(); proc != nil {
			err = proc.Kill()
		}
	}

	e.browserCancel()
	e.allocCancel()

	return err
}

type chromeSession struct {
	id      string
	visible bool
	ctx     context.Context
	cancel  context.CancelFunc

	closeOnce sync.Once
	closeErr  error
}

func (s *chromeSession) ID() string {
	return s.id
}

func (s *chromeSession) Visible() bool {
	return s.visible
}

// Run executes actions in the session. ctx bounds this call only; the session survives it.
func (s *chromeSession) Run(ctx context.Context, actions ...chromedp.Action) error {
	if s.ctx.Err() != nil {
		return ErrSessionClosed
	}

	runCtx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	return chromedp.Run(runCtx, actions...)
}

func (s *chromeSession) Focus(ctx context.Context) error {
	if !s.visible {
		return nil
	}

	return s.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		err := s.setWindowState(ctx, cdpbrowser.WindowStateNormal)
		if err != nil {
			return err
		}

		return page.BringToFront().Do(ctx)
	}))
}

func (s *chromeSession) Minimize(ctx context.Context) error {
	if !s.visible {
		return nil
	}

	return s.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return s.setWindowState(ctx, cdpbrowser.WindowStateMinimized)
	}))
}

func (s *chromeSession) setWindowState(ctx context.Context, state cdpbrowser.WindowState) error {
	windowID, _, err := cdpbrowser.GetWindowForTarget().Do(ctx)
	if err != nil {
		return err
	}

	return cdpbrowser.SetWindowBounds(windowID, &cdpbrowser.Bounds{WindowState: state}).Do(ctx)
}

func (s *chromeSession) Close(_ context.Context) error {
	s.closeOnce.Do(func() {
		s.closeErr = chromedp.Cancel(s.ctx)
		s.cancel()
	})

	return s.closeErr
}
