// Package builtin provides the generic browser steps flows compose: navigation,
// form filling, clicks, waits, screenshots and text extraction.
package builtin

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/chromedp/chromedp"
	"github.com/dukex/formflow/pkg/steps"
)

var ErrNoSession = errors.New("step requires a browser session")

// Register adds every builtin step to r.
func Register(r *steps.Registry) error {
	for name, impl := range map[string]steps.Implementation{
		"navigate":     Navigate,
		"fill":         Fill,
		"select":       Select,
		"click":        Click,
		"wait_visible": WaitVisible,
		"screenshot":   Screenshot,
		"extract":      Extract,
	} {
		err := r.Register(name, impl)
		if err != nil {
			return err
		}
	}

	return nil
}

func required(sc *steps.Context, names ...string) ([]string, error) {
	if sc.Session == nil {
		return nil, steps.Permanent(ErrNoSession)
	}

	values := make([]string, 0, len(names))

	for _, name := range names {
		v := sc.ParamString(name)
		if v == "" {
			return nil, steps.Permanent(fmt.Errorf("step %s: param %q is required", sc.StepID, name))
		}

		values = append(values, v)
	}

	return values, nil
}

// Navigate opens params.url.
func Navigate(ctx context.Context, sc *steps.Context) (map[string]any, error) {
	p, err := required(sc, "url")
	if err != nil {
		return nil, err
	}

	err = sc.Session.Run(ctx, chromedp.Navigate(p[0]))
	if err != nil {
		return nil, fmt.Errorf("failed to navigate to %s: %w", p[0], err)
	}

	return map[string]any{"url": p[0]}, nil
}

// Fill types params.value into params.selector, clearing it first when params.clear is true.
func Fill(ctx context.Context, sc *steps.Context) (map[string]any, error) {
	p, err := required(sc, "selector")
	if err != nil {
		return nil, err
	}

	value := sc.ParamString("value")

	actions := []chromedp.Action{chromedp.WaitVisible(p[0], chromedp.ByQuery)}
	if clear, _ := sc.Params["clear"].(bool); clear {
		actions = append(actions, chromedp.Clear(p[0], chromedp.ByQuery))
	}

	actions = append(actions, chromedp.SendKeys(p[0], value, chromedp.ByQuery))

	err = sc.Session.Run(ctx, actions...)
	if err != nil {
		return nil, fmt.Errorf("failed to fill %s: %w", p[0], err)
	}

	return nil, nil
}

// Select sets the value of a select element.
func Select(ctx context.Context, sc *steps.Context) (map[string]any, error) {
	p, err := required(sc, "selector", "value")
	if err != nil {
		return nil, err
	}

	err = sc.Session.Run(ctx,
		chromedp.WaitVisible(p[0], chromedp.ByQuery),
		chromedp.SetValue(p[0], p[1], chromedp.ByQuery),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to select %s: %w", p[0], err)
	}

	return nil, nil
}

func Click(ctx context.Context, sc *steps.Context) (map[string]any, error) {
	p, err := required(sc, "selector")
	if err != nil {
		return nil, err
	}

	err = sc.Session.Run(ctx, chromedp.Click(p[0], chromedp.ByQuery))
	if err != nil {
		return nil, fmt.Errorf("failed to click %s: %w", p[0], err)
	}

	return nil, nil
}

func WaitVisible(ctx context.Context, sc *steps.Context) (map[string]any, error) {
	p, err := required(sc, "selector")
	if err != nil {
		return nil, err
	}

	err = sc.Session.Run(ctx, chromedp.WaitVisible(p[0], chromedp.ByQuery))
	if err != nil {
		return nil, fmt.Errorf("failed waiting for %s: %w", p[0], err)
	}

	return nil, nil
}

var unsafeName = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// Screenshot writes a full page PNG into the task's artifact directory.
func Screenshot(ctx context.Context, sc *steps.Context) (map[string]any, error) {
	if sc.Session == nil {
		return nil, steps.Permanent(ErrNoSession)
	}

	if sc.ArtifactDir == "" {
		return nil, steps.Permanent(fmt.Errorf("step %s: task has no artifact directory", sc.StepID))
	}

	name := sc.ParamString("name")
	if name == "" {
		name = sc.StepID
	}

	var buf []byte

	err := sc.Session.Run(ctx, chromedp.FullScreenshot(&buf, 90))
	if err != nil {
		return nil, fmt.Errorf("failed to capture screenshot: %w", err)
	}

	err = os.MkdirAll(sc.ArtifactDir, 0o750)
	if err != nil {
		return nil, fmt.Errorf("failed to create artifact directory: %w", err)
	}

	path := filepath.Join(sc.ArtifactDir, unsafeName.ReplaceAllString(name, "_")+".png")

	err = os.WriteFile(path, buf, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to write screenshot: %w", err)
	}

	return map[string]any{"path": path}, nil
}

// Extract reads the text of params.selector into the step state under params.key.
func Extract(ctx context.Context, sc *steps.Context) (map[string]any, error) {
	p, err := required(sc, "selector")
	if err != nil {
		return nil, err
	}

	key := sc.ParamString("key")
	if key == "" {
		key = "text"
	}

	var text string

	err = sc.Session.Run(ctx, chromedp.Text(p[0], &text, chromedp.ByQuery, chromedp.NodeVisible))
	if err != nil {
		return nil, fmt.Errorf("failed to extract %s: %w", p[0], err)
	}

	return map[string]any{key: text}, nil
}
