// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"fmt"
	"log/slog"

	"github.com/dukex/formflow/pkg/steps"
	"github.com/dukex/formflow/pkg/steps/builtin"
)

// NewRegistry returns a step registry holding the built-in browser steps plus every
// step plugin found below pluginsPath.
func NewRegistry(logger *slog.Logger, pluginsPath string) (*steps.Registry, error) {
	reg := steps.NewRegistry(logger)

	err := builtin.Register(reg)
	if err != nil {
		return nil, fmt.Errorf("failed to register built-in steps: %w", err)
	}

	if pluginsPath == "" {
		return reg, nil
	}

	plugins, err := reg.LoadPlugins(pluginsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load step plugins: %w", err)
	}

	for _, p := range plugins {
		err := reg.RegisterPlugin(p)
		if err != nil {
			return nil, err
		}
	}

	return reg, nil
}
