package steps

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"plugin"
	"slices"
	"sync"

	"github.com/dukex/formflow/pkg/models"
)

// PluginSymbol is the symbol a step plugin exports.
const PluginSymbol = "Steps"

// Plugin is a bundle of step implementations loaded from a Go plugin.
type Plugin interface {
	ID() string
	Steps() map[string]Implementation
}

type Registry struct {
	logger *slog.Logger

	mu    sync.RWMutex
	steps map[string]Implementation
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger: logger.With("module", "step_registry"),
		steps:  make(map[string]Implementation),
	}
}

// Register adds a named implementation. Names are unique.
func (r *Registry) Register(name string, impl Implementation) error {
	if name == "" {
		return errors.New("step name is required")
	}

	if impl == nil {
		return fmt.Errorf("step %s: implementation is nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.steps[name]; exists {
		return fmt.Errorf("step %s is already registered", name)
	}

	r.steps[name] = impl

	return nil
}

// RegisterPlugin registers every step of p.
func (r *Registry) RegisterPlugin(p Plugin) error {
	for name, impl := range p.Steps() {
		err := r.Register(name, impl)
		if err != nil {
			return fmt.Errorf("plugin %s: %w", p.ID(), err)
		}
	}

	r.logger.Info("Registered step plugin", "plugin", p.ID())

	return nil
}

// Get looks up an implementation. A missing name is a ConfigurationError.
func (r *Registry) Get(name string) (Implementation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	impl, ok := r.steps[name]
	if !ok {
		return nil, models.NewConfigurationError("get step", "step not found: "+name)
	}

	return impl, nil
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.steps[name]

	return ok
}

// Names returns the registered step names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.steps))
	for name := range r.steps {
		names = append(names, name)
	}

	slices.Sort(names)

	return names
}

// LoadPlugins opens every *.so below pluginsPath/steps and returns the exported plugins.
// A missing directory yields no plugins.
func (r *Registry) LoadPlugins(pluginsPath string) ([]Plugin, error) {
	return loadPlugin[Plugin](r.logger, pluginsPath, PluginSymbol)
}

func loadPlugin[T any](logger *slog.Logger, pluginsPath string, symbolName string) ([]T, error) {
	rootPath := filepath.Join(pluginsPath, "steps")

	_, err := os.Stat(rootPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}

	root := os.DirFS(rootPath)

	pluginPathList, err := fs.Glob(root, "*.so")
	if err != nil {
		return nil, err
	}

	l := logger.With(slog.String("path", rootPath), slog.String("symbol", symbolName))
	l.Info("Loading plugins", "count", len(pluginPathList))

	pluginList := make([]T, 0, len(pluginPathList))

	for _, p := range pluginPathList {
		plg, err := plugin.Open(filepath.Join(rootPath, p))
		if err != nil {
			return nil, fmt.Errorf("failed to open plugin %s: %w", p, err)
		}

		v, err := plg.Lookup(symbolName)
		if err != nil {
			return nil, fmt.Errorf("plugin %s: %w", p, err)
		}

		castV, ok := v.(T)
		if !ok {
			return nil, fmt.Errorf("plugin %s: symbol %s has unexpected type %T", p, symbolName, v)
		}

		pluginList = append(pluginList, castV)

		l.Info("Loaded step plugin", slog.String("plugin", p))
	}

	return pluginList, nil
}
