// Package flows loads flow definitions: the ordered steps, rule table and payload
// schema of each form-filling flow.
package flows

import (
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/dukex/formflow/pkg/models"
	"github.com/dukex/formflow/pkg/steps"
	"github.com/go-playground/validator/v10"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Definition describes one flow.
type Definition struct {
	Key  string `json:"key"                      validate:"required" yaml:"key"`
	Name string `json:"name,omitempty"           yaml:"name,omitempty"`
	// Checkpoint enables pause/resume persistence for the flow.
	Checkpoint    bool                    `json:"checkpoint,omitempty"     yaml:"checkpoint,omitempty"`
	Steps         []models.StepDefinition `json:"steps"                    validate:"required,min=1,dive" yaml:"steps"`
	Rules         map[string]string       `json:"rules,omitempty"          yaml:"rules,omitempty"`
	PayloadSchema map[string]any          `json:"payload_schema,omitempty" yaml:"payload_schema,omitempty"`

	rules *steps.Rules
}

// File is the YAML document holding a set of flows.
type File struct {
	Flows []*Definition `yaml:"flows"`
}

// Compile validates the definition and builds its rule table.
func (d *Definition) Compile(logger *slog.Logger) error {
	err := validate.Struct(d)
	if err != nil {
		return models.NewValidationError("compile flow", "invalid definition for flow "+d.Key, err)
	}

	seen := make(map[string]struct{}, len(d.Steps))

	for _, step := range d.Steps {
		if step.Implementation == "" {
			return models.NewConfigurationError("compile flow",
				fmt.Sprintf("flow %s: step %s has no implementation", d.Key, step.ID))
		}

		if _, dup := seen[step.ID]; dup {
			return models.NewValidationError("compile flow",
				fmt.Sprintf("flow %s: duplicate step id %s", d.Key, step.ID), nil)
		}

		seen[step.ID] = struct{}{}
	}

	rules := steps.NewRules(logger.With("flow", d.Key))

	for name, expression := range d.Rules {
		err := rules.RegisterExpr(name, expression)
		if err != nil {
			return models.NewValidationError("compile flow", "flow "+d.Key, err)
		}
	}

	if d.PayloadSchema != nil {
		_, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(d.PayloadSchema))
		if err != nil {
			return models.NewValidationError("compile flow", "invalid payload schema for flow "+d.Key, err)
		}
	}

	d.rules = rules

	return nil
}

// RuleTable returns the compiled rules. Programmatic predicates may be added to it.
func (d *Definition) RuleTable() *steps.Rules {
	return d.rules
}

// StepIndex returns the position of stepID, or -1.
func (d *Definition) StepIndex(stepID string) int {
	return slices.IndexFunc(d.Steps, func(s models.StepDefinition) bool {
		return s.ID == stepID
	})
}

// ValidatePayload checks the task against the flow's payload schema.
func (d *Definition) ValidatePayload(task *models.Task) error {
	if d.PayloadSchema == nil {
		return nil
	}

	schemaLoader := gojsonschema.NewGoLoader(d.PayloadSchema)
	dataLoader := gojsonschema.NewGoLoader(steps.PayloadData(task))

	result, err := gojsonschema.Validate(schemaLoader, dataLoader)
	if err != nil {
		return models.NewValidationError("validate payload", "flow "+d.Key, err)
	}

	if !result.Valid() {
		var errors []string
		for _, desc := range result.Errors() {
			errors = append(errors, desc.String())
		}

		return models.NewValidationError("validate payload",
			fmt.Sprintf("task %s: %s", task.ID, strings.Join(errors, "; ")), nil)
	}

	return nil
}

// CheckImplementations verifies every step names a registered implementation.
func (d *Definition) CheckImplementations(registry *steps.Registry) error {
	var missing []string

	for _, step := range d.Steps {
		if !registry.Has(step.Implementation) {
			missing = append(missing, fmt.Sprintf("%s (%s)", step.ID, step.Implementation))
		}
	}

	if len(missing) > 0 {
		return models.NewConfigurationError("check flow",
			fmt.Sprintf("flow %s: step not found: %s", d.Key, strings.Join(missing, ", ")))
	}

	return nil
}

// Catalog is the set of known flows.
type Catalog struct {
	logger *slog.Logger

	mu    sync.RWMutex
	flows map[string]*Definition
}

func NewCatalog(logger *slog.Logger) *Catalog {
	return &Catalog{
		logger: logger.With("module", "flow_catalog"),
		flows:  make(map[string]*Definition),
	}
}

// Add compiles def and adds it. Keys are unique.
func (c *Catalog) Add(def *Definition) error {
	err := def.Compile(c.logger)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.flows[def.Key]; exists {
		return models.NewValidationError("add flow", "duplicate flow key "+def.Key, nil)
	}

	c.flows[def.Key] = def

	return nil
}

// Get returns the flow for key. A missing flow is a ConfigurationError.
func (c *Catalog) Get(key string) (*Definition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	def, ok := c.flows[key]
	if !ok {
		return nil, models.NewConfigurationError("get flow", "flow not found: "+key)
	}

	return def, nil
}

func (c *Catalog) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]string, 0, len(c.flows))
	for key := range c.flows {
		keys = append(keys, key)
	}

	slices.Sort(keys)

	return keys
}

// Parse reads a YAML flows document into a new catalog.
func Parse(logger *slog.Logger, data []byte) (*Catalog, error) {
	var file File

	err := yaml.Unmarshal(data, &file)
	if err != nil {
		return nil, models.NewValidationError("parse flows", "invalid yaml", err)
	}

	catalog := NewCatalog(logger)

	for _, def := range file.Flows {
		err := catalog.Add(def)
		if err != nil {
			return nil, err
		}
	}

	return catalog, nil
}

// LoadFile reads a YAML flows file.
func LoadFile(logger *slog.Logger, path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read flows file: %w", err)
	}

	catalog, err := Parse(logger, data)
	if err != nil {
		return nil, err
	}

	catalog.logger.Info("Loaded flows", "path", path, "flows", len(catalog.flows))

	return catalog, nil
}
