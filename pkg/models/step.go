package models

// StepDefinition is one entry of a flow's ordered step list.
type StepDefinition struct {
	ID   string `json:"id"                       validate:"required" yaml:"id"`
	Name string `json:"name,omitempty"           yaml:"name,omitempty"`
	// Implementation names the registered step routine to run.
	Implementation string `json:"implementation"           yaml:"implementation"`
	// MaxRetries is the number of additional attempts after the first failure.
	MaxRetries int `json:"max_retries,omitempty"    validate:"gte=0"    yaml:"max_retries,omitempty"`
	// Condition names a rule of the flow's rule table. An empty condition always runs.
	Condition string         `json:"condition,omitempty"      yaml:"condition,omitempty"`
	Params    map[string]any `json:"params,omitempty"         yaml:"params,omitempty"`
}
