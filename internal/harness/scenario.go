package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Scenario defines a conformance test scenario: a list of persistence
// steps, each run as its own unit of work, plus assertions over the final
// store.
type Scenario struct {
	// Name uniquely identifies this scenario.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Specs lists paths to CUE files declaring saga variants.
	// Paths are relative to the scenario file location.
	Specs []string `yaml:"specs,omitempty"`

	// Variants declares saga variants inline.
	Variants []VariantDecl `yaml:"variants,omitempty"`

	// IDPrefix names harness-generated ids for save steps without an id.
	// Defaults to "saga".
	IDPrefix string `yaml:"id_prefix,omitempty"`

	// Setup steps run before the flow and must succeed.
	Setup []Step `yaml:"setup,omitempty"`

	// Flow contains the steps under test.
	Flow []Step `yaml:"flow"`

	// Assertions validate the final trace and store.
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// VariantDecl is an inline saga variant declaration.
type VariantDecl struct {
	Name   string `yaml:"name"`
	Unique string `yaml:"unique,omitempty"`
}

// Step operations.
const (
	// OpSave saves a new saga with Fields.
	OpSave = "save"
	// OpUpdate loads saga ID, overwrites the given Fields and updates it.
	OpUpdate = "update"
	// OpGet loads saga ID.
	OpGet = "get"
	// OpGetBy looks a saga up by Property == Value.
	OpGetBy = "get_by"
	// OpComplete loads saga ID and completes it.
	OpComplete = "complete"
	// OpRawSave writes a saga document without maintaining its unique
	// identity, as data written before unique tracking would look.
	OpRawSave = "raw_save"
	// OpLegacyIdentity writes an identity document for Property == Value
	// owned by saga ID, without the cached saga document key.
	OpLegacyIdentity = "legacy_identity"
)

// Step is one operation, executed in a fresh session and flushed.
type Step struct {
	Op       string         `yaml:"op"`
	Variant  string         `yaml:"variant"`
	ID       string         `yaml:"id,omitempty"`
	Fields   map[string]any `yaml:"fields,omitempty"`
	Property string         `yaml:"property,omitempty"`
	Value    any            `yaml:"value,omitempty"`

	// Expect specifies the expected outcome. If nil, the step must not
	// fail.
	Expect *Expect `yaml:"expect,omitempty"`
}

// Expect specifies expected step behavior.
type Expect struct {
	// Error is the expected failure outcome (e.g. "unique_conflict").
	// Empty means the step succeeds.
	Error string `yaml:"error,omitempty"`

	// Found is the expected result of a read step.
	Found *bool `yaml:"found,omitempty"`

	// ID is the expected id of the saga a read step found.
	ID string `yaml:"id,omitempty"`

	// Fields are expected field values of the found saga (subset match).
	Fields map[string]any `yaml:"fields,omitempty"`
}

// Assertion validates the trace or the final store.
type Assertion struct {
	// Type specifies the assertion type:
	// - "trace_contains": a step with Op (and Outcome, if set) ran
	// - "trace_count": Op ran exactly Count times
	// - "index_count": Count unique identity documents exist
	// - "document_count": Count sagas of Variant exist
	Type string `yaml:"type"`

	Op      string `yaml:"op,omitempty"`
	Outcome string `yaml:"outcome,omitempty"`
	Variant string `yaml:"variant,omitempty"`
	Count   int    `yaml:"count"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceCount    = "trace_count"
	AssertIndexCount    = "index_count"
	AssertDocumentCount = "document_count"
)

// LoadScenario reads and parses a scenario YAML file.
// Spec paths are resolved relative to the file's directory.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	return LoadScenarioWithBasePath(path, filepath.Dir(path))
}

// LoadScenarioWithBasePath reads and parses a scenario YAML file,
// resolving spec paths relative to basePath.
func LoadScenarioWithBasePath(path, basePath string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	// Strict field validation catches typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	for i, specPath := range scenario.Specs {
		if !filepath.IsAbs(specPath) && basePath != "" {
			scenario.Specs[i] = filepath.Join(basePath, specPath)
		}
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	return &scenario, nil
}

// validateScenario checks required fields and step shapes.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Specs) == 0 && len(s.Variants) == 0 {
		return fmt.Errorf("at least one spec or inline variant is required")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow must have at least one step")
	}

	for i, v := range s.Variants {
		if v.Name == "" {
			return fmt.Errorf("variants[%d]: name is required", i)
		}
	}
	for i, step := range s.Setup {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("setup[%d]: %w", i, err)
		}
		if step.Expect != nil {
			return fmt.Errorf("setup[%d]: setup steps cannot have expectations", i)
		}
	}
	for i, step := range s.Flow {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("flow[%d]: %w", i, err)
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(a, i); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(step Step) error {
	if step.Variant == "" {
		return fmt.Errorf("variant is required")
	}

	switch step.Op {
	case OpSave:
		// id is optional: the harness generates one
	case OpRawSave, OpUpdate, OpGet, OpComplete:
		if step.ID == "" {
			return fmt.Errorf("id is required for %s", step.Op)
		}
	case OpGetBy:
		if step.Property == "" || step.Value == nil {
			return fmt.Errorf("property and value are required for get_by")
		}
	case OpLegacyIdentity:
		if step.ID == "" || step.Property == "" || step.Value == nil {
			return fmt.Errorf("id, property and value are required for legacy_identity")
		}
	case "":
		return fmt.Errorf("op is required")
	default:
		return fmt.Errorf("unknown op %q", step.Op)
	}

	if step.Expect != nil && step.Expect.Error != "" {
		switch step.Expect.Error {
		case OutcomeUniqueConflict, OutcomeNotFound, OutcomeSchemaMismatch, OutcomeError:
		default:
			return fmt.Errorf("unknown expected error %q", step.Expect.Error)
		}
	}
	return nil
}

// validateAssertion checks that an assertion has required fields.
func validateAssertion(a Assertion, index int) error {
	switch a.Type {
	case AssertTraceContains:
		if a.Op == "" {
			return fmt.Errorf("assertions[%d]: op is required for trace_contains", index)
		}
	case AssertTraceCount:
		if a.Op == "" {
			return fmt.Errorf("assertions[%d]: op is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertIndexCount:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for index_count", index)
		}
	case AssertDocumentCount:
		if a.Variant == "" {
			return fmt.Errorf("assertions[%d]: variant is required for document_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for document_count", index)
		}
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
