package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/querypilot/internal/pipeline"
)

// Scenario is one scripted session.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	Description string `yaml:"description,omitempty"`

	// Seed holds the initial documents per collection.
	Seed map[string][]map[string]any `yaml:"seed,omitempty"`

	// Indexes are created before the first step.
	Indexes []IndexSpec `yaml:"indexes,omitempty"`

	Steps []Step `yaml:"steps"`

	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// IndexSpec declares a seed index. Keys is a JSON object so that key order
// survives.
type IndexSpec struct {
	Collection string `yaml:"collection"`
	Keys       string `yaml:"keys"`
	Unique     bool   `yaml:"unique,omitempty"`
}

// Step submits one command.
type Step struct {
	Command    string `yaml:"command"`
	Collection string `yaml:"collection,omitempty"`

	// Oracle is the canned synthesis reply.
	Oracle string `yaml:"oracle,omitempty"`

	// OracleError makes the synthesis call fail instead: "credential",
	// "network" or "shape".
	OracleError string `yaml:"oracle_error,omitempty"`

	// Explain requests an explanation; Explanation is the canned reply.
	Explain     bool   `yaml:"explain,omitempty"`
	Explanation string `yaml:"explanation,omitempty"`

	Expect *Expect `yaml:"expect,omitempty"`
}

// Expect states a step's outcome. A step without Phase must succeed.
type Expect struct {
	Phase string `yaml:"phase,omitempty"`
	Code  string `yaml:"code,omitempty"`

	// Result is a subset of the result's JSON object.
	Result map[string]any `yaml:"result,omitempty"`

	// Count is the expected length of a list result.
	Count *int `yaml:"count,omitempty"`

	// Explanation is a substring of the explanation.
	Explanation string `yaml:"explanation,omitempty"`
}

// Assertion validates the state after the last step.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	Collection string `yaml:"collection,omitempty"`

	// Where selects documents (final_state, document_count).
	Where map[string]any `yaml:"where,omitempty"`

	// Expect holds expected field values of every selected document.
	Expect map[string]any `yaml:"expect,omitempty"`

	// Absent lists fields no selected document may have.
	Absent []string `yaml:"absent,omitempty"`

	Count int `yaml:"count,omitempty"`
}

// Assertion types.
const (
	AssertFinalState    = "final_state"
	AssertDocumentCount = "document_count"
	AssertHistoryCount  = "history_count"
	AssertOracleCalls   = "oracle_calls"
)

var oracleErrors = map[string]bool{"credential": true, "network": true, "shape": true}

var phases = map[string]bool{
	string(pipeline.PhaseGeneration): true,
	string(pipeline.PhaseValidation): true,
	string(pipeline.PhaseExecution):  true,
}

// LoadScenario reads and parses a scenario YAML file. Unknown fields are
// rejected.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("at least one step is required")
	}
	for i, idx := range s.Indexes {
		if idx.Collection == "" || idx.Keys == "" {
			return fmt.Errorf("indexes[%d]: collection and keys are required", i)
		}
	}
	for i, step := range s.Steps {
		if err := validateStep(i, step); err != nil {
			return err
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(i, a); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, step Step) error {
	if step.Command == "" {
		return fmt.Errorf("steps[%d]: command is required", index)
	}
	if step.Oracle == "" && step.OracleError == "" {
		return fmt.Errorf("steps[%d]: oracle or oracle_error is required", index)
	}
	if step.OracleError != "" && !oracleErrors[step.OracleError] {
		return fmt.Errorf("steps[%d]: unknown oracle_error %q", index, step.OracleError)
	}
	if step.Expect != nil && step.Expect.Phase != "" && !phases[step.Expect.Phase] {
		return fmt.Errorf("steps[%d]: unknown phase %q", index, step.Expect.Phase)
	}
	return nil
}

func validateAssertion(index int, a Assertion) error {
	switch a.Type {
	case AssertFinalState:
		if a.Collection == "" {
			return fmt.Errorf("assertions[%d]: collection is required for final_state", index)
		}
		if len(a.Expect) == 0 && len(a.Absent) == 0 {
			return fmt.Errorf("assertions[%d]: expect or absent is required for final_state", index)
		}
	case AssertDocumentCount:
		if a.Collection == "" {
			return fmt.Errorf("assertions[%d]: collection is required for document_count", index)
		}
	case AssertHistoryCount, AssertOracleCalls:
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	if a.Count < 0 {
		return fmt.Errorf("assertions[%d]: count must be non-negative", index)
	}
	return nil
}
