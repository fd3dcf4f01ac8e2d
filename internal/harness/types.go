package harness

import (
	"fmt"
	"strings"
)

// TraceEvent records one processed step.
type TraceEvent struct {
	Step       int
	Command    string
	Collection string

	// Request is the generated operation request as JSON, empty when
	// generation failed.
	Request string

	Explanation string

	// Phase and Code are set for failed steps.
	Phase   string
	Code    string
	Message string

	// Result is the result JSON of an executed step.
	Result string
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every expectation and assertion held.
	Pass bool

	Trace []TraceEvent

	// Errors describes every failed expectation, in order.
	Errors []string
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{Pass: true, Trace: []TraceEvent{}, Errors: []string{}}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Render formats the trace for golden comparison. Failure messages are
// left out; they embed parser diagnostics that are not part of the
// contract.
func (r *Result) Render(name string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "scenario: %s\n", name)
	for _, ev := range r.Trace {
		fmt.Fprintf(&b, "step %d [%s] %s\n", ev.Step, ev.Collection, ev.Command)
		if ev.Request != "" {
			fmt.Fprintf(&b, "  request: %s\n", ev.Request)
		}
		if ev.Explanation != "" {
			fmt.Fprintf(&b, "  explanation: %s\n", ev.Explanation)
		}
		if ev.Phase != "" {
			fmt.Fprintf(&b, "  failed: %s %s\n", ev.Phase, ev.Code)
		}
		if ev.Result != "" {
			fmt.Fprintf(&b, "  result: %s\n", ev.Result)
		}
	}
	return []byte(b.String())
}
