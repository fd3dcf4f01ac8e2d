package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/roach88/querypilot/internal/executor"
	"github.com/roach88/querypilot/internal/explain"
	"github.com/roach88/querypilot/internal/ir"
	"github.com/roach88/querypilot/internal/oracle"
	"github.com/roach88/querypilot/internal/pipeline"
	"github.com/roach88/querypilot/internal/storage"
	"github.com/roach88/querypilot/internal/storage/memstore"
	"github.com/roach88/querypilot/internal/synth"
	"github.com/roach88/querypilot/internal/testutil"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// explainMarker starts every explanation prompt.
const explainMarker = "Explain this MongoDB query"

// Harness holds the state of one scenario run.
type Harness struct {
	engine   *memstore.Engine
	pipeline *pipeline.Pipeline
	oracle   *stepOracle
	logger   *slog.Logger
}

// stepOracle answers with the current step's canned replies.
type stepOracle struct {
	step  *Step
	calls int
}

func (o *stepOracle) Generate(ctx context.Context, prompt string, p oracle.Params) (string, error) {
	o.calls++
	if o.step == nil {
		return "", oracle.ErrScriptExhausted
	}
	if strings.HasPrefix(prompt, explainMarker) {
		return o.step.Explanation, nil
	}
	switch o.step.OracleError {
	case "credential":
		return "", &oracle.Error{Code: oracle.ErrCodeMissingCredential, Message: "API key missing"}
	case "network":
		return "", &oracle.Error{Code: oracle.ErrCodeNetwork, Message: "Network error", StatusCode: 503}
	case "shape":
		return "", &oracle.Error{Code: oracle.ErrCodeUnexpectedShape, Message: "Unexpected API response"}
	}
	return o.step.Oracle, nil
}

// Run executes a scenario against a fresh in-memory engine and returns the
// result. The error is reserved for scenarios that cannot be set up.
func Run(scenario *Scenario) (*Result, error) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ids := testutil.NewSequentialIDs()
	engine := memstore.New(memstore.WithIDGenerator(ids.Next), memstore.WithLogger(logger))
	defer engine.Close(ctx)

	o := &stepOracle{}
	s, err := synth.New(synth.Config{Oracle: o, CacheTTL: -1, Logger: logger})
	if err != nil {
		return nil, err
	}
	defer s.Close()

	clock := testutil.NewDeterministicClock()
	p, err := pipeline.New(pipeline.Config{
		Synthesizer: s,
		Executor:    executor.New(engine, logger),
		Explainer:   explain.New(o, explain.WithLogger(logger)),
		Logger:      logger,
		Now:         clock.Now,
	})
	if err != nil {
		return nil, err
	}

	h := &Harness{engine: engine, pipeline: p, oracle: o, logger: logger}
	if err := h.seed(ctx, scenario); err != nil {
		return nil, fmt.Errorf("failed to seed: %w", err)
	}

	result := NewResult()
	for i := range scenario.Steps {
		h.runStep(ctx, i, &scenario.Steps[i], result)
	}

	for _, msg := range h.evaluate(ctx, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

func (h *Harness) seed(ctx context.Context, scenario *Scenario) error {
	names := make([]string, 0, len(scenario.Seed))
	for name := range scenario.Seed {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		coll, err := h.engine.Collection(ctx, name)
		if err != nil {
			return err
		}
		for i, raw := range scenario.Seed[name] {
			doc, err := toDocument(raw)
			if err != nil {
				return fmt.Errorf("%s[%d]: %w", name, i, err)
			}
			if _, err := coll.InsertOne(ctx, doc); err != nil {
				return fmt.Errorf("%s[%d]: %w", name, i, err)
			}
		}
	}

	for i, idx := range scenario.Indexes {
		keys, err := ir.Parse(idx.Keys)
		if err != nil {
			return fmt.Errorf("indexes[%d]: %w", i, err)
		}
		coll, err := h.engine.Collection(ctx, idx.Collection)
		if err != nil {
			return err
		}
		if _, err := coll.CreateIndex(ctx, storage.IndexModel{Keys: bson.D(keys), Unique: idx.Unique}); err != nil {
			return fmt.Errorf("indexes[%d]: %w", i, err)
		}
	}
	return nil
}

func (h *Harness) runStep(ctx context.Context, i int, step *Step, result *Result) {
	h.oracle.step = step
	defer func() { h.oracle.step = nil }()

	n := i + 1
	out, err := h.pipeline.Process(ctx, pipeline.Request{
		Text:       step.Command,
		Collection: step.Collection,
		Explain:    step.Explain,
	})

	ev := TraceEvent{Step: n, Command: step.Command, Collection: step.Collection}
	if ev.Collection == "" {
		ev.Collection = pipeline.DefaultCollection
	}
	if out != nil {
		ev.Request = out.Plan.Document.JSON()
		ev.Explanation = out.Plan.Explanation
		if raw, merr := executor.MarshalResult(out.Result); merr == nil {
			ev.Result = string(raw)
		}
	}
	pe, failed := pipeline.AsPhaseError(err)
	if failed {
		ev.Phase = string(pe.Phase)
		ev.Code = string(pe.Code)
		ev.Message = pe.Message
		if ev.Request == "" && pe.Phase == pipeline.PhaseValidation {
			ev.Request = pe.Detail
		}
	} else if err != nil {
		ev.Phase = "unknown"
		ev.Message = err.Error()
	}
	result.Trace = append(result.Trace, ev)

	h.logger.Info("step completed", "step", n, "phase", ev.Phase, "code", ev.Code)

	for _, msg := range checkExpect(ev, step.Expect) {
		result.AddError(fmt.Sprintf("step %d (%s): %s", n, step.Command, msg))
	}
}

func checkExpect(ev TraceEvent, want *Expect) []string {
	if want == nil {
		want = &Expect{}
	}
	var errs []string

	switch {
	case want.Phase == "" && ev.Phase != "":
		errs = append(errs, fmt.Sprintf("unexpected %s failure %s: %s", ev.Phase, ev.Code, ev.Message))
	case want.Phase != "" && ev.Phase != want.Phase:
		errs = append(errs, fmt.Sprintf("expected %s failure, got phase %q", want.Phase, ev.Phase))
	case want.Code != "" && ev.Code != want.Code:
		errs = append(errs, fmt.Sprintf("expected code %s, got %s", want.Code, ev.Code))
	}

	if want.Result != nil || want.Count != nil {
		var actual any
		if err := json.Unmarshal([]byte(ev.Result), &actual); err != nil {
			return append(errs, fmt.Sprintf("result is not JSON: %q", ev.Result))
		}
		if want.Result != nil {
			obj, ok := actual.(map[string]any)
			if !ok {
				errs = append(errs, fmt.Sprintf("expected an object result, got %s", ev.Result))
			} else {
				errs = append(errs, subsetErrors(want.Result, obj, "result")...)
			}
		}
		if want.Count != nil {
			list, ok := actual.([]any)
			switch {
			case !ok:
				errs = append(errs, fmt.Sprintf("expected a list result, got %s", ev.Result))
			case len(list) != *want.Count:
				errs = append(errs, fmt.Sprintf("expected %d items, got %d", *want.Count, len(list)))
			}
		}
	}

	if want.Explanation != "" && !strings.Contains(ev.Explanation, want.Explanation) {
		errs = append(errs, fmt.Sprintf("explanation %q does not contain %q", ev.Explanation, want.Explanation))
	}
	return errs
}

// toDocument converts a YAML mapping into a document. Keys are sorted.
func toDocument(m map[string]any) (bson.D, error) {
	if m == nil {
		return bson.D{}, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	doc, err := ir.Parse(string(raw))
	if err != nil {
		return nil, err
	}
	return bson.D(doc), nil
}
