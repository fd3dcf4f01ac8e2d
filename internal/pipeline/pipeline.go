// Package pipeline processes one natural-language command end to end:
// synthesize, validate, optionally explain, execute, record.
//
// A Pipeline holds one session's history. Collaborators (synthesizer,
// executor, explainer, journal) may be shared between sessions with
// ForSession.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/querypilot/internal/executor"
	"github.com/roach88/querypilot/internal/explain"
	"github.com/roach88/querypilot/internal/history"
	"github.com/roach88/querypilot/internal/ir"
	"github.com/roach88/querypilot/internal/journal"
	"github.com/roach88/querypilot/internal/synth"
	"github.com/roach88/querypilot/internal/validate"
)

// DefaultCollection is used when a command names none.
const DefaultCollection = "students"

// Synthesizer generates operation requests. *synth.Synthesizer implements it.
type Synthesizer interface {
	Synthesize(ctx context.Context, userText, collection string) (*synth.Synthesis, error)
}

// Journal records processed commands. *journal.Journal implements it.
type Journal interface {
	Append(ctx context.Context, r journal.Record) error
}

// Config configures a Pipeline. Synthesizer and Executor are required.
type Config struct {
	Synthesizer Synthesizer
	Executor    *executor.Executor

	// Explainer is optional; without it explanations fall back.
	Explainer *explain.Explainer

	// History is a new DefaultCapacity ring when nil.
	History *history.Ring

	// Journal is optional.
	Journal Journal

	Logger *slog.Logger

	// Now is time.Now when nil.
	Now func() time.Time
}

// Pipeline processes commands.
type Pipeline struct {
	synth     Synthesizer
	exec      *executor.Executor
	explainer *explain.Explainer
	history   *history.Ring
	journal   Journal
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a Pipeline.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Synthesizer == nil {
		return nil, fmt.Errorf("pipeline: synthesizer is required")
	}
	if cfg.Executor == nil {
		return nil, fmt.Errorf("pipeline: executor is required")
	}
	p := &Pipeline{
		synth:     cfg.Synthesizer,
		exec:      cfg.Executor,
		explainer: cfg.Explainer,
		history:   cfg.History,
		journal:   cfg.Journal,
		logger:    cfg.Logger,
		now:       cfg.Now,
	}
	if p.explainer == nil {
		p.explainer = explain.New(nil)
	}
	if p.history == nil {
		p.history = history.NewRing(history.DefaultCapacity)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p, nil
}

// ForSession returns a pipeline sharing p's collaborators with an empty
// history of the same capacity.
func (p *Pipeline) ForSession() *Pipeline {
	cp := *p
	cp.history = history.NewRing(p.history.Capacity())
	return &cp
}

// History returns the session history.
func (p *Pipeline) History() *history.Ring { return p.history }

// Request is one command.
type Request struct {
	Text string

	// Collection is DefaultCollection when empty.
	Collection string

	// Explain asks the oracle to describe the request before execution.
	Explain bool
}

// Plan is a generated and validated request, ready to execute.
type Plan struct {
	Text       string
	Collection string
	Document   ir.Document

	// Raw and Normalized are the oracle text before and after repair.
	// Both are empty for requests that were not generated.
	Raw        string
	Normalized string
	Cached     bool

	// Explanation is set when the request asked for one.
	Explanation string
}

// Outcome is an executed plan.
type Outcome struct {
	Plan   *Plan
	Result executor.Result

	// Entry is the history entry of a successful execution.
	Entry *history.Entry
}

// Process runs the whole pipeline. Failures are *PhaseError; an execution
// failure also returns the Outcome holding the failed result.
func (p *Pipeline) Process(ctx context.Context, req Request) (*Outcome, error) {
	plan, err := p.Prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	return p.Execute(ctx, plan)
}

// Prepare generates and validates a request without executing it.
func (p *Pipeline) Prepare(ctx context.Context, req Request) (*Plan, error) {
	plan := &Plan{Text: req.Text, Collection: collectionOr(req.Collection)}

	s, err := p.synth.Synthesize(ctx, plan.Text, plan.Collection)
	if err != nil {
		pe := generationError(err)
		p.logger.Warn("generation failed", "collection", plan.Collection, "code", pe.Code, "error", err)
		p.record(ctx, "", plan, pe, nil)
		return nil, pe
	}
	plan.Document = s.Document
	plan.Raw = s.Raw
	plan.Normalized = s.Normalized
	plan.Cached = s.Cached
	p.logger.Debug("request generated",
		"collection", plan.Collection,
		"cached", s.Cached,
		"normalized", s.Normalized)

	if err := p.validate(ctx, plan); err != nil {
		return nil, err
	}

	if req.Explain {
		plan.Explanation = p.explainer.Explain(ctx, plan.Document)
	}
	return plan, nil
}

// PlanDocument validates a request that did not come from the oracle, such as
// a hand-written request or a replayed one.
func (p *Pipeline) PlanDocument(ctx context.Context, text, collection string, doc ir.Document) (*Plan, error) {
	plan := &Plan{Text: text, Collection: collectionOr(collection), Document: doc}
	if c := doc.Collection(); c != "" && collection == "" {
		plan.Collection = c
	}
	if err := p.validate(ctx, plan); err != nil {
		return nil, err
	}
	return plan, nil
}

// Explain describes a plan's request. It never fails.
func (p *Pipeline) Explain(ctx context.Context, plan *Plan) string {
	plan.Explanation = p.explainer.Explain(ctx, plan.Document)
	return plan.Explanation
}

func (p *Pipeline) validate(ctx context.Context, plan *Plan) error {
	v := validate.Validate(plan.Document)
	if v.Valid {
		return nil
	}
	pe := &PhaseError{
		Phase:   PhaseValidation,
		Code:    CodeValidationFailure,
		Message: v.Message,
		Field:   v.Field,
		Detail:  plan.Document.JSON(),
	}
	p.logger.Warn("validation failed", "collection", plan.Collection, "field", v.Field, "error", v.Message)
	p.record(ctx, "", plan, pe, nil)
	return pe
}

// Execute runs a plan. The request is validated again; a plan is never
// executed unchecked. Successful executions are added to the history.
func (p *Pipeline) Execute(ctx context.Context, plan *Plan) (*Outcome, error) {
	if err := p.validate(ctx, plan); err != nil {
		return nil, err
	}

	res := p.exec.Execute(ctx, plan.Document)
	out := &Outcome{Plan: plan, Result: res}

	if f, ok := executor.AsFailure(res); ok {
		pe := executionError(f)
		p.record(ctx, "", plan, pe, res)
		return out, pe
	}

	entry := history.NewEntry(p.now(), plan.Text, plan.Collection, res)
	p.history.Push(entry)
	out.Entry = &entry
	p.logger.Debug("command executed",
		"collection", plan.Collection,
		"result", res.Type(),
		"size", executor.Size(res))
	p.record(ctx, entry.ID, plan, nil, res)
	return out, nil
}

// record journals a processed command. Journal failures are logged only.
func (p *Pipeline) record(ctx context.Context, id string, plan *Plan, pe *PhaseError, res executor.Result) {
	if p.journal == nil {
		return
	}
	r := journal.Record{
		ID:         id,
		Timestamp:  p.now(),
		Collection: plan.Collection,
		Text:       plan.Text,
	}
	if plan.Document != nil {
		r.IR = plan.Document.JSON()
	}
	if res != nil {
		r.Summary = executor.Summary(res)
		if b, err := executor.MarshalResult(res); err == nil {
			r.Result = string(b)
		}
	}
	if pe != nil {
		r.Phase = string(pe.Phase)
		r.Code = string(pe.Code)
		if res == nil {
			r.Result = failureJSON(pe)
		}
	}
	if r.ID == "" {
		r.ID = uuid.Must(uuid.NewV7()).String()
	}

	if err := p.journal.Append(ctx, r); err != nil {
		p.logger.Warn("journal append failed", "error", err)
	}
}

func failureJSON(pe *PhaseError) string {
	b, err := executor.MarshalResult(&executor.Failure{Code: executor.Code(pe.Code), Message: pe.Message})
	if err != nil {
		return ""
	}
	return string(b)
}

// Restore seeds the history from journaled records, newest first. Failed
// commands are skipped. Restored entries carry the recorded result JSON.
func (p *Pipeline) Restore(records []journal.Record) {
	for i := len(records) - 1; i >= 0; i-- {
		r := records[i]
		if r.Phase != "" {
			continue
		}
		p.history.Push(history.Entry{
			ID:            r.ID,
			Timestamp:     r.Timestamp,
			OriginalText:  r.Text,
			Collection:    r.Collection,
			ResultSummary: r.Summary,
			Result:        executor.NewRecorded([]byte(r.Result), r.Summary),
		})
	}
}

func collectionOr(c string) string {
	if c = strings.TrimSpace(c); c != "" {
		return c
	}
	return DefaultCollection
}
