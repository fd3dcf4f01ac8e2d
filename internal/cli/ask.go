package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/roach88/querypilot/internal/executor"
	"github.com/roach88/querypilot/internal/ir"
	"github.com/roach88/querypilot/internal/pipeline"
)

// AskOptions holds flags for the ask command.
type AskOptions struct {
	*RootOptions
	Collection string
	Explain    bool
	Yes        bool
	DryRun     bool
}

// NewAskCommand creates the ask command.
func NewAskCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AskOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "ask <command...>",
		Short: "Translate a natural-language command and run it",
		Long: `Translate a natural-language command into a MongoDB operation request,
validate it and run it against the target collection.

With --explain the request is described in plain English first and
executed only after confirmation (or immediately with --yes).

Exit codes:
  0 - Command executed
  1 - Generation, validation or execution failed
  2 - Command error (bad configuration, etc.)

Examples:
  querypilot ask "Add a new student named John"
  querypilot ask -c courses "Find courses about machine learning"
  querypilot ask --explain "Remove the salary field from Komal's record"
  querypilot ask --dry-run --format json "How many students major in Business?"`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts.RootOptions, func(ctx context.Context, app *App) error {
				req := pipeline.Request{
					Text:       strings.Join(args, " "),
					Collection: opts.Collection,
					Explain:    opts.Explain,
				}
				return runCommand(ctx, app.Pipeline, opts.formatter(cmd), cmd.InOrStdin(), req, opts.Yes, opts.DryRun)
			})
		},
	}

	cmd.Flags().StringVarP(&opts.Collection, "collection", "c", pipeline.DefaultCollection, "target collection")
	cmd.Flags().BoolVar(&opts.Explain, "explain", false, "describe the request and ask before executing")
	cmd.Flags().BoolVarP(&opts.Yes, "yes", "y", false, "execute without confirmation")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "generate and validate only")

	return cmd
}

// commandOutput is the JSON payload of a processed command.
type commandOutput struct {
	ID          string              `json:"id,omitempty"`
	Text        string              `json:"text"`
	Collection  string              `json:"collection"`
	Request     jsoniter.RawMessage `json:"request"`
	Explanation string              `json:"explanation,omitempty"`
	Cached      bool                `json:"cached,omitempty"`
	Executed    bool                `json:"executed"`
	Summary     string              `json:"summary,omitempty"`
	Result      jsoniter.RawMessage `json:"result,omitempty"`
}

// runCommand prepares req, optionally asks for confirmation, executes it and
// writes the outcome.
func runCommand(ctx context.Context, p *pipeline.Pipeline, f *OutputFormatter, in io.Reader, req pipeline.Request, yes, dryRun bool) error {
	plan, err := p.Prepare(ctx, req)
	if err != nil {
		return reportFailure(f, err)
	}
	logPlan(f, plan)

	if dryRun {
		return writePlan(f, plan)
	}

	if req.Explain && !yes {
		if f.Format != "json" {
			if err := writePlan(f, plan); err != nil {
				return err
			}
		}
		ok, err := confirm(f.GetErrWriter(), in)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read confirmation", err)
		}
		if !ok {
			fmt.Fprintln(f.GetErrWriter(), "Cancelled.")
			if f.Format == "json" {
				return writePlan(f, plan)
			}
			return nil
		}
		return execute(ctx, p, f, plan, false)
	}
	return execute(ctx, p, f, plan, true)
}

// execute runs a prepared plan. showPlan writes the request in text output.
func execute(ctx context.Context, p *pipeline.Pipeline, f *OutputFormatter, plan *pipeline.Plan, showPlan bool) error {
	out, err := p.Execute(ctx, plan)
	if err != nil {
		return reportFailure(f, err)
	}
	f.VerboseLog("result: %s (%d)", out.Result.Type(), executor.Size(out.Result))

	raw, err := executor.MarshalResult(out.Result)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to render result", err)
	}

	if f.Format == "json" {
		data := planOutput(plan)
		data.Executed = true
		data.ID = out.Entry.ID
		data.Summary = out.Entry.ResultSummary
		data.Result = raw
		return f.Success(data)
	}

	if showPlan {
		if err := writePlan(f, plan); err != nil {
			return err
		}
	}
	fmt.Fprintln(f.Writer, resultHeading(out.Result))
	fmt.Fprintln(f.Writer, indentJSON(raw))
	return nil
}

func planOutput(plan *pipeline.Plan) commandOutput {
	return commandOutput{
		Text:        plan.Text,
		Collection:  plan.Collection,
		Request:     jsoniter.RawMessage(plan.Document.JSON()),
		Explanation: plan.Explanation,
		Cached:      plan.Cached,
	}
}

// writePlan writes the generated request and its explanation.
func writePlan(f *OutputFormatter, plan *pipeline.Plan) error {
	if f.Format == "json" {
		return f.Success(planOutput(plan))
	}
	fmt.Fprintln(f.Writer, "Query:")
	fmt.Fprintln(f.Writer, plan.Document.IndentedJSON())
	if plan.Explanation != "" {
		fmt.Fprintln(f.Writer, "Explanation:")
		fmt.Fprintln(f.Writer, plan.Explanation)
	}
	return nil
}

func logPlan(f *OutputFormatter, plan *pipeline.Plan) {
	if plan.Raw != "" {
		f.VerboseLog("oracle reply: %s", plan.Raw)
		f.VerboseLog("normalized: %s", plan.Normalized)
	}
	if plan.Cached {
		f.VerboseLog("generation cache hit")
	}
	f.VerboseLog("fingerprint: %s", ir.Fingerprint(plan.Document))
}

func resultHeading(res executor.Result) string {
	switch res.(type) {
	case executor.Documents, executor.TransactionResults:
		return fmt.Sprintf("Result (%s):", executor.Summary(res))
	default:
		return "Result:"
	}
}

// confirm asks whether to execute. Anything but y or yes declines.
func confirm(w io.Writer, in io.Reader) (bool, error) {
	fmt.Fprint(w, "Execute this query? [y/N] ")
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}
