package cli

import (
	"context"

	"github.com/spf13/cobra"
)

// ExecOptions holds flags for the exec command.
type ExecOptions struct {
	*RootOptions
	Text    string
	Explain bool
}

// NewExecCommand creates the exec command.
func NewExecCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExecOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "exec [request | @file | -]",
		Short: "Run a hand-written operation request",
		Long: `Validate and run an operation request without the oracle.

The request is read like validate reads it. The target collection is the
request's own. Successful runs are added to the history under --text.

Examples:
  querypilot exec '{"operation": "count", "collection": "students"}'
  querypilot exec --text "reset salaries" @update.json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := opts.formatter(cmd)
			doc, err := readRequest(cmd, args, f)
			if err != nil {
				return err
			}
			return withApp(cmd, opts.RootOptions, func(ctx context.Context, app *App) error {
				text := opts.Text
				if text == "" {
					text = doc.JSON()
				}
				plan, err := app.Pipeline.PlanDocument(ctx, text, "", doc)
				if err != nil {
					return reportFailure(f, err)
				}
				if opts.Explain {
					app.Pipeline.Explain(ctx, plan)
				}
				return execute(ctx, app.Pipeline, f, plan, true)
			})
		},
	}

	cmd.Flags().StringVar(&opts.Text, "text", "", "history label (defaults to the request JSON)")
	cmd.Flags().BoolVar(&opts.Explain, "explain", false, "describe the request before running it")

	return cmd
}
