package cli

import (
	"context"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/roach88/querypilot/internal/executor"
	"github.com/roach88/querypilot/internal/history"
	"github.com/roach88/querypilot/internal/pipeline"
)

// HistoryOptions holds flags for the history command.
type HistoryOptions struct {
	*RootOptions
	Rerun   int
	Explain bool
	Yes     bool
}

// HistoryItem is one listed history entry.
type HistoryItem struct {
	Index      int       `json:"index"`
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Text       string    `json:"text"`
	Collection string    `json:"collection"`
	Summary    string    `json:"summary"`

	Result jsoniter.RawMessage `json:"result,omitempty"`
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent commands or run one again",
		Long: `List the most recent successful commands, newest first.

History survives restarts only when QP_HISTORY_DB names a command journal.
--rerun N submits the Nth listed command text again; the request is
generated afresh.

Examples:
  querypilot history
  querypilot history --rerun 2 --explain`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts.RootOptions, func(ctx context.Context, app *App) error {
				return runHistory(ctx, cmd, opts, app.Pipeline)
			})
		},
	}

	cmd.Flags().IntVar(&opts.Rerun, "rerun", 0, "run the Nth listed command again")
	cmd.Flags().BoolVar(&opts.Explain, "explain", false, "describe the request and ask before executing (with --rerun)")
	cmd.Flags().BoolVarP(&opts.Yes, "yes", "y", false, "execute without confirmation (with --rerun)")

	return cmd
}

func runHistory(ctx context.Context, cmd *cobra.Command, opts *HistoryOptions, p *pipeline.Pipeline) error {
	f := opts.formatter(cmd)
	ring := p.History()

	if opts.Rerun != 0 {
		entry, ok := ring.At(opts.Rerun - 1)
		if !ok {
			return errorf(ExitCommandError, "no history entry %d (have %d)", opts.Rerun, ring.Len())
		}
		f.VerboseLog("rerunning %q on %s", entry.OriginalText, entry.Collection)
		req := pipeline.Request{Text: entry.OriginalText, Collection: entry.Collection, Explain: opts.Explain}
		return runCommand(ctx, p, f, cmd.InOrStdin(), req, opts.Yes, false)
	}

	items := historyItems(ring.Entries())
	if opts.Format == "json" {
		return f.Success(items)
	}
	if len(items) == 0 {
		fmt.Fprintln(f.Writer, "No history.")
		return nil
	}
	for _, it := range items {
		fmt.Fprintf(f.Writer, "%2d. [%s] %s: %s -> %s\n",
			it.Index, it.Timestamp.Local().Format(time.DateTime), it.Collection, it.Text, it.Summary)
	}
	return nil
}

func historyItems(entries []history.Entry) []HistoryItem {
	items := make([]HistoryItem, len(entries))
	for i, e := range entries {
		items[i] = HistoryItem{
			Index:      i + 1,
			ID:         e.ID,
			Timestamp:  e.Timestamp,
			Text:       e.OriginalText,
			Collection: e.Collection,
			Summary:    e.ResultSummary,
		}
		if e.Result != nil {
			if raw, err := executor.MarshalResult(e.Result); err == nil {
				items[i].Result = raw
			}
		}
	}
	return items
}
