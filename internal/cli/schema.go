package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/querypilot/internal/schema"
)

// CollectionInfo describes one catalog collection.
type CollectionInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Fields      []schema.Field `json:"fields,omitempty"`
	Samples     int            `json:"samples"`
}

// NewSchemaCommand creates the schema command.
func NewSchemaCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema [collection]",
		Short: "Show the collection schemas given to the oracle",
		Long: `List the collections of the schema catalog, or show the schema block
the synthesis prompt carries for one collection.

The embedded catalog is used unless QP_SCHEMA_DIR names a directory of
.cue files.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSchema(rootOpts, args, cmd)
		},
	}
	return cmd
}

func runSchema(opts *RootOptions, args []string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	catalog, err := loadCatalog(cfg)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load schema", err)
	}

	if len(args) == 1 {
		name := args[0]
		if opts.Format == "json" {
			coll, ok := catalog.Lookup(name)
			if !ok {
				return errorf(ExitCommandError, "unknown collection %q", name)
			}
			return f.Success(collectionInfo(coll))
		}
		return f.Success(catalog.Context(name))
	}

	names := catalog.Names()
	infos := make([]CollectionInfo, 0, len(names))
	for _, name := range names {
		coll, _ := catalog.Lookup(name)
		infos = append(infos, collectionInfo(coll))
	}
	if opts.Format == "json" {
		return f.Success(infos)
	}
	for _, info := range infos {
		fmt.Fprintf(f.Writer, "%-12s %d fields  %s\n", info.Name, len(info.Fields), info.Description)
	}
	return nil
}

func collectionInfo(c *schema.Collection) CollectionInfo {
	return CollectionInfo{
		Name:        c.Name,
		Description: c.Description,
		Fields:      c.Fields,
		Samples:     len(c.Samples),
	}
}
