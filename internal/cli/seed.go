package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/roach88/querypilot/internal/schema"
	"github.com/roach88/querypilot/internal/storage"
)

// SeedResult reports a seed command.
type SeedResult struct {
	Collection string   `json:"collection"`
	Inserted   int      `json:"inserted"`
	Indexes    []string `json:"indexes,omitempty"`

	// Existing is the document count of a collection that was left alone.
	Existing int64 `json:"existing,omitempty"`
}

// NewSeedCommand creates the seed command.
func NewSeedCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed <collection>",
		Short: "Load the catalog's sample documents into an empty collection",
		Long: `Insert the sample documents the schema catalog declares for a
collection and create its indexes (2dsphere, text).

Nothing is written when the collection already holds documents.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, func(ctx context.Context, app *App) error {
				coll, ok := app.Catalog.Lookup(args[0])
				if !ok || len(coll.Samples) == 0 {
					return errorf(ExitCommandError, "no sample data for collection %q", args[0])
				}
				res, err := seed(ctx, app.Engine, coll)
				if err != nil {
					return WrapExitError(ExitFailure, "seeding failed", err)
				}

				f := rootOpts.formatter(cmd)
				if rootOpts.Format == "json" {
					return f.Success(res)
				}
				if res.Existing > 0 {
					return f.Success(fmt.Sprintf("Collection %q already holds %d documents; nothing seeded.", res.Collection, res.Existing))
				}
				return f.Success(fmt.Sprintf("Seeded %d documents into %q (indexes: %v).", res.Inserted, res.Collection, res.Indexes))
			})
		},
	}
	return cmd
}

// seed inserts coll's samples and creates its indexes when the stored
// collection is empty.
func seed(ctx context.Context, engine storage.Engine, coll *schema.Collection) (SeedResult, error) {
	res := SeedResult{Collection: coll.Name}

	c, err := engine.Collection(ctx, coll.Name)
	if err != nil {
		return res, err
	}
	n, err := c.CountDocuments(ctx, bson.D{})
	if err != nil {
		return res, fmt.Errorf("count %s: %w", coll.Name, err)
	}
	if n > 0 {
		res.Existing = n
		return res, nil
	}

	docs := make([]bson.D, len(coll.Samples))
	for i, s := range coll.Samples {
		docs[i] = bson.D(s)
	}
	ids, err := c.InsertMany(ctx, docs)
	if err != nil {
		return res, fmt.Errorf("insert samples: %w", err)
	}
	res.Inserted = len(ids)

	for _, idx := range coll.Indexes {
		name, err := c.CreateIndex(ctx, storage.IndexModel{Keys: idx.Keys, Name: idx.Name, Unique: idx.Unique})
		if err != nil {
			return res, fmt.Errorf("create index on %s: %w", coll.Name, err)
		}
		res.Indexes = append(res.Indexes, name)
	}
	return res, nil
}
