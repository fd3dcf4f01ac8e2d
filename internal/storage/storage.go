// Package storage defines the document-store primitives the executor
// dispatches to.
//
// Two engines implement it: mongostore talks to a MongoDB deployment and
// memstore keeps collections in process.
package storage

import (
	"context"
	"errors"
	"strings"

	"github.com/spf13/cast"
	"go.mongodb.org/mongo-driver/bson"
)

var (
	// ErrUnavailable reports that a collection could not be acquired,
	// whether because the server is unreachable or the handle is unusable.
	ErrUnavailable = errors.New("storage unavailable")

	// ErrUnsupported reports a primitive the engine does not implement.
	ErrUnsupported = errors.New("operation not supported by storage engine")

	// ErrDuplicateKey reports a write that violates a unique index.
	ErrDuplicateKey = errors.New("duplicate key")
)

// IsUnavailable reports whether err wraps ErrUnavailable.
func IsUnavailable(err error) bool { return errors.Is(err, ErrUnavailable) }

// FindOptions shape a find. A nil Projection returns whole documents and a
// zero Limit returns every match.
type FindOptions struct {
	Projection bson.D
	Sort       bson.D
	Limit      int64
}

// UpdateResult reports an update-many.
type UpdateResult struct {
	Matched  int64
	Modified int64
}

// BulkResult reports an ordered bulk write.
type BulkResult struct {
	Inserted int64
	Matched  int64
	Modified int64
	Deleted  int64
	Upserted int64
}

// IndexModel declares an index. Keys keep their declaration order.
type IndexModel struct {
	Keys   bson.D
	Name   string
	Unique bool
}

// MapReduceSpec is a map-reduce submission. Map and Reduce are opaque
// JavaScript sources.
type MapReduceSpec struct {
	Map    string
	Reduce string
	Out    string
	Query  bson.D
}

// WriteModel is one write in a bulk request.
//
// This is a sealed interface - only types in this package implement it.
type WriteModel interface {
	writeModel()
}

// InsertOneModel inserts Document.
type InsertOneModel struct {
	Document bson.D
}

// UpdateManyModel applies Update to every document matching Filter.
type UpdateManyModel struct {
	Filter bson.D
	Update bson.D
}

// DeleteManyModel deletes every document matching Filter.
type DeleteManyModel struct {
	Filter bson.D
}

// ReplaceOneModel replaces the first document matching Filter.
type ReplaceOneModel struct {
	Filter      bson.D
	Replacement bson.D
}

func (InsertOneModel) writeModel()  {}
func (UpdateManyModel) writeModel() {}
func (DeleteManyModel) writeModel() {}
func (ReplaceOneModel) writeModel() {}

// Collection is a handle on one named collection.
//
// Filters, updates and pipeline stages use MongoDB query language and are
// passed through unchanged.
type Collection interface {
	Name() string

	Find(ctx context.Context, filter bson.D, opts FindOptions) ([]bson.D, error)
	InsertOne(ctx context.Context, doc bson.D) (any, error)
	InsertMany(ctx context.Context, docs []bson.D) ([]any, error)
	UpdateMany(ctx context.Context, filter, update bson.D) (UpdateResult, error)
	DeleteMany(ctx context.Context, filter bson.D) (int64, error)
	Aggregate(ctx context.Context, pipeline []bson.D) ([]bson.D, error)
	CountDocuments(ctx context.Context, filter bson.D) (int64, error)

	// BulkWrite applies models in order as one batch. An engine either
	// applies all of them or reports an error.
	BulkWrite(ctx context.Context, models []WriteModel) (BulkResult, error)

	// CreateIndex declares an index and returns its name.
	CreateIndex(ctx context.Context, index IndexModel) (string, error)

	// MapReduce runs spec and returns the contents of its output collection.
	MapReduce(ctx context.Context, spec MapReduceSpec) ([]bson.D, error)
}

// Engine hands out collections and runs transactions.
type Engine interface {
	// Collection acquires the named collection. Failures wrap ErrUnavailable.
	Collection(ctx context.Context, name string) (Collection, error)

	// WithTransaction runs fn in a transaction. Collections must be acquired
	// and used with the ctx passed to fn. A non-nil error from fn aborts the
	// transaction and is returned.
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error

	// Ping checks that the engine is reachable.
	Ping(ctx context.Context) error

	Close(ctx context.Context) error
}

// IndexName derives the default index name from its keys, the way MongoDB
// does: "field_value" pairs joined by underscores.
func IndexName(keys bson.D) string {
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k.Key+"_"+cast.ToString(k.Value))
	}
	return strings.Join(parts, "_")
}
