// Package executor runs validated operation requests against a storage
// engine and reports a uniform Result.
//
// Execute never panics and never returns an error: every failure, including
// a recovered panic, becomes a *Failure. Requests are not retried.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/roach88/querypilot/internal/ir"
	"github.com/roach88/querypilot/internal/storage"
)

// Executor dispatches operation requests to a storage engine.
type Executor struct {
	engine storage.Engine
	logger *slog.Logger
}

// New creates an Executor. A nil logger uses slog.Default().
func New(engine storage.Engine, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{engine: engine, logger: logger}
}

// Execute runs doc. The request should already have passed validation;
// shape problems that remain are reported as MALFORMED_OPERATION.
func (x *Executor) Execute(ctx context.Context, doc ir.Document) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			x.logger.Error("execution panicked",
				"panic", r,
				"stack", string(debug.Stack()))
			res = &Failure{Code: CodeStorageFailure, Message: fmt.Sprintf("Execution error: %v", r)}
		}
	}()

	res = x.execute(ctx, doc)
	if f, ok := AsFailure(res); ok {
		x.logger.Debug("execution failed", "code", f.Code, "error", f.Message)
	} else {
		x.logger.Debug("execution succeeded", "result", res.Type(), "size", Size(res))
	}
	return res
}

func (x *Executor) execute(ctx context.Context, doc ir.Document) Result {
	op, err := ir.Decode(doc)
	if err != nil {
		var uk *ir.UnknownKindError
		if errors.As(err, &uk) {
			return &Failure{Code: CodeInvalidOperation, Message: uk.Error(), Err: err}
		}
		return &Failure{Code: CodeMalformedOperation, Message: err.Error(), Err: err}
	}

	if tx, ok := op.(*ir.Transaction); ok {
		return x.transaction(ctx, tx)
	}

	coll, err := x.engine.Collection(ctx, collectionOf(op))
	if err != nil {
		x.logger.Warn("collection unavailable", "collection", collectionOf(op), "error", err)
		return &Failure{Code: CodeCollectionUnavailable, Message: "Collection not found", Err: err}
	}

	var (
		res    Result
		prefix string
	)
	switch op := op.(type) {
	case *ir.Bulk:
		prefix = "Bulk operation failed"
		res, err = x.bulk(ctx, coll, op)
	case *ir.TextSearch, *ir.Geospatial, *ir.CreateIndex, *ir.MapReduce:
		prefix = "Advanced operation failed"
		res, err = x.advanced(ctx, coll, op)
	default:
		prefix = "Execution error"
		res, err = x.basic(ctx, coll, op)
	}
	if err != nil {
		return &Failure{Code: CodeStorageFailure, Message: fmt.Sprintf("%s: %v", prefix, err), Err: err}
	}
	return res
}

func collectionOf(op ir.Operation) string {
	switch op := op.(type) {
	case *ir.Find:
		return op.Collection
	case *ir.Insert:
		return op.Collection
	case *ir.Update:
		return op.Collection
	case *ir.Delete:
		return op.Collection
	case *ir.Aggregate:
		return op.Collection
	case *ir.Count:
		return op.Collection
	case *ir.Bulk:
		return op.Collection
	case *ir.TextSearch:
		return op.Collection
	case *ir.Geospatial:
		return op.Collection
	case *ir.CreateIndex:
		return op.Collection
	case *ir.MapReduce:
		return op.Collection
	default:
		return ""
	}
}

func (x *Executor) basic(ctx context.Context, coll storage.Collection, op ir.Operation) (Result, error) {
	switch op := op.(type) {
	case *ir.Find:
		docs, err := coll.Find(ctx, op.Query, storage.FindOptions{
			Projection: op.Projection,
			Sort:       op.Sort,
			Limit:      op.Limit,
		})
		return Documents(docs), err

	case *ir.Insert:
		if !op.Many {
			id, err := coll.InsertOne(ctx, op.Documents[0])
			if err != nil {
				return nil, err
			}
			return &Inserted{IDs: []string{idString(id)}}, nil
		}
		ids, err := coll.InsertMany(ctx, op.Documents)
		if err != nil {
			return nil, err
		}
		out := &Inserted{IDs: make([]string, len(ids)), Many: true}
		for i, id := range ids {
			out.IDs[i] = idString(id)
		}
		return out, nil

	case *ir.Update:
		r, err := coll.UpdateMany(ctx, op.Filter, op.Update)
		if err != nil {
			return nil, err
		}
		return &Updated{Matched: r.Matched, Modified: r.Modified}, nil

	case *ir.Delete:
		n, err := coll.DeleteMany(ctx, op.Filter)
		if err != nil {
			return nil, err
		}
		return &Deleted{Deleted: n}, nil

	case *ir.Aggregate:
		docs, err := coll.Aggregate(ctx, op.Pipeline)
		return Documents(docs), err

	case *ir.Count:
		n, err := coll.CountDocuments(ctx, op.Query)
		if err != nil {
			return nil, err
		}
		return &Counted{Count: n}, nil

	default:
		return nil, fmt.Errorf("unsupported operation %T", op)
	}
}

func (x *Executor) bulk(ctx context.Context, coll storage.Collection, op *ir.Bulk) (Result, error) {
	models := make([]storage.WriteModel, 0, len(op.Items))
	for _, item := range op.Items {
		switch item.Kind {
		case ir.KindInsert:
			models = append(models, storage.InsertOneModel{Document: item.Document})
		case ir.KindUpdate:
			models = append(models, storage.UpdateManyModel{Filter: item.Filter, Update: item.Update})
		case ir.KindDelete:
			models = append(models, storage.DeleteManyModel{Filter: item.Filter})
		case ir.KindReplace:
			models = append(models, storage.ReplaceOneModel{Filter: item.Filter, Replacement: item.Replacement})
		}
	}
	r, err := coll.BulkWrite(ctx, models)
	if err != nil {
		return nil, err
	}
	return &BulkSummary{
		Inserted: r.Inserted,
		Modified: r.Modified,
		Deleted:  r.Deleted,
		Upserted: r.Upserted,
	}, nil
}

func (x *Executor) advanced(ctx context.Context, coll storage.Collection, op ir.Operation) (Result, error) {
	switch op := op.(type) {
	case *ir.TextSearch:
		score := bson.D{{Key: "$meta", Value: "textScore"}}
		docs, err := coll.Find(ctx,
			bson.D{{Key: "$text", Value: bson.D{{Key: "$search", Value: op.SearchTerm}}}},
			storage.FindOptions{
				Projection: bson.D{{Key: "score", Value: score}},
				Sort:       bson.D{{Key: "score", Value: score}},
			})
		return Documents(docs), err

	case *ir.Geospatial:
		docs, err := coll.Find(ctx, nearFilter(op), storage.FindOptions{})
		return Documents(docs), err

	case *ir.CreateIndex:
		name, err := coll.CreateIndex(ctx, storage.IndexModel{Keys: op.Keys, Name: op.Name, Unique: op.Unique})
		if err != nil {
			return nil, err
		}
		return &IndexCreated{Spec: ir.Document(op.Keys).JSON(), Name: name}, nil

	case *ir.MapReduce:
		docs, err := coll.MapReduce(ctx, storage.MapReduceSpec{
			Map:    op.Map,
			Reduce: op.Reduce,
			Out:    op.Out,
			Query:  op.Query,
		})
		return Documents(docs), err

	default:
		return nil, fmt.Errorf("unsupported advanced operation %T", op)
	}
}

func nearFilter(op *ir.Geospatial) bson.D {
	return bson.D{{Key: op.Field, Value: bson.D{{Key: "$near", Value: bson.D{
		{Key: "$geometry", Value: bson.D{
			{Key: "type", Value: "Point"},
			{Key: "coordinates", Value: bson.A{op.Coordinates[0], op.Coordinates[1]}},
		}},
		{Key: "$maxDistance", Value: op.MaxDistance},
	}}}}}
}

// abort carries the failing nested result out of a storage transaction.
type abort struct {
	index   int
	failure *Failure
}

func (a *abort) Error() string {
	return fmt.Sprintf("operation %d: %s", a.index, a.failure.Message)
}

func (a *abort) Unwrap() error { return a.failure }

// transaction runs every nested request inside one storage transaction.
// The first nested failure rolls everything back.
func (x *Executor) transaction(ctx context.Context, tx *ir.Transaction) Result {
	var results TransactionResults
	err := x.engine.WithTransaction(ctx, func(txCtx context.Context) error {
		results = make(TransactionResults, 0, len(tx.Operations))
		for i, nested := range tx.Operations {
			r := x.execute(txCtx, nested)
			if f, ok := AsFailure(r); ok {
				return &abort{index: i, failure: f}
			}
			results = append(results, r)
		}
		return nil
	})
	if err != nil {
		x.logger.Warn("transaction aborted", "error", err)
		return &Failure{Code: CodeTransactionAborted, Message: "Transaction aborted: " + err.Error(), Err: err}
	}
	return results
}
