package executor

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/roach88/querypilot/internal/ir"
	"github.com/roach88/querypilot/internal/storage"
	"github.com/roach88/querypilot/internal/storage/memstore"
)

func sequentialIDs() memstore.Option {
	n := int32(0)
	return memstore.WithIDGenerator(func() any {
		n++
		return n
	})
}

func newExecutor(t *testing.T) (*Executor, *memstore.Engine) {
	t.Helper()
	engine := memstore.New(sequentialIDs())
	return New(engine, nil), engine
}

func run(t *testing.T, x *Executor, request string) Result {
	t.Helper()
	return x.Execute(context.Background(), ir.MustParse(request))
}

func requireSuccess(t *testing.T, r Result) {
	t.Helper()
	if f, ok := AsFailure(r); ok {
		require.FailNow(t, "unexpected failure", "%s: %s", f.Code, f.Message)
	}
}

func count(t *testing.T, x *Executor, coll string) int64 {
	t.Helper()
	r := run(t, x, fmt.Sprintf(`{"operation": "count", "collection": %q}`, coll))
	requireSuccess(t, r)
	return r.(*Counted).Count
}

func TestExecute_InsertFindRoundTrip(t *testing.T) {
	x, _ := newExecutor(t)

	r := run(t, x, `{"operation": "insert", "collection": "students", "document": {"name": "John", "major": "Computer Science", "enrollment_year": 2023}}`)
	requireSuccess(t, r)
	assert.Equal(t, &Inserted{IDs: []string{"1"}}, r)

	r = run(t, x, `{"operation": "find", "collection": "students", "query": {"name": "John"}}`)
	requireSuccess(t, r)
	assert.Equal(t, Documents{
		{{Key: "name", Value: "John"}, {Key: "major", Value: "Computer Science"}, {Key: "enrollment_year", Value: int32(2023)}},
	}, r, "find hides _id by default")
}

func TestExecute_InsertMany(t *testing.T) {
	x, _ := newExecutor(t)
	r := run(t, x, `{"operation": "insert", "collection": "students", "documents": [{"name": "A"}, {"name": "B"}]}`)
	requireSuccess(t, r)
	assert.Equal(t, &Inserted{IDs: []string{"1", "2"}, Many: true}, r)
}

func TestExecute_InsertWithoutDocument(t *testing.T) {
	x, _ := newExecutor(t)
	r := run(t, x, `{"operation": "insert", "collection": "students"}`)
	f, ok := AsFailure(r)
	require.True(t, ok)
	assert.Equal(t, CodeMalformedOperation, f.Code)
	assert.Equal(t, "No document(s) provided for insert operation", f.Message)
}

func TestExecute_FindLimit(t *testing.T) {
	x, _ := newExecutor(t)
	docs := make([]string, 150)
	for i := range docs {
		docs[i] = fmt.Sprintf(`{"n": %d}`, i)
	}
	requireSuccess(t, run(t, x, `{"operation": "insert", "collection": "nums", "documents": [`+strings.Join(docs, ",")+`]}`))

	tests := []struct {
		name    string
		request string
		want    int
	}{
		{"default limit", `{"operation": "find", "collection": "nums"}`, 100},
		{"zero is unbounded", `{"operation": "find", "collection": "nums", "limit": 0}`, 150},
		{"negative is unbounded", `{"operation": "find", "collection": "nums", "limit": -5}`, 150},
		{"explicit", `{"operation": "find", "collection": "nums", "limit": 7}`, 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := run(t, x, tt.request)
			requireSuccess(t, r)
			assert.Len(t, r.(Documents), tt.want)
		})
	}
}

func TestExecute_FindSortProjection(t *testing.T) {
	x, _ := newExecutor(t)
	requireSuccess(t, run(t, x, `{"operation": "insert", "collection": "students", "documents": [
		{"name": "A", "gpa": 3.1}, {"name": "B", "gpa": 3.9}, {"name": "C", "gpa": 3.5}]}`))

	r := run(t, x, `{"operation": "find", "collection": "students", "query": {"gpa": {"$gt": 3.2}}, "projection": {"_id": 0, "name": 1}, "sort": {"gpa": -1}}`)
	requireSuccess(t, r)
	assert.Equal(t, Documents{
		{{Key: "name", Value: "B"}},
		{{Key: "name", Value: "C"}},
	}, r)
}

func TestExecute_UpdateUnset(t *testing.T) {
	x, _ := newExecutor(t)
	requireSuccess(t, run(t, x, `{"operation": "insert", "collection": "students", "document": {"name": "Komal", "salary": 78000}}`))

	r := run(t, x, `{"operation": "update", "collection": "students", "filter": {"name": "Komal"}, "update": {"$unset": {"salary": ""}}}`)
	requireSuccess(t, r)
	assert.Equal(t, &Updated{Matched: 1, Modified: 1}, r)

	r = run(t, x, `{"operation": "find", "collection": "students", "query": {"name": "Komal"}}`)
	assert.Equal(t, Documents{{{Key: "name", Value: "Komal"}}}, r)
}

func TestExecute_Delete(t *testing.T) {
	tests := []struct {
		name    string
		request string
		deleted int64
	}{
		{"filter", `{"operation": "delete", "collection": "s", "filter": {"k": 1}}`, 2},
		{"query", `{"operation": "delete", "collection": "s", "query": {"k": 2}}`, 1},
		{"filter wins over query", `{"operation": "delete", "collection": "s", "filter": {"k": 2}, "query": {"k": 1}}`, 1},
		{"empty filter deletes all", `{"operation": "delete", "collection": "s", "filter": {}}`, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			x, _ := newExecutor(t)
			requireSuccess(t, run(t, x, `{"operation": "insert", "collection": "s", "documents": [{"k": 1}, {"k": 1}, {"k": 2}]}`))
			r := run(t, x, tt.request)
			requireSuccess(t, r)
			assert.Equal(t, &Deleted{Deleted: tt.deleted}, r)
			assert.Equal(t, 3-tt.deleted, count(t, x, "s"))
		})
	}
}

func TestExecute_AggregateAndCount(t *testing.T) {
	x, _ := newExecutor(t)
	requireSuccess(t, run(t, x, `{"operation": "insert", "collection": "students", "documents": [
		{"major": "CS", "gpa": 3.0}, {"major": "CS", "gpa": 4.0}, {"major": "Math", "gpa": 3.5}]}`))

	r := run(t, x, `{"operation": "aggregate", "collection": "students", "pipeline": [
		{"$group": {"_id": "$major", "avg": {"$avg": "$gpa"}}},
		{"$sort": {"_id": 1}}]}`)
	requireSuccess(t, r)
	assert.Equal(t, Documents{
		{{Key: "_id", Value: "CS"}, {Key: "avg", Value: 3.5}},
		{{Key: "_id", Value: "Math"}, {Key: "avg", Value: 3.5}},
	}, r)

	r = run(t, x, `{"operation": "count", "collection": "students", "query": {"major": "CS"}}`)
	assert.Equal(t, &Counted{Count: 2}, r)
	assert.Equal(t, int64(3), count(t, x, "students"))
}

func TestExecute_Bulk(t *testing.T) {
	x, _ := newExecutor(t)
	requireSuccess(t, run(t, x, `{"operation": "insert", "collection": "students", "document": {"name": "Old"}}`))

	r := run(t, x, `{"operation": "bulk", "operations": [
		{"operation": "insert", "collection": "students", "document": {"name": "Alice", "gpa": 3.8}},
		{"operation": "insert", "collection": "students", "document": {"name": "Bob", "gpa": 3.5}},
		{"operation": "update", "collection": "students", "filter": {"name": "Bob"}, "update": {"$set": {"gpa": 3.6}}},
		{"operation": "replace", "collection": "students", "filter": {"name": "Alice"}, "replacement": {"name": "Alicia"}},
		{"operation": "delete", "collection": "students", "filter": {"name": "Old"}}]}`)
	requireSuccess(t, r)
	assert.Equal(t, &BulkSummary{Inserted: 2, Modified: 2, Deleted: 1}, r)
	assert.Equal(t, int64(2), count(t, x, "students"))
}

func TestExecute_BulkMalformedItemSubmitsNothing(t *testing.T) {
	x, _ := newExecutor(t)
	r := run(t, x, `{"operation": "bulk", "operations": [
		{"operation": "insert", "collection": "students", "document": {"name": "Alice"}},
		{"operation": "insert", "collection": "students"}]}`)
	f, ok := AsFailure(r)
	require.True(t, ok)
	assert.Equal(t, CodeMalformedOperation, f.Code)
	assert.Equal(t, int64(0), count(t, x, "students"))
}

func TestExecute_BulkStorageFailureIsAtomic(t *testing.T) {
	x, _ := newExecutor(t)
	r := run(t, x, `{"operation": "bulk", "operations": [
		{"operation": "insert", "collection": "students", "document": {"name": "Alice"}},
		{"operation": "update", "collection": "students", "filter": {}, "update": {"$frobnicate": {"a": 1}}}]}`)
	f, ok := AsFailure(r)
	require.True(t, ok)
	assert.Equal(t, CodeStorageFailure, f.Code)
	assert.True(t, strings.HasPrefix(f.Message, "Bulk operation failed: "), f.Message)
	assert.Equal(t, int64(0), count(t, x, "students"))
}

func TestExecute_TextSearch(t *testing.T) {
	x, _ := newExecutor(t)
	requireSuccess(t, run(t, x, `{"operation": "insert", "collection": "courses", "documents": [
		{"title": "Machine Learning Fundamentals"}, {"title": "Cooking"}, {"title": "Learning machines and machine learning"}]}`))

	r := run(t, x, `{"operation": "advanced", "advanced_operation": "text_search", "collection": "courses", "search_term": "machine learning"}`)
	f, ok := AsFailure(r)
	require.True(t, ok, "a text index is required")
	assert.Equal(t, CodeStorageFailure, f.Code)
	assert.True(t, strings.HasPrefix(f.Message, "Advanced operation failed: "), f.Message)

	r = run(t, x, `{"operation": "advanced", "advanced_operation": "create_index", "collection": "courses", "index": {"title": "text"}}`)
	requireSuccess(t, r)
	assert.Equal(t, &IndexCreated{Spec: `{"title":"text"}`, Name: "title_text"}, r)

	r = run(t, x, `{"operation": "advanced", "advanced_operation": "text_search", "collection": "courses", "search_term": "machine learning"}`)
	requireSuccess(t, r)
	docs := r.(Documents)
	require.Len(t, docs, 2)
	first, _ := ir.Document(docs[0]).Get("score")
	second, _ := ir.Document(docs[1]).Get("score")
	assert.GreaterOrEqual(t, first.(float64), second.(float64))
}

func TestExecute_Geospatial(t *testing.T) {
	x, _ := newExecutor(t)
	requireSuccess(t, run(t, x, `{"operation": "insert", "collection": "students", "documents": [
		{"name": "Alice", "location": {"type": "Point", "coordinates": [-74.0059, 40.7128]}},
		{"name": "Bob", "location": {"type": "Point", "coordinates": [-74.0200, 40.7300]}},
		{"name": "Far", "location": {"type": "Point", "coordinates": [-118.24, 34.05]}}]}`))
	requireSuccess(t, run(t, x, `{"operation": "advanced", "advanced_operation": "create_index", "collection": "students", "index": {"location": "2dsphere"}}`))

	r := run(t, x, `{"operation": "advanced", "advanced_operation": "geospatial", "collection": "students", "coordinates": [-74.0059, 40.7128], "max_distance": 5000}`)
	requireSuccess(t, r)
	docs := r.(Documents)
	require.Len(t, docs, 2)
	name, _ := ir.Document(docs[0]).Get("name")
	assert.Equal(t, "Alice", name)

	r = run(t, x, `{"operation": "advanced", "advanced_operation": "geospatial", "collection": "students", "coordinates": [-74.0059, 40.7128]}`)
	requireSuccess(t, r)
	assert.Len(t, r.(Documents), 1, "default radius is 1000 metres")
}

func TestExecute_MapReduceUnsupportedInMemory(t *testing.T) {
	x, _ := newExecutor(t)
	r := run(t, x, `{"operation": "advanced", "advanced_operation": "map_reduce", "collection": "students",
		"map": "function() { emit(this.major, this.gpa); }", "reduce": "function(k, v) { return Array.avg(v); }"}`)
	f, ok := AsFailure(r)
	require.True(t, ok)
	assert.Equal(t, CodeStorageFailure, f.Code)
	assert.ErrorIs(t, f, storage.ErrUnsupported)
}

func TestExecute_TransactionCommits(t *testing.T) {
	x, _ := newExecutor(t)
	requireSuccess(t, run(t, x, `{"operation": "insert", "collection": "students", "documents": [
		{"name": "Alice", "salary": 50000}, {"name": "Bob", "salary": 40000}]}`))

	r := run(t, x, `{"operation": "advanced", "advanced_operation": "transaction", "operations": [
		{"operation": "update", "collection": "students", "filter": {"name": "Alice"}, "update": {"$inc": {"salary": -10000}}},
		{"operation": "update", "collection": "students", "filter": {"name": "Bob"}, "update": {"$inc": {"salary": 10000}}},
		{"operation": "count", "collection": "students"}]}`)
	requireSuccess(t, r)
	assert.Equal(t, TransactionResults{
		&Updated{Matched: 1, Modified: 1},
		&Updated{Matched: 1, Modified: 1},
		&Counted{Count: 2},
	}, r)

	r = run(t, x, `{"operation": "find", "collection": "students", "projection": {"_id": 0, "salary": 1}, "sort": {"name": 1}}`)
	assert.Equal(t, Documents{
		{{Key: "salary", Value: int32(40000)}},
		{{Key: "salary", Value: int32(50000)}},
	}, r)
}

func TestExecute_TransactionAbortsOnFirstFailure(t *testing.T) {
	x, _ := newExecutor(t)
	requireSuccess(t, run(t, x, `{"operation": "insert", "collection": "students", "document": {"name": "Alice", "salary": 50000}}`))

	r := run(t, x, `{"operation": "advanced", "advanced_operation": "transaction", "operations": [
		{"operation": "update", "collection": "students", "filter": {"name": "Alice"}, "update": {"$inc": {"salary": -10000}}},
		{"operation": "frobnicate", "collection": "students"},
		{"operation": "delete", "collection": "students", "filter": {}}]}`)
	f, ok := AsFailure(r)
	require.True(t, ok)
	assert.Equal(t, CodeTransactionAborted, f.Code)
	assert.Contains(t, f.Message, "operation 1")
	assert.Contains(t, f.Message, "Invalid operation: frobnicate")

	r = run(t, x, `{"operation": "find", "collection": "students", "projection": {"_id": 0, "salary": 1}}`)
	assert.Equal(t, Documents{{{Key: "salary", Value: int32(50000)}}}, r, "the first update was rolled back")
}

func TestExecute_NestedTransactionAborts(t *testing.T) {
	x, _ := newExecutor(t)
	r := run(t, x, `{"operation": "advanced", "advanced_operation": "transaction", "operations": [
		{"operation": "advanced", "advanced_operation": "transaction", "operations": [
			{"operation": "count", "collection": "students"}]}]}`)
	f, ok := AsFailure(r)
	require.True(t, ok)
	assert.Equal(t, CodeTransactionAborted, f.Code)
}

func TestExecute_InvalidOperation(t *testing.T) {
	x, _ := newExecutor(t)

	r := run(t, x, `{"operation": "frobnicate", "collection": "students"}`)
	assert.Equal(t, &Failure{Code: CodeInvalidOperation, Message: "Invalid operation: frobnicate", Err: &ir.UnknownKindError{Kind: "frobnicate"}}, r)

	r = run(t, x, `{"operation": "advanced", "advanced_operation": "teleport", "collection": "students"}`)
	f, ok := AsFailure(r)
	require.True(t, ok)
	assert.Equal(t, CodeInvalidOperation, f.Code)
}

func TestExecute_CollectionUnavailable(t *testing.T) {
	x, engine := newExecutor(t)
	require.NoError(t, engine.Close(context.Background()))

	r := run(t, x, `{"operation": "find", "collection": "students"}`)
	f, ok := AsFailure(r)
	require.True(t, ok)
	assert.Equal(t, CodeCollectionUnavailable, f.Code)
	assert.Equal(t, "Collection not found", f.Message)
	assert.True(t, storage.IsUnavailable(f))
}

func TestExecute_StorageError(t *testing.T) {
	x, _ := newExecutor(t)
	r := run(t, x, `{"operation": "find", "collection": "students", "query": {"$where": "1"}}`)
	f, ok := AsFailure(r)
	require.True(t, ok)
	assert.Equal(t, CodeStorageFailure, f.Code)
	assert.True(t, strings.HasPrefix(f.Message, "Execution error: "), f.Message)
}

func TestExecute_BadOperatorsFailOnEmptyCollection(t *testing.T) {
	tests := []struct {
		name    string
		request string
		want    string
	}{
		{"find top level", `{"operation": "find", "collection": "students", "query": {"$where": "1"}}`, "unknown top level operator"},
		{"find field operator", `{"operation": "find", "collection": "students", "query": {"gpa": {"$bogus": 1}}}`, "unknown operator"},
		{"count nested clause", `{"operation": "count", "collection": "students", "query": {"$or": [{"gpa": {"$bogus": 1}}]}}`, "unknown operator"},
		{"update modifier", `{"operation": "update", "collection": "students", "filter": {}, "update": {"$bogus": {"x": 1}}}`, "unknown modifier"},
		{"delete top level", `{"operation": "delete", "collection": "students", "filter": {"$where": "1"}}`, "unknown top level operator"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			x, _ := newExecutor(t)
			f, ok := AsFailure(run(t, x, tt.request))
			require.True(t, ok, "expected a failure")
			assert.Equal(t, CodeStorageFailure, f.Code)
			assert.Contains(t, f.Message, tt.want)
		})
	}
}

func TestExecute_GeospatialRangesCheckedByStorage(t *testing.T) {
	x, _ := newExecutor(t)
	f, ok := AsFailure(run(t, x, `{"operation": "advanced", "advanced_operation": "geospatial", "collection": "students", "coordinates": [10, 95]}`))
	require.True(t, ok)
	assert.Equal(t, CodeStorageFailure, f.Code)
	assert.Contains(t, f.Message, "invalid point")

	f, ok = AsFailure(run(t, x, `{"operation": "advanced", "advanced_operation": "geospatial", "collection": "students", "coordinates": [1, 2], "max_distance": -5}`))
	require.True(t, ok)
	assert.Equal(t, CodeStorageFailure, f.Code)
	assert.Contains(t, f.Message, "$maxDistance")
}

// panicEngine panics on every acquisition.
type panicEngine struct{ storage.Engine }

func (panicEngine) Collection(context.Context, string) (storage.Collection, error) {
	panic("driver exploded")
}

func TestExecute_RecoversPanics(t *testing.T) {
	x := New(panicEngine{}, nil)
	r := x.Execute(context.Background(), ir.MustParse(`{"operation": "count", "collection": "students"}`))
	f, ok := AsFailure(r)
	require.True(t, ok)
	assert.Equal(t, CodeStorageFailure, f.Code)
	assert.Contains(t, f.Message, "driver exploded")
}

func TestExecute_DoesNotRetainRequest(t *testing.T) {
	x, _ := newExecutor(t)
	doc := ir.MustParse(`{"operation": "insert", "collection": "s", "document": {"k": 1}}`)
	requireSuccess(t, x.Execute(context.Background(), doc))

	inner, _ := doc.Get("document")
	inner.(bson.D)[0].Value = int32(99)

	r := run(t, x, `{"operation": "find", "collection": "s"}`)
	assert.Equal(t, Documents{{{Key: "k", Value: int32(1)}}}, r)
}
