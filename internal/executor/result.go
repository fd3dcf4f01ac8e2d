package executor

import (
	"bytes"
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cast"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Code categorizes an execution failure.
type Code string

const (
	// CodeCollectionUnavailable indicates the target collection could not
	// be acquired.
	CodeCollectionUnavailable Code = "COLLECTION_UNAVAILABLE"

	// CodeStorageFailure indicates the storage engine rejected the operation.
	CodeStorageFailure Code = "STORAGE_EXECUTION_FAILURE"

	// CodeTransactionAborted indicates a nested operation failed and the
	// whole transaction was rolled back.
	CodeTransactionAborted Code = "TRANSACTION_ABORTED"

	// CodeInvalidOperation indicates an unknown operation kind.
	CodeInvalidOperation Code = "INVALID_OPERATION"

	// CodeMalformedOperation indicates a request whose fields do not fit
	// its kind.
	CodeMalformedOperation Code = "MALFORMED_OPERATION"
)

// Result is the uniform outcome of one execution.
//
// This is a sealed interface - only types in this package implement it.
// Every variant marshals to its JSON wire shape.
type Result interface {
	// Type names the variant: "failure", "documents", "inserted", ...
	Type() string
	resultNode()
}

// Failure is an execution that did not succeed.
type Failure struct {
	Code    Code
	Message string

	// Err is the underlying cause, when there is one.
	Err error
}

// Documents is the document list of find, aggregate, text search,
// geospatial and map-reduce operations.
type Documents []bson.D

// Inserted reports inserted ids, rendered as strings. ObjectIDs use their
// hex form.
type Inserted struct {
	IDs  []string
	Many bool
}

// Updated reports an update-many.
type Updated struct {
	Matched  int64
	Modified int64
}

// Deleted reports a delete-many.
type Deleted struct {
	Deleted int64
}

// Counted reports a count.
type Counted struct {
	Count int64
}

// BulkSummary reports a bulk write.
type BulkSummary struct {
	Inserted int64
	Modified int64
	Deleted  int64
	Upserted int64
}

// IndexCreated reports a created index. Spec is the key document as JSON.
type IndexCreated struct {
	Spec string
	Name string
}

// TransactionResults holds the result of each nested operation in order.
type TransactionResults []Result

// Recorded is a result read back from the command journal. It keeps the
// JSON wire shape and summary that were recorded when the command ran.
type Recorded struct {
	Raw     jsoniter.RawMessage
	Summary string
	Items   int
}

// NewRecorded wraps recorded result JSON. Items counts the elements when
// raw is an array.
func NewRecorded(raw []byte, summary string) *Recorded {
	r := &Recorded{Raw: jsoniter.RawMessage(raw), Summary: summary, Items: 1}
	var items []jsoniter.RawMessage
	if bytes.HasPrefix(bytes.TrimSpace(raw), []byte("[")) && json.Unmarshal(raw, &items) == nil {
		r.Items = len(items)
	}
	return r
}

func (*Failure) Type() string { return "failure" }
func (Documents) Type() string { return "documents" }
func (*Inserted) Type() string { return "inserted" }
func (*Updated) Type() string { return "updated" }
func (*Deleted) Type() string { return "deleted" }
func (*Counted) Type() string { return "counted" }
func (*BulkSummary) Type() string { return "bulk" }
func (*IndexCreated) Type() string { return "index_created" }
func (TransactionResults) Type() string { return "transaction" }
func (*Recorded) Type() string { return "recorded" }

func (*Failure) resultNode() {}
func (Documents) resultNode() {}
func (*Inserted) resultNode() {}
func (*Updated) resultNode() {}
func (*Deleted) resultNode() {}
func (*Counted) resultNode() {}
func (*BulkSummary) resultNode() {}
func (*IndexCreated) resultNode() {}
func (TransactionResults) resultNode() {}
func (*Recorded) resultNode() {}

func (f *Failure) Error() string { return f.Message }

func (f *Failure) Unwrap() error { return f.Err }

func (f *Failure) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Error string `json:"error"`
		Code  Code   `json:"code"`
	}{f.Message, f.Code})
}

func (d Documents) MarshalJSON() ([]byte, error) {
	var b bytes.Buffer
	b.WriteByte('[')
	for i, doc := range d {
		if i > 0 {
			b.WriteByte(',')
		}
		if doc == nil {
			doc = bson.D{}
		}
		raw, err := bson.MarshalExtJSON(doc, false, false)
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", i, err)
		}
		b.Write(raw)
	}
	b.WriteByte(']')
	return b.Bytes(), nil
}

func (r *Inserted) MarshalJSON() ([]byte, error) {
	if r.Many {
		ids := r.IDs
		if ids == nil {
			ids = []string{}
		}
		return json.Marshal(map[string]any{"inserted_ids": ids})
	}
	id := ""
	if len(r.IDs) > 0 {
		id = r.IDs[0]
	}
	return json.Marshal(map[string]any{"inserted_id": id})
}

func (r *Updated) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Matched  int64 `json:"matched"`
		Modified int64 `json:"modified"`
	}{r.Matched, r.Modified})
}

func (r *Deleted) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Deleted int64 `json:"deleted"`
	}{r.Deleted})
}

func (r *Counted) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Count int64 `json:"count"`
	}{r.Count})
}

func (r *BulkSummary) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Inserted int64 `json:"inserted"`
		Modified int64 `json:"modified"`
		Deleted  int64 `json:"deleted"`
		Upserted int64 `json:"upserted"`
	}{r.Inserted, r.Modified, r.Deleted, r.Upserted})
}

// Status is the human-readable confirmation line.
func (r *IndexCreated) Status() string { return "Index created: " + r.Spec }

func (r *IndexCreated) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Status string `json:"status"`
		Name   string `json:"name"`
	}{r.Status(), r.Name})
}

func (r TransactionResults) MarshalJSON() ([]byte, error) {
	items := make([]jsoniter.RawMessage, len(r))
	for i, res := range r {
		raw, err := json.Marshal(res)
		if err != nil {
			return nil, fmt.Errorf("transaction result %d: %w", i, err)
		}
		items[i] = raw
	}
	return json.Marshal(items)
}

func (r *Recorded) MarshalJSON() ([]byte, error) {
	if len(r.Raw) == 0 {
		return []byte("null"), nil
	}
	return r.Raw, nil
}

// MarshalResult renders r in its JSON wire shape.
func MarshalResult(r Result) ([]byte, error) {
	return json.Marshal(r)
}

// AsFailure returns r as a *Failure when it is one.
func AsFailure(r Result) (*Failure, bool) {
	f, ok := r.(*Failure)
	return f, ok
}

// Summary is the one-line history summary of r: "<n> items" for list
// results and "Operation" otherwise.
func Summary(r Result) string {
	switch v := r.(type) {
	case Documents:
		return fmt.Sprintf("%d items", len(v))
	case TransactionResults:
		return fmt.Sprintf("%d items", len(v))
	case *Recorded:
		return v.Summary
	default:
		return "Operation"
	}
}

// Size is the number of items in a list result and 1 otherwise.
func Size(r Result) int {
	switch v := r.(type) {
	case Documents:
		return len(v)
	case TransactionResults:
		return len(v)
	case *Recorded:
		return v.Items
	default:
		return 1
	}
}

// idString renders an inserted id.
func idString(id any) string {
	switch v := id.(type) {
	case primitive.ObjectID:
		return v.Hex()
	case string:
		return v
	case nil:
		return ""
	default:
		if s, err := cast.ToStringE(v); err == nil {
			return s
		}
		return fmt.Sprint(v)
	}
}
