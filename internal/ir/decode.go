package ir

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cast"
	"go.mongodb.org/mongo-driver/bson"
)

// DecodeError reports a field whose shape does not fit the operation kind.
type DecodeError struct {
	Field   string
	Message string
}

func (e *DecodeError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("field %q: %s", e.Field, e.Message)
}

// UnknownKindError reports an operation or advanced operation that is not
// supported.
type UnknownKindError struct {
	Kind string
}

func (e *UnknownKindError) Error() string {
	return "Invalid operation: " + e.Kind
}

// Decode converts a Document into its typed Operation.
//
// Decode checks shapes (objects where objects are expected, strings where
// strings are expected) and applies defaults. It does not decide whether a
// request is sensible; callers validate first.
func Decode(doc Document) (Operation, error) {
	kind := doc.Kind()
	switch kind {
	case KindFind:
		return decodeFind(doc)
	case KindInsert:
		return decodeInsert(doc)
	case KindUpdate:
		return decodeUpdate(doc)
	case KindDelete:
		return decodeDelete(doc)
	case KindAggregate:
		return decodeAggregate(doc)
	case KindCount:
		return decodeCount(doc)
	case KindBulk:
		return decodeBulk(doc)
	case KindAdvanced:
		return decodeAdvanced(doc)
	default:
		raw, _ := doc.Get(FieldOperation)
		return nil, &UnknownKindError{Kind: fmt.Sprint(orEmpty(raw))}
	}
}

func orEmpty(v any) any {
	if v == nil {
		return ""
	}
	return v
}

func requireCollection(doc Document) (string, error) {
	name, ok := doc.String(FieldCollection)
	if !ok || strings.TrimSpace(name) == "" {
		return "", &DecodeError{Field: FieldCollection, Message: "must be a non-empty string"}
	}
	return name, nil
}

// optionalDoc returns the object stored under key, nil when absent or null.
func optionalDoc(doc Document, key string) (bson.D, bool, error) {
	v, ok := doc.Get(key)
	if !ok || v == nil {
		return nil, ok, nil
	}
	d, isDoc := AsDocument(v)
	if !isDoc {
		return nil, true, &DecodeError{Field: key, Message: "must be an object"}
	}
	return bson.D(d), true, nil
}

func requireDoc(doc Document, key string) (bson.D, error) {
	d, present, err := optionalDoc(doc, key)
	if err != nil {
		return nil, err
	}
	if !present {
		return nil, &DecodeError{Field: key, Message: "is required"}
	}
	if d == nil {
		d = bson.D{}
	}
	return d, nil
}

func requireString(doc Document, key string) (string, error) {
	v, ok := doc.Get(key)
	if !ok {
		return "", &DecodeError{Field: key, Message: "is required"}
	}
	s, isString := v.(string)
	if !isString || strings.TrimSpace(s) == "" {
		return "", &DecodeError{Field: key, Message: "must be a non-empty string"}
	}
	return s, nil
}

func docList(v any, field string) ([]bson.D, error) {
	arr, ok := AsArray(v)
	if !ok {
		return nil, &DecodeError{Field: field, Message: "must be an array of objects"}
	}
	out := make([]bson.D, 0, len(arr))
	for i, item := range arr {
		d, isDoc := AsDocument(item)
		if !isDoc {
			return nil, &DecodeError{Field: fmt.Sprintf("%s[%d]", field, i), Message: "must be an object"}
		}
		out = append(out, bson.D(d))
	}
	return out, nil
}

func decodeFind(doc Document) (Operation, error) {
	coll, err := requireCollection(doc)
	if err != nil {
		return nil, err
	}
	op := &Find{Collection: coll, Limit: DefaultFindLimit}

	if op.Query, _, err = optionalDoc(doc, "query"); err != nil {
		return nil, err
	}
	if op.Sort, _, err = optionalDoc(doc, "sort"); err != nil {
		return nil, err
	}

	proj, present, err := optionalDoc(doc, "projection")
	if err != nil {
		return nil, err
	}
	switch {
	case !present:
		op.Projection = bson.D{{Key: IDField, Value: 0}}
	case len(proj) > 0:
		op.Projection = proj
	}

	if v, ok := doc.Get("limit"); ok && v != nil {
		n, err := cast.ToInt64E(v)
		if err != nil {
			return nil, &DecodeError{Field: "limit", Message: "must be a number"}
		}
		if n <= 0 {
			n = 0
		}
		op.Limit = n
	}
	return op, nil
}

func decodeInsert(doc Document) (Operation, error) {
	coll, err := requireCollection(doc)
	if err != nil {
		return nil, err
	}
	if v, ok := doc.Get("document"); ok {
		d, isDoc := AsDocument(v)
		if !isDoc {
			return nil, &DecodeError{Field: "document", Message: "must be an object"}
		}
		return &Insert{Collection: coll, Documents: []bson.D{bson.D(d)}}, nil
	}
	if v, ok := doc.Get("documents"); ok {
		docs, err := docList(v, "documents")
		if err != nil {
			return nil, err
		}
		if len(docs) == 0 {
			return nil, &DecodeError{Field: "documents", Message: "must not be empty"}
		}
		return &Insert{Collection: coll, Documents: docs, Many: true}, nil
	}
	return nil, &DecodeError{Message: "No document(s) provided for insert operation"}
}

func decodeUpdate(doc Document) (Operation, error) {
	coll, err := requireCollection(doc)
	if err != nil {
		return nil, err
	}
	filter, err := requireDoc(doc, "filter")
	if err != nil {
		return nil, err
	}
	update, err := requireDoc(doc, "update")
	if err != nil {
		return nil, err
	}
	return &Update{Collection: coll, Filter: filter, Update: update}, nil
}

// selector resolves the delete selector. "filter" wins when both keys are
// present.
func selector(doc Document) (bson.D, string, error) {
	for _, key := range []string{"filter", "query"} {
		if !doc.Has(key) {
			continue
		}
		d, err := requireDoc(doc, key)
		return d, key, err
	}
	return nil, "", &DecodeError{Field: "filter", Message: "is required"}
}

func decodeDelete(doc Document) (Operation, error) {
	coll, err := requireCollection(doc)
	if err != nil {
		return nil, err
	}
	filter, key, err := selector(doc)
	if err != nil {
		return nil, err
	}
	return &Delete{Collection: coll, Filter: filter, Selector: key}, nil
}

func decodeAggregate(doc Document) (Operation, error) {
	coll, err := requireCollection(doc)
	if err != nil {
		return nil, err
	}
	v, ok := doc.Get("pipeline")
	if !ok {
		return nil, &DecodeError{Field: "pipeline", Message: "is required"}
	}
	stages, err := docList(v, "pipeline")
	if err != nil {
		return nil, err
	}
	return &Aggregate{Collection: coll, Pipeline: stages}, nil
}

func decodeCount(doc Document) (Operation, error) {
	coll, err := requireCollection(doc)
	if err != nil {
		return nil, err
	}
	q, _, err := optionalDoc(doc, "query")
	if err != nil {
		return nil, err
	}
	return &Count{Collection: coll, Query: q}, nil
}

// Operations returns the nested request list of a bulk or transaction
// document.
func Operations(doc Document) ([]Document, error) {
	v, ok := doc.Get("operations")
	if !ok {
		return nil, &DecodeError{Field: "operations", Message: "is required"}
	}
	items, err := docList(v, "operations")
	if err != nil {
		return nil, err
	}
	out := make([]Document, len(items))
	for i, item := range items {
		out[i] = Document(item)
	}
	return out, nil
}

func decodeBulk(doc Document) (Operation, error) {
	items, err := Operations(doc)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, &DecodeError{Field: "operations", Message: "No operations provided"}
	}

	bulk := &Bulk{Items: make([]BulkItem, 0, len(items))}
	for i, item := range items {
		bi, err := decodeBulkItem(item)
		if err != nil {
			var de *DecodeError
			if errors.As(err, &de) {
				return nil, &DecodeError{Field: fmt.Sprintf("operations[%d].%s", i, de.Field), Message: de.Message}
			}
			return nil, err
		}
		bulk.Items = append(bulk.Items, bi)
	}
	bulk.Collection = bulk.Items[0].Collection
	return bulk, nil
}

func decodeBulkItem(item Document) (BulkItem, error) {
	kind := item.Kind()
	if !ValidBulkKinds[kind] {
		return BulkItem{}, &DecodeError{Field: FieldOperation, Message: fmt.Sprintf("unsupported bulk operation %q", string(kind))}
	}
	coll, err := requireCollection(item)
	if err != nil {
		return BulkItem{}, err
	}
	bi := BulkItem{Kind: kind, Collection: coll}

	switch kind {
	case KindInsert:
		bi.Document, err = requireDoc(item, "document")
	case KindUpdate:
		if bi.Filter, err = requireDoc(item, "filter"); err == nil {
			bi.Update, err = requireDoc(item, "update")
		}
	case KindDelete:
		bi.Filter, _, err = selector(item)
	case KindReplace:
		if bi.Filter, err = requireDoc(item, "filter"); err == nil {
			bi.Replacement, err = requireDoc(item, "replacement")
		}
	}
	if err != nil {
		return BulkItem{}, err
	}
	return bi, nil
}

func decodeAdvanced(doc Document) (Operation, error) {
	raw, _ := doc.String(FieldAdvancedOperation)
	kind := AdvancedKind(strings.ToLower(strings.TrimSpace(raw)))

	switch kind {
	case AdvancedTransaction:
		ops, err := Operations(doc)
		if err != nil {
			return nil, err
		}
		if len(ops) == 0 {
			return nil, &DecodeError{Field: "operations", Message: "No operations provided"}
		}
		return &Transaction{Operations: ops}, nil
	case AdvancedTextSearch, AdvancedGeospatial, AdvancedCreateIndex, AdvancedMapReduce:
	default:
		return nil, &UnknownKindError{Kind: raw}
	}

	coll, err := requireCollection(doc)
	if err != nil {
		return nil, err
	}

	switch kind {
	case AdvancedTextSearch:
		term, err := requireString(doc, "search_term")
		if err != nil {
			return nil, err
		}
		return &TextSearch{Collection: coll, SearchTerm: term}, nil

	case AdvancedGeospatial:
		return decodeGeospatial(doc, coll)

	case AdvancedCreateIndex:
		keys, err := requireDoc(doc, "index")
		if err != nil {
			return nil, err
		}
		if len(keys) == 0 {
			return nil, &DecodeError{Field: "index", Message: "must name at least one key"}
		}
		op := &CreateIndex{Collection: coll, Keys: keys}
		opts, _, err := optionalDoc(doc, "options")
		if err != nil {
			return nil, err
		}
		for _, e := range opts {
			switch e.Key {
			case "name":
				op.Name = cast.ToString(e.Value)
			case "unique":
				op.Unique = cast.ToBool(e.Value)
			}
		}
		return op, nil

	default: // AdvancedMapReduce
		m, err := requireString(doc, "map")
		if err != nil {
			return nil, err
		}
		r, err := requireString(doc, "reduce")
		if err != nil {
			return nil, err
		}
		op := &MapReduce{Collection: coll, Map: m, Reduce: r, Out: DefaultMapReduceOut}
		if out, ok := doc.String("out"); ok && out != "" {
			op.Out = out
		}
		if op.Query, _, err = optionalDoc(doc, "query"); err != nil {
			return nil, err
		}
		return op, nil
	}
}

func decodeGeospatial(doc Document, coll string) (Operation, error) {
	v, ok := doc.Get("coordinates")
	if !ok {
		return nil, &DecodeError{Field: "coordinates", Message: "is required"}
	}
	arr, ok := AsArray(v)
	if !ok || len(arr) != 2 {
		return nil, &DecodeError{Field: "coordinates", Message: "must be [longitude, latitude]"}
	}
	op := &Geospatial{Collection: coll, Field: DefaultGeoField, MaxDistance: DefaultMaxDistance}
	for i, c := range arr {
		f, err := cast.ToFloat64E(c)
		if err != nil {
			return nil, &DecodeError{Field: "coordinates", Message: "must be [longitude, latitude]"}
		}
		op.Coordinates[i] = f
	}
	if md, ok := doc.Get("max_distance"); ok && md != nil {
		f, err := cast.ToFloat64E(md)
		if err != nil {
			return nil, &DecodeError{Field: "max_distance", Message: "must be a number"}
		}
		op.MaxDistance = f
	}
	if field, ok := doc.String("field"); ok && field != "" {
		op.Field = field
	}
	return op, nil
}
