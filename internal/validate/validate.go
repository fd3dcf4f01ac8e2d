package validate

import (
	"fmt"
	"strings"

	"github.com/roach88/querypilot/internal/ir"
)

// MessageValid is the message of every successful Result.
const MessageValid = "Valid query"

// Result is the outcome of validating one request.
type Result struct {
	// Valid is true when every structural rule passed.
	Valid bool

	// Message is MessageValid on success, otherwise a description of the
	// first failing rule naming the offending key or value.
	Message string

	// Field is the key the failing rule is about, when there is one.
	// Nested fields use "operations[2].filter" paths.
	Field string
}

func ok() Result {
	return Result{Valid: true, Message: MessageValid}
}

func fail(field, format string, args ...any) Result {
	return Result{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Check is Validate in (valid, message) form.
func Check(doc ir.Document) (bool, string) {
	r := Validate(doc)
	return r.Valid, r.Message
}

// Validate checks doc against the structural rules of its operation kind.
//
// Validate is a pure function with no side effects.
func Validate(doc ir.Document) Result {
	return validateRequest(doc, false)
}

func validateRequest(doc ir.Document, nested bool) Result {
	if r := checkRequiredKeys(doc); !r.Valid {
		return r
	}

	raw, _ := doc.Get(ir.FieldOperation)
	kind := doc.Kind()
	if _, isString := raw.(string); !isString || !ir.ValidKinds[kind] {
		return fail(ir.FieldOperation, "Invalid operation: %v", raw)
	}

	if needsCollection(doc) {
		if coll, isString := doc.String(ir.FieldCollection); !isString || strings.TrimSpace(coll) == "" {
			return fail(ir.FieldCollection, "Collection must be a non-empty string")
		}
	}

	switch kind {
	case ir.KindFind:
		return validateFind(doc)
	case ir.KindInsert:
		return validateInsert(doc)
	case ir.KindUpdate:
		return validateUpdate(doc)
	case ir.KindDelete:
		return validateDelete(doc)
	case ir.KindAggregate:
		return validateAggregate(doc)
	case ir.KindCount:
		return optionalObject(doc, "Count", "query")
	case ir.KindBulk:
		return validateBulk(doc)
	default:
		return validateAdvanced(doc, nested)
	}
}

// needsCollection reports whether doc must carry a top-level collection.
// Bulk items and transaction operations name their own collections.
func needsCollection(doc ir.Document) bool {
	switch doc.Kind() {
	case ir.KindBulk:
		return false
	case ir.KindAdvanced:
		adv, _ := doc.String(ir.FieldAdvancedOperation)
		return ir.AdvancedKind(strings.ToLower(strings.TrimSpace(adv))) != ir.AdvancedTransaction
	default:
		return true
	}
}

func checkRequiredKeys(doc ir.Document) Result {
	var missing []string
	if !doc.Has(ir.FieldCollection) && (!doc.Has(ir.FieldOperation) || needsCollection(doc)) {
		missing = append(missing, ir.FieldCollection)
	}
	if !doc.Has(ir.FieldOperation) {
		missing = append(missing, ir.FieldOperation)
	}
	if len(missing) > 0 {
		return fail(missing[0], "Missing required keys: %s", strings.Join(missing, ", "))
	}
	return ok()
}

func isObject(v any) bool {
	_, is := ir.AsDocument(v)
	return is
}

// optionalObject checks that key, when present and not null, holds an object.
func optionalObject(doc ir.Document, label, key string) Result {
	v, present := doc.Get(key)
	if present && v != nil && !isObject(v) {
		return fail(key, "%s operation '%s' must be an object", label, key)
	}
	return ok()
}

func isNumber(v any) bool {
	switch v.(type) {
	case int32, int64, int, float64:
		return true
	default:
		return false
	}
}

func isObjectArray(v any, allowEmpty bool) bool {
	arr, is := ir.AsArray(v)
	if !is || (!allowEmpty && len(arr) == 0) {
		return false
	}
	for _, item := range arr {
		if !isObject(item) {
			return false
		}
	}
	return true
}

func validateFind(doc ir.Document) Result {
	for _, key := range []string{"query", "projection", "sort"} {
		if r := optionalObject(doc, "Find", key); !r.Valid {
			return r
		}
	}
	if v, present := doc.Get("limit"); present && v != nil && !isNumber(v) {
		return fail("limit", "Find operation 'limit' must be a number")
	}
	return ok()
}

func validateInsert(doc ir.Document) Result {
	if v, present := doc.Get("document"); present {
		if !isObject(v) {
			return fail("document", "Insert operation 'document' must be an object")
		}
		return ok()
	}
	if v, present := doc.Get("documents"); present {
		if !isObjectArray(v, false) {
			return fail("documents", "Insert operation 'documents' must be a non-empty array of objects")
		}
		return ok()
	}
	return fail("document", "Insert operation requires 'document' or 'documents' parameter")
}

func validateUpdate(doc ir.Document) Result {
	for _, key := range []string{"filter", "update"} {
		v, present := doc.Get(key)
		if !present {
			return fail(key, "Update operation requires 'filter' and 'update'")
		}
		if !isObject(v) {
			return fail(key, "Update operation '%s' must be an object", key)
		}
	}
	return ok()
}

func validateDelete(doc ir.Document) Result {
	for _, key := range []string{"filter", "query"} {
		v, present := doc.Get(key)
		if !present {
			continue
		}
		if !isObject(v) {
			return fail(key, "Delete operation '%s' must be an object", key)
		}
		return ok()
	}
	return fail("filter", "Delete operation requires 'filter' or 'query' parameter")
}

func validateAggregate(doc ir.Document) Result {
	v, present := doc.Get("pipeline")
	if !present {
		return fail("pipeline", "Aggregate operation requires 'pipeline'")
	}
	if !isObjectArray(v, true) {
		return fail("pipeline", "Aggregate operation 'pipeline' must be an array of stage objects")
	}
	return ok()
}

func validateBulk(doc ir.Document) Result {
	v, present := doc.Get("operations")
	if !present || !isObjectArray(v, false) {
		return fail("operations", "Bulk operation requires 'operations' array")
	}
	items, _ := ir.AsArray(v)
	for i, item := range items {
		d, _ := ir.AsDocument(item)
		if r := validateBulkItem(d); !r.Valid {
			return Result{
				Field:   itemPath(i, r.Field),
				Message: fmt.Sprintf("Bulk operation item %d: %s", i, r.Message),
			}
		}
	}
	return ok()
}

func itemPath(i int, field string) string {
	if field == "" {
		return fmt.Sprintf("operations[%d]", i)
	}
	return fmt.Sprintf("operations[%d].%s", i, field)
}

func validateBulkItem(item ir.Document) Result {
	raw, present := item.Get(ir.FieldOperation)
	if !present {
		return fail(ir.FieldOperation, "Missing required keys: %s", ir.FieldOperation)
	}
	kind := item.Kind()
	if _, isString := raw.(string); !isString || !ir.ValidBulkKinds[kind] {
		return fail(ir.FieldOperation, "Invalid bulk operation: %v", raw)
	}
	if coll, isString := item.String(ir.FieldCollection); !isString || strings.TrimSpace(coll) == "" {
		return fail(ir.FieldCollection, "Collection must be a non-empty string")
	}

	switch kind {
	case ir.KindInsert:
		v, present := item.Get("document")
		if !present {
			return fail("document", "Insert operation requires 'document'")
		}
		if !isObject(v) {
			return fail("document", "Insert operation 'document' must be an object")
		}
		return ok()
	case ir.KindUpdate:
		return validateUpdate(item)
	case ir.KindDelete:
		return validateDelete(item)
	default: // replace
		for _, key := range []string{"filter", "replacement"} {
			v, present := item.Get(key)
			if !present {
				return fail(key, "Replace operation requires 'filter' and 'replacement'")
			}
			if !isObject(v) {
				return fail(key, "Replace operation '%s' must be an object", key)
			}
		}
		return ok()
	}
}

// requiredAdvancedFields lists, in check order, the fields each advanced
// kind must carry beyond collection.
var requiredAdvancedFields = map[ir.AdvancedKind][]string{
	ir.AdvancedTextSearch:  {"search_term"},
	ir.AdvancedGeospatial:  {"coordinates"},
	ir.AdvancedTransaction: {"operations"},
	ir.AdvancedCreateIndex: {"index"},
	ir.AdvancedMapReduce:   {"map", "reduce"},
}

func validateAdvanced(doc ir.Document, nested bool) Result {
	raw, present := doc.Get(ir.FieldAdvancedOperation)
	if !present {
		return fail(ir.FieldAdvancedOperation, "Advanced operation requires 'advanced_operation' type")
	}
	name, isString := raw.(string)
	kind := ir.AdvancedKind(strings.ToLower(strings.TrimSpace(name)))
	if !isString || !ir.ValidAdvancedKinds[kind] {
		return fail(ir.FieldAdvancedOperation, "Invalid advanced operation: %v", raw)
	}

	for _, field := range requiredAdvancedFields[kind] {
		if !doc.Has(field) {
			return fail(field, "Advanced operation '%s' requires '%s'", kind, field)
		}
	}
	if msg := checkSchema(kind, doc); msg != "" {
		return fail("", "Advanced operation '%s' has invalid parameters: %s", kind, msg)
	}

	if kind == ir.AdvancedTransaction {
		if nested {
			return fail(ir.FieldAdvancedOperation, "Nested transactions are not supported")
		}
		return validateTransaction(doc)
	}
	return ok()
}

func validateTransaction(doc ir.Document) Result {
	ops, err := ir.Operations(doc)
	if err != nil {
		return fail("operations", "Advanced operation 'transaction' requires 'operations'")
	}
	for i, op := range ops {
		if r := validateRequest(op, true); !r.Valid {
			return Result{
				Field:   itemPath(i, r.Field),
				Message: fmt.Sprintf("Transaction operation %d: %s", i, r.Message),
			}
		}
	}
	return ok()
}
