package harness

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/roach88/querypilot/internal/storage"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s", e.Actual)
	return buf.String()
}

// evaluate runs every assertion and returns the failure messages.
func (h *Harness) evaluate(ctx context.Context, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertFinalState:
			err = h.assertFinalState(ctx, a)
		case AssertDocumentCount:
			err = h.assertDocumentCount(ctx, a)
		case AssertHistoryCount:
			err = assertCount(a.Type, a.Count, h.pipeline.History().Len())
		case AssertOracleCalls:
			err = assertCount(a.Type, a.Count, h.oracle.calls)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}

func assertCount(typ string, want, got int) error {
	if want == got {
		return nil
	}
	return &AssertionError{Type: typ, Expected: fmt.Sprint(want), Actual: fmt.Sprint(got)}
}

func (h *Harness) assertDocumentCount(ctx context.Context, a Assertion) error {
	coll, where, err := h.selection(ctx, a)
	if err != nil {
		return err
	}
	n, err := coll.CountDocuments(ctx, where)
	if err != nil {
		return err
	}
	return assertCount(a.Type, a.Count, int(n))
}

// assertFinalState checks every document selected by Where. At least one
// document must match.
func (h *Harness) assertFinalState(ctx context.Context, a Assertion) error {
	coll, where, err := h.selection(ctx, a)
	if err != nil {
		return err
	}
	docs, err := coll.Find(ctx, where, storage.FindOptions{})
	if err != nil {
		return err
	}
	if len(docs) == 0 {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("documents in %s matching %v", a.Collection, a.Where),
			Actual:   "no documents",
		}
	}

	for _, doc := range docs {
		obj, err := docValue(doc)
		if err != nil {
			return err
		}
		if errs := subsetErrors(a.Expect, obj, a.Collection); len(errs) > 0 {
			return &AssertionError{Type: a.Type, Expected: strings.Join(errs, "; "), Actual: mustJSON(obj)}
		}
		for _, field := range a.Absent {
			if _, ok := obj[field]; ok {
				return &AssertionError{
					Type:     a.Type,
					Expected: fmt.Sprintf("field %q absent", field),
					Actual:   mustJSON(obj),
				}
			}
		}
	}
	return nil
}

func (h *Harness) selection(ctx context.Context, a Assertion) (storage.Collection, bson.D, error) {
	coll, err := h.engine.Collection(ctx, a.Collection)
	if err != nil {
		return nil, nil, err
	}
	where, err := toDocument(a.Where)
	if err != nil {
		return nil, nil, fmt.Errorf("where: %w", err)
	}
	return coll, where, nil
}

// docValue renders a stored document as a JSON-decoded map, so that it
// compares against YAML values.
func docValue(doc bson.D) (map[string]any, error) {
	raw, err := bson.MarshalExtJSON(doc, false, false)
	if err != nil {
		return nil, err
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, err
	}
	return obj, nil
}

// subsetErrors compares the expected fields against actual. Values are
// compared after a JSON round trip, so YAML integers equal stored int32s.
func subsetErrors(expected, actual map[string]any, label string) []string {
	keys := make([]string, 0, len(expected))
	for k := range expected {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var errs []string
	for _, k := range keys {
		got, ok := actual[k]
		if !ok {
			errs = append(errs, fmt.Sprintf("%s.%s: missing", label, k))
			continue
		}
		if !valuesEqual(expected[k], got) {
			errs = append(errs, fmt.Sprintf("%s.%s: expected %s, got %s", label, k, mustJSON(expected[k]), mustJSON(got)))
		}
	}
	return errs
}

func valuesEqual(expected, actual any) bool {
	return reflect.DeepEqual(jsonValue(expected), jsonValue(actual))
}

func jsonValue(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

func mustJSON(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(raw)
}
