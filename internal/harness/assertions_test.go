package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.mongodb.org/mongo-driver/bson"
)

func TestValuesEqual(t *testing.T) {
	assert.True(t, valuesEqual(2023, int32(2023)))
	assert.True(t, valuesEqual(3.5, 3.5))
	assert.True(t, valuesEqual(map[string]any{"a": 1}, map[string]any{"a": float64(1)}))
	assert.True(t, valuesEqual([]any{"x", 1}, []any{"x", int64(1)}))
	assert.False(t, valuesEqual("1", 1))
	assert.False(t, valuesEqual(map[string]any{"a": 1}, map[string]any{"a": 2}))
}

func TestSubsetErrors(t *testing.T) {
	actual := map[string]any{"name": "Komal", "salary": float64(90000)}

	assert.Empty(t, subsetErrors(map[string]any{"name": "Komal"}, actual, "doc"))
	assert.Equal(t,
		[]string{"doc.name: expected \"Ravi\", got \"Komal\"", "doc.title: missing"},
		subsetErrors(map[string]any{"title": "Dr", "name": "Ravi"}, actual, "doc"))
}

func TestDocValue(t *testing.T) {
	obj, err := docValue(bson.D{{Key: "_id", Value: int32(1)}, {Key: "tags", Value: bson.A{"a"}}})
	assert.NoError(t, err)
	assert.Equal(t, map[string]any{"_id": float64(1), "tags": []any{"a"}}, obj)
}

func TestCheckExpect(t *testing.T) {
	count := 2
	tests := []struct {
		name   string
		ev     TraceEvent
		expect *Expect
		want   []string
	}{
		{"success", TraceEvent{Result: `{"count":1}`}, nil, nil},
		{"unexpected failure", TraceEvent{Phase: "execution", Code: "TRANSACTION_ABORTED", Message: "boom"}, nil,
			[]string{"unexpected execution failure TRANSACTION_ABORTED: boom"}},
		{"wrong code", TraceEvent{Phase: "generation", Code: "NETWORK_FAILURE"}, &Expect{Phase: "generation", Code: "CREDENTIAL_MISSING"},
			[]string{"expected code CREDENTIAL_MISSING, got NETWORK_FAILURE"}},
		{"count", TraceEvent{Result: `[{},{}]`}, &Expect{Count: &count}, nil},
		{"count mismatch", TraceEvent{Result: `[{}]`}, &Expect{Count: &count}, []string{"expected 2 items, got 1"}},
		{"object expected", TraceEvent{Result: `[]`}, &Expect{Result: map[string]any{"count": 1}}, []string{"expected an object result, got []"}},
		{"explanation", TraceEvent{Explanation: "Counts students."}, &Expect{Explanation: "salary"},
			[]string{`explanation "Counts students." does not contain "salary"`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, checkExpect(tt.ev, tt.expect))
		})
	}
}

func TestAssertionError(t *testing.T) {
	err := &AssertionError{Type: AssertHistoryCount, Expected: "2", Actual: "1"}
	assert.Equal(t, "Assertion failed: history_count\n  Expected: 2\n  Actual: 1", err.Error())
}
