package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestMarshalResult(t *testing.T) {
	tests := []struct {
		name   string
		result Result
		want   string
	}{
		{"failure", &Failure{Code: CodeCollectionUnavailable, Message: "Collection not found"}, `{"error":"Collection not found","code":"COLLECTION_UNAVAILABLE"}`},
		{"documents", Documents{{{Key: "b", Value: int32(1)}, {Key: "a", Value: "x"}}, {}}, `[{"b":1,"a":"x"},{}]`},
		{"no documents", Documents(nil), `[]`},
		{"inserted one", &Inserted{IDs: []string{"65a1"}}, `{"inserted_id":"65a1"}`},
		{"inserted many", &Inserted{IDs: []string{"1", "2"}, Many: true}, `{"inserted_ids":["1","2"]}`},
		{"updated", &Updated{Matched: 2, Modified: 1}, `{"matched":2,"modified":1}`},
		{"deleted", &Deleted{Deleted: 3}, `{"deleted":3}`},
		{"counted", &Counted{Count: 5}, `{"count":5}`},
		{"bulk", &BulkSummary{Inserted: 3, Modified: 1}, `{"inserted":3,"modified":1,"deleted":0,"upserted":0}`},
		{"index", &IndexCreated{Spec: `{"title":"text"}`, Name: "title_text"}, `{"status":"Index created: {\"title\":\"text\"}","name":"title_text"}`},
		{"transaction", TransactionResults{&Updated{Matched: 1, Modified: 1}, &Counted{Count: 2}}, `[{"matched":1,"modified":1},{"count":2}]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MarshalResult(tt.result)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(got))
		})
	}
}

func TestMarshalResult_PreservesKeyOrder(t *testing.T) {
	got, err := MarshalResult(Documents{{{Key: "z", Value: int32(1)}, {Key: "a", Value: int32(2)}}})
	require.NoError(t, err)
	assert.Equal(t, `[{"z":1,"a":2}]`, string(got))
}

func TestSummary(t *testing.T) {
	assert.Equal(t, "3 items", Summary(Documents{{}, {}, {}}))
	assert.Equal(t, "0 items", Summary(Documents{}))
	assert.Equal(t, "2 items", Summary(TransactionResults{&Counted{}, &Counted{}}))
	assert.Equal(t, "Operation", Summary(&Counted{Count: 9}))
	assert.Equal(t, "Operation", Summary(&Failure{Message: "x"}))

	assert.Equal(t, 3, Size(Documents{{}, {}, {}}))
	assert.Equal(t, 1, Size(&Updated{}))
}

func TestRecorded(t *testing.T) {
	list := NewRecorded([]byte(`[{"name":"A"},{"name":"B"}]`), "2 items")
	assert.Equal(t, "recorded", list.Type())
	assert.Equal(t, "2 items", Summary(list))
	assert.Equal(t, 2, Size(list))
	raw, err := MarshalResult(list)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"name":"A"},{"name":"B"}]`, string(raw))

	single := NewRecorded([]byte(`{"matched":1,"modified":1}`), "Operation")
	assert.Equal(t, 1, Size(single))
	raw, err = MarshalResult(single)
	require.NoError(t, err)
	assert.JSONEq(t, `{"matched":1,"modified":1}`, string(raw))

	raw, err = MarshalResult(NewRecorded(nil, "Operation"))
	require.NoError(t, err)
	assert.Equal(t, "null", string(raw))
}

func TestIDString(t *testing.T) {
	oid := primitive.NewObjectID()
	assert.Equal(t, oid.Hex(), idString(oid))
	assert.Equal(t, "abc", idString("abc"))
	assert.Equal(t, "7", idString(int32(7)))
	assert.Equal(t, "", idString(nil))
	assert.NotEmpty(t, idString(bson.D{{Key: "a", Value: 1}}))
}
