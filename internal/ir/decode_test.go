package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func decode(t *testing.T, text string) Operation {
	t.Helper()
	op, err := Decode(MustParse(text))
	require.NoError(t, err)
	return op
}

func TestDecodeFindDefaults(t *testing.T) {
	op := decode(t, `{"collection":"students","operation":"find"}`)

	find, ok := op.(*Find)
	require.True(t, ok)
	assert.Equal(t, "students", find.Collection)
	assert.Equal(t, DefaultFindLimit, find.Limit)
	assert.Equal(t, bson.D{{Key: "_id", Value: 0}}, find.Projection)
	assert.Nil(t, find.Query)
	assert.Nil(t, find.Sort)
}

func TestDecodeFindLimit(t *testing.T) {
	tests := []struct {
		name  string
		limit string
		want  int64
	}{
		{"explicit", "5", 5},
		{"zero means unbounded", "0", 0},
		{"negative means unbounded", "-3", 0},
		{"float", "7.0", 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op := decode(t, `{"collection":"c","operation":"find","limit":`+tt.limit+`}`)
			assert.Equal(t, tt.want, op.(*Find).Limit)
		})
	}
}

func TestDecodeFindEmptyProjection(t *testing.T) {
	op := decode(t, `{"collection":"c","operation":"find","projection":{}}`)
	assert.Nil(t, op.(*Find).Projection)

	op = decode(t, `{"collection":"c","operation":"find","projection":{"name":1}}`)
	assert.Equal(t, bson.D{{Key: "name", Value: int32(1)}}, op.(*Find).Projection)
}

func TestDecodeInsert(t *testing.T) {
	op := decode(t, `{"collection":"students","operation":"insert","document":{"name":"John"}}`)
	ins := op.(*Insert)
	assert.False(t, ins.Many)
	require.Len(t, ins.Documents, 1)

	op = decode(t, `{"collection":"students","operation":"insert","documents":[{"name":"A"},{"name":"B"}]}`)
	ins = op.(*Insert)
	assert.True(t, ins.Many)
	assert.Len(t, ins.Documents, 2)

	_, err := Decode(MustParse(`{"collection":"students","operation":"insert"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "No document(s) provided for insert operation")
}

func TestDecodeDeleteSelector(t *testing.T) {
	op := decode(t, `{"collection":"c","operation":"delete","query":{"a":1},"filter":{"b":2}}`)
	del := op.(*Delete)
	assert.Equal(t, "filter", del.Selector)
	assert.Equal(t, bson.D{{Key: "b", Value: int32(2)}}, del.Filter)

	op = decode(t, `{"collection":"c","operation":"delete","query":{"a":1}}`)
	assert.Equal(t, "query", op.(*Delete).Selector)
}

func TestDecodeBulk(t *testing.T) {
	op := decode(t, `{"operation":"bulk","operations":[
		{"operation":"insert","collection":"students","document":{"name":"A"}},
		{"operation":"update","collection":"students","filter":{"name":"A"},"update":{"$set":{"gpa":3}}},
		{"operation":"delete","collection":"students","query":{"name":"B"}},
		{"operation":"replace","collection":"students","filter":{"name":"C"},"replacement":{"name":"D"}}
	]}`)
	bulk := op.(*Bulk)
	assert.Equal(t, "students", bulk.Collection)
	require.Len(t, bulk.Items, 4)
	assert.Equal(t, KindReplace, bulk.Items[3].Kind)
	assert.Equal(t, bson.D{{Key: "name", Value: "B"}}, bulk.Items[2].Filter)
}

func TestDecodeBulkBadItem(t *testing.T) {
	_, err := Decode(MustParse(`{"operation":"bulk","operations":[
		{"operation":"insert","collection":"students","document":{"name":"A"}},
		{"operation":"update","collection":"students","filter":{"name":"A"}}
	]}`))
	var de *DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "operations[1].update", de.Field)
}

func TestDecodeAdvanced(t *testing.T) {
	op := decode(t, `{"collection":"courses","operation":"advanced","advanced_operation":"text_search","search_term":"data"}`)
	assert.Equal(t, AdvancedTextSearch, Advanced(op))
	assert.Equal(t, "data", op.(*TextSearch).SearchTerm)

	op = decode(t, `{"collection":"students","operation":"advanced","advanced_operation":"geospatial","coordinates":[-73.97,40.77]}`)
	geo := op.(*Geospatial)
	assert.Equal(t, [2]float64{-73.97, 40.77}, geo.Coordinates)
	assert.Equal(t, DefaultMaxDistance, geo.MaxDistance)
	assert.Equal(t, DefaultGeoField, geo.Field)

	op = decode(t, `{"collection":"students","operation":"advanced","advanced_operation":"create_index","index":{"email":1},"options":{"unique":true,"name":"email_1"}}`)
	idx := op.(*CreateIndex)
	assert.True(t, idx.Unique)
	assert.Equal(t, "email_1", idx.Name)

	op = decode(t, `{"collection":"students","operation":"advanced","advanced_operation":"map_reduce","map":"function(){}","reduce":"function(k,v){}"}`)
	assert.Equal(t, DefaultMapReduceOut, op.(*MapReduce).Out)

	op = decode(t, `{"operation":"advanced","advanced_operation":"transaction","operations":[
		{"operation":"insert","collection":"a","document":{"x":1}}
	]}`)
	tx := op.(*Transaction)
	require.Len(t, tx.Operations, 1)
	assert.Equal(t, KindInsert, tx.Operations[0].Kind())
}

func TestDecodeUnknownKind(t *testing.T) {
	_, err := Decode(MustParse(`{"collection":"c","operation":"drop"}`))
	var uk *UnknownKindError
	require.ErrorAs(t, err, &uk)
	assert.Equal(t, "Invalid operation: drop", err.Error())

	_, err = Decode(MustParse(`{"collection":"c","operation":"advanced","advanced_operation":"shard"}`))
	require.ErrorAs(t, err, &uk)
	assert.Equal(t, "shard", uk.Kind)
}

func TestDecodeShapeErrors(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		field string
	}{
		{"query not object", `{"collection":"c","operation":"find","query":"x"}`, "query"},
		{"limit not number", `{"collection":"c","operation":"find","limit":"ten"}`, "limit"},
		{"pipeline not array", `{"collection":"c","operation":"aggregate","pipeline":{}}`, "pipeline"},
		{"coordinates short", `{"collection":"c","operation":"advanced","advanced_operation":"geospatial","coordinates":[1]}`, "coordinates"},
		{"empty collection", `{"collection":"","operation":"count"}`, "collection"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(MustParse(tt.text))
			var de *DecodeError
			require.ErrorAs(t, err, &de)
			assert.Equal(t, tt.field, de.Field)
		})
	}
}
