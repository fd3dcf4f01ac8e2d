package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func TestParsePreservesKeyOrder(t *testing.T) {
	doc, err := Parse(`{"collection":"students","operation":"find","sort":{"gpa":-1,"name":1}}`)
	require.NoError(t, err)

	require.Len(t, doc, 3)
	assert.Equal(t, "collection", doc[0].Key)
	assert.Equal(t, "operation", doc[1].Key)

	sort, ok := doc.Get("sort")
	require.True(t, ok)
	assert.Equal(t, bson.D{{Key: "gpa", Value: int32(-1)}, {Key: "name", Value: int32(1)}}, sort)
}

func TestParseNumbers(t *testing.T) {
	doc := MustParse(`{"small":5,"big":5000000000,"frac":2.5,"exp":1e3,"neg":-7}`)

	v, _ := doc.Get("small")
	assert.Equal(t, int32(5), v)
	v, _ = doc.Get("big")
	assert.Equal(t, int64(5000000000), v)
	v, _ = doc.Get("frac")
	assert.Equal(t, 2.5, v)
	v, _ = doc.Get("exp")
	assert.Equal(t, 1000.0, v)
	v, _ = doc.Get("neg")
	assert.Equal(t, int32(-7), v)
}

func TestParseNestedValues(t *testing.T) {
	doc := MustParse(`{"documents":[{"name":"A","tags":["x",null,true]}]}`)

	v, ok := doc.Get("documents")
	require.True(t, ok)
	arr, ok := AsArray(v)
	require.True(t, ok)
	require.Len(t, arr, 1)

	first, ok := AsDocument(arr[0])
	require.True(t, ok)
	tags, _ := first.Get("tags")
	assert.Equal(t, bson.A{"x", nil, true}, tags)
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"empty", ""},
		{"whitespace", "   "},
		{"array", `[1,2]`},
		{"string", `"hello"`},
		{"unbalanced", `{"collection":"students","operation":"find"`},
		{"single quotes", `{'collection':'students'}`},
		{"bare key", `{collection:"students"}`},
		{"trailing comma", `{"a":1,}`},
		{"trailing content", `{"a":1} extra`},
		{"two objects", `{"a":1}{"b":2}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.text)
			require.Error(t, err)
			var pe *ParseError
			assert.ErrorAs(t, err, &pe)
		})
	}
}

func TestParseAcceptsSurroundingWhitespace(t *testing.T) {
	doc, err := Parse("\n  {\"a\": 1}\n\n")
	require.NoError(t, err)
	assert.Len(t, doc, 1)
}

func TestDocumentAccessors(t *testing.T) {
	doc := MustParse(`{"collection":"students","operation":" FIND ","limit":3}`)

	assert.Equal(t, KindFind, doc.Kind())
	assert.Equal(t, "students", doc.Collection())
	assert.True(t, doc.Has("limit"))
	assert.False(t, doc.Has("query"))

	_, ok := doc.String("limit")
	assert.False(t, ok, "non-string values report false")
}

func TestDocumentJSON(t *testing.T) {
	doc := MustParse(`{"collection":"students","operation":"count","query":{"gpa":{"$gt":3.5}}}`)
	assert.Equal(t, `{"collection":"students","operation":"count","query":{"gpa":{"$gt":3.5}}}`, doc.JSON())

	var nilDoc Document
	assert.Equal(t, "{}", nilDoc.JSON())
}

func TestAsDocument(t *testing.T) {
	_, ok := AsDocument(bson.M{"a": 1})
	assert.True(t, ok)
	_, ok = AsDocument(map[string]any{"a": 1})
	assert.True(t, ok)
	_, ok = AsDocument("a")
	assert.False(t, ok)
	_, ok = AsDocument(bson.A{})
	assert.False(t, ok)
}
