package memstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyUpdate(t *testing.T) {
	tests := []struct {
		name   string
		doc    string
		update string
		want   string
	}{
		{"set", `{"_id": 1, "a": 1}`, `{"$set": {"a": 2, "b": "x"}}`, `{"_id": 1, "a": 2, "b": "x"}`},
		{"set nested creates parents", `{"_id": 1}`, `{"$set": {"a.b.c": true}}`, `{"_id": 1, "a": {"b": {"c": true}}}`},
		{"unset", `{"_id": 1, "salary": 5, "name": "K"}`, `{"$unset": {"salary": ""}}`, `{"_id": 1, "name": "K"}`},
		{"unset missing", `{"_id": 1}`, `{"$unset": {"x": ""}}`, `{"_id": 1}`},
		{"inc int", `{"_id": 1, "n": 1}`, `{"$inc": {"n": 2}}`, `{"_id": 1, "n": 3}`},
		{"inc float", `{"_id": 1, "n": 1}`, `{"$inc": {"n": 0.5}}`, `{"_id": 1, "n": 1.5}`},
		{"inc missing", `{"_id": 1}`, `{"$inc": {"n": 5}}`, `{"_id": 1, "n": 5}`},
		{"mul", `{"_id": 1, "n": 3}`, `{"$mul": {"n": 2}}`, `{"_id": 1, "n": 6}`},
		{"min lowers", `{"_id": 1, "n": 5}`, `{"$min": {"n": 3}}`, `{"_id": 1, "n": 3}`},
		{"min keeps", `{"_id": 1, "n": 5}`, `{"$min": {"n": 7}}`, `{"_id": 1, "n": 5}`},
		{"max raises", `{"_id": 1, "n": 5}`, `{"$max": {"n": 7}}`, `{"_id": 1, "n": 7}`},
		{"push", `{"_id": 1, "t": ["a"]}`, `{"$push": {"t": "b"}}`, `{"_id": 1, "t": ["a", "b"]}`},
		{"push each", `{"_id": 1}`, `{"$push": {"t": {"$each": ["a", "b"]}}}`, `{"_id": 1, "t": ["a", "b"]}`},
		{"addToSet", `{"_id": 1, "t": ["a"]}`, `{"$addToSet": {"t": {"$each": ["a", "c"]}}}`, `{"_id": 1, "t": ["a", "c"]}`},
		{"pull value", `{"_id": 1, "t": ["a", "b", "a"]}`, `{"$pull": {"t": "a"}}`, `{"_id": 1, "t": ["b"]}`},
		{"pull condition", `{"_id": 1, "n": [1, 5, 9]}`, `{"$pull": {"n": {"$gte": 5}}}`, `{"_id": 1, "n": [1]}`},
		{"pull documents", `{"_id": 1, "c": [{"k": 1}, {"k": 2}]}`, `{"$pull": {"c": {"k": 2}}}`, `{"_id": 1, "c": [{"k": 1}]}`},
		{"pop last", `{"_id": 1, "t": [1, 2, 3]}`, `{"$pop": {"t": 1}}`, `{"_id": 1, "t": [1, 2]}`},
		{"pop first", `{"_id": 1, "t": [1, 2, 3]}`, `{"$pop": {"t": -1}}`, `{"_id": 1, "t": [2, 3]}`},
		{"rename", `{"_id": 1, "a": 1, "b": 2}`, `{"$rename": {"a": "z"}}`, `{"_id": 1, "b": 2, "z": 1}`},
		{"several operators", `{"_id": 1, "a": 1}`, `{"$set": {"b": 1}, "$inc": {"a": 1}}`, `{"_id": 1, "a": 2, "b": 1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := doc(t, tt.doc)
			got, err := applyUpdate(before, doc(t, tt.update))
			require.NoError(t, err)
			assert.Equal(t, doc(t, tt.want), got)
			assert.Equal(t, doc(t, tt.doc), before, "input is not modified")
		})
	}
}

func TestApplyUpdate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		doc    string
		update string
		want   string
	}{
		{"replacement style", `{"_id": 1}`, `{"a": 1}`, "atomic operators"},
		{"empty", `{"_id": 1}`, `{}`, "at least one element"},
		{"unknown modifier", `{"_id": 1}`, `{"$frob": {"a": 1}}`, "unknown modifier"},
		{"inc non-numeric field", `{"_id": 1, "a": "x"}`, `{"$inc": {"a": 1}}`, "non-numeric"},
		{"inc non-numeric arg", `{"_id": 1, "a": 1}`, `{"$inc": {"a": "x"}}`, "non-numeric argument"},
		{"push to scalar", `{"_id": 1, "a": 1}`, `{"$push": {"a": 2}}`, "must be an array"},
		{"modify id", `{"_id": 1}`, `{"$set": {"_id": 2}}`, "immutable field '_id'"},
		{"unset id", `{"_id": 1}`, `{"$unset": {"_id": ""}}`, "immutable field '_id'"},
		{"rename to self", `{"_id": 1, "a": 1}`, `{"$rename": {"a": "a"}}`, "must differ"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := applyUpdate(doc(t, tt.doc), doc(t, tt.update))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestCheckUpdate(t *testing.T) {
	tests := []struct {
		name   string
		update string
		want   string
	}{
		{"unknown modifier", `{"$bogus": {"x": 1}}`, "unknown modifier: $bogus"},
		{"unknown after known", `{"$set": {"a": 1}, "$frob": {"b": 1}}`, "unknown modifier: $frob"},
		{"modifier not document", `{"$set": 1}`, "modifiers operate on fields"},
		{"pull condition", `{"$pull": {"tags": {"$bogus": 1}}}`, "unknown operator"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkUpdate(doc(t, tt.update))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	require.NoError(t, checkUpdate(doc(t, `{"$set": {"a": 1}, "$unset": {"b": ""}, "$pull": {"tags": {"$in": ["x"]}}}`)))
}

func TestReplaceDoc(t *testing.T) {
	got, err := replaceDoc(doc(t, `{"_id": 7, "a": 1}`), doc(t, `{"b": 2}`))
	require.NoError(t, err)
	assert.Equal(t, doc(t, `{"_id": 7, "b": 2}`), got)

	_, err = replaceDoc(doc(t, `{"_id": 7}`), doc(t, `{"$set": {"b": 2}}`))
	assert.Error(t, err)

	_, err = replaceDoc(doc(t, `{"_id": 7}`), doc(t, `{"_id": 8}`))
	assert.Error(t, err)
}
