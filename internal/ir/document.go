package ir

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"go.mongodb.org/mongo-driver/bson"
)

// Document is an operation request in its ordered wire form.
type Document bson.D

// Field names shared by every operation kind.
const (
	FieldCollection        = "collection"
	FieldOperation         = "operation"
	FieldAdvancedOperation = "advanced_operation"
)

// ParseError reports text that is not a single JSON object.
type ParseError struct {
	Offset  int
	Message string
}

func (e *ParseError) Error() string {
	if e.Offset >= 0 {
		return fmt.Sprintf("invalid JSON at offset %d: %s", e.Offset, e.Message)
	}
	return "invalid JSON: " + e.Message
}

// Parse strictly decodes text into a Document.
// The text must hold exactly one JSON object; trailing content, single quotes,
// unquoted keys and trailing commas are rejected.
//
// Integers that fit in 32 bits decode as int32, larger ones as int64, and
// everything else as float64, matching relaxed extended JSON.
func Parse(text string) (Document, error) {
	iter := jsoniter.ParseString(jsoniter.ConfigCompatibleWithStandardLibrary, text)

	if iter.WhatIsNext() != jsoniter.ObjectValue {
		if iter.Error != nil && iter.Error != io.EOF {
			return nil, &ParseError{Offset: -1, Message: iter.Error.Error()}
		}
		return nil, &ParseError{Offset: -1, Message: "expected a JSON object"}
	}

	v := readValue(iter)
	if iter.Error != nil {
		return nil, &ParseError{Offset: -1, Message: iter.Error.Error()}
	}

	// Anything other than whitespace after the object is an error. WhatIsNext
	// sets io.EOF only when the input is exhausted.
	iter.WhatIsNext()
	if iter.Error != io.EOF {
		return nil, &ParseError{Offset: -1, Message: "unexpected content after JSON object"}
	}

	d, _ := v.(bson.D)
	return Document(d), nil
}

// MustParse is like Parse but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustParse(text string) Document {
	doc, err := Parse(text)
	if err != nil {
		panic(err)
	}
	return doc
}

func readValue(iter *jsoniter.Iterator) any {
	switch iter.WhatIsNext() {
	case jsoniter.ObjectValue:
		d := bson.D{}
		iter.ReadObjectCB(func(it *jsoniter.Iterator, key string) bool {
			d = append(d, bson.E{Key: key, Value: readValue(it)})
			return it.Error == nil
		})
		return d
	case jsoniter.ArrayValue:
		a := bson.A{}
		iter.ReadArrayCB(func(it *jsoniter.Iterator) bool {
			a = append(a, readValue(it))
			return it.Error == nil
		})
		return a
	case jsoniter.StringValue:
		return iter.ReadString()
	case jsoniter.NumberValue:
		return parseNumber(iter, iter.ReadNumber())
	case jsoniter.BoolValue:
		return iter.ReadBool()
	case jsoniter.NilValue:
		iter.ReadNil()
		return nil
	default:
		if iter.Error == nil || iter.Error == io.EOF {
			iter.Error = nil
			iter.ReportError("readValue", "unexpected character")
		}
		return nil
	}
}

func parseNumber(iter *jsoniter.Iterator, n json.Number) any {
	s := string(n)
	if !strings.ContainsAny(s, ".eE") {
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			if i >= math.MinInt32 && i <= math.MaxInt32 {
				return int32(i)
			}
			return i
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		iter.ReportError("parseNumber", "invalid number "+s)
		return nil
	}
	return f
}

// Get returns the value stored under key and whether the key is present.
func (d Document) Get(key string) (any, bool) {
	for _, e := range d {
		if e.Key == key {
			return e.Value, true
		}
	}
	return nil, false
}

// Has reports whether key is present, regardless of its value.
func (d Document) Has(key string) bool {
	_, ok := d.Get(key)
	return ok
}

// String returns the string stored under key. Non-string values report false.
func (d Document) String(key string) (string, bool) {
	v, ok := d.Get(key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Kind returns the operation kind, lower-cased and trimmed.
func (d Document) Kind() Kind {
	s, _ := d.String(FieldOperation)
	return Kind(strings.ToLower(strings.TrimSpace(s)))
}

// Collection returns the target collection name, or "" when absent.
func (d Document) Collection() string {
	s, _ := d.String(FieldCollection)
	return s
}

// JSON renders the document as relaxed extended JSON, preserving key order.
func (d Document) JSON() string {
	if d == nil {
		return "{}"
	}
	b, err := bson.MarshalExtJSON(bson.D(d), false, false)
	if err != nil {
		return fmt.Sprintf("%v", bson.D(d))
	}
	return string(b)
}

// IndentedJSON renders the document as indented relaxed extended JSON.
func (d Document) IndentedJSON() string {
	if d == nil {
		return "{}"
	}
	b, err := bson.MarshalExtJSONIndent(bson.D(d), false, false, "", "  ")
	if err != nil {
		return d.JSON()
	}
	return string(b)
}

// AsDocument converts a decoded value to a Document when it is object-shaped.
func AsDocument(v any) (Document, bool) {
	switch val := v.(type) {
	case Document:
		return val, true
	case bson.D:
		return Document(val), true
	case bson.M:
		d := make(Document, 0, len(val))
		for k, x := range val {
			d = append(d, bson.E{Key: k, Value: x})
		}
		return d, true
	case map[string]any:
		return AsDocument(bson.M(val))
	default:
		return nil, false
	}
}

// AsArray converts a decoded value to a bson.A when it is array-shaped.
func AsArray(v any) (bson.A, bool) {
	switch val := v.(type) {
	case bson.A:
		return val, true
	case []any:
		return bson.A(val), true
	default:
		return nil, false
	}
}
