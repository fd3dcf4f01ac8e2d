package memstore

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/spf13/cast"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

var modifiers = map[string]bool{
	"$set": true, "$unset": true, "$setOnInsert": true, "$inc": true,
	"$mul": true, "$min": true, "$max": true, "$currentDate": true,
	"$rename": true, "$push": true, "$addToSet": true, "$pull": true,
	"$pop": true,
}

// checkUpdate rejects update documents that are not made of known update
// operators. It runs before any document is matched.
func checkUpdate(update bson.D) error {
	if len(update) == 0 {
		return errors.New("update document must have at least one element")
	}
	for _, e := range update {
		if !strings.HasPrefix(e.Key, "$") {
			return errors.New("update document requires atomic operators")
		}
		if !modifiers[e.Key] {
			return unknownModifier(e.Key)
		}
		fields, ok := e.Value.(bson.D)
		if !ok {
			return fmt.Errorf("modifiers operate on fields but we found type %T instead for %s", e.Value, e.Key)
		}
		if e.Key == "$pull" {
			for _, f := range fields {
				if err := checkPullCondition(f.Value); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func unknownModifier(op string) error {
	return fmt.Errorf("unknown modifier: %s. Expected a valid update modifier or pipeline-style update specified as an array", op)
}

// applyUpdate returns a copy of doc with update applied. doc is not
// modified.
func applyUpdate(doc bson.D, update bson.D) (bson.D, error) {
	if err := checkUpdate(update); err != nil {
		return nil, err
	}
	out := cloneDoc(doc)
	id, hasID := getField(doc, "_id")

	for _, op := range update {
		fields := op.Value.(bson.D)
		for _, f := range fields {
			var err error
			out, err = applyModifier(out, op.Key, f.Key, normalize(f.Value))
			if err != nil {
				return nil, err
			}
		}
	}

	newID, stillHasID := getField(out, "_id")
	if hasID != stillHasID || (hasID && !sameValue(id, newID)) {
		return nil, errors.New("performing an update on the path '_id' would modify the immutable field '_id'")
	}
	return out, nil
}

func applyModifier(doc bson.D, op, path string, arg any) (bson.D, error) {
	current, exists := getPath(doc, path)

	switch op {
	case "$set":
		return setPath(doc, path, arg)

	case "$unset":
		return unsetPath(doc, path), nil

	case "$setOnInsert":
		return doc, nil

	case "$inc", "$mul":
		if !isNumeric(arg) {
			return nil, fmt.Errorf("cannot %s with non-numeric argument: {%s: %v}", strings.TrimPrefix(op, "$"), path, arg)
		}
		if !exists {
			if op == "$mul" {
				arg = zeroLike(arg)
			}
			return setPath(doc, path, arg)
		}
		if !isNumeric(current) {
			return nil, fmt.Errorf("cannot apply %s to a value of non-numeric type. {_id: %v} has the field '%s' of non-numeric type %s", op, idOf(doc), path, typeName(current))
		}
		var result any
		if op == "$inc" {
			result = arith(current, arg, func(a, b int64) int64 { return a + b }, func(a, b float64) float64 { return a + b })
		} else {
			result = arith(current, arg, func(a, b int64) int64 { return a * b }, func(a, b float64) float64 { return a * b })
		}
		return setPath(doc, path, result)

	case "$min", "$max":
		if exists {
			c := compareValues(arg, current)
			if (op == "$min" && c >= 0) || (op == "$max" && c <= 0) {
				return doc, nil
			}
		}
		return setPath(doc, path, arg)

	case "$currentDate":
		return setPath(doc, path, primitive.NewDateTimeFromTime(time.Now()))

	case "$rename":
		target, ok := arg.(string)
		if !ok || target == "" {
			return nil, fmt.Errorf("the 'to' field for $rename must be a string: %s: %v", path, arg)
		}
		if target == path {
			return nil, errors.New("the source and target field for $rename must differ")
		}
		if !exists {
			return doc, nil
		}
		doc = unsetPath(doc, path)
		return setPath(doc, target, current)

	case "$push", "$addToSet":
		arr, err := arrayAt(doc, path, current, exists)
		if err != nil {
			return nil, err
		}
		items := bson.A{arg}
		if each, ok := eachOf(arg); ok {
			items = each
		}
		arr = append(bson.A(nil), arr...)
		for _, item := range items {
			if op == "$addToSet" && containsValue(arr, item) {
				continue
			}
			arr = append(arr, item)
		}
		return setPath(doc, path, arr)

	case "$pull":
		if !exists {
			return doc, nil
		}
		arr, err := arrayAt(doc, path, current, exists)
		if err != nil {
			return nil, err
		}
		kept := bson.A{}
		for _, elem := range arr {
			match, err := pullMatches(elem, arg)
			if err != nil {
				return nil, err
			}
			if !match {
				kept = append(kept, elem)
			}
		}
		return setPath(doc, path, kept)

	case "$pop":
		if !exists {
			return doc, nil
		}
		arr, err := arrayAt(doc, path, current, exists)
		if err != nil {
			return nil, err
		}
		if len(arr) == 0 {
			return doc, nil
		}
		n, err := cast.ToIntE(arg)
		if err != nil || (n != 1 && n != -1) {
			return nil, errors.New("$pop expects 1 or -1")
		}
		if n == 1 {
			arr = append(bson.A(nil), arr[:len(arr)-1]...)
		} else {
			arr = append(bson.A(nil), arr[1:]...)
		}
		return setPath(doc, path, arr)

	default:
		return nil, unknownModifier(op)
	}
}

func arrayAt(doc bson.D, path string, current any, exists bool) (bson.A, error) {
	if !exists {
		return bson.A{}, nil
	}
	arr, ok := current.(bson.A)
	if !ok {
		return nil, fmt.Errorf("the field '%s' must be an array but is of type %s in document {_id: %v}", path, typeName(current), idOf(doc))
	}
	return arr, nil
}

func eachOf(arg any) (bson.A, bool) {
	d, ok := arg.(bson.D)
	if !ok || len(d) == 0 || d[0].Key != "$each" {
		return nil, false
	}
	arr, ok := d[0].Value.(bson.A)
	return arr, ok
}

func containsValue(arr bson.A, v any) bool {
	for _, x := range arr {
		if valuesEqual(x, v) {
			return true
		}
	}
	return false
}

// pullMatches decides whether $pull removes elem. A condition made of
// operators applies to the element itself; a plain document is a query
// against document elements.
func pullMatches(elem, cond any) (bool, error) {
	if ops, ok := operatorDoc(cond); ok {
		return matchOperators([]any{elem}, true, ops)
	}
	if filter, ok := cond.(bson.D); ok {
		if d, ok := elem.(bson.D); ok {
			return matchDoc(d, filter)
		}
		return false, nil
	}
	return valuesEqual(elem, cond), nil
}

func checkPullCondition(cond any) error {
	if ops, ok := operatorDoc(cond); ok {
		return checkOperators(ops)
	}
	if filter, ok := cond.(bson.D); ok {
		return checkFilter(filter)
	}
	return nil
}

// arith combines two numbers keeping the narrowest result type: int32 when
// both are int32 and the result fits, int64 for integers, float64 otherwise.
func arith(a, b any, ints func(int64, int64) int64, floats func(float64, float64) float64) any {
	ai, aInt := intValue(a)
	bi, bInt := intValue(b)
	if aInt && bInt {
		r := ints(ai, bi)
		_, a32 := a.(int32)
		_, b32 := b.(int32)
		if a32 && b32 && r >= math.MinInt32 && r <= math.MaxInt32 {
			return int32(r)
		}
		return r
	}
	af, _ := toFloat(a)
	bf, _ := toFloat(b)
	return floats(af, bf)
}

func intValue(v any) (int64, bool) {
	switch n := v.(type) {
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	}
	return 0, false
}

func zeroLike(v any) any {
	switch v.(type) {
	case int32:
		return int32(0)
	case int64:
		return int64(0)
	default:
		return 0.0
	}
}

func idOf(doc bson.D) any {
	id, _ := getField(doc, "_id")
	return id
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "bool"
	case int32:
		return "int"
	case int64:
		return "long"
	case float64:
		return "double"
	case bson.D:
		return "object"
	case bson.A:
		return "array"
	case primitive.ObjectID:
		return "objectId"
	case primitive.DateTime:
		return "date"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// replaceDoc builds the replacement for doc, keeping its _id.
func replaceDoc(doc, replacement bson.D) (bson.D, error) {
	for _, e := range replacement {
		if strings.HasPrefix(e.Key, "$") {
			return nil, errors.New("replacement document must not contain atomic operators")
		}
	}
	id, hasID := getField(doc, "_id")
	out := bson.D{}
	if hasID {
		out = append(out, bson.E{Key: "_id", Value: id})
	}
	for _, e := range replacement {
		if e.Key == "_id" {
			if hasID && !valuesEqual(e.Value, id) {
				return nil, errors.New("the _id field cannot be changed")
			}
			continue
		}
		out = append(out, bson.E{Key: e.Key, Value: normalize(cloneValue(e.Value))})
	}
	return out, nil
}
