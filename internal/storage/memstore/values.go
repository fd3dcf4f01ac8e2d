package memstore

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// normalize converts a decoded value into the canonical in-memory form:
// documents are bson.D, arrays bson.A, integers int32 or int64.
func normalize(v any) any {
	switch val := v.(type) {
	case bson.D:
		out := make(bson.D, len(val))
		for i, e := range val {
			out[i] = bson.E{Key: e.Key, Value: normalize(e.Value)}
		}
		return out
	case bson.M:
		return normalizeMap(val)
	case map[string]any:
		return normalizeMap(val)
	case bson.A:
		out := make(bson.A, len(val))
		for i, x := range val {
			out[i] = normalize(x)
		}
		return out
	case []any:
		return normalize(bson.A(val))
	case []string:
		out := make(bson.A, len(val))
		for i, x := range val {
			out[i] = x
		}
		return out
	case int:
		if val >= math.MinInt32 && val <= math.MaxInt32 {
			return int32(val)
		}
		return int64(val)
	case int8:
		return int32(val)
	case int16:
		return int32(val)
	case uint8:
		return int32(val)
	case uint16:
		return int32(val)
	case uint32:
		return int64(val)
	case float32:
		return float64(val)
	case time.Time:
		return primitive.NewDateTimeFromTime(val)
	default:
		return v
	}
}

func normalizeMap(m map[string]any) bson.D {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make(bson.D, 0, len(m))
	for _, k := range keys {
		out = append(out, bson.E{Key: k, Value: normalize(m[k])})
	}
	return out
}

// cloneDoc deep-copies a document.
func cloneDoc(d bson.D) bson.D {
	if d == nil {
		return nil
	}
	return cloneValue(d).(bson.D)
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case bson.D:
		out := make(bson.D, len(val))
		for i, e := range val {
			out[i] = bson.E{Key: e.Key, Value: cloneValue(e.Value)}
		}
		return out
	case bson.A:
		out := make(bson.A, len(val))
		for i, x := range val {
			out[i] = cloneValue(x)
		}
		return out
	default:
		return v
	}
}

// getField returns the top-level value stored under key.
func getField(d bson.D, key string) (any, bool) {
	for _, e := range d {
		if e.Key == key {
			return e.Value, true
		}
	}
	return nil, false
}

// getPath resolves a dotted path without array expansion. Numeric segments
// index into arrays.
func getPath(d bson.D, path string) (any, bool) {
	var cur any = d
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case bson.D:
			v, ok := getField(node, seg)
			if !ok {
				return nil, false
			}
			cur = v
		case bson.A:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

// lookup resolves a dotted path the way query predicates see it: arrays met
// along the path are traversed element-wise, and a terminal array yields
// itself followed by its elements. present reports whether any branch
// reached the end of the path.
func lookup(v any, path []string) (values []any, present bool) {
	if len(path) == 0 {
		if arr, ok := v.(bson.A); ok {
			values = append(values, arr)
			values = append(values, arr...)
			return values, true
		}
		return []any{v}, true
	}

	switch node := v.(type) {
	case bson.D:
		child, ok := getField(node, path[0])
		if !ok {
			return nil, false
		}
		return lookup(child, path[1:])
	case bson.A:
		if i, err := strconv.Atoi(path[0]); err == nil {
			if i < 0 || i >= len(node) {
				return nil, false
			}
			return lookup(node[i], path[1:])
		}
		for _, elem := range node {
			if _, isDoc := elem.(bson.D); !isDoc {
				continue
			}
			vs, ok := lookup(elem, path)
			if ok {
				present = true
				values = append(values, vs...)
			}
		}
		return values, present
	default:
		return nil, false
	}
}

func splitPath(path string) []string {
	return strings.Split(path, ".")
}

// setPath assigns value at a dotted path, creating intermediate documents.
func setPath(d bson.D, path string, value any) (bson.D, error) {
	segs := splitPath(path)
	out, err := setIn(d, segs, value, path)
	if err != nil {
		return d, err
	}
	return out.(bson.D), nil
}

func setIn(node any, segs []string, value any, full string) (any, error) {
	switch n := node.(type) {
	case bson.D:
		for i, e := range n {
			if e.Key != segs[0] {
				continue
			}
			if len(segs) == 1 {
				n[i].Value = value
				return n, nil
			}
			child, err := setIn(e.Value, segs[1:], value, full)
			if err != nil {
				return n, err
			}
			n[i].Value = child
			return n, nil
		}
		if len(segs) == 1 {
			return append(n, bson.E{Key: segs[0], Value: value}), nil
		}
		child, err := setIn(bson.D{}, segs[1:], value, full)
		if err != nil {
			return n, err
		}
		return append(n, bson.E{Key: segs[0], Value: child}), nil
	case bson.A:
		i, err := strconv.Atoi(segs[0])
		if err != nil || i < 0 {
			return n, fmt.Errorf("cannot create field %q in array at %s", segs[0], full)
		}
		for len(n) <= i {
			n = append(n, nil)
		}
		if len(segs) == 1 {
			n[i] = value
			return n, nil
		}
		base := n[i]
		if base == nil {
			base = bson.D{}
		}
		child, err := setIn(base, segs[1:], value, full)
		if err != nil {
			return n, err
		}
		n[i] = child
		return n, nil
	default:
		return node, fmt.Errorf("cannot create field %q in element of type %T at %s", segs[0], node, full)
	}
}

// unsetPath removes the value at a dotted path. Missing paths are a no-op.
func unsetPath(d bson.D, path string) bson.D {
	return unsetIn(d, splitPath(path)).(bson.D)
}

func unsetIn(node any, segs []string) any {
	switch n := node.(type) {
	case bson.D:
		for i, e := range n {
			if e.Key != segs[0] {
				continue
			}
			if len(segs) == 1 {
				return append(n[:i:i], n[i+1:]...)
			}
			n[i].Value = unsetIn(e.Value, segs[1:])
			return n
		}
		return n
	case bson.A:
		i, err := strconv.Atoi(segs[0])
		if err != nil || i < 0 || i >= len(n) {
			return n
		}
		if len(segs) == 1 {
			n[i] = nil
			return n
		}
		n[i] = unsetIn(n[i], segs[1:])
		return n
	default:
		return node
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	default:
		return 0, false
	}
}

func isNumeric(v any) bool {
	_, ok := toFloat(v)
	return ok
}

// typeRank orders values of different types the way MongoDB sorts them.
func typeRank(v any) int {
	switch v.(type) {
	case nil, primitive.Null, primitive.Undefined:
		return 1
	case int32, int64, int, float64, float32:
		return 2
	case string, primitive.Symbol:
		return 3
	case bson.D, bson.M:
		return 4
	case bson.A:
		return 5
	case primitive.Binary:
		return 6
	case primitive.ObjectID:
		return 7
	case bool:
		return 8
	case primitive.DateTime, time.Time:
		return 9
	case primitive.Timestamp:
		return 10
	case primitive.Regex:
		return 11
	default:
		return 12
	}
}

// compareValues orders any two values, first by type rank, then by value.
func compareValues(a, b any) int {
	ra, rb := typeRank(a), typeRank(b)
	if ra != rb {
		return cmpInt(ra, rb)
	}

	switch av := a.(type) {
	case string:
		if bv, ok := b.(string); ok {
			return strings.Compare(av, bv)
		}
	case bool:
		if bv, ok := b.(bool); ok {
			switch {
			case av == bv:
				return 0
			case !av:
				return -1
			default:
				return 1
			}
		}
	case primitive.ObjectID:
		if bv, ok := b.(primitive.ObjectID); ok {
			return strings.Compare(av.Hex(), bv.Hex())
		}
	case primitive.DateTime:
		if bv, ok := b.(primitive.DateTime); ok {
			return cmpInt64(int64(av), int64(bv))
		}
	case bson.D:
		if bv, ok := b.(bson.D); ok {
			return compareDocs(av, bv)
		}
	case bson.A:
		if bv, ok := b.(bson.A); ok {
			for i := 0; i < len(av) && i < len(bv); i++ {
				if c := compareValues(av[i], bv[i]); c != 0 {
					return c
				}
			}
			return cmpInt(len(av), len(bv))
		}
	}

	if fa, ok := toFloat(a); ok {
		fb, _ := toFloat(b)
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		default:
			return 0
		}
	}
	if ra == 1 {
		return 0
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func compareDocs(a, b bson.D) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if c := strings.Compare(a[i].Key, b[i].Key); c != 0 {
			return c
		}
		if c := compareValues(a[i].Value, b[i].Value); c != 0 {
			return c
		}
	}
	return cmpInt(len(a), len(b))
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// valuesEqual is MongoDB equality: numbers compare by value regardless of
// width, documents compare in key order.
func valuesEqual(a, b any) bool {
	if typeRank(a) != typeRank(b) {
		return false
	}
	return compareValues(a, b) == 0
}

// sameDoc reports whether two documents are identical, for change detection.
func sameDoc(a, b bson.D) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Key != b[i].Key || !sameValue(a[i].Value, b[i].Value) {
			return false
		}
	}
	return true
}

func sameValue(a, b any) bool {
	switch av := a.(type) {
	case bson.D:
		bv, ok := b.(bson.D)
		return ok && sameDoc(av, bv)
	case bson.A:
		bv, ok := b.(bson.A)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !sameValue(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		if fmt.Sprintf("%T", a) != fmt.Sprintf("%T", b) {
			return false
		}
		return valuesEqual(a, b)
	}
}
