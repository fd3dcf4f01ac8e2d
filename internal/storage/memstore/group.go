package memstore

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
)

type accumulator struct {
	field string
	op    string
	expr  any
}

type group struct {
	key    any
	values [][]any // per accumulator, the evaluated inputs in order
}

func parseAccumulators(spec bson.D) (any, []accumulator, error) {
	idExpr, ok := getField(spec, "_id")
	if !ok {
		return nil, nil, errors.New("a group specification must include an _id")
	}
	var accs []accumulator
	for _, e := range spec {
		if e.Key == "_id" {
			continue
		}
		if strings.Contains(e.Key, ".") {
			return nil, nil, fmt.Errorf("the group aggregate field name '%s' cannot be used because $group's field names cannot contain '.'", e.Key)
		}
		d, ok := e.Value.(bson.D)
		if !ok || len(d) != 1 {
			return nil, nil, fmt.Errorf("the field '%s' must be an accumulator object", e.Key)
		}
		switch d[0].Key {
		case "$sum", "$avg", "$min", "$max", "$first", "$last", "$push", "$addToSet", "$count":
		default:
			return nil, nil, fmt.Errorf("unknown group operator '%s'", d[0].Key)
		}
		accs = append(accs, accumulator{field: e.Key, op: d[0].Key, expr: d[0].Value})
	}
	return idExpr, accs, nil
}

// groupStage implements $group. Groups are emitted in order of first
// appearance.
func groupStage(hits []hit, spec bson.D) ([]hit, error) {
	idExpr, accs, err := parseAccumulators(spec)
	if err != nil {
		return nil, err
	}

	var groups []*group
	for _, h := range hits {
		key, err := evalExpr(h, idExpr)
		if err != nil {
			return nil, err
		}
		var g *group
		for _, existing := range groups {
			if valuesEqual(existing.key, key) {
				g = existing
				break
			}
		}
		if g == nil {
			g = &group{key: key, values: make([][]any, len(accs))}
			groups = append(groups, g)
		}
		for i, acc := range accs {
			var v any
			if acc.op == "$count" {
				v = int32(1)
			} else if v, err = evalExpr(h, acc.expr); err != nil {
				return nil, err
			}
			g.values[i] = append(g.values[i], v)
		}
	}

	out := make([]hit, 0, len(groups))
	for _, g := range groups {
		doc := bson.D{{Key: "_id", Value: g.key}}
		for i, acc := range accs {
			doc = append(doc, bson.E{Key: acc.field, Value: accumulate(acc.op, g.values[i])})
		}
		out = append(out, hit{doc: doc})
	}
	return out, nil
}

func accumulate(op string, values []any) any {
	switch op {
	case "$sum", "$count":
		return sumValues(values)
	case "$avg":
		var total float64
		n := 0
		for _, v := range values {
			if f, ok := toFloat(v); ok {
				total += f
				n++
			}
		}
		if n == 0 {
			return nil
		}
		return total / float64(n)
	case "$min", "$max":
		var best any
		for _, v := range values {
			if v == nil {
				continue
			}
			if best == nil {
				best = v
				continue
			}
			c := compareValues(v, best)
			if (op == "$min" && c < 0) || (op == "$max" && c > 0) {
				best = v
			}
		}
		return best
	case "$first":
		if len(values) == 0 {
			return nil
		}
		return values[0]
	case "$last":
		if len(values) == 0 {
			return nil
		}
		return values[len(values)-1]
	case "$push":
		out := bson.A{}
		for _, v := range values {
			if v != nil {
				out = append(out, v)
			}
		}
		return out
	case "$addToSet":
		out := bson.A{}
		for _, v := range values {
			if v != nil && !containsValue(out, v) {
				out = append(out, v)
			}
		}
		return out
	}
	return nil
}

// sumValues adds the numeric values, ignoring everything else. The result
// is int32 while it fits, then int64, and float64 once a double is seen.
func sumValues(values []any) any {
	var ints int64
	var floats float64
	sawFloat := false
	for _, v := range values {
		if i, ok := intValue(v); ok {
			ints += i
			continue
		}
		if f, ok := toFloat(v); ok {
			floats += f
			sawFloat = true
		}
	}
	if sawFloat {
		return floats + float64(ints)
	}
	if ints >= math.MinInt32 && ints <= math.MaxInt32 {
		return int32(ints)
	}
	return ints
}
