package memstore

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/spf13/cast"
	"go.mongodb.org/mongo-driver/bson"
)

// evalExpr evaluates an aggregation expression against h.
//
// "$a.b" reads a field, "$$ROOT" is the whole document, {"$op": args} is an
// operator, other documents and arrays are evaluated member-wise and
// everything else is a literal.
func evalExpr(h hit, expr any) (any, error) {
	switch e := expr.(type) {
	case string:
		if e == "$$ROOT" || e == "$$CURRENT" {
			return h.doc, nil
		}
		if strings.HasPrefix(e, "$$") {
			return nil, fmt.Errorf("use of undefined variable: %s", strings.TrimPrefix(e, "$$"))
		}
		if strings.HasPrefix(e, "$") {
			return fieldValue(h.doc, splitPath(e[1:])), nil
		}
		return e, nil
	case bson.D:
		if len(e) == 1 && strings.HasPrefix(e[0].Key, "$") {
			return evalOperator(h, e[0].Key, e[0].Value)
		}
		out := make(bson.D, 0, len(e))
		for _, f := range e {
			if strings.HasPrefix(f.Key, "$") {
				return nil, fmt.Errorf("an expression specification must contain exactly one field, the name of the expression: %s", f.Key)
			}
			v, err := evalExpr(h, f.Value)
			if err != nil {
				return nil, err
			}
			out = append(out, bson.E{Key: f.Key, Value: v})
		}
		return out, nil
	case bson.A:
		out := make(bson.A, len(e))
		for i, x := range e {
			v, err := evalExpr(h, x)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	default:
		return expr, nil
	}
}

// fieldValue reads a field path the way expressions do: arrays of
// documents met along the way map to arrays of the nested values.
func fieldValue(v any, path []string) any {
	if len(path) == 0 {
		return v
	}
	switch node := v.(type) {
	case bson.D:
		child, ok := getField(node, path[0])
		if !ok {
			return nil
		}
		return fieldValue(child, path[1:])
	case bson.A:
		out := bson.A{}
		for _, elem := range node {
			if _, ok := elem.(bson.D); !ok {
				continue
			}
			if x := fieldValue(elem, path); x != nil {
				out = append(out, x)
			}
		}
		return out
	default:
		return nil
	}
}

func evalArgs(h hit, op string, args any) ([]any, error) {
	list, ok := args.(bson.A)
	if !ok {
		list = bson.A{args}
	}
	out := make([]any, len(list))
	for i, a := range list {
		v, err := evalExpr(h, a)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out[i] = v
	}
	return out, nil
}

func wantArgs(op string, args []any, n int) error {
	if len(args) != n {
		return fmt.Errorf("expression %s takes exactly %d arguments. %d were passed in", op, n, len(args))
	}
	return nil
}

func truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	default:
		if f, ok := toFloat(v); ok {
			return f != 0
		}
		return true
	}
}

func evalOperator(h hit, op string, rawArgs any) (any, error) {
	switch op {
	case "$literal":
		return rawArgs, nil
	case "$meta":
		if rawArgs != "textScore" {
			return nil, fmt.Errorf("unsupported $meta argument: %v", rawArgs)
		}
		return h.score, nil
	case "$cond":
		if d, ok := rawArgs.(bson.D); ok {
			rawArgs = bson.A{valueOr(d, "if", nil), valueOr(d, "then", nil), valueOr(d, "else", nil)}
		}
	}

	args, err := evalArgs(h, op, rawArgs)
	if err != nil {
		return nil, err
	}

	switch op {
	case "$add", "$multiply":
		var acc any = int32(0)
		if op == "$multiply" {
			acc = int32(1)
		}
		for _, a := range args {
			if a == nil {
				return nil, nil
			}
			if !isNumeric(a) {
				return nil, fmt.Errorf("%s only supports numeric types, not %s", op, typeName(a))
			}
			if op == "$add" {
				acc = arith(acc, a, func(x, y int64) int64 { return x + y }, func(x, y float64) float64 { return x + y })
			} else {
				acc = arith(acc, a, func(x, y int64) int64 { return x * y }, func(x, y float64) float64 { return x * y })
			}
		}
		return acc, nil

	case "$subtract", "$divide", "$mod":
		if err := wantArgs(op, args, 2); err != nil {
			return nil, err
		}
		if args[0] == nil || args[1] == nil {
			return nil, nil
		}
		if !isNumeric(args[0]) || !isNumeric(args[1]) {
			return nil, fmt.Errorf("%s only supports numeric types", op)
		}
		switch op {
		case "$subtract":
			return arith(args[0], args[1], func(x, y int64) int64 { return x - y }, func(x, y float64) float64 { return x - y }), nil
		case "$divide":
			b, _ := toFloat(args[1])
			if b == 0 {
				return nil, errors.New("can't $divide by zero")
			}
			a, _ := toFloat(args[0])
			return a / b, nil
		default:
			b, _ := toFloat(args[1])
			if b == 0 {
				return nil, errors.New("can't $mod by zero")
			}
			a, _ := toFloat(args[0])
			if ai, ok := intValue(args[0]); ok {
				if bi, ok := intValue(args[1]); ok {
					return normalize(int(ai % bi)), nil
				}
			}
			return math.Mod(a, b), nil
		}

	case "$abs":
		if err := wantArgs(op, args, 1); err != nil {
			return nil, err
		}
		if args[0] == nil {
			return nil, nil
		}
		if i, ok := intValue(args[0]); ok {
			if i < 0 {
				i = -i
			}
			return normalize(int(i)), nil
		}
		f, ok := toFloat(args[0])
		if !ok {
			return nil, errors.New("$abs only supports numeric types")
		}
		return math.Abs(f), nil

	case "$round":
		if len(args) == 0 || len(args) > 2 {
			return nil, errors.New("$round takes one or two arguments")
		}
		f, ok := toFloat(args[0])
		if !ok {
			return nil, nil
		}
		places := 0
		if len(args) == 2 {
			places = cast.ToInt(args[1])
		}
		scale := math.Pow(10, float64(places))
		return math.RoundToEven(f*scale) / scale, nil

	case "$concat":
		var b strings.Builder
		for _, a := range args {
			if a == nil {
				return nil, nil
			}
			s, ok := a.(string)
			if !ok {
				return nil, fmt.Errorf("$concat only supports strings, not %s", typeName(a))
			}
			b.WriteString(s)
		}
		return b.String(), nil

	case "$toUpper", "$toLower":
		if err := wantArgs(op, args, 1); err != nil {
			return nil, err
		}
		if args[0] == nil {
			return "", nil
		}
		s := cast.ToString(args[0])
		if op == "$toUpper" {
			return strings.ToUpper(s), nil
		}
		return strings.ToLower(s), nil

	case "$toString":
		if err := wantArgs(op, args, 1); err != nil {
			return nil, err
		}
		if args[0] == nil {
			return nil, nil
		}
		return cast.ToStringE(args[0])

	case "$ifNull":
		if len(args) < 2 {
			return nil, errors.New("$ifNull needs at least two arguments")
		}
		for _, a := range args[:len(args)-1] {
			if a != nil {
				return a, nil
			}
		}
		return args[len(args)-1], nil

	case "$size":
		if err := wantArgs(op, args, 1); err != nil {
			return nil, err
		}
		arr, ok := args[0].(bson.A)
		if !ok {
			return nil, fmt.Errorf("the argument to $size must be an array. Type of argument: %s", typeName(args[0]))
		}
		return int32(len(arr)), nil

	case "$arrayElemAt":
		if err := wantArgs(op, args, 2); err != nil {
			return nil, err
		}
		arr, ok := args[0].(bson.A)
		if !ok {
			return nil, nil
		}
		i := cast.ToInt(args[1])
		if i < 0 {
			i += len(arr)
		}
		if i < 0 || i >= len(arr) {
			return nil, nil
		}
		return arr[i], nil

	case "$in":
		if err := wantArgs(op, args, 2); err != nil {
			return nil, err
		}
		arr, ok := args[1].(bson.A)
		if !ok {
			return nil, errors.New("$in requires an array as a second argument")
		}
		return containsValue(arr, args[0]), nil

	case "$cond":
		if err := wantArgs(op, args, 3); err != nil {
			return nil, err
		}
		if truthy(args[0]) {
			return args[1], nil
		}
		return args[2], nil

	case "$and":
		for _, a := range args {
			if !truthy(a) {
				return false, nil
			}
		}
		return true, nil

	case "$or":
		for _, a := range args {
			if truthy(a) {
				return true, nil
			}
		}
		return false, nil

	case "$not":
		if err := wantArgs(op, args, 1); err != nil {
			return nil, err
		}
		return !truthy(args[0]), nil

	case "$eq", "$ne", "$gt", "$gte", "$lt", "$lte", "$cmp":
		if err := wantArgs(op, args, 2); err != nil {
			return nil, err
		}
		c := compareValues(args[0], args[1])
		switch op {
		case "$eq":
			return c == 0, nil
		case "$ne":
			return c != 0, nil
		case "$gt":
			return c > 0, nil
		case "$gte":
			return c >= 0, nil
		case "$lt":
			return c < 0, nil
		case "$lte":
			return c <= 0, nil
		default:
			return int32(c), nil
		}

	default:
		return nil, fmt.Errorf("unrecognized expression '%s'", op)
	}
}
