package memstore

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/spf13/cast"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/roach88/querypilot/internal/storage"
)

// hit is a document selected by a query, with the metadata $text and $near
// attach to it.
type hit struct {
	pos      int
	doc      bson.D
	score    float64
	distance float64
}

// query is a parsed filter. $text and $near are pulled out of the predicate
// tree because they need index metadata and produce scores.
type query struct {
	filter bson.D
	text   *textQuery
	near   *nearQuery
}

func parseQuery(filter bson.D, indexes []storage.IndexModel) (*query, error) {
	q := &query{}
	for _, e := range filter {
		if e.Key == "$text" {
			if q.text != nil {
				return nil, errors.New("too many text expressions")
			}
			tq, err := parseTextQuery(e.Value, indexes)
			if err != nil {
				return nil, err
			}
			q.text = tq
			continue
		}

		if ops, ok := operatorDoc(e.Value); ok && !strings.HasPrefix(e.Key, "$") {
			near, rest, err := extractNear(e.Key, ops, indexes)
			if err != nil {
				return nil, err
			}
			if near != nil {
				if q.near != nil {
					return nil, errors.New("too many geoNear expressions")
				}
				q.near = near
				if len(rest) > 0 {
					q.filter = append(q.filter, bson.E{Key: e.Key, Value: rest})
				}
				continue
			}
		}
		q.filter = append(q.filter, e)
	}
	if err := checkFilter(q.filter); err != nil {
		return nil, err
	}
	return q, nil
}

// checkFilter walks a predicate tree and rejects unknown or malformed
// operators, so a bad filter fails even when no document is examined.
func checkFilter(filter bson.D) error {
	for _, e := range filter {
		switch e.Key {
		case "$and", "$or", "$nor":
			clauses, err := clauseList(e.Key, e.Value)
			if err != nil {
				return err
			}
			for _, c := range clauses {
				if err := checkFilter(c); err != nil {
					return err
				}
			}
			continue
		case "$text":
			return errors.New("$text is only supported at the top level of a query")
		case "$comment":
			continue
		}
		if strings.HasPrefix(e.Key, "$") {
			return fmt.Errorf("unknown top level operator: %s", e.Key)
		}
		if ops, ok := operatorDoc(e.Value); ok {
			if err := checkOperators(ops); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkOperators(ops bson.D) error {
	for _, op := range ops {
		switch op.Key {
		case "$eq", "$ne", "$gt", "$gte", "$lt", "$lte", "$exists", "$type",
			"$maxDistance", "$minDistance":
		case "$in", "$nin", "$all":
			if _, ok := op.Value.(bson.A); !ok {
				return fmt.Errorf("%s needs an array", op.Key)
			}
		case "$regex":
			if _, err := compileRegex(op.Value, optionsOf(ops)); err != nil {
				return err
			}
		case "$options":
			if _, ok := getField(ops, "$regex"); !ok {
				return errors.New("$options needs a $regex")
			}
		case "$not":
			if inner, ok := operatorDoc(op.Value); ok {
				if err := checkOperators(inner); err != nil {
					return err
				}
				continue
			}
			re, ok := op.Value.(primitive.Regex)
			if !ok {
				return errors.New("$not needs a regex or a document")
			}
			if _, err := compileRegex(re, ""); err != nil {
				return err
			}
		case "$size":
			if _, err := cast.ToIntE(op.Value); err != nil {
				return errors.New("$size needs a number")
			}
		case "$elemMatch":
			cond, ok := op.Value.(bson.D)
			if !ok {
				return errors.New("$elemMatch needs an Object")
			}
			if inner, ok := operatorDoc(cond); ok {
				if err := checkOperators(inner); err != nil {
					return err
				}
			} else if err := checkFilter(cond); err != nil {
				return err
			}
		case "$mod":
			arr, ok := op.Value.(bson.A)
			if !ok || len(arr) != 2 {
				return errors.New("malformed mod, needs to be an array of two numbers")
			}
			if cast.ToInt64(arr[0]) == 0 {
				return errors.New("divisor cannot be 0")
			}
		case "$near", "$nearSphere":
			return errors.New("$geoNear, $near, and $nearSphere are not allowed in this context")
		default:
			return fmt.Errorf("unknown operator: %s", op.Key)
		}
	}
	return nil
}

// run evaluates the query over docs. Results keep collection order unless a
// $near clause sorts them by distance.
func (q *query) run(docs []bson.D) ([]hit, error) {
	var hits []hit
	for i, doc := range docs {
		ok, err := matchDoc(doc, q.filter)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		h := hit{pos: i, doc: doc}
		if q.text != nil {
			if h.score, ok = q.text.score(doc); !ok {
				continue
			}
		}
		if q.near != nil {
			if h.distance, ok = q.near.distance(doc); !ok {
				continue
			}
		}
		hits = append(hits, h)
	}
	if q.near != nil {
		sortByDistance(hits)
	}
	return hits, nil
}

// operatorDoc reports whether v is an operator expression such as
// {$gt: 1}: a document whose first key starts with '$'.
func operatorDoc(v any) (bson.D, bool) {
	d, ok := v.(bson.D)
	if !ok || len(d) == 0 || !strings.HasPrefix(d[0].Key, "$") {
		return nil, false
	}
	return d, true
}

// matchDoc reports whether doc satisfies every predicate of filter.
func matchDoc(doc bson.D, filter bson.D) (bool, error) {
	for _, e := range filter {
		ok, err := matchElem(doc, e)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func matchElem(doc bson.D, e bson.E) (bool, error) {
	switch e.Key {
	case "$and", "$or", "$nor":
		clauses, err := clauseList(e.Key, e.Value)
		if err != nil {
			return false, err
		}
		for _, c := range clauses {
			ok, err := matchDoc(doc, c)
			if err != nil {
				return false, err
			}
			switch {
			case e.Key == "$and" && !ok:
				return false, nil
			case e.Key == "$or" && ok:
				return true, nil
			case e.Key == "$nor" && ok:
				return false, nil
			}
		}
		return e.Key != "$or", nil
	case "$text":
		return false, errors.New("$text is only supported at the top level of a query")
	case "$comment":
		return true, nil
	}
	if strings.HasPrefix(e.Key, "$") {
		return false, fmt.Errorf("unknown top level operator: %s", e.Key)
	}
	return matchField(doc, e.Key, e.Value)
}

func clauseList(op string, v any) ([]bson.D, error) {
	arr, ok := v.(bson.A)
	if !ok || len(arr) == 0 {
		return nil, fmt.Errorf("%s must be a nonempty array", op)
	}
	out := make([]bson.D, 0, len(arr))
	for _, x := range arr {
		d, ok := x.(bson.D)
		if !ok {
			return nil, fmt.Errorf("%s argument's entries must be objects", op)
		}
		out = append(out, d)
	}
	return out, nil
}

func matchField(doc bson.D, path string, cond any) (bool, error) {
	values, present := lookup(doc, splitPath(path))
	if ops, ok := operatorDoc(cond); ok {
		return matchOperators(values, present, ops)
	}
	return equalsAny(values, present, cond), nil
}

func matchOperators(values []any, present bool, ops bson.D) (bool, error) {
	for _, op := range ops {
		ok, err := matchOperator(values, present, op, ops)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func matchOperator(values []any, present bool, op bson.E, siblings bson.D) (bool, error) {
	switch op.Key {
	case "$eq":
		return equalsAny(values, present, op.Value), nil
	case "$ne":
		return !equalsAny(values, present, op.Value), nil
	case "$gt", "$gte", "$lt", "$lte":
		return compareAny(values, op.Key, op.Value), nil
	case "$in", "$nin":
		arr, ok := op.Value.(bson.A)
		if !ok {
			return false, fmt.Errorf("%s needs an array", op.Key)
		}
		in := false
		for _, want := range arr {
			if equalsAny(values, present, want) {
				in = true
				break
			}
		}
		return in == (op.Key == "$in"), nil
	case "$exists":
		return cast.ToBool(op.Value) == present, nil
	case "$regex":
		re, err := compileRegex(op.Value, optionsOf(siblings))
		if err != nil {
			return false, err
		}
		return regexAny(values, re), nil
	case "$options":
		if _, ok := getField(siblings, "$regex"); !ok {
			return false, errors.New("$options needs a $regex")
		}
		return true, nil
	case "$not":
		if ops, ok := operatorDoc(op.Value); ok {
			ok, err := matchOperators(values, present, ops)
			return !ok, err
		}
		if re, ok := op.Value.(primitive.Regex); ok {
			compiled, err := compileRegex(re, "")
			if err != nil {
				return false, err
			}
			return !regexAny(values, compiled), nil
		}
		return false, errors.New("$not needs a regex or a document")
	case "$size":
		n, err := cast.ToIntE(op.Value)
		if err != nil {
			return false, errors.New("$size needs a number")
		}
		for _, v := range values {
			if arr, ok := v.(bson.A); ok && len(arr) == n {
				return true, nil
			}
		}
		return false, nil
	case "$all":
		arr, ok := op.Value.(bson.A)
		if !ok {
			return false, errors.New("$all needs an array")
		}
		if len(arr) == 0 {
			return false, nil
		}
		for _, want := range arr {
			if !equalsAny(values, present, want) {
				return false, nil
			}
		}
		return true, nil
	case "$elemMatch":
		cond, ok := op.Value.(bson.D)
		if !ok {
			return false, errors.New("$elemMatch needs an Object")
		}
		return elemMatch(values, cond)
	case "$type":
		for _, v := range values {
			if typeMatches(v, op.Value) {
				return true, nil
			}
		}
		return false, nil
	case "$mod":
		arr, ok := op.Value.(bson.A)
		if !ok || len(arr) != 2 {
			return false, errors.New("malformed mod, needs to be an array of two numbers")
		}
		div, rem := cast.ToInt64(arr[0]), cast.ToInt64(arr[1])
		if div == 0 {
			return false, errors.New("divisor cannot be 0")
		}
		for _, v := range values {
			if f, ok := toFloat(v); ok && int64(f)%div == rem {
				return true, nil
			}
		}
		return false, nil
	case "$near", "$nearSphere":
		return false, errors.New("$geoNear, $near, and $nearSphere are not allowed in this context")
	case "$maxDistance", "$minDistance":
		return true, nil
	default:
		return false, fmt.Errorf("unknown operator: %s", op.Key)
	}
}

// equalsAny is MongoDB equality against a path: a null condition also
// matches a missing field, and a regex condition matches strings.
func equalsAny(values []any, present bool, cond any) bool {
	if cond == nil {
		if !present {
			return true
		}
		for _, v := range values {
			if v == nil {
				return true
			}
		}
		return false
	}
	if re, ok := cond.(primitive.Regex); ok {
		compiled, err := compileRegex(re, "")
		return err == nil && regexAny(values, compiled)
	}
	for _, v := range values {
		if valuesEqual(v, cond) {
			return true
		}
	}
	return false
}

// compareAny applies a range operator. Only values of the same type bracket
// as the operand are compared.
func compareAny(values []any, op string, operand any) bool {
	for _, v := range values {
		if typeRank(v) != typeRank(operand) {
			continue
		}
		c := compareValues(v, operand)
		switch op {
		case "$gt":
			if c > 0 {
				return true
			}
		case "$gte":
			if c >= 0 {
				return true
			}
		case "$lt":
			if c < 0 {
				return true
			}
		case "$lte":
			if c <= 0 {
				return true
			}
		}
	}
	return false
}

func elemMatch(values []any, cond bson.D) (bool, error) {
	ops, isOps := operatorDoc(cond)
	for _, v := range values {
		arr, ok := v.(bson.A)
		if !ok {
			continue
		}
		for _, elem := range arr {
			var matched bool
			var err error
			if isOps {
				matched, err = matchOperators([]any{elem}, true, ops)
			} else if d, ok := elem.(bson.D); ok {
				matched, err = matchDoc(d, cond)
			}
			if err != nil {
				return false, err
			}
			if matched {
				return true, nil
			}
		}
	}
	return false, nil
}

func optionsOf(ops bson.D) string {
	v, ok := getField(ops, "$options")
	if !ok {
		return ""
	}
	return cast.ToString(v)
}

// compileRegex translates a MongoDB regex pattern and option letters.
func compileRegex(v any, options string) (*regexp.Regexp, error) {
	var pattern string
	switch p := v.(type) {
	case string:
		pattern = p
	case primitive.Regex:
		pattern = p.Pattern
		if options == "" {
			options = p.Options
		}
	default:
		return nil, errors.New("$regex has to be a string")
	}

	var flags strings.Builder
	for _, o := range options {
		switch o {
		case 'i', 'm', 's':
			flags.WriteRune(o)
		case 'x', 'u':
		default:
			return nil, fmt.Errorf("invalid flag in regex options: %c", o)
		}
	}
	if flags.Len() > 0 {
		pattern = "(?" + flags.String() + ")" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("regular expression is invalid: %w", err)
	}
	return re, nil
}

func regexAny(values []any, re *regexp.Regexp) bool {
	for _, v := range values {
		if s, ok := v.(string); ok && re.MatchString(s) {
			return true
		}
	}
	return false
}

var typeAliases = map[string]int{
	"double":   2,
	"int":      2,
	"long":     2,
	"decimal":  2,
	"number":   2,
	"string":   3,
	"object":   4,
	"array":    5,
	"binData":  6,
	"objectId": 7,
	"bool":     8,
	"date":     9,
	"null":     1,
	"regex":    11,
}

func typeMatches(v any, want any) bool {
	name, ok := want.(string)
	if !ok {
		return false
	}
	switch name {
	case "double":
		_, ok := v.(float64)
		return ok
	case "int":
		_, ok := v.(int32)
		return ok
	case "long":
		_, ok := v.(int64)
		return ok
	}
	rank, ok := typeAliases[name]
	return ok && typeRank(v) == rank
}
