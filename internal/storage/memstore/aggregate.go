package memstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cast"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/roach88/querypilot/internal/storage"
)

// unsupportedStages are real MongoDB stages this engine does not run.
var unsupportedStages = map[string]bool{
	"$out": true, "$merge": true, "$facet": true, "$bucket": true,
	"$bucketAuto": true, "$graphLookup": true, "$sample": true,
	"$unionWith": true, "$redact": true, "$densify": true, "$fill": true,
	"$setWindowFields": true, "$search": true,
}

// pipelineRunner evaluates an aggregation pipeline over one collection.
// lookupColl resolves $lookup sources; the engine lock is held throughout.
type pipelineRunner struct {
	indexes    []storage.IndexModel
	lookupColl func(name string) []bson.D
}

func stageOf(stage bson.D) (string, any, error) {
	if len(stage) != 1 {
		return "", nil, errors.New("a pipeline stage specification object must contain exactly one field")
	}
	return stage[0].Key, stage[0].Value, nil
}

func (r *pipelineRunner) run(docs []bson.D, pipeline []bson.D) ([]bson.D, error) {
	hits := make([]hit, len(docs))
	for i, d := range docs {
		hits[i] = hit{pos: i, doc: d}
	}

	for i, stage := range pipeline {
		name, spec, err := stageOf(stage)
		if err != nil {
			return nil, err
		}
		hits, err = r.stage(hits, i, name, spec)
		if err != nil {
			return nil, err
		}
	}

	out := make([]bson.D, len(hits))
	for i, h := range hits {
		out[i] = cloneDoc(h.doc)
	}
	return out, nil
}

func (r *pipelineRunner) stage(hits []hit, index int, name string, spec any) ([]hit, error) {
	switch name {
	case "$match":
		filter, ok := spec.(bson.D)
		if !ok {
			return nil, errors.New("the match filter must be an expression in an object")
		}
		return r.match(hits, index, filter)

	case "$geoNear":
		if index != 0 {
			return nil, errors.New("$geoNear is only valid as the first stage in a pipeline")
		}
		d, ok := spec.(bson.D)
		if !ok {
			return nil, errors.New("$geoNear requires an object")
		}
		return geoNearStage(hits, d, r.indexes)

	case "$sort":
		d, ok := spec.(bson.D)
		if !ok || len(d) == 0 {
			return nil, errors.New("$sort stage must have at least one sort key")
		}
		return hits, sortHits(hits, d)

	case "$skip", "$limit":
		n, err := cast.ToInt64E(spec)
		if err != nil || n < 0 || (name == "$limit" && n == 0) {
			return nil, fmt.Errorf("invalid argument to %s stage: %v", name, spec)
		}
		if name == "$skip" {
			if n >= int64(len(hits)) {
				return nil, nil
			}
			return hits[n:], nil
		}
		if n < int64(len(hits)) {
			return hits[:n], nil
		}
		return hits, nil

	case "$project":
		d, ok := spec.(bson.D)
		if !ok || len(d) == 0 {
			return nil, errors.New("$project requires at least one output field")
		}
		return projectStage(hits, d)

	case "$addFields", "$set":
		d, ok := spec.(bson.D)
		if !ok {
			return nil, fmt.Errorf("%s specification stage must be an object", name)
		}
		return addFieldsStage(hits, d)

	case "$unset":
		var paths []string
		switch v := spec.(type) {
		case string:
			paths = []string{v}
		case bson.A:
			for _, p := range v {
				s, ok := p.(string)
				if !ok {
					return nil, errors.New("$unset specification must be a string or an array of strings")
				}
				paths = append(paths, s)
			}
		default:
			return nil, errors.New("$unset specification must be a string or an array of strings")
		}
		out := make([]hit, len(hits))
		for i, h := range hits {
			doc := cloneDoc(h.doc)
			for _, p := range paths {
				doc = unsetPath(doc, p)
			}
			h.doc = doc
			out[i] = h
		}
		return out, nil

	case "$group":
		d, ok := spec.(bson.D)
		if !ok {
			return nil, errors.New("a group's fields must be specified in an object")
		}
		return groupStage(hits, d)

	case "$count":
		field, ok := spec.(string)
		if !ok || field == "" || strings.HasPrefix(field, "$") || strings.Contains(field, ".") {
			return nil, errors.New("the count field must be a non-empty string that does not start with '$' or contain '.'")
		}
		if len(hits) == 0 {
			return nil, nil
		}
		return []hit{{doc: bson.D{{Key: field, Value: normalize(len(hits))}}}}, nil

	case "$sortByCount":
		group := bson.D{
			{Key: "_id", Value: spec},
			{Key: "count", Value: bson.D{{Key: "$sum", Value: int32(1)}}},
		}
		grouped, err := groupStage(hits, group)
		if err != nil {
			return nil, err
		}
		return grouped, sortHits(grouped, bson.D{{Key: "count", Value: int32(-1)}})

	case "$unwind":
		return unwindStage(hits, spec)

	case "$replaceRoot", "$replaceWith":
		expr := spec
		if name == "$replaceRoot" {
			d, ok := spec.(bson.D)
			if !ok {
				return nil, errors.New("$replaceRoot requires an object")
			}
			v, ok := getField(d, "newRoot")
			if !ok {
				return nil, errors.New("no newRoot specified for the $replaceRoot stage")
			}
			expr = v
		}
		out := make([]hit, len(hits))
		for i, h := range hits {
			v, err := evalExpr(h, expr)
			if err != nil {
				return nil, err
			}
			root, ok := v.(bson.D)
			if !ok {
				return nil, fmt.Errorf("'newRoot' expression must evaluate to an object, but resulting value was of type %s", typeName(v))
			}
			h.doc = root
			out[i] = h
		}
		return out, nil

	case "$lookup":
		d, ok := spec.(bson.D)
		if !ok {
			return nil, errors.New("the $lookup stage specification must be an object")
		}
		return r.lookupStage(hits, d)
	}

	if unsupportedStages[name] {
		return nil, fmt.Errorf("%w: pipeline stage %s", storage.ErrUnsupported, name)
	}
	return nil, fmt.Errorf("unrecognized pipeline stage name: '%s'", name)
}

// match filters hits. A $text clause is only allowed in a leading $match.
func (r *pipelineRunner) match(hits []hit, index int, filter bson.D) ([]hit, error) {
	indexes := r.indexes
	if index != 0 {
		indexes = nil
	}
	q, err := parseQuery(filter, indexes)
	if err != nil {
		if index != 0 && strings.Contains(err.Error(), "text index required") {
			return nil, errors.New("$match with $text is only allowed as the first pipeline stage")
		}
		return nil, err
	}
	if q.near != nil {
		return nil, errors.New("$geoNear, $near, and $nearSphere are not allowed in this context")
	}

	docs := make([]bson.D, len(hits))
	for i, h := range hits {
		docs[i] = h.doc
	}
	matched, err := q.run(docs)
	if err != nil {
		return nil, err
	}
	out := make([]hit, len(matched))
	for i, m := range matched {
		prev := hits[m.pos]
		if q.text != nil {
			prev.score = m.score
		}
		out[i] = prev
	}
	return out, nil
}

// projectStage supports inclusion, exclusion and computed fields.
func projectStage(hits []hit, spec bson.D) ([]hit, error) {
	var plain bson.D
	var computed bson.D
	for _, e := range spec {
		if err := checkFieldPath(e.Key); err != nil {
			return nil, err
		}
		if _, err := projectionFlag(e.Key, e.Value); err == nil {
			plain = append(plain, e)
			continue
		}
		computed = append(computed, e)
	}

	p, err := parseProjection(plain)
	if err != nil {
		return nil, err
	}
	if len(computed) > 0 {
		if p == nil {
			p = &projection{include: true}
		}
		if !p.include && len(p.paths) > 0 {
			return nil, fmt.Errorf("cannot use expression other than $meta in exclusion projection: %s", computed[0].Key)
		}
		p.include = true
	}

	out := make([]hit, len(hits))
	for i, h := range hits {
		doc := p.apply(h)
		for _, c := range computed {
			v, err := evalExpr(h, c.Value)
			if err != nil {
				return nil, err
			}
			if doc, err = setPath(doc, c.Key, v); err != nil {
				return nil, err
			}
		}
		h.doc = doc
		out[i] = h
	}
	return out, nil
}

func addFieldsStage(hits []hit, spec bson.D) ([]hit, error) {
	out := make([]hit, len(hits))
	for i, h := range hits {
		doc := cloneDoc(h.doc)
		for _, e := range spec {
			if err := checkFieldPath(e.Key); err != nil {
				return nil, err
			}
			v, err := evalExpr(h, e.Value)
			if err != nil {
				return nil, err
			}
			if doc, err = setPath(doc, e.Key, v); err != nil {
				return nil, err
			}
		}
		h.doc = doc
		out[i] = h
	}
	return out, nil
}

func unwindStage(hits []hit, spec any) ([]hit, error) {
	var path, indexField string
	var preserve bool
	switch v := spec.(type) {
	case string:
		path = v
	case bson.D:
		path = cast.ToString(valueOr(v, "path", ""))
		indexField = cast.ToString(valueOr(v, "includeArrayIndex", ""))
		preserve = cast.ToBool(valueOr(v, "preserveNullAndEmptyArrays", false))
	default:
		return nil, errors.New("expected either a string or an object as specification for $unwind stage")
	}
	if !strings.HasPrefix(path, "$") || len(path) < 2 {
		return nil, errors.New("path option to $unwind stage should be prefixed with a '$'")
	}
	field := path[1:]

	var out []hit
	for _, h := range hits {
		v, ok := getPath(h.doc, field)
		arr, isArr := v.(bson.A)
		switch {
		case !isArr && ok && v != nil:
			// A non-array value unwinds to itself.
			doc := cloneDoc(h.doc)
			if indexField != "" {
				doc, _ = setPath(doc, indexField, nil)
			}
			h.doc = doc
			out = append(out, h)
		case !isArr || len(arr) == 0:
			if preserve {
				doc := cloneDoc(h.doc)
				if indexField != "" {
					doc, _ = setPath(doc, indexField, nil)
				}
				h.doc = doc
				out = append(out, h)
			}
		default:
			for i, elem := range arr {
				doc, err := setPath(cloneDoc(h.doc), field, cloneValue(elem))
				if err != nil {
					return nil, err
				}
				if indexField != "" {
					doc, _ = setPath(doc, indexField, int64(i))
				}
				n := h
				n.doc = doc
				out = append(out, n)
			}
		}
	}
	return out, nil
}

func (r *pipelineRunner) lookupStage(hits []hit, spec bson.D) ([]hit, error) {
	from := cast.ToString(valueOr(spec, "from", ""))
	local := cast.ToString(valueOr(spec, "localField", ""))
	foreign := cast.ToString(valueOr(spec, "foreignField", ""))
	as := cast.ToString(valueOr(spec, "as", ""))
	if from == "" || local == "" || foreign == "" || as == "" {
		return nil, errors.New("$lookup requires 'from', 'localField', 'foreignField' and 'as'")
	}

	var foreignDocs []bson.D
	if r.lookupColl != nil {
		foreignDocs = r.lookupColl(from)
	}

	out := make([]hit, len(hits))
	for i, h := range hits {
		keys, present := lookup(h.doc, splitPath(local))
		if !present {
			keys = []any{nil}
		}
		joined := bson.A{}
		for _, fd := range foreignDocs {
			values, found := lookup(fd, splitPath(foreign))
			for _, k := range keys {
				if equalsAny(values, found, k) {
					joined = append(joined, cloneDoc(fd))
					break
				}
			}
		}
		doc, err := setPath(cloneDoc(h.doc), as, joined)
		if err != nil {
			return nil, err
		}
		h.doc = doc
		out[i] = h
	}
	return out, nil
}
