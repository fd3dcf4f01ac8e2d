package memstore

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
)

// isTextScoreMeta reports whether v is {$meta: "textScore"}.
func isTextScoreMeta(v any) bool {
	d, ok := v.(bson.D)
	if !ok || len(d) != 1 || d[0].Key != "$meta" {
		return false
	}
	return d[0].Value == "textScore"
}

type sortKey struct {
	path  string
	dir   int
	score bool
}

func parseSort(spec bson.D) ([]sortKey, error) {
	keys := make([]sortKey, 0, len(spec))
	for _, e := range spec {
		if isTextScoreMeta(e.Value) {
			keys = append(keys, sortKey{path: e.Key, dir: -1, score: true})
			continue
		}
		f, ok := toFloat(e.Value)
		if !ok || (f != 1 && f != -1) {
			return nil, fmt.Errorf("$sort key ordering must be 1 (for ascending) or -1 (for descending): %s", e.Key)
		}
		keys = append(keys, sortKey{path: e.Key, dir: int(f)})
	}
	return keys, nil
}

// sortHits orders hits by spec. Ties keep their previous order.
func sortHits(hits []hit, spec bson.D) error {
	if len(spec) == 0 {
		return nil
	}
	keys, err := parseSort(spec)
	if err != nil {
		return err
	}
	sort.SliceStable(hits, func(i, j int) bool {
		for _, k := range keys {
			var c int
			if k.score {
				switch {
				case hits[i].score > hits[j].score:
					c = -1
				case hits[i].score < hits[j].score:
					c = 1
				}
			} else {
				c = compareValues(sortValue(hits[i].doc, k), sortValue(hits[j].doc, k)) * k.dir
			}
			if c != 0 {
				return c < 0
			}
		}
		return false
	})
	return nil
}

// sortValue is the value a document sorts by: for arrays, the smallest
// element ascending and the largest descending.
func sortValue(doc bson.D, k sortKey) any {
	values, present := lookup(doc, splitPath(k.path))
	if !present || len(values) == 0 {
		return nil
	}
	if _, isArr := values[0].(bson.A); !isArr {
		return values[0]
	}
	elems := values[1:]
	if len(elems) == 0 {
		return values[0]
	}
	best := elems[0]
	for _, v := range elems[1:] {
		c := compareValues(v, best)
		if (k.dir > 0 && c < 0) || (k.dir < 0 && c > 0) {
			best = v
		}
	}
	return best
}

// projection is a parsed find projection.
type projection struct {
	include   bool
	paths     []string
	excludeID bool
	scores    []string // fields receiving {$meta: "textScore"}
}

func parseProjection(spec bson.D) (*projection, error) {
	if len(spec) == 0 {
		return nil, nil
	}
	p := &projection{}
	mode := 0 // 1 include, -1 exclude
	for _, e := range spec {
		if isTextScoreMeta(e.Value) {
			p.scores = append(p.scores, e.Key)
			continue
		}
		on, err := projectionFlag(e.Key, e.Value)
		if err != nil {
			return nil, err
		}
		if e.Key == "_id" {
			p.excludeID = !on
			continue
		}
		want := -1
		if on {
			want = 1
		}
		if mode != 0 && mode != want {
			if on {
				return nil, fmt.Errorf("cannot do inclusion on field %s in exclusion projection", e.Key)
			}
			return nil, fmt.Errorf("cannot do exclusion on field %s in inclusion projection", e.Key)
		}
		mode = want
		p.paths = append(p.paths, e.Key)
	}
	p.include = mode == 1
	return p, nil
}

func projectionFlag(key string, v any) (bool, error) {
	switch val := v.(type) {
	case bool:
		return val, nil
	default:
		if f, ok := toFloat(v); ok {
			return f != 0, nil
		}
	}
	return false, fmt.Errorf("unsupported projection value for %s: %v", key, v)
}

// apply projects h. The returned document is new.
func (p *projection) apply(h hit) bson.D {
	if p == nil {
		return cloneDoc(h.doc)
	}

	var out bson.D
	if p.include {
		tree := map[string]any{}
		for _, path := range p.paths {
			addToTree(tree, splitPath(path))
		}
		if !p.excludeID {
			tree["_id"] = true
		}
		out = includeTree(h.doc, tree)
	} else {
		out = cloneDoc(h.doc)
		for _, path := range p.paths {
			out = unsetPath(out, path)
		}
		if p.excludeID {
			out = unsetPath(out, "_id")
		}
	}
	if out == nil {
		out = bson.D{}
	}
	for _, f := range p.scores {
		out = append(out, bson.E{Key: f, Value: h.score})
	}
	return out
}

// addToTree records an included path. A leaf is true; an inner node is a
// nested map.
func addToTree(tree map[string]any, segs []string) {
	if len(segs) == 1 {
		tree[segs[0]] = true
		return
	}
	child, ok := tree[segs[0]].(map[string]any)
	if !ok {
		if tree[segs[0]] == true {
			return
		}
		child = map[string]any{}
		tree[segs[0]] = child
	}
	addToTree(child, segs[1:])
}

func includeTree(doc bson.D, tree map[string]any) bson.D {
	out := bson.D{}
	for _, e := range doc {
		node, ok := tree[e.Key]
		if !ok {
			continue
		}
		if node == true {
			out = append(out, bson.E{Key: e.Key, Value: cloneValue(e.Value)})
			continue
		}
		sub := node.(map[string]any)
		switch v := e.Value.(type) {
		case bson.D:
			out = append(out, bson.E{Key: e.Key, Value: includeTree(v, sub)})
		case bson.A:
			arr := bson.A{}
			for _, x := range v {
				if d, ok := x.(bson.D); ok {
					arr = append(arr, includeTree(d, sub))
				}
			}
			out = append(out, bson.E{Key: e.Key, Value: arr})
		}
	}
	return out
}

// checkFieldPath rejects empty or $-prefixed field paths.
func checkFieldPath(path string) error {
	if path == "" {
		return errors.New("field path cannot be empty")
	}
	for _, seg := range strings.Split(path, ".") {
		if seg == "" {
			return fmt.Errorf("field path %q contains an empty segment", path)
		}
	}
	if strings.HasPrefix(path, "$") {
		return fmt.Errorf("field path %q cannot start with '$'", path)
	}
	return nil
}
