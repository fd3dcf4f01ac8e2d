package memstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/roach88/querypilot/internal/storage"
)

// Collection is a handle on one collection of an Engine.
type Collection struct {
	e    *Engine
	name string
}

var _ storage.Collection = (*Collection)(nil)

func (c *Collection) Name() string { return c.name }

// state returns the collection's data. Caller holds the engine lock.
func (c *Collection) state(create bool) *collData {
	cd := c.e.data(c.name, create)
	if cd == nil {
		return &collData{}
	}
	return cd
}

func (c *Collection) Find(ctx context.Context, filter bson.D, opts storage.FindOptions) ([]bson.D, error) {
	release, err := c.e.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	cd := c.state(false)
	q, err := parseQuery(filter, cd.indexes)
	if err != nil {
		return nil, err
	}
	proj, err := parseProjection(opts.Projection)
	if err != nil {
		return nil, err
	}
	hits, err := q.run(cd.docs)
	if err != nil {
		return nil, err
	}
	if err := sortHits(hits, opts.Sort); err != nil {
		return nil, err
	}
	if opts.Limit > 0 && int64(len(hits)) > opts.Limit {
		hits = hits[:opts.Limit]
	}

	out := make([]bson.D, len(hits))
	for i, h := range hits {
		out[i] = proj.apply(h)
	}
	return out, nil
}

func (c *Collection) CountDocuments(ctx context.Context, filter bson.D) (int64, error) {
	release, err := c.e.lock(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	cd := c.state(false)
	q, err := parseQuery(filter, cd.indexes)
	if err != nil {
		return 0, err
	}
	if q.near != nil {
		return 0, errors.New("$geoNear, $near, and $nearSphere are not allowed in this context")
	}
	hits, err := q.run(cd.docs)
	if err != nil {
		return 0, err
	}
	return int64(len(hits)), nil
}

func (c *Collection) InsertOne(ctx context.Context, doc bson.D) (any, error) {
	ids, err := c.insert(ctx, []bson.D{doc})
	if err != nil {
		return nil, err
	}
	return ids[0], nil
}

func (c *Collection) InsertMany(ctx context.Context, docs []bson.D) ([]any, error) {
	if len(docs) == 0 {
		return nil, errors.New("must provide at least one element in input slice")
	}
	return c.insert(ctx, docs)
}

func (c *Collection) insert(ctx context.Context, docs []bson.D) ([]any, error) {
	release, err := c.e.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	cd := c.state(true)
	next, ids, err := c.insertDocs(cd.docs, docs)
	if err != nil {
		return nil, err
	}
	if err := checkUnique(c.name, next, cd.indexes); err != nil {
		return nil, err
	}
	cd.docs = next
	return ids, nil
}

// insertDocs returns docs with the prepared new documents appended.
func (c *Collection) insertDocs(docs []bson.D, add []bson.D) ([]bson.D, []any, error) {
	next := append(make([]bson.D, 0, len(docs)+len(add)), docs...)
	ids := make([]any, 0, len(add))
	for _, d := range add {
		prepared, err := c.prepare(d)
		if err != nil {
			return nil, nil, err
		}
		id, _ := getField(prepared, "_id")
		ids = append(ids, id)
		next = append(next, prepared)
	}
	return next, ids, nil
}

// prepare copies doc into canonical form with _id as its first field.
func (c *Collection) prepare(doc bson.D) (bson.D, error) {
	d := normalize(doc).(bson.D)
	for _, e := range d {
		if strings.HasPrefix(e.Key, "$") {
			return nil, fmt.Errorf("document can't have $ prefixed field names: %s", e.Key)
		}
	}
	id, ok := getField(d, "_id")
	if !ok {
		id = c.e.newID()
	}
	if _, isArr := id.(bson.A); isArr {
		return nil, errors.New("can't use an array for _id")
	}
	out := make(bson.D, 0, len(d)+1)
	out = append(out, bson.E{Key: "_id", Value: id})
	for _, e := range d {
		if e.Key != "_id" {
			out = append(out, e)
		}
	}
	return out, nil
}

func (c *Collection) UpdateMany(ctx context.Context, filter, update bson.D) (storage.UpdateResult, error) {
	release, err := c.e.lock(ctx)
	if err != nil {
		return storage.UpdateResult{}, err
	}
	defer release()

	cd := c.state(false)
	next, res, err := updateDocs(cd.docs, cd.indexes, filter, update)
	if err != nil {
		return storage.UpdateResult{}, err
	}
	if res.Modified > 0 {
		if err := checkUnique(c.name, next, cd.indexes); err != nil {
			return storage.UpdateResult{}, err
		}
		c.state(true).docs = next
	}
	return res, nil
}

func updateDocs(docs []bson.D, indexes []storage.IndexModel, filter, update bson.D) ([]bson.D, storage.UpdateResult, error) {
	var res storage.UpdateResult
	if err := checkUpdate(update); err != nil {
		return nil, res, err
	}
	q, err := parseQuery(filter, indexes)
	if err != nil {
		return nil, res, err
	}
	hits, err := q.run(docs)
	if err != nil {
		return nil, res, err
	}

	next := append([]bson.D(nil), docs...)
	for _, h := range hits {
		updated, err := applyUpdate(h.doc, update)
		if err != nil {
			return nil, res, err
		}
		res.Matched++
		if !sameDoc(h.doc, updated) {
			res.Modified++
			next[h.pos] = updated
		}
	}
	return next, res, nil
}

func (c *Collection) DeleteMany(ctx context.Context, filter bson.D) (int64, error) {
	release, err := c.e.lock(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	cd := c.state(false)
	next, n, err := deleteDocs(cd.docs, cd.indexes, filter)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		cd.docs = next
	}
	return n, nil
}

func deleteDocs(docs []bson.D, indexes []storage.IndexModel, filter bson.D) ([]bson.D, int64, error) {
	q, err := parseQuery(filter, indexes)
	if err != nil {
		return nil, 0, err
	}
	hits, err := q.run(docs)
	if err != nil {
		return nil, 0, err
	}
	if len(hits) == 0 {
		return docs, 0, nil
	}
	drop := make(map[int]bool, len(hits))
	for _, h := range hits {
		drop[h.pos] = true
	}
	next := make([]bson.D, 0, len(docs)-len(hits))
	for i, d := range docs {
		if !drop[i] {
			next = append(next, d)
		}
	}
	return next, int64(len(hits)), nil
}

func replaceOne(docs []bson.D, indexes []storage.IndexModel, filter, replacement bson.D) ([]bson.D, storage.UpdateResult, error) {
	var res storage.UpdateResult
	q, err := parseQuery(filter, indexes)
	if err != nil {
		return nil, res, err
	}
	hits, err := q.run(docs)
	if err != nil {
		return nil, res, err
	}
	if len(hits) == 0 {
		return docs, res, nil
	}
	h := hits[0]
	replaced, err := replaceDoc(h.doc, replacement)
	if err != nil {
		return nil, res, err
	}
	res.Matched = 1
	if sameDoc(h.doc, replaced) {
		return docs, res, nil
	}
	res.Modified = 1
	next := append([]bson.D(nil), docs...)
	next[h.pos] = replaced
	return next, res, nil
}

func (c *Collection) Aggregate(ctx context.Context, pipeline []bson.D) ([]bson.D, error) {
	release, err := c.e.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	cd := c.state(false)
	r := &pipelineRunner{
		indexes: cd.indexes,
		lookupColl: func(name string) []bson.D {
			if other := c.e.data(name, false); other != nil {
				return other.docs
			}
			return nil
		},
	}
	return r.run(cd.docs, pipeline)
}

// BulkWrite applies models in order against a private copy of the
// collection and commits only if every model succeeds.
func (c *Collection) BulkWrite(ctx context.Context, models []storage.WriteModel) (storage.BulkResult, error) {
	var res storage.BulkResult
	if len(models) == 0 {
		return res, errors.New("must provide at least one element in input slice")
	}

	release, err := c.e.lock(ctx)
	if err != nil {
		return res, err
	}
	defer release()

	cd := c.state(true)
	docs := cd.docs
	for i, m := range models {
		var err error
		switch m := m.(type) {
		case storage.InsertOneModel:
			docs, _, err = c.insertDocs(docs, []bson.D{m.Document})
			if err == nil {
				res.Inserted++
			}
		case storage.UpdateManyModel:
			var ur storage.UpdateResult
			docs, ur, err = updateDocs(docs, cd.indexes, m.Filter, m.Update)
			res.Matched += ur.Matched
			res.Modified += ur.Modified
		case storage.DeleteManyModel:
			var n int64
			docs, n, err = deleteDocs(docs, cd.indexes, m.Filter)
			res.Deleted += n
		case storage.ReplaceOneModel:
			var ur storage.UpdateResult
			docs, ur, err = replaceOne(docs, cd.indexes, m.Filter, m.Replacement)
			res.Matched += ur.Matched
			res.Modified += ur.Modified
		default:
			err = fmt.Errorf("unsupported write model %T", m)
		}
		if err == nil {
			err = checkUnique(c.name, docs, cd.indexes)
		}
		if err != nil {
			return storage.BulkResult{}, fmt.Errorf("bulk write operation %d: %w", i, err)
		}
	}
	cd.docs = docs
	return res, nil
}

func (c *Collection) CreateIndex(ctx context.Context, index storage.IndexModel) (string, error) {
	if len(index.Keys) == 0 {
		return "", errors.New("index keys cannot be empty")
	}
	keys := normalize(index.Keys).(bson.D)
	for _, k := range keys {
		if err := checkFieldPath(k.Key); err != nil && k.Key != "$**" {
			return "", err
		}
		if err := checkIndexValue(k.Value); err != nil {
			return "", fmt.Errorf("bad index key pattern %s: %w", k.Key, err)
		}
	}
	name := index.Name
	if name == "" {
		name = storage.IndexName(keys)
	}

	release, err := c.e.lock(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	cd := c.state(true)
	for _, existing := range cd.indexes {
		sameKeys := sameDoc(existing.Keys, keys)
		switch {
		case existing.Name == name && sameKeys && existing.Unique == index.Unique:
			return name, nil
		case existing.Name == name:
			return "", fmt.Errorf("index with name: %s already exists with different options", name)
		case sameKeys:
			return "", fmt.Errorf("index already exists with a different name: %s", existing.Name)
		}
		if isTextIndex(existing.Keys) && isTextIndex(keys) {
			return "", fmt.Errorf("an equivalent text index already exists with a different name and options: %s", existing.Name)
		}
	}

	model := storage.IndexModel{Keys: keys, Name: name, Unique: index.Unique}
	indexes := append(append([]storage.IndexModel(nil), cd.indexes...), model)
	if model.Unique {
		if err := checkUnique(c.name, cd.docs, indexes); err != nil {
			return "", err
		}
	}
	cd.indexes = indexes
	c.e.logger.Debug("memstore index created", "collection", c.name, "index", name)
	return name, nil
}

func (c *Collection) MapReduce(ctx context.Context, spec storage.MapReduceSpec) ([]bson.D, error) {
	if err := c.e.Ping(ctx); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: mapReduce requires a JavaScript engine", storage.ErrUnsupported)
}

func checkIndexValue(v any) error {
	switch val := v.(type) {
	case string:
		switch val {
		case "text", "2dsphere", "2d", "hashed":
			return nil
		}
		return fmt.Errorf("unknown index plugin '%s'", val)
	default:
		f, ok := toFloat(v)
		if !ok || f == 0 {
			return errors.New("values in the index key pattern must be non-zero numbers or index type names")
		}
		return nil
	}
}

func isTextIndex(keys bson.D) bool {
	for _, k := range keys {
		if k.Value == "text" {
			return true
		}
	}
	return false
}

var idIndex = storage.IndexModel{Keys: bson.D{{Key: "_id", Value: int32(1)}}, Name: "_id_", Unique: true}

// checkUnique verifies that no two documents share a key of a unique index,
// _id included. A missing field counts as null.
func checkUnique(coll string, docs []bson.D, indexes []storage.IndexModel) error {
	all := append([]storage.IndexModel{idIndex}, indexes...)
	for _, idx := range all {
		if !idx.Unique {
			continue
		}
		seen := make(map[string]struct{}, len(docs))
		for _, d := range docs {
			key, shown := indexKey(d, idx.Keys)
			if _, dup := seen[key]; dup {
				return fmt.Errorf("%w: E11000 duplicate key error collection: %s index: %s dup key: %s",
					storage.ErrDuplicateKey, coll, idx.Name, shown)
			}
			seen[key] = struct{}{}
		}
	}
	return nil
}

func indexKey(doc bson.D, keys bson.D) (string, string) {
	var key, shown strings.Builder
	shown.WriteString("{ ")
	for i, k := range keys {
		v, _ := getPath(doc, k.Key)
		if i > 0 {
			key.WriteByte(0)
			shown.WriteString(", ")
		}
		key.WriteString(canonical(v))
		fmt.Fprintf(&shown, "%s: %v", k.Key, v)
	}
	shown.WriteString(" }")
	return key.String(), shown.String()
}

// canonical renders v so that values MongoDB considers equal render the
// same.
func canonical(v any) string {
	if f, ok := toFloat(v); ok {
		return "n:" + strconv.FormatFloat(f, 'g', -1, 64)
	}
	switch val := v.(type) {
	case bson.D:
		var b strings.Builder
		b.WriteString("{")
		for _, e := range val {
			b.WriteString(strconv.Quote(e.Key) + ":" + canonical(e.Value) + ",")
		}
		b.WriteString("}")
		return b.String()
	case bson.A:
		var b strings.Builder
		b.WriteString("[")
		for _, x := range val {
			b.WriteString(canonical(x) + ",")
		}
		b.WriteString("]")
		return b.String()
	case string:
		return "s:" + strconv.Quote(val)
	case nil:
		return "null"
	default:
		return fmt.Sprintf("%T:%v", v, v)
	}
}
