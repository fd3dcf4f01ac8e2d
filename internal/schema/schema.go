// Package schema loads the collection catalog that gives the synthesis
// prompt its field context and the seed command its sample data.
//
// Catalogs are written in CUE:
//
//	collection: students: {
//		description: "University students"
//		fields: {name: "string", gpa: "float"}
//		indexes: [{keys: {gpa: -1}, unique: false}]
//		samples: [{name: "Alice", gpa: 3.8}]
//	}
//
// Field, index-key and sample key order is preserved.
package schema

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/roach88/querypilot/internal/ir"
)

//go:embed collections.cue
var defaultCatalog []byte

// Field is one documented field of a collection.
type Field struct {
	Name string
	Type string
}

// Index is an index created when a collection is seeded.
type Index struct {
	Keys   bson.D
	Name   string
	Unique bool
}

// Collection describes one collection.
type Collection struct {
	Name        string
	Description string
	Fields      []Field
	Indexes     []Index
	Samples     []ir.Document
}

// Catalog is a set of collection descriptions.
type Catalog struct {
	byName map[string]*Collection
	names  []string
}

// LoadError reports a catalog that could not be compiled.
type LoadError struct {
	Path    string
	Message string
	Pos     token.Pos
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Message)
	}
	if e.Path != "" {
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return e.Message
}

// Default returns the embedded catalog.
func Default() (*Catalog, error) {
	return Compile(map[string][]byte{"collections.cue": defaultCatalog})
}

// MustDefault is like Default but panics on error.
func MustDefault() *Catalog {
	c, err := Default()
	if err != nil {
		panic(err)
	}
	return c
}

// LoadDir compiles every .cue file under dir into one catalog.
func LoadDir(dir string) (*Catalog, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, &LoadError{Path: dir, Message: fmt.Sprintf("schema directory: %v", err)}
	}
	if !info.IsDir() {
		return nil, &LoadError{Path: dir, Message: "not a directory"}
	}

	sources := map[string][]byte{}
	err = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".cue" {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		sources[path] = data
		return nil
	})
	if err != nil {
		return nil, &LoadError{Path: dir, Message: fmt.Sprintf("scan: %v", err)}
	}
	if len(sources) == 0 {
		return nil, &LoadError{Path: dir, Message: "no CUE files found"}
	}
	return Compile(sources)
}

// Compile builds a catalog from CUE sources keyed by file name. All sources
// are unified, so a collection may be spread across files.
func Compile(sources map[string][]byte) (*Catalog, error) {
	files := make([]string, 0, len(sources))
	for name := range sources {
		files = append(files, name)
	}
	sort.Strings(files)

	cat := &Catalog{byName: map[string]*Collection{}}
	if len(files) == 0 {
		return cat, nil
	}

	ctx := cuecontext.New()
	var root cue.Value
	for i, name := range files {
		v := ctx.CompileBytes(sources[name], cue.Filename(name))
		if err := v.Err(); err != nil {
			return nil, formatCUEError(name, err)
		}
		if i == 0 {
			root = v
		} else {
			root = root.Unify(v)
		}
	}
	if err := root.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError("", err)
	}

	colls := root.LookupPath(cue.ParsePath("collection"))
	if !colls.Exists() {
		return cat, nil
	}

	iter, err := colls.Fields()
	if err != nil {
		return nil, formatCUEError("", err)
	}
	for iter.Next() {
		c, err := compileCollection(iter.Selector().Unquoted(), iter.Value())
		if err != nil {
			return nil, err
		}
		cat.byName[c.Name] = c
		cat.names = append(cat.names, c.Name)
	}
	return cat, nil
}

func compileCollection(name string, v cue.Value) (*Collection, error) {
	c := &Collection{Name: name}

	if d := v.LookupPath(cue.ParsePath("description")); d.Exists() {
		s, err := d.String()
		if err != nil {
			return nil, fieldError(name, "description", err)
		}
		c.Description = s
	}

	if f := v.LookupPath(cue.ParsePath("fields")); f.Exists() {
		iter, err := f.Fields()
		if err != nil {
			return nil, fieldError(name, "fields", err)
		}
		for iter.Next() {
			typ, err := iter.Value().String()
			if err != nil {
				return nil, fieldError(name, "fields."+iter.Selector().String(), err)
			}
			c.Fields = append(c.Fields, Field{Name: iter.Selector().Unquoted(), Type: typ})
		}
	}

	if idx := v.LookupPath(cue.ParsePath("indexes")); idx.Exists() {
		list, err := idx.List()
		if err != nil {
			return nil, fieldError(name, "indexes", err)
		}
		for list.Next() {
			index, err := compileIndex(list.Value())
			if err != nil {
				return nil, fieldError(name, "indexes", err)
			}
			c.Indexes = append(c.Indexes, index)
		}
	}

	if s := v.LookupPath(cue.ParsePath("samples")); s.Exists() {
		list, err := s.List()
		if err != nil {
			return nil, fieldError(name, "samples", err)
		}
		for list.Next() {
			data, err := list.Value().MarshalJSON()
			if err != nil {
				return nil, fieldError(name, "samples", err)
			}
			doc, err := ir.Parse(string(data))
			if err != nil {
				return nil, fieldError(name, "samples", err)
			}
			c.Samples = append(c.Samples, doc)
		}
	}
	return c, nil
}

func compileIndex(v cue.Value) (Index, error) {
	var index Index
	keys := v.LookupPath(cue.ParsePath("keys"))
	if !keys.Exists() {
		return index, errors.New("index requires keys")
	}
	iter, err := keys.Fields()
	if err != nil {
		return index, err
	}
	for iter.Next() {
		kv := iter.Value()
		var value any
		if n, err := kv.Int64(); err == nil {
			value = int32(n)
		} else if s, err := kv.String(); err == nil {
			value = s
		} else {
			return index, fmt.Errorf("index key %s must be a direction or a type", iter.Selector())
		}
		index.Keys = append(index.Keys, bson.E{Key: iter.Selector().Unquoted(), Value: value})
	}
	if len(index.Keys) == 0 {
		return index, errors.New("index requires at least one key")
	}
	if n := v.LookupPath(cue.ParsePath("name")); n.Exists() {
		if index.Name, err = n.String(); err != nil {
			return index, err
		}
	}
	if u := v.LookupPath(cue.ParsePath("unique")); u.Exists() {
		if index.Unique, err = u.Bool(); err != nil {
			return index, err
		}
	}
	return index, nil
}

func fieldError(collection, field string, err error) error {
	return &LoadError{Message: fmt.Sprintf("collection %s: %s: %v", collection, field, err)}
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(path string, err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return &LoadError{Path: path, Message: err.Error()}
	}
	first := errs[0]
	le := &LoadError{Path: path, Message: first.Error()}
	if positions := cueerrors.Positions(first); len(positions) > 0 {
		le.Pos = positions[0]
	}
	return le
}

// Names returns the collection names in declaration order.
func (c *Catalog) Names() []string {
	return append([]string(nil), c.names...)
}

// Lookup returns the named collection.
func (c *Catalog) Lookup(name string) (*Collection, bool) {
	coll, ok := c.byName[name]
	return coll, ok
}

// Context renders the schema block of the synthesis prompt for name.
func (c *Catalog) Context(name string) string {
	coll, ok := c.Lookup(name)
	if !ok || len(coll.Fields) == 0 {
		return fmt.Sprintf("No schema information is available for collection %q.", name)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Fields of collection %q", name)
	if coll.Description != "" {
		fmt.Fprintf(&b, " (%s)", coll.Description)
	}
	b.WriteString(":\n")
	for _, f := range coll.Fields {
		fmt.Fprintf(&b, "- %s: %s\n", f.Name, f.Type)
	}
	return strings.TrimSuffix(b.String(), "\n")
}
