// Package memstore is an in-process implementation of the storage
// interfaces.
//
// Documents are held as bson.D values and never mutated in place: every
// write builds new documents, so a copy of a collection's document slice is a
// consistent snapshot. Transactions and bulk writes rely on that to roll
// back.
//
// Query, update and aggregation support covers the operators generated IR
// uses in practice. Map-reduce needs a JavaScript runtime and is reported as
// unsupported.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/roach88/querypilot/internal/storage"
)

// Engine is an in-memory document store.
type Engine struct {
	// txMu serialises transactions against every other operation. Plain
	// operations hold it shared, a transaction holds it exclusively.
	txMu sync.RWMutex

	mu     sync.Mutex
	colls  map[string]*collData
	closed bool

	newID        func() any
	logger       *slog.Logger
	snapshotPath string
}

// collData is the state of one collection.
type collData struct {
	docs    []bson.D
	indexes []storage.IndexModel
}

func (c *collData) clone() *collData {
	return &collData{
		docs:    append([]bson.D(nil), c.docs...),
		indexes: append([]storage.IndexModel(nil), c.indexes...),
	}
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithIDGenerator replaces the ObjectID generator used for documents inserted
// without an _id.
func WithIDGenerator(fn func() any) Option {
	return func(e *Engine) {
		if fn != nil {
			e.newID = fn
		}
	}
}

// WithSnapshot makes Open load path when it exists and Close write it back.
func WithSnapshot(path string) Option {
	return func(e *Engine) { e.snapshotPath = path }
}

// New creates an empty engine. Snapshot options are ignored; use Open to
// load one.
func New(opts ...Option) *Engine {
	e := &Engine{
		colls:  map[string]*collData{},
		newID:  func() any { return primitive.NewObjectID() },
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Open creates an engine and loads its snapshot file, if one is configured
// and present.
func Open(opts ...Option) (*Engine, error) {
	e := New(opts...)
	if e.snapshotPath == "" {
		return e, nil
	}
	if err := e.Load(e.snapshotPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return e, nil
		}
		return nil, err
	}
	return e, nil
}

type txKey struct{ e *Engine }

func (e *Engine) inTx(ctx context.Context) bool {
	v, _ := ctx.Value(txKey{e}).(bool)
	return v
}

// lock acquires the engine for one operation and returns the release func.
func (e *Engine) lock(ctx context.Context) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	shared := !e.inTx(ctx)
	if shared {
		e.txMu.RLock()
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		if shared {
			e.txMu.RUnlock()
		}
		return nil, fmt.Errorf("%w: engine closed", storage.ErrUnavailable)
	}
	return func() {
		e.mu.Unlock()
		if shared {
			e.txMu.RUnlock()
		}
	}, nil
}

// data returns the named collection's state, creating it when create is set.
// Caller holds e.mu.
func (e *Engine) data(name string, create bool) *collData {
	cd, ok := e.colls[name]
	if !ok && create {
		cd = &collData{}
		e.colls[name] = cd
	}
	return cd
}

func validCollectionName(name string) error {
	switch {
	case name == "":
		return errors.New("collection name is empty")
	case strings.ContainsAny(name, "$\x00"):
		return fmt.Errorf("invalid collection name %q", name)
	case strings.HasPrefix(name, "system."):
		return fmt.Errorf("collection name %q is reserved", name)
	}
	return nil
}

// Collection returns a handle on name. Collections are created on first
// write.
func (e *Engine) Collection(ctx context.Context, name string) (storage.Collection, error) {
	if err := validCollectionName(name); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}
	if err := e.Ping(ctx); err != nil {
		return nil, err
	}
	return &Collection{e: e, name: name}, nil
}

// WithTransaction runs fn with exclusive access to the engine. If fn returns
// an error every collection is restored to its state before fn ran.
// Transactions do not nest.
func (e *Engine) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if e.inTx(ctx) {
		return errors.New("transaction already in progress")
	}

	e.txMu.Lock()
	defer e.txMu.Unlock()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return fmt.Errorf("%w: engine closed", storage.ErrUnavailable)
	}
	saved := make(map[string]*collData, len(e.colls))
	for name, cd := range e.colls {
		saved[name] = cd.clone()
	}
	e.mu.Unlock()

	err := fn(context.WithValue(ctx, txKey{e}, true))
	if err == nil {
		return nil
	}

	e.mu.Lock()
	e.colls = saved
	e.mu.Unlock()
	e.logger.Debug("memstore transaction rolled back", "error", err)
	return err
}

// Ping reports ErrUnavailable once the engine is closed.
func (e *Engine) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return fmt.Errorf("%w: engine closed", storage.ErrUnavailable)
	}
	return nil
}

// Close writes the configured snapshot and makes the engine unusable.
func (e *Engine) Close(ctx context.Context) error {
	e.txMu.Lock()
	defer e.txMu.Unlock()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	var err error
	if e.snapshotPath != "" {
		err = writeSnapshot(e.snapshotPath, e.colls)
	}
	e.closed = true
	e.mu.Unlock()
	return err
}

// Names lists collections that hold documents or indexes, sorted.
func (e *Engine) Names() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, 0, len(e.colls))
	for name, cd := range e.colls {
		if len(cd.docs) > 0 || len(cd.indexes) > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
