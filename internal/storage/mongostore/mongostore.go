// Package mongostore implements the storage interfaces on a MongoDB
// deployment through the official Go driver.
//
// One client is created per Engine and connected lazily on the first
// collection acquisition. Every acquisition checks liveness with a primary
// ping and retries once before reporting storage.ErrUnavailable.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/roach88/querypilot/internal/storage"
)

// Connection defaults.
const (
	DefaultURI      = "mongodb://localhost:27017/"
	DefaultDatabase = "university_db"
	DefaultTimeout  = 3 * time.Second

	defaultAttempts = 2
	defaultBackoff  = 500 * time.Millisecond
)

// Config configures an Engine.
type Config struct {
	URI      string // DefaultURI when empty
	Database string // DefaultDatabase when empty

	// Timeout bounds connecting, server selection and each liveness ping.
	Timeout time.Duration

	// Attempts and Backoff control collection acquisition retries.
	// A negative Backoff retries immediately.
	Attempts int
	Backoff  time.Duration

	Logger *slog.Logger
}

// Engine is a storage.Engine backed by one *mongo.Client.
type Engine struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	client *mongo.Client
}

var _ storage.Engine = (*Engine)(nil)

// New returns an unconnected Engine.
func New(cfg Config) *Engine {
	if cfg.URI == "" {
		cfg.URI = DefaultURI
	}
	if cfg.Database == "" {
		cfg.Database = DefaultDatabase
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = defaultAttempts
	}
	if cfg.Backoff < 0 {
		cfg.Backoff = 0
	} else if cfg.Backoff == 0 {
		cfg.Backoff = defaultBackoff
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{cfg: cfg, logger: logger}
}

// connect returns the shared client, creating it on first use.
func (e *Engine) connect(ctx context.Context) (*mongo.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.client != nil {
		return e.client, nil
	}

	opts := options.Client().
		ApplyURI(e.cfg.URI).
		SetConnectTimeout(e.cfg.Timeout).
		SetServerSelectionTimeout(e.cfg.Timeout)

	connectCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, opts)
	if err != nil {
		return nil, err
	}
	e.client = client
	e.logger.Debug("mongo client created", "database", e.cfg.Database)
	return client, nil
}

// reset drops a client that failed its liveness check so the next attempt
// reconnects from scratch.
func (e *Engine) reset(ctx context.Context, client *mongo.Client) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client != client {
		return
	}
	e.client = nil
	_ = client.Disconnect(ctx)
}

func (e *Engine) ping(ctx context.Context, client *mongo.Client) error {
	// Commands inside a transaction run on the transaction's session, and
	// ping is not permitted there.
	if sess := mongo.SessionFromContext(ctx); sess != nil {
		return nil
	}
	pingCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()
	return client.Ping(pingCtx, readpref.Primary())
}

// acquire returns a live client, retrying with backoff.
func (e *Engine) acquire(ctx context.Context) (*mongo.Client, error) {
	var lastErr error
	for attempt := 1; attempt <= e.cfg.Attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", storage.ErrUnavailable, ctx.Err())
			case <-time.After(e.cfg.Backoff):
			}
		}

		client, err := e.connect(ctx)
		if err == nil {
			if err = e.ping(ctx, client); err == nil {
				return client, nil
			}
			e.reset(ctx, client)
		}
		lastErr = err
		e.logger.Warn("mongo acquisition failed",
			"attempt", attempt,
			"of", e.cfg.Attempts,
			"error", err)
	}
	return nil, fmt.Errorf("%w: %v", storage.ErrUnavailable, lastErr)
}

// Collection acquires the named collection in the configured database.
func (e *Engine) Collection(ctx context.Context, name string) (storage.Collection, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	client, err := e.acquire(ctx)
	if err != nil {
		return nil, err
	}
	db := client.Database(e.cfg.Database)
	return &Collection{db: db, coll: db.Collection(name)}, nil
}

func checkName(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return fmt.Errorf("%w: empty collection name", storage.ErrUnavailable)
	case strings.ContainsAny(name, "$\x00"):
		return fmt.Errorf("%w: invalid collection name %q", storage.ErrUnavailable, name)
	case strings.HasPrefix(name, "system."):
		return fmt.Errorf("%w: reserved collection name %q", storage.ErrUnavailable, name)
	}
	return nil
}

// WithTransaction runs fn inside a session transaction. The driver retries
// transient commit errors; an error from fn aborts.
func (e *Engine) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if mongo.SessionFromContext(ctx) != nil {
		return errors.New("transaction already in progress")
	}
	client, err := e.acquire(ctx)
	if err != nil {
		return err
	}
	sess, err := client.StartSession()
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (any, error) {
		return nil, fn(sc)
	})
	return err
}

// Ping checks that the deployment answers a primary ping.
func (e *Engine) Ping(ctx context.Context) error {
	_, err := e.acquire(ctx)
	return err
}

// Close disconnects the client if one was created.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client == nil {
		return nil
	}
	err := e.client.Disconnect(ctx)
	e.client = nil
	return err
}

// Collection is a storage.Collection on one MongoDB collection.
type Collection struct {
	db   *mongo.Database
	coll *mongo.Collection
}

var _ storage.Collection = (*Collection)(nil)

// Name returns the collection name.
func (c *Collection) Name() string { return c.coll.Name() }

// emptyIfNil substitutes an empty filter; the driver rejects nil documents.
func emptyIfNil(d bson.D) bson.D {
	if d == nil {
		return bson.D{}
	}
	return d
}

// wrapErr maps driver errors onto storage sentinels.
func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: %v", storage.ErrDuplicateKey, err)
	}
	return err
}

func (c *Collection) Find(ctx context.Context, filter bson.D, opts storage.FindOptions) ([]bson.D, error) {
	fo := options.Find()
	if opts.Projection != nil {
		fo.SetProjection(opts.Projection)
	}
	if len(opts.Sort) > 0 {
		fo.SetSort(opts.Sort)
	}
	if opts.Limit > 0 {
		fo.SetLimit(opts.Limit)
	}
	cur, err := c.coll.Find(ctx, emptyIfNil(filter), fo)
	if err != nil {
		return nil, err
	}
	return readAll(ctx, cur)
}

func readAll(ctx context.Context, cur *mongo.Cursor) ([]bson.D, error) {
	out := []bson.D{}
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Collection) InsertOne(ctx context.Context, doc bson.D) (any, error) {
	res, err := c.coll.InsertOne(ctx, doc)
	if err != nil {
		return nil, wrapErr(err)
	}
	return res.InsertedID, nil
}

func (c *Collection) InsertMany(ctx context.Context, docs []bson.D) ([]any, error) {
	if len(docs) == 0 {
		return nil, errors.New("must provide at least one element in input slice")
	}
	in := make([]any, len(docs))
	for i, d := range docs {
		in[i] = d
	}
	res, err := c.coll.InsertMany(ctx, in)
	if err != nil {
		return nil, wrapErr(err)
	}
	return res.InsertedIDs, nil
}

func (c *Collection) UpdateMany(ctx context.Context, filter, update bson.D) (storage.UpdateResult, error) {
	res, err := c.coll.UpdateMany(ctx, emptyIfNil(filter), update)
	if err != nil {
		return storage.UpdateResult{}, wrapErr(err)
	}
	return storage.UpdateResult{Matched: res.MatchedCount, Modified: res.ModifiedCount}, nil
}

func (c *Collection) DeleteMany(ctx context.Context, filter bson.D) (int64, error) {
	res, err := c.coll.DeleteMany(ctx, emptyIfNil(filter))
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

func (c *Collection) Aggregate(ctx context.Context, pipeline []bson.D) ([]bson.D, error) {
	cur, err := c.coll.Aggregate(ctx, mongo.Pipeline(pipeline))
	if err != nil {
		return nil, err
	}
	return readAll(ctx, cur)
}

func (c *Collection) CountDocuments(ctx context.Context, filter bson.D) (int64, error) {
	return c.coll.CountDocuments(ctx, emptyIfNil(filter))
}

// BulkWrite submits models as one ordered batch.
func (c *Collection) BulkWrite(ctx context.Context, models []storage.WriteModel) (storage.BulkResult, error) {
	wm, err := writeModels(models)
	if err != nil {
		return storage.BulkResult{}, err
	}
	res, err := c.coll.BulkWrite(ctx, wm, options.BulkWrite().SetOrdered(true))
	if err != nil {
		return storage.BulkResult{}, wrapErr(err)
	}
	return storage.BulkResult{
		Inserted: res.InsertedCount,
		Matched:  res.MatchedCount,
		Modified: res.ModifiedCount,
		Deleted:  res.DeletedCount,
		Upserted: res.UpsertedCount,
	}, nil
}

// writeModels translates storage models into driver models.
func writeModels(models []storage.WriteModel) ([]mongo.WriteModel, error) {
	if len(models) == 0 {
		return nil, errors.New("must provide at least one element in input slice")
	}
	out := make([]mongo.WriteModel, 0, len(models))
	for i, m := range models {
		switch m := m.(type) {
		case storage.InsertOneModel:
			out = append(out, mongo.NewInsertOneModel().SetDocument(m.Document))
		case storage.UpdateManyModel:
			out = append(out, mongo.NewUpdateManyModel().SetFilter(emptyIfNil(m.Filter)).SetUpdate(m.Update))
		case storage.DeleteManyModel:
			out = append(out, mongo.NewDeleteManyModel().SetFilter(emptyIfNil(m.Filter)))
		case storage.ReplaceOneModel:
			out = append(out, mongo.NewReplaceOneModel().SetFilter(emptyIfNil(m.Filter)).SetReplacement(m.Replacement))
		default:
			return nil, fmt.Errorf("bulk write operation %d: unsupported model %T", i, m)
		}
	}
	return out, nil
}

func (c *Collection) CreateIndex(ctx context.Context, index storage.IndexModel) (string, error) {
	opts := options.Index()
	if index.Name != "" {
		opts.SetName(index.Name)
	}
	if index.Unique {
		opts.SetUnique(true)
	}
	name, err := c.coll.Indexes().CreateOne(ctx, mongo.IndexModel{Keys: index.Keys, Options: opts})
	if err != nil {
		return "", wrapErr(err)
	}
	return name, nil
}

// MapReduce runs the mapReduce command with output replacing spec.Out and
// returns the output collection's documents.
func (c *Collection) MapReduce(ctx context.Context, spec storage.MapReduceSpec) ([]bson.D, error) {
	out := spec.Out
	if out == "" {
		out = "results"
	}
	cmd := mapReduceCommand(c.coll.Name(), spec, out)
	if err := c.db.RunCommand(ctx, cmd).Err(); err != nil {
		return nil, err
	}
	cur, err := c.db.Collection(out).Find(ctx, bson.D{})
	if err != nil {
		return nil, err
	}
	return readAll(ctx, cur)
}

func mapReduceCommand(coll string, spec storage.MapReduceSpec, out string) bson.D {
	cmd := bson.D{
		{Key: "mapReduce", Value: coll},
		{Key: "map", Value: primitive.JavaScript(spec.Map)},
		{Key: "reduce", Value: primitive.JavaScript(spec.Reduce)},
		{Key: "out", Value: bson.D{{Key: "replace", Value: out}}},
	}
	if len(spec.Query) > 0 {
		cmd = append(cmd, bson.E{Key: "query", Value: spec.Query})
	}
	return cmd
}
