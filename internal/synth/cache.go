package synth

import (
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"
)

// cacheEntry is one remembered oracle reply.
type cacheEntry struct {
	Raw        string `msgpack:"raw"`
	Normalized string `msgpack:"normalized"`
	StoredAt   int64  `msgpack:"stored_at"` // unix nanoseconds
}

// cache is an in-memory Badger store of oracle replies with per-entry TTL.
//
// Badger expires entries at second granularity, so lookups also compare
// StoredAt against the cache's own clock.
type cache struct {
	db  *badger.DB
	ttl time.Duration
	now func() time.Time
}

func openCache(ttl time.Duration, now func() time.Time) (*cache, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	opts.NumVersionsToKeep = 1
	opts.MemTableSize = 16 << 20
	opts.BlockCacheSize = 1 << 20
	opts.DetectConflicts = false

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open generation cache: %w", err)
	}
	return &cache{db: db, ttl: ttl, now: now}, nil
}

// get returns the entry stored under key. Missing and expired entries
// report false with a nil error.
func (c *cache) get(key string) (cacheEntry, bool, error) {
	var entry cacheEntry
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return msgpack.Unmarshal(val, &entry)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return cacheEntry{}, false, nil
	}
	if err != nil {
		return cacheEntry{}, false, err
	}
	if c.now().Sub(time.Unix(0, entry.StoredAt)) >= c.ttl {
		return cacheEntry{}, false, nil
	}
	return entry, true, nil
}

func (c *cache) put(key string, entry cacheEntry) error {
	entry.StoredAt = c.now().UnixNano()
	val, err := msgpack.Marshal(&entry)
	if err != nil {
		return err
	}
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry([]byte(key), val).WithTTL(c.ttl))
	})
}

func (c *cache) close() error {
	return c.db.Close()
}
