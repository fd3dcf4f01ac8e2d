package memstore

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/pierrec/lz4/v4"
	"github.com/vmihailenco/msgpack/v5"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/roach88/querypilot/internal/storage"
)

// Snapshot file layout:
//
//	magic "QPMS" | version byte | flags byte | uncompressed length uint32 BE | payload
//
// The payload is a msgpack snapshotFile, lz4 block-compressed when
// flagCompressed is set. Documents are stored as BSON so that types survive.
const (
	snapshotMagic   = "QPMS"
	snapshotVersion = 1
	headerSize      = len(snapshotMagic) + 2 + 4

	flagCompressed = 1
)

// ErrBadSnapshot reports a file that is not a readable snapshot.
var ErrBadSnapshot = errors.New("invalid snapshot file")

type snapshotFile struct {
	Collections []snapshotColl `msgpack:"collections"`
}

type snapshotColl struct {
	Name    string          `msgpack:"name"`
	Docs    [][]byte        `msgpack:"docs"`
	Indexes []snapshotIndex `msgpack:"indexes"`
}

type snapshotIndex struct {
	Name   string `msgpack:"name"`
	Keys   []byte `msgpack:"keys"`
	Unique bool   `msgpack:"unique"`
}

// Save writes every collection to path.
func (e *Engine) Save(path string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return writeSnapshot(path, e.colls)
}

// Load replaces the engine's collections with the contents of path.
func (e *Engine) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	colls, err := decodeSnapshot(data)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.colls = colls
	e.logger.Debug("memstore snapshot loaded", "path", path, "collections", len(colls))
	return nil
}

func writeSnapshot(path string, colls map[string]*collData) error {
	data, err := encodeSnapshot(colls)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create snapshot: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("install snapshot: %w", err)
	}
	return nil
}

func encodeSnapshot(colls map[string]*collData) ([]byte, error) {
	names := make([]string, 0, len(colls))
	for name := range colls {
		names = append(names, name)
	}
	sort.Strings(names)

	var file snapshotFile
	for _, name := range names {
		cd := colls[name]
		sc := snapshotColl{Name: name}
		for _, d := range cd.docs {
			raw, err := bson.Marshal(d)
			if err != nil {
				return nil, fmt.Errorf("encode %s document: %w", name, err)
			}
			sc.Docs = append(sc.Docs, raw)
		}
		for _, idx := range cd.indexes {
			keys, err := bson.Marshal(idx.Keys)
			if err != nil {
				return nil, fmt.Errorf("encode %s index %s: %w", name, idx.Name, err)
			}
			sc.Indexes = append(sc.Indexes, snapshotIndex{Name: idx.Name, Keys: keys, Unique: idx.Unique})
		}
		file.Collections = append(file.Collections, sc)
	}

	payload, err := msgpack.Marshal(&file)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}

	flags := byte(0)
	body := payload
	compressed := make([]byte, lz4.CompressBlockBound(len(payload)))
	var hashTable [1 << 16]int
	n, err := lz4.CompressBlock(payload, compressed, hashTable[:])
	if err != nil {
		return nil, fmt.Errorf("compress snapshot: %w", err)
	}
	// n is zero when the payload does not compress.
	if n > 0 && n < len(payload) {
		flags |= flagCompressed
		body = compressed[:n]
	}

	var buf bytes.Buffer
	buf.Grow(headerSize + len(body))
	buf.WriteString(snapshotMagic)
	buf.WriteByte(snapshotVersion)
	buf.WriteByte(flags)
	_ = binary.Write(&buf, binary.BigEndian, uint32(len(payload)))
	buf.Write(body)
	return buf.Bytes(), nil
}

func decodeSnapshot(data []byte) (map[string]*collData, error) {
	if len(data) < headerSize || string(data[:len(snapshotMagic)]) != snapshotMagic {
		return nil, ErrBadSnapshot
	}
	r := bytes.NewReader(data[len(snapshotMagic):])
	version, _ := r.ReadByte()
	if version != snapshotVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrBadSnapshot, version)
	}
	flags, _ := r.ReadByte()
	var rawLen uint32
	if err := binary.Read(r, binary.BigEndian, &rawLen); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSnapshot, err)
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	payload := body
	if flags&flagCompressed != 0 {
		payload = make([]byte, rawLen)
		n, err := lz4.UncompressBlock(body, payload)
		if err != nil {
			return nil, fmt.Errorf("%w: decompress: %v", ErrBadSnapshot, err)
		}
		payload = payload[:n]
	}
	if uint32(len(payload)) != rawLen {
		return nil, fmt.Errorf("%w: length mismatch", ErrBadSnapshot)
	}

	var file snapshotFile
	if err := msgpack.Unmarshal(payload, &file); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrBadSnapshot, err)
	}

	colls := make(map[string]*collData, len(file.Collections))
	for _, sc := range file.Collections {
		cd := &collData{}
		for _, raw := range sc.Docs {
			var d bson.D
			if err := bson.Unmarshal(raw, &d); err != nil {
				return nil, fmt.Errorf("%w: collection %s: %v", ErrBadSnapshot, sc.Name, err)
			}
			cd.docs = append(cd.docs, d)
		}
		for _, si := range sc.Indexes {
			var keys bson.D
			if err := bson.Unmarshal(si.Keys, &keys); err != nil {
				return nil, fmt.Errorf("%w: collection %s index %s: %v", ErrBadSnapshot, sc.Name, si.Name, err)
			}
			cd.indexes = append(cd.indexes, storage.IndexModel{Keys: keys, Name: si.Name, Unique: si.Unique})
		}
		colls[sc.Name] = cd
	}
	return colls, nil
}
