package ir

import "go.mongodb.org/mongo-driver/bson"

// Kind names a top-level operation.
type Kind string

// Operation kinds accepted in the "operation" field.
const (
	KindFind      Kind = "find"
	KindInsert    Kind = "insert"
	KindUpdate    Kind = "update"
	KindDelete    Kind = "delete"
	KindAggregate Kind = "aggregate"
	KindCount     Kind = "count"
	KindBulk      Kind = "bulk"
	KindAdvanced  Kind = "advanced"

	// KindReplace is only valid inside a bulk request.
	KindReplace Kind = "replace"
)

// Kinds lists the top-level operation kinds in documentation order.
var Kinds = []Kind{KindFind, KindInsert, KindUpdate, KindDelete, KindAggregate, KindCount, KindBulk, KindAdvanced}

// ValidKinds is the lookup form of Kinds.
var ValidKinds = map[Kind]bool{
	KindFind:      true,
	KindInsert:    true,
	KindUpdate:    true,
	KindDelete:    true,
	KindAggregate: true,
	KindCount:     true,
	KindBulk:      true,
	KindAdvanced:  true,
}

// AdvancedKind names an advanced operation.
type AdvancedKind string

// Advanced operation kinds accepted in the "advanced_operation" field.
const (
	AdvancedTextSearch  AdvancedKind = "text_search"
	AdvancedGeospatial  AdvancedKind = "geospatial"
	AdvancedTransaction AdvancedKind = "transaction"
	AdvancedCreateIndex AdvancedKind = "create_index"
	AdvancedMapReduce   AdvancedKind = "map_reduce"
)

// ValidAdvancedKinds is the set of supported advanced operations.
var ValidAdvancedKinds = map[AdvancedKind]bool{
	AdvancedTextSearch:  true,
	AdvancedGeospatial:  true,
	AdvancedTransaction: true,
	AdvancedCreateIndex: true,
	AdvancedMapReduce:   true,
}

// ValidBulkKinds is the set of kinds allowed inside a bulk request.
var ValidBulkKinds = map[Kind]bool{
	KindInsert:  true,
	KindUpdate:  true,
	KindDelete:  true,
	KindReplace: true,
}

// Defaults applied during decoding.
const (
	// DefaultFindLimit caps find results when the request names no limit.
	DefaultFindLimit int64 = 100

	// DefaultMaxDistance bounds geospatial proximity searches, in metres.
	DefaultMaxDistance float64 = 1000

	// DefaultGeoField is the document field holding GeoJSON points.
	DefaultGeoField = "location"

	// DefaultMapReduceOut is the output collection for map-reduce.
	DefaultMapReduceOut = "results"

	// IDField is the storage engine's internal identifier field.
	IDField = "_id"
)

// Operation is a decoded, typed operation request.
//
// This is a sealed interface - only types in this package implement it.
type Operation interface {
	// Kind returns the top-level kind the operation was decoded from.
	Kind() Kind
	operationNode()
}

// Find selects documents.
//
// Limit is already resolved: 0 means unbounded, any positive value caps the
// result set. Projection is nil only when the request explicitly passed an
// empty projection.
type Find struct {
	Collection string
	Query      bson.D
	Projection bson.D
	Sort       bson.D
	Limit      int64
}

func (*Find) Kind() Kind { return KindFind }
func (*Find) operationNode() {}

// Insert adds one or more documents. Many is true when the request used
// the "documents" form, even with a single element.
type Insert struct {
	Collection string
	Documents  []bson.D
	Many       bool
}

func (*Insert) Kind() Kind { return KindInsert }
func (*Insert) operationNode() {}

// Update applies an update expression to every matching document.
type Update struct {
	Collection string
	Filter     bson.D
	Update     bson.D
}

func (*Update) Kind() Kind { return KindUpdate }
func (*Update) operationNode() {}

// Delete removes every matching document. Selector records which request
// key ("filter" or "query") supplied Filter.
type Delete struct {
	Collection string
	Filter     bson.D
	Selector   string
}

func (*Delete) Kind() Kind { return KindDelete }
func (*Delete) operationNode() {}

// Aggregate runs a pipeline of opaque stages.
type Aggregate struct {
	Collection string
	Pipeline   []bson.D
}

func (*Aggregate) Kind() Kind { return KindAggregate }
func (*Aggregate) operationNode() {}

// Count counts matching documents. A nil Query counts everything.
type Count struct {
	Collection string
	Query      bson.D
}

func (*Count) Kind() Kind { return KindCount }
func (*Count) operationNode() {}

// BulkItem is one write inside a bulk request.
type BulkItem struct {
	Kind        Kind
	Collection  string
	Document    bson.D // insert
	Filter      bson.D // update, delete, replace
	Update      bson.D // update
	Replacement bson.D // replace
}

// Bulk is an ordered batch of writes against one collection, taken from the
// first item.
type Bulk struct {
	Collection string
	Items      []BulkItem
}

func (*Bulk) Kind() Kind { return KindBulk }
func (*Bulk) operationNode() {}

// TextSearch is a relevance-ranked full-text query.
type TextSearch struct {
	Collection string
	SearchTerm string
}

func (*TextSearch) Kind() Kind { return KindAdvanced }
func (*TextSearch) operationNode() {}

// Geospatial is a proximity query around a [longitude, latitude] point.
type Geospatial struct {
	Collection  string
	Field       string
	Coordinates [2]float64
	MaxDistance float64
}

func (*Geospatial) Kind() Kind { return KindAdvanced }
func (*Geospatial) operationNode() {}

// Transaction runs nested requests as one all-or-nothing unit.
// Nested requests stay in Document form; each is validated and executed
// through the top-level path.
type Transaction struct {
	Operations []Document
}

func (*Transaction) Kind() Kind { return KindAdvanced }
func (*Transaction) operationNode() {}

// CreateIndex declares an index.
type CreateIndex struct {
	Collection string
	Keys       bson.D
	Name       string
	Unique     bool
}

func (*CreateIndex) Kind() Kind { return KindAdvanced }
func (*CreateIndex) operationNode() {}

// MapReduce submits opaque map and reduce functions.
type MapReduce struct {
	Collection string
	Map        string
	Reduce     string
	Out        string
	Query      bson.D
}

func (*MapReduce) Kind() Kind { return KindAdvanced }
func (*MapReduce) operationNode() {}

// Advanced returns the advanced kind of op, or "" for basic operations.
func Advanced(op Operation) AdvancedKind {
	switch op.(type) {
	case *TextSearch:
		return AdvancedTextSearch
	case *Geospatial:
		return AdvancedGeospatial
	case *Transaction:
		return AdvancedTransaction
	case *CreateIndex:
		return AdvancedCreateIndex
	case *MapReduce:
		return AdvancedMapReduce
	default:
		return ""
	}
}
