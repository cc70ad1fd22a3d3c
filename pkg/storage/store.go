package storage

import (
	"encoding/json"
	"errors"
)

// Bucket names. These are the only logical buckets in the database; the
// model layer owns which entity lives where.
const (
	BucketPIVTokens       = "pivtokens"
	BucketPIVTokenHistory = "pivtoken_history"
	BucketRecoveryConfigs = "recovery_configurations"
	BucketRecoveryTokens  = "recovery_tokens"
	BucketTransitions     = "recovery_configuration_transitions"
)

// Error kinds of the store contract. Callers match with errors.Is; anything
// else is a transport error from the backing database.
var (
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("etag mismatch")
	ErrUniqueViolation = errors.New("unique violation")
	ErrInvalidFilter   = errors.New("invalid filter")
)

// Row is a stored value together with its concurrency metadata.
type Row struct {
	Value json.RawMessage
	Etag  string
	V     int
}

// Filter is a predicate over a stored value. A nil Filter matches all rows.
type Filter func(value json.RawMessage) bool

// ListOpts controls filtering, ordering and pagination of List.
type ListOpts struct {
	Filter Filter
	// Less orders the result set; nil means key order.
	Less   func(a, b json.RawMessage) bool
	Limit  int
	Offset int
}

// Op is one operation inside an atomic Batch.
type Op interface {
	isOp()
}

// PutOp creates (empty Etag) or conditionally replaces (Etag set) a single
// row.
type PutOp struct {
	Bucket string
	Key    string
	Value  json.RawMessage
	Etag   string
	// AllowOverwrite disables the unique-violation check for creates; used
	// for upsert-style writes where the key is content-derived.
	AllowOverwrite bool
}

// UpdateManyOp applies Update to every row matching Filter.
type UpdateManyOp struct {
	Bucket string
	Filter Filter
	Update func(value json.RawMessage) (json.RawMessage, error)
}

// DeleteOp removes a single row, conditionally when Etag is set.
type DeleteOp struct {
	Bucket string
	Key    string
	Etag   string
}

// DeleteManyOp removes every row matching Filter.
type DeleteManyOp struct {
	Bucket string
	Filter Filter
}

func (PutOp) isOp()        {}
func (UpdateManyOp) isOp() {}
func (DeleteOp) isOp()     {}
func (DeleteManyOp) isOp() {}

// Store is the persistence contract consumed by the model layer. It is the
// only component allowed to touch the backing database.
type Store interface {
	Get(bucket, key string) (Row, error)

	// Put creates the row when etag is empty, or conditionally replaces it
	// when etag matches the stored one. It returns the new etag.
	Put(bucket, key string, value json.RawMessage, etag string) (string, error)

	// Delete removes the row, conditionally when etag is non-empty.
	Delete(bucket, key, etag string) error

	// Batch executes ops all-or-nothing and returns the new etag of each
	// PutOp in input order (empty strings for the other op kinds).
	Batch(ops []Op) ([]string, error)

	List(bucket string, opts ListOpts) ([]Row, error)

	// Count returns the cardinality of the filtered bucket without
	// materializing rows for the caller.
	Count(bucket string, filter Filter) (int, error)

	Close() error
}
