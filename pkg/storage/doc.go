/*
Package storage provides BoltDB-backed persistence for escrowd's entities.

The storage package implements the Store interface using BoltDB as the
underlying database. It exposes bucket-level get / put / delete with
optimistic concurrency, atomic multi-op batches, filtered listing and
counting. All data is serialized as JSON inside a small row envelope that
carries the schema version and a server-issued etag.

# Buckets

	pivtokens                          PIV token rows, keyed by GUID
	pivtoken_history                   archive rows written on delete
	recovery_configurations            eBox templates, keyed by derived UUID
	recovery_tokens                    per-PIV token chains, keyed by UUID
	recovery_configuration_transitions fan-out records, keyed by UUID

# Concurrency model

BoltDB serializes writers, so every conditional check (etag compare, unique
check) and its write happen inside one Update transaction and are exact.
Readers get MVCC snapshots and may observe stale rows; they re-validate via
etag on the next write. Multi-row invariants are expressed as a single
Batch, never as two writes.

# Error contract

	ErrNotFound        key missing
	ErrConflict        etag mismatch on conditional put/delete (retryable)
	ErrUniqueViolation create over an existing key
	ErrInvalidFilter   malformed batch/filter arguments

Everything else is a transport error wrapped with context:
fmt.Errorf("transport: %w", err).

# Usage

	store, err := storage.NewBoltStore("/var/db/escrowd")
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	etag, err := store.Put(storage.BucketPIVTokens, guid, data, "")
	row, err := store.Get(storage.BucketPIVTokens, guid)

	// Cross-row invariant as one atomic batch:
	_, err = store.Batch([]storage.Op{
		storage.PutOp{Bucket: storage.BucketPIVTokens, Key: guid, Value: data},
		storage.PutOp{Bucket: storage.BucketRecoveryTokens, Key: rtUUID, Value: rtData},
	})

The filter pattern is list-all, filter in memory: predicates run over the
JSON payload of each row. Datasets are fleet-sized (thousands of rows at
most), which keeps full scans cheap; secondary indexes can come later if
fleets outgrow that.
*/
package storage
