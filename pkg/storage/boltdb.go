package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/escrowd/escrowd/pkg/types"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var allBuckets = []string{
	BucketPIVTokens,
	BucketPIVTokenHistory,
	BucketRecoveryConfigs,
	BucketRecoveryTokens,
	BucketTransitions,
}

// envelope is the on-disk row format: the schema version and the
// server-issued etag wrap the entity payload.
type envelope struct {
	V    int             `json:"v"`
	Etag string          `json:"etag"`
	Data json.RawMessage `json:"data"`
}

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db     *bolt.DB
	prefix string
}

// Option configures a BoltStore.
type Option func(*BoltStore)

// WithBucketPrefix namespaces every bucket, used by ops tooling to run
// against a production database without touching live rows.
func WithBucketPrefix(prefix string) Option {
	return func(s *BoltStore) { s.prefix = prefix }
}

// NewBoltStore opens (creating if needed) the database under dataDir.
func NewBoltStore(dataDir string, opts ...Option) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "escrowd.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &BoltStore{db: db}
	for _, opt := range opts {
		opt(s)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(s.bucketName(bucket)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) bucketName(bucket string) []byte {
	return []byte(s.prefix + bucket)
}

func (s *BoltStore) bucket(tx *bolt.Tx, bucket string) (*bolt.Bucket, error) {
	b := tx.Bucket(s.bucketName(bucket))
	if b == nil {
		return nil, fmt.Errorf("transport: unknown bucket %s", bucket)
	}
	return b, nil
}

func newEtag() string {
	return uuid.NewString()
}

func decodeRow(data []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return env, fmt.Errorf("transport: corrupt row: %w", err)
	}
	return env, nil
}

func encodeRow(env envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("transport: encode row: %w", err)
	}
	return data, nil
}

// Get returns the row stored under key.
func (s *BoltStore) Get(bucket, key string) (Row, error) {
	var row Row
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx, bucket)
		if err != nil {
			return err
		}
		data := b.Get([]byte(key))
		if data == nil {
			return fmt.Errorf("%s %s: %w", bucket, key, ErrNotFound)
		}
		env, err := decodeRow(data)
		if err != nil {
			return err
		}
		row = Row{Value: env.Data, Etag: env.Etag, V: env.V}
		return nil
	})
	return row, err
}

// Put creates or conditionally replaces one row and returns its new etag.
func (s *BoltStore) Put(bucket, key string, value json.RawMessage, etag string) (string, error) {
	var out string
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		out, err = s.putTx(tx, PutOp{Bucket: bucket, Key: key, Value: value, Etag: etag})
		return err
	})
	return out, err
}

func (s *BoltStore) putTx(tx *bolt.Tx, op PutOp) (string, error) {
	b, err := s.bucket(tx, op.Bucket)
	if err != nil {
		return "", err
	}

	existing := b.Get([]byte(op.Key))
	switch {
	case op.Etag == "" && existing != nil && !op.AllowOverwrite:
		return "", fmt.Errorf("%s %s: %w", op.Bucket, op.Key, ErrUniqueViolation)
	case op.Etag != "" && existing == nil:
		return "", fmt.Errorf("%s %s: %w", op.Bucket, op.Key, ErrNotFound)
	case op.Etag != "":
		env, err := decodeRow(existing)
		if err != nil {
			return "", err
		}
		if env.Etag != op.Etag {
			return "", fmt.Errorf("%s %s: %w", op.Bucket, op.Key, ErrConflict)
		}
	}

	env := envelope{V: types.SchemaVersion, Etag: newEtag(), Data: op.Value}
	data, err := encodeRow(env)
	if err != nil {
		return "", err
	}
	if err := b.Put([]byte(op.Key), data); err != nil {
		return "", fmt.Errorf("transport: %w", err)
	}
	return env.Etag, nil
}

// Delete removes one row, conditionally when etag is non-empty.
func (s *BoltStore) Delete(bucket, key, etag string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return s.deleteTx(tx, DeleteOp{Bucket: bucket, Key: key, Etag: etag})
	})
}

func (s *BoltStore) deleteTx(tx *bolt.Tx, op DeleteOp) error {
	b, err := s.bucket(tx, op.Bucket)
	if err != nil {
		return err
	}
	existing := b.Get([]byte(op.Key))
	if existing == nil {
		return fmt.Errorf("%s %s: %w", op.Bucket, op.Key, ErrNotFound)
	}
	if op.Etag != "" {
		env, err := decodeRow(existing)
		if err != nil {
			return err
		}
		if env.Etag != op.Etag {
			return fmt.Errorf("%s %s: %w", op.Bucket, op.Key, ErrConflict)
		}
	}
	if err := b.Delete([]byte(op.Key)); err != nil {
		return fmt.Errorf("transport: %w", err)
	}
	return nil
}

// Batch executes ops inside a single bolt transaction, all-or-nothing, and
// returns the new etag of each PutOp in input order.
func (s *BoltStore) Batch(ops []Op) ([]string, error) {
	etags := make([]string, len(ops))
	err := s.db.Update(func(tx *bolt.Tx) error {
		for i, op := range ops {
			switch op := op.(type) {
			case PutOp:
				etag, err := s.putTx(tx, op)
				if err != nil {
					return err
				}
				etags[i] = etag
			case DeleteOp:
				if err := s.deleteTx(tx, op); err != nil {
					return err
				}
			case UpdateManyOp:
				if err := s.updateManyTx(tx, op); err != nil {
					return err
				}
			case DeleteManyOp:
				if err := s.deleteManyTx(tx, op); err != nil {
					return err
				}
			default:
				return fmt.Errorf("unknown batch op %T: %w", op, ErrInvalidFilter)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return etags, nil
}

func (s *BoltStore) updateManyTx(tx *bolt.Tx, op UpdateManyOp) error {
	if op.Update == nil {
		return fmt.Errorf("update-many without update func: %w", ErrInvalidFilter)
	}
	b, err := s.bucket(tx, op.Bucket)
	if err != nil {
		return err
	}

	// Collect first; mutating a bucket during ForEach is undefined.
	type match struct {
		key []byte
		env envelope
	}
	var matches []match
	err = b.ForEach(func(k, v []byte) error {
		env, err := decodeRow(v)
		if err != nil {
			return err
		}
		if op.Filter != nil && !op.Filter(env.Data) {
			return nil
		}
		matches = append(matches, match{key: append([]byte(nil), k...), env: env})
		return nil
	})
	if err != nil {
		return err
	}

	for _, m := range matches {
		updated, err := op.Update(m.env.Data)
		if err != nil {
			return err
		}
		env := envelope{V: types.SchemaVersion, Etag: newEtag(), Data: updated}
		data, err := encodeRow(env)
		if err != nil {
			return err
		}
		if err := b.Put(m.key, data); err != nil {
			return fmt.Errorf("transport: %w", err)
		}
	}
	return nil
}

func (s *BoltStore) deleteManyTx(tx *bolt.Tx, op DeleteManyOp) error {
	b, err := s.bucket(tx, op.Bucket)
	if err != nil {
		return err
	}

	var keys [][]byte
	err = b.ForEach(func(k, v []byte) error {
		env, err := decodeRow(v)
		if err != nil {
			return err
		}
		if op.Filter != nil && !op.Filter(env.Data) {
			return nil
		}
		keys = append(keys, append([]byte(nil), k...))
		return nil
	})
	if err != nil {
		return err
	}

	for _, k := range keys {
		if err := b.Delete(k); err != nil {
			return fmt.Errorf("transport: %w", err)
		}
	}
	return nil
}

// List returns the filtered rows, ordered and paginated per opts.
func (s *BoltStore) List(bucket string, opts ListOpts) ([]Row, error) {
	var rows []Row
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx, bucket)
		if err != nil {
			return err
		}
		return b.ForEach(func(k, v []byte) error {
			env, err := decodeRow(v)
			if err != nil {
				return err
			}
			if opts.Filter != nil && !opts.Filter(env.Data) {
				return nil
			}
			rows = append(rows, Row{Value: env.Data, Etag: env.Etag, V: env.V})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	if opts.Less != nil {
		sort.SliceStable(rows, func(i, j int) bool {
			return opts.Less(rows[i].Value, rows[j].Value)
		})
	}

	if opts.Offset > 0 {
		if opts.Offset >= len(rows) {
			return nil, nil
		}
		rows = rows[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(rows) {
		rows = rows[:opts.Limit]
	}
	return rows, nil
}

// Count returns the filtered cardinality of a bucket.
func (s *BoltStore) Count(bucket string, filter Filter) (int, error) {
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx, bucket)
		if err != nil {
			return err
		}
		return b.ForEach(func(k, v []byte) error {
			if filter == nil {
				count++
				return nil
			}
			env, err := decodeRow(v)
			if err != nil {
				return err
			}
			if filter(env.Data) {
				count++
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}
