// Package metastore is the thin client over the durable, linearizable
// key-value store that holds every piece of meta state.
//
// Every write carries an expected version. A key's version is the store
// revision of its last write, so two writers racing on the same key cannot
// both succeed: the loser gets ErrVersionConflict and must re-read and redo
// its business logic, not just the write.
package metastore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by Get when the key does not exist
	ErrNotFound = errors.New("metastore: key not found")

	// ErrVersionConflict is returned when an expected version does not match
	ErrVersionConflict = errors.New("metastore: version conflict")

	// ErrUnavailable is returned when the backing store cannot be reached.
	// It is fatal to leadership.
	ErrUnavailable = errors.New("metastore: store unavailable")

	// ErrCompacted is returned by Watch when the requested start revision is no longer retained
	ErrCompacted = errors.New("metastore: revision compacted")

	// ErrClosed is returned after Close
	ErrClosed = errors.New("metastore: store closed")
)

const (
	// AnyVersion skips the version check
	AnyVersion int64 = -1

	// NotExists requires the key to be absent
	NotExists int64 = 0
)

// KV is a stored value with its version
type KV struct {
	Key     string
	Value   []byte
	Version int64
}

// OpType is the kind of a transaction operation
type OpType uint8

const (
	OpPut OpType = iota + 1
	OpDelete
	OpCheck // compare-only
)

func (t OpType) String() string {
	switch t {
	case OpPut:
		return "put"
	case OpDelete:
		return "delete"
	case OpCheck:
		return "check"
	default:
		return fmt.Sprintf("op(%d)", t)
	}
}

// Op is one operation of an atomic transaction
type Op struct {
	Type     OpType
	Key      string
	Value    []byte
	Expected int64
}

// Put builds a put operation
func Put(key string, value []byte, expected int64) Op {
	return Op{Type: OpPut, Key: key, Value: value, Expected: expected}
}

// Delete builds a delete operation
func Delete(key string, expected int64) Op {
	return Op{Type: OpDelete, Key: key, Expected: expected}
}

// Check builds a compare-only operation
func Check(key string, expected int64) Op {
	return Op{Type: OpCheck, Key: key, Expected: expected}
}

// EventType is the kind of a watch event
type EventType uint8

const (
	EventPut EventType = iota + 1
	EventDelete
)

func (t EventType) String() string {
	if t == EventDelete {
		return "delete"
	}
	return "put"
}

// Event is one change observed through Watch
type Event struct {
	Type     EventType
	Key      string
	Value    []byte
	Revision int64
}

// Store is the metadata store contract.
type Store interface {
	// Get returns the value and version of key or ErrNotFound.
	Get(ctx context.Context, key string) (*KV, error)

	// List returns every key under prefix in key order.
	List(ctx context.Context, prefix string) ([]*KV, error)

	// Put writes key when its current version matches expected and
	// returns the new version.
	Put(ctx context.Context, key string, value []byte, expected int64) (int64, error)

	// Delete removes key when its current version matches expected.
	Delete(ctx context.Context, key string, expected int64) error

	// Txn applies all ops atomically or none of them. It returns the
	// revision assigned to the writes.
	Txn(ctx context.Context, ops []Op) (int64, error)

	// Watch streams changes under prefix starting at fromRevision (0 means
	// only future changes). The channel is closed when ctx ends or when the
	// consumer falls behind; resume with the last seen revision + 1.
	Watch(ctx context.Context, prefix string, fromRevision int64) (<-chan Event, error)

	// Close releases the store.
	Close() error
}

// Staged is a set of writes produced by one manager that must commit
// atomically with writes from other managers. OnCommit applies the
// in-memory side after the transaction succeeded; OnAbort releases
// whatever was reserved while staging.
type Staged struct {
	Ops      []Op
	OnCommit func(rev int64)
	OnAbort  func()
}

// Commit runs every staged bundle in one transaction.
func Commit(ctx context.Context, s Store, staged ...*Staged) (int64, error) {
	var ops []Op
	for _, st := range staged {
		if st != nil {
			ops = append(ops, st.Ops...)
		}
	}

	rev, err := s.Txn(ctx, ops)
	if err != nil {
		Abort(staged...)
		return 0, err
	}

	for _, st := range staged {
		if st != nil && st.OnCommit != nil {
			st.OnCommit(rev)
		}
	}
	return rev, nil
}

// Abort releases staged bundles that will never be committed.
func Abort(staged ...*Staged) {
	for _, st := range staged {
		if st != nil && st.OnAbort != nil {
			st.OnAbort()
		}
	}
}

// RetryOnConflict runs fn until it succeeds, fails with something other than
// ErrVersionConflict, or attempts run out. fn must re-read the state it
// depends on every time it is called.
func RetryOnConflict(ctx context.Context, attempts int, fn func(ctx context.Context) error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); !errors.Is(err, ErrVersionConflict) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
	}
	return err
}

// EncodeUint64 encodes a counter value
func EncodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

// DecodeUint64 decodes a counter value
func DecodeUint64(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("metastore: counter value has %d bytes", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}

// prefixUpperBound returns the smallest key greater than every key with prefix
func prefixUpperBound(prefix string) string {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1])
		}
	}
	return ""
}

func checkExpected(current int64, exists bool, expected int64) bool {
	switch {
	case expected == AnyVersion:
		return true
	case expected == NotExists:
		return !exists
	default:
		return exists && current == expected
	}
}

func validateOps(ops []Op) error {
	for _, op := range ops {
		if op.Key == "" {
			return fmt.Errorf("metastore: empty key in %s op", op.Type)
		}
		if op.Type != OpPut && op.Type != OpDelete && op.Type != OpCheck {
			return fmt.Errorf("metastore: unknown op type %d", op.Type)
		}
	}
	return nil
}

func hasWrites(ops []Op) bool {
	for _, op := range ops {
		if op.Type != OpCheck {
			return true
		}
	}
	return false
}
