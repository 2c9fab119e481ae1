package metastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/mysql"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

const (
	sqlKVTable  = "flowmeta_kv"
	sqlRevTable = "flowmeta_revision"
)

// Table definitions differ per dialect only in column types. Keys must sort
// byte-wise for prefix range scans.
var sqlSchemas = map[string][]string{
	"sqlite3": {
		`CREATE TABLE IF NOT EXISTS flowmeta_kv (k TEXT PRIMARY KEY, v BLOB, version INTEGER NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS flowmeta_revision (id INTEGER PRIMARY KEY, rev INTEGER NOT NULL)`,
	},
	"mysql": {
		`CREATE TABLE IF NOT EXISTS flowmeta_kv (k VARBINARY(512) PRIMARY KEY, v LONGBLOB, version BIGINT NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS flowmeta_revision (id INT PRIMARY KEY, rev BIGINT NOT NULL)`,
	},
	"postgres": {
		`CREATE TABLE IF NOT EXISTS flowmeta_kv (k TEXT COLLATE "C" PRIMARY KEY, v BYTEA, version BIGINT NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS flowmeta_revision (id INT PRIMARY KEY, rev BIGINT NOT NULL)`,
	},
}

// driver names registered by the imported database/sql drivers
var sqlDrivers = map[string]string{
	"sqlite3":  "sqlite3",
	"mysql":    "mysql",
	"postgres": "postgres",
}

// SQLOptions configures the SQL backend
type SQLOptions struct {
	WatchHistory int
	DialTimeout  time.Duration
}

// SQLStore keeps the key-value space in one table of a relational database.
// Every write transaction bumps a single revision row, which serializes
// writers and gives every key a monotonic version. Watch is served in-process,
// which is sufficient because only the leader writes.
type SQLStore struct {
	db      *sql.DB
	dialect goqu.DialectWrapper
	name    string

	mu  sync.RWMutex
	rev int64
	hub *watchHub
}

// NewSQLStore opens dsn with the given dialect (sqlite3, mysql, postgres)
// and creates the tables if needed.
func NewSQLStore(dialect, dsn string, opts SQLOptions) (*SQLStore, error) {
	driver, ok := sqlDrivers[dialect]
	if !ok {
		return nil, fmt.Errorf("unsupported sql dialect %q", dialect)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", dialect, err)
	}
	if dialect == "sqlite3" {
		// One connection keeps sqlite writers from tripping over SQLITE_BUSY
		db.SetMaxOpenConns(1)
	}

	timeout := opts.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	s := &SQLStore{
		db:      db,
		dialect: goqu.Dialect(dialect),
		name:    dialect,
		hub:     newWatchHub(opts.WatchHistory),
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	s.hub.compactedRev = s.rev
	log.Info().Str("dialect", dialect).Int64("revision", s.rev).Msg("Opened sql metadata store")
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	for _, stmt := range sqlSchemas[s.name] {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}

	query, args, err := s.dialect.From(sqlRevTable).Select("rev").Where(goqu.C("id").Eq(1)).Prepared(true).ToSQL()
	if err != nil {
		return err
	}
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&s.rev)
	if errors.Is(err, sql.ErrNoRows) {
		insert, iargs, ierr := s.dialect.Insert(sqlRevTable).Rows(goqu.Record{"id": 1, "rev": 0}).Prepared(true).ToSQL()
		if ierr != nil {
			return ierr
		}
		_, err = s.db.ExecContext(ctx, insert, iargs...)
	}
	return err
}

func (s *SQLStore) unavailable(err error) error {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// Get implements Store
func (s *SQLStore) Get(ctx context.Context, key string) (*KV, error) {
	query, args, err := s.dialect.From(sqlKVTable).
		Select("v", "version").
		Where(goqu.C("k").Eq(key)).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, err
	}

	kv := &KV{Key: key}
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&kv.Value, &kv.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, s.unavailable(err)
	}
	return kv, nil
}

// List implements Store
func (s *SQLStore) List(ctx context.Context, prefix string) ([]*KV, error) {
	ds := s.dialect.From(sqlKVTable).Select("k", "v", "version").Where(goqu.C("k").Gte(prefix))
	if upper := prefixUpperBound(prefix); upper != "" {
		ds = ds.Where(goqu.C("k").Lt(upper))
	}
	query, args, err := ds.Order(goqu.C("k").Asc()).Prepared(true).ToSQL()
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, s.unavailable(err)
	}
	defer rows.Close()

	var out []*KV
	for rows.Next() {
		var kv KV
		var key []byte
		if err := rows.Scan(&key, &kv.Value, &kv.Version); err != nil {
			return nil, err
		}
		kv.Key = string(key)
		out = append(out, &kv)
	}
	return out, s.unavailable(rows.Err())
}

// Put implements Store
func (s *SQLStore) Put(ctx context.Context, key string, value []byte, expected int64) (int64, error) {
	return s.Txn(ctx, []Op{Put(key, value, expected)})
}

// Delete implements Store
func (s *SQLStore) Delete(ctx context.Context, key string, expected int64) error {
	_, err := s.Txn(ctx, []Op{Delete(key, expected)})
	return err
}

// Txn implements Store
func (s *SQLStore) Txn(ctx context.Context, ops []Op) (rev int64, err error) {
	if err := validateOps(ops); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, s.unavailable(err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	writes := hasWrites(ops)
	if writes {
		// Bumping the revision first takes the row lock that serializes writers
		update, args, qerr := s.dialect.Update(sqlRevTable).
			Set(goqu.Record{"rev": goqu.L("rev + 1")}).
			Where(goqu.C("id").Eq(1)).
			Prepared(true).ToSQL()
		if qerr != nil {
			return 0, qerr
		}
		if _, err = tx.ExecContext(ctx, update, args...); err != nil {
			return 0, s.unavailable(err)
		}
	}

	query, args, err := s.dialect.From(sqlRevTable).Select("rev").Where(goqu.C("id").Eq(1)).Prepared(true).ToSQL()
	if err != nil {
		return 0, err
	}
	if err = tx.QueryRowContext(ctx, query, args...).Scan(&rev); err != nil {
		return 0, s.unavailable(err)
	}

	existing := make(map[string]bool, len(ops))
	for _, op := range ops {
		current, exists, rerr := s.readVersion(ctx, tx, op.Key)
		if rerr != nil {
			err = rerr
			return 0, err
		}
		if !checkExpected(current, exists, op.Expected) {
			err = ErrVersionConflict
			return 0, err
		}
		existing[op.Key] = exists
	}

	if !writes {
		err = tx.Commit()
		return rev, s.unavailable(err)
	}

	events := make([]Event, 0, len(ops))
	for _, op := range ops {
		var stmt string
		var stmtArgs []interface{}
		switch op.Type {
		case OpPut:
			if existing[op.Key] {
				stmt, stmtArgs, err = s.dialect.Update(sqlKVTable).
					Set(goqu.Record{"v": op.Value, "version": rev}).
					Where(goqu.C("k").Eq(op.Key)).
					Prepared(true).ToSQL()
			} else {
				stmt, stmtArgs, err = s.dialect.Insert(sqlKVTable).
					Rows(goqu.Record{"k": op.Key, "v": op.Value, "version": rev}).
					Prepared(true).ToSQL()
			}
			existing[op.Key] = true
			events = append(events, Event{Type: EventPut, Key: op.Key, Value: op.Value, Revision: rev})
		case OpDelete:
			if !existing[op.Key] {
				continue
			}
			stmt, stmtArgs, err = s.dialect.Delete(sqlKVTable).
				Where(goqu.C("k").Eq(op.Key)).
				Prepared(true).ToSQL()
			existing[op.Key] = false
			events = append(events, Event{Type: EventDelete, Key: op.Key, Revision: rev})
		default:
			continue
		}
		if err != nil {
			return 0, err
		}
		if _, err = tx.ExecContext(ctx, stmt, stmtArgs...); err != nil {
			err = s.unavailable(err)
			return 0, err
		}
	}

	if err = tx.Commit(); err != nil {
		err = s.unavailable(err)
		return 0, err
	}

	s.rev = rev
	s.hub.publish(events)
	return rev, nil
}

func (s *SQLStore) readVersion(ctx context.Context, tx *sql.Tx, key string) (int64, bool, error) {
	query, args, err := s.dialect.From(sqlKVTable).
		Select("version").
		Where(goqu.C("k").Eq(key)).
		Prepared(true).ToSQL()
	if err != nil {
		return 0, false, err
	}

	var version int64
	err = tx.QueryRowContext(ctx, query, args...).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, s.unavailable(err)
	}
	return version, true, nil
}

// Watch implements Store
func (s *SQLStore) Watch(ctx context.Context, prefix string, fromRevision int64) (<-chan Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hub.watch(ctx, prefix, fromRevision, s.rev)
}

// Close implements Store
func (s *SQLStore) Close() error {
	s.hub.closeAll()
	return s.db.Close()
}
