// Package postgres provides a storage backend shared by every node connected
// to the same database.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/gridcrawler/internal/grid/storage"
)

var validTablePrefix = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const (
	defaultTablePrefix = "grid"
	defaultPageSize    = 500
)

// Config controls the Postgres connection pool backing the grid primitives.
type Config struct {
	DSN             string
	TablePrefix     string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	// PageSize bounds the rows fetched per round trip during ForEach scans.
	PageSize int
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Begin(context.Context) (pgx.Tx, error)
	Close()
}

// Backend stores maps, queues and sets in three shared tables keyed by
// primitive name.
type Backend struct {
	pool       pool
	mapTable   string
	queueTable string
	setTable   string
	pageSize   int
	closed     atomic.Bool
}

// New connects to Postgres using cfg.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("grid.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	b, err := NewWithPool(p, cfg.TablePrefix, cfg.PageSize)
	if err != nil {
		p.Close()
		return nil, err
	}
	return b, nil
}

// NewWithPool builds a Backend from an existing pool (primarily for testing).
func NewWithPool(p pool, prefix string, pageSize int) (*Backend, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if prefix == "" {
		prefix = defaultTablePrefix
	}
	if !validTablePrefix.MatchString(prefix) {
		return nil, fmt.Errorf("invalid table prefix %q", prefix)
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return &Backend{
		pool:       p,
		mapTable:   prefix + "_map",
		queueTable: prefix + "_queue",
		setTable:   prefix + "_set",
		pageSize:   pageSize,
	}, nil
}

// EnsureSchema creates the backing tables when missing.
func (b *Backend) EnsureSchema(ctx context.Context) error {
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	store TEXT NOT NULL,
	key TEXT NOT NULL,
	value BYTEA NOT NULL,
	PRIMARY KEY (store, key)
)`, b.mapTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	store TEXT NOT NULL,
	key TEXT NOT NULL,
	seq BIGSERIAL NOT NULL,
	value BYTEA NOT NULL,
	PRIMARY KEY (store, key)
)`, b.queueTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_seq_idx ON %[1]s (store, seq)`, b.queueTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	store TEXT NOT NULL,
	member TEXT NOT NULL,
	PRIMARY KEY (store, member)
)`, b.setTable),
	}
	for _, stmt := range statements {
		if _, err := b.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure grid schema: %w", err)
		}
	}
	return nil
}

// Map returns a handle on the named map.
func (b *Backend) Map(name string) (storage.KV, error) {
	if err := b.check(name); err != nil {
		return nil, err
	}
	return &kv{b: b, name: name}, nil
}

// Queue returns a handle on the named queue.
func (b *Backend) Queue(name string) (storage.FIFO, error) {
	if err := b.check(name); err != nil {
		return nil, err
	}
	return &fifo{b: b, name: name}, nil
}

// Set returns a handle on the named set.
func (b *Backend) Set(name string) (storage.Members, error) {
	if err := b.check(name); err != nil {
		return nil, err
	}
	return &members{b: b, name: name}, nil
}

// Names lists every primitive with at least one row.
func (b *Backend) Names(ctx context.Context) ([]string, error) {
	query := fmt.Sprintf(
		`SELECT store FROM %s UNION SELECT store FROM %s UNION SELECT store FROM %s ORDER BY 1`,
		b.mapTable, b.queueTable, b.setTable,
	)
	rows, err := b.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list primitives: %w", err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan primitive name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list primitives: %w", err)
	}
	return names, nil
}

// Destroy truncates the backing tables.
func (b *Backend) Destroy(ctx context.Context) error {
	query := fmt.Sprintf(`TRUNCATE %s, %s, %s`, b.mapTable, b.queueTable, b.setTable)
	if _, err := b.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("destroy grid storage: %w", err)
	}
	return nil
}

// Close releases the pool.
func (b *Backend) Close() error {
	if b == nil || b.pool == nil {
		return nil
	}
	if b.closed.CompareAndSwap(false, true) {
		b.pool.Close()
	}
	return nil
}

func (b *Backend) check(name string) error {
	if err := storage.ValidateName(name); err != nil {
		return err
	}
	if b.closed.Load() {
		return storage.ErrClosed
	}
	return nil
}

func (b *Backend) count(ctx context.Context, table, name string) (int64, error) {
	var n int64
	query := fmt.Sprintf(`SELECT count(*) FROM %s WHERE store = $1`, table)
	if err := b.pool.QueryRow(ctx, query, name).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", name, err)
	}
	return n, nil
}

func (b *Backend) clear(ctx context.Context, table, name string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE store = $1`, table)
	if _, err := b.pool.Exec(ctx, query, name); err != nil {
		return fmt.Errorf("clear %s: %w", name, err)
	}
	return nil
}

type kv struct {
	b    *Backend
	name string
}

func (m *kv) Name() string { return m.name }

func (m *kv) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	query := fmt.Sprintf(`SELECT value FROM %s WHERE store = $1 AND key = $2`, m.b.mapTable)
	err := m.b.pool.QueryRow(ctx, query, m.name, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s/%s: %w", m.name, key, err)
	}
	return value, true, nil
}

func (m *kv) Put(ctx context.Context, key string, value []byte) error {
	query := fmt.Sprintf(`INSERT INTO %s (store, key, value) VALUES ($1, $2, $3)
ON CONFLICT (store, key) DO UPDATE SET value = EXCLUDED.value`, m.b.mapTable)
	if _, err := m.b.pool.Exec(ctx, query, m.name, key, value); err != nil {
		return fmt.Errorf("put %s/%s: %w", m.name, key, err)
	}
	return nil
}

func (m *kv) PutIfAbsent(ctx context.Context, key string, value []byte) ([]byte, bool, error) {
	query := fmt.Sprintf(`INSERT INTO %s (store, key, value) VALUES ($1, $2, $3)
ON CONFLICT (store, key) DO NOTHING`, m.b.mapTable)
	// A concurrent delete between the insert and the read-back reopens the slot.
	for attempt := 0; attempt < 3; attempt++ {
		tag, err := m.b.pool.Exec(ctx, query, m.name, key, value)
		if err != nil {
			return nil, false, fmt.Errorf("put-if-absent %s/%s: %w", m.name, key, err)
		}
		if tag.RowsAffected() == 1 {
			return nil, false, nil
		}
		existing, ok, err := m.Get(ctx, key)
		if err != nil {
			return nil, false, err
		}
		if ok {
			return existing, true, nil
		}
	}
	return nil, false, fmt.Errorf("put-if-absent %s/%s: entry kept changing", m.name, key)
}

func (m *kv) Update(ctx context.Context, key string, fn storage.UpdateFunc) (next []byte, err error) {
	tx, err := m.b.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin update %s/%s: %w", m.name, key, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()
	if _, err = tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, m.name+"\x00"+key); err != nil {
		return nil, fmt.Errorf("lock %s/%s: %w", m.name, key, err)
	}
	var current []byte
	exists := true
	query := fmt.Sprintf(`SELECT value FROM %s WHERE store = $1 AND key = $2`, m.b.mapTable)
	if err = tx.QueryRow(ctx, query, m.name, key).Scan(&current); err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("read %s/%s: %w", m.name, key, err)
		}
		exists = false
		err = nil
	}
	next, err = fn(current, exists)
	if err != nil {
		return nil, err
	}
	if next == nil {
		del := fmt.Sprintf(`DELETE FROM %s WHERE store = $1 AND key = $2`, m.b.mapTable)
		if _, err = tx.Exec(ctx, del, m.name, key); err != nil {
			return nil, fmt.Errorf("delete %s/%s: %w", m.name, key, err)
		}
	} else {
		upsert := fmt.Sprintf(`INSERT INTO %s (store, key, value) VALUES ($1, $2, $3)
ON CONFLICT (store, key) DO UPDATE SET value = EXCLUDED.value`, m.b.mapTable)
		if _, err = tx.Exec(ctx, upsert, m.name, key, next); err != nil {
			return nil, fmt.Errorf("write %s/%s: %w", m.name, key, err)
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit update %s/%s: %w", m.name, key, err)
	}
	return next, nil
}

func (m *kv) Delete(ctx context.Context, key string) (bool, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE store = $1 AND key = $2`, m.b.mapTable)
	tag, err := m.b.pool.Exec(ctx, query, m.name, key)
	if err != nil {
		return false, fmt.Errorf("delete %s/%s: %w", m.name, key, err)
	}
	return tag.RowsAffected() > 0, nil
}

// ForEach pages through the map by key so fn may use the pool between pages.
func (m *kv) ForEach(ctx context.Context, fn func(key string, value []byte) bool) (bool, error) {
	query := fmt.Sprintf(`SELECT key, value FROM %s WHERE store = $1 AND key > $2 ORDER BY key LIMIT $3`, m.b.mapTable)
	after := ""
	for {
		rows, err := m.b.pool.Query(ctx, query, m.name, after, m.b.pageSize)
		if err != nil {
			return false, fmt.Errorf("scan %s: %w", m.name, err)
		}
		page, err := collectPairs(rows)
		if err != nil {
			return false, fmt.Errorf("scan %s: %w", m.name, err)
		}
		for _, p := range page {
			if !fn(p.key, p.value) {
				return false, nil
			}
		}
		if len(page) < m.b.pageSize {
			return true, nil
		}
		after = page[len(page)-1].key
	}
}

func (m *kv) Size(ctx context.Context) (int64, error) {
	return m.b.count(ctx, m.b.mapTable, m.name)
}

func (m *kv) Clear(ctx context.Context) error {
	return m.b.clear(ctx, m.b.mapTable, m.name)
}

type fifo struct {
	b    *Backend
	name string
}

func (q *fifo) Name() string { return q.name }

func (q *fifo) Put(ctx context.Context, key string, value []byte) (bool, error) {
	query := fmt.Sprintf(`INSERT INTO %s (store, key, value) VALUES ($1, $2, $3)
ON CONFLICT (store, key) DO NOTHING`, q.b.queueTable)
	tag, err := q.b.pool.Exec(ctx, query, q.name, key, value)
	if err != nil {
		return false, fmt.Errorf("enqueue %s/%s: %w", q.name, key, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Poll skips heads locked by concurrent pollers, so it may report empty while
// another node is claiming the last entry.
func (q *fifo) Poll(ctx context.Context) (string, []byte, bool, error) {
	query := fmt.Sprintf(`DELETE FROM %[1]s WHERE store = $1 AND key = (
	SELECT key FROM %[1]s WHERE store = $1 ORDER BY seq LIMIT 1 FOR UPDATE SKIP LOCKED
) RETURNING key, value`, q.b.queueTable)
	var (
		key   string
		value []byte
	)
	err := q.b.pool.QueryRow(ctx, query, q.name).Scan(&key, &value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil, false, nil
	}
	if err != nil {
		return "", nil, false, fmt.Errorf("poll %s: %w", q.name, err)
	}
	return key, value, true, nil
}

func (q *fifo) Contains(ctx context.Context, key string) (bool, error) {
	var ok bool
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE store = $1 AND key = $2)`, q.b.queueTable)
	if err := q.b.pool.QueryRow(ctx, query, q.name, key).Scan(&ok); err != nil {
		return false, fmt.Errorf("contains %s/%s: %w", q.name, key, err)
	}
	return ok, nil
}

func (q *fifo) ForEach(ctx context.Context, fn func(key string, value []byte) bool) (bool, error) {
	query := fmt.Sprintf(`SELECT seq, key, value FROM %s WHERE store = $1 AND seq > $2 ORDER BY seq LIMIT $3`, q.b.queueTable)
	var after int64
	for {
		rows, err := q.b.pool.Query(ctx, query, q.name, after, q.b.pageSize)
		if err != nil {
			return false, fmt.Errorf("scan %s: %w", q.name, err)
		}
		type entry struct {
			seq   int64
			key   string
			value []byte
		}
		var page []entry
		for rows.Next() {
			var e entry
			if err := rows.Scan(&e.seq, &e.key, &e.value); err != nil {
				rows.Close()
				return false, fmt.Errorf("scan %s: %w", q.name, err)
			}
			page = append(page, e)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return false, fmt.Errorf("scan %s: %w", q.name, err)
		}
		for _, e := range page {
			if !fn(e.key, e.value) {
				return false, nil
			}
		}
		if len(page) < q.b.pageSize {
			return true, nil
		}
		after = page[len(page)-1].seq
	}
}

func (q *fifo) Size(ctx context.Context) (int64, error) {
	return q.b.count(ctx, q.b.queueTable, q.name)
}

func (q *fifo) Clear(ctx context.Context) error {
	return q.b.clear(ctx, q.b.queueTable, q.name)
}

type members struct {
	b    *Backend
	name string
}

func (s *members) Name() string { return s.name }

func (s *members) Add(ctx context.Context, member string) (bool, error) {
	query := fmt.Sprintf(`INSERT INTO %s (store, member) VALUES ($1, $2) ON CONFLICT (store, member) DO NOTHING`, s.b.setTable)
	tag, err := s.b.pool.Exec(ctx, query, s.name, member)
	if err != nil {
		return false, fmt.Errorf("add %s/%s: %w", s.name, member, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *members) Contains(ctx context.Context, member string) (bool, error) {
	var ok bool
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE store = $1 AND member = $2)`, s.b.setTable)
	if err := s.b.pool.QueryRow(ctx, query, s.name, member).Scan(&ok); err != nil {
		return false, fmt.Errorf("contains %s/%s: %w", s.name, member, err)
	}
	return ok, nil
}

func (s *members) Remove(ctx context.Context, member string) (bool, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE store = $1 AND member = $2`, s.b.setTable)
	tag, err := s.b.pool.Exec(ctx, query, s.name, member)
	if err != nil {
		return false, fmt.Errorf("remove %s/%s: %w", s.name, member, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *members) ForEach(ctx context.Context, fn func(member string) bool) (bool, error) {
	query := fmt.Sprintf(`SELECT member FROM %s WHERE store = $1 AND member > $2 ORDER BY member LIMIT $3`, s.b.setTable)
	after := ""
	for {
		rows, err := s.b.pool.Query(ctx, query, s.name, after, s.b.pageSize)
		if err != nil {
			return false, fmt.Errorf("scan %s: %w", s.name, err)
		}
		var page []string
		for rows.Next() {
			var m string
			if err := rows.Scan(&m); err != nil {
				rows.Close()
				return false, fmt.Errorf("scan %s: %w", s.name, err)
			}
			page = append(page, m)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return false, fmt.Errorf("scan %s: %w", s.name, err)
		}
		for _, m := range page {
			if !fn(m) {
				return false, nil
			}
		}
		if len(page) < s.b.pageSize {
			return true, nil
		}
		after = page[len(page)-1]
	}
}

func (s *members) Size(ctx context.Context) (int64, error) {
	return s.b.count(ctx, s.b.setTable, s.name)
}

func (s *members) Clear(ctx context.Context) error {
	return s.b.clear(ctx, s.b.setTable, s.name)
}

type pair struct {
	key   string
	value []byte
}

func collectPairs(rows pgx.Rows) ([]pair, error) {
	defer rows.Close()
	var page []pair
	for rows.Next() {
		var p pair
		if err := rows.Scan(&p.key, &p.value); err != nil {
			return nil, err
		}
		page = append(page, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return page, nil
}
