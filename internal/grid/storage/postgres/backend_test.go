package postgres

import (
	"context"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockBackend(t *testing.T, pageSize int) (*Backend, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	b, err := NewWithPool(mock, "grid", pageSize)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b, mock
}

func TestNewWithPoolRejectsInvalidPrefix(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewWithPool(mock, "grid;drop", 0)
	require.Error(t, err)
	_, err = NewWithPool(nil, "grid", 0)
	require.Error(t, err)
}

func TestEnsureSchemaCreatesTables(t *testing.T) {
	t.Parallel()

	b, mock := newMockBackend(t, 0)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS grid_map").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS grid_queue").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS grid_queue_seq_idx").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS grid_set").WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, b.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueuePutReportsDuplicateKey(t *testing.T) {
	t.Parallel()

	b, mock := newMockBackend(t, 0)
	q, err := b.Queue("queue")
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO grid_queue").
		WithArgs("queue", "a", []byte("v1")).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO grid_queue").
		WithArgs("queue", "a", []byte("v2")).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	ctx := context.Background()
	added, err := q.Put(ctx, "a", []byte("v1"))
	require.NoError(t, err)
	assert.True(t, added)
	added, err = q.Put(ctx, "a", []byte("v2"))
	require.NoError(t, err)
	assert.False(t, added)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueuePollReturnsHeadOrEmpty(t *testing.T) {
	t.Parallel()

	b, mock := newMockBackend(t, 0)
	q, err := b.Queue("queue")
	require.NoError(t, err)

	mock.ExpectQuery("DELETE FROM grid_queue").
		WithArgs("queue").
		WillReturnRows(pgxmock.NewRows([]string{"key", "value"}).AddRow("a", []byte("v1")))
	mock.ExpectQuery("DELETE FROM grid_queue").
		WithArgs("queue").
		WillReturnRows(pgxmock.NewRows([]string{"key", "value"}))

	ctx := context.Background()
	key, value, ok, err := q.Poll(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a", key)
	assert.Equal(t, []byte("v1"), value)

	_, _, ok, err = q.Poll(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMapPutIfAbsentReturnsExisting(t *testing.T) {
	t.Parallel()

	b, mock := newMockBackend(t, 0)
	m, err := b.Map("dedupDocument")
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO grid_map").
		WithArgs("dedupDocument", "sum", []byte("ref-2")).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery("SELECT value FROM grid_map").
		WithArgs("dedupDocument", "sum").
		WillReturnRows(pgxmock.NewRows([]string{"value"}).AddRow([]byte("ref-1")))

	existing, loaded, err := m.PutIfAbsent(context.Background(), "sum", []byte("ref-2"))
	require.NoError(t, err)
	assert.True(t, loaded)
	assert.Equal(t, []byte("ref-1"), existing)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMapUpdateRunsUnderAdvisoryLock(t *testing.T) {
	t.Parallel()

	b, mock := newMockBackend(t, 0)
	m, err := b.Map("counters")
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").
		WithArgs("counters\x00hits").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery("SELECT value FROM grid_map").
		WithArgs("counters", "hits").
		WillReturnRows(pgxmock.NewRows([]string{"value"}))
	mock.ExpectExec("INSERT INTO grid_map").
		WithArgs("counters", "hits", []byte("1")).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	next, err := m.Update(context.Background(), "hits", func(cur []byte, exists bool) ([]byte, error) {
		assert.False(t, exists)
		assert.Nil(t, cur)
		return []byte("1"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), next)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMapForEachPagesThroughKeys(t *testing.T) {
	t.Parallel()

	b, mock := newMockBackend(t, 2)
	m, err := b.Map("processed")
	require.NoError(t, err)

	mock.ExpectQuery("SELECT key, value FROM grid_map").
		WithArgs("processed", "", 2).
		WillReturnRows(pgxmock.NewRows([]string{"key", "value"}).
			AddRow("a", []byte("1")).
			AddRow("b", []byte("2")))
	mock.ExpectQuery("SELECT key, value FROM grid_map").
		WithArgs("processed", "b", 2).
		WillReturnRows(pgxmock.NewRows([]string{"key", "value"}).
			AddRow("c", []byte("3")))

	var keys []string
	all, err := m.ForEach(context.Background(), func(key string, _ []byte) bool {
		keys = append(keys, key)
		return true
	})
	require.NoError(t, err)
	assert.True(t, all)
	assert.Equal(t, []string{"a", "b", "c"}, keys)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetAddAndSize(t *testing.T) {
	t.Parallel()

	b, mock := newMockBackend(t, 0)
	s, err := b.Set("stopped")
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO grid_set").
		WithArgs("stopped", "crawl").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO grid_set").
		WithArgs("stopped", "crawl").
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery("SELECT count").
		WithArgs("stopped").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(1)))

	ctx := context.Background()
	added, err := s.Add(ctx, "crawl")
	require.NoError(t, err)
	assert.True(t, added)
	added, err = s.Add(ctx, "crawl")
	require.NoError(t, err)
	assert.False(t, added)
	size, err := s.Size(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, size)
	require.NoError(t, mock.ExpectationsWereMet())
}
