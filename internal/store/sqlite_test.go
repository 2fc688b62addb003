package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, opts ...Option) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	s, err := NewSQLiteStore(dbPath, opts...)
	require.NoError(t, err)

	err = s.Migrate(context.Background())
	require.NoError(t, err)

	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "subdir", "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(filepath.Join(dir, "subdir"))
	assert.NoError(t, err, "should create parent directory")
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)

	// Running migrate again should be a no-op
	err := s.Migrate(context.Background())
	assert.NoError(t, err)
}

func TestRecordCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Get(ctx, "session")
	assert.ErrorIs(t, err, ErrNotFound)

	has, err := s.Has(ctx, "session")
	require.NoError(t, err)
	assert.False(t, has)

	// Create
	require.NoError(t, s.Set(ctx, "session", []byte(`{"a":1}`)))
	got, err := s.Get(ctx, "session")
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(got))

	has, err = s.Has(ctx, "session")
	require.NoError(t, err)
	assert.True(t, has)

	// Overwrite
	require.NoError(t, s.Set(ctx, "session", []byte(`{"a":2}`)))
	got, err = s.Get(ctx, "session")
	require.NoError(t, err)
	assert.Equal(t, `{"a":2}`, string(got))

	// Delete
	require.NoError(t, s.Delete(ctx, "session"))
	_, err = s.Get(ctx, "session")
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting a missing key is not an error
	assert.NoError(t, s.Delete(ctx, "session"))
}

func TestSet_Quota(t *testing.T) {
	s := newTestStore(t, WithQuota(100))
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "other", []byte(strings.Repeat("o", 40))))
	require.NoError(t, s.Set(ctx, "session", []byte(strings.Repeat("a", 60))))

	err := s.Set(ctx, "session", []byte(strings.Repeat("b", 61)))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrQuotaExceeded))

	got, err := s.Get(ctx, "session")
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("a", 60), string(got), "failed write leaves the old record")

	// Replacing a record only counts its new size
	require.NoError(t, s.Set(ctx, "session", []byte(strings.Repeat("c", 55))))
}

func TestSet_QuotaDisabled(t *testing.T) {
	s := newTestStore(t, WithQuota(0))
	require.NoError(t, s.Set(context.Background(), "big", make([]byte, 1<<20)))
}
