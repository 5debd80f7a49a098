package docstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/nhalm/admit/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "docs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInsertGet(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	created := time.Date(2026, 1, 15, 14, 30, 0, 0, time.UTC)
	doc := Document{ID: "doc-1", Owner: "user:42", Title: "Q3", Body: "numbers", CreatedAt: created}
	require.NoError(t, s.Insert(ctx, doc))

	got, err := s.Get(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, doc, got)

	n, err := s.Count(ctx, "user:42")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestGet_NotFound(t *testing.T) {
	s := openTest(t)

	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, retry.CategoryValidation, retry.CategoryOf(err))
}

func TestInsert_ConstraintIsConflict(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	doc := Document{ID: "dup", Owner: "user:1", Title: "a", CreatedAt: time.Now()}
	require.NoError(t, s.Insert(ctx, doc))

	err := s.Insert(ctx, doc)
	require.Error(t, err)
	assert.Equal(t, retry.CategoryConflict, retry.CategoryOf(err))

	err = s.Insert(ctx, Document{ID: "empty-title", Owner: "user:1", CreatedAt: time.Now()})
	require.Error(t, err)
	assert.Equal(t, retry.CategoryConflict, retry.CategoryOf(err))
}

func TestInsert_UnderRetryPolicy(t *testing.T) {
	s := openTest(t)
	p := retry.MustPolicy(retry.Config{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1})
	doc := Document{ID: "once", Owner: "user:1", Title: "a", CreatedAt: time.Now()}

	require.NoError(t, retry.Do(context.Background(), p, func(ctx context.Context) error {
		return s.Insert(ctx, doc)
	}))

	attempts := 0
	err := retry.Do(context.Background(), p, func(ctx context.Context) error {
		attempts++
		return s.Insert(ctx, doc)
	})
	var fe *retry.FatalError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, 1, attempts, "conflicts are not retried")
}

func TestOpen_Memory(t *testing.T) {
	s, err := Open(":memory:")
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Ping(context.Background()))
	require.NoError(t, s.Insert(context.Background(), Document{ID: "m", Owner: "o", Title: "t", CreatedAt: time.Now()}))
}
