package store_test

import (
	"context"
	"path/filepath"
	"sort"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-practice/internal/database"
	"github.com/stemsi/exstem-practice/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseKV(t *testing.T, kv store.KV) {
	t.Helper()
	ctx := context.Background()

	_, err := kv.Get(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, kv.Set(ctx, "practice_result_m1", []byte(`{"score_percent":50}`)))
	require.NoError(t, kv.Set(ctx, "practice_result_m2", []byte(`{"score_percent":75}`)))
	require.NoError(t, kv.Set(ctx, "practice_submitted_modules", []byte(`["m1","m2"]`)))
	require.NoError(t, kv.Set(ctx, "Practice_Result_upper", []byte(`{}`)))

	v, err := kv.Get(ctx, "practice_result_m1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"score_percent":50}`, string(v))

	require.NoError(t, kv.Set(ctx, "practice_result_m1", []byte(`{"score_percent":90}`)))
	v, err = kv.Get(ctx, "practice_result_m1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"score_percent":90}`, string(v))

	keys, err := kv.Keys(ctx, "practice_result_")
	require.NoError(t, err)
	sort.Strings(keys)
	assert.Equal(t, []string{"practice_result_m1", "practice_result_m2"}, keys)

	require.NoError(t, kv.Delete(ctx, "practice_result_m2"))
	_, err = kv.Get(ctx, "practice_result_m2")
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Deleting a missing key is not an error.
	assert.NoError(t, kv.Delete(ctx, "practice_result_m2"))
}

func TestMemory(t *testing.T) {
	exerciseKV(t, store.NewMemory())
}

func TestSQLite(t *testing.T) {
	ctx := context.Background()
	db, err := database.NewSQLiteDB(ctx, filepath.Join(t.TempDir(), "practice.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	kv, err := store.NewSQLite(ctx, db)
	require.NoError(t, err)
	exerciseKV(t, kv)
}

func TestNamespacedIsolation(t *testing.T) {
	ctx := context.Background()
	base := store.NewMemory()
	alice := store.WithNamespace(base, "student:1:")
	bob := store.WithNamespace(base, "student:2:")

	require.NoError(t, alice.Set(ctx, "practice_result_m1", []byte("a")))
	require.NoError(t, bob.Set(ctx, "practice_result_m1", []byte("b")))

	v, err := alice.Get(ctx, "practice_result_m1")
	require.NoError(t, err)
	assert.Equal(t, "a", string(v))

	keys, err := bob.Keys(ctx, "practice_result_")
	require.NoError(t, err)
	assert.Equal(t, []string{"practice_result_m1"}, keys)

	raw, err := base.Keys(ctx, "student:")
	require.NoError(t, err)
	assert.Len(t, raw, 2)
}
