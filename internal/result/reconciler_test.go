package result_test

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-practice/internal/config"
	"github.com/stemsi/exstem-practice/internal/model"
	"github.com/stemsi/exstem-practice/internal/result"
	"github.com/stemsi/exstem-practice/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const rawResult = `{
	"score_percent": 66.7,
	"time_taken_seconds": 80,
	"question_results": [
		{"question_id": "q1", "is_correct": true, "score": 1, "max_score": 1},
		{"question_id": "q2", "correct": false, "score": 0, "feedback": "check units"},
		{"question_id": "q3", "correct": true, "score": 2, "max_score": 2}
	],
	"weak_areas": [{"tag": "physics", "correct": 0, "total": 1, "accuracy": 0}]
}`

func decode(t *testing.T, raw string) *model.Result {
	t.Helper()
	r, err := model.DecodeResult([]byte(raw))
	require.NoError(t, err)
	return r
}

func TestNormalize(t *testing.T) {
	out := result.Normalize(decode(t, rawResult))

	require.Len(t, out, 3)
	assert.Equal(t, result.Outcome{Correct: true, Score: 1, MaxScore: 1}, out["q1"])
	assert.Equal(t, result.Outcome{Correct: false, Score: 0, MaxScore: 1, Feedback: "check units"}, out["q2"])
	assert.Equal(t, result.Outcome{Correct: true, Score: 2, MaxScore: 2}, out["q3"])
}

func TestNormalizeEmpty(t *testing.T) {
	out := result.Normalize(decode(t, `{"score_percent":0,"question_results":[]}`))
	assert.Empty(t, out)
}

func TestRecordPersistsRawAndSubmittedSet(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemory()
	rec := result.NewReconciler(kv, zerolog.Nop())

	_, err := rec.Record(ctx, "m1", decode(t, rawResult))
	require.NoError(t, err)
	_, err = rec.Record(ctx, "m1", decode(t, rawResult))
	require.NoError(t, err)

	stored, err := kv.Get(ctx, "practice_result_m1")
	require.NoError(t, err)
	assert.JSONEq(t, rawResult, string(stored))

	set, err := kv.Get(ctx, config.StorageKey.SubmittedModules)
	require.NoError(t, err)
	assert.JSONEq(t, `["m1"]`, string(set))

	ok, err := rec.IsSubmitted(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, ok)

	loaded, err := rec.Load(ctx, "m1")
	require.NoError(t, err)
	assert.InDelta(t, 66.7, loaded.ScorePercent, 0.001)
}

func TestRunMaintenanceWipesOnce(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemory()
	rec := result.NewReconciler(kv, zerolog.Nop())

	_, err := rec.Record(ctx, "m1", decode(t, rawResult))
	require.NoError(t, err)
	_, err = rec.Record(ctx, "m2", decode(t, rawResult))
	require.NoError(t, err)
	require.NoError(t, kv.Set(ctx, "unrelated", []byte("x")))

	wiped, err := rec.RunMaintenance(ctx)
	require.NoError(t, err)
	assert.False(t, wiped, "no flag, nothing happens")

	require.NoError(t, kv.Set(ctx, config.StorageKey.ClearCacheFlag, []byte("true")))
	wiped, err = rec.RunMaintenance(ctx)
	require.NoError(t, err)
	assert.True(t, wiped)

	_, err = rec.Load(ctx, "m1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	ids, err := rec.Submitted(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
	_, err = kv.Get(ctx, config.StorageKey.ClearCacheFlag)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = kv.Get(ctx, "unrelated")
	assert.NoError(t, err)

	_, err = rec.Record(ctx, "m3", decode(t, rawResult))
	require.NoError(t, err)
	wiped, err = rec.RunMaintenance(ctx)
	require.NoError(t, err)
	assert.False(t, wiped)
	ok, err := rec.IsSubmitted(ctx, "m3")
	require.NoError(t, err)
	assert.True(t, ok)
}
