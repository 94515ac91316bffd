// Package result normalizes graded submissions and keeps them in durable storage
// so completed modules can be redisplayed without resubmitting.
package result

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-practice/internal/config"
	"github.com/stemsi/exstem-practice/internal/model"
	"github.com/stemsi/exstem-practice/internal/store"
)

// Outcome is the per-question view the report renders.
type Outcome struct {
	Correct  bool    `json:"correct"`
	Score    float64 `json:"score"`
	MaxScore float64 `json:"maxScore"`
	Feedback string  `json:"feedback,omitempty"`
}

// Normalize maps question id to outcome. max_score defaults to 1.
func Normalize(r *model.Result) map[string]Outcome {
	out := make(map[string]Outcome, len(r.QuestionResults))
	for _, qr := range r.QuestionResults {
		o := Outcome{Score: qr.Score, MaxScore: 1, Feedback: qr.Feedback}
		switch {
		case qr.IsCorrect != nil:
			o.Correct = *qr.IsCorrect
		case qr.Correct != nil:
			o.Correct = *qr.Correct
		}
		if qr.MaxScore != nil {
			o.MaxScore = *qr.MaxScore
		}
		out[qr.QuestionID] = o
	}
	return out
}

// Reconciler persists results and the submitted-module set to a KV.
// Writes are serialized so the submitted set is never lost to a read-modify-write race.
type Reconciler struct {
	kv  store.KV
	log zerolog.Logger
	mu  sync.Mutex
}

func NewReconciler(kv store.KV, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		kv:  kv,
		log: log.With().Str("component", "result_reconciler").Logger(),
	}
}

// Record stores the raw result under practice_result_<moduleID> and marks the module submitted.
func (r *Reconciler) Record(ctx context.Context, moduleID string, res *model.Result) (map[string]Outcome, error) {
	raw := []byte(res.Raw)
	if len(raw) == 0 {
		var err error
		if raw, err = json.Marshal(res); err != nil {
			return nil, fmt.Errorf("encode result: %w", err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.kv.Set(ctx, config.StorageKey.PracticeResultKey(moduleID), raw); err != nil {
		return nil, fmt.Errorf("persist result: %w", err)
	}

	ids, err := r.submittedLocked(ctx)
	if err != nil {
		return nil, err
	}
	if !contains(ids, moduleID) {
		ids = append(ids, moduleID)
		if err := r.writeSubmittedLocked(ctx, ids); err != nil {
			return nil, err
		}
	}

	r.log.Debug().Str("module_id", moduleID).Float64("score_percent", res.ScorePercent).Msg("Result recorded")

	return Normalize(res), nil
}

// Load returns the persisted result of a module, or store.ErrNotFound.
func (r *Reconciler) Load(ctx context.Context, moduleID string) (*model.Result, error) {
	raw, err := r.kv.Get(ctx, config.StorageKey.PracticeResultKey(moduleID))
	if err != nil {
		return nil, err
	}
	res, err := model.DecodeResult(raw)
	if err != nil {
		return nil, fmt.Errorf("decode stored result: %w", err)
	}
	return res, nil
}

// Submitted returns the ids of every module recorded as submitted.
func (r *Reconciler) Submitted(ctx context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.submittedLocked(ctx)
}

// IsSubmitted reports whether moduleID is in the submitted set.
func (r *Reconciler) IsSubmitted(ctx context.Context, moduleID string) (bool, error) {
	ids, err := r.Submitted(ctx)
	if err != nil {
		return false, err
	}
	return contains(ids, moduleID), nil
}

// RunMaintenance performs the one-shot cache wipe when the clear-cache flag is present.
// It reports whether a wipe happened.
func (r *Reconciler) RunMaintenance(ctx context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.kv.Get(ctx, config.StorageKey.ClearCacheFlag); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("read clear-cache flag: %w", err)
	}

	keys, err := r.kv.Keys(ctx, config.StorageKey.PracticeResultPrefix())
	if err != nil {
		return false, fmt.Errorf("list results: %w", err)
	}
	for _, k := range keys {
		if err := r.kv.Delete(ctx, k); err != nil {
			return false, fmt.Errorf("delete %s: %w", k, err)
		}
	}
	if err := r.kv.Delete(ctx, config.StorageKey.SubmittedModules); err != nil {
		return false, fmt.Errorf("delete submitted set: %w", err)
	}
	// The flag goes last so an interrupted wipe runs again next time.
	if err := r.kv.Delete(ctx, config.StorageKey.ClearCacheFlag); err != nil {
		return false, fmt.Errorf("delete clear-cache flag: %w", err)
	}

	r.log.Info().Int("results", len(keys)).Msg("Practice result cache cleared")
	return true, nil
}

func (r *Reconciler) submittedLocked(ctx context.Context) ([]string, error) {
	raw, err := r.kv.Get(ctx, config.StorageKey.SubmittedModules)
	if errors.Is(err, store.ErrNotFound) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read submitted set: %w", err)
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		// A corrupt set would otherwise block every submission.
		r.log.Warn().Err(err).Msg("Discarding unreadable submitted set")
		return []string{}, nil
	}
	return ids, nil
}

func (r *Reconciler) writeSubmittedLocked(ctx context.Context, ids []string) error {
	raw, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("encode submitted set: %w", err)
	}
	if err := r.kv.Set(ctx, config.StorageKey.SubmittedModules, raw); err != nil {
		return fmt.Errorf("persist submitted set: %w", err)
	}
	return nil
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
