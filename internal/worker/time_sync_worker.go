package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-practice/internal/config"
)

// staleSyncAge drops queued syncs older than this; a newer one is on its way.
const staleSyncAge = 2 * time.Minute

// TimeSyncer is the upstream time-sync call.
type TimeSyncer interface {
	SyncTime(ctx context.Context, token, moduleID string, secondsRemaining int) error
}

// TokenSource looks up the bearer token of a student's live session. Tokens
// never go through Redis; a sync whose session is gone is dropped.
type TokenSource interface {
	SessionToken(studentID int, moduleID string) (string, bool)
}

type timeSyncPayload struct {
	StudentID        int    `json:"student_id"`
	ModuleID         string `json:"module_id"`
	SecondsRemaining int    `json:"seconds_remaining"`
	QueuedAt         int64  `json:"queued_at"`
}

// QueueSyncer hands time syncs to the TimeSyncWorker instead of calling upstream inline.
type QueueSyncer struct {
	rdb *redis.Client
	now func() time.Time
}

func NewQueueSyncer(rdb *redis.Client) *QueueSyncer {
	return &QueueSyncer{rdb: rdb, now: time.Now}
}

// SyncTime queues the sync by student. The token is resolved again by the worker.
func (q *QueueSyncer) SyncTime(ctx context.Context, studentID int, _ string, moduleID string, secondsRemaining int) error {
	data, err := json.Marshal(timeSyncPayload{
		StudentID:        studentID,
		ModuleID:         moduleID,
		SecondsRemaining: secondsRemaining,
		QueuedAt:         q.now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("encode time sync: %w", err)
	}
	// Entries older than staleSyncAge are dropped anyway, so the list need not outlive them.
	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, config.WorkerKey.TimeSyncQueue, data)
		pipe.Expire(ctx, config.WorkerKey.TimeSyncQueue, staleSyncAge)
		return nil
	})
	if err != nil {
		return fmt.Errorf("queue time sync: %w", err)
	}
	return nil
}

// TimeSyncWorker consumes the time-sync queue and calls upstream. Syncs are best
// effort: failures are logged and dropped.
type TimeSyncWorker struct {
	rdb      *redis.Client
	upstream TimeSyncer
	tokens   TokenSource
	timeout  time.Duration
	log      zerolog.Logger
}

func NewTimeSyncWorker(rdb *redis.Client, upstream TimeSyncer, tokens TokenSource, timeout time.Duration, log zerolog.Logger) *TimeSyncWorker {
	return &TimeSyncWorker{
		rdb:      rdb,
		upstream: upstream,
		tokens:   tokens,
		timeout:  timeout,
		log:      log.With().Str("component", "time_sync_worker").Logger(),
	}
}

// Start begins the worker loop. Call in a goroutine.
func (w *TimeSyncWorker) Start(ctx context.Context) {
	w.log.Info().Msg("Worker started")

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Worker stopping...")
			w.drain(context.Background())
			w.log.Info().Msg("Worker stopped")
			return
		default:
			w.processNext(ctx)
		}
	}
}

func (w *TimeSyncWorker) processNext(ctx context.Context) {
	result, err := w.rdb.BLPop(ctx, PollTimeout, config.WorkerKey.TimeSyncQueue).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
			w.log.Error().Err(err).Msg("BLPop error")
			time.Sleep(time.Second)
		}
		return
	}
	if len(result) < 2 {
		return
	}
	w.handle(ctx, result[1])
}

func (w *TimeSyncWorker) handle(ctx context.Context, raw string) {
	var p timeSyncPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		w.log.Error().Err(err).Msg("Unmarshal error")
		return
	}
	if age := time.Since(time.Unix(p.QueuedAt, 0)); age > staleSyncAge {
		w.log.Debug().Str("module_id", p.ModuleID).Dur("age", age).Msg("Dropping stale time sync")
		return
	}

	token, ok := w.tokens.SessionToken(p.StudentID, p.ModuleID)
	if !ok {
		w.log.Debug().Int("student_id", p.StudentID).Str("module_id", p.ModuleID).Msg("Session gone, dropping time sync")
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	if err := w.upstream.SyncTime(callCtx, token, p.ModuleID, p.SecondsRemaining); err != nil {
		w.log.Warn().Err(err).
			Int("student_id", p.StudentID).
			Str("module_id", p.ModuleID).
			Int("seconds_remaining", p.SecondsRemaining).
			Msg("Time sync failed, dropping")
	}
}

// drain processes what is left in the queue before shutdown.
func (w *TimeSyncWorker) drain(ctx context.Context) {
	drained := 0
	for {
		raw, err := w.rdb.LPop(ctx, config.WorkerKey.TimeSyncQueue).Result()
		if err != nil {
			break
		}
		w.handle(ctx, raw)
		drained++
	}
	if drained > 0 {
		w.log.Info().Int("count", drained).Msg("Drained remaining items")
	}
}
