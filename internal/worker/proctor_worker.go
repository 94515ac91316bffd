package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-practice/internal/config"
	"github.com/stemsi/exstem-practice/internal/model"
)

const (
	BatchSize    = 50
	BatchTimeout = 2 * time.Second
	PollTimeout  = 1 * time.Second // Must be >= 1s to satisfy Redis
)

// ProctorRecorder queues proctoring events for the ProctorWorker.
type ProctorRecorder struct {
	rdb *redis.Client
	log zerolog.Logger
}

func NewProctorRecorder(rdb *redis.Client, log zerolog.Logger) *ProctorRecorder {
	return &ProctorRecorder{
		rdb: rdb,
		log: log.With().Str("component", "proctor_recorder").Logger(),
	}
}

// Record pushes ev onto the proctor queue. Failures are logged, never returned.
func (r *ProctorRecorder) Record(ctx context.Context, ev model.ProctorEvent) {
	r.log.Info().
		Str("kind", string(ev.Kind)).
		Str("session_id", ev.SessionID).
		Int("student_id", ev.StudentID).
		Str("detail", ev.Detail).
		Msg("Proctor event")

	data, err := json.Marshal(ev)
	if err != nil {
		r.log.Error().Err(err).Msg("Encode proctor event")
		return
	}
	if err := r.rdb.RPush(ctx, config.WorkerKey.ProctorEventsQueue, data).Err(); err != nil {
		r.log.Error().Err(err).Str("kind", string(ev.Kind)).Msg("Failed to queue proctor event")
	}
}

// ProctorWorker drains the proctor queue into practice_proctor_events in batches.
type ProctorWorker struct {
	pool *pgxpool.Pool
	rdb  *redis.Client
	log  zerolog.Logger
}

func NewProctorWorker(pool *pgxpool.Pool, rdb *redis.Client, log zerolog.Logger) *ProctorWorker {
	return &ProctorWorker{
		pool: pool,
		rdb:  rdb,
		log:  log.With().Str("component", "proctor_worker").Logger(),
	}
}

func (w *ProctorWorker) Start(ctx context.Context) {
	w.log.Info().Msg("ProctorWorker started")

	buffer := make([]*model.ProctorEvent, 0, BatchSize)
	lastFlushTime := time.Now()

	for {
		// 1. Flush on size or age
		if len(buffer) > 0 {
			if len(buffer) >= BatchSize || time.Since(lastFlushTime) >= BatchTimeout {
				w.flushSafe(ctx, buffer)
				buffer = buffer[:0]
				lastFlushTime = time.Now()
			}
		}

		// 2. Graceful shutdown
		select {
		case <-ctx.Done():
			w.shutdown(buffer)
			return
		default:
		}

		// 3. Fetch from Redis
		result, err := w.rdb.BLPop(ctx, PollTimeout, config.WorkerKey.ProctorEventsQueue).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				continue
			}
			w.log.Error().Err(err).Msg("Redis connection error, sleeping 3s")
			time.Sleep(3 * time.Second)
			continue
		}
		if len(result) < 2 {
			continue
		}

		var ev model.ProctorEvent
		if err := json.Unmarshal([]byte(result[1]), &ev); err != nil {
			// Malformed JSON cannot be retried.
			w.log.Error().Err(err).Str("data", result[1]).Msg("Discarding malformed JSON")
			continue
		}
		buffer = append(buffer, &ev)
	}
}

// flushSafe attempts bulk insert, then row-by-row insert, then requeue.
func (w *ProctorWorker) flushSafe(ctx context.Context, batch []*model.ProctorEvent) {
	if err := w.bulkInsert(ctx, batch); err != nil {
		w.log.Warn().Err(err).Int("count", len(batch)).Msg("Bulk insert failed, attempting row-by-row recovery")
		w.fallbackInsert(ctx, batch)
	}
}

func (w *ProctorWorker) bulkInsert(ctx context.Context, batch []*model.ProctorEvent) error {
	rows := make([][]interface{}, 0, len(batch))
	for _, ev := range batch {
		sessionID, err := uuid.Parse(ev.SessionID)
		if err != nil {
			// The fallback path drops the bad row individually.
			return err
		}
		rows = append(rows, []interface{}{
			sessionID, ev.ModuleID, ev.StudentID, string(ev.Kind), ev.Detail, ev.RecordedAt,
		})
	}

	_, err := w.pool.CopyFrom(
		ctx,
		pgx.Identifier{"practice_proctor_events"},
		[]string{"session_id", "module_id", "student_id", "kind", "detail", "recorded_at"},
		pgx.CopyFromRows(rows),
	)
	return err
}

func (w *ProctorWorker) fallbackInsert(ctx context.Context, batch []*model.ProctorEvent) {
	requeueList := make([]*model.ProctorEvent, 0)

	for _, ev := range batch {
		sessionID, err := uuid.Parse(ev.SessionID)
		if err != nil {
			w.log.Error().Str("session_id", ev.SessionID).Msg("Dropping proctor event with invalid session id")
			continue
		}

		_, err = w.pool.Exec(ctx,
			`INSERT INTO practice_proctor_events (session_id, module_id, student_id, kind, detail, recorded_at)
             VALUES ($1, $2, $3, $4, $5, $6)`,
			sessionID, ev.ModuleID, ev.StudentID, string(ev.Kind), ev.Detail, ev.RecordedAt,
		)
		if err != nil {
			w.log.Error().Err(err).Int("student_id", ev.StudentID).Msg("Insert failed, requeueing")
			requeueList = append(requeueList, ev)
		}
	}

	if len(requeueList) > 0 {
		w.requeue(ctx, requeueList)
	}
}

func (w *ProctorWorker) requeue(ctx context.Context, items []*model.ProctorEvent) {
	pipe := w.rdb.Pipeline()
	for _, ev := range items {
		data, _ := json.Marshal(ev)
		pipe.RPush(ctx, config.WorkerKey.ProctorEventsQueue, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		w.log.Error().Err(err).Msg("CRITICAL: Failed to requeue proctor events. Data loss occurred.")
		return
	}
	w.log.Info().Int("count", len(items)).Msg("Requeued failed items back to Redis")
	// Back off while the DB is down.
	time.Sleep(2 * time.Second)
}

func (w *ProctorWorker) shutdown(buffer []*model.ProctorEvent) {
	w.log.Info().Msg("Worker stopping, flushing remaining buffer...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if len(buffer) > 0 {
		w.flushSafe(shutdownCtx, buffer)
	}
}
