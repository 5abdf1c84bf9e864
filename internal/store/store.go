package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/andresmejia3/vigil/internal/types"
)

// writeTimeout bounds a single outcome insert issued from the observer goroutine.
const writeTimeout = 5 * time.Second

// Store persists streams and their clip outcomes in PostgreSQL.
// A single connection is shared, so calls are serialized.
type Store struct {
	mu   sync.Mutex
	conn *pgx.Conn
}

// StreamInfo describes a pipeline run when it is registered.
type StreamInfo struct {
	ID         string
	Source     string
	Endpoint   string
	ClipLength int
	Stride     int
}

// StreamRecord is a registered stream with its outcome tallies.
type StreamRecord struct {
	StreamInfo
	StartedAt  time.Time
	FinishedAt *time.Time
	Clips      int
	Succeeded  int
	Failed     int
	Dropped    int
}

// OutcomeFilter narrows ListOutcomes. Zero values match everything.
type OutcomeFilter struct {
	StreamID string
	State    types.ClipState
	Label    string
	Limit    int
}

// New establishes a connection to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{conn: conn}, nil
}

func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := `
		CREATE TABLE IF NOT EXISTS streams (
			id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			endpoint TEXT NOT NULL,
			clip_length INT NOT NULL,
			stride INT NOT NULL,
			started_at TIMESTAMPTZ DEFAULT NOW(),
			finished_at TIMESTAMPTZ
		);
		CREATE TABLE IF NOT EXISTS clip_outcomes (
			stream_id TEXT REFERENCES streams(id) ON DELETE CASCADE,
			clip_id BIGINT NOT NULL,
			first_seq BIGINT NOT NULL,
			state TEXT NOT NULL,
			failure_kind TEXT NOT NULL DEFAULT '',
			drop_reason TEXT NOT NULL DEFAULT '',
			message TEXT NOT NULL DEFAULT '',
			top_label TEXT,
			top_confidence DOUBLE PRECISION,
			predictions JSONB,
			attempts INT NOT NULL,
			latency_ms DOUBLE PRECISION NOT NULL,
			remote_id TEXT NOT NULL DEFAULT '',
			sealed_at TIMESTAMPTZ NOT NULL,
			resolved_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (stream_id, clip_id)
		);
		CREATE INDEX IF NOT EXISTS clip_outcomes_state_idx ON clip_outcomes (stream_id, state);
		CREATE INDEX IF NOT EXISTS clip_outcomes_top_label_idx ON clip_outcomes (top_label);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *Store) Close(ctx context.Context) {
	s.conn.Close(ctx)
}

// EnsureStream registers a run. Re-running the same file replaces its previous outcomes.
func (s *Store) EnsureStream(ctx context.Context, info StreamInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "DELETE FROM clip_outcomes WHERE stream_id = $1", info.ID); err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO streams (id, source, endpoint, clip_length, stride, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NULL)
		ON CONFLICT (id) DO UPDATE SET
			source = EXCLUDED.source,
			endpoint = EXCLUDED.endpoint,
			clip_length = EXCLUDED.clip_length,
			stride = EXCLUDED.stride,
			started_at = NOW(),
			finished_at = NULL
	`, info.ID, info.Source, info.Endpoint, info.ClipLength, info.Stride)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// FinishStream stamps the end of a run.
func (s *Store) FinishStream(ctx context.Context, streamID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conn.Exec(ctx, "UPDATE streams SET finished_at = NOW() WHERE id = $1", streamID)
	return err
}

// InsertOutcome saves a terminal outcome. A clip already recorded for the
// stream is left untouched, so it is reported at most once.
func (s *Store) InsertOutcome(ctx context.Context, o types.Outcome) (bool, error) {
	var (
		topLabel *string
		topConf  *float64
		preds    []byte
	)
	if o.Top != nil {
		topLabel, topConf = &o.Top.Label, &o.Top.Confidence
	}
	if len(o.Predictions) > 0 {
		var err error
		if preds, err = json.Marshal(o.Predictions); err != nil {
			return false, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	tag, err := s.conn.Exec(ctx, `
		INSERT INTO clip_outcomes (
			stream_id, clip_id, first_seq, state, failure_kind, drop_reason, message,
			top_label, top_confidence, predictions, attempts, latency_ms, remote_id,
			sealed_at, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (stream_id, clip_id) DO NOTHING
	`, o.StreamID, int64(o.ClipID), int64(o.FirstSeq), string(o.State), string(o.FailureKind),
		string(o.DropReason), o.Message, topLabel, topConf, preds, o.Attempts,
		float64(o.Latency)/float64(time.Millisecond), o.RemoteID, o.SealedAt, o.ResolvedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Write lets the store sit behind an asynchronous outcome observer.
func (s *Store) Write(o types.Outcome) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	inserted, err := s.InsertOutcome(ctx, o)
	if err != nil {
		return err
	}
	if !inserted {
		return fmt.Errorf("clip %d of stream %s already recorded", o.ClipID, o.StreamID)
	}
	return nil
}

// ListOutcomes returns outcomes ordered by stream start and clip ID.
func (s *Store) ListOutcomes(ctx context.Context, f OutcomeFilter) ([]types.Outcome, error) {
	query := `
		SELECT o.stream_id, o.clip_id, o.first_seq, o.state, o.failure_kind, o.drop_reason, o.message,
			o.top_label, o.top_confidence, o.predictions, o.attempts, o.latency_ms, o.remote_id,
			o.sealed_at, o.resolved_at
		FROM clip_outcomes o
		JOIN streams s ON s.id = o.stream_id
		WHERE ($1::text = '' OR o.stream_id = $1)
		  AND ($2::text = '' OR o.state = $2)
		  AND ($3::text = '' OR o.top_label = $3)
		ORDER BY s.started_at, o.clip_id`
	args := []any{f.StreamID, string(f.State), f.Label}
	if f.Limit > 0 {
		query += " LIMIT $4"
		args = append(args, f.Limit)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Outcome
	for rows.Next() {
		var (
			o                   types.Outcome
			clipID, firstSeq    int64
			state, kind, reason string
			topLabel            *string
			topConf             *float64
			preds               []byte
			latencyMS           float64
		)
		if err := rows.Scan(&o.StreamID, &clipID, &firstSeq, &state, &kind, &reason, &o.Message,
			&topLabel, &topConf, &preds, &o.Attempts, &latencyMS, &o.RemoteID,
			&o.SealedAt, &o.ResolvedAt); err != nil {
			return nil, err
		}
		o.ClipID, o.FirstSeq = uint64(clipID), uint64(firstSeq)
		o.State, o.FailureKind, o.DropReason = types.ClipState(state), types.FailureKind(kind), types.DropReason(reason)
		o.Latency = time.Duration(latencyMS * float64(time.Millisecond))
		if topLabel != nil && topConf != nil {
			o.Top = &types.Prediction{Label: *topLabel, Confidence: *topConf}
		}
		if len(preds) > 0 {
			if err := json.Unmarshal(preds, &o.Predictions); err != nil {
				return nil, fmt.Errorf("clip %d predictions: %w", o.ClipID, err)
			}
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// ListStreams returns every registered stream, newest first, with outcome tallies.
func (s *Store) ListStreams(ctx context.Context) ([]StreamRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.conn.Query(ctx, `
		SELECT s.id, s.source, s.endpoint, s.clip_length, s.stride, s.started_at, s.finished_at,
			COUNT(o.clip_id),
			COUNT(o.clip_id) FILTER (WHERE o.state = 'succeeded'),
			COUNT(o.clip_id) FILTER (WHERE o.state = 'failed'),
			COUNT(o.clip_id) FILTER (WHERE o.state = 'dropped')
		FROM streams s
		LEFT JOIN clip_outcomes o ON o.stream_id = s.id
		GROUP BY s.id
		ORDER BY s.started_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StreamRecord
	for rows.Next() {
		var r StreamRecord
		if err := rows.Scan(&r.ID, &r.Source, &r.Endpoint, &r.ClipLength, &r.Stride, &r.StartedAt, &r.FinishedAt,
			&r.Clips, &r.Succeeded, &r.Failed, &r.Dropped); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Summary returns one stream with its outcome tallies.
func (s *Store) Summary(ctx context.Context, id string) (*StreamRecord, error) {
	streams, err := s.ListStreams(ctx)
	if err != nil {
		return nil, err
	}
	for i := range streams {
		if streams[i].ID == id {
			return &streams[i], nil
		}
	}
	return nil, ErrNotFound
}

// ErrNotFound is returned when a stream ID is unknown.
var ErrNotFound = errors.New("stream not found")

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conn.Exec(ctx, `
		DROP TABLE IF EXISTS clip_outcomes CASCADE;
		DROP TABLE IF EXISTS streams CASCADE;
	`)
	return err
}
