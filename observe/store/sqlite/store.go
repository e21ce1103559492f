package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/worldloom/genflow/observe"
	observestore "github.com/worldloom/genflow/observe/store"
)

//go:embed schema.sql
var schemaSQL string

const defaultLimit = 200

type Store struct {
	db *sql.DB
}

func New(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite telemetry path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create telemetry db dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open telemetry sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.ExecContext(context.Background(), "PRAGMA journal_mode=WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable wal: %w", err)
	}
	if _, err := db.ExecContext(context.Background(), schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize telemetry schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) SaveEvent(ctx context.Context, event observe.Event) error {
	if s == nil || s.db == nil {
		return nil
	}
	event.Normalize()
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	attrs, err := json.Marshal(event.Attributes)
	if err != nil {
		return fmt.Errorf("failed to encode event attributes: %w", err)
	}
	const q = `
INSERT INTO telemetry_events (
  event_id, kind, status, name, endpoint, stage, build_id, pool, category,
  attempt, fallback, skipped, duration_ms, message, error, attributes, timestamp
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`
	_, err = s.db.ExecContext(
		ctx,
		q,
		event.ID,
		string(event.Kind),
		string(event.Status),
		event.Name,
		event.Endpoint,
		event.Stage,
		event.BuildID,
		event.Pool,
		event.Category,
		event.Attempt,
		boolToInt(event.Fallback),
		event.Skipped,
		event.DurationMs,
		event.Message,
		event.Error,
		string(attrs),
		event.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to save telemetry event: %w", err)
	}
	return nil
}

// Emit lets the store double as an observe.Sink so it can sit directly in a
// MultiSink chain.
func (s *Store) Emit(ctx context.Context, event observe.Event) error {
	return s.SaveEvent(ctx, event)
}

func (s *Store) ListEventsByBuild(ctx context.Context, buildID string, query observestore.ListQuery) ([]observe.Event, error) {
	if strings.TrimSpace(buildID) == "" {
		return nil, fmt.Errorf("buildID is required")
	}
	return s.list(ctx, "build_id = ?", buildID, query)
}

func (s *Store) ListEventsByStage(ctx context.Context, stage string, query observestore.ListQuery) ([]observe.Event, error) {
	if strings.TrimSpace(stage) == "" {
		return nil, fmt.Errorf("stage is required")
	}
	return s.list(ctx, "stage = ?", stage, query)
}

func (s *Store) list(ctx context.Context, predicate string, value string, query observestore.ListQuery) ([]observe.Event, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	limit := query.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	offset := query.Offset
	if offset < 0 {
		offset = 0
	}

	q := fmt.Sprintf(`
SELECT event_id, kind, status, name, endpoint, stage, build_id, pool, category,
       attempt, fallback, skipped, duration_ms, message, error, attributes, timestamp
FROM telemetry_events
WHERE %s
ORDER BY timestamp ASC
LIMIT ? OFFSET ?;
`, predicate)

	rows, err := s.db.QueryContext(ctx, q, value, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list telemetry events: %w", err)
	}
	defer rows.Close()

	out := make([]observe.Event, 0, limit)
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate telemetry events: %w", err)
	}
	return out, nil
}

func scanEvent(scanner interface{ Scan(dest ...any) error }) (observe.Event, error) {
	var (
		e        observe.Event
		kind     string
		status   string
		fallback int
		attrs    string
		tsRaw    string
	)
	if err := scanner.Scan(
		&e.ID,
		&kind,
		&status,
		&e.Name,
		&e.Endpoint,
		&e.Stage,
		&e.BuildID,
		&e.Pool,
		&e.Category,
		&e.Attempt,
		&fallback,
		&e.Skipped,
		&e.DurationMs,
		&e.Message,
		&e.Error,
		&attrs,
		&tsRaw,
	); err != nil {
		return observe.Event{}, fmt.Errorf("failed to scan telemetry event: %w", err)
	}
	e.Kind = observe.Kind(kind)
	e.Status = observe.Status(status)
	e.Fallback = fallback != 0
	if tsRaw != "" {
		ts, err := time.Parse(time.RFC3339Nano, tsRaw)
		if err == nil {
			e.Timestamp = ts
		}
	}
	if attrs != "" {
		_ = json.Unmarshal([]byte(attrs), &e.Attributes)
	}
	e.Normalize()
	return e, nil
}

func (s *Store) AggregateMetrics(ctx context.Context, query observestore.MetricsQuery) (observestore.MetricsSummary, error) {
	if s == nil || s.db == nil {
		return observestore.MetricsSummary{}, nil
	}
	args := []any{}
	where := ""
	if query.Since != nil {
		where = " AND timestamp >= ?"
		args = append(args, query.Since.UTC().Format(time.RFC3339Nano))
	}

	counter := func(predicate string, extra ...any) (int64, error) {
		q := "SELECT COUNT(*) FROM telemetry_events WHERE " + predicate + where
		qArgs := append(append([]any{}, extra...), args...)
		var n int64
		if err := s.db.QueryRowContext(ctx, q, qArgs...).Scan(&n); err != nil {
			return 0, err
		}
		return n, nil
	}

	metrics := observestore.MetricsSummary{}
	var err error
	if metrics.CallsStarted, err = counter("kind = ? AND status = ?", string(observe.KindCall), string(observe.StatusStarted)); err != nil {
		return observestore.MetricsSummary{}, fmt.Errorf("metrics calls started: %w", err)
	}
	if metrics.CallsCompleted, err = counter("kind = ? AND status = ?", string(observe.KindCall), string(observe.StatusCompleted)); err != nil {
		return observestore.MetricsSummary{}, fmt.Errorf("metrics calls completed: %w", err)
	}
	if metrics.CallsFailed, err = counter("kind = ? AND status = ?", string(observe.KindCall), string(observe.StatusFailed)); err != nil {
		return observestore.MetricsSummary{}, fmt.Errorf("metrics calls failed: %w", err)
	}
	if metrics.FallbackCalls, err = counter("kind = ? AND status = ? AND fallback = 1", string(observe.KindCall), string(observe.StatusCompleted)); err != nil {
		return observestore.MetricsSummary{}, fmt.Errorf("metrics fallback calls: %w", err)
	}
	if metrics.CircuitChanges, err = counter("kind = ?", string(observe.KindCircuit)); err != nil {
		return observestore.MetricsSummary{}, fmt.Errorf("metrics circuit changes: %w", err)
	}
	if metrics.RateLimitWaits, err = counter("kind = ?", string(observe.KindRateLimit)); err != nil {
		return observestore.MetricsSummary{}, fmt.Errorf("metrics rate limit waits: %w", err)
	}
	if metrics.BuildsCompleted, err = counter("kind = ? AND status = ?", string(observe.KindBuild), string(observe.StatusCompleted)); err != nil {
		return observestore.MetricsSummary{}, fmt.Errorf("metrics builds completed: %w", err)
	}
	if metrics.BuildsFailed, err = counter("kind = ? AND status = ?", string(observe.KindBuild), string(observe.StatusFailed)); err != nil {
		return observestore.MetricsSummary{}, fmt.Errorf("metrics builds failed: %w", err)
	}
	return metrics, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ observestore.Store = (*Store)(nil)
var _ observe.Sink = (*Store)(nil)
