package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/worldloom/genflow/store"
)

//go:embed schema.sql
var schemaSQL string

const (
	defaultBusyTimeout = 5 * time.Second
	defaultLimit       = 50
)

type Store struct {
	db          *sql.DB
	busyTimeout time.Duration
	enableWAL   bool
	maxOpenConn int
}

type Option func(*Store)

func WithBusyTimeout(timeout time.Duration) Option {
	return func(s *Store) {
		if timeout >= 0 {
			s.busyTimeout = timeout
		}
	}
}

func WithWAL(enabled bool) Option {
	return func(s *Store) {
		s.enableWAL = enabled
	}
}

func WithMaxOpenConns(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxOpenConn = n
		}
	}
}

func New(path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	s := &Store{
		busyTimeout: defaultBusyTimeout,
		enableWAL:   true,
		maxOpenConn: 1,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(s.maxOpenConn)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s.db = db
	if err := s.initialize(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initialize(ctx context.Context) error {
	if s.busyTimeout > 0 {
		ms := int(s.busyTimeout / time.Millisecond)
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout=%d;", ms)); err != nil {
			return fmt.Errorf("failed to set busy_timeout: %w", err)
		}
	}
	if s.enableWAL {
		if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
			return fmt.Errorf("failed to enable wal: %w", err)
		}
	}
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

func (s *Store) SaveBuild(ctx context.Context, build store.BuildState) error {
	if build.BuildID == "" {
		return fmt.Errorf("build_id is required")
	}
	if build.WorldID == "" {
		return fmt.Errorf("world_id is required")
	}
	if build.Status == "" {
		build.Status = store.BuildRunning
	}
	now := time.Now().UTC()
	if build.CreatedAt == nil {
		build.CreatedAt = &now
	}
	if build.UpdatedAt == nil {
		build.UpdatedAt = &now
	}
	if build.Pools == nil {
		build.Pools = map[string]store.PoolState{}
	}

	poolsRaw, err := json.Marshal(build.Pools)
	if err != nil {
		return fmt.Errorf("failed to marshal pools: %w", err)
	}

	const q = `
INSERT INTO builds (build_id, world_id, status, current_stage, progress, total_tokens, pools, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(build_id) DO UPDATE SET
  world_id=excluded.world_id,
  status=excluded.status,
  current_stage=excluded.current_stage,
  progress=excluded.progress,
  total_tokens=excluded.total_tokens,
  pools=excluded.pools,
  updated_at=excluded.updated_at;
`
	_, err = s.db.ExecContext(
		ctx,
		q,
		build.BuildID,
		build.WorldID,
		string(build.Status),
		build.CurrentStage,
		build.Progress,
		build.TotalTokens,
		string(poolsRaw),
		build.CreatedAt.UTC().Format(time.RFC3339Nano),
		build.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to save build: %w", err)
	}
	return nil
}

const buildColumns = "build_id, world_id, status, current_stage, progress, total_tokens, pools, created_at, updated_at"

func (s *Store) LoadBuild(ctx context.Context, buildID string) (store.BuildState, error) {
	if strings.TrimSpace(buildID) == "" {
		return store.BuildState{}, fmt.Errorf("build_id is required")
	}
	row := s.db.QueryRowContext(ctx, "SELECT "+buildColumns+" FROM builds WHERE build_id = ?;", buildID)
	build, err := scanBuild(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.BuildState{}, store.ErrNotFound
		}
		return store.BuildState{}, fmt.Errorf("failed to load build: %w", err)
	}
	return build, nil
}

func (s *Store) ListRunningBuilds(ctx context.Context, worldID string) ([]store.BuildState, error) {
	q := "SELECT " + buildColumns + " FROM builds WHERE status = ?"
	args := []any{string(store.BuildRunning)}
	if worldID != "" {
		q += " AND world_id = ?"
		args = append(args, worldID)
	}
	q += " ORDER BY updated_at DESC LIMIT ?;"
	args = append(args, defaultLimit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list running builds: %w", err)
	}
	defer rows.Close()

	out := make([]store.BuildState, 0, 8)
	for rows.Next() {
		build, err := scanBuild(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan build row: %w", err)
		}
		out = append(out, build)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate builds: %w", err)
	}
	return out, nil
}

func (s *Store) LatestRunningBuild(ctx context.Context, worldID string) (store.BuildState, error) {
	builds, err := s.ListRunningBuilds(ctx, worldID)
	if err != nil {
		return store.BuildState{}, err
	}
	if len(builds) == 0 {
		return store.BuildState{}, store.ErrNotFound
	}
	return builds[0], nil
}

// DeleteBuild removes the build row and every journal entry in one
// transaction so state and journal can never diverge.
func (s *Store) DeleteBuild(ctx context.Context, buildID string) error {
	if strings.TrimSpace(buildID) == "" {
		return fmt.Errorf("build_id is required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin delete: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM seed_journal WHERE build_id = ?;", buildID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to delete seed journal: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM builds WHERE build_id = ?;", buildID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to delete build: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}
	return nil
}

func (s *Store) AppendSeedKey(ctx context.Context, key store.SeedKey) error {
	if key.BuildID == "" || key.Pool == "" || key.Key == "" {
		return fmt.Errorf("build_id, pool and key are required")
	}
	const q = `
INSERT INTO seed_journal (build_id, pool, seed_key, created_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(build_id, pool, seed_key) DO NOTHING;
`
	_, err := s.db.ExecContext(ctx, q, key.BuildID, key.Pool, key.Key, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to append seed key: %w", err)
	}
	return nil
}

func (s *Store) HasSeedKey(ctx context.Context, key store.SeedKey) (bool, error) {
	const q = `SELECT 1 FROM seed_journal WHERE build_id = ? AND pool = ? AND seed_key = ?;`
	var one int
	err := s.db.QueryRowContext(ctx, q, key.BuildID, key.Pool, key.Key).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("failed to look up seed key: %w", err)
	}
	return true, nil
}

func (s *Store) ListSeedKeys(ctx context.Context, buildID, pool string) ([]string, error) {
	if buildID == "" || pool == "" {
		return nil, fmt.Errorf("build_id and pool are required")
	}
	const q = `
SELECT seed_key FROM seed_journal
WHERE build_id = ? AND pool = ?
ORDER BY created_at ASC;
`
	rows, err := s.db.QueryContext(ctx, q, buildID, pool)
	if err != nil {
		return nil, fmt.Errorf("failed to list seed keys: %w", err)
	}
	defer rows.Close()

	out := make([]string, 0, 16)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan seed key: %w", err)
		}
		out = append(out, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate seed keys: %w", err)
	}
	return out, nil
}

func (s *Store) ListAllSeedKeys(ctx context.Context, buildID string) ([]store.SeedKey, error) {
	if buildID == "" {
		return nil, fmt.Errorf("build_id is required")
	}
	const q = `
SELECT build_id, pool, seed_key FROM seed_journal
WHERE build_id = ?
ORDER BY created_at ASC;
`
	rows, err := s.db.QueryContext(ctx, q, buildID)
	if err != nil {
		return nil, fmt.Errorf("failed to list seed keys for build: %w", err)
	}
	defer rows.Close()

	out := make([]store.SeedKey, 0, 32)
	for rows.Next() {
		var key store.SeedKey
		if err := rows.Scan(&key.BuildID, &key.Pool, &key.Key); err != nil {
			return nil, fmt.Errorf("failed to scan seed key row: %w", err)
		}
		out = append(out, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate seed keys: %w", err)
	}
	return out, nil
}

// PruneBuilds deletes terminal builds not updated since cutoff, together with
// their journal entries. Running builds are never pruned.
func (s *Store) PruneBuilds(ctx context.Context, cutoff time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin prune: %w", err)
	}
	const selectQ = `
SELECT build_id FROM builds
WHERE status IN (?, ?, ?) AND updated_at < ?;
`
	rows, err := tx.QueryContext(
		ctx,
		selectQ,
		string(store.BuildCompleted),
		string(store.BuildFailed),
		string(store.BuildCancelled),
		cutoff.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("failed to find prunable builds: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			_ = tx.Rollback()
			return 0, fmt.Errorf("failed to scan prunable build: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		_ = tx.Rollback()
		return 0, fmt.Errorf("failed to iterate prunable builds: %w", err)
	}
	rows.Close()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, "DELETE FROM seed_journal WHERE build_id = ?;", id); err != nil {
			_ = tx.Rollback()
			return 0, fmt.Errorf("failed to prune seed journal for %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM builds WHERE build_id = ?;", id); err != nil {
			_ = tx.Rollback()
			return 0, fmt.Errorf("failed to prune build %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit prune: %w", err)
	}
	return len(ids), nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBuild(row rowScanner) (store.BuildState, error) {
	var (
		build      store.BuildState
		status     string
		poolsRaw   string
		createdRaw string
		updatedRaw string
	)
	if err := row.Scan(
		&build.BuildID,
		&build.WorldID,
		&status,
		&build.CurrentStage,
		&build.Progress,
		&build.TotalTokens,
		&poolsRaw,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return store.BuildState{}, err
	}
	build.Status = store.BuildStatus(status)
	if err := json.Unmarshal([]byte(poolsRaw), &build.Pools); err != nil {
		return store.BuildState{}, fmt.Errorf("failed to decode pools: %w", err)
	}
	if build.Pools == nil {
		build.Pools = map[string]store.PoolState{}
	}
	created, err := parseRequiredTime(createdRaw)
	if err != nil {
		return store.BuildState{}, fmt.Errorf("failed to parse build created_at: %w", err)
	}
	updated, err := parseRequiredTime(updatedRaw)
	if err != nil {
		return store.BuildState{}, fmt.Errorf("failed to parse build updated_at: %w", err)
	}
	build.CreatedAt = &created
	build.UpdatedAt = &updated
	return build, nil
}

func parseRequiredTime(raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

var _ store.Store = (*Store)(nil)
