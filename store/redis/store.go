// Package redis provides a Redis-backed build store. Build snapshots are
// TTL'd JSON values with sorted-set indexes by world; the seed journal is a
// plain set per (build, pool) so membership checks stay O(1).
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/worldloom/genflow/store"
)

const (
	defaultTTL    = 7 * 24 * time.Hour
	defaultPrefix = "genflow"
	defaultLimit  = 50
)

type Store struct {
	client   *goredis.Client
	ttl      time.Duration
	prefix   string
	addr     string
	db       int
	password string
}

type Option func(*Store)

func WithPassword(password string) Option {
	return func(s *Store) { s.password = password }
}

func WithDB(db int) Option {
	return func(s *Store) { s.db = db }
}

func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func WithPrefix(prefix string) Option {
	return func(s *Store) {
		if strings.TrimSpace(prefix) != "" {
			s.prefix = strings.TrimSpace(prefix)
		}
	}
}

func WithClient(client *goredis.Client) Option {
	return func(s *Store) {
		if client != nil {
			s.client = client
		}
	}
}

func New(addr string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, fmt.Errorf("redis addr is required")
	}

	s := &Store{
		ttl:    defaultTTL,
		prefix: defaultPrefix,
		addr:   addr,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		s.client = goredis.NewClient(&goredis.Options{
			Addr:     s.addr,
			Password: s.password,
			DB:       s.db,
		})
	}

	if err := s.client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return s, nil
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

	raw, err := json.Marshal(build)
	if err != nil {
		return fmt.Errorf("failed to marshal build: %w", err)
	}

	score := float64(build.UpdatedAt.UnixNano())
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.buildKey(build.BuildID), string(raw), s.ttl)
	if build.Status == store.BuildRunning {
		pipe.ZAdd(ctx, s.runningIndexKey(""), goredis.Z{Score: score, Member: build.BuildID})
		pipe.ZAdd(ctx, s.runningIndexKey(build.WorldID), goredis.Z{Score: score, Member: build.BuildID})
		pipe.Expire(ctx, s.runningIndexKey(""), s.ttl)
		pipe.Expire(ctx, s.runningIndexKey(build.WorldID), s.ttl)
	} else {
		pipe.ZRem(ctx, s.runningIndexKey(""), build.BuildID)
		pipe.ZRem(ctx, s.runningIndexKey(build.WorldID), build.BuildID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save build in redis: %w", err)
	}
	return nil
}

func (s *Store) LoadBuild(ctx context.Context, buildID string) (store.BuildState, error) {
	if buildID == "" {
		return store.BuildState{}, fmt.Errorf("build_id is required")
	}
	raw, err := s.client.Get(ctx, s.buildKey(buildID)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return store.BuildState{}, store.ErrNotFound
		}
		return store.BuildState{}, fmt.Errorf("failed to load build from redis: %w", err)
	}
	var build store.BuildState
	if err := json.Unmarshal([]byte(raw), &build); err != nil {
		return store.BuildState{}, fmt.Errorf("failed to decode build from redis: %w", err)
	}
	return build, nil
}

func (s *Store) ListRunningBuilds(ctx context.Context, worldID string) ([]store.BuildState, error) {
	ids, err := s.client.ZRevRange(ctx, s.runningIndexKey(worldID), 0, defaultLimit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list running build ids: %w", err)
	}
	out := make([]store.BuildState, 0, len(ids))
	stale := make([]any, 0)
	for _, id := range ids {
		build, err := s.LoadBuild(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				stale = append(stale, id)
				continue
			}
			return nil, err
		}
		if build.Status != store.BuildRunning {
			continue
		}
		out = append(out, build)
	}
	if len(stale) > 0 {
		_ = s.client.ZRem(ctx, s.runningIndexKey(worldID), stale...).Err()
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

func (s *Store) DeleteBuild(ctx context.Context, buildID string) error {
	if buildID == "" {
		return fmt.Errorf("build_id is required")
	}

	worldID := ""
	if build, err := s.LoadBuild(ctx, buildID); err == nil {
		worldID = build.WorldID
	}

	pools, err := s.client.SMembers(ctx, s.seedPoolsKey(buildID)).Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return fmt.Errorf("failed to list journal pools: %w", err)
	}

	pipe := s.client.TxPipeline()
	for _, pool := range pools {
		pipe.Del(ctx, s.seedSetKey(buildID, pool))
	}
	pipe.Del(ctx, s.seedPoolsKey(buildID))
	pipe.Del(ctx, s.buildKey(buildID))
	pipe.ZRem(ctx, s.runningIndexKey(""), buildID)
	if worldID != "" {
		pipe.ZRem(ctx, s.runningIndexKey(worldID), buildID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete build from redis: %w", err)
	}
	return nil
}

func (s *Store) AppendSeedKey(ctx context.Context, key store.SeedKey) error {
	if key.BuildID == "" || key.Pool == "" || key.Key == "" {
		return fmt.Errorf("build_id, pool and key are required")
	}
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, s.seedSetKey(key.BuildID, key.Pool), key.Key)
	pipe.SAdd(ctx, s.seedPoolsKey(key.BuildID), key.Pool)
	pipe.Expire(ctx, s.seedSetKey(key.BuildID, key.Pool), s.ttl)
	pipe.Expire(ctx, s.seedPoolsKey(key.BuildID), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append seed key: %w", err)
	}
	return nil
}

func (s *Store) HasSeedKey(ctx context.Context, key store.SeedKey) (bool, error) {
	ok, err := s.client.SIsMember(ctx, s.seedSetKey(key.BuildID, key.Pool), key.Key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to look up seed key: %w", err)
	}
	return ok, nil
}

func (s *Store) ListSeedKeys(ctx context.Context, buildID, pool string) ([]string, error) {
	if buildID == "" || pool == "" {
		return nil, fmt.Errorf("build_id and pool are required")
	}
	keys, err := s.client.SMembers(ctx, s.seedSetKey(buildID, pool)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list seed keys: %w", err)
	}
	return keys, nil
}

func (s *Store) ListAllSeedKeys(ctx context.Context, buildID string) ([]store.SeedKey, error) {
	if buildID == "" {
		return nil, fmt.Errorf("build_id is required")
	}
	pools, err := s.client.SMembers(ctx, s.seedPoolsKey(buildID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list journal pools: %w", err)
	}
	out := make([]store.SeedKey, 0, 32)
	for _, pool := range pools {
		keys, err := s.ListSeedKeys(ctx, buildID, pool)
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			out = append(out, store.SeedKey{BuildID: buildID, Pool: pool, Key: key})
		}
	}
	return out, nil
}

func (s *Store) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *Store) buildKey(buildID string) string {
	return fmt.Sprintf("%s:build:%s", s.prefix, buildID)
}

func (s *Store) runningIndexKey(worldID string) string {
	if worldID == "" {
		return fmt.Sprintf("%s:buildidx:running", s.prefix)
	}
	return fmt.Sprintf("%s:buildidx:running:%s", s.prefix, worldID)
}

func (s *Store) seedSetKey(buildID, pool string) string {
	return fmt.Sprintf("%s:seeds:%s:%s", s.prefix, buildID, pool)
}

func (s *Store) seedPoolsKey(buildID string) string {
	return fmt.Sprintf("%s:seedpools:%s", s.prefix, buildID)
}

var _ store.Store = (*Store)(nil)
