package catalog

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bryanchriswhite/DualCapture/internal/camera"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each recording in a hash under <prefix>:rec:<id> and
// orders them in the sorted set <prefix>:index scored by save time.
type RedisStore struct {
	rdb *redis.Client

	prefix string
	// ttl applies to the per-recording hashes; index entries whose hash
	// has expired are pruned on List.
	ttl time.Duration
}

type RedisOption func(*RedisStore)

func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		if p := strings.Trim(prefix, ":"); p != "" {
			s.prefix = p
		}
	}
}

func WithTTL(d time.Duration) RedisOption {
	return func(s *RedisStore) { s.ttl = d }
}

func NewRedisStore(rdb *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		rdb:    rdb,
		prefix: "dualcapture:recordings",
		ttl:    7 * 24 * time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) indexKey() string {
	return s.prefix + ":index"
}

func (s *RedisStore) recKey(id string) string {
	return s.prefix + ":rec:" + id
}

func (s *RedisStore) Add(ctx context.Context, rec Recording) error {
	key := s.recKey(rec.ID)

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, encode(rec))
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(rec.SavedAt.UnixMilli()), Member: rec.ID})
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) List(ctx context.Context, limit int) ([]Recording, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := s.rdb.ZRevRange(ctx, s.indexKey(), 0, stop).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.recKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	out := make([]Recording, 0, len(ids))
	var expired []interface{}
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			expired = append(expired, ids[i])
			continue
		}
		rec, err := decode(ids[i], fields)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if len(expired) > 0 {
		s.rdb.ZRem(ctx, s.indexKey(), expired...)
	}
	return out, nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (Recording, error) {
	fields, err := s.rdb.HGetAll(ctx, s.recKey(id)).Result()
	if err != nil {
		return Recording{}, err
	}
	if len(fields) == 0 {
		return Recording{}, ErrNotFound
	}
	return decode(id, fields)
}

func encode(rec Recording) map[string]interface{} {
	return map[string]interface{}{
		"slot":     rec.Slot.String(),
		"path":     rec.Path,
		"bytes":    rec.Bytes,
		"saved_at": rec.SavedAt.UnixMilli(),
	}
}

func decode(id string, fields map[string]string) (Recording, error) {
	slot, err := camera.ParseSlotID(fields["slot"])
	if err != nil {
		return Recording{}, fmt.Errorf("recording %s: %w", id, err)
	}
	bytes, _ := strconv.ParseInt(fields["bytes"], 10, 64)
	millis, err := strconv.ParseInt(fields["saved_at"], 10, 64)
	if err != nil {
		return Recording{}, fmt.Errorf("recording %s: bad saved_at: %w", id, err)
	}
	return Recording{
		ID:      id,
		Slot:    slot,
		Path:    fields["path"],
		Bytes:   bytes,
		SavedAt: time.UnixMilli(millis),
	}, nil
}
