package assoc

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/copurchase/internal/platform/logger"
	"github.com/yungbote/copurchase/internal/recommender"
)

type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// RedisStore maps the association contract onto native sorted sets.
type RedisStore struct {
	log *logger.Logger
	rdb *goredis.Client
}

// NewRedisStore connects and pings. An unreachable server is returned as a
// *recommender.StoreError so callers can tell it apart from bad config.
func NewRedisStore(log *logger.Logger, cfg RedisConfig) (*RedisStore, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, fmt.Errorf("missing redis addr")
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  dialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, &recommender.StoreError{Op: "ping", Key: addr, Err: err}
	}

	return NewRedisStoreFromClient(log, rdb), nil
}

func NewRedisStoreFromClient(log *logger.Logger, rdb *goredis.Client) *RedisStore {
	return &RedisStore{log: log.With("store", "RedisStore"), rdb: rdb}
}

func (s *RedisStore) Client() *goredis.Client { return s.rdb }

func (s *RedisStore) IncrBy(ctx context.Context, key string, member recommender.ProductID, delta float64) error {
	return s.rdb.ZIncrBy(ctx, key, delta, member.String()).Err()
}

func (s *RedisStore) IncrPairs(ctx context.Context, incs []recommender.Increment) error {
	if len(incs) == 0 {
		return nil
	}
	_, err := s.rdb.Pipelined(ctx, func(p goredis.Pipeliner) error {
		for _, inc := range incs {
			p.ZIncrBy(ctx, inc.Key, inc.Delta, inc.Member.String())
		}
		return nil
	})
	return err
}

// TopN reads the n best members, then pulls every member tied with the last one so the
// ascending-id tie-break holds at the cut. Redis itself breaks ties in reverse
// lexicographic order on ZREVRANGE.
func (s *RedisStore) TopN(ctx context.Context, key string, n int) ([]recommender.Entry, error) {
	stop := int64(-1)
	if n > 0 {
		stop = int64(n - 1)
	}
	zs, err := s.rdb.ZRevRangeWithScores(ctx, key, 0, stop).Result()
	if err != nil {
		return nil, err
	}
	entries := s.toEntries(key, zs)
	if n <= 0 || len(zs) < n {
		recommender.SortEntries(entries)
		return entries, nil
	}

	boundary := zs[len(zs)-1].Score
	bound := strconv.FormatFloat(boundary, 'f', -1, 64)
	ties, err := s.rdb.ZRangeByScoreWithScores(ctx, key, &goredis.ZRangeBy{Min: bound, Max: bound}).Result()
	if err != nil {
		return nil, err
	}
	merged := make([]recommender.Entry, 0, len(entries)+len(ties))
	for _, e := range entries {
		if e.Score > boundary {
			merged = append(merged, e)
		}
	}
	merged = append(merged, s.toEntries(key, ties)...)
	recommender.SortEntries(merged)
	if len(merged) > n {
		merged = merged[:n]
	}
	return merged, nil
}

func (s *RedisStore) UnionInto(ctx context.Context, dst string, keys []string) error {
	if len(keys) == 0 {
		return s.rdb.Del(ctx, dst).Err()
	}
	return s.rdb.ZUnionStore(ctx, dst, &goredis.ZStore{Keys: keys, Aggregate: "SUM"}).Err()
}

func (s *RedisStore) Remove(ctx context.Context, key string, members ...recommender.ProductID) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(members))
	for _, m := range members {
		args = append(args, m.String())
	}
	return s.rdb.ZRem(ctx, key, args...).Err()
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.rdb.Del(ctx, keys...).Err()
}

func (s *RedisStore) Close() error {
	if s == nil || s.rdb == nil {
		return nil
	}
	return s.rdb.Close()
}

func (s *RedisStore) toEntries(key string, zs []goredis.Z) []recommender.Entry {
	out := make([]recommender.Entry, 0, len(zs))
	for _, z := range zs {
		raw, _ := z.Member.(string)
		id, err := recommender.ParseProductID(raw)
		if err != nil {
			s.log.Warn("skipping non-integer association member", "key", key, "member", z.Member)
			continue
		}
		out = append(out, recommender.Entry{Member: id, Score: z.Score})
	}
	return out
}
