package approval

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Redis key layout:
//
//	<prefix>:approval:<id>        JSON record
//	<prefix>:approval-lock:<id>   first-resolver lock (SETNX)
//	<prefix>:approvals:waiting    set of waiting ids
const defaultRedisPrefix = "gatekeeper"

// RedisStore shares approvals between gatekeeper processes. Any process may
// resolve a token; the SETNX lock makes the first resolver win.
type RedisStore struct {
	rdb       redis.UniversalClient
	prefix    string
	retention time.Duration
}

type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	Prefix    string
	Retention time.Duration
}

// OpenRedis connects and pings the server.
func OpenRedis(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrapf(err, "approval: redis ping %s", opts.Addr)
	}
	return NewRedisStore(rdb, opts.Prefix, opts.Retention), nil
}

// NewRedisStore wraps an existing client.
func NewRedisStore(rdb redis.UniversalClient, prefix string, retention time.Duration) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &RedisStore{rdb: rdb, prefix: prefix, retention: retention}
}

func (s *RedisStore) recordKey(id string) string { return s.prefix + ":approval:" + id }
func (s *RedisStore) lockKey(id string) string   { return s.prefix + ":approval-lock:" + id }
func (s *RedisStore) waitingKey() string         { return s.prefix + ":approvals:waiting" }

// recordTTL keeps a waiting record until its deadline plus retention.
func (s *RedisStore) recordTTL(p Pending, now time.Time) time.Duration {
	ttl := p.ExpiresAt.Sub(now) + s.retention
	if ttl < s.retention {
		ttl = s.retention
	}
	return ttl
}

func (s *RedisStore) Create(ctx context.Context, p Pending) error {
	data, err := json.Marshal(p)
	if err != nil {
		return errors.Wrap(err, "approval: encode")
	}
	ok, err := s.rdb.SetNX(ctx, s.recordKey(p.ID), data, s.recordTTL(p, time.Now())).Result()
	if err != nil {
		return errors.Wrap(err, "approval: redis create")
	}
	if !ok {
		return ErrAlreadyExists
	}
	if err := s.rdb.SAdd(ctx, s.waitingKey(), p.ID).Err(); err != nil {
		return errors.Wrap(err, "approval: redis index")
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (Pending, error) {
	data, err := s.rdb.Get(ctx, s.recordKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Pending{}, ErrNotFound
	}
	if err != nil {
		return Pending{}, errors.Wrap(err, "approval: redis get")
	}
	var p Pending
	if err := json.Unmarshal(data, &p); err != nil {
		return Pending{}, errors.Wrap(err, "approval: decode")
	}
	return p, nil
}

func (s *RedisStore) Resolve(ctx context.Context, id string, r Resolution) (Pending, bool, error) {
	p, err := s.Get(ctx, id)
	if err != nil {
		return Pending{}, false, err
	}
	if p.Status != StatusWaiting {
		return p, false, nil
	}
	won, err := s.rdb.SetNX(ctx, s.lockKey(id), string(r.Status), s.retention).Result()
	if err != nil {
		return Pending{}, false, errors.Wrap(err, "approval: redis lock")
	}
	if !won {
		// Another resolver holds the lock; report whatever it stored.
		cur, err := s.Get(ctx, id)
		if err != nil {
			return Pending{}, false, err
		}
		return cur, false, nil
	}
	p = r.apply(p)
	data, err := json.Marshal(p)
	if err != nil {
		return Pending{}, false, errors.Wrap(err, "approval: encode")
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, s.recordKey(id), data, s.retention)
	pipe.SRem(ctx, s.waitingKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return Pending{}, false, errors.Wrap(err, "approval: redis resolve")
	}
	return p, true, nil
}

func (s *RedisStore) List(ctx context.Context, status Status) ([]Pending, error) {
	var ids []string
	if status == StatusWaiting {
		members, err := s.rdb.SMembers(ctx, s.waitingKey()).Result()
		if err != nil {
			return nil, errors.Wrap(err, "approval: redis list")
		}
		ids = members
	} else {
		iter := s.rdb.Scan(ctx, 0, s.prefix+":approval:*", 100).Iterator()
		for iter.Next(ctx) {
			ids = append(ids, iter.Val()[len(s.prefix+":approval:"):])
		}
		if err := iter.Err(); err != nil {
			return nil, errors.Wrap(err, "approval: redis scan")
		}
	}
	out := make([]Pending, 0, len(ids))
	for _, id := range ids {
		p, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			// Expired out of redis; drop the stale index entry.
			s.rdb.SRem(ctx, s.waitingKey(), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if status == "" || p.Status == status {
			out = append(out, p)
		}
	}
	sortByCreated(out)
	return out, nil
}

func (s *RedisStore) Close() error { return s.rdb.Close() }
