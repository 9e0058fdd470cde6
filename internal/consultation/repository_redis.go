package consultation

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	sessionKeyPrefix  = "intake:session:"
	defaultSessionTTL = time.Hour
)

type redisRepo struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisRepository stores sessions as JSON with a sliding TTL.
func NewRedisRepository(client redis.UniversalClient, ttl time.Duration) Repository {
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	return &redisRepo{client: client, ttl: ttl}
}

func (r *redisRepo) key(id string) string {
	return sessionKeyPrefix + id
}

func (r *redisRepo) Create(ctx context.Context, s *Session) error {
	now := time.Now().UTC()
	s.CreatedAt, s.UpdatedAt, s.Version = now, now, 1

	val, err := json.Marshal(s)
	if err != nil {
		return err
	}
	ok, err := r.client.SetNX(ctx, r.key(s.ID), val, r.ttl).Result()
	if err != nil {
		return errors.Wrap(err, "redis create session")
	}
	if !ok {
		return errors.Errorf("session %s already exists", s.ID)
	}
	return nil
}

func (r *redisRepo) GetByID(ctx context.Context, id string) (*Session, error) {
	key := r.key(id)
	val, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, errors.Wrap(ErrSessionNotFound, id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "redis get session")
	}

	var s Session
	if err := json.Unmarshal(val, &s); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal session")
	}

	// Refresh TTL on read
	_ = r.client.Expire(ctx, key, r.ttl).Err()
	return &s, nil
}

// Update uses WATCH/MULTI/EXEC so a stale version never overwrites a newer one.
func (r *redisRepo) Update(ctx context.Context, s *Session) error {
	key := r.key(s.ID)
	next := *s
	next.Version++
	next.UpdatedAt = time.Now().UTC()

	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		val, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return errors.Wrap(ErrSessionNotFound, s.ID)
		}
		if err != nil {
			return err
		}

		var stored struct {
			Version int64 `json:"version"`
		}
		if err := json.Unmarshal(val, &stored); err != nil {
			return err
		}
		if stored.Version != s.Version {
			return errors.Wrapf(ErrVersionConflict, "session %s version %d", s.ID, s.Version)
		}

		newVal, err := json.Marshal(&next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, newVal, r.ttl)
			return nil
		})
		return err
	}, key)
	if err == redis.TxFailedErr {
		return errors.Wrapf(ErrVersionConflict, "session %s changed during update", s.ID)
	}
	if err != nil {
		return err
	}

	s.Version, s.UpdatedAt = next.Version, next.UpdatedAt
	return nil
}

func (r *redisRepo) Delete(ctx context.Context, id string) error {
	n, err := r.client.Del(ctx, r.key(id)).Result()
	if err != nil {
		return errors.Wrap(err, "redis delete session")
	}
	if n == 0 {
		return errors.Wrap(ErrSessionNotFound, id)
	}
	return nil
}
