package consultation

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Locker grants exclusive per-session mutation rights. TryLock never waits:
// a held session yields ErrSessionBusy.
type Locker interface {
	TryLock(ctx context.Context, sessionID string) (unlock func(), err error)
}

type localLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocalLocker() Locker {
	return &localLocker{held: make(map[string]struct{})}
}

func (l *localLocker) TryLock(ctx context.Context, sessionID string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, busy := l.held[sessionID]; busy {
		return nil, errors.Wrap(ErrSessionBusy, sessionID)
	}
	l.held[sessionID] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, sessionID)
			l.mu.Unlock()
		})
	}, nil
}

const lockKeyPrefix = "intake:lock:"

// releaseScript deletes the lock only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type redisLocker struct {
	client     redis.UniversalClient
	expiration time.Duration
}

// NewRedisLocker shares session locks across server instances. expiration
// bounds how long a crashed holder can block a session and must exceed the
// longest completion stream.
func NewRedisLocker(client redis.UniversalClient, expiration time.Duration) Locker {
	if expiration <= 0 {
		expiration = 10 * time.Minute
	}
	return &redisLocker{client: client, expiration: expiration}
}

func (l *redisLocker) TryLock(ctx context.Context, sessionID string) (func(), error) {
	key := lockKeyPrefix + sessionID
	token := uuid.New().String()

	ok, err := l.client.SetNX(ctx, key, token, l.expiration).Result()
	if err != nil {
		return nil, errors.WithMessage(err, "acquire session lock")
	}
	if !ok {
		return nil, errors.Wrap(ErrSessionBusy, sessionID)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// Release must run even when the caller's context is already cancelled.
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			_ = releaseScript.Run(rctx, l.client, []string{key}, token).Err()
		})
	}, nil
}
