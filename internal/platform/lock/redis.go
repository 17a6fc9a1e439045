package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// renewScript extends the TTL only while the key still holds our token.
var renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

// Redis is a Locker backed by SET NX with a TTL. While held, the TTL is
// renewed every Options.RenewInterval; a holder that dies leaves the key to
// expire after Options.TTL.
type Redis struct {
	client *redis.Client
	prefix string
	opts   Options
	logger zerolog.Logger
}

// NewRedis creates a Redis locker. Keys are stored under prefix.
func NewRedis(client *redis.Client, prefix string, opts Options, logger zerolog.Logger) *Redis {
	return &Redis{
		client: client,
		prefix: prefix,
		opts:   opts.withDefaults(),
		logger: logger.With().Str("component", "lock").Logger(),
	}
}

// TryLock polls until the key is acquired or ctx is done.
func (r *Redis) TryLock(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()
	k := r.prefix + key

	ticker := time.NewTicker(r.opts.RetryDelay)
	defer ticker.Stop()
	for {
		ok, err := r.client.SetNX(ctx, k, token, r.opts.TTL).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, errors.Wrap(ErrNotAcquired, ctx.Err().Error())
			}
			return nil, errors.Wrap(err, "failed to acquire lock")
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, errors.Wrap(ErrNotAcquired, ctx.Err().Error())
		case <-ticker.C:
		}
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go r.renew(k, key, token, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			r.release(k, key, token)
		})
	}, nil
}

// renew keeps the key alive until stop is closed. It gives up once the key
// no longer holds token.
func (r *Redis) renew(k, key, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.opts.RenewInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), r.opts.RenewInterval)
		n, err := renewScript.Run(ctx, r.client, []string{k}, token, r.opts.TTL.Milliseconds()).Int()
		cancel()
		if err != nil {
			r.logger.Warn().Err(err).Str("key", key).Msg("failed to renew lock")
			continue
		}
		if n == 0 {
			r.logger.Error().Str("key", key).Msg("lock lost before release")
			return
		}
	}
}

// release uses its own context since the caller's may already be cancelled.
func (r *Redis) release(k, key, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := releaseScript.Run(ctx, r.client, []string{k}, token).Err(); err != nil {
		r.logger.Warn().Err(err).Str("key", key).Msg("failed to release lock")
	}
}
