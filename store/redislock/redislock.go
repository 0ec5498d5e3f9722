/*
Package redislock implements loan.Locker on Redis so that several engine
processes sharing one database still serialize work per loan.

A lock is a key "<prefix>:<loan id>" set with SET NX PX and a random token.
Unlock deletes the key only if it still holds that token, so a holder whose
TTL expired cannot release somebody else's lock. Lock polls until the key
is acquired or ctx is done.

While a lock is held its TTL is extended every TTL/3 with a token-checked
PEXPIRE, so a long replay batch keeps the loan for as long as the process
is alive. The TTL only bounds how long a crashed holder blocks the loan.
*/
package redislock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/loan-ledger/loan"
)

const (
	DefaultPrefix = "loan-ledger:lock"
	DefaultTTL    = 30 * time.Second
	DefaultRetry  = 25 * time.Millisecond
)

var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// Locker is a distributed loan.Locker.
type Locker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	retry  time.Duration
	renew  time.Duration
	log    *zap.Logger
}

var _ loan.Locker = (*Locker)(nil)

type Option func(*Locker)

func WithPrefix(p string) Option { return func(l *Locker) { l.prefix = p } }

// WithTTL bounds how long a crashed holder can block a loan.
func WithTTL(ttl time.Duration) Option { return func(l *Locker) { l.ttl = ttl } }

func WithRetry(d time.Duration) Option { return func(l *Locker) { l.retry = d } }

// WithRenewEvery sets how often a held lock's TTL is extended. Zero means
// TTL/3.
func WithRenewEvery(d time.Duration) Option { return func(l *Locker) { l.renew = d } }

func WithLogger(log *zap.Logger) Option { return func(l *Locker) { l.log = log } }

// NewClient creates a Redis client with the connection defaults used by the
// service.
func NewClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})
}

func New(client *redis.Client, opts ...Option) *Locker {
	l := &Locker{
		client: client,
		prefix: DefaultPrefix,
		ttl:    DefaultTTL,
		retry:  DefaultRetry,
		log:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.ttl <= 0 {
		l.ttl = DefaultTTL
	}
	if l.renew <= 0 || l.renew >= l.ttl {
		l.renew = l.ttl / 3
	}
	return l
}

func (l *Locker) key(loanID int64) string {
	return fmt.Sprintf("%s:%d", l.prefix, loanID)
}

// Lock blocks until the loan's key is acquired or ctx is done.
func (l *Locker) Lock(ctx context.Context, loanID int64) (func(), error) {
	key := l.key(loanID)
	token := uuid.NewString()

	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
		}
		if ok {
			return l.unlocker(key, token), nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// unlocker starts the lease renewal and returns the func that stops it and
// releases the key.
func (l *Locker) unlocker(key, token string) func() {
	stop := make(chan struct{})
	done := make(chan struct{})
	go l.keepAlive(key, token, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			l.release(key, token)
		})
	}
}

// keepAlive extends the key's TTL until stop is closed. A renewal that finds
// another token (or no key) means the lease was lost; it is logged and
// renewal ends.
func (l *Locker) keepAlive(key, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.renew)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		held, err := l.extend(key, token)
		if err != nil {
			l.log.Warn("failed to renew loan lock", zap.String("key", key), zap.Error(err))
			continue
		}
		if !held {
			l.log.Error("loan lock lost before release", zap.String("key", key))
			return
		}
	}
}

func (l *Locker) extend(key, token string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), l.renew)
	defer cancel()
	n, err := renewScript.Run(ctx, l.client, []string{key}, token, l.ttl.Milliseconds()).Int64()
	if err != nil && err != redis.Nil {
		return false, err
	}
	return n == 1, nil
}

func (l *Locker) release(key, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := unlockScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil && err != redis.Nil {
		// The key expires on its own after the TTL.
		l.log.Warn("failed to release loan lock", zap.String("key", key), zap.Error(err))
	}
}

func (l *Locker) Close() error {
	return l.client.Close()
}
