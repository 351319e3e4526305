package concurrency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

var extendScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// CampaignLock serialises scheduler ticks per campaign across processes. The database
// semaphore stays authoritative; the lock only keeps two schedulers from racing for
// the same candidates.
type CampaignLock struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// Lease is a held lock. Release is safe to call more than once.
type Lease struct {
	lock  *CampaignLock
	key   string
	token string
}

// NewCampaignLock constructs the lock.
func NewCampaignLock(client *redis.Client, prefix string, ttl time.Duration) *CampaignLock {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if prefix == "" {
		prefix = "outbound:scheduler"
	}
	return &CampaignLock{client: client, prefix: prefix, ttl: ttl}
}

// Acquire tries to take the lock. A nil lease with a nil error means another holder owns it.
func (l *CampaignLock) Acquire(ctx context.Context, campaignID uuid.UUID) (*Lease, error) {
	key := l.key(campaignID)
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("campaign lock acquire: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return &Lease{lock: l, key: key, token: token}, nil
}

// Extend pushes the expiry forward while the lease is still owned.
func (s *Lease) Extend(ctx context.Context) (bool, error) {
	res, err := extendScript.Run(ctx, s.lock.client, []string{s.key}, s.token, s.lock.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("campaign lock extend: %w", err)
	}
	return res == 1, nil
}

// Release frees the lock if this lease still owns it.
func (s *Lease) Release(ctx context.Context) error {
	if s == nil {
		return nil
	}
	if _, err := releaseScript.Run(ctx, s.lock.client, []string{s.key}, s.token).Int(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("campaign lock release: %w", err)
	}
	return nil
}

func (l *CampaignLock) key(campaignID uuid.UUID) string {
	return fmt.Sprintf("%s:campaign:%s:lock", l.prefix, campaignID.String())
}
