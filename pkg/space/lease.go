package space

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultLeaseTTL is the writer lease expiry. Leases are renewed at half
// this interval while a space stays open.
const DefaultLeaseTTL = 30 * time.Second

// releaseScript deletes the lease key only when this process still owns it.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// renewScript extends the lease only when this process still owns it.
var renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

// ErrLeaseHeld is returned when another process already holds the writer
// lease for a space.
var ErrLeaseHeld = fmt.Errorf("writer lease held by another process")

// WriterLease guards cross-process single-writer access to a space. Each
// engine process claims a redis key per space before opening its store;
// within the process the space mutex does the rest.
type WriterLease struct {
	client *redis.Client
	owner  string
	ttl    time.Duration
}

// NewWriterLease creates a lease manager identified by owner, typically the
// engine's instance id.
func NewWriterLease(client *redis.Client, owner string, ttl time.Duration) *WriterLease {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}

	return &WriterLease{
		client: client,
		owner:  owner,
		ttl:    ttl,
	}
}

func (l *WriterLease) key(spaceID string) string {
	return "atelier:writer:" + spaceID
}

// Acquire claims the writer lease for a space. Returns ErrLeaseHeld when
// another owner holds it.
func (l *WriterLease) Acquire(ctx context.Context, spaceID string) error {
	ok, err := l.client.SetNX(ctx, l.key(spaceID), l.owner, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to acquire writer lease for space %s: %w", spaceID, err)
	}

	if !ok {
		// Re-acquiring our own lease after a restart within the TTL is fine.
		current, err := l.client.Get(ctx, l.key(spaceID)).Result()
		if err == nil && current == l.owner {
			return nil
		}

		return fmt.Errorf("space %s: %w", spaceID, ErrLeaseHeld)
	}

	return nil
}

// Renew extends the lease TTL. Returns ErrLeaseHeld when ownership was lost.
func (l *WriterLease) Renew(ctx context.Context, spaceID string) error {
	res, err := renewScript.Run(ctx, l.client, []string{l.key(spaceID)}, l.owner, l.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("failed to renew writer lease for space %s: %w", spaceID, err)
	}

	if res == 0 {
		return fmt.Errorf("space %s: %w", spaceID, ErrLeaseHeld)
	}

	return nil
}

// Release gives up the lease if this process still owns it.
func (l *WriterLease) Release(ctx context.Context, spaceID string) error {
	if _, err := releaseScript.Run(ctx, l.client, []string{l.key(spaceID)}, l.owner).Result(); err != nil {
		return fmt.Errorf("failed to release writer lease for space %s: %w", spaceID, err)
	}

	return nil
}
