package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lease only if the caller still owns it
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// InvocationLease keeps two processes from running the same job at once.
// The lease expires on its own if the holder dies.
type InvocationLease struct {
	client *redis.Client
	prefix string
}

// NewInvocationLease creates a lease manager
func NewInvocationLease(client *redis.Client) *InvocationLease {
	return &InvocationLease{client: client, prefix: "exports:lease:"}
}

// Acquire takes the lease on jobID for ttl. It returns the owner token, or
// ok=false when another invocation holds it.
func (l *InvocationLease) Acquire(ctx context.Context, jobID string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.prefix+jobID, token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("failed to acquire lease for job %s: %w", jobID, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Release gives the lease back if token still owns it
func (l *InvocationLease) Release(ctx context.Context, jobID, token string) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.prefix + jobID}, token).Err(); err != nil {
		return fmt.Errorf("failed to release lease for job %s: %w", jobID, err)
	}
	return nil
}
