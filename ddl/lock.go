package ddl

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/maxpert/flowmeta/telemetry"
	"github.com/rs/zerolog/log"
)

// ClusterLockKey serializes reconfigurations that are not tied to a database
const ClusterLockKey uint64 = 0

// LockManager serializes DDL per database. Locks carry a lease so an owner
// that never releases cannot block the database forever.
type LockManager struct {
	mu    sync.Mutex
	locks map[uint64]*Lock
	lease time.Duration
	now   func() time.Time
}

// Lock is a held DDL lock
type Lock struct {
	Key        uint64    `json:"key"`
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	released   chan struct{}
}

// NewLockManager creates a lock manager
func NewLockManager(lease time.Duration) *LockManager {
	if lease <= 0 {
		lease = 10 * time.Minute
	}
	return &LockManager{
		locks: make(map[uint64]*Lock),
		lease: lease,
		now:   time.Now,
	}
}

// Acquire blocks until the lock for key is free, its holder's lease ran
// out, or ctx ends
func (lm *LockManager) Acquire(ctx context.Context, key uint64, owner string) (*Lock, error) {
	start := time.Now()
	defer func() {
		telemetry.DDLLockWaitSeconds.Observe(time.Since(start).Seconds())
	}()

	for {
		lock, held := lm.tryAcquire(key, owner)
		if lock != nil {
			return lock, nil
		}

		wait := held.ExpiresAt.Sub(lm.now())
		if wait <= 0 {
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-held.released:
			timer.Stop()
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("ddl: waiting for lock %d held by %s: %w", key, held.Owner, ctx.Err())
		}
	}
}

// tryAcquire returns the new lock, or the live lock that blocks it
func (lm *LockManager) tryAcquire(key uint64, owner string) (*Lock, *Lock) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	now := lm.now()
	if existing, ok := lm.locks[key]; ok {
		if now.Before(existing.ExpiresAt) {
			return nil, existing
		}
		log.Warn().
			Uint64("key", key).
			Str("expired_owner", existing.Owner).
			Msg("DDL lock expired, allowing new acquisition")
		close(existing.released)
	}

	lock := &Lock{
		Key:        key,
		Owner:      owner,
		AcquiredAt: now,
		ExpiresAt:  now.Add(lm.lease),
		released:   make(chan struct{}),
	}
	lm.locks[key] = lock
	log.Debug().Uint64("key", key).Str("owner", owner).Msg("DDL lock acquired")
	return lock, nil
}

// Release frees lock. Releasing a lock that expired and was taken over is a
// no-op.
func (lm *LockManager) Release(lock *Lock) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if lm.locks[lock.Key] != lock {
		return
	}
	close(lock.released)
	delete(lm.locks, lock.Key)
	log.Debug().Uint64("key", lock.Key).Str("owner", lock.Owner).Msg("DDL lock released")
}

// CleanupExpired drops locks whose lease ran out and returns how many
func (lm *LockManager) CleanupExpired() int {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	now := lm.now()
	cleaned := 0
	for key, lock := range lm.locks {
		if now.After(lock.ExpiresAt) {
			log.Warn().Uint64("key", key).Str("owner", lock.Owner).Msg("Cleaning up expired DDL lock")
			close(lock.released)
			delete(lm.locks, key)
			cleaned++
		}
	}
	return cleaned
}

// Active returns copies of the held locks
func (lm *LockManager) Active() []Lock {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	out := make([]Lock, 0, len(lm.locks))
	for _, lock := range lm.locks {
		out = append(out, Lock{Key: lock.Key, Owner: lock.Owner, AcquiredAt: lock.AcquiredAt, ExpiresAt: lock.ExpiresAt})
	}
	return out
}
