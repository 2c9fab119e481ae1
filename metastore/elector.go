package metastore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/maxpert/flowmeta/encoding"
	"github.com/rs/zerolog/log"
)

// Elector acquires the single cluster-wide leadership
type Elector interface {
	// Campaign blocks until leadership is acquired or ctx ends.
	Campaign(ctx context.Context) (Leadership, error)
}

// Leadership is a held leadership term
type Leadership interface {
	// Done is closed when leadership is lost.
	Done() <-chan struct{}

	// Fence is a compare-only op that fails once another node took over.
	// Include it in every transaction that must only commit under this term.
	Fence() Op

	// Resign gives up leadership.
	Resign(ctx context.Context) error
}

type leaseRecord struct {
	Holder    string `msgpack:"holder"`
	ExpiresAt int64  `msgpack:"expires_at"` // unix nanos
	Term      uint64 `msgpack:"term"`
}

// LeaseElector implements leader election on any Store with a CAS-renewed
// lease record. The term key is written once per acquisition and serves as
// the fence, so lease renewals never invalidate an in-flight commit.
type LeaseElector struct {
	store Store
	id    string
	ttl   time.Duration
	now   func() time.Time
}

// NewLeaseElector creates a lease elector for candidate id
func NewLeaseElector(store Store, id string, ttl time.Duration) *LeaseElector {
	return &LeaseElector{store: store, id: id, ttl: ttl, now: time.Now}
}

// Campaign implements Elector
func (e *LeaseElector) Campaign(ctx context.Context) (Leadership, error) {
	retry := e.ttl / 3
	if retry <= 0 {
		retry = 100 * time.Millisecond
	}

	for {
		l, err := e.tryAcquire(ctx)
		if err == nil {
			return l, nil
		}
		if !errors.Is(err, errLeaseHeld) && !errors.Is(err, ErrVersionConflict) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retry):
		}
	}
}

var errLeaseHeld = errors.New("lease held by another candidate")

func (e *LeaseElector) tryAcquire(ctx context.Context) (*leaseLeadership, error) {
	expected := NotExists
	var term uint64

	kv, err := e.store.Get(ctx, LeaderKey)
	switch {
	case err == nil:
		var rec leaseRecord
		if err := encoding.Unmarshal(kv.Value, &rec); err != nil {
			return nil, fmt.Errorf("decode leader lease: %w", err)
		}
		if rec.Holder != e.id && e.now().UnixNano() < rec.ExpiresAt {
			return nil, errLeaseHeld
		}
		expected = kv.Version
		term = rec.Term
	case errors.Is(err, ErrNotFound):
	default:
		return nil, err
	}

	termVersion := NotExists
	if tkv, err := e.store.Get(ctx, LeaderTermKey); err == nil {
		termVersion = tkv.Version
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	term++
	rec := leaseRecord{Holder: e.id, ExpiresAt: e.now().Add(e.ttl).UnixNano(), Term: term}
	data, err := encoding.Marshal(&rec)
	if err != nil {
		return nil, err
	}

	rev, err := e.store.Txn(ctx, []Op{
		Put(LeaderKey, data, expected),
		Put(LeaderTermKey, EncodeUint64(term), termVersion),
	})
	if err != nil {
		return nil, err
	}

	log.Info().Str("candidate", e.id).Uint64("term", term).Msg("Acquired leader lease")

	l := &leaseLeadership{
		elector:      e,
		leaseVersion: rev,
		fence:        Check(LeaderTermKey, rev),
		rec:          rec,
		done:         make(chan struct{}),
		stop:         make(chan struct{}),
	}
	go l.renewLoop()
	return l, nil
}

type leaseLeadership struct {
	elector *LeaseElector
	fence   Op

	mu           sync.Mutex
	leaseVersion int64
	rec          leaseRecord

	done     chan struct{}
	stop     chan struct{}
	lostOnce sync.Once
	stopOnce sync.Once
}

func (l *leaseLeadership) Done() <-chan struct{} { return l.done }
func (l *leaseLeadership) Fence() Op             { return l.fence }

func (l *leaseLeadership) lose() {
	l.lostOnce.Do(func() { close(l.done) })
}

func (l *leaseLeadership) renewLoop() {
	interval := l.elector.ttl / 3
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			if err := l.renew(); err != nil {
				log.Warn().Err(err).Str("candidate", l.elector.id).Msg("Lost leader lease")
				l.lose()
				return
			}
		}
	}
}

func (l *leaseLeadership) renew() error {
	ctx, cancel := context.WithTimeout(context.Background(), l.elector.ttl)
	defer cancel()

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.elector.now().UnixNano() >= l.rec.ExpiresAt {
		return fmt.Errorf("lease expired before renewal")
	}

	rec := l.rec
	rec.ExpiresAt = l.elector.now().Add(l.elector.ttl).UnixNano()
	data, err := encoding.Marshal(&rec)
	if err != nil {
		return err
	}

	version, err := l.elector.store.Txn(ctx, []Op{
		l.fence,
		Put(LeaderKey, data, l.leaseVersion),
	})
	if err != nil {
		return err
	}
	l.leaseVersion = version
	l.rec = rec
	return nil
}

func (l *leaseLeadership) Resign(ctx context.Context) error {
	l.stopOnce.Do(func() { close(l.stop) })
	defer l.lose()

	l.mu.Lock()
	defer l.mu.Unlock()

	err := l.elector.store.Delete(ctx, LeaderKey, l.leaseVersion)
	if errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}
