package metastore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLeaseElector_SingleLeader(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	a := NewLeaseElector(s, "a", 300*time.Millisecond)
	b := NewLeaseElector(s, "b", 300*time.Millisecond)

	la, err := a.Campaign(ctx)
	require.NoError(t, err)

	// b cannot win while a renews
	bctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	_, err = b.Campaign(bctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// The fence still holds across renewals
	_, err = s.Txn(ctx, []Op{la.Fence(), Put("/x", []byte("x"), AnyVersion)})
	require.NoError(t, err)

	require.NoError(t, la.Resign(ctx))
	select {
	case <-la.Done():
	case <-time.After(time.Second):
		t.Fatal("resigned leadership not done")
	}

	lb, err := b.Campaign(ctx)
	require.NoError(t, err)
	defer lb.Resign(ctx)

	// The old term can no longer commit
	_, err = s.Txn(ctx, []Op{la.Fence(), Put("/x", []byte("y"), AnyVersion)})
	require.ErrorIs(t, err, ErrVersionConflict)

	_, err = s.Txn(ctx, []Op{lb.Fence(), Put("/x", []byte("z"), AnyVersion)})
	require.NoError(t, err)
}

func TestLeaseElector_TakeoverAfterExpiry(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	a := NewLeaseElector(s, "a", 200*time.Millisecond)
	la, err := a.Campaign(ctx)
	require.NoError(t, err)

	// Store outage stops renewal and the lease is lost
	s.SetUnavailable(true)
	select {
	case <-la.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("leadership survived store outage")
	}
	s.SetUnavailable(false)

	b := NewLeaseElector(s, "b", 200*time.Millisecond)
	cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	lb, err := b.Campaign(cctx)
	require.NoError(t, err)
	defer lb.Resign(ctx)

	assert.NotEqual(t, la.Fence(), lb.Fence())
	_, err = s.Txn(ctx, []Op{la.Fence()})
	require.ErrorIs(t, err, ErrVersionConflict)
}

func TestLeaseElector_SameCandidateReacquires(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	e := NewLeaseElector(s, "a", time.Second)
	l1, err := e.Campaign(ctx)
	require.NoError(t, err)

	// A restarted process with the same id does not wait for its own lease
	l2, err := NewLeaseElector(s, "a", time.Second).Campaign(ctx)
	require.NoError(t, err)
	defer l2.Resign(ctx)

	select {
	case <-l1.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("stale term kept renewing")
	}
}
