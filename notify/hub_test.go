package notify

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type nodePayload struct {
	ID      uint64 `msgpack:"id"`
	Address string `msgpack:"address"`
}

func next(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.C():
		require.True(t, ok, "subscription closed: %v", sub.Err())
		return ev
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
		return Event{}
	}
}

func assertNoEvent(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case ev := <-sub.C():
		t.Fatalf("unexpected event %s/%s v%d", ev.Topic, ev.Kind, ev.Version)
	case <-time.After(30 * time.Millisecond):
	}
}

func TestHub_PublishSubscribe(t *testing.T) {
	hub := NewHub(16, 8)
	defer hub.Close()

	sub, err := hub.Subscribe(SubscribeOptions{})
	require.NoError(t, err)
	defer sub.Close()

	v, err := hub.Publish(TopicCluster, OpAdd, "node", "1", &nodePayload{ID: 1, Address: "w1:5688"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v)

	ev := next(t, sub)
	assert.Equal(t, TopicCluster, ev.Topic)
	assert.Equal(t, OpAdd, ev.Op)
	assert.Equal(t, uint64(1), ev.Version)

	var p nodePayload
	require.NoError(t, ev.Decode(&p))
	assert.Equal(t, "w1:5688", p.Address)
}

func TestHub_PerTopicVersions(t *testing.T) {
	hub := NewHub(16, 8)
	defer hub.Close()

	for i := 0; i < 3; i++ {
		_, err := hub.Publish(TopicCatalog, OpAdd, "table", "", nil)
		require.NoError(t, err)
	}
	v, err := hub.Publish(TopicHummock, OpUpdate, "version", "", nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v)

	versions := hub.Versions()
	assert.Equal(t, uint64(3), versions[TopicCatalog])
	assert.Equal(t, uint64(1), versions[TopicHummock])
	assert.Equal(t, uint64(0), versions[TopicEpoch])
}

func TestHub_TopicAndKindFilter(t *testing.T) {
	hub := NewHub(16, 8)
	defer hub.Close()

	sub, err := hub.Subscribe(SubscribeOptions{
		Topics: []Topic{TopicCatalog},
		Kinds:  []string{"table", "material*"},
	})
	require.NoError(t, err)
	defer sub.Close()

	hub.Publish(TopicCluster, OpAdd, "node", "", nil)
	hub.Publish(TopicCatalog, OpAdd, "database", "", nil)
	hub.Publish(TopicCatalog, OpAdd, "materialized_view", "", nil)
	hub.Publish(TopicCatalog, OpAdd, "table", "", nil)

	assert.Equal(t, "materialized_view", next(t, sub).Kind)
	assert.Equal(t, "table", next(t, sub).Kind)
	assertNoEvent(t, sub)

	_, err = hub.Subscribe(SubscribeOptions{Kinds: []string{"[unclosed"}})
	require.Error(t, err)
}

func TestHub_ResumeReplaysHistory(t *testing.T) {
	hub := NewHub(16, 8)
	defer hub.Close()

	for i := 0; i < 5; i++ {
		hub.Publish(TopicCatalog, OpAdd, "table", "", i)
	}

	sub, err := hub.Subscribe(SubscribeOptions{
		Topics:       []Topic{TopicCatalog},
		FromVersions: map[Topic]uint64{TopicCatalog: 3},
	})
	require.NoError(t, err)
	defer sub.Close()

	assert.Equal(t, uint64(4), next(t, sub).Version)
	assert.Equal(t, uint64(5), next(t, sub).Version)

	hub.Publish(TopicCatalog, OpAdd, "table", "", 5)
	assert.Equal(t, uint64(6), next(t, sub).Version)
}

func TestHub_GapDeliversSnapshot(t *testing.T) {
	hub := NewHub(2, 8)
	defer hub.Close()

	hub.RegisterSnapshot(TopicCluster, func() (interface{}, error) {
		return []nodePayload{{ID: 1}, {ID: 2}}, nil
	})
	for i := 0; i < 5; i++ {
		hub.Publish(TopicCluster, OpUpdate, "node", "", i)
	}

	sub, err := hub.Subscribe(SubscribeOptions{
		Topics:       []Topic{TopicCluster},
		FromVersions: map[Topic]uint64{TopicCluster: 1},
	})
	require.NoError(t, err)
	defer sub.Close()

	snap := next(t, sub)
	assert.Equal(t, OpSnapshot, snap.Op)
	assert.Equal(t, uint64(5), snap.Version)
	var nodes []nodePayload
	require.NoError(t, snap.Decode(&nodes))
	assert.Len(t, nodes, 2)

	// Nothing older than the snapshot is replayed
	assertNoEvent(t, sub)
}

func TestHub_GapWithoutProvider(t *testing.T) {
	hub := NewHub(1, 8)
	defer hub.Close()

	hub.Publish(TopicEpoch, OpUpdate, "epoch", "", 1)
	hub.Publish(TopicEpoch, OpUpdate, "epoch", "", 2)
	hub.Publish(TopicEpoch, OpUpdate, "epoch", "", 3)

	_, err := hub.Subscribe(SubscribeOptions{FromVersions: map[Topic]uint64{TopicEpoch: 1}})
	require.ErrorIs(t, err, ErrNoSnapshot)
}

func TestHub_SlowSubscriberDropped(t *testing.T) {
	hub := NewHub(64, 2)
	defer hub.Close()

	slow, err := hub.Subscribe(SubscribeOptions{})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		hub.Publish(TopicEpoch, OpUpdate, "epoch", "", i)
	}

	// Buffered events drain, then the channel closes with a reason
	var got []uint64
	for ev := range slow.C() {
		got = append(got, ev.Version)
	}
	assert.Equal(t, []uint64{1, 2}, got)
	assert.True(t, errors.Is(slow.Err(), ErrSlowSubscriber))
	assert.Equal(t, 0, hub.SubscriberCount())

	// Reconnecting from the last seen version catches up
	resumed, err := hub.Subscribe(SubscribeOptions{FromVersions: map[Topic]uint64{TopicEpoch: 2}})
	require.NoError(t, err)
	defer resumed.Close()
	assert.Equal(t, uint64(3), next(t, resumed).Version)
}

func TestHub_RebaseKeepsVersionsIncreasing(t *testing.T) {
	hub := NewHub(16, 8)
	defer hub.Close()

	hub.Publish(TopicCatalog, OpAdd, "table", "", nil)
	hub.Rebase(1000)

	v, err := hub.Publish(TopicCatalog, OpAdd, "table", "", nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(1001), v)

	// Lower bases never move versions back
	hub.Rebase(10)
	v, _ = hub.Publish(TopicCatalog, OpAdd, "table", "", nil)
	assert.Equal(t, uint64(1002), v)
}

func TestHub_CloseEndsSubscriptions(t *testing.T) {
	hub := NewHub(16, 8)
	sub, err := hub.Subscribe(SubscribeOptions{})
	require.NoError(t, err)

	hub.Close()
	_, ok := <-sub.C()
	assert.False(t, ok)
	assert.ErrorIs(t, sub.Err(), ErrHubClosed)

	// Closing twice is harmless
	sub.Close()
	_, err = hub.Subscribe(SubscribeOptions{})
	require.ErrorIs(t, err, ErrHubClosed)
}
