// Package notify fans out committed meta changes to subscribed workers and
// frontends. Every topic carries its own monotonically increasing version;
// there is no ordering across topics.
package notify

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gobwas/glob"
	"github.com/google/uuid"
	"github.com/maxpert/flowmeta/encoding"
	"github.com/maxpert/flowmeta/telemetry"
	"github.com/rs/zerolog/log"
)

// Topic is an independently ordered event stream
type Topic string

const (
	TopicCluster Topic = "cluster"
	TopicCatalog Topic = "catalog"
	TopicHummock Topic = "hummock"
	TopicEpoch   Topic = "epoch"
	TopicUser    Topic = "user"
)

// AllTopics lists every topic
var AllTopics = []Topic{TopicCluster, TopicCatalog, TopicHummock, TopicEpoch, TopicUser}

// Operation describes what happened to the object in an event
type Operation string

const (
	OpAdd      Operation = "add"
	OpUpdate   Operation = "update"
	OpDelete   Operation = "delete"
	OpSnapshot Operation = "snapshot"
	OpAlert    Operation = "alert"
)

var (
	// ErrSlowSubscriber is set on a subscription closed for falling behind
	ErrSlowSubscriber = errors.New("notify: subscriber fell behind")

	// ErrHubClosed is set on subscriptions closed by Close
	ErrHubClosed = errors.New("notify: hub closed")

	// ErrNoSnapshot is returned when a subscriber needs a snapshot the topic cannot produce
	ErrNoSnapshot = errors.New("notify: topic has no snapshot provider")
)

// Event is one committed change. Payload is msgpack encoded.
type Event struct {
	Topic   Topic     `msgpack:"topic"`
	Version uint64    `msgpack:"version"`
	Op      Operation `msgpack:"op"`
	Kind    string    `msgpack:"kind"`
	Key     string    `msgpack:"key"`
	Payload []byte    `msgpack:"payload"`
}

// Decode unmarshals the payload into v
func (e *Event) Decode(v interface{}) error {
	return encoding.Unmarshal(e.Payload, v)
}

// Publisher publishes committed changes. Managers depend on this rather
// than on the Hub.
type Publisher interface {
	Publish(t Topic, op Operation, kind, key string, payload interface{}) (uint64, error)
}

// SnapshotProvider returns the full current state of a topic, used when a
// subscriber's resume point is older than the retained history.
type SnapshotProvider func() (interface{}, error)

// SubscribeOptions select what a subscription receives
type SubscribeOptions struct {
	Topics []Topic // empty = all topics
	Kinds  []string
	// FromVersions resumes a topic after the given version. Topics not listed
	// start with live events only.
	FromVersions map[Topic]uint64
	Buffer       int
}

type topicState struct {
	version  uint64
	history  []Event
	snapshot SnapshotProvider
}

// Hub is the in-process notification fan-out
type Hub struct {
	mu            sync.RWMutex
	topics        map[Topic]*topicState
	subscriptions map[uint64]*Subscription
	nextID        atomic.Uint64
	historySize   int
	buffer        int
	closed        bool
}

// NewHub creates a hub retaining historySize events per topic
func NewHub(historySize, buffer int) *Hub {
	if historySize <= 0 {
		historySize = 1024
	}
	if buffer <= 0 {
		buffer = 256
	}
	h := &Hub{
		topics:        make(map[Topic]*topicState),
		subscriptions: make(map[uint64]*Subscription),
		historySize:   historySize,
		buffer:        buffer,
	}
	for _, t := range AllTopics {
		h.topics[t] = &topicState{}
	}
	return h
}

func (h *Hub) topic(t Topic) *topicState {
	ts, ok := h.topics[t]
	if !ok {
		ts = &topicState{}
		h.topics[t] = ts
	}
	return ts
}

// RegisterSnapshot installs the snapshot provider of a topic
func (h *Hub) RegisterSnapshot(t Topic, provider SnapshotProvider) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.topic(t).snapshot = provider
}

// Rebase lifts every topic version to at least base and drops history.
// A new leader calls it so versions keep increasing across failover.
func (h *Hub) Rebase(base uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ts := range h.topics {
		if ts.version < base {
			ts.version = base
		}
		ts.history = nil
	}
}

// Publish encodes payload, assigns the next topic version and delivers the
// event to every matching subscriber.
func (h *Hub) Publish(t Topic, op Operation, kind, key string, payload interface{}) (uint64, error) {
	data, err := encoding.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("notify: encode %s/%s: %w", t, kind, err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ts := h.topic(t)
	ts.version++
	ev := Event{Topic: t, Version: ts.version, Op: op, Kind: kind, Key: key, Payload: data}

	ts.history = append(ts.history, ev)
	if over := len(ts.history) - h.historySize; over > 0 {
		ts.history = append([]Event(nil), ts.history[over:]...)
	}

	for id, sub := range h.subscriptions {
		if !sub.matches(&ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// Closing lets the subscriber resume from its last version
			delete(h.subscriptions, id)
			sub.closeWith(ErrSlowSubscriber)
			telemetry.NotifyDroppedSubscribersTotal.Inc()
			log.Warn().Str("subscription", sub.id).Str("topic", string(t)).Msg("Dropped slow notification subscriber")
		}
	}

	telemetry.NotifyEventsTotal.With(string(t)).Inc()
	return ev.Version, nil
}

// Subscribe registers a subscriber. Resumed topics replay retained history
// after the requested version; when that history is gone a snapshot event
// is delivered first.
func (h *Hub) Subscribe(opts SubscribeOptions) (*Subscription, error) {
	topics := opts.Topics
	if len(topics) == 0 {
		topics = AllTopics
	}

	globs := make([]glob.Glob, 0, len(opts.Kinds))
	for _, pattern := range opts.Kinds {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("notify: invalid kind pattern %q: %w", pattern, err)
		}
		globs = append(globs, g)
	}

	// Snapshots are taken before registration and without the hub lock so
	// providers may take their own manager locks. Events newer than the
	// snapshot version are replayed after it, possibly twice.
	snapshots := make(map[Topic]Event)
	for _, t := range topics {
		from, ok := opts.FromVersions[t]
		if !ok {
			continue
		}
		ev, needed, err := h.snapshotIfGap(t, from)
		if err != nil {
			return nil, err
		}
		if needed {
			snapshots[t] = ev
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}

	var replay []Event
	for _, t := range topics {
		from, ok := opts.FromVersions[t]
		if !ok {
			continue
		}
		if snap, ok := snapshots[t]; ok {
			replay = append(replay, snap)
			from = snap.Version
		}
		for _, ev := range h.topic(t).history {
			if ev.Version > from {
				replay = append(replay, ev)
			}
		}
	}

	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = h.buffer
	}

	sub := &Subscription{
		id:     uuid.NewString(),
		hub:    h,
		topics: make(map[Topic]bool, len(topics)),
		kinds:  globs,
		ch:     make(chan Event, buffer+len(replay)),
	}
	for _, t := range topics {
		sub.topics[t] = true
	}
	for _, ev := range replay {
		if ev.Op == OpSnapshot || sub.matches(&ev) {
			sub.ch <- ev
		}
	}

	sub.key = h.nextID.Add(1)
	h.subscriptions[sub.key] = sub
	telemetry.NotifySubscribers.Set(float64(len(h.subscriptions)))

	log.Debug().Str("subscription", sub.id).Int("replay", len(replay)).Msg("Notification subscriber registered")
	return sub, nil
}

// snapshotIfGap builds a snapshot event when events after from are no
// longer retained.
func (h *Hub) snapshotIfGap(t Topic, from uint64) (Event, bool, error) {
	h.mu.RLock()
	ts, ok := h.topics[t]
	if !ok {
		h.mu.RUnlock()
		return Event{}, false, nil
	}
	current := ts.version
	oldest := current + 1
	if len(ts.history) > 0 {
		oldest = ts.history[0].Version
	}
	provider := ts.snapshot
	h.mu.RUnlock()

	// A resume point from the future means the subscriber saw another
	// leader's versions, which is a gap as well.
	if from+1 >= oldest && from <= current {
		return Event{}, false, nil
	}
	if provider == nil {
		return Event{}, false, fmt.Errorf("%w: %s", ErrNoSnapshot, t)
	}

	state, err := provider()
	if err != nil {
		return Event{}, false, fmt.Errorf("notify: snapshot %s: %w", t, err)
	}
	data, err := encoding.Marshal(state)
	if err != nil {
		return Event{}, false, err
	}
	return Event{Topic: t, Version: current, Op: OpSnapshot, Kind: string(t), Payload: data}, true, nil
}

// Versions returns the current version of every topic
func (h *Hub) Versions() map[Topic]uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[Topic]uint64, len(h.topics))
	for t, ts := range h.topics {
		out[t] = ts.version
	}
	return out
}

// SubscriberCount returns the number of live subscriptions
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscriptions)
}

// Close ends every subscription
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subscriptions
	h.subscriptions = make(map[uint64]*Subscription)
	h.closed = true
	h.mu.Unlock()

	for _, sub := range subs {
		sub.closeWith(ErrHubClosed)
	}
	telemetry.NotifySubscribers.Set(0)
}

func (h *Hub) unsubscribe(key uint64) {
	h.mu.Lock()
	sub, ok := h.subscriptions[key]
	if ok {
		delete(h.subscriptions, key)
	}
	n := len(h.subscriptions)
	h.mu.Unlock()

	if ok {
		sub.closeWith(nil)
	}
	telemetry.NotifySubscribers.Set(float64(n))
}

// Subscription is one subscriber connection
type Subscription struct {
	id     string
	key    uint64
	hub    *Hub
	topics map[Topic]bool
	kinds  []glob.Glob
	ch     chan Event

	closeOnce sync.Once
	err       atomic.Value
}

// ID is a unique session id
func (s *Subscription) ID() string { return s.id }

// C delivers events. It is closed when the subscription ends.
func (s *Subscription) C() <-chan Event { return s.ch }

// Err reports why the subscription ended, nil while open or after Close.
func (s *Subscription) Err() error {
	if err, ok := s.err.Load().(error); ok {
		return err
	}
	return nil
}

// Close unsubscribes. It is idempotent.
func (s *Subscription) Close() {
	s.hub.unsubscribe(s.key)
}

func (s *Subscription) closeWith(err error) {
	s.closeOnce.Do(func() {
		if err != nil {
			s.err.Store(err)
		}
		close(s.ch)
	})
}

func (s *Subscription) matches(ev *Event) bool {
	if !s.topics[ev.Topic] {
		return false
	}
	if len(s.kinds) == 0 || ev.Op == OpSnapshot {
		return true
	}
	for _, g := range s.kinds {
		if g.Match(ev.Kind) {
			return true
		}
	}
	return false
}
