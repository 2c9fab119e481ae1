package sink

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/maxpert/flowmeta/cfg"
	"github.com/maxpert/flowmeta/encoding"
	"github.com/maxpert/flowmeta/notify"
	"github.com/maxpert/flowmeta/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	DefaultTopicPrefix  = "flowmeta"
	DefaultRetryInitial = 100 * time.Millisecond
	DefaultRetryMax     = 30 * time.Second
)

// ForwarderConfig configures one sink forwarder
type ForwarderConfig struct {
	Name         string
	Sink         Sink
	TopicPrefix  string
	Topics       []notify.Topic
	Kinds        []string
	RetryInitial time.Duration
	RetryMax     time.Duration
}

// Forwarder streams hub events into a sink. It keeps the last delivered
// version per topic and resumes from it after the hub drops it, so delivery
// is at-least-once and per-topic ordered.
type Forwarder struct {
	hub    *notify.Hub
	config ForwarderConfig

	mu   sync.Mutex
	last map[notify.Topic]uint64

	stopCh chan struct{}
	doneCh chan struct{}
	sub    *notify.Subscription
}

// NewForwarder creates a forwarder for hub
func NewForwarder(hub *notify.Hub, config ForwarderConfig) (*Forwarder, error) {
	if config.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if config.Name == "" {
		config.Name = "sink"
	}
	if config.TopicPrefix == "" {
		config.TopicPrefix = DefaultTopicPrefix
	}
	if config.RetryInitial <= 0 {
		config.RetryInitial = DefaultRetryInitial
	}
	if config.RetryMax <= 0 {
		config.RetryMax = DefaultRetryMax
	}

	return &Forwarder{
		hub:    hub,
		config: config,
		last:   make(map[notify.Topic]uint64),
	}, nil
}

// NewForwarders builds one forwarder per configured sink
func NewForwarders(hub *notify.Hub, configs []cfg.SinkConfiguration) ([]*Forwarder, error) {
	var out []*Forwarder
	for i, sc := range configs {
		snk, err := New(sc)
		if err != nil {
			for _, f := range out {
				f.config.Sink.Close()
			}
			return nil, fmt.Errorf("sink %d: %w", i, err)
		}

		topics := make([]notify.Topic, 0, len(sc.Topics))
		for _, t := range sc.Topics {
			topics = append(topics, notify.Topic(t))
		}
		f, err := NewForwarder(hub, ForwarderConfig{
			Name:        fmt.Sprintf("%s-%d", sc.Type, i),
			Sink:        snk,
			TopicPrefix: sc.TopicPrefix,
			Topics:      topics,
			Kinds:       sc.Kinds,
		})
		if err != nil {
			snk.Close()
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// Start subscribes and starts forwarding
func (f *Forwarder) Start() error {
	sub, err := f.subscribe()
	if err != nil {
		return err
	}
	f.stopCh = make(chan struct{})
	f.doneCh = make(chan struct{})
	f.sub = sub

	log.Info().Str("sink", f.config.Name).Msg("Starting notification forwarder")
	go f.loop(sub)
	return nil
}

// Stop ends forwarding and closes the sink
func (f *Forwarder) Stop() {
	if f.stopCh == nil {
		return
	}
	close(f.stopCh)
	<-f.doneCh
	f.stopCh = nil

	if err := f.config.Sink.Close(); err != nil {
		log.Warn().Err(err).Str("sink", f.config.Name).Msg("Failed to close sink")
	}
}

// LastVersions returns the last forwarded version per topic
func (f *Forwarder) LastVersions() map[notify.Topic]uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[notify.Topic]uint64, len(f.last))
	for t, v := range f.last {
		out[t] = v
	}
	return out
}

func (f *Forwarder) subscribe() (*notify.Subscription, error) {
	return f.hub.Subscribe(notify.SubscribeOptions{
		Topics:       f.config.Topics,
		Kinds:        f.config.Kinds,
		FromVersions: f.LastVersions(),
	})
}

func (f *Forwarder) loop(sub *notify.Subscription) {
	defer close(f.doneCh)

	for {
		select {
		case <-f.stopCh:
			sub.Close()
			return
		case ev, ok := <-sub.C():
			if !ok {
				if errors.Is(sub.Err(), notify.ErrHubClosed) {
					return
				}
				log.Warn().Err(sub.Err()).Str("sink", f.config.Name).Msg("Forwarder subscription ended, resubscribing")
				next, err := f.resubscribe()
				if err != nil {
					return
				}
				sub = next
				continue
			}
			if !f.forward(ev) {
				sub.Close()
				return
			}
		}
	}
}

func (f *Forwarder) resubscribe() (*notify.Subscription, error) {
	delay := f.config.RetryInitial
	for {
		sub, err := f.subscribe()
		if err == nil {
			return sub, nil
		}
		if errors.Is(err, notify.ErrHubClosed) {
			return nil, err
		}
		log.Error().Err(err).Str("sink", f.config.Name).Msg("Forwarder resubscribe failed")
		if !f.sleep(delay) {
			return nil, err
		}
		delay = minDuration(delay*2, f.config.RetryMax)
	}
}

// forward publishes ev with backoff. It returns false when stopped.
func (f *Forwarder) forward(ev notify.Event) bool {
	data, err := encoding.Marshal(&ev)
	if err != nil {
		log.Error().Err(err).Str("sink", f.config.Name).Msg("Failed to encode event")
		return true
	}

	// The notify topic is the partition key so per-topic order survives
	topic := fmt.Sprintf("%s.%s", f.config.TopicPrefix, ev.Topic)
	delay := f.config.RetryInitial
	for {
		err := f.config.Sink.Publish(topic, string(ev.Topic), data)
		if err == nil {
			telemetry.SinkPublishTotal.With(f.config.Name, "ok").Inc()
			break
		}
		telemetry.SinkPublishTotal.With(f.config.Name, "error").Inc()
		log.Warn().Err(err).Str("sink", f.config.Name).Uint64("version", ev.Version).Msg("Sink publish failed, retrying")
		if !f.sleep(delay) {
			return false
		}
		delay = minDuration(delay*2, f.config.RetryMax)
	}

	f.mu.Lock()
	f.last[ev.Topic] = ev.Version
	f.mu.Unlock()
	return true
}

func (f *Forwarder) sleep(d time.Duration) bool {
	select {
	case <-f.stopCh:
		return false
	case <-time.After(d):
		return true
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
