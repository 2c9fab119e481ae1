// Package sink forwards notification events to external message brokers.
package sink

import (
	"fmt"
	"sync"

	"github.com/maxpert/flowmeta/cfg"
)

// Sink is a destination for notification events
type Sink interface {
	// Publish sends one message. key routes related messages to the same partition.
	Publish(topic, key string, value []byte) error
	Close() error
}

// Factory creates a Sink from configuration
type Factory func(cfg.SinkConfiguration) (Sink, error)

var (
	factories = make(map[string]Factory)
	factoryMu sync.RWMutex
)

// Register registers a sink factory for a type
func Register(sinkType string, factory Factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories[sinkType] = factory
}

// New creates a sink from its configuration
func New(config cfg.SinkConfiguration) (Sink, error) {
	factoryMu.RLock()
	factory, exists := factories[config.Type]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown sink type: %s", config.Type)
	}
	return factory(config)
}
