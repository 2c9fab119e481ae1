package sink

import "sync"

// MockSink records published messages for tests
type MockSink struct {
	mu         sync.Mutex
	Messages   []MockMessage
	PublishErr error
	failures   int
}

// MockMessage is one recorded message
type MockMessage struct {
	Topic string
	Key   string
	Value []byte
}

// FailNext makes the next n publishes return PublishErr
func (m *MockSink) FailNext(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = n
}

// Publish implements Sink
func (m *MockSink) Publish(topic, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failures > 0 {
		m.failures--
		return m.PublishErr
	}
	m.Messages = append(m.Messages, MockMessage{Topic: topic, Key: key, Value: value})
	return nil
}

// Snapshot returns a copy of the recorded messages
func (m *MockSink) Snapshot() []MockMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockMessage(nil), m.Messages...)
}

// Close implements Sink
func (m *MockSink) Close() error {
	return nil
}
