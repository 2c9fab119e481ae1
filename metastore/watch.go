package metastore

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
)

const defaultWatchBuffer = 256

// watcher is one Watch call on an in-process hub.
type watcher struct {
	id     uint64
	prefix string
	ch     chan Event
	closed atomic.Bool
}

func (w *watcher) close() {
	if w.closed.CompareAndSwap(false, true) {
		close(w.ch)
	}
}

// watchHub serves Watch for backends that do not have a native change feed.
// It keeps a bounded history so a consumer can resume from a recent revision.
type watchHub struct {
	mu           sync.Mutex
	watchers     map[uint64]*watcher
	nextID       atomic.Uint64
	history      []Event
	maxHistory   int
	compactedRev int64 // revision of the newest evicted event
	buffer       int
}

func newWatchHub(maxHistory int) *watchHub {
	if maxHistory <= 0 {
		maxHistory = 4096
	}
	return &watchHub{
		watchers:   make(map[uint64]*watcher),
		maxHistory: maxHistory,
		buffer:     defaultWatchBuffer,
	}
}

// publish records events of one revision and fans them out. Callers invoke
// it in revision order while holding their write lock.
func (h *watchHub) publish(events []Event) {
	if len(events) == 0 {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.history = append(h.history, events...)
	if over := len(h.history) - h.maxHistory; over > 0 {
		// Evict whole revisions so a resume never starts halfway through one
		cut := over
		for cut < len(h.history) && h.history[cut].Revision == h.history[cut-1].Revision {
			cut++
		}
		h.compactedRev = h.history[cut-1].Revision
		h.history = append([]Event(nil), h.history[cut:]...)
	}

	for id, w := range h.watchers {
		matched := matchPrefix(events, w.prefix)
		if len(matched) == 0 {
			continue
		}
		// A revision is delivered whole or the watcher is dropped
		if cap(w.ch)-len(w.ch) < len(matched) {
			delete(h.watchers, id)
			w.close()
			continue
		}
		for _, ev := range matched {
			w.ch <- ev
		}
	}
}

func (h *watchHub) watch(ctx context.Context, prefix string, fromRevision, currentRevision int64) (<-chan Event, error) {
	h.mu.Lock()

	var replay []Event
	if fromRevision > 0 && fromRevision <= currentRevision {
		if fromRevision <= h.compactedRev {
			h.mu.Unlock()
			return nil, ErrCompacted
		}
		for _, ev := range h.history {
			if ev.Revision >= fromRevision && strings.HasPrefix(ev.Key, prefix) {
				replay = append(replay, ev)
			}
		}
	}

	w := &watcher{
		id:     h.nextID.Add(1),
		prefix: prefix,
		ch:     make(chan Event, h.buffer+len(replay)),
	}
	for _, ev := range replay {
		w.ch <- ev
	}
	h.watchers[w.id] = w
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.remove(w.id)
	}()

	return w.ch, nil
}

func (h *watchHub) remove(id uint64) {
	h.mu.Lock()
	w, ok := h.watchers[id]
	if ok {
		delete(h.watchers, id)
	}
	h.mu.Unlock()

	if ok {
		w.close()
	}
}

func (h *watchHub) closeAll() {
	h.mu.Lock()
	watchers := h.watchers
	h.watchers = make(map[uint64]*watcher)
	h.mu.Unlock()

	for _, w := range watchers {
		w.close()
	}
}

func matchPrefix(events []Event, prefix string) []Event {
	if prefix == "" {
		return events
	}
	var out []Event
	for _, ev := range events {
		if strings.HasPrefix(ev.Key, prefix) {
			out = append(out, ev)
		}
	}
	return out
}
