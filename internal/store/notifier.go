package store

import "sync"

// notifier fans out change signals for stores without native watches.
// Signals coalesce: a slow subscriber sees one wakeup for many writes.
type notifier struct {
	mu     sync.Mutex
	topics map[string]map[chan struct{}]struct{}
}

func newNotifier() *notifier {
	return &notifier{topics: make(map[string]map[chan struct{}]struct{})}
}

func (n *notifier) watch(topic string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	n.mu.Lock()
	if n.topics[topic] == nil {
		n.topics[topic] = make(map[chan struct{}]struct{})
	}
	n.topics[topic][ch] = struct{}{}
	n.mu.Unlock()

	return ch, func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.topics[topic], ch)
		if len(n.topics[topic]) == 0 {
			delete(n.topics, topic)
		}
	}
}

func (n *notifier) notify(topics ...string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, topic := range topics {
		for ch := range n.topics[topic] {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}
}
