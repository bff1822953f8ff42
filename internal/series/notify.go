package series

import "sync"

// notifier broadcasts versions to subscriber channels. A full channel drops
// the version for that subscriber only; since the subscriber already has an
// undelivered notification it will still read the latest snapshot.
type notifier struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]chan uint64
	onDrop func(subscriber int)
}

func newNotifier() *notifier {
	return &notifier{subs: make(map[int]chan uint64)}
}

func (n *notifier) setOnDrop(fn func(int)) {
	n.mu.Lock()
	n.onDrop = fn
	n.mu.Unlock()
}

func (n *notifier) subscribe(buf int) (<-chan uint64, func()) {
	if buf < 1 {
		buf = 1
	}
	ch := make(chan uint64, buf)

	n.mu.Lock()
	id := n.nextID
	n.nextID++
	n.subs[id] = ch
	n.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subs, id)
			close(ch)
			n.mu.Unlock()
		})
	}
	return ch, cancel
}

func (n *notifier) publish(version uint64) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for id, ch := range n.subs {
		select {
		case ch <- version:
		default:
			if n.onDrop != nil {
				n.onDrop(id)
			}
		}
	}
}
