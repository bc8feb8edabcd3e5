package cache

import "sync"

// ChangeOp is the kind of mutation a Change describes.
type ChangeOp int

const (
	// OpInsert indicates a new record was inserted.
	OpInsert ChangeOp = iota
	// OpUpdate indicates an existing record was rewritten.
	OpUpdate
	// OpDelete indicates one or more records were removed.
	OpDelete
)

// String returns a human-readable representation of the operation.
func (op ChangeOp) String() string {
	switch op {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Change describes a committed mutation to the task table. For project
// cascade deletions only ProjectID is set.
type Change struct {
	Op           ChangeOp
	LocalID      int64
	RemoteTaskID string
	ProjectID    string
}

// changeNotifier fans committed changes out to observers. Sends never
// block the write path: a subscriber with a full buffer misses the
// change and should re-query.
type changeNotifier struct {
	mu   sync.Mutex
	subs map[chan Change]struct{}
}

func (n *changeNotifier) publish(c Change) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for ch := range n.subs {
		select {
		case ch <- c:
		default:
		}
	}
}

// Subscribe registers an observer for committed changes. The returned
// cancel function unregisters it and closes the channel.
func (s *Store) Subscribe() (<-chan Change, func()) {
	ch := make(chan Change, 64)

	s.notifier.mu.Lock()
	if s.notifier.subs == nil {
		s.notifier.subs = make(map[chan Change]struct{})
	}
	s.notifier.subs[ch] = struct{}{}
	s.notifier.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.notifier.mu.Lock()
			delete(s.notifier.subs, ch)
			s.notifier.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}
