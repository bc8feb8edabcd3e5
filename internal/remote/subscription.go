package remote

import "sync"

// Subscription is a handle on one live query stream. Snapshots arrive on
// Updates in delivery order; Cancel detaches the stream and closes the
// channel. Cancel is safe to call more than once.
type Subscription[T any] struct {
	id      int64
	updates chan T

	cancelOnce sync.Once
	cancelFn   func()
}

// Updates returns the snapshot channel. The channel is closed when the
// subscription is cancelled.
func (s *Subscription[T]) Updates() <-chan T {
	return s.updates
}

// Cancel detaches the subscription. In-flight work triggered by an
// already-delivered snapshot is not affected.
func (s *Subscription[T]) Cancel() {
	s.cancelOnce.Do(s.cancelFn)
}

// push delivers a snapshot without ever blocking the dispatch loop. A
// consumer that falls behind loses its oldest buffered snapshot; the
// newest always lands, so the consumer converges on the latest state.
func (s *Subscription[T]) push(snapshot T) {
	for {
		select {
		case s.updates <- snapshot:
			return
		default:
			select {
			case <-s.updates:
			default:
			}
		}
	}
}
