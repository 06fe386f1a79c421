// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import "sync"

// EventQueue delivers events to a handler one at a time, in emission order,
// from a dedicated goroutine. Emit never blocks, so adapters may call it from
// client library callbacks and from inside the handler itself.
type EventQueue struct {
	handler EventHandler

	mu      sync.Mutex
	pending []Event
	closed  bool

	wake chan struct{}
	done chan struct{}
}

// NewEventQueue starts a queue delivering to handler.
func NewEventQueue(handler EventHandler) *EventQueue {
	q := &EventQueue{
		handler: handler,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go q.run()
	return q
}

// Emit queues an event. Events emitted after Close are dropped.
func (q *EventQueue) Emit(ev Event) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.pending = append(q.pending, ev)
	q.mu.Unlock()

	q.signal()
}

// Close stops accepting events. Events already queued are still delivered.
func (q *EventQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	q.signal()
}

// Done is closed once the queue has delivered its last event after Close.
func (q *EventQueue) Done() <-chan struct{} {
	return q.done
}

func (q *EventQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *EventQueue) run() {
	defer close(q.done)

	for range q.wake {
		for {
			q.mu.Lock()
			if len(q.pending) == 0 {
				closed := q.closed
				q.mu.Unlock()
				if closed {
					return
				}
				break
			}
			ev := q.pending[0]
			q.pending[0] = nil
			q.pending = q.pending[1:]
			q.mu.Unlock()

			q.handler(ev)
		}
	}
}
