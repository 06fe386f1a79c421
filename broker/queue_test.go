// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventQueue_PreservesOrder(t *testing.T) {
	var (
		mu  sync.Mutex
		got []string
	)
	q := NewEventQueue(func(ev Event) {
		mu.Lock()
		got = append(got, ev.(SubscriptionOkEvent).CorrelationKey)
		mu.Unlock()
	})

	want := []string{"a", "b", "c", "d"}
	for _, k := range want {
		q.Emit(SubscriptionOkEvent{CorrelationKey: k})
	}
	q.Close()

	select {
	case <-q.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("queue did not drain")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, got)
}

func TestEventQueue_EmitFromHandler(t *testing.T) {
	done := make(chan struct{})
	var q *EventQueue
	q = NewEventQueue(func(ev Event) {
		switch ev.(type) {
		case ConnectedEvent:
			q.Emit(SubscriptionOkEvent{CorrelationKey: "nested"})
		case SubscriptionOkEvent:
			close(done)
		}
	})
	defer q.Close()

	q.Emit(ConnectedEvent{})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("nested event was not delivered")
	}
}

func TestEventQueue_DropsAfterClose(t *testing.T) {
	var count int
	var mu sync.Mutex
	q := NewEventQueue(func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	q.Close()
	q.Emit(ConnectedEvent{})
	q.Close()

	<-q.Done()
	mu.Lock()
	defer mu.Unlock()
	require.Zero(t, count)
}
