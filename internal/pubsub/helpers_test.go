package pubsub

import (
	"sync"
	"time"
)

// recorder is a Subscriber that records deliveries.
type recorder struct {
	id string

	mu   sync.Mutex
	msgs []delivery
	ch   chan delivery
}

type delivery struct {
	group   string
	payload string
}

func newRecorder(id string) *recorder {
	return &recorder{id: id, ch: make(chan delivery, 16)}
}

func (r *recorder) ID() string { return r.id }

func (r *recorder) Deliver(group string, payload []byte) {
	d := delivery{group: group, payload: string(payload)}
	r.mu.Lock()
	r.msgs = append(r.msgs, d)
	r.mu.Unlock()
	select {
	case r.ch <- d:
	default:
	}
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func (r *recorder) wait(timeout time.Duration) (delivery, bool) {
	select {
	case d := <-r.ch:
		return d, true
	case <-time.After(timeout):
		return delivery{}, false
	}
}
