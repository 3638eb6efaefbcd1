package queue

import (
	"context"
	"errors"
	"sync"
	"time"
)

// memRepo is an in-memory Repository guarded by a single mutex.
type memRepo struct {
	mu      sync.Mutex
	entries map[string]Entry

	getErr    error
	updateErr error
}

func newMemRepo() *memRepo {
	return &memRepo{entries: map[string]Entry{}}
}

func (r *memRepo) Enqueue(_ context.Context, e *Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[e.OrderID]; ok {
		return ErrAlreadyQueued
	}
	all := make([]Entry, 0, len(r.entries))
	for _, existing := range r.entries {
		all = append(all, existing)
	}
	e.Position = NextPosition(all)
	r.entries[e.OrderID] = *e
	return nil
}

func (r *memRepo) Get(_ context.Context, orderID string) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.getErr != nil {
		return nil, r.getErr
	}
	e, ok := r.entries[orderID]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (r *memRepo) UpdateStatus(_ context.Context, orderID string, status Status, notes *string, now time.Time) (Status, *Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.updateErr != nil {
		return "", nil, r.updateErr
	}
	e, ok := r.entries[orderID]
	if !ok {
		return "", nil, ErrNotFound
	}
	previous := ApplyStatus(&e, status, notes, now)
	r.entries[orderID] = e
	return previous, &e, nil
}

func (r *memRepo) SetPosition(_ context.Context, orderID string, position int) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.updateErr != nil {
		return nil, r.updateErr
	}
	e, ok := r.entries[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	e.Position = position
	r.entries[orderID] = e
	return &e, nil
}

func (r *memRepo) Delete(_ context.Context, orderID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[orderID]; !ok {
		return false, nil
	}
	delete(r.entries, orderID)
	return true, nil
}

func (r *memRepo) List(_ context.Context, statuses ...Status) ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []Entry{}
	for _, e := range r.entries {
		if len(statuses) > 0 && !containsStatus(statuses, e.Status) {
			continue
		}
		out = append(out, e)
	}
	SortByPosition(out)
	return out, nil
}

func containsStatus(statuses []Status, s Status) bool {
	for _, st := range statuses {
		if st == s {
			return true
		}
	}
	return false
}

type published struct {
	topic string
	body  []byte
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (p *recordingPublisher) Publish(_ context.Context, topic string, msg []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, published{topic: topic, body: msg})
	return nil
}

func (p *recordingPublisher) topics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.msgs))
	for _, m := range p.msgs {
		out = append(out, m.topic)
	}
	return out
}

func (p *recordingPublisher) last() published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.msgs[len(p.msgs)-1]
}

type countingMetrics struct {
	mu     sync.Mutex
	counts map[string]int
}

func (c *countingMetrics) Incr(_ context.Context, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = map[string]int{}
	}
	c.counts[name]++
}

func (c *countingMetrics) get(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[name]
}

var errBoom = errors.New("boom")
