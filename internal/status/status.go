// Package status publishes the synchronization state to any number of
// observers. Only the sync orchestrator writes to a Publisher.
package status

import (
	"log/slog"
	"runtime/debug"
	"sync"
)

type State string

const (
	Idle    State = "idle"
	Syncing State = "syncing"
	Synced  State = "synced"
	Error   State = "error"
)

type Status struct {
	State State  `json:"state"`
	Error string `json:"error,omitempty"`
}

type Handler func(Status)

type Publisher struct {
	mu      sync.Mutex
	current Status
	nextID  uint64
	subs    map[uint64]Handler
	order   []uint64
	logger  *slog.Logger
}

func NewPublisher(logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		current: Status{State: Idle},
		subs:    map[uint64]Handler{},
		logger:  logger,
	}
}

func (p *Publisher) Current() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Set records a new state and notifies every subscriber. A non-nil err is
// only kept for the Error state.
func (p *Publisher) Set(state State, err error) {
	next := Status{State: state}
	if state == Error && err != nil {
		next.Error = err.Error()
	}
	p.mu.Lock()
	p.current = next
	handlers := p.snapshotLocked()
	p.mu.Unlock()

	for _, h := range handlers {
		p.safeCall(h, next)
	}
}

// Subscribe registers h and immediately replays the current status to it.
func (p *Publisher) Subscribe(h Handler) func() {
	if h == nil {
		return func() {}
	}
	p.mu.Lock()
	p.nextID++
	id := p.nextID
	p.subs[id] = h
	p.order = append(p.order, id)
	current := p.current
	p.mu.Unlock()

	p.safeCall(h, current)

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			delete(p.subs, id)
			for i, existing := range p.order {
				if existing == id {
					p.order = append(p.order[:i], p.order[i+1:]...)
					break
				}
			}
		})
	}
}

func (p *Publisher) SubscriberCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}

func (p *Publisher) snapshotLocked() []Handler {
	out := make([]Handler, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.subs[id])
	}
	return out
}

func (p *Publisher) safeCall(h Handler, s Status) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("status subscriber panicked", "state", s.State, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	h(s)
}
