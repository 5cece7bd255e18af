package remote

import (
	"sync"

	"github.com/agentworkforce/tabstash/internal/groups"
)

// feed is the Subscription implementation shared by every adapter.
type feed struct {
	mu     sync.Mutex
	ch     chan []groups.Group
	done   chan struct{}
	closed bool
	stop   func()
}

func newFeed(stop func()) *feed {
	return &feed{
		ch:   make(chan []groups.Group, 1),
		done: make(chan struct{}),
		stop: stop,
	}
}

// offer replaces any unread snapshot with in. It never blocks and returns
// false once the feed is closed.
func (f *feed) offer(in []groups.Group) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	select {
	case <-f.ch:
	default:
	}
	f.ch <- groups.Clone(in)
	return true
}

func (f *feed) Updates() <-chan []groups.Group {
	return f.ch
}

func (f *feed) Done() <-chan struct{} {
	return f.done
}

func (f *feed) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	close(f.done)
	close(f.ch)
	f.mu.Unlock()
	if f.stop != nil {
		f.stop()
	}
	return nil
}
