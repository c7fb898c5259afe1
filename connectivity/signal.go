// Package connectivity tracks whether the remote store is reachable and
// broadcasts transitions to interested components.
package connectivity

import (
	"sync"

	"github.com/acksell/portalsync/metrics"
)

// Signal holds the current online state. The zero value is offline with no
// subscribers.
type Signal struct {
	mu     sync.Mutex
	online bool
	nextID int
	subs   map[int]chan bool
}

// NewSignal returns a signal with the given initial state.
func NewSignal(online bool) *Signal {
	s := &Signal{}
	s.Set(online)
	return s
}

func (s *Signal) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// Set records the current state. Subscribers are notified only when the
// state changes.
func (s *Signal) Set(online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if online {
		metrics.Online.Set(1)
	} else {
		metrics.Online.Set(0)
	}
	if s.online == online {
		return
	}
	s.online = online
	for _, ch := range s.subs {
		publish(ch, online)
	}
}

// Subscribe returns a channel carrying state changes. The channel holds only
// the latest state: a slow reader may miss an intermediate flip but always
// observes the final one. cancel unregisters and closes the channel.
func (s *Signal) Subscribe() (<-chan bool, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs == nil {
		s.subs = make(map[int]chan bool)
	}
	id := s.nextID
	s.nextID++
	ch := make(chan bool, 1)
	s.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.subs, id)
			close(ch)
		})
	}
}

// publish replaces any undelivered value with v.
func publish(ch chan bool, v bool) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
