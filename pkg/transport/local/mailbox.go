package local

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

// envelope identifies an ordered message stream.
type envelope struct {
	comm     string
	src, dst int // World ranks.
	tag      int
}

// slot holds the messages of one envelope. Receives are matched to messages at post time
// through tickets, so the n-th posted receive gets the n-th message, regardless of the
// order the receives are waited on.
type slot struct {
	mu         sync.Mutex
	arrived    int
	nextTicket int
	messages   map[int][]byte
	changed    chan struct{} // Closed and replaced on every arrival.
}

type postOffice struct {
	world *World
	mu    sync.Mutex
	slots map[envelope]*slot
}

func newPostOffice(w *World) *postOffice {
	return &postOffice{world: w, slots: make(map[envelope]*slot)}
}

func (po *postOffice) slot(env envelope) *slot {
	po.mu.Lock()
	defer po.mu.Unlock()
	s, found := po.slots[env]
	if !found {
		s = &slot{messages: make(map[int][]byte), changed: make(chan struct{})}
		po.slots[env] = s
	}
	return s
}

// deliver stores a copy of data: senders may reuse their buffer as soon as Send returns.
func (po *postOffice) deliver(env envelope, data []byte) {
	s := po.slot(env)
	msg := make([]byte, len(data))
	copy(msg, data)
	s.mu.Lock()
	s.messages[s.arrived] = msg
	s.arrived++
	close(s.changed)
	s.changed = make(chan struct{})
	s.mu.Unlock()
}

// post reserves the next message of env and returns its ticket.
func (po *postOffice) post(env envelope) (*slot, int) {
	s := po.slot(env)
	s.mu.Lock()
	defer s.mu.Unlock()
	ticket := s.nextTicket
	s.nextTicket++
	return s, ticket
}

// take blocks until the message for ticket arrives, the world timeout expires or the
// world is aborted.
func (po *postOffice) take(env envelope, s *slot, ticket int) ([]byte, error) {
	var timeout <-chan time.Time
	if po.world.timeout > 0 {
		timer := time.NewTimer(po.world.timeout)
		defer timer.Stop()
		timeout = timer.C
	}
	for {
		s.mu.Lock()
		if msg, found := s.messages[ticket]; found {
			delete(s.messages, ticket)
			s.mu.Unlock()
			return msg, nil
		}
		changed := s.changed
		s.mu.Unlock()

		select {
		case <-changed:
		case <-timeout:
			return nil, errors.Errorf("timed out after %s waiting for message from rank %d (tag %d)",
				po.world.timeout, env.src, env.tag)
		case <-po.world.aborted:
			return nil, errors.WithMessagef(po.world.abortErr,
				"world aborted while rank %d waited for rank %d (tag %d)", env.dst, env.src, env.tag)
		}
	}
}
