package actor

import (
	"context"
	"sync"

	"github.com/briannadoubt/trebuchet/wire"
)

// mailboxDepth bounds queued work per actor; a full mailbox back-pressures
// callers instead of growing without bound.
const mailboxDepth = 64

// mailbox runs one actor's work serially. Every invocation on the actor
// goes through its jobs channel, so no two method bodies overlap.
type mailbox struct {
	id       string
	h        Handler
	streamer *Properties

	jobs     chan func()
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newMailbox(id string, h Handler) *mailbox {
	m := &mailbox{
		id:   id,
		h:    h,
		jobs: make(chan func(), mailboxDepth),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	if st, ok := h.(Streamer); ok {
		m.streamer = st.Properties()
	}
	go m.run()
	return m
}

func (m *mailbox) run() {
	defer close(m.done)
	for {
		select {
		case job := <-m.jobs:
			job()
		case <-m.stop:
			// Drain what is already queued, then exit.
			for {
				select {
				case job := <-m.jobs:
					job()
				default:
					return
				}
			}
		}
	}
}

func (m *mailbox) close() {
	m.stopOnce.Do(func() { close(m.stop) })
}

func (m *mailbox) propertyNames() []string {
	if m.streamer == nil {
		return nil
	}
	return m.streamer.Names()
}

// submit queues one job, honoring caller cancellation and mailbox close.
func (m *mailbox) submit(ctx context.Context, job func()) error {
	select {
	case m.jobs <- job:
		return nil
	case <-m.done:
		return wire.Draining()
	case <-ctx.Done():
		return ctx.Err()
	}
}
