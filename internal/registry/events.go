package registry

import (
	"sync"
	"time"
)

// EventType names a registry mutation.
type EventType string

const (
	ToolRegistered       EventType = "tool_registered"
	ToolUnregistered     EventType = "tool_unregistered"
	ResourceRegistered   EventType = "resource_registered"
	ResourceUnregistered EventType = "resource_unregistered"
	AppUnregistered      EventType = "app_unregistered"
)

// Reasons attached to removal events.
const (
	ReasonUnregistered = "unregistered"
	ReasonReplaced     = "replaced"
	ReasonRefresh      = "refresh"
	ReasonAppSwitch    = "app_switch"
	ReasonAppRemoved   = "app_unregistered"
)

// Event describes one registry mutation. Name is the tool name or resource
// URI; AppUnregistered events carry the removed counts instead.
type Event struct {
	Type      EventType
	Name      string
	AppID     string
	Port      int
	Reason    string
	Tools     int
	Resources int
	Timestamp time.Time
}

// Subscription receives registry events in mutation order.
type Subscription struct {
	mb *mailbox
}

// Events returns the event channel. It is closed by Close or Dispose.
func (s *Subscription) Events() <-chan Event { return s.mb.out }

// Close stops delivery and closes the channel. Undelivered events are dropped.
func (s *Subscription) Close() { s.mb.abort() }

// mailbox is an unbounded FIFO between the registry and one subscriber.
// push never blocks, so emission under the registry lock is safe.
type mailbox struct {
	mu       sync.Mutex
	queue    []Event
	closed   bool
	signal   chan struct{}
	done     chan struct{}
	doneOnce sync.Once
	out      chan Event
	onExit   func()
}

func newMailbox(onExit func()) *mailbox {
	mb := &mailbox{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
		out:    make(chan Event),
		onExit: onExit,
	}
	go mb.pump()
	return mb
}

func (mb *mailbox) push(evt Event) {
	mb.mu.Lock()
	if mb.closed {
		mb.mu.Unlock()
		return
	}
	mb.queue = append(mb.queue, evt)
	mb.mu.Unlock()
	mb.wake()
}

func (mb *mailbox) wake() {
	select {
	case mb.signal <- struct{}{}:
	default:
	}
}

// close stops accepting events; queued events are still delivered.
func (mb *mailbox) close() {
	mb.mu.Lock()
	mb.closed = true
	mb.mu.Unlock()
	mb.wake()
}

// abort stops delivery immediately.
func (mb *mailbox) abort() {
	mb.close()
	mb.doneOnce.Do(func() { close(mb.done) })
}

func (mb *mailbox) pump() {
	defer func() {
		close(mb.out)
		if mb.onExit != nil {
			mb.onExit()
		}
	}()
	for {
		mb.mu.Lock()
		if len(mb.queue) == 0 {
			closed := mb.closed
			mb.mu.Unlock()
			if closed {
				return
			}
			select {
			case <-mb.signal:
				continue
			case <-mb.done:
				return
			}
		}
		evt := mb.queue[0]
		mb.queue[0] = Event{}
		mb.queue = mb.queue[1:]
		mb.mu.Unlock()

		select {
		case mb.out <- evt:
		case <-mb.done:
			return
		}
	}
}
