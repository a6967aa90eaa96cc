package vmservice

import (
	"encoding/json"
	"sync"
	"time"
)

// Stream ids and event kinds used by vmbridge.
const (
	StreamExtension = "Extension"
	StreamIsolate   = "Isolate"

	KindExtension             = "Extension"
	KindServiceExtensionAdded = "ServiceExtensionAdded"
	KindIsolateExit           = "IsolateExit"
	KindIsolateStart          = "IsolateStart"
)

// eventBuffer bounds each subscriber's backlog. Events are triggers, so a
// subscriber that falls this far behind only loses redundant wake-ups.
const eventBuffer = 64

// Event is a decoded streamNotify notification.
type Event struct {
	StreamID      string
	Kind          string
	IsolateID     string
	ExtensionKind string
	ExtensionData json.RawMessage
	ExtensionRPC  string
	Timestamp     time.Time
}

type streamNotifyParams struct {
	StreamID string `json:"streamId"`
	Event    struct {
		Kind          string          `json:"kind"`
		ExtensionKind string          `json:"extensionKind"`
		ExtensionData json.RawMessage `json:"extensionData"`
		ExtensionRPC  string          `json:"extensionRPC"`
		Timestamp     int64           `json:"timestamp"`
		Isolate       *struct {
			ID string `json:"id"`
		} `json:"isolate"`
	} `json:"event"`
}

func decodeEvent(raw json.RawMessage) (Event, error) {
	var p streamNotifyParams
	if err := codec.Unmarshal(raw, &p); err != nil {
		return Event{}, err
	}
	evt := Event{
		StreamID:      p.StreamID,
		Kind:          p.Event.Kind,
		ExtensionKind: p.Event.ExtensionKind,
		ExtensionData: p.Event.ExtensionData,
		ExtensionRPC:  p.Event.ExtensionRPC,
		Timestamp:     time.Now(),
	}
	if p.Event.Timestamp > 0 {
		evt.Timestamp = time.UnixMilli(p.Event.Timestamp)
	}
	if p.Event.Isolate != nil {
		evt.IsolateID = p.Event.Isolate.ID
	}
	return evt, nil
}

type subscriber struct {
	ch chan Event
}

// eventHub fans stream events out to subscribers without blocking the read loop.
type eventHub struct {
	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool
	onDrop func(Event)
}

func newEventHub(onDrop func(Event)) *eventHub {
	return &eventHub{subs: make(map[*subscriber]struct{}), onDrop: onDrop}
}

func (h *eventHub) subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := &subscriber{ch: make(chan Event, eventBuffer)}
	if h.closed {
		close(s.ch)
		return s.ch, func() {}
	}
	h.subs[s] = struct{}{}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := h.subs[s]; ok {
				delete(h.subs, s)
				close(s.ch)
			}
		})
	}
	return s.ch, cancel
}

func (h *eventHub) publish(evt Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		select {
		case s.ch <- evt:
		default:
			if h.onDrop != nil {
				h.onDrop(evt)
			}
		}
	}
}

func (h *eventHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for s := range h.subs {
		close(s.ch)
		delete(h.subs, s)
	}
}
