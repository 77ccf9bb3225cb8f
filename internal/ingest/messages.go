package ingest

import (
	"devcompanion/internal/event"
	"devcompanion/internal/funcs"
)

// MessageKind tags an outbound message.
type MessageKind string

const (
	MessageStored           MessageKind = "stored"
	MessageDropped          MessageKind = "dropped"
	MessageRejected         MessageKind = "rejected"
	MessageFunctionsChanged MessageKind = "functions_changed"
)

// Message is one outbound notification. Which fields are set depends on
// Kind: Stored carries Event, Dropped carries Count, Rejected carries Err and
// FunctionsChanged carries Changes.
type Message struct {
	Kind      MessageKind
	EventKind event.Kind
	EventID   string
	Event     *event.Event
	Count     int
	Changes   []funcs.Change
	Err       error
}

// Subscribe registers a subscriber with the given channel buffer. Messages
// that do not fit are skipped; the consumer never blocks on subscribers.
// The returned function unsubscribes and closes the channel.
func (in *Ingestor) Subscribe(buffer int) (<-chan Message, func()) {
	if buffer <= 0 {
		buffer = 100
	}
	ch := make(chan Message, buffer)

	in.subMu.Lock()
	id := in.subID
	in.subID++
	in.subs[id] = ch
	in.subMu.Unlock()

	return ch, func() {
		in.subMu.Lock()
		defer in.subMu.Unlock()
		if c, ok := in.subs[id]; ok {
			delete(in.subs, id)
			close(c)
		}
	}
}

func (in *Ingestor) publish(m Message) {
	in.subMu.Lock()
	defer in.subMu.Unlock()
	for _, ch := range in.subs {
		select {
		case ch <- m:
		default:
			// Skip slow subscribers
		}
	}
}
