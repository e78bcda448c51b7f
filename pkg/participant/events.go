package participant

import "github.com/rjcorwin/mew-protocol-sub006/internal/wire"

// EventType names one of the typed event channels §4.7 requires handlers for.
type EventType int

const (
	EventWelcome EventType = iota
	EventPresence
	EventMessage
	EventChat
	EventError
	EventConnected
	EventDisconnected
	EventReconnected
)

// Event is the payload delivered to a registered handler. Only the field(s)
// relevant to Type are populated; Envelope is always set for message/chat/
// error so handlers that want the raw wire shape never have to re-dispatch.
type Event struct {
	Type     EventType
	Envelope *wire.Envelope
	Welcome  *wire.SystemWelcomePayload
	Presence *wire.SystemPresencePayload
	Err      error
}

// Unsubscribe removes a previously registered handler.
type Unsubscribe func()

type handlerEntry struct {
	id int
	fn func(Event)
}

// On registers fn for events of type t. The returned Unsubscribe removes it;
// calling it more than once is a no-op.
func (c *Client) On(t EventType, fn func(Event)) Unsubscribe {
	c.mu.Lock()
	c.handlerSeq++
	id := c.handlerSeq
	c.handlers[t] = append(c.handlers[t], handlerEntry{id: id, fn: fn})
	c.mu.Unlock()

	var once bool
	return func() {
		if once {
			return
		}
		once = true
		c.mu.Lock()
		defer c.mu.Unlock()
		entries := c.handlers[t]
		for i, e := range entries {
			if e.id == id {
				c.handlers[t] = append(entries[:i], entries[i+1:]...)
				break
			}
		}
	}
}

func (c *Client) emit(ev Event) {
	c.mu.Lock()
	entries := append([]handlerEntry(nil), c.handlers[ev.Type]...)
	c.mu.Unlock()
	for _, e := range entries {
		e.fn(ev)
	}
}
