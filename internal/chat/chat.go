// Package chat holds the in-memory state of one chat and notifies
// subscribers of changes.
package chat

import (
	"sync"

	"github.com/pliu/peerchat/internal/models"
)

// Kind distinguishes chats this process serves from chats it follows.
type Kind int

const (
	Hosted Kind = iota
	Joined
)

func (k Kind) String() string {
	if k == Hosted {
		return "hosted"
	}
	return "joined"
}

// Status is the connectivity of a chat.
type Status int

const (
	StatusStopped Status = iota
	StatusConnected
	StatusDisconnected
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	case StatusError:
		return "error"
	default:
		return "stopped"
	}
}

// EventType tags an Event.
type EventType int

const (
	EventMessage EventType = iota
	EventStatus
)

// Event is an immutable change notification. Message is set for
// EventMessage; Status and Reason for EventStatus.
type Event struct {
	Type    EventType
	ChatID  string
	Message models.Message
	Status  Status
	Reason  string
}

const subscriberBuffer = 64

// Chat is an append-only, arrival-ordered message log. Messages are
// deduplicated by id. A hosted chat numbers messages by arrival; a joined
// chat keeps the numbers its host assigned.
type Chat struct {
	ID   string
	Name string
	Kind Kind

	mu         sync.RWMutex
	invitation string
	messages   []models.Message
	seen       map[string]int
	status     Status
	reason     string
	subs       map[int]chan Event
	nextSub    int
}

func New(id, name string, kind Kind) *Chat {
	return &Chat{
		ID:   id,
		Name: name,
		Kind: kind,
		seen: map[string]int{},
		subs: map[int]chan Event{},
	}
}

// Append adds m unless a message with the same id is present. It reports
// whether m was added.
func (c *Chat) Append(m models.Message) bool {
	_, added := c.Record(m)
	return added
}

// Record is Append returning the message as stored. In a hosted chat Seq is
// overwritten with the next arrival number. In a joined chat a duplicate
// that arrives with a Seq fills in a stored message that had none, which is
// how our own sends learn their place in the host's order.
func (c *Chat) Record(m models.Message) (models.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i, dup := c.seen[m.ID]; dup {
		if c.Kind == Joined && c.messages[i].Seq == 0 && m.Seq > 0 {
			c.messages[i].Seq = m.Seq
		}
		return c.messages[i], false
	}
	if c.Kind == Hosted {
		m.Seq = int64(len(c.messages)) + 1
	}
	c.seen[m.ID] = len(c.messages)
	c.messages = append(c.messages, m)
	c.publishLocked(Event{Type: EventMessage, ChatID: c.ID, Message: m})
	return m, true
}

// Messages returns a copy of the log.
func (c *Chat) Messages() []models.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Since returns messages with a timestamp strictly after ts, in arrival order.
func (c *Chat) Since(ts int64) []models.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := []models.Message{}
	for _, m := range c.messages {
		if m.Timestamp > ts {
			out = append(out, m)
		}
	}
	return out
}

// After returns messages with a Seq strictly after seq, in arrival order.
func (c *Chat) After(seq int64) []models.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := []models.Message{}
	for _, m := range c.messages {
		if m.Seq > seq {
			out = append(out, m)
		}
	}
	return out
}

// LastSeq returns the highest Seq seen, or 0.
func (c *Chat) LastSeq() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var seq int64
	for _, m := range c.messages {
		if m.Seq > seq {
			seq = m.Seq
		}
	}
	return seq
}

// Latest returns the highest timestamp seen, or 0.
func (c *Chat) Latest() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var ts int64
	for _, m := range c.messages {
		if m.Timestamp > ts {
			ts = m.Timestamp
		}
	}
	return ts
}

func (c *Chat) Invitation() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.invitation
}

func (c *Chat) SetInvitation(code string) {
	c.mu.Lock()
	c.invitation = code
	c.mu.Unlock()
}

// Status returns the current status and the reason for StatusError.
func (c *Chat) Status() (Status, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status, c.reason
}

// Running reports whether the chat is connected.
func (c *Chat) Running() bool {
	s, _ := c.Status()
	return s == StatusConnected
}

// SetStatus records s and notifies subscribers if it changed.
func (c *Chat) SetStatus(s Status, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == s && c.reason == reason {
		return
	}
	c.status, c.reason = s, reason
	c.publishLocked(Event{Type: EventStatus, ChatID: c.ID, Status: s, Reason: reason})
}

// Subscribe returns a channel of future events and a function that ends the
// subscription. Events are dropped for a subscriber whose buffer is full.
func (c *Chat) Subscribe() (<-chan Event, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	ch := make(chan Event, subscriberBuffer)
	c.subs[id] = ch

	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if _, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(ch)
		}
	}
}

// Close ends all subscriptions.
func (c *Chat) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.subs {
		delete(c.subs, id)
		close(ch)
	}
}

func (c *Chat) publishLocked(e Event) {
	for _, ch := range c.subs {
		select {
		case ch <- e:
		default:
		}
	}
}
