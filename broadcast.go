package strand

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Event names on the wire. Exact strings matter for client interop.
const (
	EventTextChunk     = "text_chunk"
	EventToolRequest   = "tool_request"
	EventToolExecuting = "tool_executing"
	EventToolCompleted = "tool_completed"
	EventCompleted     = "completed"
	EventFailed        = "failed"
)

// Event is one streamed item. Type selects which fields are populated; the
// JSON encoding of the struct is the event's data payload.
type Event struct {
	Type string `json:"-"`

	// text_chunk
	Kind ChunkKind `json:"kind,omitempty"`
	Text string    `json:"text,omitempty"`

	// tool_request, tool_executing
	ToolCall *ToolCall `json:"tool_call,omitempty"`

	// tool_completed
	ID      string `json:"id,omitempty"`
	Name    string `json:"name,omitempty"`
	Success *bool  `json:"success,omitempty"`
	Output  string `json:"output,omitempty"`

	// failed
	Error string `json:"error,omitempty"`
}

// Subscriber receives a conversation's events. The channel is closed when
// the subscriber is removed, including when it falls behind the buffer.
type Subscriber struct {
	ch     chan Event
	closed bool
}

// Events is the receive side of the subscription.
func (s *Subscriber) Events() <-chan Event { return s.ch }

// Broadcaster fans events out to per-conversation subscriber sets.
// Publishers never block: a subscriber whose buffer overflows is
// disconnected instead.
type Broadcaster struct {
	log    *slog.Logger
	buffer int

	mu   sync.Mutex
	subs map[string]map[*Subscriber]struct{}
}

type BroadcasterOption func(*Broadcaster)

func WithBroadcastLogger(log *slog.Logger) BroadcasterOption {
	return func(b *Broadcaster) { b.log = log }
}

// WithBroadcastBuffer sets the per-subscriber backlog before disconnect.
func WithBroadcastBuffer(n int) BroadcasterOption {
	return func(b *Broadcaster) {
		if n > 0 {
			b.buffer = n
		}
	}
}

func NewBroadcaster(opts ...BroadcasterOption) *Broadcaster {
	b := &Broadcaster{
		log:    slog.New(slog.DiscardHandler),
		buffer: 256,
		subs:   make(map[string]map[*Subscriber]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe joins a conversation's stream at "now". No replay of earlier
// events is performed; clients catch up by polling message state.
func (b *Broadcaster) Subscribe(conversationID string) *Subscriber {
	sub := &Subscriber{ch: make(chan Event, b.buffer)}
	b.mu.Lock()
	set := b.subs[conversationID]
	if set == nil {
		set = make(map[*Subscriber]struct{})
		b.subs[conversationID] = set
	}
	set[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes sub and closes its channel. Idempotent.
func (b *Broadcaster) Unsubscribe(conversationID string, sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dropLocked(conversationID, sub)
}

func (b *Broadcaster) dropLocked(conversationID string, sub *Subscriber) {
	set := b.subs[conversationID]
	if set == nil {
		return
	}
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(b.subs, conversationID)
	}
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
}

// Publish delivers ev to every subscriber of the conversation without
// blocking. Slow subscribers are disconnected, not waited on.
func (b *Broadcaster) Publish(conversationID string, ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs[conversationID] {
		select {
		case sub.ch <- ev:
		default:
			b.log.Warn("broadcast: subscriber too slow, disconnecting",
				"conversation_id", conversationID)
			b.dropLocked(conversationID, sub)
		}
	}
}

// Publisher returns a per-turn publishing handle for a conversation. Close
// is idempotent and stops further publishes from this handle only; it does
// not affect subscribers.
func (b *Broadcaster) Publisher(conversationID string) *Publisher {
	return &Publisher{b: b, conversationID: conversationID}
}

// Publisher is the turn engine's write side for one conversation.
type Publisher struct {
	b              *Broadcaster
	conversationID string
	closed         atomic.Bool
}

func (p *Publisher) publish(ev Event) {
	if p.closed.Load() {
		return
	}
	p.b.Publish(p.conversationID, ev)
}

// Sink adapts the publisher to the backend streaming callback.
func (p *Publisher) Sink() StreamSink {
	return func(text string, kind ChunkKind) {
		p.TextChunk(text, kind)
	}
}

func (p *Publisher) TextChunk(text string, kind ChunkKind) {
	p.publish(Event{Type: EventTextChunk, Kind: kind, Text: text})
}

func (p *Publisher) ToolRequest(call ToolCall) {
	p.publish(Event{Type: EventToolRequest, ToolCall: &call})
}

func (p *Publisher) ToolExecuting(call ToolCall) {
	p.publish(Event{Type: EventToolExecuting, ToolCall: &call})
}

func (p *Publisher) ToolCompleted(id, name string, success bool, output string) {
	p.publish(Event{Type: EventToolCompleted, ID: id, Name: name, Success: &success, Output: output})
}

func (p *Publisher) Completed() {
	p.publish(Event{Type: EventCompleted})
}

func (p *Publisher) Failed(msg string) {
	p.publish(Event{Type: EventFailed, Error: msg})
}

// Close releases the handle. Safe to call from every exit path.
func (p *Publisher) Close() error {
	p.closed.Store(true)
	return nil
}
