// Package stream fans provider events out to connected SSE clients and
// assembles streamed fragments into complete assistant messages.
package stream

import (
	"log/slog"
	"sync"
)

// Client-facing event names.
const (
	EventContent       = "content"
	EventImage         = "image"
	EventToolCall      = "tool-call"
	EventAction        = "action"
	EventClarification = "clarification"
	EventError         = "error"
	EventDone          = "done"
	EventCancelled     = "cancelled"
	EventWarning       = "warning"
)

// Event is one server-to-client SSE message.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// subscriberBuffer bounds the per-client queue. A slow client loses the
// oldest events rather than stalling the provider read loop.
const subscriberBuffer = 256

// pendingBuffer bounds events held for a chat with no connected client.
const pendingBuffer = 256

type channel struct {
	mu         sync.Mutex
	subscriber chan Event
	pending    []Event
	dropped    int
}

// Hub routes events by chatId. Events for one chat are delivered in
// publication order; across chats there is no ordering.
type Hub struct {
	mu       sync.Mutex
	channels map[string]*channel
}

func NewHub() *Hub {
	return &Hub{channels: make(map[string]*channel)}
}

func (h *Hub) channel(chatID string) *channel {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.channels[chatID]
	if !ok {
		c = &channel{}
		h.channels[chatID] = c
	}
	return c
}

// Publish delivers an event to the chat's subscriber, or buffers it when no
// client is connected. On overflow the oldest event is dropped and the loss
// is made visible to the client.
func (h *Hub) Publish(chatID string, event Event) {
	c := h.channel(chatID)
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.subscriber == nil {
		if len(c.pending) >= pendingBuffer {
			c.pending = c.pending[1:]
			c.dropped++
		}
		c.pending = append(c.pending, event)
		return
	}

	c.push(chatID, event)
}

// push assumes c.mu is held and a subscriber exists.
func (c *channel) push(chatID string, event Event) {
	select {
	case c.subscriber <- event:
		return
	default:
	}
	// Full: drop the two oldest so the loss notice and the event both fit.
	for i := 0; i < 2; i++ {
		select {
		case <-c.subscriber:
			c.dropped++
		default:
		}
	}
	slog.Warn("slow SSE client, dropping oldest events", "chatId", chatID, "dropped", c.dropped)
	select {
	case c.subscriber <- Event{Type: EventWarning, Data: map[string]any{"droppedEvents": c.dropped}}:
	default:
	}
	select {
	case c.subscriber <- event:
	default:
		c.dropped++
	}
}

// Subscribe attaches the (single) client for a chat, replaying any buffered
// events first. A second subscriber replaces the first. The returned cancel
// must be called when the client disconnects.
func (h *Hub) Subscribe(chatID string) (<-chan Event, func()) {
	c := h.channel(chatID)
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.subscriber != nil {
		close(c.subscriber)
	}
	sub := make(chan Event, subscriberBuffer)
	c.subscriber = sub

	for _, event := range c.pending {
		c.push(chatID, event)
	}
	c.pending = nil

	cancel := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.subscriber == sub {
			c.subscriber = nil
			close(sub)
		}
	}
	return sub, cancel
}

// Close tears a chat's channel down after the conversation ends.
func (h *Hub) Close(chatID string) {
	h.mu.Lock()
	c, ok := h.channels[chatID]
	if ok {
		delete(h.channels, chatID)
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subscriber != nil {
		close(c.subscriber)
		c.subscriber = nil
	}
}
