// Package events provides a publish/subscribe event bus for
// operational observability. Events flow from the MCP client core
// (connection lifecycle, tool calls, plugin lifecycle) to subscribers
// such as the CLI or an embedding application. The bus is nil-safe:
// calling Publish on a nil *Bus is a no-op, so components do not need
// guard checks.
//
// Delivery here is advisory and drop-on-full. The lossless, strictly
// ordered event stream that plugins receive is handled separately by
// the plugin manager's per-plugin dispatch queues.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceMCP identifies events from the MCP connection core.
	SourceMCP = "mcp"
	// SourceTools identifies events from the tool registry and calls.
	SourceTools = "tools"
	// SourcePlugin identifies events from the plugin manager.
	SourcePlugin = "plugin"
)

// Kind constants describe the type of event within a source.
const (
	// KindConnected signals the connection reached Ready.
	// Data: server_name, server_version, protocol_version.
	KindConnected = "connected"
	// KindDisconnected signals the connection ended.
	// Data: reason.
	KindDisconnected = "disconnected"
	// KindStateChange signals a negotiation state transition.
	// Data: from, to.
	KindStateChange = "state_change"

	// KindToolCall signals the start of a tool invocation.
	// Data: tool.
	KindToolCall = "tool_call"
	// KindToolDone signals completion of a tool invocation.
	// Data: tool, ok, duration_ms.
	KindToolDone = "tool_done"
	// KindToolsRefreshed signals the catalog was re-discovered.
	// Data: count.
	KindToolsRefreshed = "tools_refreshed"

	// KindPluginLoaded signals a plugin finished loading.
	// Data: plugin_id, plugin_type.
	KindPluginLoaded = "plugin_loaded"
	// KindPluginUnloaded signals a plugin was unloaded.
	// Data: plugin_id.
	KindPluginUnloaded = "plugin_unloaded"
	// KindPluginFailed signals a plugin hook failure.
	// Data: plugin_id, hook, error.
	KindPluginFailed = "plugin_failed"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive
// events on buffered channels; slow subscribers miss events rather
// than blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs, so Unsubscribe
	// can accept the caller's <-chan Event view.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op). A zero
// Timestamp is stamped with the current time.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full — drop rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 suits interactive consumers.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
