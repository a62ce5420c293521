package eventsub

import (
	"context"
	"encoding/json"
)

// EventType identifies a platform event kind and the schema version the
// manager subscribes with.
type EventType struct {
	Name    string
	Version string
}

// StreamOnline fires when a broadcaster goes live.
var StreamOnline = EventType{Name: "stream.online", Version: "1"}

// StreamOnlineCondition scopes a stream.online subscription to one channel.
type StreamOnlineCondition struct {
	BroadcasterUserID string `json:"broadcaster_user_id"`
}

// StreamOnlineEvent is the notification payload for stream.online.
type StreamOnlineEvent struct {
	ID                   string `json:"id"`
	BroadcasterUserID    string `json:"broadcaster_user_id"`
	BroadcasterUserLogin string `json:"broadcaster_user_login"`
	BroadcasterUserName  string `json:"broadcaster_user_name"`
	Type                 string `json:"type"`
	StartedAt            string `json:"started_at"`
}

// DecodeStreamOnline decodes a raw event payload received from a
// stream.online subscription.
func DecodeStreamOnline(raw json.RawMessage) (StreamOnlineEvent, error) {
	var ev StreamOnlineEvent
	err := json.Unmarshal(raw, &ev)
	return ev, err
}

// Subscription is the consumer handle for one webhook subscription. The
// manager retains the producing side; the two share the status cell and
// queue, nothing else.
type Subscription struct {
	id        string
	eventType EventType
	status    *StatusCell
	queue     *eventQueue
	onClose   func()
}

// ID returns the platform-assigned subscription id.
func (s *Subscription) ID() string { return s.id }

// Type returns the event type this subscription delivers.
func (s *Subscription) Type() EventType { return s.eventType }

// Status returns the current lifecycle state.
func (s *Subscription) Status() Status { return s.status.Load() }

// Recv blocks until the next event payload arrives. It returns
// ErrQueueClosed once the subscription is revoked or closed and the queue
// has drained, which the caller should treat as a signal to re-subscribe.
func (s *Subscription) Recv(ctx context.Context) (json.RawMessage, error) {
	if !s.status.Load().OK() {
		s.queue.close()
	}
	return s.queue.recv(ctx)
}

// Close drops the consumer side. Subsequent deliveries fail, prompting the
// manager to deregister the subscription remotely.
func (s *Subscription) Close() {
	s.queue.close()
	if s.onClose != nil {
		s.onClose()
	}
}
