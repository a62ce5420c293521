package eventsub

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
)

// Status is the lifecycle state of a webhook subscription.
type Status int32

const (
	StatusUnknown Status = iota
	StatusEnabled
	StatusVerificationPending
	StatusVerificationFailed
	StatusNotificationFailuresExceeded
	StatusAuthorizationRevoked
	StatusModeratorRemoved
	StatusUserRemoved
	StatusVersionRemoved
)

var statusNames = map[Status]string{
	StatusEnabled:                      "enabled",
	StatusVerificationPending:          "webhook_callback_verification_pending",
	StatusVerificationFailed:           "webhook_callback_verification_failed",
	StatusNotificationFailuresExceeded: "notification_failures_exceeded",
	StatusAuthorizationRevoked:         "authorization_revoked",
	StatusModeratorRemoved:             "moderator_removed",
	StatusUserRemoved:                  "user_removed",
	StatusVersionRemoved:               "version_removed",
}

var statusValues = func() map[string]Status {
	m := make(map[string]Status, len(statusNames))
	for k, v := range statusNames {
		m[v] = k
	}
	return m
}()

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int32(s))
}

// OK reports whether the subscription can still deliver events.
func (s Status) OK() bool {
	return s == StatusEnabled || s == StatusVerificationPending
}

// MarshalJSON encodes the platform wire name.
func (s Status) MarshalJSON() ([]byte, error) {
	name, ok := statusNames[s]
	if !ok {
		return nil, fmt.Errorf("eventsub: cannot marshal status %d", int32(s))
	}
	return json.Marshal(name)
}

// UnmarshalJSON decodes the platform wire name.
func (s *Status) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	v, ok := statusValues[name]
	if !ok {
		return fmt.Errorf("eventsub: unknown subscription status %q", name)
	}
	*s = v
	return nil
}

// StatusCell is an atomically mutable status shared between the manager's
// index entry (producer) and the subscription handle (observer). Sharing the
// cell avoids a back-pointer from handle to manager.
type StatusCell struct {
	v atomic.Int32
}

// NewStatusCell returns a cell initialized to s.
func NewStatusCell(s Status) *StatusCell {
	c := &StatusCell{}
	c.v.Store(int32(s))
	return c
}

// Load returns the current status.
func (c *StatusCell) Load() Status { return Status(c.v.Load()) }

// CompareAndSwap transitions old → new atomically, reporting success.
func (c *StatusCell) CompareAndSwap(old, new Status) bool {
	return c.v.CompareAndSwap(int32(old), int32(new))
}

// Swap stores s and returns the previous status.
func (c *StatusCell) Swap(s Status) Status {
	return Status(c.v.Swap(int32(s)))
}
