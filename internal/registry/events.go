package registry

import (
	"time"
)

// Broadcast event types.
const (
	EventConnected     = "connected"
	EventDisconnected  = "disconnected"
	EventFullState     = "full_state"
	EventRelayUpdate   = "relay_update"
	EventCurtainUpdate = "curtain_update"
	EventContactUpdate = "contact_update"
	EventInfoUpdate    = "info_update"
	EventError         = "error"
	EventHeartbeat     = "heartbeat"
)

// Event is one typed registry broadcast. Session identifies the process
// lifetime so reconnecting push clients can detect a restart and resync.
type Event struct {
	Type      string    `json:"type"`
	IP        string    `json:"ip,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Session   string    `json:"session"`
	Data      any       `json:"data,omitempty"`
}

// Listener receives registry events. Listeners are called synchronously
// from registry goroutines and must not block.
type Listener func(Event)

func (r *Registry) broadcast(ev Event) {
	ev.Timestamp = time.Now()
	ev.Session = r.session

	r.deliverMu.Lock()
	defer r.deliverMu.Unlock()

	r.mu.RLock()
	listeners := make([]Listener, 0, len(r.listeners))
	for _, l := range r.listeners {
		listeners = append(listeners, l)
	}
	r.mu.RUnlock()

	for _, l := range listeners {
		r.deliver(l, ev)
	}
}

// deliver invokes one listener, recovering a panicking handler so a bad
// subscriber cannot take down the fan-out.
func (r *Registry) deliver(l Listener, ev Event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("listener panic", "type", ev.Type, "panic", rec)
		}
	}()
	l(ev)
}
