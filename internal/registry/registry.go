// Package registry owns the set of live panel connections. It holds one
// wire client and one authoritative live state per connected IP, translates
// raw client callbacks into typed broadcast events, and dispatches commands
// to one, many, or all panels.
package registry

import (
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"sort"
	"sync"
	"time"

	"panelhub/internal/wire"
)

// PanelState is the registry's authoritative live view of one panel.
// Only the owning wire client's callbacks mutate it.
type PanelState struct {
	IP            string          `json:"ip"`
	Status        wire.Status     `json:"status"`
	LastConnected time.Time       `json:"last_connected,omitzero"`
	LastError     string          `json:"last_error,omitempty"`
	Full          *wire.FullState `json:"full_state,omitempty"`
	LastUpdated   time.Time       `json:"last_updated"`
}

// WireClient is the client surface the registry depends on. Production uses
// wire.Client; tests inject fakes.
type WireClient interface {
	Connect()
	Disconnect()
	SendCommand(cmd wire.Command) bool
}

// ClientFactory builds a wire client for ip reporting through cb.
type ClientFactory func(ip string, cb wire.Callbacks) WireClient

type panelEntry struct {
	client WireClient
	state  PanelState
}

const defaultHeartbeat = 30 * time.Second

// Registry is constructed once at process start and shared by reference.
type Registry struct {
	logger    *slog.Logger
	session   string
	newClient ClientFactory
	heartbeat time.Duration

	mu        sync.RWMutex
	panels    map[string]*panelEntry
	listeners map[uint64]Listener
	nextID    uint64

	// deliverMu serializes event delivery with subscription replay, so a
	// fresh listener never sees a live event before its state snapshot.
	deliverMu sync.Mutex

	done     chan struct{}
	stopOnce sync.Once
}

// Option configures a Registry.
type Option func(*Registry)

// WithClientFactory replaces the wire client constructor (used by tests).
func WithClientFactory(f ClientFactory) Option {
	return func(r *Registry) { r.newClient = f }
}

// WithHeartbeatInterval overrides the push keepalive interval.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(r *Registry) { r.heartbeat = d }
}

// New creates a registry and starts its heartbeat loop.
func New(logger *slog.Logger, opts ...Option) *Registry {
	r := &Registry{
		logger:    logger.With("component", "registry"),
		session:   newSessionID(),
		heartbeat: defaultHeartbeat,
		panels:    make(map[string]*panelEntry),
		listeners: make(map[uint64]Listener),
		done:      make(chan struct{}),
	}
	r.newClient = func(ip string, cb wire.Callbacks) WireClient {
		return wire.NewClient(ip, cb, logger)
	}
	for _, opt := range opts {
		opt(r)
	}
	go r.heartbeatLoop()
	return r
}

func newSessionID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// Session identifies this process lifetime in every broadcast event.
func (r *Registry) Session() string { return r.session }

// Close disconnects every panel and stops the heartbeat.
func (r *Registry) Close() {
	r.stopOnce.Do(func() { close(r.done) })

	r.mu.Lock()
	entries := make([]*panelEntry, 0, len(r.panels))
	for _, e := range r.panels {
		entries = append(entries, e)
	}
	r.panels = make(map[string]*panelEntry)
	r.mu.Unlock()

	for _, e := range entries {
		e.client.Disconnect()
	}
}

// ConnectPanel starts tracking ip. Idempotent: a second call for a tracked
// IP is a no-op, never a duplicate connection.
func (r *Registry) ConnectPanel(ip string) {
	r.mu.Lock()
	if _, ok := r.panels[ip]; ok {
		r.mu.Unlock()
		return
	}
	entry := &panelEntry{
		state: PanelState{IP: ip, Status: wire.StatusDisconnected, LastUpdated: time.Now()},
	}
	entry.client = r.newClient(ip, wire.Callbacks{
		OnUpdate: func(u wire.Update) { r.onUpdate(ip, u) },
		OnStatus: func(s wire.Status, err error) { r.onStatus(ip, s, err) },
	})
	r.panels[ip] = entry
	r.mu.Unlock()

	r.logger.Info("panel connect", "ip", ip)
	entry.client.Connect()
}

// ConnectPanels connects every IP in ips.
func (r *Registry) ConnectPanels(ips []string) {
	for _, ip := range ips {
		r.ConnectPanel(ip)
	}
}

// DisconnectPanel stops tracking ip and tears down its connection.
// Returns false if the IP was not tracked.
func (r *Registry) DisconnectPanel(ip string) bool {
	r.mu.Lock()
	entry, ok := r.panels[ip]
	if ok {
		delete(r.panels, ip)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}

	entry.client.Disconnect()
	r.logger.Info("panel disconnect", "ip", ip)
	r.broadcast(Event{Type: EventDisconnected, IP: ip})
	return true
}

// SendCommand delivers cmd to ip. False means not delivered.
func (r *Registry) SendCommand(ip string, cmd wire.Command) bool {
	r.mu.RLock()
	entry, ok := r.panels[ip]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return entry.client.SendCommand(cmd)
}

// SendCommandToMany delivers cmd to each IP, reporting per-IP success.
func (r *Registry) SendCommandToMany(ips []string, cmd wire.Command) map[string]bool {
	out := make(map[string]bool, len(ips))
	for _, ip := range ips {
		out[ip] = r.SendCommand(ip, cmd)
	}
	return out
}

// BroadcastCommand delivers cmd to every tracked panel.
func (r *Registry) BroadcastCommand(cmd wire.Command) map[string]bool {
	return r.SendCommandToMany(r.TrackedIPs(), cmd)
}

// PanelState returns a copy of the live state for ip.
func (r *Registry) PanelState(ip string) (PanelState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.panels[ip]
	if !ok {
		return PanelState{}, false
	}
	return copyState(entry.state), true
}

// AllStates returns every tracked panel's state, sorted by IP.
func (r *Registry) AllStates() []PanelState {
	r.mu.RLock()
	out := make([]PanelState, 0, len(r.panels))
	for _, entry := range r.panels {
		out = append(out, copyState(entry.state))
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].IP < out[j].IP })
	return out
}

// TrackedIPs returns every tracked IP, connected or not, sorted.
func (r *Registry) TrackedIPs() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.panels))
	for ip := range r.panels {
		out = append(out, ip)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// ConnectedIPs returns the IPs with a live connection, sorted.
func (r *Registry) ConnectedIPs() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.panels))
	for ip, entry := range r.panels {
		if entry.state.Status == wire.StatusConnected {
			out = append(out, ip)
		}
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// AddListener registers fn and immediately replays the current state of
// every known panel to it, so late subscribers need no separate state fetch.
// The replay finishes before any concurrent broadcast reaches fn.
func (r *Registry) AddListener(fn Listener) uint64 {
	r.deliverMu.Lock()
	defer r.deliverMu.Unlock()

	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.listeners[id] = fn
	r.mu.Unlock()

	for _, ev := range r.StateEvents() {
		r.deliver(fn, ev)
	}
	return id
}

// StateEvents builds one event per known panel carrying its full live
// state, ordered by IP. This is the replay a fresh subscriber receives.
func (r *Registry) StateEvents() []Event {
	states := r.AllStates()
	now := time.Now()
	out := make([]Event, 0, len(states))
	for _, st := range states {
		out = append(out, Event{
			Type:      statusEventType(st.Status),
			IP:        st.IP,
			Timestamp: now,
			Session:   r.session,
			Data:      st,
		})
	}
	return out
}

// RemoveListener unregisters a listener by its AddListener handle.
func (r *Registry) RemoveListener(id uint64) {
	r.mu.Lock()
	delete(r.listeners, id)
	r.mu.Unlock()
}

func statusEventType(s wire.Status) string {
	switch s {
	case wire.StatusConnected:
		return EventConnected
	case wire.StatusError:
		return EventError
	default:
		return EventDisconnected
	}
}

// onStatus is the single writer of connection status for ip.
func (r *Registry) onStatus(ip string, s wire.Status, err error) {
	r.mu.Lock()
	entry, ok := r.panels[ip]
	if !ok {
		r.mu.Unlock()
		return
	}
	entry.state.Status = s
	entry.state.LastUpdated = time.Now()
	switch s {
	case wire.StatusConnected:
		entry.state.LastConnected = time.Now()
		entry.state.LastError = ""
	case wire.StatusError:
		if err != nil {
			entry.state.LastError = err.Error()
		}
	}
	r.mu.Unlock()

	switch s {
	case wire.StatusConnected:
		r.broadcast(Event{Type: EventConnected, IP: ip})
	case wire.StatusError:
		msg := ""
		if err != nil {
			msg = err.Error()
		}
		r.broadcast(Event{Type: EventError, IP: ip, Data: map[string]string{"error": msg}})
	case wire.StatusDisconnected:
		r.broadcast(Event{Type: EventDisconnected, IP: ip})
	}
	// Connecting is tracked in state but not broadcast; subscribers only
	// care about settled transitions.
}

// onUpdate relays one parsed wire event into the live state and out to
// listeners.
func (r *Registry) onUpdate(ip string, u wire.Update) {
	r.mu.Lock()
	entry, ok := r.panels[ip]
	if !ok {
		r.mu.Unlock()
		return
	}
	entry.state.Full = entry.state.Full.Apply(u)
	entry.state.LastUpdated = time.Now()
	full := entry.state.Full.Clone()
	r.mu.Unlock()

	switch u.Tag {
	case wire.TagState:
		r.broadcast(Event{Type: EventFullState, IP: ip, Data: full})
	case wire.TagRelay:
		r.broadcast(Event{Type: EventRelayUpdate, IP: ip, Data: u.Relay})
	case wire.TagCurtain:
		r.broadcast(Event{Type: EventCurtainUpdate, IP: ip, Data: u.Curtain})
	case wire.TagContact:
		r.broadcast(Event{Type: EventContactUpdate, IP: ip, Data: u.Contact})
	case wire.TagInfo:
		r.broadcast(Event{Type: EventInfoUpdate, IP: ip, Data: full})
	default:
		// Forward-compatible: unknown tags pass through under their own
		// tag so subscribers can tell them from a real full-state push.
		r.broadcast(Event{Type: u.Tag, IP: ip, Data: u.Raw})
	}
}

// heartbeatLoop keeps downstream push transports alive while anyone is
// listening. Carries no device data.
func (r *Registry) heartbeatLoop() {
	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.mu.RLock()
			n := len(r.listeners)
			r.mu.RUnlock()
			if n > 0 {
				r.broadcast(Event{Type: EventHeartbeat})
			}
		}
	}
}

func copyState(s PanelState) PanelState {
	out := s
	out.Full = s.Full.Clone()
	return out
}
