package registry

import (
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"panelhub/internal/wire"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeClient simulates a wire client; tests drive it via its callbacks.
type fakeClient struct {
	ip string
	cb wire.Callbacks

	mu          sync.Mutex
	connects    int
	disconnects int
	sent        []wire.Command
	sendOK      bool
}

func (f *fakeClient) Connect() {
	f.mu.Lock()
	f.connects++
	f.mu.Unlock()
	f.cb.OnStatus(wire.StatusConnecting, nil)
	f.cb.OnStatus(wire.StatusConnected, nil)
}

func (f *fakeClient) Disconnect() {
	f.mu.Lock()
	f.disconnects++
	f.mu.Unlock()
}

func (f *fakeClient) SendCommand(cmd wire.Command) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, cmd)
	return f.sendOK
}

type fakeFactory struct {
	mu      sync.Mutex
	clients map[string]*fakeClient
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{clients: make(map[string]*fakeClient)}
}

func (ff *fakeFactory) build(ip string, cb wire.Callbacks) WireClient {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	c := &fakeClient{ip: ip, cb: cb, sendOK: true}
	ff.clients[ip] = c
	return c
}

func (ff *fakeFactory) client(ip string) *fakeClient {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return ff.clients[ip]
}

func newTestRegistry(t *testing.T) (*Registry, *fakeFactory) {
	t.Helper()
	ff := newFakeFactory()
	r := New(testLogger(), WithClientFactory(ff.build), WithHeartbeatInterval(20*time.Millisecond))
	t.Cleanup(r.Close)
	return r, ff
}

type eventCollector struct {
	mu     sync.Mutex
	events []Event
}

func (c *eventCollector) collect(ev Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *eventCollector) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.Type
	}
	return out
}

func TestConnectPanelIsIdempotent(t *testing.T) {
	r, ff := newTestRegistry(t)

	r.ConnectPanel("10.0.0.7")
	r.ConnectPanel("10.0.0.7")

	if got := len(r.TrackedIPs()); got != 1 {
		t.Fatalf("tracked panels = %d, want 1", got)
	}
	if c := ff.client("10.0.0.7"); c.connects != 1 {
		t.Errorf("client connects = %d, want 1", c.connects)
	}
	if _, ok := r.PanelState("10.0.0.7"); !ok {
		t.Error("no state entry for connected panel")
	}
}

func TestStatusTransitionsUpdateStateAndBroadcast(t *testing.T) {
	r, ff := newTestRegistry(t)
	col := &eventCollector{}
	r.AddListener(col.collect)

	r.ConnectPanel("10.0.0.7")
	st, _ := r.PanelState("10.0.0.7")
	if st.Status != wire.StatusConnected || st.LastConnected.IsZero() {
		t.Errorf("state after connect = %+v", st)
	}

	ff.client("10.0.0.7").cb.OnStatus(wire.StatusError, errors.New("link reset"))
	st, _ = r.PanelState("10.0.0.7")
	if st.Status != wire.StatusError || st.LastError != "link reset" {
		t.Errorf("state after error = %+v", st)
	}

	types := col.types()
	if len(types) < 2 || types[len(types)-2] != EventConnected || types[len(types)-1] != EventError {
		t.Errorf("event types = %v, want ... connected, error", types)
	}
}

func TestUpdatesFlowIntoLiveState(t *testing.T) {
	r, ff := newTestRegistry(t)
	col := &eventCollector{}
	r.AddListener(col.collect)

	r.ConnectPanel("10.0.0.7")
	cb := ff.client("10.0.0.7").cb

	cb.OnUpdate(wire.Update{Tag: wire.TagState, Full: &wire.FullState{
		Relays:   []wire.Relay{{Index: 0, On: false}},
		Curtains: []wire.Curtain{{Index: 0, State: wire.CurtainClosed}},
	}})
	cb.OnUpdate(wire.Update{Tag: wire.TagRelay, Relay: &wire.RelayUpdate{Index: 0, On: true}})
	cb.OnUpdate(wire.Update{Tag: wire.TagCurtain, Curtain: &wire.CurtainUpdate{Index: 0, State: wire.CurtainOpening}})

	st, _ := r.PanelState("10.0.0.7")
	if st.Full == nil || !st.Full.Relays[0].On || st.Full.Curtains[0].State != wire.CurtainOpening {
		t.Fatalf("live state = %+v", st.Full)
	}

	types := col.types()
	wantTail := []string{EventFullState, EventRelayUpdate, EventCurtainUpdate}
	if len(types) < len(wantTail) {
		t.Fatalf("events = %v", types)
	}
	tail := types[len(types)-len(wantTail):]
	for i, w := range wantTail {
		if tail[i] != w {
			t.Errorf("event[%d] = %q, want %q", i, tail[i], w)
		}
	}
}

func TestInfoAndUnknownTagsBroadcastDistinctTypes(t *testing.T) {
	r, ff := newTestRegistry(t)
	col := &eventCollector{}
	r.AddListener(col.collect)

	r.ConnectPanel("10.0.0.7")
	cb := ff.client("10.0.0.7").cb

	cb.OnUpdate(wire.Update{Tag: wire.TagInfo, Info: &wire.InfoUpdate{DeviceID: "abc123", RSSI: -61}})
	raw := map[string]any{"event": "thermo", "temp": 21.5}
	cb.OnUpdate(wire.Update{Tag: wire.TagUnknown, Raw: raw})

	types := col.types()
	if len(types) < 2 {
		t.Fatalf("events = %v", types)
	}
	if got := types[len(types)-2]; got != EventInfoUpdate {
		t.Errorf("info event type = %q, want %q", got, EventInfoUpdate)
	}
	if got := types[len(types)-1]; got != wire.TagUnknown {
		t.Errorf("unknown event type = %q, want %q", got, wire.TagUnknown)
	}
	for _, typ := range types {
		if typ == EventFullState {
			t.Error("info/unknown update surfaced as a full-state push")
		}
	}

	col.mu.Lock()
	last := col.events[len(col.events)-1]
	col.mu.Unlock()
	data, ok := last.Data.(map[string]any)
	if !ok || data["event"] != "thermo" {
		t.Errorf("unknown event data = %#v, want original payload", last.Data)
	}
}

func TestNewListenerGetsReplay(t *testing.T) {
	r, ff := newTestRegistry(t)

	r.ConnectPanel("10.0.0.2")
	r.ConnectPanel("10.0.0.1")
	ff.client("10.0.0.1").cb.OnUpdate(wire.Update{Tag: wire.TagState, Full: &wire.FullState{
		Relays: []wire.Relay{{Index: 0, On: true}},
	}})

	col := &eventCollector{}
	r.AddListener(col.collect)

	col.mu.Lock()
	defer col.mu.Unlock()
	if len(col.events) != 2 {
		t.Fatalf("replay events = %d, want 2", len(col.events))
	}
	// Replay is ordered by IP and carries full panel state.
	if col.events[0].IP != "10.0.0.1" || col.events[1].IP != "10.0.0.2" {
		t.Errorf("replay order = %s, %s", col.events[0].IP, col.events[1].IP)
	}
	st, ok := col.events[0].Data.(PanelState)
	if !ok {
		t.Fatalf("replay data type = %T", col.events[0].Data)
	}
	if st.Full == nil || !st.Full.Relays[0].On {
		t.Errorf("replayed state = %+v", st.Full)
	}
	if col.events[0].Session != r.Session() {
		t.Error("replay missing session id")
	}
}

func TestListenerReplayFinishesBeforeLiveEvents(t *testing.T) {
	r, ff := newTestRegistry(t)
	r.ConnectPanel("10.0.0.7")
	cb := ff.client("10.0.0.7").cb

	col := &eventCollector{}
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	listener := func(ev Event) {
		once.Do(func() {
			close(entered)
			<-release
		})
		col.collect(ev)
	}

	added := make(chan struct{})
	go func() {
		r.AddListener(listener)
		close(added)
	}()

	// Fire a live update while the subscriber is still mid-replay.
	<-entered
	pushed := make(chan struct{})
	go func() {
		cb.OnUpdate(wire.Update{Tag: wire.TagRelay, Relay: &wire.RelayUpdate{Index: 0, On: true}})
		close(pushed)
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)
	<-added
	<-pushed

	types := col.types()
	if len(types) < 2 {
		t.Fatalf("events = %v", types)
	}
	if types[0] != EventConnected {
		t.Errorf("first event = %q, want replayed %q", types[0], EventConnected)
	}
	var sawLive bool
	for _, typ := range types {
		if typ == EventRelayUpdate {
			sawLive = true
		}
	}
	if !sawLive {
		t.Error("live update never delivered after replay")
	}
}

func TestRemoveListenerStopsDelivery(t *testing.T) {
	r, ff := newTestRegistry(t)
	col := &eventCollector{}
	id := r.AddListener(col.collect)

	r.ConnectPanel("10.0.0.7")
	before := len(col.types())

	r.RemoveListener(id)
	ff.client("10.0.0.7").cb.OnUpdate(wire.Update{Tag: wire.TagRelay, Relay: &wire.RelayUpdate{Index: 0, On: true}})

	if got := len(col.types()); got != before {
		t.Errorf("events after removal = %d, want %d", got, before)
	}
}

func TestSendCommandToManyReportsPerIP(t *testing.T) {
	r, ff := newTestRegistry(t)
	r.ConnectPanel("10.0.0.1")
	r.ConnectPanel("10.0.0.2")
	ff.client("10.0.0.2").mu.Lock()
	ff.client("10.0.0.2").sendOK = false
	ff.client("10.0.0.2").mu.Unlock()

	got := r.SendCommandToMany([]string{"10.0.0.1", "10.0.0.2", "10.0.0.9"},
		wire.Command{Command: wire.CmdToggleRelay, Index: wire.IntPtr(0)})

	if !got["10.0.0.1"] || got["10.0.0.2"] || got["10.0.0.9"] {
		t.Errorf("results = %v", got)
	}
}

func TestSendCommandUnknownIPReturnsFalse(t *testing.T) {
	r, _ := newTestRegistry(t)
	if r.SendCommand("10.0.0.99", wire.Command{Command: wire.CmdToggleRelay, Index: wire.IntPtr(0)}) {
		t.Error("send to untracked IP returned true")
	}
}

func TestDisconnectPanelRemovesEntry(t *testing.T) {
	r, ff := newTestRegistry(t)
	r.ConnectPanel("10.0.0.7")

	if !r.DisconnectPanel("10.0.0.7") {
		t.Fatal("DisconnectPanel returned false for tracked panel")
	}
	if ff.client("10.0.0.7").disconnects != 1 {
		t.Error("client was not disconnected")
	}
	if _, ok := r.PanelState("10.0.0.7"); ok {
		t.Error("state entry survived disconnect")
	}
	if r.DisconnectPanel("10.0.0.7") {
		t.Error("second disconnect returned true")
	}
}

func TestHeartbeatOnlyWithListeners(t *testing.T) {
	r, _ := newTestRegistry(t)

	// No listeners: nothing to observe, but also nothing should be pending
	// once one arrives late.
	col := &eventCollector{}
	r.AddListener(col.collect)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		for _, typ := range col.types() {
			if typ == EventHeartbeat {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no heartbeat delivered to registered listener")
}

func TestConnectedIPsTracksStatus(t *testing.T) {
	r, ff := newTestRegistry(t)
	r.ConnectPanels([]string{"10.0.0.2", "10.0.0.1"})

	ips := r.ConnectedIPs()
	if len(ips) != 2 || ips[0] != "10.0.0.1" || ips[1] != "10.0.0.2" {
		t.Fatalf("connected = %v", ips)
	}

	ff.client("10.0.0.1").cb.OnStatus(wire.StatusError, errors.New("gone"))
	ips = r.ConnectedIPs()
	if len(ips) != 1 || ips[0] != "10.0.0.2" {
		t.Errorf("connected after error = %v", ips)
	}
}
