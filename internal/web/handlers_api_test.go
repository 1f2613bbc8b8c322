package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"panelhub/internal/actions"
	"panelhub/internal/discovery"
	"panelhub/internal/registry"
	"panelhub/internal/store"
	"panelhub/internal/wire"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeClient stands in for a wire client: Connect immediately reports a
// live connection and every accepted command is recorded.
type fakeClient struct {
	ip string
	cb wire.Callbacks

	mu     sync.Mutex
	sent   []wire.Command
	sendOK bool
}

func (f *fakeClient) Connect() {
	f.cb.OnStatus(wire.StatusConnecting, nil)
	f.cb.OnStatus(wire.StatusConnected, nil)
}

func (f *fakeClient) Disconnect() {
	f.cb.OnStatus(wire.StatusDisconnected, nil)
}

func (f *fakeClient) SendCommand(cmd wire.Command) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.sendOK {
		return false
	}
	f.sent = append(f.sent, cmd)
	return true
}

func (f *fakeClient) sentCommands() []wire.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]wire.Command(nil), f.sent...)
}

type fakeFactory struct {
	mu      sync.Mutex
	clients map[string]*fakeClient
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{clients: make(map[string]*fakeClient)}
}

func (ff *fakeFactory) build(ip string, cb wire.Callbacks) *fakeClient {
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

// memStore is an in-memory store.Store for handler tests.
type memStore struct {
	mu     sync.Mutex
	panels map[string]*store.PanelMeta
}

func newMemStore() *memStore {
	return &memStore{panels: make(map[string]*store.PanelMeta)}
}

func (m *memStore) SavePanel(meta *store.PanelMeta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *meta
	m.panels[meta.IP] = &cp
	return nil
}

func (m *memStore) GetPanel(ip string) (*store.PanelMeta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta, ok := m.panels[ip]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *meta
	return &cp, nil
}

func (m *memStore) DeletePanel(ip string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.panels[ip]; !ok {
		return store.ErrNotFound
	}
	delete(m.panels, ip)
	return nil
}

func (m *memStore) ListPanels() ([]*store.PanelMeta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*store.PanelMeta, 0, len(m.panels))
	for _, meta := range m.panels {
		cp := *meta
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IP < out[j].IP })
	return out, nil
}

func (m *memStore) RecordSighting(ip string, fn func(*store.PanelMeta)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta, ok := m.panels[ip]
	if !ok {
		meta = &store.PanelMeta{IP: ip, FirstSeen: time.Now()}
		m.panels[ip] = meta
	}
	meta.LastSeen = time.Now()
	meta.DiscoveryCount++
	if fn != nil {
		fn(meta)
	}
	return nil
}

func (m *memStore) Close() error { return nil }

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func textResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     make(http.Header),
	}
}

type testEnv struct {
	server  *Server
	factory *fakeFactory
	meta    *memStore
}

func newTestEnv(t *testing.T, opts ...ServerOption) *testEnv {
	t.Helper()
	logger := testLogger()
	factory := newFakeFactory()

	reg := registry.New(logger, registry.WithClientFactory(
		func(ip string, cb wire.Callbacks) registry.WireClient {
			return factory.build(ip, cb)
		}))

	exec := actions.NewExecutor(reg, logger,
		actions.WithTimings(5*time.Millisecond, 5*time.Millisecond, 200*time.Millisecond, time.Second))

	transport := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		switch r.URL.Host + r.URL.Path {
		case "10.9.9.1/":
			return textResponse(200, "<html>wifi-panel v2</html>"), nil
		case "10.9.9.1/api/settings":
			return textResponse(200, `{"name":"Hallway","long_press_ms":800}`), nil
		case "10.9.9.2/":
			return textResponse(200, "<html>nginx</html>"), nil
		default:
			return nil, fmt.Errorf("connect: no route to host")
		}
	})
	progress := discovery.NewProgress()
	phases := []discovery.Phase{{Name: "fast", Timeout: 100 * time.Millisecond, Concurrency: 4}}
	scanner := discovery.NewScanner(progress, logger,
		discovery.WithHTTPClient(&http.Client{Transport: transport}),
		discovery.WithPhases(phases, phases))

	meta := newMemStore()
	srv := NewServer(reg, exec, scanner, progress, meta, logger, opts...)
	t.Cleanup(func() {
		srv.Stop()
		exec.Close()
		reg.Close()
	})
	return &testEnv{server: srv, factory: factory, meta: meta}
}

func (env *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)
	return rec
}

func decodeInto(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func (env *testEnv) connectPanel(t *testing.T, ip string) {
	t.Helper()
	rec := env.do(t, "POST", "/api/panels/connect", map[string]any{"ips": []string{ip}})
	if rec.Code != http.StatusOK {
		t.Fatalf("connect %s: status %d: %s", ip, rec.Code, rec.Body.String())
	}
}

func TestAPIListPanels(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, "GET", "/api/panels", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Session string                `json:"session"`
		Panels  []registry.PanelState `json:"panels"`
	}
	decodeInto(t, rec, &resp)
	if resp.Session == "" {
		t.Error("session missing from panel list")
	}
	if len(resp.Panels) != 0 {
		t.Errorf("panels = %d, want 0", len(resp.Panels))
	}

	env.connectPanel(t, "192.168.1.50")
	rec = env.do(t, "GET", "/api/panels", nil)
	decodeInto(t, rec, &resp)
	if len(resp.Panels) != 1 || resp.Panels[0].IP != "192.168.1.50" {
		t.Fatalf("panels = %+v, want one entry for 192.168.1.50", resp.Panels)
	}
	if resp.Panels[0].Status != wire.StatusConnected {
		t.Errorf("status = %q, want connected", resp.Panels[0].Status)
	}
}

func TestAPIGetPanelNotFound(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, "GET", "/api/panels/10.0.0.99", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestAPIDisconnectPanel(t *testing.T) {
	env := newTestEnv(t)
	env.connectPanel(t, "192.168.1.50")

	rec := env.do(t, "DELETE", "/api/panels/192.168.1.50", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	rec = env.do(t, "DELETE", "/api/panels/192.168.1.50", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", rec.Code)
	}
}

func TestAPICommandToPanels(t *testing.T) {
	env := newTestEnv(t)
	env.connectPanel(t, "192.168.1.50")
	env.connectPanel(t, "192.168.1.51")

	rec := env.do(t, "POST", "/api/command", map[string]any{
		"ips": []string{"192.168.1.50"}, "command": "set_relay", "index": 2, "state": true,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Success bool            `json:"success"`
		Sent    int             `json:"sent"`
		Failed  int             `json:"failed"`
		Results map[string]bool `json:"results"`
	}
	decodeInto(t, rec, &resp)
	if !resp.Success || !resp.Results["192.168.1.50"] {
		t.Errorf("resp = %+v, want success for 192.168.1.50", resp)
	}
	if resp.Sent != 1 || resp.Failed != 0 {
		t.Errorf("counts = %d sent / %d failed, want 1/0", resp.Sent, resp.Failed)
	}

	sent := env.factory.client("192.168.1.50").sentCommands()
	if len(sent) != 1 || sent[0].Command != wire.CmdSetRelay {
		t.Fatalf("sent = %+v, want one set_relay", sent)
	}
	if sent[0].Index == nil || *sent[0].Index != 2 || sent[0].State == nil || !*sent[0].State {
		t.Errorf("set_relay payload = %+v, want index 2 state true", sent[0])
	}
	if got := env.factory.client("192.168.1.51").sentCommands(); len(got) != 0 {
		t.Errorf("untargeted panel received %d commands", len(got))
	}
}

func TestAPICommandBroadcast(t *testing.T) {
	env := newTestEnv(t)
	env.connectPanel(t, "192.168.1.50")
	env.connectPanel(t, "192.168.1.51")

	rec := env.do(t, "POST", "/api/command", map[string]any{
		"ips": "*", "command": "all_off",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Sent    int             `json:"sent"`
		Results map[string]bool `json:"results"`
	}
	decodeInto(t, rec, &resp)
	if len(resp.Results) != 2 || resp.Sent != 2 {
		t.Fatalf("results = %+v sent = %d, want both panels", resp.Results, resp.Sent)
	}
	for _, ip := range []string{"192.168.1.50", "192.168.1.51"} {
		if got := env.factory.client(ip).sentCommands(); len(got) != 1 || got[0].Command != wire.CmdAllOff {
			t.Errorf("%s sent = %+v, want one all_off", ip, got)
		}
	}
}

func TestAPICommandReportsAggregateCounts(t *testing.T) {
	env := newTestEnv(t)
	env.connectPanel(t, "192.168.1.50")
	env.connectPanel(t, "192.168.1.51")

	dead := env.factory.client("192.168.1.51")
	dead.mu.Lock()
	dead.sendOK = false
	dead.mu.Unlock()

	rec := env.do(t, "POST", "/api/command", map[string]any{
		"ips": []string{"192.168.1.50", "192.168.1.51"}, "command": "toggle_all",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Success bool            `json:"success"`
		Sent    int             `json:"sent"`
		Failed  int             `json:"failed"`
		Results map[string]bool `json:"results"`
	}
	decodeInto(t, rec, &resp)
	if resp.Success {
		t.Error("success = true with a failed delivery")
	}
	if resp.Sent != 1 || resp.Failed != 1 {
		t.Errorf("counts = %d sent / %d failed, want 1/1", resp.Sent, resp.Failed)
	}
	if !resp.Results["192.168.1.50"] || resp.Results["192.168.1.51"] {
		t.Errorf("results = %+v", resp.Results)
	}
}

func TestAPICommandValidation(t *testing.T) {
	env := newTestEnv(t)
	env.connectPanel(t, "192.168.1.50")

	cases := []struct {
		name string
		body map[string]any
	}{
		{"disallowed command", map[string]any{"ips": "*", "command": "update"}},
		{"unknown command", map[string]any{"ips": "*", "command": "explode"}},
		{"empty target list", map[string]any{"ips": []string{}, "command": "all_off"}},
		{"bad ips shape", map[string]any{"ips": 42, "command": "all_off"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.do(t, "POST", "/api/command", tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400: %s", rec.Code, rec.Body.String())
			}
		})
	}
	if got := env.factory.client("192.168.1.50").sentCommands(); len(got) != 0 {
		t.Errorf("rejected requests still sent %d commands", len(got))
	}
}

func TestAPIDiscoverRecordsSightings(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, "POST", "/api/discover", map[string]any{
		"base_ip": "10.9.9", "start": 1, "end": 3,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var report discovery.Report
	decodeInto(t, rec, &report)
	if report.Summary.PanelsFound != 1 || report.Summary.NotPanels != 1 || report.Summary.NoResponse != 1 {
		t.Fatalf("summary = %+v, want 1 panel / 1 not-panel / 1 no-response", report.Summary)
	}

	meta, err := env.meta.GetPanel("10.9.9.1")
	if err != nil {
		t.Fatalf("panel sighting was not recorded: %v", err)
	}
	if meta.Name != "Hallway" {
		t.Errorf("meta name = %q, want Hallway", meta.Name)
	}
	if meta.DiscoveryCount != 1 {
		t.Errorf("discovery count = %d, want 1", meta.DiscoveryCount)
	}
	if meta.LongPressMs == nil || *meta.LongPressMs != 800 {
		t.Errorf("long press = %v, want 800", meta.LongPressMs)
	}
	if _, err := env.meta.GetPanel("10.9.9.2"); err == nil {
		t.Error("non-panel address was recorded as known panel")
	}
}

func TestAPIDiscoverOutlivesRequestContext(t *testing.T) {
	env := newTestEnv(t)

	body, err := json.Marshal(map[string]any{"base_ip": "10.9.9", "start": 1, "end": 3})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest("POST", "/api/discover", bytes.NewReader(body)).WithContext(ctx)
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)

	// A client that drops mid-sweep must not turn the remaining range
	// into no-response results.
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var report discovery.Report
	decodeInto(t, rec, &report)
	if report.Summary.PanelsFound != 1 || report.Summary.NotPanels != 1 || report.Summary.NoResponse != 1 {
		t.Fatalf("summary = %+v, want 1 panel / 1 not-panel / 1 no-response", report.Summary)
	}
}

func TestAPIDiscoverRejectsBadRange(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, "POST", "/api/discover", map[string]any{
		"base_ip": "10.9.9.9", "start": 1, "end": 3,
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestAPIKnownPanels(t *testing.T) {
	env := newTestEnv(t)
	env.meta.RecordSighting("10.9.9.1", func(m *store.PanelMeta) { m.Name = "Hallway" })

	rec := env.do(t, "GET", "/api/panels/known", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var metas []*store.PanelMeta
	decodeInto(t, rec, &metas)
	if len(metas) != 1 || metas[0].Name != "Hallway" {
		t.Errorf("metas = %+v, want one Hallway entry", metas)
	}
}

func TestAPIActionLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.connectPanel(t, "192.168.1.50")

	rec := env.do(t, "POST", "/api/actions", map[string]any{
		"owner_id": "panel-a",
		"action": map[string]any{
			"name": "evening",
			"stages": []map[string]any{
				{"actions": []map[string]any{{"switch_id": "192.168.1.50:light:0", "action": "on"}}},
			},
			"scheduling": []map[string]any{},
		},
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var started struct {
		ExecutionID string `json:"execution_id"`
	}
	decodeInto(t, rec, &started)
	if started.ExecutionID == "" {
		t.Fatal("no execution id returned")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		rec = env.do(t, "GET", "/api/actions/"+started.ExecutionID, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("progress status = %d", rec.Code)
		}
		var p actions.Progress
		decodeInto(t, rec, &p)
		if p.State == actions.StateCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("execution never completed, last progress %+v", p)
		}
		time.Sleep(5 * time.Millisecond)
	}

	sent := env.factory.client("192.168.1.50").sentCommands()
	if len(sent) != 1 || sent[0].Command != wire.CmdSetRelay {
		t.Errorf("sent = %+v, want one set_relay", sent)
	}
}

func TestAPIStopActionStopsCurtainsByDefault(t *testing.T) {
	env := newTestEnv(t)
	env.connectPanel(t, "192.168.1.50")

	rec := env.do(t, "POST", "/api/actions", map[string]any{
		"owner_id": "panel-a",
		"action": map[string]any{
			"name": "shade-then-light",
			"stages": []map[string]any{
				{"actions": []map[string]any{{"switch_id": "192.168.1.50:shade:0", "action": "open"}}},
				{"actions": []map[string]any{{"switch_id": "192.168.1.50:light:0", "action": "on"}}},
			},
			"scheduling": []map[string]any{{"type": "delay", "delay_ms": 60000}},
		},
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var started struct {
		ExecutionID string `json:"execution_id"`
	}
	decodeInto(t, rec, &started)

	// Wait for the shade command so the stop lands mid-delay.
	client := env.factory.client("192.168.1.50")
	deadline := time.Now().Add(2 * time.Second)
	for len(client.sentCommands()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("shade open command never dispatched")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// No body on the stop request: curtain stops must still go out.
	rec = env.do(t, "POST", "/api/actions/"+started.ExecutionID+"/stop", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stop status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Success         bool `json:"success"`
		CurtainsStopped int  `json:"curtains_stopped"`
	}
	decodeInto(t, rec, &resp)
	if !resp.Success || resp.CurtainsStopped != 1 {
		t.Fatalf("resp = %+v, want success with one curtain stopped", resp)
	}

	sent := client.sentCommands()
	last := sent[len(sent)-1]
	if last.Command != wire.CmdCurtain || last.Action != wire.CurtainActionStop {
		t.Errorf("last command = %+v, want curtain stop", last)
	}
}

func TestAPIStopUnknownAction(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, "POST", "/api/actions/exec-nope/stop", map[string]any{"stop_curtains": true})
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestAPIStartActionRejectsInvalid(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, "POST", "/api/actions", map[string]any{
		"owner_id": "panel-a",
		"action":   map[string]any{"name": "empty", "stages": []any{}, "scheduling": []any{}},
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	env := newTestEnv(t, WithAPIKey("sekrit"))

	rec := env.do(t, "GET", "/api/panels", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status without key = %d, want 401", rec.Code)
	}

	req := httptest.NewRequest("GET", "/api/panels", nil)
	req.Header.Set("X-API-Key", "sekrit")
	got := httptest.NewRecorder()
	env.server.ServeHTTP(got, req)
	if got.Code != http.StatusOK {
		t.Errorf("status with key = %d, want 200", got.Code)
	}

	req = httptest.NewRequest("GET", "/api/panels", nil)
	req.Header.Set("X-API-Key", "wrong")
	got = httptest.NewRecorder()
	env.server.ServeHTTP(got, req)
	if got.Code != http.StatusUnauthorized {
		t.Errorf("status with wrong key = %d, want 401", got.Code)
	}
}

func TestAPIVersion(t *testing.T) {
	env := newTestEnv(t, WithVersion("1.4.0"))
	rec := env.do(t, "GET", "/api/version", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp map[string]string
	decodeInto(t, rec, &resp)
	if resp["version"] != "1.4.0" {
		t.Errorf("version = %q, want 1.4.0", resp["version"])
	}
	if resp["session"] == "" {
		t.Error("session missing from version response")
	}
}

func TestCORSPreflightAllowedOrigin(t *testing.T) {
	env := newTestEnv(t, WithAllowedOrigins([]string{"http://panel.local"}))

	req := httptest.NewRequest(http.MethodOptions, "/api/panels", nil)
	req.Header.Set("Origin", "http://panel.local")
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d, want 204", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://panel.local" {
		t.Errorf("allow-origin = %q", got)
	}

	req = httptest.NewRequest(http.MethodOptions, "/api/panels", nil)
	req.Header.Set("Origin", "http://evil.example")
	rec = httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("preflight from bad origin = %d, want 403", rec.Code)
	}
}
