package web

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"panelhub/internal/actions"
	"panelhub/internal/discovery"
	"panelhub/internal/registry"
	"panelhub/internal/store"
	"panelhub/internal/wire"
)

const maxRequestBody = 256 * 1024

// allowedCommands are the command names accepted over the public API.
// request_state is internal to the connection handshake and update is
// deliberately excluded: firmware flashes should not be one POST away.
var allowedCommands = map[string]bool{
	wire.CmdSetRelay:      true,
	wire.CmdToggleRelay:   true,
	wire.CmdToggleAll:     true,
	wire.CmdCurtain:       true,
	wire.CmdSceneActivate: true,
	wire.CmdAllOff:        true,
	wire.CmdBacklight:     true,
	wire.CmdLockButtons:   true,
	wire.CmdRestart:       true,
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	var req discovery.Request
	if !s.decodeBody(w, r, &req) {
		return
	}

	s.scanMu.Lock()
	if s.scanning {
		s.scanMu.Unlock()
		s.writeError(w, http.StatusConflict, "a discovery sweep is already running")
		return
	}
	s.scanning = true
	s.scanMu.Unlock()
	defer func() {
		s.scanMu.Lock()
		s.scanning = false
		s.scanMu.Unlock()
	}()

	// The sweep is a bounded, self-terminating pass. Detach it from the
	// request context so a dropped client cannot mislabel the remaining
	// range as unreachable.
	report, err := s.scanner.Discover(context.WithoutCancel(r.Context()), req, func(ev discovery.Event) {
		s.wsHub.Broadcast(registry.Event{
			Type:      "discovery_" + ev.Type,
			Timestamp: time.Now(),
			Session:   s.registry.Session(),
			Data:      ev,
		})
	})
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if s.meta != nil {
		for _, res := range report.Results {
			if res.Status != discovery.StatusPanel {
				continue
			}
			err := s.meta.RecordSighting(res.IP, func(m *store.PanelMeta) {
				if res.Name != "" {
					m.Name = res.Name
				}
				if res.Settings != nil {
					m.LoggingEnabled = res.Settings.Logging
					m.LongPressMs = res.Settings.LongPressMs
				}
			})
			if err != nil {
				s.logger.Warn("record sighting", "ip", res.IP, "err", err)
			}
		}
	}

	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleDiscoverProgress(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.progress.Get())
}

func (s *Server) handleListPanels(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"session": s.registry.Session(),
		"panels":  s.registry.AllStates(),
	})
}

func (s *Server) handleKnownPanels(w http.ResponseWriter, r *http.Request) {
	if s.meta == nil {
		s.writeError(w, http.StatusServiceUnavailable, "panel metadata store is disabled")
		return
	}
	metas, err := s.meta.ListPanels()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, metas)
}

func (s *Server) handleGetPanel(w http.ResponseWriter, r *http.Request) {
	ip := r.PathValue("ip")
	st, ok := s.registry.PanelState(ip)
	if !ok {
		s.writeError(w, http.StatusNotFound, "panel not tracked: "+ip)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleConnectPanels(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IPs []string `json:"ips"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}
	if len(req.IPs) == 0 {
		s.writeError(w, http.StatusBadRequest, "ips must not be empty")
		return
	}
	s.registry.ConnectPanels(req.IPs)
	s.writeJSON(w, http.StatusOK, map[string]any{"tracked": s.registry.TrackedIPs()})
}

func (s *Server) handleDisconnectPanel(w http.ResponseWriter, r *http.Request) {
	ip := r.PathValue("ip")
	if !s.registry.DisconnectPanel(ip) {
		s.writeError(w, http.StatusNotFound, "panel not tracked: "+ip)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req struct {
		// "*" for every connected panel, or an explicit array of IPs.
		// The command name and its arguments sit flat beside the targets.
		IPs     json.RawMessage `json:"ips"`
		Command string          `json:"command"`
		Index   *int            `json:"index"`
		State   *bool           `json:"state"`
		Action  string          `json:"action"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}
	if !allowedCommands[req.Command] {
		s.writeError(w, http.StatusBadRequest, "unknown or disallowed command: "+req.Command)
		return
	}
	cmd := wire.Command{Command: req.Command, Index: req.Index, State: req.State, Action: req.Action}

	var results map[string]bool
	var star string
	if err := json.Unmarshal(req.IPs, &star); err == nil {
		if star != "*" {
			s.writeError(w, http.StatusBadRequest, `ips must be "*" or an array of addresses`)
			return
		}
		results = s.registry.BroadcastCommand(cmd)
	} else {
		var ips []string
		if err := json.Unmarshal(req.IPs, &ips); err != nil {
			s.writeError(w, http.StatusBadRequest, `ips must be "*" or an array of addresses`)
			return
		}
		if len(ips) == 0 {
			s.writeError(w, http.StatusBadRequest, "ips must not be empty")
			return
		}
		results = s.registry.SendCommandToMany(ips, cmd)
	}

	sent := 0
	for _, ok := range results {
		if ok {
			sent++
		}
	}
	failed := len(results) - sent
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success": failed == 0,
		"sent":    sent,
		"failed":  failed,
		"results": results,
	})
}

func (s *Server) handleStartAction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OwnerID string              `json:"owner_id"`
		Action  actions.SmartAction `json:"action"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}

	execID, err := s.executor.Start(req.OwnerID, req.Action)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Relay this execution's progress to WebSocket clients for as long
	// as the record lives; the listener dies with the record's GC.
	s.executor.AddProgressListener(execID, func(p actions.Progress) {
		s.wsHub.Broadcast(registry.Event{
			Type:      "action_progress",
			Timestamp: time.Now(),
			Session:   s.registry.Session(),
			Data:      p,
		})
	})

	s.writeJSON(w, http.StatusAccepted, map[string]string{"execution_id": execID})
}

func (s *Server) handleActionProgress(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	p := s.executor.Progress(id)
	if p == nil {
		s.writeError(w, http.StatusNotFound, "unknown execution: "+id)
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleStopAction(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	// Stopping curtains is the default; callers opt out explicitly.
	var req struct {
		StopCurtains *bool `json:"stop_curtains"`
	}
	if r.ContentLength > 0 && !s.decodeBody(w, r, &req) {
		return
	}
	stopCurtains := req.StopCurtains == nil || *req.StopCurtains
	ok, stopped := s.executor.Stop(id, stopCurtains)
	if !ok {
		s.writeError(w, http.StatusNotFound, "unknown or finished execution: "+id)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success":          true,
		"curtains_stopped": stopped,
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	v := s.version
	if v == "" {
		v = "dev"
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"version": v, "session": s.registry.Session()})
}
