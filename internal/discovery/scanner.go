package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	// Marker string panel firmware embeds in its root page.
	defaultSignature = "wifi-panel"

	defaultEnrichTimeout = 2 * time.Second
	maxProbeBody         = 64 << 10

	// Post-sweep enrichment grace: proportional to outstanding fetches,
	// clamped. The exact constants are tunable; the bound is not.
	enrichGracePerFetch = 250 * time.Millisecond
	enrichGraceMin      = time.Second
	enrichGraceMax      = 5 * time.Second
)

// Scanner runs phased concurrent sweeps over an IPv4 range, classifying
// each address and enriching confirmed panels with their settings.
type Scanner struct {
	client         *http.Client
	logger         *slog.Logger
	progress       *Progress
	signature      string
	phases         []Phase
	thoroughPhases []Phase
	enrichTimeout  time.Duration
}

// ScannerOption configures a Scanner.
type ScannerOption func(*Scanner)

// WithHTTPClient replaces the probe client (tests inject a fake transport).
func WithHTTPClient(c *http.Client) ScannerOption {
	return func(s *Scanner) { s.client = c }
}

// WithPhases overrides the default and thorough phase plans.
func WithPhases(normal, thorough []Phase) ScannerOption {
	return func(s *Scanner) {
		s.phases = normal
		s.thoroughPhases = thorough
	}
}

// WithSignature overrides the device signature searched for in probe bodies.
func WithSignature(sig string) ScannerOption {
	return func(s *Scanner) { s.signature = sig }
}

// WithEnrichTimeout overrides the per-fetch enrichment timeout.
func WithEnrichTimeout(d time.Duration) ScannerOption {
	return func(s *Scanner) { s.enrichTimeout = d }
}

// NewScanner creates a scanner publishing into progress.
func NewScanner(progress *Progress, logger *slog.Logger, opts ...ScannerOption) *Scanner {
	s := &Scanner{
		// Timeouts are enforced per probe via context; the client itself
		// must not impose one.
		client:         &http.Client{},
		logger:         logger.With("component", "discovery"),
		progress:       progress,
		signature:      defaultSignature,
		phases:         DefaultPhases(),
		thoroughPhases: ThoroughPhases(),
		enrichTimeout:  defaultEnrichTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// sweep is the mutable state of one Discover call.
type sweep struct {
	start    time.Time
	onEvent  Listener
	mu       sync.Mutex
	results  map[string]*Result
	enrichWg sync.WaitGroup
	enriches int
}

func (sw *sweep) emit(ev Event) {
	if sw.onEvent != nil {
		sw.onEvent(ev)
	}
}

// Discover runs a full sweep. It blocks until every address is classified
// and outstanding enrichment fetches have finished or the bounded grace
// period has elapsed. onEvent may be nil.
func (s *Scanner) Discover(ctx context.Context, req Request, onEvent Listener) (*Report, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	addrs := make([]string, 0, req.End-req.Start+1)
	for o := req.Start; o <= req.End; o++ {
		addrs = append(addrs, fmt.Sprintf("%s.%d", req.BaseIP, o))
	}

	sw := &sweep{
		start:   time.Now(),
		onEvent: onEvent,
		results: make(map[string]*Result, len(addrs)),
	}
	for _, ip := range addrs {
		sw.results[ip] = &Result{IP: ip, Status: StatusPending}
	}

	if s.progress != nil {
		s.progress.begin(req, len(addrs))
	}

	phases := s.phases
	if req.Thorough {
		phases = s.thoroughPhases
	}

	var stats []PhaseStat
	for _, phase := range phases {
		remaining := sw.unresolved()
		if len(remaining) == 0 {
			break
		}

		s.logger.Info("phase start", "phase", phase.Name, "remaining", len(remaining))
		if s.progress != nil {
			s.progress.setPhase(phase.Name)
		}
		sw.emit(Event{Type: EventPhaseStart, Phase: phase.Name})

		phaseStart := time.Now()
		s.runPhase(ctx, sw, phase, remaining)

		resolved := 0
		sw.mu.Lock()
		for _, ip := range remaining {
			if sw.results[ip].Status.terminal() {
				resolved++
			}
		}
		sw.mu.Unlock()

		stats = append(stats, PhaseStat{
			Name:       phase.Name,
			Scanned:    len(remaining),
			Resolved:   resolved,
			DurationMs: time.Since(phaseStart).Milliseconds(),
		})
	}

	// Whatever was never classified at all gives up as no-response.
	sw.mu.Lock()
	for _, r := range sw.results {
		if r.Status == StatusPending {
			r.Status = StatusNoResponse
		}
	}
	outstanding := sw.enriches
	sw.mu.Unlock()

	s.waitForEnrichment(sw, outstanding)

	report := sw.report(req)
	report.Phases = stats
	if s.progress != nil {
		s.progress.complete(report)
	}
	sw.emit(Event{Type: EventComplete, Report: report})
	s.logger.Info("sweep complete",
		"checked", report.Summary.TotalChecked,
		"panels", report.Summary.PanelsFound,
		"duration_ms", time.Since(sw.start).Milliseconds())
	return report, nil
}

// unresolved returns addresses still worth scanning, in address order.
func (sw *sweep) unresolved() []string {
	sw.mu.Lock()
	var pending []Result
	for _, r := range sw.results {
		if !r.Status.terminal() {
			pending = append(pending, Result{IP: r.IP})
		}
	}
	sw.mu.Unlock()

	sortResults(pending)
	out := make([]string, len(pending))
	for i := range pending {
		out[i] = pending[i].IP
	}
	return out
}

// runPhase scans addrs with a fixed-size worker pool.
func (s *Scanner) runPhase(ctx context.Context, sw *sweep, phase Phase, addrs []string) {
	queue := make(chan string)
	var wg sync.WaitGroup

	workers := phase.Concurrency
	if workers < 1 {
		workers = 1
	}
	if workers > len(addrs) {
		workers = len(addrs)
	}

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ip := range queue {
				s.scanAddress(ctx, sw, phase, ip)
			}
		}()
	}

	for _, ip := range addrs {
		queue <- ip
	}
	close(queue)
	wg.Wait()
}

// scanAddress probes one address with the phase's retry budget, then
// records the outcome.
func (s *Scanner) scanAddress(ctx context.Context, sw *sweep, phase Phase, ip string) {
	var last Result
	for attempt := 0; attempt <= phase.Retries; attempt++ {
		if attempt > 0 {
			// Linear backoff within the phase.
			select {
			case <-ctx.Done():
				return
			case <-time.After(phase.RetryDelay * time.Duration(attempt)):
			}
		}
		last = s.probe(ctx, ip, phase.Timeout)
		if last.Status.terminal() {
			break
		}
	}
	s.record(sw, last)
}

// probe issues one bounded HTTP GET and classifies the response.
func (s *Scanner) probe(ctx context.Context, ip string, timeout time.Duration) Result {
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(pctx, http.MethodGet, "http://"+ip+"/", nil)
	if err != nil {
		return Result{IP: ip, Status: StatusError, Error: err.Error()}
	}

	resp, err := s.client.Do(req)
	if err != nil {
		// Timeouts and refused connections are transient by definition.
		return Result{IP: ip, Status: StatusNoResponse, Error: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{IP: ip, Status: StatusError, HTTPStatus: resp.StatusCode,
			Error: fmt.Sprintf("unexpected status %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProbeBody))
	if err != nil {
		return Result{IP: ip, Status: StatusNoResponse, Error: err.Error()}
	}
	if strings.Contains(string(body), s.signature) {
		return Result{IP: ip, Status: StatusPanel, HTTPStatus: resp.StatusCode}
	}
	return Result{IP: ip, Status: StatusNotPanel, HTTPStatus: resp.StatusCode}
}

// record merges a probe outcome into the sweep; a terminal panel result
// kicks off enrichment immediately.
func (s *Scanner) record(sw *sweep, outcome Result) {
	sw.mu.Lock()
	r := sw.results[outcome.IP]
	if r == nil || r.Status.terminal() {
		sw.mu.Unlock()
		return
	}
	r.Status = outcome.Status
	r.HTTPStatus = outcome.HTTPStatus
	r.Error = outcome.Error
	r.DiscoveryTimeMs = time.Since(sw.start).Milliseconds()
	becamePanel := r.Status == StatusPanel
	if becamePanel {
		sw.enriches++
		sw.enrichWg.Add(1)
	}
	snapshot := *r
	sw.mu.Unlock()

	if s.progress != nil {
		s.progress.record(snapshot)
	}
	sw.emit(Event{Type: EventResult, Result: &snapshot})

	if becamePanel {
		go s.enrich(sw, outcome.IP)
	}
}

// enrich fetches /api/settings for a confirmed panel. Best effort: any
// failure leaves the result unenriched.
func (s *Scanner) enrich(sw *sweep, ip string) {
	defer sw.enrichWg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), s.enrichTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+ip+"/api/settings", nil)
	if err != nil {
		return
	}
	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Debug("enrichment fetch failed", "ip", ip, "err", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return
	}

	var payload struct {
		Name string `json:"name"`
		PanelSettings
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxProbeBody)).Decode(&payload); err != nil {
		s.logger.Debug("enrichment parse failed", "ip", ip, "err", err)
		return
	}

	sw.mu.Lock()
	r := sw.results[ip]
	if r == nil || r.Status != StatusPanel {
		sw.mu.Unlock()
		return
	}
	r.Name = payload.Name
	r.Settings = &payload.PanelSettings
	snapshot := *r
	sw.mu.Unlock()

	if s.progress != nil {
		s.progress.record(snapshot)
	}
	sw.emit(Event{Type: EventEnrichment, Result: &snapshot})
}

// waitForEnrichment blocks until outstanding fetches finish, capped so
// enrichment can never stall sweep completion indefinitely.
func (s *Scanner) waitForEnrichment(sw *sweep, outstanding int) {
	if outstanding == 0 {
		return
	}
	grace := time.Duration(outstanding) * enrichGracePerFetch
	if grace < enrichGraceMin {
		grace = enrichGraceMin
	}
	if grace > enrichGraceMax {
		grace = enrichGraceMax
	}

	done := make(chan struct{})
	go func() {
		sw.enrichWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		s.logger.Warn("enrichment grace elapsed", "outstanding", outstanding)
	}
}

func (sw *sweep) report(req Request) *Report {
	sw.mu.Lock()
	results := make([]Result, 0, len(sw.results))
	for _, r := range sw.results {
		results = append(results, *r)
	}
	sw.mu.Unlock()
	sortResults(results)

	sum := Summary{BaseIP: req.BaseIP, Start: req.Start, End: req.End, TotalChecked: len(results)}
	for _, r := range results {
		switch r.Status {
		case StatusPanel:
			sum.PanelsFound++
		case StatusNotPanel:
			sum.NotPanels++
		case StatusNoResponse:
			sum.NoResponse++
		case StatusError:
			sum.Errors++
		}
	}
	return &Report{Summary: sum, Results: results}
}
