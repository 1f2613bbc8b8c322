package discovery

import (
	"sync"
	"time"
)

// Snapshot is a point-in-time view of the current (or last finished) sweep,
// for clients polling instead of listening to the event stream.
type Snapshot struct {
	Active      bool      `json:"active"`
	BaseIP      string    `json:"base_ip,omitempty"`
	Start       int       `json:"start"`
	End         int       `json:"end"`
	Phase       string    `json:"phase,omitempty"`
	Total       int       `json:"total"`
	Scanned     int       `json:"scanned"`
	PanelsFound int       `json:"panels_found"`
	Results     []Result  `json:"results,omitempty"`
	StartedAt   time.Time `json:"started_at,omitzero"`
	CompletedAt time.Time `json:"completed_at,omitzero"`
	Summary     *Summary  `json:"summary,omitempty"`
}

// Progress is the process-wide sweep snapshot: reset at sweep start,
// updated incrementally, frozen at completion. One instance per process,
// overwritten by each run.
type Progress struct {
	mu      sync.RWMutex
	snap    Snapshot
	results map[string]Result
}

// NewProgress creates an empty tracker.
func NewProgress() *Progress {
	return &Progress{results: make(map[string]Result)}
}

func (p *Progress) begin(req Request, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results = make(map[string]Result, total)
	p.snap = Snapshot{
		Active:    true,
		BaseIP:    req.BaseIP,
		Start:     req.Start,
		End:       req.End,
		Total:     total,
		StartedAt: time.Now(),
	}
}

func (p *Progress) setPhase(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snap.Phase = name
}

// record stores or overwrites one address result. A first classification
// bumps the scanned counter; enrichment re-records without double counting.
func (p *Progress) record(r Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	prev, seen := p.results[r.IP]
	p.results[r.IP] = r
	if !seen {
		p.snap.Scanned++
		if r.Status == StatusPanel {
			p.snap.PanelsFound++
		}
	} else if prev.Status != StatusPanel && r.Status == StatusPanel {
		p.snap.PanelsFound++
	}
}

func (p *Progress) complete(report *Report) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snap.Active = false
	p.snap.Phase = ""
	p.snap.CompletedAt = time.Now()
	sum := report.Summary
	p.snap.Summary = &sum
}

// Get returns a copy of the current snapshot with results sorted by address.
func (p *Progress) Get() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	snap := p.snap
	snap.Results = make([]Result, 0, len(p.results))
	for _, r := range p.results {
		snap.Results = append(snap.Results, r)
	}
	sortResults(snap.Results)
	if snap.Summary != nil {
		sum := *snap.Summary
		snap.Summary = &sum
	}
	return snap
}
