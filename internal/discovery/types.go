package discovery

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Classification status of one scanned address.
type Status string

const (
	StatusPending    Status = "pending"
	StatusPanel      Status = "panel"
	StatusNotPanel   Status = "not-panel"
	StatusNoResponse Status = "no-response"
	StatusError      Status = "error"
)

// terminal reports whether a status ends scanning for this address.
// panel/not-panel are definitive; no-response and error stay eligible for
// later, more patient phases.
func (s Status) terminal() bool {
	return s == StatusPanel || s == StatusNotPanel
}

// Pair modes for a panel's relay pairs.
const (
	PairModeNormal   = "normal"
	PairModeCurtain  = "curtain"
	PairModeVenetian = "venetian"
	PairModeLinked   = "linked"
)

// Relay modes within a normal pair.
const (
	RelayModeSwitch    = "switch"
	RelayModeMomentary = "momentary"
	RelayModeDisabled  = "disabled"
)

// User-facing device types derived from pair configuration.
const (
	DeviceLight     = "light"
	DeviceMomentary = "momentary"
	DeviceCurtain   = "curtain"
	DeviceVenetian  = "venetian"
	DeviceHidden    = "hidden"
)

// RelayPairConfig describes how one of the panel's three relay pairs is wired.
type RelayPairConfig struct {
	PairIndex  int       `json:"pair_index"`
	PairMode   string    `json:"pair_mode"`
	RelayModes [2]string `json:"relay_modes"`
}

// PanelSettings is the best-effort configuration fetched during enrichment.
// Pointer fields distinguish "unknown" from "false"/zero.
type PanelSettings struct {
	Logging     *bool             `json:"logging,omitempty"`
	LongPressMs *int              `json:"long_press_ms,omitempty"`
	RelayPairs  []RelayPairConfig `json:"relay_pairs,omitempty"`
}

// RelayDeviceType classifies a raw relay index into a user-facing device
// type given the panel's pair configuration. Relays are paired two by two;
// an index with no matching pair config defaults to a plain light.
func RelayDeviceType(pairs []RelayPairConfig, relayIndex int) string {
	pairIdx := relayIndex / 2
	pos := relayIndex % 2
	for _, p := range pairs {
		if p.PairIndex != pairIdx {
			continue
		}
		switch p.PairMode {
		case PairModeCurtain:
			return DeviceCurtain
		case PairModeVenetian:
			return DeviceVenetian
		case PairModeLinked:
			// Second relay of a linked pair follows the first.
			if pos == 1 {
				return DeviceHidden
			}
			return DeviceLight
		case PairModeNormal:
			switch p.RelayModes[pos] {
			case RelayModeMomentary:
				return DeviceMomentary
			case RelayModeDisabled:
				return DeviceHidden
			default:
				return DeviceLight
			}
		}
	}
	return DeviceLight
}

// Result is the classification of one scanned address.
type Result struct {
	IP              string         `json:"ip"`
	Status          Status         `json:"status"`
	HTTPStatus      int            `json:"http_status,omitempty"`
	Error           string         `json:"error,omitempty"`
	Name            string         `json:"name,omitempty"`
	Settings        *PanelSettings `json:"settings,omitempty"`
	DiscoveryTimeMs int64          `json:"discovery_time_ms,omitempty"`
}

// Request describes one sweep.
type Request struct {
	BaseIP   string `json:"base_ip"`
	Start    int    `json:"start"`
	End      int    `json:"end"`
	Thorough bool   `json:"thorough,omitempty"`
}

// Validate rejects malformed ranges before any network activity.
func (r Request) Validate() error {
	octets := strings.Split(r.BaseIP, ".")
	if len(octets) != 3 {
		return fmt.Errorf("base_ip %q must have exactly three octets", r.BaseIP)
	}
	for _, o := range octets {
		n, err := strconv.Atoi(o)
		if err != nil || n < 0 || n > 255 || (len(o) > 1 && o[0] == '0') {
			return fmt.Errorf("base_ip %q has invalid octet %q", r.BaseIP, o)
		}
	}
	if r.Start < 0 || r.Start > 254 {
		return fmt.Errorf("start %d out of range 0-254", r.Start)
	}
	if r.End < 0 || r.End > 254 {
		return fmt.Errorf("end %d out of range 0-254", r.End)
	}
	if r.End < r.Start {
		return fmt.Errorf("end %d before start %d", r.End, r.Start)
	}
	return nil
}

// Phase is one pass of the sweep with its own latency budget.
type Phase struct {
	Name        string
	Timeout     time.Duration
	Concurrency int
	Retries     int
	RetryDelay  time.Duration // base for linear backoff
}

// DefaultPhases: a cheap high-concurrency pass first, then progressively
// more patient passes over whatever is still unresolved.
func DefaultPhases() []Phase {
	return []Phase{
		{Name: "fast", Timeout: 600 * time.Millisecond, Concurrency: 40},
		{Name: "standard", Timeout: 1500 * time.Millisecond, Concurrency: 15, Retries: 1, RetryDelay: 300 * time.Millisecond},
		{Name: "patient", Timeout: 3 * time.Second, Concurrency: 6, Retries: 2, RetryDelay: 500 * time.Millisecond},
	}
}

// ThoroughPhases trade latency for reach, for recovering or distant devices.
func ThoroughPhases() []Phase {
	return []Phase{
		{Name: "standard", Timeout: 2 * time.Second, Concurrency: 10, Retries: 1, RetryDelay: 500 * time.Millisecond},
		{Name: "patient", Timeout: 4 * time.Second, Concurrency: 5, Retries: 3, RetryDelay: 750 * time.Millisecond},
		{Name: "last-chance", Timeout: 8 * time.Second, Concurrency: 2, Retries: 2, RetryDelay: time.Second},
	}
}

// Summary aggregates a finished sweep.
type Summary struct {
	BaseIP       string `json:"base_ip"`
	Start        int    `json:"start"`
	End          int    `json:"end"`
	TotalChecked int    `json:"total_checked"`
	PanelsFound  int    `json:"panels_found"`
	NotPanels    int    `json:"not_panels"`
	NoResponse   int    `json:"no_response"`
	Errors       int    `json:"errors"`
}

// PhaseStat records one phase's duration and yield.
type PhaseStat struct {
	Name       string `json:"name"`
	Scanned    int    `json:"scanned"`
	Resolved   int    `json:"resolved"`
	DurationMs int64  `json:"duration_ms"`
}

// Report is the final outcome of a sweep.
type Report struct {
	Summary Summary     `json:"summary"`
	Results []Result    `json:"results"`
	Phases  []PhaseStat `json:"phases"`
}

// Event types emitted during a sweep.
const (
	EventPhaseStart = "phase_start"
	EventResult     = "result"
	EventEnrichment = "enrichment"
	EventComplete   = "complete"
)

// Event is one observable step of a sweep.
type Event struct {
	Type   string  `json:"type"`
	Phase  string  `json:"phase,omitempty"`
	Result *Result `json:"result,omitempty"`
	Report *Report `json:"report,omitempty"`
}

// Listener receives sweep events. May be nil.
type Listener func(Event)

// sortResults orders by the numeric value of the final octet. All addresses
// in a sweep share the same /24 base.
func sortResults(results []Result) {
	sort.Slice(results, func(i, j int) bool {
		return lastOctet(results[i].IP) < lastOctet(results[j].IP)
	})
}

func lastOctet(ip string) int {
	idx := strings.LastIndexByte(ip, '.')
	if idx < 0 {
		return 0
	}
	n, _ := strconv.Atoi(ip[idx+1:])
	return n
}
