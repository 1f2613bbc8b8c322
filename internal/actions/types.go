package actions

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"panelhub/internal/wire"
)

// Switch kinds addressable by a smart action.
const (
	KindLight    = "light"
	KindShade    = "shade"
	KindVenetian = "venetian"
)

// Actions applicable to a switch, depending on its kind.
const (
	ActionOn     = "on"
	ActionOff    = "off"
	ActionToggle = "toggle"
	ActionOpen   = "open"
	ActionClose  = "close"
	ActionStop   = "stop"
)

// Scheduling types between consecutive stages.
const (
	ScheduleDelay           = "delay"
	ScheduleWaitForCurtains = "waitForCurtains"
)

// StageAction is one device action within a stage.
type StageAction struct {
	SwitchID string `json:"switch_id"`
	Action   string `json:"action"`
}

// Stage is a set of device actions executed concurrently.
type Stage struct {
	Actions []StageAction `json:"actions"`
}

// Scheduling is the wait policy between two consecutive stages.
type Scheduling struct {
	Type    string `json:"type"`
	DelayMs int    `json:"delay_ms,omitempty"`
}

// SmartAction is a user-authored multi-stage automation sequence.
type SmartAction struct {
	Name       string       `json:"name"`
	Stages     []Stage      `json:"stages"`
	Scheduling []Scheduling `json:"scheduling"`
}

// Validate checks structural integrity before an execution is accepted.
func (a SmartAction) Validate() error {
	if len(a.Stages) == 0 {
		return fmt.Errorf("action %q has no stages", a.Name)
	}
	if len(a.Scheduling) != len(a.Stages)-1 {
		return fmt.Errorf("action %q has %d scheduling entries for %d stages, want %d",
			a.Name, len(a.Scheduling), len(a.Stages), len(a.Stages)-1)
	}
	for i, stage := range a.Stages {
		if len(stage.Actions) == 0 {
			return fmt.Errorf("action %q stage %d is empty", a.Name, i)
		}
	}
	for i, sched := range a.Scheduling {
		switch sched.Type {
		case ScheduleDelay:
			if sched.DelayMs < 0 {
				return fmt.Errorf("scheduling %d has negative delay", i)
			}
		case ScheduleWaitForCurtains:
		default:
			return fmt.Errorf("scheduling %d has unknown type %q", i, sched.Type)
		}
	}
	return nil
}

// SwitchRef is a parsed composite switch key "<ip>:<kind>:<index>".
type SwitchRef struct {
	IP    string
	Kind  string
	Index int
}

// ParseSwitchID parses and checks a composite switch key.
func ParseSwitchID(id string) (SwitchRef, error) {
	parts := strings.Split(id, ":")
	if len(parts) != 3 {
		return SwitchRef{}, fmt.Errorf("switch id %q: want <ip>:<kind>:<index>", id)
	}
	if parts[0] == "" {
		return SwitchRef{}, fmt.Errorf("switch id %q has empty ip", id)
	}
	switch parts[1] {
	case KindLight, KindShade, KindVenetian:
	default:
		return SwitchRef{}, fmt.Errorf("switch id %q has unknown kind %q", id, parts[1])
	}
	idx, err := strconv.Atoi(parts[2])
	if err != nil || idx < 0 {
		return SwitchRef{}, fmt.Errorf("switch id %q has bad index %q", id, parts[2])
	}
	return SwitchRef{IP: parts[0], Kind: parts[1], Index: idx}, nil
}

// isCurtainKind reports whether the switch drives a motorized output.
func (r SwitchRef) isCurtainKind() bool {
	return r.Kind == KindShade || r.Kind == KindVenetian
}

// CommandFor maps a kind/action pair onto a wire command. Unknown
// combinations are an error, never sent.
func CommandFor(ref SwitchRef, action string) (wire.Command, error) {
	switch ref.Kind {
	case KindLight:
		switch action {
		case ActionOn:
			return wire.Command{Command: wire.CmdSetRelay, Index: wire.IntPtr(ref.Index), State: wire.BoolPtr(true)}, nil
		case ActionOff:
			return wire.Command{Command: wire.CmdSetRelay, Index: wire.IntPtr(ref.Index), State: wire.BoolPtr(false)}, nil
		case ActionToggle:
			return wire.Command{Command: wire.CmdToggleRelay, Index: wire.IntPtr(ref.Index)}, nil
		}
	case KindShade, KindVenetian:
		switch action {
		case ActionOpen, ActionClose, ActionStop:
			return wire.Command{Command: wire.CmdCurtain, Index: wire.IntPtr(ref.Index), Action: action}, nil
		}
	}
	return wire.Command{}, fmt.Errorf("no command for kind %q action %q", ref.Kind, action)
}

// Execution states.
type ExecState string

const (
	StateRunning   ExecState = "running"
	StateWaiting   ExecState = "waiting"
	StateStopped   ExecState = "stopped"
	StateCompleted ExecState = "completed"
	StateFailed    ExecState = "failed"
)

func (s ExecState) terminal() bool {
	return s == StateStopped || s == StateCompleted || s == StateFailed
}

// Progress is one execution's externally visible status.
type Progress struct {
	ExecutionID      string    `json:"execution_id"`
	Name             string    `json:"name"`
	OwnerID          string    `json:"owner_id,omitempty"`
	State            ExecState `json:"state"`
	TotalStages      int       `json:"total_stages"`
	CurrentStage     int       `json:"current_stage"`
	IsWaiting        bool      `json:"is_waiting"`
	WaitType         string    `json:"wait_type,omitempty"`
	RemainingDelayMs int64     `json:"remaining_delay_ms,omitempty"`
	StartedAt        time.Time `json:"started_at"`
	CompletedAt      time.Time `json:"completed_at,omitzero"`
	Error            string    `json:"error,omitempty"`
}

// ProgressListener receives progress snapshots for one execution.
type ProgressListener func(Progress)
