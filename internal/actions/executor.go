// Package actions runs user-defined multi-stage automation sequences
// against panels reachable through the registry. Executions are
// server-resident: they survive the controlling client disconnecting.
package actions

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"panelhub/internal/registry"
	"panelhub/internal/wire"
)

// PanelService is the registry surface the executor needs: command
// dispatch and read-only live state.
type PanelService interface {
	SendCommand(ip string, cmd wire.Command) bool
	PanelState(ip string) (registry.PanelState, bool)
}

const (
	defaultDelayTick      = 250 * time.Millisecond
	defaultPollInterval   = 500 * time.Millisecond
	defaultCurtainCeiling = 5 * time.Minute
	defaultRecordGrace    = 60 * time.Second
)

// Executor runs smart actions. Constructed once at process start.
type Executor struct {
	panels PanelService
	logger *slog.Logger

	delayTick      time.Duration
	pollInterval   time.Duration
	curtainCeiling time.Duration
	recordGrace    time.Duration

	mu    sync.Mutex
	execs map[string]*execution
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithTimings overrides the scheduling clocks (used by tests).
func WithTimings(delayTick, pollInterval, curtainCeiling, recordGrace time.Duration) ExecutorOption {
	return func(e *Executor) {
		e.delayTick = delayTick
		e.pollInterval = pollInterval
		e.curtainCeiling = curtainCeiling
		e.recordGrace = recordGrace
	}
}

// NewExecutor creates an executor dispatching through panels.
func NewExecutor(panels PanelService, logger *slog.Logger, opts ...ExecutorOption) *Executor {
	e := &Executor{
		panels:         panels,
		logger:         logger.With("component", "actions"),
		delayTick:      defaultDelayTick,
		pollInterval:   defaultPollInterval,
		curtainCeiling: defaultCurtainCeiling,
		recordGrace:    defaultRecordGrace,
		execs:          make(map[string]*execution),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// execution is one in-flight run. Mutated only by its own control loop
// and by Stop.
type execution struct {
	id      string
	ownerID string
	action  SmartAction
	cancel  context.CancelFunc

	mu           sync.Mutex
	state        ExecState
	currentStage int
	isWaiting    bool
	waitType     string
	remainingMs  int64
	startedAt    time.Time
	completedAt  time.Time
	errMsg       string
	aborted      bool
	stageActions []StageAction // snapshot of the stage in flight, for stop targeting
	listeners    map[uint64]ProgressListener
	nextListener uint64
}

func (x *execution) progressLocked() Progress {
	return Progress{
		ExecutionID:      x.id,
		Name:             x.action.Name,
		OwnerID:          x.ownerID,
		State:            x.state,
		TotalStages:      len(x.action.Stages),
		CurrentStage:     x.currentStage,
		IsWaiting:        x.isWaiting,
		WaitType:         x.waitType,
		RemainingDelayMs: x.remainingMs,
		StartedAt:        x.startedAt,
		CompletedAt:      x.completedAt,
		Error:            x.errMsg,
	}
}

// publish snapshots progress and fans it out to the execution's listeners.
func (x *execution) publish() {
	x.mu.Lock()
	p := x.progressLocked()
	listeners := make([]ProgressListener, 0, len(x.listeners))
	for _, l := range x.listeners {
		listeners = append(listeners, l)
	}
	x.mu.Unlock()

	for _, l := range listeners {
		l(p)
	}
}

// Start begins executing action and returns its execution ID. Multiple
// concurrent executions with distinct IDs are supported; serializing runs
// of the same named action is the caller's convention, not enforced here.
func (e *Executor) Start(ownerID string, action SmartAction) (string, error) {
	if err := action.Validate(); err != nil {
		return "", err
	}

	ctx, cancel := context.WithCancel(context.Background())
	x := &execution{
		id:           newExecID(),
		ownerID:      ownerID,
		action:       action,
		cancel:       cancel,
		state:        StateRunning,
		currentStage: -1,
		startedAt:    time.Now(),
		listeners:    make(map[uint64]ProgressListener),
	}

	e.mu.Lock()
	e.execs[x.id] = x
	e.mu.Unlock()

	e.logger.Info("action started", "id", x.id, "name", action.Name,
		"owner", ownerID, "stages", len(action.Stages))
	go e.run(ctx, x)
	return x.id, nil
}

func newExecID() string {
	b := make([]byte, 6)
	rand.Read(b)
	return "exec-" + hex.EncodeToString(b)
}

// Stop requests cooperative cancellation. If stopCurtains is set, curtain
// and venetian actions of the stage in flight receive a stop command as a
// safety measure; the count of stops delivered is returned. Returns false
// if the execution is unknown or already terminal.
func (e *Executor) Stop(execID string, stopCurtains bool) (bool, int) {
	e.mu.Lock()
	x, ok := e.execs[execID]
	e.mu.Unlock()
	if !ok {
		return false, 0
	}

	x.mu.Lock()
	if x.state.terminal() {
		x.mu.Unlock()
		return false, 0
	}
	x.aborted = true
	targets := append([]StageAction(nil), x.stageActions...)
	x.mu.Unlock()

	x.cancel()
	e.logger.Info("action stop requested", "id", execID, "stop_curtains", stopCurtains)

	stopped := 0
	if stopCurtains {
		for _, sa := range targets {
			ref, err := ParseSwitchID(sa.SwitchID)
			if err != nil || !ref.isCurtainKind() {
				continue
			}
			cmd, _ := CommandFor(ref, ActionStop)
			// SendCommand bounds its own write; this never waits forever.
			if e.panels.SendCommand(ref.IP, cmd) {
				stopped++
			} else {
				e.logger.Warn("curtain stop not delivered", "id", execID, "switch", sa.SwitchID)
			}
		}
	}
	return true, stopped
}

// Progress returns the current progress for execID, or nil if the record
// is unknown or already garbage-collected.
func (e *Executor) Progress(execID string) *Progress {
	e.mu.Lock()
	x, ok := e.execs[execID]
	e.mu.Unlock()
	if !ok {
		return nil
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	p := x.progressLocked()
	return &p
}

// AddProgressListener subscribes to one execution's progress stream and
// immediately delivers the current snapshot. Returns false for unknown IDs.
func (e *Executor) AddProgressListener(execID string, fn ProgressListener) (uint64, bool) {
	e.mu.Lock()
	x, ok := e.execs[execID]
	e.mu.Unlock()
	if !ok {
		return 0, false
	}

	x.mu.Lock()
	x.nextListener++
	id := x.nextListener
	x.listeners[id] = fn
	p := x.progressLocked()
	x.mu.Unlock()

	fn(p)
	return id, true
}

// RemoveProgressListener unsubscribes a listener by handle.
func (e *Executor) RemoveProgressListener(execID string, id uint64) {
	e.mu.Lock()
	x, ok := e.execs[execID]
	e.mu.Unlock()
	if !ok {
		return
	}
	x.mu.Lock()
	delete(x.listeners, id)
	x.mu.Unlock()
}

// Close cancels every in-flight execution.
func (e *Executor) Close() {
	e.mu.Lock()
	execs := make([]*execution, 0, len(e.execs))
	for _, x := range e.execs {
		execs = append(execs, x)
	}
	e.mu.Unlock()
	for _, x := range execs {
		x.cancel()
	}
}

// run is the execution control loop: strictly sequential stages, each
// dispatched fully concurrently, with the configured wait between stages.
func (e *Executor) run(ctx context.Context, x *execution) {
	defer func() {
		if rec := recover(); rec != nil {
			e.finish(x, StateFailed, fmt.Sprintf("execution panic: %v", rec))
		}
	}()
	defer x.cancel()

	for i, stage := range x.action.Stages {
		if e.checkAborted(ctx, x) {
			return
		}

		x.mu.Lock()
		x.currentStage = i
		x.isWaiting = false
		x.waitType = ""
		x.remainingMs = 0
		x.stageActions = append([]StageAction(nil), stage.Actions...)
		x.mu.Unlock()
		x.publish()

		e.dispatchStage(x, stage)

		if e.checkAborted(ctx, x) {
			return
		}

		if i < len(x.action.Stages)-1 {
			sched := x.action.Scheduling[i]
			var ok bool
			switch sched.Type {
			case ScheduleDelay:
				ok = e.waitDelay(ctx, x, time.Duration(sched.DelayMs)*time.Millisecond)
			case ScheduleWaitForCurtains:
				ok = e.waitForCurtains(ctx, x, stage)
			default:
				ok = true
			}
			if !ok {
				e.finish(x, StateStopped, "")
				return
			}
		}
	}

	e.finish(x, StateCompleted, "")
}

// checkAborted is the cooperative cancellation point at each stage/wait
// boundary.
func (e *Executor) checkAborted(ctx context.Context, x *execution) bool {
	x.mu.Lock()
	aborted := x.aborted
	x.mu.Unlock()
	if aborted || ctx.Err() != nil {
		e.finish(x, StateStopped, "")
		return true
	}
	return false
}

// dispatchStage issues every action in the stage concurrently and waits
// for all dispatches. A failed dispatch is logged, never fatal.
func (e *Executor) dispatchStage(x *execution, stage Stage) {
	var wg sync.WaitGroup
	for _, sa := range stage.Actions {
		wg.Add(1)
		go func(sa StageAction) {
			defer wg.Done()
			if !e.dispatch(sa) {
				e.logger.Warn("dispatch failed", "id", x.id, "switch", sa.SwitchID, "action", sa.Action)
			}
		}(sa)
	}
	wg.Wait()
}

func (e *Executor) dispatch(sa StageAction) bool {
	ref, err := ParseSwitchID(sa.SwitchID)
	if err != nil {
		e.logger.Warn("bad switch id", "switch", sa.SwitchID, "err", err)
		return false
	}
	cmd, err := CommandFor(ref, sa.Action)
	if err != nil {
		e.logger.Warn("unmappable action", "switch", sa.SwitchID, "action", sa.Action, "err", err)
		return false
	}
	return e.panels.SendCommand(ref.IP, cmd)
}

// waitDelay sleeps out a fixed delay in ticks, publishing remaining time
// so long waits are visibly progressing. Returns false on cancellation.
func (e *Executor) waitDelay(ctx context.Context, x *execution, d time.Duration) bool {
	deadline := time.Now().Add(d)

	x.mu.Lock()
	x.state = StateWaiting
	x.isWaiting = true
	x.waitType = ScheduleDelay
	x.remainingMs = d.Milliseconds()
	x.mu.Unlock()
	x.publish()

	defer e.clearWaiting(x)

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return true
		}
		tick := e.delayTick
		if remaining < tick {
			tick = remaining
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(tick):
		}

		x.mu.Lock()
		x.remainingMs = max(time.Until(deadline).Milliseconds(), 0)
		x.mu.Unlock()
		x.publish()
	}
}

// waitForCurtains polls live state until none of the stage's curtain
// targets report motion, with a hard ceiling so unresponsive hardware
// cannot deadlock the automation. Returns false on cancellation.
func (e *Executor) waitForCurtains(ctx context.Context, x *execution, stage Stage) bool {
	x.mu.Lock()
	x.state = StateWaiting
	x.isWaiting = true
	x.waitType = ScheduleWaitForCurtains
	x.remainingMs = 0
	x.mu.Unlock()
	x.publish()

	defer e.clearWaiting(x)

	deadline := time.Now().Add(e.curtainCeiling)
	for {
		if !e.curtainsMoving(stage) {
			return true
		}
		if time.Now().After(deadline) {
			e.logger.Warn("curtain wait ceiling reached, proceeding", "id", x.id)
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(e.pollInterval):
		}
	}
}

// curtainsMoving reports whether any curtain target of the stage still
// reports opening or closing. Unknown panels or indices count as settled.
func (e *Executor) curtainsMoving(stage Stage) bool {
	for _, sa := range stage.Actions {
		ref, err := ParseSwitchID(sa.SwitchID)
		if err != nil || !ref.isCurtainKind() {
			continue
		}
		st, ok := e.panels.PanelState(ref.IP)
		if !ok || st.Full == nil {
			continue
		}
		for _, c := range st.Full.Curtains {
			if c.Index != ref.Index {
				continue
			}
			if c.State == wire.CurtainOpening || c.State == wire.CurtainClosing {
				return true
			}
		}
	}
	return false
}

func (e *Executor) clearWaiting(x *execution) {
	x.mu.Lock()
	if !x.state.terminal() {
		x.state = StateRunning
	}
	x.isWaiting = false
	x.waitType = ""
	x.remainingMs = 0
	x.mu.Unlock()
}

// finish moves the execution to a terminal state exactly once, broadcasts
// it, and schedules the record for collection after the grace period.
func (e *Executor) finish(x *execution, state ExecState, errMsg string) {
	x.mu.Lock()
	if x.state.terminal() {
		x.mu.Unlock()
		return
	}
	x.state = state
	x.errMsg = errMsg
	x.completedAt = time.Now()
	x.isWaiting = false
	x.waitType = ""
	x.remainingMs = 0
	x.mu.Unlock()
	x.publish()

	e.logger.Info("action finished", "id", x.id, "state", state, "err", errMsg)

	// Keep the record around so late status queries still succeed.
	time.AfterFunc(e.recordGrace, func() {
		e.mu.Lock()
		delete(e.execs, x.id)
		e.mu.Unlock()
	})
}
