package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atlas-desktop/strategy-runtime/internal/events"
	"github.com/atlas-desktop/strategy-runtime/pkg/types"
)

// Registry is the per-process session registry named in §4.7:
// `session_id -> instance_id -> {config, coordinator, portfolio_service,
// active, check_count, last_check_ts, created_ts}`. One Registry serves
// every session; sessions and the instances within them are independent,
// matching §5's "across strategies: independent" ordering guarantee.
// Grounded on the teacher's internal/orchestrator/orchestrator.go (mutex-
// guarded map registry, Start/Stop, background ticker loop) generalized
// from one global PhD pipeline to many per-session strategy instances.
type Registry struct {
	logger  *zap.Logger
	factory *Factory
	bus     *events.Bus

	mu       sync.Mutex
	sessions map[string]map[string]*Instance
	// startLocks prevents concurrent Start calls for the same session from
	// racing on sessions[sessionID], per §5's "per-agent lock ... to
	// prevent concurrent start".
	startLocks map[string]*sync.Mutex
}

// NewRegistry creates an empty Registry. factory builds Coordinators from
// UserRequests; bus fans out stream events to subscribers of a session.
func NewRegistry(logger *zap.Logger, factory *Factory, bus *events.Bus) *Registry {
	return &Registry{
		logger:     logger,
		factory:    factory,
		bus:        bus,
		sessions:   make(map[string]map[string]*Instance),
		startLocks: make(map[string]*sync.Mutex),
	}
}

func (r *Registry) sessionLock(sessionID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.startLocks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		r.startLocks[sessionID] = l
	}
	return l
}

// Start creates a new instance in sessionID running req and launches its
// run loop in a background goroutine. It returns the new instance's ID.
func (r *Registry) Start(ctx context.Context, sessionID string, req types.UserRequest) (string, error) {
	lock := r.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	instanceID := generateInstanceID()
	coord, err := r.factory.Build(instanceID, req)
	if err != nil {
		return "", fmt.Errorf("agent: build coordinator: %w", err)
	}

	inst := newInstance(instanceID, sessionID, req, coord, r.bus, r.logger, time.Now().UnixMilli())

	r.mu.Lock()
	if r.sessions[sessionID] == nil {
		r.sessions[sessionID] = make(map[string]*Instance)
	}
	r.sessions[sessionID][instanceID] = inst
	r.mu.Unlock()

	go r.runInstance(ctx, inst)

	return instanceID, nil
}

// runInstance drives inst's loop and, every lineChartEveryNCycles cycles,
// broadcasts the session-level chart built from every sibling instance's
// value history (the part of §4.7's cadence that needs cross-instance
// state, which Instance itself cannot see).
func (r *Registry) runInstance(ctx context.Context, inst *Instance) {
	monitorDone := make(chan struct{})
	go r.monitorChart(inst, monitorDone)
	defer close(monitorDone)

	inst.run(ctx, true)
}

// monitorChart polls inst's check_count and broadcasts the session chart
// whenever it crosses a multiple of lineChartEveryNCycles, until done
// fires. Polling (rather than a callback from Instance) keeps Instance
// free of any dependency on the registry it runs under.
func (r *Registry) monitorChart(inst *Instance, done <-chan struct{}) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	lastBroadcast := 0
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			checkCount, _, _, _, _ := inst.snapshot()
			if checkCount > 0 && checkCount%lineChartEveryNCycles == 0 && checkCount != lastBroadcast {
				lastBroadcast = checkCount
				r.broadcastChart(inst.SessionID)
			}
		}
	}
}

// broadcastChart publishes the session-level equity line chart for every
// subscriber of sessionID.
func (r *Registry) broadcastChart(sessionID string) {
	instances := r.instancesFor(sessionID)
	if len(instances) == 0 {
		return
	}
	rows := buildSessionChartRows(instances)
	content, err := marshalChart(rows)
	if err != nil {
		r.logger.Warn("failed to marshal session chart", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	evt, err := events.NewComponentEvent(types.ComponentLineChart, content)
	if err != nil {
		r.logger.Warn("failed to encode session chart event", zap.Error(err))
		return
	}
	r.bus.Publish(sessionID, evt)
}

func (r *Registry) instancesFor(sessionID string) []*Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	byID := r.sessions[sessionID]
	out := make([]*Instance, 0, len(byID))
	for _, inst := range byID {
		out = append(out, inst)
	}
	return out
}

// Dispatch handles a STOP or STATUS control command (§4.7); callers
// should route anything ParseCommand classifies as CommandCreate to
// Start instead. It returns a human-readable text reply plus, for
// STATUS, an optional line-chart component payload.
func (r *Registry) Dispatch(sessionID, query string) (text string, chartJSON string) {
	kind, instanceID := ParseCommand(query)
	switch kind {
	case CommandStop:
		return r.stop(sessionID, instanceID), ""
	case CommandStatus:
		return r.status(sessionID)
	default:
		return "", ""
	}
}

func (r *Registry) stop(sessionID, instanceID string) string {
	instances := r.instancesFor(sessionID)
	if len(instances) == 0 {
		return "No active trading instances found in this session."
	}

	if instanceID != "" {
		for _, inst := range instances {
			if inst.ID == instanceID {
				inst.Stop()
				return fmt.Sprintf("Trading instance %q stopped.", instanceID)
			}
		}
		return fmt.Sprintf("Instance ID %q not found.", instanceID)
	}

	for _, inst := range instances {
		inst.Stop()
	}
	return fmt.Sprintf("Stopped %d instance(s) in session %s.", len(instances), sessionID)
}

func (r *Registry) status(sessionID string) (text string, chartJSON string) {
	instances := r.instancesFor(sessionID)
	if len(instances) == 0 {
		return "No trading instances found in this session.", ""
	}

	text = fmt.Sprintf("Session %s: %d instance(s).\n", sessionID, len(instances))
	for _, inst := range instances {
		checkCount, lastCheck, createdTs, active, _ := inst.snapshot()
		text += fmt.Sprintf(
			"- %s (%s) active=%v checks=%d created=%d last_check=%d\n",
			inst.ID, inst.ModelID, active, checkCount, createdTs, lastCheck,
		)
	}

	rows := buildSessionChartRows(instances)
	chartJSON, err := marshalChart(rows)
	if err != nil {
		r.logger.Warn("failed to marshal status chart", zap.String("session_id", sessionID), zap.Error(err))
		chartJSON = ""
	}
	return text, chartJSON
}

// StopAll stops every instance across every session and waits for each
// run loop to exit; used on process shutdown. It does not close open
// positions.
func (r *Registry) StopAll() {
	r.mu.Lock()
	all := make([]*Instance, 0)
	for _, byID := range r.sessions {
		for _, inst := range byID {
			all = append(all, inst)
		}
	}
	r.mu.Unlock()

	for _, inst := range all {
		inst.Stop()
	}
	for _, inst := range all {
		<-inst.doneCh
	}
}

func generateInstanceID() string {
	return "inst_" + uuid.NewString()
}
