package seed

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"go.uber.org/mock/gomock"

	"github.com/signalsfoundry/seedlink/internal/sim"
)

type testGroup struct {
	name           string
	in, out, infos []*sim.Value
}

func newTestGroup(name string) *testGroup {
	return &testGroup{
		name: name,
		in: []*sim.Value{
			sim.NewInterfaceValue("/"+name+"/In/A", -1, 1, 0),
			sim.NewInterfaceValue("/"+name+"/In/B", -1, 1, 0),
		},
		out:   []*sim.Value{sim.NewInterfaceValue("/"+name+"/Out", 0, 10, 5)},
		infos: []*sim.Value{sim.NewInt("/"+name+"/Info", 0)},
	}
}

func (g *testGroup) Name() string                { return g.name }
func (g *testGroup) InputValues() []*sim.Value  { return g.in }
func (g *testGroup) OutputValues() []*sim.Value { return g.out }
func (g *testGroup) InfoValues() []*sim.Value   { return g.infos }

type recordingMetrics struct {
	noopMetrics
	rounds     map[string]int
	controlled []int
}

func (m *recordingMetrics) SetControlledGroups(n int) {
	m.controlled = append(m.controlled, n)
}

func (m *recordingMetrics) ObserveBarrierRound(kind string, _ time.Duration) {
	if m.rounds == nil {
		m.rounds = make(map[string]int)
	}
	m.rounds[kind]++
}

func newTestCoordinator(t *testing.T, simulation Simulation, opts ...CoordinatorOption) *Coordinator {
	t.Helper()
	c, err := NewCoordinator(Config{}, Environment{Simulation: simulation}, nil, opts...)
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	return c
}

// attachHandlers connects n socketless handlers in order.
func attachHandlers(c *Coordinator, n int) []*ClientHandler {
	out := make([]*ClientHandler, n)
	for i := range out {
		h := newClientHandler(c, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000 + i})
		c.mu.Lock()
		c.addHandlerLocked(h)
		c.mu.Unlock()
		out[i] = h
	}
	return out
}

func TestNewCoordinatorRequiresSimulation(t *testing.T) {
	if _, err := NewCoordinator(Config{}, Environment{}, nil); !errors.Is(err, ErrNoSimulation) {
		t.Fatalf("expected ErrNoSimulation, got %v", err)
	}
}

func TestStepBarrierRunsOnceWhenAllHandlersDemand(t *testing.T) {
	ctrl := gomock.NewController(t)
	simulation := NewMockSimulation(ctrl)
	simulation.EXPECT().ExecuteSimulationStep().Return(nil).Times(1)

	metrics := &recordingMetrics{}
	c := newTestCoordinator(t, simulation, WithMetricsRecorder(metrics))
	hs := attachHandlers(c, 3)

	for _, h := range hs[:2] {
		if err := c.DemandNextSimulationStep(h); err != nil {
			t.Fatalf("DemandNextSimulationStep: %v", err)
		}
	}
	// A repeated demand from the same handler counts once.
	if err := c.DemandNextSimulationStep(hs[0]); err != nil {
		t.Fatalf("DemandNextSimulationStep: %v", err)
	}
	if got := c.PendingSteps(); got != 2 {
		t.Fatalf("PendingSteps = %d, want 2", got)
	}
	for i, h := range hs {
		if p := h.pendingPushes(); len(p) != 0 {
			t.Fatalf("handler %d notified before barrier completed: %+v", i, p)
		}
	}

	if err := c.DemandNextSimulationStep(hs[2]); err != nil {
		t.Fatalf("DemandNextSimulationStep: %v", err)
	}
	if got := c.PendingSteps(); got != 0 {
		t.Fatalf("PendingSteps after round = %d, want 0", got)
	}
	for i, h := range hs {
		p := h.pendingPushes()
		if len(p) != 1 || p[0].kind != pushStepCompleted || p[0].round != 1 {
			t.Fatalf("handler %d pushes = %+v, want one step-completed for round 1", i, p)
		}
	}
	if metrics.rounds[roundKindStep] != 1 {
		t.Fatalf("step rounds recorded = %d, want 1", metrics.rounds[roundKindStep])
	}
}

func TestStepRoundsAreNumberedSequentially(t *testing.T) {
	ctrl := gomock.NewController(t)
	simulation := NewMockSimulation(ctrl)
	simulation.EXPECT().ExecuteSimulationStep().Return(nil).Times(2)

	c := newTestCoordinator(t, simulation)
	h := attachHandlers(c, 1)[0]

	for i := 0; i < 2; i++ {
		if err := c.DemandNextSimulationStep(h); err != nil {
			t.Fatalf("DemandNextSimulationStep: %v", err)
		}
	}
	p := h.pendingPushes()
	if len(p) != 2 || p[0].round != 1 || p[1].round != 2 {
		t.Fatalf("pushes = %+v, want rounds 1 and 2", p)
	}
}

func TestStepFailureStillNotifiesRequesters(t *testing.T) {
	ctrl := gomock.NewController(t)
	simulation := NewMockSimulation(ctrl)
	boom := errors.New("boom")
	simulation.EXPECT().ExecuteSimulationStep().Return(boom)

	c := newTestCoordinator(t, simulation)
	h := attachHandlers(c, 1)[0]

	if err := c.DemandNextSimulationStep(h); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped step error, got %v", err)
	}
	if p := h.pendingPushes(); len(p) != 1 {
		t.Fatalf("expected requester to be notified, got %+v", p)
	}
}

func TestResetBarrierAppliesFirstSeedBeforeNotifying(t *testing.T) {
	ctrl := gomock.NewController(t)
	simulation := NewMockSimulation(ctrl)

	c := newTestCoordinator(t, simulation)
	hs := attachHandlers(c, 2)

	simulation.EXPECT().ResetSimulation(int64(7)).DoAndReturn(func(int64) error {
		for i, h := range hs {
			if p := h.pendingPushes(); len(p) != 0 {
				t.Errorf("handler %d notified before reset was applied", i)
			}
		}
		return nil
	}).Times(1)

	if err := c.DemandSimulationReset(hs[1], 7); err != nil {
		t.Fatalf("DemandSimulationReset: %v", err)
	}
	if got := c.PendingResets(); got != 1 {
		t.Fatalf("PendingResets = %d, want 1", got)
	}
	if err := c.DemandSimulationReset(hs[0], 99); err != nil {
		t.Fatalf("DemandSimulationReset: %v", err)
	}

	for i, h := range hs {
		p := h.pendingPushes()
		if len(p) != 1 || p[0].kind != pushResetCompleted || p[0].round != 1 {
			t.Fatalf("handler %d pushes = %+v, want one reset-completed", i, p)
		}
	}
}

func TestStepAndResetBarriersAreIndependent(t *testing.T) {
	ctrl := gomock.NewController(t)
	simulation := NewMockSimulation(ctrl)
	c := newTestCoordinator(t, simulation)
	hs := attachHandlers(c, 2)

	if err := c.DemandNextSimulationStep(hs[0]); err != nil {
		t.Fatalf("DemandNextSimulationStep: %v", err)
	}
	if err := c.DemandSimulationReset(hs[1], 3); err != nil {
		t.Fatalf("DemandSimulationReset: %v", err)
	}
	if c.PendingSteps() != 1 || c.PendingResets() != 1 {
		t.Fatalf("pending = %d steps / %d resets, want 1/1", c.PendingSteps(), c.PendingResets())
	}
}

func TestDemandFromUnknownHandlerFails(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := newTestCoordinator(t, NewMockSimulation(ctrl))
	other := newTestCoordinator(t, NewMockSimulation(ctrl))
	stranger := attachHandlers(other, 1)[0]

	if err := c.DemandNextSimulationStep(stranger); !errors.Is(err, ErrUnknownHandler) {
		t.Fatalf("expected ErrUnknownHandler, got %v", err)
	}
	if err := c.DemandSimulationReset(stranger, 1); !errors.Is(err, ErrUnknownHandler) {
		t.Fatalf("expected ErrUnknownHandler, got %v", err)
	}
}

func TestGroupOwnershipIsExclusive(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := newTestCoordinator(t, NewMockSimulation(ctrl))
	hs := attachHandlers(c, 2)
	g := newTestGroup("Robot0")

	if c.IsGroupControlled(g) {
		t.Fatalf("group controlled before registration")
	}
	if !c.RegisterGroupController(g, hs[0]) {
		t.Fatalf("first registration should succeed")
	}
	if !c.RegisterGroupController(g, hs[0]) {
		t.Fatalf("re-registration by the owner should succeed")
	}
	if c.RegisterGroupController(g, hs[1]) {
		t.Fatalf("second handler must not take an owned group")
	}
	if c.DeregisterGroupController(g, hs[1]) {
		t.Fatalf("non-owner deregistration must fail")
	}
	if got := c.GroupController(g); got != hs[0] {
		t.Fatalf("GroupController = %v, want first handler", got)
	}
	if !c.DeregisterGroupController(g, hs[0]) {
		t.Fatalf("owner deregistration should succeed")
	}
	if !c.RegisterGroupController(g, hs[1]) {
		t.Fatalf("released group should be available")
	}
}

func TestTerminateReleasesGroupsAndCompletesBarrier(t *testing.T) {
	ctrl := gomock.NewController(t)
	simulation := NewMockSimulation(ctrl)
	simulation.EXPECT().ExecuteSimulationStep().Return(nil).Times(1)

	c := newTestCoordinator(t, simulation)
	hs := attachHandlers(c, 3)
	g := newTestGroup("Robot1")
	if !c.RegisterGroupController(g, hs[2]) {
		t.Fatalf("RegisterGroupController failed")
	}

	for _, h := range hs[:2] {
		if err := c.DemandNextSimulationStep(h); err != nil {
			t.Fatalf("DemandNextSimulationStep: %v", err)
		}
	}
	c.TerminateClientHandler(hs[2])

	if c.IsGroupControlled(g) {
		t.Fatalf("terminated handler still owns its group")
	}
	if got := c.ClientCount(); got != 2 {
		t.Fatalf("ClientCount = %d, want 2", got)
	}
	if hs[2].State() != StateTerminating {
		t.Fatalf("terminated handler state = %s", hs[2].State())
	}
	for i, h := range hs[:2] {
		if p := h.pendingPushes(); len(p) != 1 {
			t.Fatalf("handler %d was not released from the barrier: %+v", i, p)
		}
	}
	if err := c.DemandNextSimulationStep(hs[2]); !errors.Is(err, ErrUnknownHandler) {
		t.Fatalf("terminated handler demand: got %v", err)
	}
}

func TestTerminateLastPendingHandlerLeavesEmptyRound(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := newTestCoordinator(t, NewMockSimulation(ctrl))
	hs := attachHandlers(c, 2)

	if err := c.DemandSimulationReset(hs[0], 1); err != nil {
		t.Fatalf("DemandSimulationReset: %v", err)
	}
	c.TerminateClientHandler(hs[0])
	if got := c.PendingResets(); got != 0 {
		t.Fatalf("PendingResets = %d, want 0", got)
	}
}

func TestCommunicationResetAbortsRoundsAndNotifiesEveryone(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := newTestCoordinator(t, NewMockSimulation(ctrl))
	hs := attachHandlers(c, 2)
	g := newTestGroup("Robot0")
	c.RegisterGroupController(g, hs[0])

	if err := c.DemandNextSimulationStep(hs[0]); err != nil {
		t.Fatalf("DemandNextSimulationStep: %v", err)
	}
	hs[1].notifyStepCompleted(4)
	c.DemandCommunicationReset()

	if c.PendingSteps() != 0 {
		t.Fatalf("pending step round survived communication reset")
	}
	for i, h := range hs {
		p := h.pendingPushes()
		if len(p) != 1 || p[0].kind != pushCommunicationReset {
			t.Fatalf("handler %d pushes = %+v, want a single communication reset", i, p)
		}
	}
	if c.GroupController(g) != hs[0] {
		t.Fatalf("communication reset must keep group ownership")
	}
}

func TestClearingSubscriptionsKeepsUndeliveredPushes(t *testing.T) {
	ctrl := gomock.NewController(t)
	simulation := NewMockSimulation(ctrl)
	simulation.EXPECT().ExecuteSimulationStep().Return(nil).Times(1)
	c := newTestCoordinator(t, simulation)
	hs := attachHandlers(c, 1)

	c.DemandCommunicationReset()
	// A round completes before the handler gets to deliver the reset.
	if err := c.DemandNextSimulationStep(hs[0]); err != nil {
		t.Fatalf("DemandNextSimulationStep: %v", err)
	}
	hs[0].resetTransientState()

	p := hs[0].pendingPushes()
	if len(p) != 2 || p[0].kind != pushCommunicationReset || p[1].kind != pushStepCompleted || p[1].round != 1 {
		t.Fatalf("pushes = %+v, want communication reset then step-completed for round 1", p)
	}
}

func TestRemovedGroupIsReleased(t *testing.T) {
	ctrl := gomock.NewController(t)
	groups := sim.NewGroups()
	g0, g1 := newTestGroup("Robot0"), newTestGroup("Robot1")
	for _, g := range []sim.ControllableGroup{g0, g1} {
		if err := groups.Add(g); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	metrics := &recordingMetrics{}
	c, err := NewCoordinator(Config{Address: "127.0.0.1:0"},
		Environment{Simulation: NewMockSimulation(ctrl), Groups: groups}, nil, WithMetricsRecorder(metrics))
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	hs := attachHandlers(c, 1)
	hs[0].refreshAgents()
	c.RegisterGroupController(g0, hs[0])
	c.RegisterGroupController(g1, hs[0])

	groups.Remove("Robot0")
	if c.IsGroupControlled(g0) {
		t.Fatalf("removed group is still owned")
	}
	hs[0].mu.Lock()
	_, known := hs[0].agentIDs[g0]
	hs[0].mu.Unlock()
	if known {
		t.Fatalf("removed group kept its agent id")
	}
	if got := metrics.controlled[len(metrics.controlled)-1]; got != 1 {
		t.Fatalf("controlled groups gauge = %d, want 1", got)
	}

	// Once stopped the coordinator no longer follows the registry.
	c.Stop()
	groups.Remove("Robot1")
	if !c.IsGroupControlled(g1) {
		t.Fatalf("stopped coordinator still reacts to registry changes")
	}
}

func TestClientsAndGroupsSnapshots(t *testing.T) {
	ctrl := gomock.NewController(t)
	groups := sim.NewGroups()
	g0, g1 := newTestGroup("Robot0"), newTestGroup("Robot1")
	for _, g := range []sim.ControllableGroup{g0, g1} {
		if err := groups.Add(g); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	c, err := NewCoordinator(Config{}, Environment{Simulation: NewMockSimulation(ctrl), Groups: groups}, nil)
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	hs := attachHandlers(c, 2)
	c.RegisterGroupController(g1, hs[1])

	clients := c.Clients()
	if len(clients) != 2 {
		t.Fatalf("Clients = %d, want 2", len(clients))
	}
	if clients[0].Session != hs[0].Session() || clients[1].Session != hs[1].Session() {
		t.Fatalf("clients not in connection order")
	}
	if fmt.Sprint(clients[1].Groups) != "[Robot1]" {
		t.Fatalf("client groups = %v", clients[1].Groups)
	}
	if st, ok := c.Client(hs[1].Session()); !ok || st.State != StateIdle.String() {
		t.Fatalf("Client lookup = %+v, %v", st, ok)
	}

	gs := c.Groups()
	if len(gs) != 2 || gs[0].Owner != "" || gs[1].Owner != hs[1].Session() {
		t.Fatalf("Groups = %+v", gs)
	}
}

func TestStartReportsBindFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	first, err := NewCoordinator(Config{Address: "127.0.0.1:0"}, Environment{Simulation: NewMockSimulation(ctrl)}, nil)
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	if err := first.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer first.Stop()

	second, err := NewCoordinator(Config{Address: first.Addr().String()}, Environment{Simulation: NewMockSimulation(ctrl)}, nil)
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	if err := second.Start(context.Background()); !errors.Is(err, ErrServerStart) {
		t.Fatalf("expected ErrServerStart, got %v", err)
	}
	second.Stop()
}
