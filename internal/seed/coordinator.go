package seed

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/signalsfoundry/seedlink/internal/logging"
	"github.com/signalsfoundry/seedlink/internal/observability"
	"github.com/signalsfoundry/seedlink/internal/protocol"
	"github.com/signalsfoundry/seedlink/internal/sim"
)

const (
	roundKindStep  = "step"
	roundKindReset = "reset"
)

// CoordinatorOption configures optional Coordinator collaborators.
type CoordinatorOption func(*Coordinator)

// WithMetricsRecorder wires a metrics recorder into the coordinator and its
// handlers.
func WithMetricsRecorder(m MetricsRecorder) CoordinatorOption {
	return func(c *Coordinator) {
		if m != nil {
			c.metrics = m
		}
	}
}

// barrierRound collects the handlers that demanded the current step or reset.
type barrierRound struct {
	requesters []*ClientHandler
	started    time.Time
	seed       int64
}

func (r *barrierRound) contains(h *ClientHandler) bool {
	for _, x := range r.requesters {
		if x == h {
			return true
		}
	}
	return false
}

func (r *barrierRound) remove(h *ClientHandler) {
	for i, x := range r.requesters {
		if x == h {
			r.requesters = append(r.requesters[:i], r.requesters[i+1:]...)
			return
		}
	}
}

// Coordinator owns the listening socket, the set of connected handlers, group
// ownership and the step/reset barriers.
type Coordinator struct {
	cfg     Config
	env     Environment
	log     logging.Logger
	metrics MetricsRecorder

	// execMu serialises barrier actions so each round runs the simulation
	// exactly once and step/reset rounds never overlap.
	execMu sync.Mutex

	mu        sync.Mutex
	ctx       context.Context
	conn      *net.UDPConn
	running   bool
	stopping  bool
	wg        sync.WaitGroup
	nextIndex uint64
	handlers  []*ClientHandler
	byPeer    map[string]*ClientHandler
	owners    map[sim.ControllableGroup]*ClientHandler
	unwatch   func()

	stepRound   barrierRound
	resetRound  barrierRound
	stepRounds  uint64
	resetRounds uint64
}

// NewCoordinator builds a coordinator around env. The listening socket is not
// bound until Start.
func NewCoordinator(cfg Config, env Environment, log logging.Logger, opts ...CoordinatorOption) (*Coordinator, error) {
	if env.Simulation == nil {
		return nil, ErrNoSimulation
	}
	if log == nil {
		log = logging.Noop()
	}
	c := &Coordinator{
		cfg:     cfg.ApplyDefaults(),
		env:     env,
		log:     log,
		metrics: noopMetrics{},
		ctx:     context.Background(),
		byPeer:  make(map[string]*ClientHandler),
		owners:  make(map[sim.ControllableGroup]*ClientHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Start binds the listening socket and begins accepting INIT_COMMUNICATION
// requests. It returns ErrServerStart when the socket cannot be bound.
func (c *Coordinator) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}

	addr, err := net.ResolveUDPAddr("udp", c.cfg.Address)
	if err != nil {
		return fmt.Errorf("%w: resolve %q: %v", ErrServerStart, c.cfg.Address, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("%w: listen %q: %v", ErrServerStart, c.cfg.Address, err)
	}

	c.ctx = ctx
	c.conn = conn
	c.running = true
	c.stopping = false
	if w, ok := c.env.Groups.(GroupWatcher); ok {
		c.unwatch = w.Subscribe(c.groupChanged)
	}
	c.wg.Add(1)
	go c.acceptLoop(conn)

	c.log.Info(ctx, "seed coordinator listening", logging.String("address", conn.LocalAddr().String()))
	return nil
}

// Stop closes the listening socket, stops every handler and waits for their
// goroutines to exit. It is safe to call more than once.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.stopping = true
	conn := c.conn
	handlers := append([]*ClientHandler(nil), c.handlers...)
	unwatch := c.unwatch
	c.unwatch = nil
	c.mu.Unlock()

	if unwatch != nil {
		unwatch()
	}
	_ = conn.Close()
	for _, h := range handlers {
		h.terminate()
	}
	c.wg.Wait()
	c.log.Info(c.ctx, "seed coordinator stopped")
}

// Addr returns the bound address of the listening socket, or nil before Start.
func (c *Coordinator) Addr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	return c.conn.LocalAddr()
}

func (c *Coordinator) acceptLoop(conn *net.UDPConn) {
	defer c.wg.Done()

	buf := make([]byte, protocol.MaxDatagramSize)
	for {
		n, peer, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || !c.isRunning() {
				return
			}
			c.log.Warn(c.ctx, "listening socket read failed", logging.Err(err))
			continue
		}
		if n == 0 {
			continue
		}
		if code := buf[0]; code != protocol.InitCommunication {
			c.log.Debug(c.ctx, "ignoring non-init datagram on listening socket",
				logging.String("peer", peer.String()),
				logging.String("command", protocol.CommandName(code)),
			)
			continue
		}
		c.accept(peer)
	}
}

func (c *Coordinator) isRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// accept spawns a handler for a new peer, or asks the existing handler to
// repeat its INIT_ACK when the client retried.
func (c *Coordinator) accept(peer *net.UDPAddr) {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	if existing, ok := c.byPeer[peer.String()]; ok {
		c.mu.Unlock()
		existing.requestInitAck()
		return
	}

	h := newClientHandler(c, peer)
	var local *net.UDPAddr
	if la, ok := c.conn.LocalAddr().(*net.UDPAddr); ok && !la.IP.IsUnspecified() {
		local = &net.UDPAddr{IP: la.IP}
	}
	if err := h.listen(local); err != nil {
		c.mu.Unlock()
		c.log.Error(c.ctx, "client handler could not bind socket",
			logging.String("peer", peer.String()), logging.Err(err))
		return
	}
	c.addHandlerLocked(h)
	c.wg.Add(1)
	n := len(c.handlers)
	c.mu.Unlock()

	c.metrics.SetConnectedClients(n)
	h.log.Info(c.ctx, "client connected",
		logging.String("peer", peer.String()),
		logging.String("local", h.LocalAddr().String()),
	)
	go func() {
		defer c.wg.Done()
		h.run()
	}()
}

func (c *Coordinator) addHandlerLocked(h *ClientHandler) {
	c.nextIndex++
	h.index = c.nextIndex
	c.handlers = append(c.handlers, h)
	c.byPeer[h.peer.String()] = h
}

func (c *Coordinator) connectedLocked(h *ClientHandler) bool {
	for _, x := range c.handlers {
		if x == h {
			return true
		}
	}
	return false
}

// roundCompleteLocked reports whether every connected handler has demanded
// the round.
func (c *Coordinator) roundCompleteLocked(r *barrierRound) bool {
	if len(r.requesters) == 0 || len(c.handlers) == 0 {
		return false
	}
	for _, h := range c.handlers {
		if !r.contains(h) {
			return false
		}
	}
	return true
}

// RegisterGroupController makes h the exclusive controller of g. It fails
// when another handler already owns g or h is not connected.
func (c *Coordinator) RegisterGroupController(g sim.ControllableGroup, h *ClientHandler) bool {
	c.mu.Lock()
	if !c.connectedLocked(h) {
		c.mu.Unlock()
		return false
	}
	if owner, ok := c.owners[g]; ok {
		c.mu.Unlock()
		return owner == h
	}
	c.owners[g] = h
	n := len(c.owners)
	c.mu.Unlock()

	c.metrics.SetControlledGroups(n)
	return true
}

// DeregisterGroupController releases g if h currently owns it.
func (c *Coordinator) DeregisterGroupController(g sim.ControllableGroup, h *ClientHandler) bool {
	c.mu.Lock()
	if owner, ok := c.owners[g]; !ok || owner != h {
		c.mu.Unlock()
		return false
	}
	delete(c.owners, g)
	n := len(c.owners)
	c.mu.Unlock()

	c.metrics.SetControlledGroups(n)
	return true
}

// groupChanged releases a group that left the simulation and drops it from
// every handler's agent table.
func (c *Coordinator) groupChanged(ev sim.GroupEvent) {
	if ev.Type != sim.GroupRemoved {
		return
	}
	c.mu.Lock()
	owner, owned := c.owners[ev.Group]
	delete(c.owners, ev.Group)
	n := len(c.owners)
	handlers := append([]*ClientHandler(nil), c.handlers...)
	c.mu.Unlock()

	for _, h := range handlers {
		h.forgetGroup(ev.Group)
	}
	if owned {
		c.metrics.SetControlledGroups(n)
		owner.log.Info(owner.ctx, "controlled group left the simulation", logging.String("group", ev.Group.Name()))
	}
}

// IsGroupControlled reports whether any handler owns g.
func (c *Coordinator) IsGroupControlled(g sim.ControllableGroup) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.owners[g]
	return ok
}

// GroupController returns the handler owning g, or nil.
func (c *Coordinator) GroupController(g sim.ControllableGroup) *ClientHandler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.owners[g]
}

// DemandNextSimulationStep records that h wants the next step. When every
// connected handler has asked, the simulation advances exactly once and all
// requesters are notified in connection order.
func (c *Coordinator) DemandNextSimulationStep(h *ClientHandler) error {
	c.mu.Lock()
	if !c.connectedLocked(h) {
		c.mu.Unlock()
		return ErrUnknownHandler
	}
	if !c.stepRound.contains(h) {
		if len(c.stepRound.requesters) == 0 {
			c.stepRound.started = time.Now()
		}
		c.stepRound.requesters = append(c.stepRound.requesters, h)
	}
	round, ok := c.takeStepRoundLocked()
	c.mu.Unlock()

	if !ok {
		return nil
	}
	return c.completeRound(roundKindStep, round)
}

// DemandSimulationReset records that h wants a reset. The seed of the first
// demand in the round is the one applied.
func (c *Coordinator) DemandSimulationReset(h *ClientHandler, seed int64) error {
	c.mu.Lock()
	if !c.connectedLocked(h) {
		c.mu.Unlock()
		return ErrUnknownHandler
	}
	if !c.resetRound.contains(h) {
		if len(c.resetRound.requesters) == 0 {
			c.resetRound.started = time.Now()
			c.resetRound.seed = seed
		}
		c.resetRound.requesters = append(c.resetRound.requesters, h)
	}
	round, ok := c.takeResetRoundLocked()
	c.mu.Unlock()

	if !ok {
		return nil
	}
	return c.completeRound(roundKindReset, round)
}

// completedRound is a barrier round that has been detached from the
// coordinator and is ready to run.
type completedRound struct {
	number     uint64
	requesters []*ClientHandler
	started    time.Time
	seed       int64
}

func (c *Coordinator) takeStepRoundLocked() (completedRound, bool) {
	if !c.roundCompleteLocked(&c.stepRound) {
		return completedRound{}, false
	}
	c.stepRounds++
	r := completedRound{
		number:     c.stepRounds,
		requesters: c.stepRound.requesters,
		started:    c.stepRound.started,
	}
	c.stepRound = barrierRound{}
	return r, true
}

func (c *Coordinator) takeResetRoundLocked() (completedRound, bool) {
	if !c.roundCompleteLocked(&c.resetRound) {
		return completedRound{}, false
	}
	c.resetRounds++
	r := completedRound{
		number:     c.resetRounds,
		requesters: c.resetRound.requesters,
		started:    c.resetRound.started,
		seed:       c.resetRound.seed,
	}
	c.resetRound = barrierRound{}
	return r, true
}

// completeRound runs the simulation action for a full barrier and notifies
// the requesters in connection order. Notification never blocks.
func (c *Coordinator) completeRound(kind string, r completedRound) error {
	_, span := observability.StartRoundSpan(c.ctx, kind, r.number, len(r.requesters))
	defer span.End()

	c.execMu.Lock()
	var err error
	if kind == roundKindReset {
		span.SetAttributes(observability.AttrSeed.Int64(r.seed))
		err = c.env.Simulation.ResetSimulation(r.seed)
	} else {
		err = c.env.Simulation.ExecuteSimulationStep()
	}
	c.execMu.Unlock()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.log.Error(c.ctx, "barrier action failed",
			logging.String("kind", kind),
			logging.Uint64("round", r.number),
			logging.Err(err),
		)
	}

	sort.SliceStable(r.requesters, func(i, j int) bool {
		return r.requesters[i].index < r.requesters[j].index
	})
	for _, h := range r.requesters {
		if kind == roundKindReset {
			h.notifyResetCompleted(int32(r.number))
		} else {
			h.notifyStepCompleted(int32(r.number))
		}
	}

	c.metrics.ObserveBarrierRound(kind, time.Since(r.started))
	c.log.Debug(c.ctx, "barrier round completed",
		logging.String("kind", kind),
		logging.Uint64("round", r.number),
		logging.Int("requesters", len(r.requesters)),
	)
	if err != nil {
		return fmt.Errorf("%s round %d: %w", kind, r.number, err)
	}
	return nil
}

// DemandCommunicationReset aborts any pending barrier rounds and makes every
// handler drop its transient state and push COMMUNICATION_RESET to its client.
// Group ownership is kept.
func (c *Coordinator) DemandCommunicationReset() {
	c.mu.Lock()
	c.stepRound = barrierRound{}
	c.resetRound = barrierRound{}
	handlers := append([]*ClientHandler(nil), c.handlers...)
	c.mu.Unlock()

	for _, h := range handlers {
		h.notifyCommunicationReset()
	}
	c.log.Info(c.ctx, "communication reset demanded", logging.Int("clients", len(handlers)))
}

// TerminateClientHandler disconnects h: it is removed from both barriers, its
// groups are released and any round that h was the last holdout for
// completes. h is asked to stop but is not waited for.
func (c *Coordinator) TerminateClientHandler(h *ClientHandler) {
	c.mu.Lock()
	if !c.connectedLocked(h) {
		c.mu.Unlock()
		h.terminate()
		return
	}
	for i, x := range c.handlers {
		if x == h {
			c.handlers = append(c.handlers[:i], c.handlers[i+1:]...)
			break
		}
	}
	if c.byPeer[h.peer.String()] == h {
		delete(c.byPeer, h.peer.String())
	}
	released := 0
	for g, owner := range c.owners {
		if owner == h {
			delete(c.owners, g)
			released++
		}
	}
	c.stepRound.remove(h)
	c.resetRound.remove(h)
	var step, reset completedRound
	var stepReady, resetReady bool
	if !c.stopping {
		step, stepReady = c.takeStepRoundLocked()
		reset, resetReady = c.takeResetRoundLocked()
	}
	clients, groups := len(c.handlers), len(c.owners)
	c.mu.Unlock()

	h.terminate()
	c.metrics.SetConnectedClients(clients)
	c.metrics.SetControlledGroups(groups)
	h.log.Info(c.ctx, "client disconnected", logging.Int("released_groups", released))

	if resetReady {
		_ = c.completeRound(roundKindReset, reset)
	}
	if stepReady {
		_ = c.completeRound(roundKindStep, step)
	}
}

// ClientStatus is a point-in-time view of one connected handler.
type ClientStatus struct {
	Session     string    `json:"session"`
	Peer        string    `json:"peer"`
	Local       string    `json:"local"`
	State       string    `json:"state"`
	ConnectedAt time.Time `json:"connected_at"`
	Groups      []string  `json:"groups"`
}

// GroupStatus reports a controllable group and its owner's session, if any.
type GroupStatus struct {
	Name  string `json:"name"`
	Owner string `json:"owner,omitempty"`
}

// Clients lists connected handlers in connection order.
func (c *Coordinator) Clients() []ClientStatus {
	c.mu.Lock()
	handlers := append([]*ClientHandler(nil), c.handlers...)
	owned := make(map[*ClientHandler][]string)
	for g, h := range c.owners {
		owned[h] = append(owned[h], g.Name())
	}
	c.mu.Unlock()

	out := make([]ClientStatus, 0, len(handlers))
	for _, h := range handlers {
		groups := owned[h]
		sort.Strings(groups)
		st := ClientStatus{
			Session:     h.Session(),
			Peer:        h.peer.String(),
			State:       h.State().String(),
			ConnectedAt: h.connectedAt,
			Groups:      groups,
		}
		if la := h.LocalAddr(); la != nil {
			st.Local = la.String()
		}
		out = append(out, st)
	}
	return out
}

// Client looks up a connected handler by session id.
func (c *Coordinator) Client(session string) (ClientStatus, bool) {
	for _, st := range c.Clients() {
		if st.Session == session {
			return st, true
		}
	}
	return ClientStatus{}, false
}

// Groups lists every controllable group with its current owner.
func (c *Coordinator) Groups() []GroupStatus {
	var groups []sim.ControllableGroup
	if c.env.Groups != nil {
		groups = c.env.Groups.List()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]GroupStatus, 0, len(groups))
	for _, g := range groups {
		st := GroupStatus{Name: g.Name()}
		if h, ok := c.owners[g]; ok {
			st.Owner = h.Session()
		}
		out = append(out, st)
	}
	return out
}

// PendingSteps returns how many handlers have demanded the current step.
func (c *Coordinator) PendingSteps() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.stepRound.requesters)
}

// PendingResets returns how many handlers have demanded the current reset.
func (c *Coordinator) PendingResets() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.resetRound.requesters)
}

// ClientCount returns the number of connected handlers.
func (c *Coordinator) ClientCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handlers)
}
