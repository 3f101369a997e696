package seed

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/signalsfoundry/seedlink/internal/logging"
	"github.com/signalsfoundry/seedlink/internal/protocol"
	"github.com/signalsfoundry/seedlink/internal/sim"
)

// HandlerState is the lifecycle state of a ClientHandler.
type HandlerState int32

const (
	StateIdle HandlerState = iota
	StateListening
	StateCommandLoop
	StateTerminating
	StateClosed
)

func (s HandlerState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateCommandLoop:
		return "command_loop"
	case StateTerminating:
		return "terminating"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type pushKind int

const (
	pushStepCompleted pushKind = iota
	pushResetCompleted
	pushCommunicationReset
)

type pendingPush struct {
	kind  pushKind
	round int32
}

// ClientHandler serves one connected client over a dedicated socket. A reader
// goroutine feeds a bounded queue; the command loop goroutine answers every
// request and delivers push messages queued by the coordinator.
type ClientHandler struct {
	coord   *Coordinator
	cfg     Config
	index   uint64
	session string
	peer    *net.UDPAddr
	ctx     context.Context
	log     logging.Logger

	conn        *net.UDPConn
	connectedAt time.Time
	state       atomic.Int32

	queue    chan []byte
	wake     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	// Owned by the command loop goroutine.
	backlog   [][]byte
	malformed int
	unacked   int

	mu             sync.Mutex
	nextID         int32
	events         map[int32]*sim.Event
	eventIDs       map[*sim.Event]int32
	fired          []int32
	values         map[int32]*sim.Value
	valueIDs       map[*sim.Value]int32
	agents         map[int32]sim.ControllableGroup
	agentIDs       map[sim.ControllableGroup]int32
	controlled     map[int32]*InterfaceGroup
	pushes         []pendingPush
	pendingInitAck bool
}

func newClientHandler(c *Coordinator, peer *net.UDPAddr) *ClientHandler {
	session := logging.NewSessionID()
	ctx := logging.ContextWithSessionID(c.ctx, session)
	log := c.log.With(logging.String("session", session), logging.String("peer", peer.String()))

	h := &ClientHandler{
		coord:       c,
		cfg:         c.cfg,
		session:     session,
		peer:        peer,
		ctx:         logging.ContextWithLogger(ctx, log),
		log:         log,
		connectedAt: time.Now(),
		queue:       make(chan []byte, c.cfg.QueueSize),
		wake:        make(chan struct{}, 1),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
		events:      make(map[int32]*sim.Event),
		eventIDs:    make(map[*sim.Event]int32),
		values:      make(map[int32]*sim.Value),
		valueIDs:    make(map[*sim.Value]int32),
		agents:      make(map[int32]sim.ControllableGroup),
		agentIDs:    make(map[sim.ControllableGroup]int32),
		controlled:  make(map[int32]*InterfaceGroup),
	}
	h.state.Store(int32(StateIdle))
	return h
}

// Session returns the handler's session id.
func (h *ClientHandler) Session() string { return h.session }

// Peer returns the client's address.
func (h *ClientHandler) Peer() *net.UDPAddr { return h.peer }

// State returns the current lifecycle state.
func (h *ClientHandler) State() HandlerState { return HandlerState(h.state.Load()) }

// LocalAddr returns the address of the handler's own socket, or nil before
// it is bound.
func (h *ClientHandler) LocalAddr() net.Addr {
	if h.conn == nil {
		return nil
	}
	return h.conn.LocalAddr()
}

// Done is closed once the handler has fully shut down.
func (h *ClientHandler) Done() <-chan struct{} { return h.done }

// listen binds the handler's socket to an ephemeral port connected to the peer.
func (h *ClientHandler) listen(local *net.UDPAddr) error {
	conn, err := net.DialUDP("udp", local, h.peer)
	if err != nil {
		return err
	}
	h.conn = conn
	h.state.Store(int32(StateListening))
	return nil
}

func (h *ClientHandler) active() bool {
	return h.State() < StateTerminating
}

// terminate moves the handler to Terminating and stops its goroutines. It
// does not wait.
func (h *ClientHandler) terminate() {
	h.stopOnce.Do(func() {
		for {
			cur := h.state.Load()
			if cur >= int32(StateTerminating) {
				break
			}
			if h.state.CompareAndSwap(cur, int32(StateTerminating)) {
				break
			}
		}
		close(h.stop)
	})
}

func (h *ClientHandler) wakeUp() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

func (h *ClientHandler) run() {
	h.state.Store(int32(StateCommandLoop))
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		h.readLoop()
	}()

	h.sendInitAck()
	h.commandLoop()

	h.terminate()
	_ = h.conn.Close()
	<-readerDone
	h.coord.TerminateClientHandler(h)
	h.resetTransientState()
	h.state.Store(int32(StateClosed))
	close(h.done)
}

func (h *ClientHandler) readLoop() {
	buf := make([]byte, protocol.MaxDatagramSize)
	failures := 0
	for {
		n, err := h.conn.Read(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || !h.active() {
				return
			}
			// The peer's port is closed; nothing will ever acknowledge us.
			if errors.Is(err, syscall.ECONNREFUSED) {
				h.log.Warn(h.ctx, "client unreachable; terminating", logging.Err(err))
				h.terminate()
				return
			}
			failures++
			h.log.Debug(h.ctx, "client socket read failed", logging.Int("failures", failures), logging.Err(err))
			if failures >= h.cfg.MaxReadFailures {
				h.log.Warn(h.ctx, "terminating after repeated socket errors", logging.Err(err))
				h.terminate()
				return
			}
			select {
			case <-h.stop:
				return
			case <-time.After(h.cfg.PollInterval):
			}
			continue
		}
		failures = 0
		if n == 0 {
			continue
		}
		data := append([]byte(nil), buf[:n]...)
		select {
		case h.queue <- data:
		case <-h.stop:
			return
		default:
			h.log.Warn(h.ctx, "inbound queue full; dropping datagram",
				logging.String("command", protocol.CommandName(data[0])))
		}
	}
}

func (h *ClientHandler) commandLoop() {
	ticker := time.NewTicker(h.cfg.PollInterval)
	defer ticker.Stop()

	for h.active() {
		h.servicePending()
		if !h.active() {
			return
		}
		if len(h.backlog) > 0 {
			data := h.backlog[0]
			h.backlog = h.backlog[1:]
			h.dispatch(data)
			continue
		}
		select {
		case <-h.stop:
			return
		case <-h.wake:
		case data := <-h.queue:
			// Pending pushes go first; the request is answered on the next pass.
			h.backlog = append(h.backlog, data)
		case <-ticker.C:
		}
	}
}

// dispatch decodes one datagram and runs its command.
func (h *ClientHandler) dispatch(data []byte) {
	d := protocol.Parse(data)
	code := d.NextByte()
	if d.Short() {
		return
	}
	h.coord.metrics.ObserveCommand(protocol.CommandName(code))

	if h.handleCommand(code, d) {
		h.malformed = 0
		return
	}
	h.malformed++
	h.log.Warn(h.ctx, "malformed payload",
		logging.String("command", protocol.CommandName(code)),
		logging.Int("consecutive", h.malformed),
	)
	if h.malformed >= h.cfg.MaxReadFailures {
		h.log.Warn(h.ctx, "terminating after repeated malformed datagrams")
		h.terminate()
	}
}

func (h *ClientHandler) send(d *protocol.Datagram) {
	if d.Len() > protocol.MaxDatagramSize {
		h.log.Error(h.ctx, "reply exceeds datagram size; dropped",
			logging.Int("bytes", d.Len()),
			logging.String("command", protocol.CommandName(d.Bytes()[0])),
		)
		return
	}
	if _, err := h.conn.Write(d.Bytes()); err != nil {
		h.log.Debug(h.ctx, "send failed", logging.Err(err))
	}
}

func (h *ClientHandler) sendInitAck() {
	d := protocol.NewCommand(protocol.InitCommunicationAck)
	d.PutInt(protocol.Version)
	d.PutString(h.session)
	h.send(d)
}

// requestInitAck asks the command loop to repeat INIT_ACK for a client that
// retried its handshake.
func (h *ClientHandler) requestInitAck() {
	h.mu.Lock()
	h.pendingInitAck = true
	h.mu.Unlock()
	h.wakeUp()
}

func (h *ClientHandler) enqueuePush(p pendingPush) {
	h.mu.Lock()
	h.pushes = append(h.pushes, p)
	h.mu.Unlock()
	h.wakeUp()
}

func (h *ClientHandler) notifyStepCompleted(round int32) {
	h.enqueuePush(pendingPush{kind: pushStepCompleted, round: round})
}

func (h *ClientHandler) notifyResetCompleted(round int32) {
	h.enqueuePush(pendingPush{kind: pushResetCompleted, round: round})
}

// notifyCommunicationReset supersedes any undelivered push.
func (h *ClientHandler) notifyCommunicationReset() {
	h.mu.Lock()
	h.pushes = []pendingPush{{kind: pushCommunicationReset}}
	h.mu.Unlock()
	h.wakeUp()
}

func (h *ClientHandler) pendingPushes() []pendingPush {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]pendingPush(nil), h.pushes...)
}

// EventOccurred records a fired event for the next step-completed message.
func (h *ClientHandler) EventOccurred(e *sim.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id, ok := h.eventIDs[e]
	if !ok {
		return
	}
	for _, f := range h.fired {
		if f == id {
			return
		}
	}
	h.fired = append(h.fired, id)
}

// servicePending delivers queued push messages before any further request is
// read.
func (h *ClientHandler) servicePending() {
	for h.active() {
		h.mu.Lock()
		initAck := h.pendingInitAck
		h.pendingInitAck = false
		var p pendingPush
		has := len(h.pushes) > 0
		if has {
			p = h.pushes[0]
			h.pushes = h.pushes[1:]
		}
		h.mu.Unlock()

		if initAck {
			h.sendInitAck()
		}
		if !has {
			return
		}
		switch p.kind {
		case pushStepCompleted:
			h.pushStepCompleted(p.round)
		case pushResetCompleted:
			h.pushResetCompleted(p.round)
		case pushCommunicationReset:
			h.pushCommunicationReset()
		}
	}
}

func (h *ClientHandler) pushStepCompleted(round int32) {
	h.mu.Lock()
	groups := h.controlledLocked()
	fired := h.fired
	h.fired = nil
	h.mu.Unlock()

	d := protocol.NewCommand(protocol.StepCompleted)
	d.PutInt(round)
	d.PutInt(int32(len(groups)))
	h.coord.env.withLock(func() {
		for _, ig := range groups {
			ig.writeState(d)
		}
	})
	d.PutInt(int32(len(fired)))
	for _, id := range fired {
		d.PutInt(id)
	}
	h.send(d)

	if !h.waitForConfirmation(protocol.StepCompletedAck, round, true) {
		h.coord.metrics.IncConfirmationFailure(roundKindStep)
	}
}

func (h *ClientHandler) pushResetCompleted(round int32) {
	d := protocol.NewCommand(protocol.ResetCompleted)
	d.PutInt(round)
	h.send(d)

	if !h.waitForConfirmation(protocol.ResetCompletedAck, round, true) {
		h.coord.metrics.IncConfirmationFailure(roundKindReset)
	}
}

func (h *ClientHandler) pushCommunicationReset() {
	h.resetTransientState()
	h.send(protocol.NewCommand(protocol.CommunicationReset))

	if !h.waitForConfirmation(protocol.CommunicationResetAck, 0, false) {
		h.coord.metrics.IncConfirmationFailure("communication_reset")
	}
}

// waitForConfirmation blocks until the client acknowledges a push. Acks for
// another round are discarded. RESET_COMMUNICATION is handled immediately
// and aborts the wait; any other request aborts the wait and is answered by
// the command loop afterwards.
func (h *ClientHandler) waitForConfirmation(code byte, round int32, matchRound bool) bool {
	deadline := time.NewTimer(h.cfg.ConfirmationTimeout)
	defer deadline.Stop()

	for {
		select {
		case <-h.stop:
			return false
		case <-deadline.C:
			h.unacked++
			h.log.Warn(h.ctx, "confirmation timed out",
				logging.String("command", protocol.CommandName(code)),
				logging.Int("round", int(round)),
				logging.Int("consecutive", h.unacked),
			)
			if h.unacked >= h.cfg.MaxConfirmationTimeouts {
				h.log.Warn(h.ctx, "terminating after repeated confirmation timeouts")
				h.terminate()
			}
			return false
		case data := <-h.queue:
			d := protocol.Parse(data)
			op := d.NextByte()
			if d.Short() {
				continue
			}
			h.unacked = 0
			if op == code {
				if !matchRound {
					return true
				}
				if got := d.NextInt(); !d.Short() && got == round {
					return true
				}
				h.log.Debug(h.ctx, "discarding stale confirmation",
					logging.String("command", protocol.CommandName(op)),
					logging.Int("round", int(round)),
				)
				continue
			}
			switch {
			case isPushAck(op):
				h.log.Debug(h.ctx, "discarding unexpected confirmation", logging.String("command", protocol.CommandName(op)))
				continue
			case protocol.IsAnytimeCommand(op):
				h.dispatch(data)
			default:
				h.log.Warn(h.ctx, "request while awaiting confirmation",
					logging.String("awaiting", protocol.CommandName(code)),
					logging.String("command", protocol.CommandName(op)),
				)
				h.backlog = append(h.backlog, data)
			}
			return false
		}
	}
}

func isPushAck(code byte) bool {
	switch code {
	case protocol.StepCompletedAck, protocol.ResetCompletedAck, protocol.CommunicationResetAck:
		return true
	}
	return false
}

// resetTransientState drops event subscriptions and value ids. Agent ids,
// controlled groups and undelivered pushes survive.
func (h *ClientHandler) resetTransientState() {
	h.mu.Lock()
	events := make([]*sim.Event, 0, len(h.events))
	for _, ev := range h.events {
		events = append(events, ev)
	}
	h.events = make(map[int32]*sim.Event)
	h.eventIDs = make(map[*sim.Event]int32)
	h.values = make(map[int32]*sim.Value)
	h.valueIDs = make(map[*sim.Value]int32)
	h.fired = nil
	h.mu.Unlock()

	for _, ev := range events {
		ev.RemoveObserver(h)
	}
}

func (h *ClientHandler) newIDLocked() int32 {
	h.nextID++
	return h.nextID
}
