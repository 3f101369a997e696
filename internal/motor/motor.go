// Package motor implements the reduced single-client UDP protocol that reads
// and writes the motors of one controllable group using raw integer values.
package motor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"sync"

	"github.com/signalsfoundry/seedlink/internal/logging"
	"github.com/signalsfoundry/seedlink/internal/protocol"
	"github.com/signalsfoundry/seedlink/internal/sim"
)

// External motor range on the wire.
const (
	RawMin int32 = 0
	RawMax int32 = 1023
)

var (
	// ErrServerStart indicates the motor socket could not be bound.
	ErrServerStart = errors.New("motor interface could not start")
	// ErrNoGroup indicates the server was built without a group.
	ErrNoGroup = errors.New("no controllable group")
)

// ToExternal maps a normalized value in [-1,1] onto [RawMin,RawMax],
// clamping out-of-range input.
func ToExternal(v float64) int32 {
	if math.IsNaN(v) {
		v = 0
	}
	v = math.Max(-1, math.Min(1, v))
	return RawMin + int32(math.Round((v+1)/2*float64(RawMax-RawMin)))
}

// ToNormalized maps a raw value onto [-1,1], clamping to [RawMin,RawMax]
// first.
func ToNormalized(raw int32) float64 {
	if raw < RawMin {
		raw = RawMin
	}
	if raw > RawMax {
		raw = RawMax
	}
	return float64(raw-RawMin)/float64(RawMax-RawMin)*2 - 1
}

// MetricsRecorder counts handled motor commands.
type MetricsRecorder interface {
	ObserveMotorCommand(command string)
}

type noopMetrics struct{}

func (noopMetrics) ObserveMotorCommand(string) {}

// Option configures optional Server collaborators.
type Option func(*Server)

// WithMetricsRecorder wires a metrics recorder.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(s *Server) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithExecutionLock runs every mutation of the group under lock.
func WithExecutionLock(lock func(fn func())) Option {
	return func(s *Server) {
		s.lock = lock
	}
}

// Server serves one client at a time over a single socket. The first
// INIT_COMMUNICATION claims the session until END_COMMUNICATION.
type Server struct {
	address string
	group   sim.ControllableGroup
	lock    func(fn func())
	log     logging.Logger
	metrics MetricsRecorder

	mu      sync.Mutex
	ctx     context.Context
	conn    *net.UDPConn
	running bool
	client  *net.UDPAddr
	session string
	wg      sync.WaitGroup
}

// NewServer builds a motor server for group listening on address.
func NewServer(address string, group sim.ControllableGroup, log logging.Logger, opts ...Option) (*Server, error) {
	if group == nil {
		return nil, ErrNoGroup
	}
	if log == nil {
		log = logging.Noop()
	}
	s := &Server{
		address: address,
		group:   group,
		log:     log.With(logging.String("group", group.Name())),
		metrics: noopMetrics{},
		ctx:     context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start binds the socket and serves until Stop.
func (s *Server) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	addr, err := net.ResolveUDPAddr("udp", s.address)
	if err != nil {
		return fmt.Errorf("%w: resolve %q: %v", ErrServerStart, s.address, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("%w: listen %q: %v", ErrServerStart, s.address, err)
	}
	s.ctx = ctx
	s.conn = conn
	s.running = true
	s.wg.Add(1)
	go s.serve(conn)

	s.log.Info(ctx, "motor interface listening", logging.String("address", conn.LocalAddr().String()))
	return nil
}

// Stop closes the socket and waits for the serve loop to exit.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	conn := s.conn
	s.mu.Unlock()

	_ = conn.Close()
	s.wg.Wait()
	s.log.Info(s.ctx, "motor interface stopped")
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Session returns the active session id, or "" when no client is attached.
func (s *Server) Session() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

func (s *Server) serve(conn *net.UDPConn) {
	defer s.wg.Done()

	buf := make([]byte, protocol.MaxDatagramSize)
	for {
		n, peer, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn(s.ctx, "motor socket read failed", logging.Err(err))
			continue
		}
		if n == 0 {
			continue
		}
		s.handle(conn, peer, protocol.Parse(buf[:n]))
	}
}

func (s *Server) withLock(fn func()) {
	if s.lock == nil {
		fn()
		return
	}
	s.lock(fn)
}

func (s *Server) handle(conn *net.UDPConn, peer *net.UDPAddr, d *protocol.Datagram) {
	code := d.NextByte()
	s.metrics.ObserveMotorCommand(protocol.CommandName(code))

	s.mu.Lock()
	active := s.client != nil
	own := active && s.client.String() == peer.String()
	if code == protocol.InitCommunication && !active {
		s.client = peer
		s.session = logging.NewSessionID()
		active, own = true, true
		s.log.Info(s.ctx, "motor client connected",
			logging.String("peer", peer.String()), logging.String("session", s.session))
	}
	session := s.session
	s.mu.Unlock()

	if !own {
		s.log.Debug(s.ctx, "ignoring datagram from non-session peer",
			logging.String("peer", peer.String()),
			logging.String("command", protocol.CommandName(code)),
			logging.Bool("session_active", active),
		)
		return
	}

	var reply *protocol.Datagram
	switch code {
	case protocol.InitCommunication:
		reply = protocol.NewCommand(protocol.InitCommunicationAck)
		reply.PutInt(protocol.Version)
		reply.PutString(session)
	case protocol.EndCommunication:
		reply = protocol.NewCommand(protocol.EndCommunicationAck)
		s.mu.Lock()
		s.client = nil
		s.session = ""
		s.mu.Unlock()
		s.log.Info(s.ctx, "motor client disconnected", logging.String("peer", peer.String()))
	case protocol.GetMotors:
		reply = s.getMotors()
	case protocol.SetMotors:
		reply = s.setMotors(d)
	default:
		reply = protocol.NewCommand(protocol.UnknownCommand)
		reply.PutByte(code)
	}

	if _, err := conn.WriteToUDP(reply.Bytes(), peer); err != nil {
		s.log.Debug(s.ctx, "motor reply failed", logging.Err(err))
	}
}

func (s *Server) getMotors() *protocol.Datagram {
	reply := protocol.NewCommand(protocol.GetMotorsAck)
	s.withLock(func() {
		outputs := s.group.OutputValues()
		reply.PutInt(int32(len(outputs)))
		for _, v := range outputs {
			reply.PutInt(ToExternal(v.Normalized()))
		}
	})
	return reply
}

func (s *Server) setMotors(d *protocol.Datagram) *protocol.Datagram {
	reply := protocol.NewCommand(protocol.SetMotorsAck)
	n := d.NextCount(4)
	raw := make([]int32, n)
	for i := range raw {
		raw[i] = d.NextInt()
	}

	inputs := s.group.InputValues()
	if d.Short() || n != len(inputs) {
		s.log.Debug(s.ctx, "rejecting motor values",
			logging.Int("want", len(inputs)), logging.Int("got", n), logging.Bool("short", d.Short()))
		reply.PutByte(protocol.StatusFailed)
		return reply
	}
	s.withLock(func() {
		for i, v := range inputs {
			v.SetNormalized(ToNormalized(raw[i]))
		}
	})
	reply.PutByte(protocol.StatusOK)
	return reply
}
