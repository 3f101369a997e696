// Package client is a Go client for the seedlink UDP control protocol.
//
// A Client performs the INIT handshake against the coordinator's listening
// address and then talks to its dedicated handler socket. Calls are
// serialised; each waits for its ack, bounded by the context and the
// per-request timeout.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/signalsfoundry/seedlink/internal/logging"
	"github.com/signalsfoundry/seedlink/internal/protocol"
)

var (
	// ErrFailed is returned when the server answers with a failure status.
	ErrFailed = errors.New("request failed")
	// ErrNotFound is returned for ids or names the server does not know.
	ErrNotFound = errors.New("not found")
	// ErrUnknownCommand is returned when the server did not understand a request.
	ErrUnknownCommand = errors.New("server reported unknown command")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("client closed")
)

type options struct {
	timeout  time.Duration
	attempts int
	log      logging.Logger
}

// Option configures Dial.
type Option func(*options)

// WithTimeout bounds each wait for a reply. Default: 2s
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithHandshakeAttempts sets how often INIT_COMMUNICATION is sent before
// Dial gives up. Default: 3
func WithHandshakeAttempts(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.attempts = n
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(l logging.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// Client is a connected protocol session.
type Client struct {
	opts    options
	conn    *net.UDPConn
	handler *net.UDPAddr
	session string
	version int32

	mu     sync.Mutex
	closed bool
	resets int
}

// Dial performs the handshake with the coordinator at addr.
func Dial(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	o := options{timeout: 2 * time.Second, attempts: 3, log: logging.Noop()}
	for _, opt := range opts {
		opt(&o)
	}

	server, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", addr, err)
	}
	var local *net.UDPAddr
	if server.IP != nil && server.IP.IsLoopback() {
		local = &net.UDPAddr{IP: server.IP}
	}
	conn, err := net.ListenUDP("udp", local)
	if err != nil {
		return nil, fmt.Errorf("bind client socket: %w", err)
	}

	c := &Client{opts: o, conn: conn}
	hello := protocol.NewCommand(protocol.InitCommunication)
	for attempt := 1; attempt <= o.attempts; attempt++ {
		if _, err := conn.WriteToUDP(hello.Bytes(), server); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("send init: %w", err)
		}
		d, from, err := c.read(ctx, nil)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() && attempt < o.attempts && ctx.Err() == nil {
				o.log.Debug(ctx, "init not answered; retrying", logging.Int("attempt", attempt))
				continue
			}
			_ = conn.Close()
			return nil, fmt.Errorf("handshake with %s: %w", addr, err)
		}
		if d.NextByte() != protocol.InitCommunicationAck {
			continue
		}
		c.version = d.NextInt()
		c.session = d.NextString()
		if d.Short() {
			_ = conn.Close()
			return nil, fmt.Errorf("handshake with %s: malformed INIT_COMMUNICATION_ACK", addr)
		}
		c.handler = from
		o.log.Info(ctx, "connected",
			logging.String("session", c.session),
			logging.String("handler", from.String()),
		)
		return c, nil
	}
	_ = conn.Close()
	return nil, fmt.Errorf("handshake with %s: no INIT_COMMUNICATION_ACK", addr)
}

// Session returns the id the server assigned to this connection.
func (c *Client) Session() string { return c.session }

// Version returns the server's protocol version.
func (c *Client) Version() int32 { return c.version }

// HandlerAddr returns the address of the dedicated handler socket.
func (c *Client) HandlerAddr() *net.UDPAddr { return c.handler }

// CommunicationResets returns how many server-initiated communication resets
// were acknowledged.
func (c *Client) CommunicationResets() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resets
}

// Close ends the session and releases the socket.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.timeout)
	defer cancel()
	_, err := c.roundTripLocked(ctx, protocol.NewCommand(protocol.EndCommunication), protocol.EndCommunicationAck)
	if cerr := c.conn.Close(); err == nil {
		err = cerr
	}
	return err
}

// read waits for one datagram, optionally only from peer.
func (c *Client) read(ctx context.Context, peer *net.UDPAddr) (*protocol.Datagram, *net.UDPAddr, error) {
	buf := make([]byte, protocol.MaxDatagramSize)
	for {
		deadline := time.Now().Add(c.opts.timeout)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		if err := c.conn.SetReadDeadline(deadline); err != nil {
			return nil, nil, err
		}
		n, from, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil, ctx.Err()
			}
			return nil, nil, err
		}
		if peer != nil && from.String() != peer.String() {
			continue
		}
		if n == 0 {
			continue
		}
		return protocol.Parse(append([]byte(nil), buf[:n]...)), from, nil
	}
}

func (c *Client) send(d *protocol.Datagram) error {
	_, err := c.conn.WriteToUDP(d.Bytes(), c.handler)
	return err
}

// await reads until a datagram with code want arrives. Server-initiated
// communication resets are acknowledged on the way.
func (c *Client) await(ctx context.Context, want byte) (*protocol.Datagram, error) {
	for {
		d, _, err := c.read(ctx, c.handler)
		if err != nil {
			return nil, fmt.Errorf("awaiting %s: %w", protocol.CommandName(want), err)
		}
		code := d.NextByte()
		switch {
		case code == want:
			return d, nil
		case code == protocol.CommunicationReset:
			c.resets++
			c.opts.log.Info(ctx, "server reset communication", logging.String("session", c.session))
			if err := c.send(protocol.NewCommand(protocol.CommunicationResetAck)); err != nil {
				return nil, err
			}
		case code == protocol.UnknownCommand:
			return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, protocol.CommandName(d.NextByte()))
		default:
			c.opts.log.Debug(ctx, "discarding unexpected datagram",
				logging.String("awaiting", protocol.CommandName(want)),
				logging.String("got", protocol.CommandName(code)),
			)
		}
	}
}

func (c *Client) roundTripLocked(ctx context.Context, req *protocol.Datagram, ack byte) (*protocol.Datagram, error) {
	if err := c.send(req); err != nil {
		return nil, err
	}
	return c.await(ctx, ack)
}

func (c *Client) roundTrip(ctx context.Context, req *protocol.Datagram, ack byte) (*protocol.Datagram, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	return c.roundTripLocked(ctx, req, ack)
}

func statusError(status byte) error {
	switch status {
	case protocol.StatusOK:
		return nil
	case protocol.StatusNotFound:
		return ErrNotFound
	default:
		return ErrFailed
	}
}

func malformed(code byte) error {
	return fmt.Errorf("malformed %s", protocol.CommandName(code))
}

// ResetCommunication drops the server-side subscriptions and value ids of
// this session. Controlled agents are kept.
func (c *Client) ResetCommunication(ctx context.Context) error {
	_, err := c.roundTrip(ctx, protocol.NewCommand(protocol.ResetCommunication), protocol.ResetCommunicationAck)
	return err
}

// RegisterForEvent subscribes to the named event and returns its id.
func (c *Client) RegisterForEvent(ctx context.Context, name string) (int32, error) {
	req := protocol.NewCommand(protocol.RegisterForEvent)
	req.PutString(name)
	d, err := c.roundTrip(ctx, req, protocol.RegisterForEventAck)
	if err != nil {
		return 0, err
	}
	id := d.NextInt()
	if d.Short() {
		return 0, malformed(protocol.RegisterForEventAck)
	}
	if id < 0 {
		return 0, fmt.Errorf("event %q: %w", name, ErrNotFound)
	}
	return id, nil
}

// DeregisterForEvent drops an event subscription.
func (c *Client) DeregisterForEvent(ctx context.Context, id int32) error {
	req := protocol.NewCommand(protocol.DeregisterForEvent)
	req.PutInt(id)
	d, err := c.roundTrip(ctx, req, protocol.DeregisterForEventAck)
	if err != nil {
		return err
	}
	return statusError(d.NextByte())
}

// EventList returns the names of events matching pattern.
func (c *Client) EventList(ctx context.Context, pattern string) ([]string, error) {
	req := protocol.NewCommand(protocol.EventList)
	req.PutString(pattern)
	d, err := c.roundTrip(ctx, req, protocol.EventListAck)
	if err != nil {
		return nil, err
	}
	n := d.NextCount(4)
	names := make([]string, 0, n)
	for i := 0; i < n; i++ {
		names = append(names, d.NextString())
	}
	if d.Short() {
		return nil, malformed(protocol.EventListAck)
	}
	return names, nil
}

// ValueInfo describes a value registered with this session.
type ValueInfo struct {
	ID   int32
	Name string
	Type string
}

// ValueList registers every value matching pattern and returns the ids.
func (c *Client) ValueList(ctx context.Context, pattern string) ([]ValueInfo, error) {
	req := protocol.NewCommand(protocol.ValueList)
	req.PutString(pattern)
	d, err := c.roundTrip(ctx, req, protocol.ValueListAck)
	if err != nil {
		return nil, err
	}
	n := d.NextCount(12)
	out := make([]ValueInfo, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, ValueInfo{ID: d.NextInt(), Name: d.NextString(), Type: d.NextString()})
	}
	if d.Short() {
		return nil, malformed(protocol.ValueListAck)
	}
	return out, nil
}

// GetValue returns the string form of a registered value.
func (c *Client) GetValue(ctx context.Context, id int32) (string, error) {
	req := protocol.NewCommand(protocol.GetValue)
	req.PutInt(id)
	d, err := c.roundTrip(ctx, req, protocol.GetValueAck)
	if err != nil {
		return "", err
	}
	status := d.NextByte()
	v := d.NextString()
	if err := statusError(status); err != nil {
		return "", err
	}
	return v, nil
}

// SetValue parses v into a registered value.
func (c *Client) SetValue(ctx context.Context, id int32, v string) error {
	req := protocol.NewCommand(protocol.SetValue)
	req.PutInt(id)
	req.PutString(v)
	d, err := c.roundTrip(ctx, req, protocol.SetValueAck)
	if err != nil {
		return err
	}
	return statusError(d.NextByte())
}

// Agent is an entry of the agent overview.
type Agent struct {
	ID   int32
	Name string
}

// AgentOverview lists the controllable agents with their session ids.
func (c *Client) AgentOverview(ctx context.Context) ([]Agent, error) {
	d, err := c.roundTrip(ctx, protocol.NewCommand(protocol.AgentOverview), protocol.AgentOverviewAck)
	if err != nil {
		return nil, err
	}
	n := d.NextCount(8)
	out := make([]Agent, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, Agent{ID: d.NextInt(), Name: d.NextString()})
	}
	if d.Short() {
		return nil, malformed(protocol.AgentOverviewAck)
	}
	return out, nil
}

// ValueRange is one entry of an agent's value block.
type ValueRange struct {
	Name string
	Min  float32
	Max  float32
}

// AgentDescription is the reply to AgentInfo.
type AgentDescription struct {
	Name    string
	Inputs  []ValueRange
	Outputs []ValueRange
	Infos   []ValueRange
}

// AgentInfo describes the inputs, outputs and info values of an agent.
func (c *Client) AgentInfo(ctx context.Context, id int32) (AgentDescription, error) {
	req := protocol.NewCommand(protocol.AgentInfo)
	req.PutInt(id)
	d, err := c.roundTrip(ctx, req, protocol.AgentInfoAck)
	if err != nil {
		return AgentDescription{}, err
	}
	if err := statusError(d.NextByte()); err != nil {
		return AgentDescription{}, err
	}
	desc := AgentDescription{Name: d.NextString()}
	desc.Inputs = readValueBlock(d)
	desc.Outputs = readValueBlock(d)
	desc.Infos = readValueBlock(d)
	if d.Short() {
		return AgentDescription{}, malformed(protocol.AgentInfoAck)
	}
	return desc, nil
}

func readValueBlock(d *protocol.Datagram) []ValueRange {
	k := d.NextCount(12)
	out := make([]ValueRange, 0, k)
	for i := 0; i < k; i++ {
		out = append(out, ValueRange{Name: d.NextString(), Min: d.NextFloat(), Max: d.NextFloat()})
	}
	return out
}

// RegisterForAgent claims exclusive control of an agent. ErrFailed means
// another client controls it.
func (c *Client) RegisterForAgent(ctx context.Context, id int32) error {
	req := protocol.NewCommand(protocol.RegisterForAgent)
	req.PutInt(id)
	d, err := c.roundTrip(ctx, req, protocol.RegisterForAgentAck)
	if err != nil {
		return err
	}
	return statusError(d.NextByte())
}

// DeregisterForAgent releases control of an agent.
func (c *Client) DeregisterForAgent(ctx context.Context, id int32) error {
	req := protocol.NewCommand(protocol.DeregisterForAgent)
	req.PutInt(id)
	d, err := c.roundTrip(ctx, req, protocol.DeregisterForAgentAck)
	if err != nil {
		return err
	}
	return statusError(d.NextByte())
}

// AgentState holds the normalized outputs and raw info values of a
// controlled agent after a step.
type AgentState struct {
	Outputs []float32
	Infos   []float32
}

// StepResult is the content of a step-completed message.
type StepResult struct {
	Round int32
	// InputsAccepted is false when the server rejected some inputs; the
	// step still ran.
	InputsAccepted bool
	Agents         map[int32]AgentState
	Events         []int32
}

// Step sends normalized inputs per controlled agent id, waits for every
// other connected client to step too, and returns the new state.
func (c *Client) Step(ctx context.Context, inputs map[int32][]float32) (*StepResult, error) {
	ids := make([]int32, 0, len(inputs))
	for id := range inputs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	req := protocol.NewCommand(protocol.NextSimulationStep)
	req.PutInt(int32(len(ids)))
	for _, id := range ids {
		req.PutInt(id)
		req.PutInt(int32(len(inputs[id])))
		for _, f := range inputs[id] {
			req.PutFloat(f)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	ack, err := c.roundTripLocked(ctx, req, protocol.NextSimulationStepAck)
	if err != nil {
		return nil, err
	}
	res := &StepResult{InputsAccepted: ack.NextByte() == protocol.StatusOK, Agents: make(map[int32]AgentState)}

	d, err := c.await(ctx, protocol.StepCompleted)
	if err != nil {
		return nil, err
	}
	res.Round = d.NextInt()
	n := d.NextCount(12)
	for i := 0; i < n; i++ {
		id := d.NextInt()
		var st AgentState
		st.Outputs = readFloats(d)
		st.Infos = readFloats(d)
		res.Agents[id] = st
	}
	e := d.NextCount(4)
	for i := 0; i < e; i++ {
		res.Events = append(res.Events, d.NextInt())
	}
	if d.Short() {
		return nil, malformed(protocol.StepCompleted)
	}

	confirm := protocol.NewCommand(protocol.StepCompletedAck)
	confirm.PutInt(res.Round)
	if err := c.send(confirm); err != nil {
		return nil, err
	}
	return res, nil
}

func readFloats(d *protocol.Datagram) []float32 {
	k := d.NextCount(4)
	out := make([]float32, k)
	for i := range out {
		out[i] = d.NextFloat()
	}
	return out
}

// Reset asks for a simulation reset with seed and waits until every client
// has asked. The seed of the first request in a round wins. It returns the
// reset round number.
func (c *Client) Reset(ctx context.Context, seed int32) (int32, error) {
	req := protocol.NewCommand(protocol.ResetSimulation)
	req.PutInt(seed)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, ErrClosed
	}
	if _, err := c.roundTripLocked(ctx, req, protocol.ResetSimulationAck); err != nil {
		return 0, err
	}
	d, err := c.await(ctx, protocol.ResetCompleted)
	if err != nil {
		return 0, err
	}
	round := d.NextInt()
	if d.Short() {
		return 0, malformed(protocol.ResetCompleted)
	}
	confirm := protocol.NewCommand(protocol.ResetCompletedAck)
	confirm.PutInt(round)
	if err := c.send(confirm); err != nil {
		return 0, err
	}
	return round, nil
}
