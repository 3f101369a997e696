package seed

import (
	"sort"

	"github.com/signalsfoundry/seedlink/internal/logging"
	"github.com/signalsfoundry/seedlink/internal/protocol"
	"github.com/signalsfoundry/seedlink/internal/sim"
)

// handleCommand runs one request. It returns false when the payload could not
// be decoded.
func (h *ClientHandler) handleCommand(code byte, d *protocol.Datagram) bool {
	switch code {
	case protocol.InitCommunication:
		h.sendInitAck()
		return true
	case protocol.EndCommunication:
		h.send(protocol.NewCommand(protocol.EndCommunicationAck))
		h.log.Info(h.ctx, "client ended communication")
		h.terminate()
		return true
	case protocol.ResetCommunication:
		h.resetTransientState()
		h.send(protocol.NewCommand(protocol.ResetCommunicationAck))
		return true
	case protocol.RegisterForEvent:
		return h.handleRegisterForEvent(d)
	case protocol.DeregisterForEvent:
		return h.handleDeregisterForEvent(d)
	case protocol.EventList:
		return h.handleEventList(d)
	case protocol.ValueList:
		return h.handleValueList(d)
	case protocol.GetValue:
		return h.handleGetValue(d)
	case protocol.SetValue:
		return h.handleSetValue(d)
	case protocol.AgentOverview:
		return h.handleAgentOverview()
	case protocol.AgentInfo:
		return h.handleAgentInfo(d)
	case protocol.RegisterForAgent:
		return h.handleRegisterForAgent(d)
	case protocol.DeregisterForAgent:
		return h.handleDeregisterForAgent(d)
	case protocol.NextSimulationStep:
		return h.handleNextSimulationStep(d)
	case protocol.ResetSimulation:
		return h.handleResetSimulation(d)
	case protocol.StepCompletedAck, protocol.ResetCompletedAck, protocol.CommunicationResetAck:
		h.log.Debug(h.ctx, "late confirmation ignored", logging.String("command", protocol.CommandName(code)))
		return true
	default:
		h.log.Warn(h.ctx, "unknown command", logging.String("command", protocol.CommandName(code)))
		ack := protocol.NewCommand(protocol.UnknownCommand)
		ack.PutByte(code)
		h.send(ack)
		return true
	}
}

func (h *ClientHandler) handleRegisterForEvent(d *protocol.Datagram) bool {
	name := d.NextString()
	ack := protocol.NewCommand(protocol.RegisterForEventAck)
	if d.Short() {
		ack.PutInt(-1)
		h.send(ack)
		return false
	}

	var ev *sim.Event
	if h.coord.env.Events != nil {
		ev = h.coord.env.Events.Get(name)
	}
	if ev == nil {
		h.log.Debug(h.ctx, "register for unknown event", logging.String("event", name))
		ack.PutInt(-1)
		h.send(ack)
		return true
	}

	h.mu.Lock()
	id, known := h.eventIDs[ev]
	if !known {
		id = h.newIDLocked()
		h.events[id] = ev
		h.eventIDs[ev] = id
	}
	h.mu.Unlock()
	if !known {
		ev.AddObserver(h)
	}

	ack.PutInt(id)
	h.send(ack)
	return true
}

func (h *ClientHandler) handleDeregisterForEvent(d *protocol.Datagram) bool {
	id := d.NextInt()
	ack := protocol.NewCommand(protocol.DeregisterForEventAck)
	if d.Short() {
		ack.PutByte(protocol.StatusFailed)
		h.send(ack)
		return false
	}

	h.mu.Lock()
	ev, ok := h.events[id]
	if ok {
		delete(h.events, id)
		delete(h.eventIDs, ev)
		for i, f := range h.fired {
			if f == id {
				h.fired = append(h.fired[:i], h.fired[i+1:]...)
				break
			}
		}
	}
	h.mu.Unlock()

	if !ok {
		ack.PutByte(protocol.StatusNotFound)
		h.send(ack)
		return true
	}
	ev.RemoveObserver(h)
	ack.PutByte(protocol.StatusOK)
	h.send(ack)
	return true
}

func (h *ClientHandler) handleEventList(d *protocol.Datagram) bool {
	pattern := d.NextString()
	ack := protocol.NewCommand(protocol.EventListAck)
	if d.Short() {
		ack.PutInt(0)
		h.send(ack)
		return false
	}

	var events []*sim.Event
	if h.coord.env.Events != nil {
		found, err := h.coord.env.Events.Find(pattern)
		if err != nil {
			h.log.Debug(h.ctx, "invalid event pattern", logging.String("pattern", pattern), logging.Err(err))
		}
		events = found
	}
	ack.PutInt(int32(len(events)))
	for _, ev := range events {
		ack.PutString(ev.Name())
	}
	h.send(ack)
	return true
}

func (h *ClientHandler) handleValueList(d *protocol.Datagram) bool {
	pattern := d.NextString()
	ack := protocol.NewCommand(protocol.ValueListAck)
	if d.Short() {
		ack.PutInt(0)
		h.send(ack)
		return false
	}

	var values []*sim.Value
	if h.coord.env.Values != nil {
		found, err := h.coord.env.Values.Find(pattern)
		if err != nil {
			h.log.Debug(h.ctx, "invalid value pattern", logging.String("pattern", pattern), logging.Err(err))
		}
		values = found
	}

	ids := make([]int32, len(values))
	h.mu.Lock()
	for i, v := range values {
		id, ok := h.valueIDs[v]
		if !ok {
			id = h.newIDLocked()
			h.values[id] = v
			h.valueIDs[v] = id
		}
		ids[i] = id
	}
	h.mu.Unlock()

	ack.PutInt(int32(len(values)))
	for i, v := range values {
		ack.PutInt(ids[i])
		ack.PutString(v.Name())
		ack.PutString(v.TypeName())
	}
	h.send(ack)
	return true
}

func (h *ClientHandler) lookupValue(id int32) *sim.Value {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.values[id]
}

func (h *ClientHandler) handleGetValue(d *protocol.Datagram) bool {
	id := d.NextInt()
	ack := protocol.NewCommand(protocol.GetValueAck)
	if d.Short() {
		ack.PutByte(protocol.StatusFailed)
		ack.PutString("")
		h.send(ack)
		return false
	}

	v := h.lookupValue(id)
	if v == nil {
		ack.PutByte(protocol.StatusNotFound)
		ack.PutString("")
		h.send(ack)
		return true
	}
	var s string
	h.coord.env.withLock(func() { s = v.String() })
	ack.PutByte(protocol.StatusOK)
	ack.PutString(s)
	h.send(ack)
	return true
}

func (h *ClientHandler) handleSetValue(d *protocol.Datagram) bool {
	id := d.NextInt()
	s := d.NextString()
	ack := protocol.NewCommand(protocol.SetValueAck)
	if d.Short() {
		ack.PutByte(protocol.StatusFailed)
		h.send(ack)
		return false
	}

	v := h.lookupValue(id)
	if v == nil {
		ack.PutByte(protocol.StatusNotFound)
		h.send(ack)
		return true
	}
	var err error
	h.coord.env.withLock(func() { err = v.Set(s) })
	if err != nil {
		h.log.Debug(h.ctx, "set value rejected", logging.String("value", v.Name()), logging.Err(err))
		ack.PutByte(protocol.StatusFailed)
		h.send(ack)
		return true
	}
	ack.PutByte(protocol.StatusOK)
	h.send(ack)
	return true
}

// refreshAgents assigns ids to new groups and forgets vanished ones,
// releasing any that this handler controlled.
func (h *ClientHandler) refreshAgents() {
	var groups []sim.ControllableGroup
	if h.coord.env.Groups != nil {
		groups = h.coord.env.Groups.List()
	}
	present := make(map[sim.ControllableGroup]bool, len(groups))

	h.mu.Lock()
	for _, g := range groups {
		present[g] = true
		if _, ok := h.agentIDs[g]; !ok {
			id := h.newIDLocked()
			h.agents[id] = g
			h.agentIDs[g] = id
		}
	}
	var vanished []sim.ControllableGroup
	for id, g := range h.agents {
		if present[g] {
			continue
		}
		delete(h.agents, id)
		delete(h.agentIDs, g)
		if _, ok := h.controlled[id]; ok {
			delete(h.controlled, id)
			vanished = append(vanished, g)
		}
	}
	h.mu.Unlock()

	for _, g := range vanished {
		h.coord.DeregisterGroupController(g, h)
	}
}

// forgetGroup drops g from the agent table.
func (h *ClientHandler) forgetGroup(g sim.ControllableGroup) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id, ok := h.agentIDs[g]
	if !ok {
		return
	}
	delete(h.agentIDs, g)
	delete(h.agents, id)
	delete(h.controlled, id)
}

func (h *ClientHandler) handleAgentOverview() bool {
	h.refreshAgents()

	h.mu.Lock()
	ids := make([]int32, 0, len(h.agents))
	for id := range h.agents {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = h.agents[id].Name()
	}
	h.mu.Unlock()

	ack := protocol.NewCommand(protocol.AgentOverviewAck)
	ack.PutInt(int32(len(ids)))
	for i, id := range ids {
		ack.PutInt(id)
		ack.PutString(names[i])
	}
	h.send(ack)
	return true
}

func (h *ClientHandler) lookupAgent(id int32) sim.ControllableGroup {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.agents[id]
}

func (h *ClientHandler) handleAgentInfo(d *protocol.Datagram) bool {
	id := d.NextInt()
	ack := protocol.NewCommand(protocol.AgentInfoAck)
	if d.Short() {
		ack.PutByte(protocol.StatusFailed)
		h.send(ack)
		return false
	}

	g := h.lookupAgent(id)
	if g == nil {
		ack.PutByte(protocol.StatusNotFound)
		h.send(ack)
		return true
	}
	ack.PutByte(protocol.StatusOK)
	ack.PutString(g.Name())
	writeValueBlock(ack, g.InputValues())
	writeValueBlock(ack, g.OutputValues())
	writeValueBlock(ack, g.InfoValues())
	h.send(ack)
	return true
}

func (h *ClientHandler) handleRegisterForAgent(d *protocol.Datagram) bool {
	id := d.NextInt()
	ack := protocol.NewCommand(protocol.RegisterForAgentAck)
	if d.Short() {
		ack.PutByte(protocol.StatusFailed)
		h.send(ack)
		return false
	}

	g := h.lookupAgent(id)
	switch {
	case g == nil:
		ack.PutByte(protocol.StatusNotFound)
	case !h.coord.RegisterGroupController(g, h):
		h.log.Info(h.ctx, "agent already controlled by another client", logging.String("agent", g.Name()))
		ack.PutByte(protocol.StatusFailed)
	default:
		h.mu.Lock()
		if _, ok := h.controlled[id]; !ok {
			h.controlled[id] = newInterfaceGroup(id, g)
		}
		h.mu.Unlock()
		h.log.Info(h.ctx, "agent controlled", logging.String("agent", g.Name()))
		ack.PutByte(protocol.StatusOK)
	}
	h.send(ack)
	return true
}

func (h *ClientHandler) handleDeregisterForAgent(d *protocol.Datagram) bool {
	id := d.NextInt()
	ack := protocol.NewCommand(protocol.DeregisterForAgentAck)
	if d.Short() {
		ack.PutByte(protocol.StatusFailed)
		h.send(ack)
		return false
	}

	h.mu.Lock()
	g := h.agents[id]
	_, owned := h.controlled[id]
	if owned {
		delete(h.controlled, id)
	}
	h.mu.Unlock()

	switch {
	case g == nil:
		ack.PutByte(protocol.StatusNotFound)
	case !owned:
		ack.PutByte(protocol.StatusFailed)
	default:
		h.coord.DeregisterGroupController(g, h)
		ack.PutByte(protocol.StatusOK)
	}
	h.send(ack)
	return true
}

// controlledLocked returns the controlled groups ordered by id.
func (h *ClientHandler) controlledLocked() []*InterfaceGroup {
	out := make([]*InterfaceGroup, 0, len(h.controlled))
	for _, ig := range h.controlled {
		out = append(out, ig)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type inputUpdate struct {
	group  *InterfaceGroup
	inputs []float32
}

// handleNextSimulationStep applies the inputs for every listed controlled
// group, acks, and joins the step barrier. Blocks for unknown groups or with
// the wrong input count are skipped and reported with a failed status; a
// truncated datagram applies nothing and does not join the barrier.
func (h *ClientHandler) handleNextSimulationStep(d *protocol.Datagram) bool {
	status := protocol.StatusOK
	n := d.NextCount(8)
	updates := make([]inputUpdate, 0, n)
	for i := 0; i < n; i++ {
		id := d.NextInt()
		k := d.NextCount(4)
		inputs := make([]float32, k)
		for j := range inputs {
			inputs[j] = d.NextFloat()
		}

		h.mu.Lock()
		ig := h.controlled[id]
		h.mu.Unlock()
		switch {
		case ig == nil:
			h.log.Debug(h.ctx, "step inputs for uncontrolled agent", logging.Int("agent_id", int(id)))
			status = protocol.StatusFailed
		case k != len(ig.Inputs):
			h.log.Debug(h.ctx, "step input count mismatch",
				logging.String("agent", ig.Group.Name()),
				logging.Int("want", len(ig.Inputs)),
				logging.Int("got", k),
			)
			status = protocol.StatusFailed
		default:
			updates = append(updates, inputUpdate{group: ig, inputs: inputs})
		}
	}

	ack := protocol.NewCommand(protocol.NextSimulationStepAck)
	if d.Short() {
		ack.PutByte(protocol.StatusFailed)
		h.send(ack)
		return false
	}

	h.coord.env.withLock(func() {
		for _, u := range updates {
			_ = u.group.ApplyInputs(u.inputs)
		}
	})
	ack.PutByte(status)
	h.send(ack)

	if err := h.coord.DemandNextSimulationStep(h); err != nil {
		h.log.Warn(h.ctx, "step demand failed", logging.Err(err))
	}
	return true
}

func (h *ClientHandler) handleResetSimulation(d *protocol.Datagram) bool {
	seed := d.NextInt()
	if d.Short() {
		return false
	}
	h.send(protocol.NewCommand(protocol.ResetSimulationAck))

	if err := h.coord.DemandSimulationReset(h, int64(seed)); err != nil {
		h.log.Warn(h.ctx, "reset demand failed", logging.Err(err))
	}
	return true
}
