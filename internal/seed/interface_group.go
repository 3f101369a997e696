package seed

import (
	"fmt"

	"github.com/signalsfoundry/seedlink/internal/protocol"
	"github.com/signalsfoundry/seedlink/internal/sim"
)

// InterfaceGroup is a handler's cached snapshot of a controlled group's value
// lists, taken when the group is registered so step messages never re-query
// the group.
type InterfaceGroup struct {
	ID      int32
	Group   sim.ControllableGroup
	Inputs  []*sim.Value
	Outputs []*sim.Value
	Infos   []*sim.Value
}

func newInterfaceGroup(id int32, g sim.ControllableGroup) *InterfaceGroup {
	return &InterfaceGroup{
		ID:      id,
		Group:   g,
		Inputs:  append([]*sim.Value(nil), g.InputValues()...),
		Outputs: append([]*sim.Value(nil), g.OutputValues()...),
		Infos:   append([]*sim.Value(nil), g.InfoValues()...),
	}
}

// ApplyInputs writes normalized inputs to the cached input values. The number
// of inputs must match exactly; nothing is written otherwise.
func (ig *InterfaceGroup) ApplyInputs(inputs []float32) error {
	if len(inputs) != len(ig.Inputs) {
		return fmt.Errorf("%w: group %s has %d inputs, got %d",
			ErrInputCountMismatch, ig.Group.Name(), len(ig.Inputs), len(inputs))
	}
	for i, v := range ig.Inputs {
		v.SetNormalized(float64(inputs[i]))
	}
	return nil
}

// writeState appends the id, normalized outputs and raw info values.
func (ig *InterfaceGroup) writeState(d *protocol.Datagram) {
	d.PutInt(ig.ID)
	d.PutInt(int32(len(ig.Outputs)))
	for _, v := range ig.Outputs {
		d.PutFloat(float32(v.Normalized()))
	}
	d.PutInt(int32(len(ig.Infos)))
	for _, v := range ig.Infos {
		d.PutFloat(float32(v.Float()))
	}
}

func writeValueBlock(d *protocol.Datagram, values []*sim.Value) {
	d.PutInt(int32(len(values)))
	for _, v := range values {
		d.PutString(v.Name())
		d.PutFloat(float32(v.Min()))
		d.PutFloat(float32(v.Max()))
	}
}
