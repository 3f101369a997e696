package protocol

import "fmt"

// Version is sent in INIT_COMMUNICATION_ACK.
const Version int32 = 2

// Command codes. Every request has exactly one ack code, usually request+1.
const (
	UnknownCommand byte = 0

	InitCommunication      byte = 5
	InitCommunicationAck   byte = 6
	EndCommunication       byte = 7
	EndCommunicationAck    byte = 8
	ResetCommunication     byte = 9
	ResetCommunicationAck  byte = 10
	CommunicationReset     byte = 11
	CommunicationResetAck  byte = 12
	RegisterForEvent       byte = 20
	RegisterForEventAck    byte = 21
	DeregisterForEvent     byte = 22
	DeregisterForEventAck  byte = 23
	EventList              byte = 24
	EventListAck           byte = 25
	ValueList              byte = 40
	ValueListAck           byte = 41
	GetValue               byte = 50
	GetValueAck            byte = 51
	SetValue               byte = 52
	SetValueAck            byte = 53
	AgentOverview          byte = 60
	AgentOverviewAck       byte = 61
	AgentInfo              byte = 62
	AgentInfoAck           byte = 63
	RegisterForAgent       byte = 64
	RegisterForAgentAck    byte = 65
	DeregisterForAgent     byte = 66
	DeregisterForAgentAck  byte = 67
	NextSimulationStep     byte = 80
	NextSimulationStepAck  byte = 81
	StepCompleted          byte = 82
	StepCompletedAck       byte = 83
	ResetSimulation        byte = 84
	ResetSimulationAck     byte = 85
	ResetCompleted         byte = 86
	ResetCompletedAck      byte = 87
	GetMotors              byte = 100
	GetMotorsAck           byte = 101
	SetMotors              byte = 102
	SetMotorsAck           byte = 103
)

// Status bytes carried in acks.
const (
	StatusFailed   byte = 0
	StatusOK       byte = 1
	StatusNotFound byte = 2
)

var ackFor = map[byte]byte{
	InitCommunication:  InitCommunicationAck,
	EndCommunication:   EndCommunicationAck,
	ResetCommunication: ResetCommunicationAck,
	CommunicationReset: CommunicationResetAck,
	RegisterForEvent:   RegisterForEventAck,
	DeregisterForEvent: DeregisterForEventAck,
	EventList:          EventListAck,
	ValueList:          ValueListAck,
	GetValue:           GetValueAck,
	SetValue:           SetValueAck,
	AgentOverview:      AgentOverviewAck,
	AgentInfo:          AgentInfoAck,
	RegisterForAgent:   RegisterForAgentAck,
	DeregisterForAgent: DeregisterForAgentAck,
	NextSimulationStep: NextSimulationStepAck,
	StepCompleted:      StepCompletedAck,
	ResetSimulation:    ResetSimulationAck,
	ResetCompleted:     ResetCompletedAck,
	GetMotors:          GetMotorsAck,
	SetMotors:          SetMotorsAck,
}

var names = map[byte]string{
	UnknownCommand:        "UNKNOWN_COMMAND",
	InitCommunication:     "INIT_COMMUNICATION",
	InitCommunicationAck:  "INIT_COMMUNICATION_ACK",
	EndCommunication:      "END_COMMUNICATION",
	EndCommunicationAck:   "END_COMMUNICATION_ACK",
	ResetCommunication:    "RESET_COMMUNICATION",
	ResetCommunicationAck: "RESET_COMMUNICATION_ACK",
	CommunicationReset:    "COMMUNICATION_RESET",
	CommunicationResetAck: "COMMUNICATION_RESET_ACK",
	RegisterForEvent:      "REGISTER_FOR_EVENT",
	RegisterForEventAck:   "REGISTER_FOR_EVENT_ACK",
	DeregisterForEvent:    "DEREGISTER_FOR_EVENT",
	DeregisterForEventAck: "DEREGISTER_FOR_EVENT_ACK",
	EventList:             "EVENT_LIST",
	EventListAck:          "EVENT_LIST_ACK",
	ValueList:             "VALUE_LIST",
	ValueListAck:          "VALUE_LIST_ACK",
	GetValue:              "GET_VALUE",
	GetValueAck:           "GET_VALUE_ACK",
	SetValue:              "SET_VALUE",
	SetValueAck:           "SET_VALUE_ACK",
	AgentOverview:         "AGENT_OVERVIEW",
	AgentOverviewAck:      "AGENT_OVERVIEW_ACK",
	AgentInfo:             "AGENT_INFO",
	AgentInfoAck:          "AGENT_INFO_ACK",
	RegisterForAgent:      "REGISTER_FOR_AGENT",
	RegisterForAgentAck:   "REGISTER_FOR_AGENT_ACK",
	DeregisterForAgent:    "DEREGISTER_FOR_AGENT",
	DeregisterForAgentAck: "DEREGISTER_FOR_AGENT_ACK",
	NextSimulationStep:    "NEXT_SIMULATION_STEP",
	NextSimulationStepAck: "NEXT_SIMULATION_STEP_ACK",
	StepCompleted:         "NEXT_SIMULATION_STEP_COMPLETED",
	StepCompletedAck:      "NEXT_SIMULATION_STEP_COMPLETED_ACK",
	ResetSimulation:       "RESET_SIMULATION",
	ResetSimulationAck:    "RESET_SIMULATION_ACK",
	ResetCompleted:        "RESET_SIMULATION_COMPLETED",
	ResetCompletedAck:     "RESET_SIMULATION_COMPLETED_ACK",
	GetMotors:             "GET_MOTORS",
	GetMotorsAck:          "GET_MOTORS_ACK",
	SetMotors:             "SET_MOTORS",
	SetMotorsAck:          "SET_MOTORS_ACK",
}

// AckFor returns the ack opcode paired with a request opcode.
func AckFor(code byte) (byte, bool) {
	ack, ok := ackFor[code]
	return ack, ok
}

// IsAnytimeCommand reports whether a command must be handled whenever it
// arrives, even while the handler waits for a specific confirmation.
func IsAnytimeCommand(code byte) bool {
	return code == ResetCommunication
}

// CommandName returns a printable name for an opcode.
func CommandName(code byte) string {
	if n, ok := names[code]; ok {
		return n
	}
	return fmt.Sprintf("UNDEFINED_%d", code)
}
