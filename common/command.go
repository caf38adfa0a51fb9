package common

// CommandType identifies a control-plane command received from the
// MQTT bridge.
type CommandType string

const (
	// CommandClearDTCs clears the active DTC set.
	CommandClearDTCs CommandType = "clear_dtcs"
	// CommandRequestPGN asks a simulator to emit one PGN on demand.
	CommandRequestPGN CommandType = "request_pgn"
)

// ServerCommand is an inbound control-plane command delivered over
// MQTT.
type ServerCommand struct {
	Type   CommandType   `json:"type"`
	Params CommandParams `json:"params,omitempty"`
}

// CommandParams carries the optional parameters for a ServerCommand.
// Pointer fields let unset parameters omit from JSON rather than
// serializing as zero values.
type CommandParams struct {
	TargetSA *uint8  `json:"targetSA,omitempty"`
	PGN      *uint32 `json:"pgn,omitempty"`
	SPN      *uint32 `json:"spn,omitempty"`
	FMI      *uint8  `json:"fmi,omitempty"`
}

// CommandAck acknowledges a ServerCommand back to the bridge.
type CommandAck struct {
	CommandType CommandType `json:"commandType"`
	Success     bool        `json:"success"`
	Message     string      `json:"message,omitempty"`
}
