package protocol

import "fmt"

// Command is an opcode exchanged between the coordinator and a worker. Commands
// travel as Text values holding their name.
type Command uint8

const (
	CommandRunStep Command = iota
	CommandGetPrediction
	CommandApplyPrediction
	CommandSendParameters
	CommandReceiveParameters
	CommandExchange
	CommandClose

	// NumCommands sizes the dispatch tables indexed by Command.
	NumCommands = int(CommandClose) + 1
)

var commandNames = [NumCommands]string{
	CommandRunStep:           "RUN_STEP",
	CommandGetPrediction:     "GET_PREDICTION",
	CommandApplyPrediction:   "APPLY_PREDICTION",
	CommandSendParameters:    "SEND_PARAMETERS",
	CommandReceiveParameters: "RECEIVE_PARAMETERS",
	CommandExchange:          "EXCHANGE",
	CommandClose:             "CLOSE",
}

func (c Command) String() string {
	if int(c) < NumCommands {
		return commandNames[c]
	}
	return fmt.Sprintf("Command(%d)", c)
}

// ParseCommand maps a command name back to its opcode.
func ParseCommand(name string) (Command, bool) {
	for c, n := range commandNames {
		if n == name {
			return Command(c), true
		}
	}
	return 0, false
}

// Status heads every reply.
type Status uint8

const (
	StatusOK Status = iota
	// StatusInvalid marks a sample the worker flagged as unusable.
	StatusInvalid
	// StatusError carries a WorkerExecutionError message in the "error" field.
	StatusError
)

var statusNames = [...]string{
	StatusOK:      "OK",
	StatusInvalid: "INVALID",
	StatusError:   "ERROR",
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("Status(%d)", s)
}

// ParseStatus maps a status name back to its value.
func ParseStatus(name string) (Status, bool) {
	for s, n := range statusNames {
		if n == name {
			return Status(s), true
		}
	}
	return 0, false
}

// Well-known record field names.
const (
	FieldError      = "error"
	FieldPrediction = "prediction"
	FieldName       = "name"

	// InitParametersTag names the parameter record a worker sends during its handshake.
	InitParametersTag = "init_parameters"

	// ParamSimulationsPerStep is the number of simulation steps a worker runs
	// for each RUN_STEP. Only the last one produces sample fields.
	ParamSimulationsPerStep = "simulations_per_step"
)
