package types

import "strings"

// ParserState is the send or receive state of a custom-parser connection.
type ParserState int

const (
	StateNone ParserState = iota
	StatePause
	StateIgnore
)

func (s ParserState) String() string {
	switch s {
	case StatePause:
		return "pause"
	case StateIgnore:
		return "ignore"
	default:
		return ""
	}
}

// StateFromStatus maps a control-plane status code (0 none, 1 pause,
// 2 ignore) onto a ParserState. Unknown codes map to StateNone.
func StateFromStatus(status int) ParserState {
	switch status {
	case 1:
		return StatePause
	case 2:
		return StateIgnore
	default:
		return StateNone
	}
}

// InitialStates holds the states requested by the custom-parser header.
type InitialStates struct {
	Send    ParserState
	Receive ParserState
}

// ParseInitialStates reads a comma-separated list drawn from pauseSend,
// ignoreSend, pauseReceive and ignoreReceive. Unknown names are skipped and
// later entries win.
func ParseInitialStates(header string) InitialStates {
	var st InitialStates
	for _, name := range strings.Split(header, ",") {
		switch strings.TrimSpace(name) {
		case "pauseSend":
			st.Send = StatePause
		case "ignoreSend":
			st.Send = StateIgnore
		case "pauseReceive":
			st.Receive = StatePause
		case "ignoreReceive":
			st.Receive = StateIgnore
		}
	}
	return st
}
