package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Action is the closed set of control verbs a peer may send.
type Action string

const (
	ActionStart  Action = "start"
	ActionStop   Action = "stop"
	ActionStatus Action = "status"
)

var ErrUnknownAction = errors.New("unknown action")

// Control is a JSON control message on either streaming endpoint.
// Unrecognized actions are rejected, not silently ignored.
type Control struct {
	Action    Action `json:"action"`
	SessionID string `json:"sessionId,omitempty"`
	Mode      string `json:"mode,omitempty"`
}

func ParseControl(data []byte) (*Control, error) {
	var c Control
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("bad control json: %w", err)
	}
	switch c.Action {
	case ActionStart, ActionStop, ActionStatus:
		return &c, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, c.Action)
	}
}

// Status values sent to viewers. Each user-visible failure gets its own
// value so a UI can say what actually happened.
const (
	StatusViewerConnected   = "viewer_connected"
	StatusStarted           = "started"
	StatusStopped           = "stopped"
	StatusAgentDisconnected = "agent_disconnected"
	StatusSessionExpired    = "session_expired"
	StatusDeviceOffline     = "device_offline"
	StatusListenerActive    = "listener_active"
	StatusError             = "error"
	StatusReport            = "status"
)

// Event is an outbound JSON status/error frame.
type Event struct {
	Type         string `json:"type"`
	Reason       string `json:"reason,omitempty"`
	SessionID    string `json:"sessionId,omitempty"`
	Mode         string `json:"mode,omitempty"`
	DeviceOnline *bool  `json:"deviceOnline,omitempty"`
	Streaming    *bool  `json:"streaming,omitempty"`
}

func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}
