package connection

import (
	"errors"
	"strings"

	"laughingfox/internal/channel"
)

// State of the connection manager.
type State int

const (
	Disconnected State = iota
	Authenticating
	Connected
	Closing
	Reconnecting
	Fatal
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Authenticating:
		return "authenticating"
	case Connected:
		return "connected"
	case Closing:
		return "closing"
	case Reconnecting:
		return "reconnecting"
	case Fatal:
		return "fatal"
	}
	return "unknown"
}

var (
	ErrNotConnected       = errors.New("connection: not connected")
	ErrLoggedOut          = errors.New("connection: logged out")
	ErrReconnectExhausted = errors.New("connection: reconnect attempts exhausted")
	ErrConnectTimeout     = errors.New("connection: timed out waiting for open")
)

// Class groups disconnect reasons by how the manager reacts.
type Class int

const (
	// Benign closes reconnect after a short delay.
	Benign Class = iota
	// Corrupted closes discard session material and re-run bootstrap.
	Corrupted
	// Terminal closes discard session material and stop.
	Terminal
)

func (c Class) String() string {
	switch c {
	case Corrupted:
		return "corrupted"
	case Terminal:
		return "terminal"
	}
	return "benign"
}

// Protocol disconnect statuses.
const (
	StatusLoggedOut           = 401
	StatusTimedOut            = 408
	StatusMultideviceMismatch = 411
	StatusConnectionClosed    = 428
	StatusConnectionReplaced  = 440
	StatusBadSession          = 500
	StatusUnavailable         = 503
	StatusRestartRequired     = 515
)

// Classify maps a session error to its Class. Unknown errors are benign.
func Classify(err error) Class {
	if err == nil {
		return Benign
	}
	var de *channel.DisconnectError
	if errors.As(err, &de) {
		switch de.Status {
		case StatusLoggedOut, StatusConnectionReplaced:
			return Terminal
		case StatusBadSession, StatusMultideviceMismatch:
			return Corrupted
		}
	}
	if strings.Contains(strings.ToLower(err.Error()), "bad mac") {
		return Corrupted
	}
	return Benign
}
