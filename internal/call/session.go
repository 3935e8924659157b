package call

import (
	"time"

	"github.com/ascapdx/callcore/internal/media"
)

type State string

const (
	StateIdle            State = "idle"
	StateRingingOutgoing State = "ringing-outgoing"
	StateRingingIncoming State = "ringing-incoming"
	StateConnecting      State = "connecting"
	StateInCall          State = "in-call"
)

type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
)

// Session is the one call the machine tracks. The zero value, with State
// idle, means no call.
type Session struct {
	ID        string
	Peer      string
	Direction Direction
	State     State
	Kind      media.Kind
	StartedAt *time.Time
}

func (s Session) Active() bool {
	return s.State != "" && s.State != StateIdle
}

func idleSession() Session {
	return Session{State: StateIdle}
}
