package call

import (
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/ascapdx/callcore/internal/media"
	"github.com/ascapdx/callcore/internal/signaling"
)

// Observer renders machine output. Methods run on the event loop and must
// not call back into the Machine synchronously.
type Observer interface {
	OnStateChange(s Session)
	OnStatus(text string)
	OnIncomingCall(peer string, kind media.Kind)
	OnRemoteTrack(track *webrtc.TrackRemote)
	OnDuration(d time.Duration)
	OnCallEnded(peer, reason string)
}

// NopObserver ignores everything; embed it to implement part of Observer.
type NopObserver struct{}

func (NopObserver) OnStateChange(Session)             {}
func (NopObserver) OnStatus(string)                   {}
func (NopObserver) OnIncomingCall(string, media.Kind) {}
func (NopObserver) OnRemoteTrack(*webrtc.TrackRemote) {}
func (NopObserver) OnDuration(time.Duration)          {}
func (NopObserver) OnCallEnded(string, string)        {}

const (
	StatusAlreadyInCall = "You are already in a call flow"
	StatusCallEnded     = "Call ended"
)

// StatusFor maps an end reason to the line shown to the user.
func StatusFor(reason string) string {
	switch reason {
	case signaling.ReasonRejected:
		return "Call declined"
	case signaling.ReasonBusy:
		return "User is busy"
	case signaling.ReasonOffline:
		return "User is offline"
	case signaling.ReasonNoAnswer:
		return "No answer"
	case signaling.ReasonError:
		return "Call failed"
	default:
		return StatusCallEnded
	}
}
