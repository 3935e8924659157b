package call

// Tone is a local ringing cue.
type Tone string

const (
	ToneOutgoing Tone = "outgoing"
	ToneIncoming Tone = "incoming"
)

// Tones plays at most one looping tone at a time. Play replaces the current
// tone; Stop is safe to call when nothing plays.
type Tones interface {
	Play(t Tone)
	Stop()
}

type nopTones struct{}

func (nopTones) Play(Tone) {}
func (nopTones) Stop()     {}
