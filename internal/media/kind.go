// Package media owns the local capture stream of a call: one audio track, plus
// a video track for video calls, fed from an injected Device.
package media

import (
	"fmt"
	"strings"
)

// Kind selects which tracks a call negotiates.
type Kind string

const (
	KindVoice Kind = "voice"
	KindVideo Kind = "video"
)

func ParseKind(raw string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(raw))) {
	case KindVoice:
		return KindVoice, nil
	case KindVideo:
		return KindVideo, nil
	default:
		return "", fmt.Errorf("invalid call type %q (expected voice or video)", raw)
	}
}

// Tracks lists the track kinds captured for k, audio first.
func (k Kind) Tracks() []TrackKind {
	if k == KindVideo {
		return []TrackKind{TrackAudio, TrackVideo}
	}
	return []TrackKind{TrackAudio}
}

type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

func (k TrackKind) String() string { return string(k) }
