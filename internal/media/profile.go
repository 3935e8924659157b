package media

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var ErrUnknownProfile = errors.New("unknown quality profile")

type AudioConstraints struct {
	EchoCancellation bool
	NoiseSuppression bool
	// SampleRate in Hz.
	SampleRate int
	// SampleSize in bits.
	SampleSize int
}

type VideoConstraints struct {
	Width     int
	Height    int
	FrameRate int
}

// Constraints is what a Source is opened with or asked to Apply. Only the
// part matching the source's track kind is meaningful to it.
type Constraints struct {
	Audio AudioConstraints
	Video VideoConstraints
}

// Profile is a named capture preset.
type Profile struct {
	Name  string
	Audio AudioConstraints
	Video VideoConstraints
}

func (p Profile) Constraints() Constraints {
	return Constraints{Audio: p.Audio, Video: p.Video}
}

const (
	ProfileBest     = "best"
	ProfileStandard = "standard"
)

var profiles = map[string]Profile{
	ProfileBest: {
		Name:  ProfileBest,
		Audio: AudioConstraints{EchoCancellation: true, NoiseSuppression: true, SampleRate: 48000, SampleSize: 24},
		Video: VideoConstraints{Width: 1280, Height: 720, FrameRate: 30},
	},
	ProfileStandard: {
		Name:  ProfileStandard,
		Audio: AudioConstraints{EchoCancellation: true, NoiseSuppression: true, SampleRate: 48000, SampleSize: 16},
		Video: VideoConstraints{Width: 640, Height: 480, FrameRate: 24},
	},
}

func LookupProfile(name string) (Profile, error) {
	p, ok := profiles[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Profile{}, fmt.Errorf("%w %q (known: %s)", ErrUnknownProfile, name, strings.Join(ProfileNames(), ", "))
	}
	return p, nil
}

func ProfileNames() []string {
	names := make([]string, 0, len(profiles))
	for name := range profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type DegradationPreference string

const (
	DegradationMaintainFramerate  DegradationPreference = "maintain-framerate"
	DegradationMaintainResolution DegradationPreference = "maintain-resolution"
	DegradationBalanced           DegradationPreference = "balanced"
)

// SenderTuning bounds what a source produces for an outgoing sender.
type SenderTuning struct {
	// MaxBitrate in bits per second. Zero means unbounded.
	MaxBitrate  int
	Degradation DegradationPreference
}

// VoiceSenderTuning is applied to the audio source of voice calls.
var VoiceSenderTuning = SenderTuning{
	MaxBitrate:  32_000,
	Degradation: DegradationMaintainFramerate,
}
