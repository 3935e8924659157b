package signaling

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4"

	"github.com/ascapdx/callcore/internal/media"
)

// Event names carried in the envelope. All call events are symmetric: the
// relay forwards them unchanged apart from rewriting From.
const (
	EventCallOffer       = "call-offer"
	EventCallAnswer      = "call-answer"
	EventCallReject      = "call-reject"
	EventICECandidate    = "ice-candidate"
	EventHangup          = "hangup"
	EventUserUnavailable = "user-unavailable"
	EventBusy            = "busy"

	// EventRegister announces presence. It is sent on every (re)connect and is
	// consumed by the relay.
	EventRegister = "register"
	// EventError is sent by the relay before it closes a misbehaving client.
	EventError = "error"
)

// Reasons carried by call-reject and hangup.
const (
	ReasonRejected = "rejected"
	ReasonBusy     = "busy"
	ReasonOffline  = "offline"
	ReasonNoAnswer = "no-answer"
	ReasonError    = "error"
)

var (
	ErrUnknownEvent    = errors.New("signaling: unknown event")
	errInvalidSDPType  = errors.New("signaling: invalid session description type")
	errMissingSDP      = errors.New("signaling: missing session description sdp")
	errMissingField    = errors.New("signaling: missing field")
	errTrailingPayload = errors.New("signaling: unexpected trailing data")
)

// Envelope is the text frame exchanged with the relay.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func SessionDescriptionFromPion(desc webrtc.SessionDescription) SessionDescription {
	return SessionDescription{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

func (s SessionDescription) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("%w: %q", errInvalidSDPType, s.Type)
	}
	if s.SDP == "" {
		return webrtc.SessionDescription{}, errMissingSDP
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

// Validate checks that s is a non-empty description of type want.
func (s SessionDescription) Validate(want string) error {
	if s.Type != want {
		return fmt.Errorf("%w: %q, want %q", errInvalidSDPType, s.Type, want)
	}
	if s.SDP == "" {
		return errMissingSDP
	}
	return nil
}

type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

type CallOffer struct {
	From     string             `json:"from"`
	To       string             `json:"to"`
	Offer    SessionDescription `json:"offer"`
	CallType media.Kind         `json:"callType"`
}

type CallAnswer struct {
	From   string             `json:"from"`
	To     string             `json:"to"`
	Answer SessionDescription `json:"answer"`
}

type CallReject struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason"`
}

type ICECandidate struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Candidate Candidate `json:"candidate"`
}

type Hangup struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason,omitempty"`
}

// UserUnavailable tells a caller the callee To is offline.
type UserUnavailable struct {
	To string `json:"to"`
}

// Busy tells a caller the callee To is already in a call.
type Busy struct {
	To string `json:"to"`
}

type Register struct {
	User string `json:"user"`
}

type ErrorMessage struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Encode wraps payload in an envelope.
func Encode(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}

// ParseEnvelope decodes a frame without looking at its payload.
func ParseEnvelope(frame []byte) (Envelope, error) {
	var env Envelope
	if err := decodeStrict(frame, &env); err != nil {
		return Envelope{}, err
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("%w: event", errMissingField)
	}
	return env, nil
}

// Decode strictly decodes an envelope payload into v and validates it when v
// is one of the call event payloads.
func Decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: data", errMissingField)
	}
	if err := decodeStrict(data, v); err != nil {
		return err
	}
	if vv, ok := v.(interface{ validate() error }); ok {
		return vv.validate()
	}
	return nil
}

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errTrailingPayload
	}
	return nil
}

func requireFields(fields ...[2]string) error {
	for _, f := range fields {
		if f[1] == "" {
			return fmt.Errorf("%w: %s", errMissingField, f[0])
		}
	}
	return nil
}

func (m *CallOffer) validate() error {
	if err := requireFields([2]string{"from", m.From}, [2]string{"to", m.To}); err != nil {
		return err
	}
	if m.CallType == "" {
		m.CallType = media.KindVoice
	}
	if _, err := media.ParseKind(string(m.CallType)); err != nil {
		return fmt.Errorf("signaling: callType: %w", err)
	}
	return m.Offer.Validate("offer")
}

func (m *CallAnswer) validate() error {
	if err := requireFields([2]string{"from", m.From}, [2]string{"to", m.To}); err != nil {
		return err
	}
	return m.Answer.Validate("answer")
}

func (m *CallReject) validate() error {
	return requireFields([2]string{"from", m.From}, [2]string{"to", m.To})
}

func (m *ICECandidate) validate() error {
	return requireFields([2]string{"from", m.From}, [2]string{"to", m.To})
}

func (m *Hangup) validate() error {
	return requireFields([2]string{"from", m.From}, [2]string{"to", m.To})
}

func (m *UserUnavailable) validate() error {
	return requireFields([2]string{"to", m.To})
}

func (m *Busy) validate() error {
	return requireFields([2]string{"to", m.To})
}

func (m *Register) validate() error {
	return requireFields([2]string{"user", m.User})
}

// routedPayload is the part of every call event the relay needs for routing.
type routedPayload struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// IsCallEvent reports whether event is relayed between peers.
func IsCallEvent(event string) bool {
	switch event {
	case EventCallOffer, EventCallAnswer, EventCallReject, EventICECandidate,
		EventHangup, EventUserUnavailable, EventBusy:
		return true
	default:
		return false
	}
}

// payloadFor returns a fresh payload value for a call event.
func payloadFor(event string) (any, error) {
	switch event {
	case EventCallOffer:
		return &CallOffer{}, nil
	case EventCallAnswer:
		return &CallAnswer{}, nil
	case EventCallReject:
		return &CallReject{}, nil
	case EventICECandidate:
		return &ICECandidate{}, nil
	case EventHangup:
		return &Hangup{}, nil
	case EventUserUnavailable:
		return &UserUnavailable{}, nil
	case EventBusy:
		return &Busy{}, nil
	case EventRegister:
		return &Register{}, nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownEvent, event)
	}
}
