package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType defines the type of signaling message
type MessageType string

const (
	TypeCallRequest  MessageType = "call_request"
	TypeCallAccepted MessageType = "call_accepted"
	TypeCallRejected MessageType = "call_rejected"
	TypeCallEnded    MessageType = "call_ended"
	TypeOffer        MessageType = "offer"
	TypeAnswer       MessageType = "answer"
	TypeCandidate    MessageType = "candidate"
)

// Reasons carried by call_rejected and call_ended.
const (
	ReasonDeclined         = "declined"
	ReasonBusy             = "busy"
	ReasonHangup           = "hangup"
	ReasonMediaError       = "media_error"
	ReasonConnectionFailed = "connection_failed"
	ReasonNegotiation      = "negotiation_failed"
)

var (
	ErrMalformed   = errors.New("malformed signaling message")
	ErrUnknownType = errors.New("unknown signaling message type")
)

// SessionDescription mirrors the browser's RTCSessionDescriptionInit JSON.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidate mirrors the browser's RTCIceCandidateInit JSON.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Message is a call-control or negotiation message exchanged via MQTT.
// Which payload field is set depends on Type; Parse enforces it.
type Message struct {
	Type      MessageType         `json:"type"`
	From      string              `json:"from,omitempty"`
	SDP       *SessionDescription `json:"sdp,omitempty"`
	Candidate *ICECandidate       `json:"candidate,omitempty"`
	Reason    string              `json:"reason,omitempty"`
}

func CallRequest(from string) Message { return Message{Type: TypeCallRequest, From: from} }

func CallAccepted(from string) Message { return Message{Type: TypeCallAccepted, From: from} }

func CallRejected(from, reason string) Message {
	return Message{Type: TypeCallRejected, From: from, Reason: reason}
}

func CallEnded(from, reason string) Message {
	return Message{Type: TypeCallEnded, From: from, Reason: reason}
}

func Offer(from string, sdp SessionDescription) Message {
	sdp.Type = string(TypeOffer)
	return Message{Type: TypeOffer, From: from, SDP: &sdp}
}

func Answer(from string, sdp SessionDescription) Message {
	sdp.Type = string(TypeAnswer)
	return Message{Type: TypeAnswer, From: from, SDP: &sdp}
}

func Candidate(from string, c ICECandidate) Message {
	return Message{Type: TypeCandidate, From: from, Candidate: &c}
}

// Validate checks that the fields required by the message type are present.
func (m *Message) Validate() error {
	switch m.Type {
	case TypeCallRequest, TypeCallAccepted, TypeCallRejected, TypeCallEnded:
		if m.From == "" {
			return fmt.Errorf("%w: %s without sender", ErrMalformed, m.Type)
		}
	case TypeOffer, TypeAnswer:
		if m.From == "" {
			return fmt.Errorf("%w: %s without sender", ErrMalformed, m.Type)
		}
		if m.SDP == nil || strings.TrimSpace(m.SDP.SDP) == "" {
			return fmt.Errorf("%w: %s without session description", ErrMalformed, m.Type)
		}
		if m.SDP.Type == "" {
			m.SDP.Type = string(m.Type)
		}
		if m.SDP.Type != string(m.Type) {
			return fmt.Errorf("%w: %s carries %q description", ErrMalformed, m.Type, m.SDP.Type)
		}
	case TypeCandidate:
		// The browser page sends candidates without "from".
		if m.Candidate == nil {
			return fmt.Errorf("%w: candidate without payload", ErrMalformed)
		}
	case "":
		return fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, m.Type)
	}
	return nil
}

// Parse decodes and validates an inbound payload.
func Parse(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

// Encode validates and serializes an outbound message.
func Encode(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// MaxIDLength bounds participant identifiers.
const MaxIDLength = 128

// ValidateID checks that id can be used verbatim as a topic level.
func ValidateID(id string) error {
	if id == "" {
		return errors.New("participant id is empty")
	}
	if len(id) > MaxIDLength {
		return fmt.Errorf("participant id longer than %d bytes", MaxIDLength)
	}
	if strings.ContainsAny(id, "/+#\x00") {
		return fmt.Errorf("participant id %q contains '/', '+', '#' or NUL", id)
	}
	return nil
}

// DefaultNamespace is the topic prefix used by the browser page.
const DefaultNamespace = "vchat"

// Topic returns the channel a participant listens on.
func Topic(namespace, id string) string {
	return namespace + "/" + id
}
