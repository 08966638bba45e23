package webrtc

import (
	"encoding/json"
	"errors"

	pion "github.com/pion/webrtc/v4"
)

// HelloAll is the hello target the call owner broadcasts when it opens the
// call topic. Joining parties address their hello to the owner's user id.
const HelloAll = "__all__"

// Candidate is one trickled ICE candidate. A candidate message whose body is
// empty (no Candidate string) tells the peer that the sender has no further
// candidates.
type Candidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// Exhausted reports whether this is the end-of-candidates marker.
func (c *Candidate) Exhausted() bool { return c.Candidate == "" }

func (c *Candidate) toICE() pion.ICECandidateInit {
	return pion.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	}
}

// Message is one signaling exchange on a per-call topic. Exactly one of the
// payload fields is set; Kind tells which.
type Message struct {
	Provider string `json:"provider"`
	Sender   string `json:"sender"`
	Host     bool   `json:"host"`

	Hello     string                   `json:"hello,omitempty"`
	Bye       string                   `json:"bye,omitempty"`
	Offer     *pion.SessionDescription `json:"offer,omitempty"`
	Answer    *pion.SessionDescription `json:"answer,omitempty"`
	Candidate *Candidate               `json:"candidate,omitempty"`
}

// Kind identifies the payload carried by a Message.
type Kind int

const (
	KindUnknown Kind = iota
	KindHello
	KindBye
	KindOffer
	KindAnswer
	KindCandidate
)

func (k Kind) String() string {
	switch k {
	case KindHello:
		return "hello"
	case KindBye:
		return "bye"
	case KindOffer:
		return "offer"
	case KindAnswer:
		return "answer"
	case KindCandidate:
		return "candidate"
	}
	return "unknown"
}

// Kind returns the payload kind, or KindUnknown when no payload field or
// more than one is set.
func (m *Message) Kind() Kind {
	kind := KindUnknown
	set := func(k Kind) bool {
		if kind != KindUnknown {
			kind = KindUnknown
			return false
		}
		kind = k
		return true
	}
	ok := true
	if m.Hello != "" {
		ok = set(KindHello)
	}
	if m.Bye != "" {
		ok = ok && set(KindBye)
	}
	if m.Offer != nil {
		ok = ok && set(KindOffer)
	}
	if m.Answer != nil {
		ok = ok && set(KindAnswer)
	}
	if m.Candidate != nil {
		ok = ok && set(KindCandidate)
	}
	if !ok {
		return KindUnknown
	}
	return kind
}

var errBadSignal = errors.New("webrtc: malformed signaling message")

// parseMessage decodes a raw topic payload into a Message and rejects
// envelopes that do not carry exactly one known payload.
func parseMessage(raw json.RawMessage) (*Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	if m.Sender == "" || m.Kind() == KindUnknown {
		return nil, errBadSignal
	}
	return &m, nil
}
