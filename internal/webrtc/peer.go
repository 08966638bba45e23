package webrtc

import (
	pion "github.com/pion/webrtc/v4"
)

// peerConn is the slice of *webrtc.PeerConnection a Session drives. Sessions
// are built against this interface so the negotiation logic is testable
// without opening network sockets.
type peerConn interface {
	CreateOffer(*pion.OfferOptions) (pion.SessionDescription, error)
	CreateAnswer(*pion.AnswerOptions) (pion.SessionDescription, error)
	SetLocalDescription(pion.SessionDescription) error
	SetRemoteDescription(pion.SessionDescription) error
	AddICECandidate(pion.ICECandidateInit) error
	OnICECandidate(func(*pion.ICECandidate))
	OnConnectionStateChange(func(pion.PeerConnectionState))
	Close() error
}

// peerFactory builds the peer connection for a new session.
type peerFactory func() (peerConn, error)

// ICEServer is one STUN or TURN entry of the provider configuration.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// defaultICEServers is used when the provider configuration carries none.
var defaultICEServers = []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}

// newPeerFactory returns a factory producing Pion peer connections with the
// given ICE servers.
func newPeerFactory(servers []ICEServer) peerFactory {
	if len(servers) == 0 {
		servers = defaultICEServers
	}
	cfg := pion.Configuration{}
	for _, s := range servers {
		ice := pion.ICEServer{URLs: s.URLs}
		if s.Username != "" {
			ice.Username = s.Username
			ice.Credential = s.Credential
		}
		cfg.ICEServers = append(cfg.ICEServers, ice)
	}
	return func() (peerConn, error) {
		return pion.NewPeerConnection(cfg)
	}
}
