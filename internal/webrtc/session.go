package webrtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	pion "github.com/pion/webrtc/v4"

	"github.com/confkit/webconferencing/internal/channel"
	"github.com/confkit/webconferencing/internal/prefs"
	"github.com/confkit/webconferencing/internal/registry"
)

// State of a call session.
type State string

const (
	// StateAwaitingHello means the session has opened the call topic and is
	// waiting for the handshake to begin.
	StateAwaitingHello State = "awaiting-hello"
	// StateNegotiating means offer/answer exchange is in progress.
	StateNegotiating State = "negotiating"
	// StateConnected means the peer connection is established.
	StateConnected State = "connected"
	// StateStopped is terminal: the session ended normally.
	StateStopped State = "stopped"
	// StateFailed is terminal: the peer connection failed.
	StateFailed State = "failed"
)

// publishTimeout bounds outbound signaling publishes fired from Pion
// callbacks, which carry no caller context.
const publishTimeout = 10 * time.Second

// Session negotiates and tracks one WebRTC call leg. The host side opens
// the topic, greets everyone and offers; the joining side greets the host
// and answers.
type Session struct {
	callID string
	selfID string
	host   bool
	// owner of the call record; the joining side addresses its hello here.
	ownerID string

	bus   *channel.Adapter
	reg   *registry.Client
	store *prefs.Store

	newPeer peerFactory

	// onClosed lets the owning manager drop its tracking entry.
	onClosed func(callID string)

	mu         sync.Mutex
	state      State
	pc         peerConn
	unsub      func()
	remoteID   string
	admitted   bool
	pending    []pion.ICECandidateInit
	audioMuted bool
	videoMuted bool
}

// Start opens the call topic, builds the peer connection and sends the
// opening hello. The host greets everyone on the topic; the joining side
// greets the call owner.
func (s *Session) Start(ctx context.Context) error {
	pc, err := s.newPeer()
	if err != nil {
		return err
	}

	pc.OnICECandidate(s.onLocalCandidate)
	pc.OnConnectionStateChange(s.onConnectionState)

	unsub, err := s.bus.SubscribeCall(ctx, s.callID, s.handle)
	if err != nil {
		_ = pc.Close()
		return err
	}

	s.mu.Lock()
	s.pc = pc
	s.unsub = unsub
	s.state = StateAwaitingHello
	s.restoreMutePrefs()
	s.mu.Unlock()

	hello := HelloAll
	if !s.host {
		hello = s.ownerID
	}
	if err := s.publish(ctx, &Message{Hello: hello}); err != nil {
		s.shutdown(ctx, StateFailed, false)
		return err
	}
	log.Debugf("session %s: started (host=%v)", s.callID, s.host)
	return nil
}

// State returns the current session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// publish sends a signaling message on the call topic, stamped with this
// session's identity and role.
func (s *Session) publish(ctx context.Context, m *Message) error {
	m.Provider = ProviderType
	m.Sender = s.selfID
	m.Host = s.host
	return s.bus.PublishCall(ctx, s.callID, m)
}

// handle routes one inbound topic payload through the handshake state
// machine. Messages that do not fit the session's role or state are logged
// and dropped.
func (s *Session) handle(raw json.RawMessage) {
	m, err := parseMessage(raw)
	if err != nil {
		log.Debugf("session %s: dropping payload: %v", s.callID, err)
		return
	}
	if m.Sender == s.selfID {
		return
	}

	switch m.Kind() {
	case KindHello:
		s.onHello(m)
	case KindOffer:
		s.onOffer(m)
	case KindAnswer:
		s.onAnswer(m)
	case KindCandidate:
		s.onCandidate(m)
	case KindBye:
		// Teardown rides on call state updates, not on bye.
		log.Debugf("session %s: bye from %s ignored", s.callID, m.Sender)
	}
}

// onHello starts negotiation on the host side. The joining side also hears
// the host's broadcast hello; that one is informational.
func (s *Session) onHello(m *Message) {
	if !s.host {
		log.Debugf("session %s: hello from host %s", s.callID, m.Sender)
		return
	}
	if m.Hello != s.selfID && m.Hello != HelloAll {
		log.Debugf("session %s: hello for %s ignored", s.callID, m.Hello)
		return
	}

	s.mu.Lock()
	if s.state != StateAwaitingHello {
		s.mu.Unlock()
		log.Debugf("session %s: hello from %s in state %s ignored", s.callID, m.Sender, s.state)
		return
	}
	s.state = StateNegotiating
	s.remoteID = m.Sender
	pc := s.pc
	s.mu.Unlock()

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		s.failf("create offer: %v", err)
		return
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		s.failf("set local offer: %v", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := s.publish(ctx, &Message{Offer: &offer}); err != nil {
		s.failf("send offer: %v", err)
	}
}

// onOffer answers on the joining side. A host receiving an offer is a
// protocol violation by the peer and is ignored.
func (s *Session) onOffer(m *Message) {
	if s.host {
		log.Warnf("session %s: unexpected offer from %s on host side", s.callID, m.Sender)
		return
	}

	s.mu.Lock()
	if s.state != StateAwaitingHello {
		s.mu.Unlock()
		log.Debugf("session %s: offer in state %s ignored", s.callID, s.state)
		return
	}
	s.state = StateNegotiating
	s.remoteID = m.Sender
	pc := s.pc
	s.mu.Unlock()

	if err := pc.SetRemoteDescription(*m.Offer); err != nil {
		s.failf("set remote offer: %v", err)
		return
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		s.failf("create answer: %v", err)
		return
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		s.failf("set local answer: %v", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := s.publish(ctx, &Message{Answer: &answer}); err != nil {
		s.failf("send answer: %v", err)
		return
	}
	s.admit()
}

// onAnswer completes negotiation on the host side.
func (s *Session) onAnswer(m *Message) {
	if !s.host {
		log.Warnf("session %s: unexpected answer from %s on joining side", s.callID, m.Sender)
		return
	}

	s.mu.Lock()
	if s.state != StateNegotiating {
		s.mu.Unlock()
		log.Debugf("session %s: answer in state %s ignored", s.callID, s.state)
		return
	}
	pc := s.pc
	s.mu.Unlock()

	if err := pc.SetRemoteDescription(*m.Answer); err != nil {
		s.failf("set remote answer: %v", err)
		return
	}
	s.admit()
}

// onCandidate applies a remote ICE candidate, or queues it while the
// connection is not yet admitted. Queued candidates are applied exactly once
// when admission happens.
func (s *Session) onCandidate(m *Message) {
	if m.Candidate.Exhausted() {
		log.Debugf("session %s: remote candidates exhausted", s.callID)
		return
	}
	ice := m.Candidate.toICE()

	s.mu.Lock()
	if !s.admitted {
		s.pending = append(s.pending, ice)
		s.mu.Unlock()
		return
	}
	pc := s.pc
	s.mu.Unlock()

	if pc == nil {
		return
	}
	if err := pc.AddICECandidate(ice); err != nil {
		log.Warnf("session %s: add candidate: %v", s.callID, err)
	}
}

// admit marks negotiation as complete and drains the queued candidates. A
// session torn down in the meantime has no peer connection left; admission
// is then moot.
func (s *Session) admit() {
	s.mu.Lock()
	if s.admitted || s.pc == nil {
		s.mu.Unlock()
		return
	}
	s.admitted = true
	pending := s.pending
	s.pending = nil
	pc := s.pc
	s.mu.Unlock()

	for _, ice := range pending {
		if err := pc.AddICECandidate(ice); err != nil {
			log.Warnf("session %s: add queued candidate: %v", s.callID, err)
		}
	}
}

// onLocalCandidate trickles a local candidate to the peer. Pion reports the
// end of gathering with a nil candidate; the peer learns that through an
// empty candidate body.
func (s *Session) onLocalCandidate(c *pion.ICECandidate) {
	msg := &Message{Candidate: &Candidate{}}
	if c != nil {
		init := c.ToJSON()
		msg.Candidate = &Candidate{
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := s.publish(ctx, msg); err != nil {
		log.Warnf("session %s: send candidate: %v", s.callID, err)
	}
}

func (s *Session) onConnectionState(st pion.PeerConnectionState) {
	switch st {
	case pion.PeerConnectionStateConnected:
		s.onConnected()
	case pion.PeerConnectionStateFailed:
		s.failf("peer connection failed")
	case pion.PeerConnectionStateClosed:
		// Already handled by whoever closed it.
	}
}

func (s *Session) onConnected() {
	s.mu.Lock()
	if s.state != StateNegotiating {
		s.mu.Unlock()
		return
	}
	s.state = StateConnected
	s.mu.Unlock()

	log.Infof("session %s: connected to %s", s.callID, s.RemoteID())
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if _, err := s.reg.UpdateCall(ctx, s.callID, registry.StateJoined); err != nil {
		log.Warnf("session %s: mark joined: %v", s.callID, err)
	}
}

// RemoteID returns the peer this session negotiated with, if known.
func (s *Session) RemoteID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteID
}

// Stop ends the session locally and deletes the call record, from either
// side: a one-to-one call without its peer is over, so the record goes away
// and the remaining participant is notified through the stopped event.
// Stop is idempotent.
func (s *Session) Stop(ctx context.Context) {
	s.shutdown(ctx, StateStopped, true)
}

// StopRemote tears the session down after the server reported the call
// stopped. The registry record is already gone, so it is left alone.
func (s *Session) StopRemote() {
	s.shutdown(context.Background(), StateStopped, false)
}

func (s *Session) failf(format string, args ...any) {
	log.Errorf("session %s: %s", s.callID, fmt.Sprintf(format, args...))
	s.shutdown(context.Background(), StateFailed, true)
}

func (s *Session) shutdown(ctx context.Context, final State, touchRegistry bool) {
	s.mu.Lock()
	if s.state == StateStopped || s.state == StateFailed {
		s.mu.Unlock()
		return
	}
	s.state = final
	pc := s.pc
	unsub := s.unsub
	s.pc = nil
	s.unsub = nil
	s.pending = nil
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if pc != nil {
		if err := pc.Close(); err != nil && !errors.Is(err, context.Canceled) {
			log.Debugf("session %s: close peer: %v", s.callID, err)
		}
	}

	if touchRegistry {
		if err := s.reg.DeleteCall(ctx, s.callID); err != nil && !errors.Is(err, registry.ErrNotFound) {
			log.Warnf("session %s: delete call: %v", s.callID, err)
		}
	}

	if s.onClosed != nil {
		s.onClosed(s.callID)
	}
	log.Debugf("session %s: %s", s.callID, final)
}

// restoreMutePrefs applies the persisted mute switches to a fresh session.
// Called with s.mu held.
func (s *Session) restoreMutePrefs() {
	if s.store == nil {
		return
	}
	for _, kind := range []string{prefs.MuteAudio, prefs.MuteVideo} {
		v, ok, err := s.store.Get(prefs.MuteKey(s.selfID, kind))
		if err != nil {
			log.Warnf("session %s: read %s mute pref: %v", s.callID, kind, err)
			continue
		}
		muted := ok && v == "true"
		if kind == prefs.MuteAudio {
			s.audioMuted = muted
		} else {
			s.videoMuted = muted
		}
	}
}

// SetAudioMuted flips the audio mute switch and persists it so the next
// call starts the same way.
func (s *Session) SetAudioMuted(muted bool) {
	s.setMuted(prefs.MuteAudio, muted)
}

// SetVideoMuted flips the video mute switch and persists it.
func (s *Session) SetVideoMuted(muted bool) {
	s.setMuted(prefs.MuteVideo, muted)
}

func (s *Session) setMuted(kind string, muted bool) {
	s.mu.Lock()
	if kind == prefs.MuteAudio {
		s.audioMuted = muted
	} else {
		s.videoMuted = muted
	}
	s.mu.Unlock()

	if s.store == nil {
		return
	}
	value := "false"
	if muted {
		value = "true"
	}
	if err := s.store.Put(prefs.MuteKey(s.selfID, kind), value); err != nil {
		log.Warnf("session %s: save %s mute pref: %v", s.callID, kind, err)
	}
}

// Muted returns the current audio and video mute switches.
func (s *Session) Muted() (audio, video bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audioMuted, s.videoMuted
}
