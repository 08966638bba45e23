package webrtc

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	pion "github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/confkit/webconferencing/internal/channel"
	"github.com/confkit/webconferencing/internal/dispatch"
	"github.com/confkit/webconferencing/internal/registry"
)

type fakePC struct {
	mu         sync.Mutex
	local      *pion.SessionDescription
	remote     *pion.SessionDescription
	candidates []pion.ICECandidateInit
	onICE      func(*pion.ICECandidate)
	onState    func(pion.PeerConnectionState)
	closed     bool
}

func (f *fakePC) CreateOffer(*pion.OfferOptions) (pion.SessionDescription, error) {
	return pion.SessionDescription{Type: pion.SDPTypeOffer, SDP: "v=0 offer"}, nil
}

func (f *fakePC) CreateAnswer(*pion.AnswerOptions) (pion.SessionDescription, error) {
	return pion.SessionDescription{Type: pion.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (f *fakePC) SetLocalDescription(d pion.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.local = &d
	return nil
}

func (f *fakePC) SetRemoteDescription(d pion.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remote = &d
	return nil
}

func (f *fakePC) AddICECandidate(c pion.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, c)
	return nil
}

func (f *fakePC) OnICECandidate(fn func(*pion.ICECandidate)) { f.onICE = fn }

func (f *fakePC) OnConnectionStateChange(fn func(pion.PeerConnectionState)) { f.onState = fn }

func (f *fakePC) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakePC) appliedCandidates() []pion.ICECandidateInit {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]pion.ICECandidateInit, len(f.candidates))
	copy(out, f.candidates)
	return out
}

// rig wires a manager for one user onto a shared in-memory transport with
// the fake registry server answering on the calls endpoint.
type rig struct {
	tr     *channel.MemoryTransport
	bus    *channel.Adapter
	server *registry.FakeServer
	reg    *registry.Client
	mgr    *Manager

	mu  sync.Mutex
	pcs []*fakePC
}

const testNamespace = "/webconferencing"

func newRig(t *testing.T, selfID string) *rig {
	t.Helper()
	return newRigOn(t, channel.NewMemoryTransport(), nil, selfID)
}

// newRigOn attaches a manager for selfID to an existing transport, reusing
// server when the registry endpoint is already served.
func newRigOn(t *testing.T, tr *channel.MemoryTransport, server *registry.FakeServer, selfID string) *rig {
	t.Helper()
	if server == nil {
		var err error
		server, err = registry.NewFakeServer(tr, testNamespace)
		require.NoError(t, err)
	}
	bus := channel.New(testNamespace, tr)
	reg := registry.NewClient(bus)
	r := &rig{tr: tr, bus: bus, server: server, reg: reg}
	r.mgr = NewManager(bus, reg, nil, selfID)
	r.mgr.newPeer = func() (peerConn, error) {
		pc := &fakePC{}
		r.mu.Lock()
		r.pcs = append(r.pcs, pc)
		r.mu.Unlock()
		return pc, nil
	}
	return r
}

func (r *rig) lastPC(t *testing.T) *fakePC {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.pcs)
	return r.pcs[len(r.pcs)-1]
}

// captureSignals records every signaling message published on the call
// topic by sender.
func (r *rig) captureSignals(t *testing.T, callID, sender string) func() []*Message {
	t.Helper()
	var mu sync.Mutex
	var msgs []*Message
	cancel, err := r.tr.Subscribe(context.Background(), r.bus.CallTopic(callID), func(b []byte) {
		m, err := parseMessage(json.RawMessage(b))
		if err != nil || m.Sender != sender {
			return
		}
		mu.Lock()
		msgs = append(msgs, m)
		mu.Unlock()
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = cancel() })
	return func() []*Message {
		mu.Lock()
		defer mu.Unlock()
		out := make([]*Message, len(msgs))
		copy(out, msgs)
		return out
	}
}

func (r *rig) inject(t *testing.T, callID string, m *Message) {
	t.Helper()
	m.Provider = ProviderType
	require.NoError(t, r.bus.PublishCall(context.Background(), callID, m))
}

func oneToOneInfo(owner, peer string) registry.CallInfo {
	return registry.CallInfo{
		Owner:        owner,
		OwnerType:    registry.OwnerUser,
		Provider:     ProviderType,
		Title:        owner,
		Participants: []string{owner, peer},
	}
}

func TestHostGreetsEveryoneAndCreatesRecord(t *testing.T) {
	r := newRig(t, "alice")
	callID := CallID("alice", "bob")
	signals := r.captureSignals(t, callID, "alice")

	_, err := r.mgr.StartCall(context.Background(), callID, oneToOneInfo("alice", "bob"))
	require.NoError(t, err)

	rec, ok := r.server.Record(callID)
	require.True(t, ok)
	assert.Equal(t, registry.StateStarted, rec.State)

	msgs := signals()
	require.Len(t, msgs, 1)
	assert.Equal(t, KindHello, msgs[0].Kind())
	assert.Equal(t, HelloAll, msgs[0].Hello)
	assert.True(t, msgs[0].Host)
}

func TestHostOffersOnPeerHelloAndAdmitsOnAnswer(t *testing.T) {
	r := newRig(t, "alice")
	callID := CallID("alice", "bob")
	signals := r.captureSignals(t, callID, "alice")

	s, err := r.mgr.StartCall(context.Background(), callID, oneToOneInfo("alice", "bob"))
	require.NoError(t, err)

	r.inject(t, callID, &Message{Sender: "bob", Hello: "alice"})
	assert.Equal(t, StateNegotiating, s.State())
	assert.Equal(t, "bob", s.RemoteID())

	msgs := signals()
	require.Len(t, msgs, 2)
	require.Equal(t, KindOffer, msgs[1].Kind())
	assert.Equal(t, pion.SDPTypeOffer, msgs[1].Offer.Type)

	answer := pion.SessionDescription{Type: pion.SDPTypeAnswer, SDP: "v=0 answer"}
	r.inject(t, callID, &Message{Sender: "bob", Answer: &answer})

	pc := r.lastPC(t)
	pc.mu.Lock()
	remote := pc.remote
	pc.mu.Unlock()
	require.NotNil(t, remote)
	assert.Equal(t, pion.SDPTypeAnswer, remote.Type)
}

func TestHostIgnoresOffer(t *testing.T) {
	r := newRig(t, "alice")
	callID := CallID("alice", "bob")
	signals := r.captureSignals(t, callID, "alice")

	s, err := r.mgr.StartCall(context.Background(), callID, oneToOneInfo("alice", "bob"))
	require.NoError(t, err)

	offer := pion.SessionDescription{Type: pion.SDPTypeOffer, SDP: "v=0 rogue"}
	r.inject(t, callID, &Message{Sender: "bob", Offer: &offer})

	assert.Equal(t, StateAwaitingHello, s.State())
	for _, m := range signals() {
		assert.NotEqual(t, KindAnswer, m.Kind())
	}
}

func TestJoinerQueuesCandidatesUntilAdmitted(t *testing.T) {
	r := newRig(t, "bob")
	callID := CallID("alice", "bob")
	_, err := r.reg.AddCall(context.Background(), callID, oneToOneInfo("alice", "bob"))
	require.NoError(t, err)

	call, err := r.reg.GetCall(context.Background(), callID)
	require.NoError(t, err)
	s, err := r.mgr.JoinCall(context.Background(), call)
	require.NoError(t, err)
	pc := r.lastPC(t)

	mid := "0"
	r.inject(t, callID, &Message{Sender: "alice", Host: true, Candidate: &Candidate{Candidate: "candidate:1", SDPMid: &mid}})
	r.inject(t, callID, &Message{Sender: "alice", Host: true, Candidate: &Candidate{Candidate: "candidate:2", SDPMid: &mid}})
	assert.Empty(t, pc.appliedCandidates(), "candidates must wait for admission")

	offer := pion.SessionDescription{Type: pion.SDPTypeOffer, SDP: "v=0 offer"}
	r.inject(t, callID, &Message{Sender: "alice", Host: true, Offer: &offer})
	assert.Equal(t, StateNegotiating, s.State())

	applied := pc.appliedCandidates()
	require.Len(t, applied, 2, "queued candidates applied exactly once on admission")
	assert.Equal(t, "candidate:1", applied[0].Candidate)
	assert.Equal(t, "candidate:2", applied[1].Candidate)

	r.inject(t, callID, &Message{Sender: "alice", Host: true, Candidate: &Candidate{Candidate: "candidate:3", SDPMid: &mid}})
	assert.Len(t, pc.appliedCandidates(), 3)

	// End-of-candidates marker is informational only.
	r.inject(t, callID, &Message{Sender: "alice", Host: true, Candidate: &Candidate{}})
	assert.Len(t, pc.appliedCandidates(), 3)
}

func TestJoinerAnswersOffer(t *testing.T) {
	r := newRig(t, "bob")
	callID := CallID("alice", "bob")
	_, err := r.reg.AddCall(context.Background(), callID, oneToOneInfo("alice", "bob"))
	require.NoError(t, err)
	signals := r.captureSignals(t, callID, "bob")

	call, err := r.reg.GetCall(context.Background(), callID)
	require.NoError(t, err)
	_, err = r.mgr.JoinCall(context.Background(), call)
	require.NoError(t, err)

	msgs := signals()
	require.Len(t, msgs, 1)
	assert.Equal(t, KindHello, msgs[0].Kind())
	assert.Equal(t, "alice", msgs[0].Hello, "joiner addresses the call owner")
	assert.False(t, msgs[0].Host)

	offer := pion.SessionDescription{Type: pion.SDPTypeOffer, SDP: "v=0 offer"}
	r.inject(t, callID, &Message{Sender: "alice", Host: true, Offer: &offer})

	msgs = signals()
	require.Len(t, msgs, 2)
	assert.Equal(t, KindAnswer, msgs[1].Kind())
}

func TestFullHandshakeAcrossTwoManagers(t *testing.T) {
	host := newRig(t, "alice")
	joiner := newRigOn(t, host.tr, host.server, "bob")
	callID := CallID("alice", "bob")

	hs, err := host.mgr.StartCall(context.Background(), callID, oneToOneInfo("alice", "bob"))
	require.NoError(t, err)
	hostPC := host.lastPC(t)

	call, err := joiner.reg.GetCall(context.Background(), callID)
	require.NoError(t, err)
	js, err := joiner.mgr.JoinCall(context.Background(), call)
	require.NoError(t, err)
	joinerPC := joiner.lastPC(t)

	// The joiner's hello drove the whole exchange synchronously.
	assert.Equal(t, StateNegotiating, hs.State())
	assert.Equal(t, StateNegotiating, js.State())
	assert.Equal(t, "bob", hs.RemoteID())
	assert.Equal(t, "alice", js.RemoteID())

	require.NotNil(t, joinerPC.remote)
	assert.Equal(t, pion.SDPTypeOffer, joinerPC.remote.Type)
	require.NotNil(t, hostPC.remote)
	assert.Equal(t, pion.SDPTypeAnswer, hostPC.remote.Type)

	// ICE connects on the host: the call record flips to joined.
	hostPC.onState(pion.PeerConnectionStateConnected)
	assert.Equal(t, StateConnected, hs.State())
	rec, ok := host.server.Record(callID)
	require.True(t, ok)
	assert.Equal(t, registry.StateJoined, rec.State)
}

func TestHostStopDeletesRecordAndIsIdempotent(t *testing.T) {
	r := newRig(t, "alice")
	callID := CallID("alice", "bob")

	s, err := r.mgr.StartCall(context.Background(), callID, oneToOneInfo("alice", "bob"))
	require.NoError(t, err)
	pc := r.lastPC(t)

	s.Stop(context.Background())
	assert.Equal(t, StateStopped, s.State())
	assert.True(t, pc.closed)
	_, ok := r.server.Record(callID)
	assert.False(t, ok, "host teardown removes the call record")
	_, ok = r.mgr.GetSession(callID)
	assert.False(t, ok)

	s.Stop(context.Background())
	assert.Equal(t, StateStopped, s.State())
}

func TestJoinerStopDeletesRecord(t *testing.T) {
	r := newRig(t, "bob")
	callID := CallID("alice", "bob")
	_, err := r.reg.AddCall(context.Background(), callID, oneToOneInfo("alice", "bob"))
	require.NoError(t, err)

	call, err := r.reg.GetCall(context.Background(), callID)
	require.NoError(t, err)
	s, err := r.mgr.JoinCall(context.Background(), call)
	require.NoError(t, err)

	s.Stop(context.Background())
	assert.Equal(t, StateStopped, s.State())
	_, ok := r.server.Record(callID)
	assert.False(t, ok, "a one-to-one call ends when either side hangs up")
}

func TestJoinerHangupStopsHost(t *testing.T) {
	host := newRig(t, "alice")
	joiner := newRigOn(t, host.tr, host.server, "bob")
	callID := CallID("alice", "bob")

	hostDisp := dispatch.New(host.bus, host.reg, nil, "alice")
	hostDisp.Register(ProviderType, host.mgr)
	require.NoError(t, hostDisp.Start(context.Background()))
	defer hostDisp.Close()

	hs, err := host.mgr.StartCall(context.Background(), callID, oneToOneInfo("alice", "bob"))
	require.NoError(t, err)
	hostPC := host.lastPC(t)

	call, err := joiner.reg.GetCall(context.Background(), callID)
	require.NoError(t, err)
	js, err := joiner.mgr.JoinCall(context.Background(), call)
	require.NoError(t, err)

	js.Stop(context.Background())

	_, ok := host.server.Record(callID)
	assert.False(t, ok, "hangup removes the call record")
	assert.Equal(t, StateStopped, hs.State(), "the stopped event tears the host down")
	assert.True(t, hostPC.closed)
	_, ok = host.mgr.GetSession(callID)
	assert.False(t, ok)
}

func TestStopRemoteLeavesRegistryAlone(t *testing.T) {
	r := newRig(t, "alice")
	callID := CallID("alice", "bob")

	s, err := r.mgr.StartCall(context.Background(), callID, oneToOneInfo("alice", "bob"))
	require.NoError(t, err)

	s.StopRemote()
	assert.Equal(t, StateStopped, s.State())
	_, ok := r.server.Record(callID)
	assert.True(t, ok, "remote stop never touches the registry")
}

func TestAdmissionAfterTeardownIsIgnored(t *testing.T) {
	r := newRig(t, "bob")
	callID := CallID("alice", "bob")
	_, err := r.reg.AddCall(context.Background(), callID, oneToOneInfo("alice", "bob"))
	require.NoError(t, err)

	call, err := r.reg.GetCall(context.Background(), callID)
	require.NoError(t, err)
	s, err := r.mgr.JoinCall(context.Background(), call)
	require.NoError(t, err)
	pc := r.lastPC(t)

	mid := "0"
	r.inject(t, callID, &Message{Sender: "alice", Host: true, Candidate: &Candidate{Candidate: "candidate:1", SDPMid: &mid}})
	s.Stop(context.Background())

	s.admit()
	assert.Empty(t, pc.appliedCandidates(), "queued candidates die with the session")
}

func TestLocalCandidateExhaustionIsBroadcast(t *testing.T) {
	r := newRig(t, "alice")
	callID := CallID("alice", "bob")
	signals := r.captureSignals(t, callID, "alice")

	_, err := r.mgr.StartCall(context.Background(), callID, oneToOneInfo("alice", "bob"))
	require.NoError(t, err)
	pc := r.lastPC(t)

	pc.onICE(nil)
	msgs := signals()
	require.Len(t, msgs, 2)
	require.Equal(t, KindCandidate, msgs[1].Kind())
	assert.True(t, msgs[1].Candidate.Exhausted())
}
