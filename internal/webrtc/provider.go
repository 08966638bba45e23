// Package webrtc is the built-in one-to-one call provider. It negotiates
// peer connections over the per-call signaling topics and keeps the call
// registry in step with the connection lifecycle.
package webrtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/confkit/webconferencing/internal/channel"
	"github.com/confkit/webconferencing/internal/portal"
	"github.com/confkit/webconferencing/internal/prefs"
	"github.com/confkit/webconferencing/internal/provider"
	"github.com/confkit/webconferencing/internal/registry"
)

var log = logging.Logger("webconf/webrtc")

// ProviderType is the stable identifier of this provider.
const ProviderType = "webrtc"

// settings is the provider-specific slice of the portal configuration.
type settings struct {
	ICEServers []ICEServer `json:"iceServers"`
}

// Manager owns the active sessions and hands out one session per call id.
type Manager struct {
	bus    *channel.Adapter
	reg    *registry.Client
	store  *prefs.Store
	selfID string

	newPeer peerFactory

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a session manager for the local user. The prefs store
// may be nil; mute switches are then per-session only.
func NewManager(bus *channel.Adapter, reg *registry.Client, store *prefs.Store, selfID string) *Manager {
	return &Manager{
		bus:      bus,
		reg:      reg,
		store:    store,
		selfID:   selfID,
		newPeer:  newPeerFactory(nil),
		sessions: make(map[string]*Session),
	}
}

// SetICEServers replaces the ICE servers used for new sessions.
func (m *Manager) SetICEServers(servers []ICEServer) {
	m.mu.Lock()
	m.newPeer = newPeerFactory(servers)
	m.mu.Unlock()
}

func (m *Manager) newSession(callID, ownerID string, host bool) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[callID]; ok {
		return nil, fmt.Errorf("webrtc: session for %s already active", callID)
	}
	s := &Session{
		callID:   callID,
		selfID:   m.selfID,
		host:     host,
		ownerID:  ownerID,
		bus:      m.bus,
		reg:      m.reg,
		store:    m.store,
		newPeer:  m.newPeer,
		onClosed: m.removeSession,
	}
	m.sessions[callID] = s
	return s, nil
}

// StartCall creates the call record and opens the host side of the session.
func (m *Manager) StartCall(ctx context.Context, callID string, info registry.CallInfo) (*Session, error) {
	if _, err := m.reg.AddCall(ctx, callID, info); err != nil {
		return nil, fmt.Errorf("create call %s: %w", callID, err)
	}
	s, err := m.newSession(callID, m.selfID, true)
	if err != nil {
		return nil, err
	}
	if err := s.Start(ctx); err != nil {
		m.removeSession(callID)
		_ = m.reg.DeleteCall(ctx, callID)
		return nil, err
	}
	log.Infof("started call %s", callID)
	return s, nil
}

// JoinCall opens the joining side of an existing call.
func (m *Manager) JoinCall(ctx context.Context, call *registry.CallRecord) (*Session, error) {
	s, err := m.newSession(call.ID, call.Owner.ID, false)
	if err != nil {
		return nil, err
	}
	if err := s.Start(ctx); err != nil {
		m.removeSession(call.ID)
		return nil, err
	}
	log.Infof("joined call %s", call.ID)
	return s, nil
}

// Join opens the joining side for an accepted incoming call. It is the
// dispatcher-facing variant of JoinCall.
func (m *Manager) Join(ctx context.Context, call *registry.CallRecord) error {
	_, err := m.JoinCall(ctx, call)
	return err
}

// StopRemote tears down the local session of a call the server already
// removed. Returns false when no session was active.
func (m *Manager) StopRemote(callID string) bool {
	s, ok := m.GetSession(callID)
	if !ok {
		return false
	}
	s.StopRemote()
	return true
}

// GetSession returns the active session for callID, if any.
func (m *Manager) GetSession(callID string) (*Session, bool) {
	m.mu.RLock()
	s, ok := m.sessions[callID]
	m.mu.RUnlock()
	return s, ok
}

func (m *Manager) removeSession(callID string) {
	m.mu.Lock()
	delete(m.sessions, callID)
	m.mu.Unlock()
}

// Close stops every active session. Used on shutdown and page unload; the
// registry cleanup is best effort.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.Stop(ctx)
	}
}

// Provider adapts the Manager to the call provider surface: it mints the
// per-target call button whose click starts or joins the one-to-one call.
type Provider struct {
	mgr    *Manager
	portal *portal.Client
}

// NewProvider wraps mgr as a registrable call provider. portalClient may be
// nil; Init then keeps the built-in ICE defaults.
func NewProvider(mgr *Manager, portalClient *portal.Client) *Provider {
	return &Provider{mgr: mgr, portal: portalClient}
}

func (p *Provider) Type() string  { return ProviderType }
func (p *Provider) Title() string { return "WebRTC" }

// SupportedTypes lists the only target kind this provider handles. Group
// calls need an SFU and belong to external providers.
func (p *Provider) SupportedTypes() []string { return []string{registry.OwnerUser} }

// Init pulls the provider configuration from the portal. A deactivated
// configuration declines initialization.
func (p *Provider) Init(ctx context.Context, _ *portal.CallContext) error {
	if p.portal == nil {
		return nil
	}
	cfg, err := p.portal.GetProviderConfig(ctx, ProviderType)
	if err != nil {
		return fmt.Errorf("webrtc: fetch provider config: %w", err)
	}
	if !cfg.Active {
		return fmt.Errorf("webrtc: deactivated by administrator: %w", provider.ErrDeclined)
	}
	if len(cfg.Settings) > 0 {
		var s settings
		if err := json.Unmarshal(cfg.Settings, &s); err != nil {
			return fmt.Errorf("webrtc: decode provider settings: %w", err)
		}
		p.mgr.SetICEServers(s.ICEServers)
	}
	return nil
}

// CallButton binds a call button to a one-to-one context. Group contexts
// are declined.
func (p *Provider) CallButton(_ context.Context, c *portal.CallContext) (*provider.Button, error) {
	if c == nil || c.Empty() {
		return nil, provider.ErrDeclined
	}
	if c.IsGroup {
		return nil, fmt.Errorf("webrtc: group context: %w", provider.ErrDeclined)
	}
	target := c.ID()
	if target == c.CurrentUser.ID {
		return nil, fmt.Errorf("webrtc: cannot call self: %w", provider.ErrDeclined)
	}
	caller := c.CurrentUser
	return &provider.Button{
		Provider: ProviderType,
		Label:    "Call",
		OnClick: func(ctx context.Context) error {
			return p.startOrJoin(ctx, caller, target)
		},
	}, nil
}

// startOrJoin looks the call up and either joins it or starts a new one.
// Two users clicking at once both race AddCall; the loser of the race joins
// the winner's record.
func (p *Provider) startOrJoin(ctx context.Context, caller portal.User, target string) error {
	callID := CallID(caller.ID, target)
	if s, ok := p.mgr.GetSession(callID); ok {
		log.Debugf("call %s already active in state %s", callID, s.State())
		return nil
	}

	call, err := p.mgr.reg.GetCall(ctx, callID)
	if err != nil && !errors.Is(err, registry.ErrNotFound) {
		return err
	}
	if call != nil {
		_, err := p.mgr.JoinCall(ctx, call)
		return err
	}

	info := registry.CallInfo{
		Owner:        caller.ID,
		OwnerType:    registry.OwnerUser,
		Provider:     ProviderType,
		Title:        caller.Title,
		Participants: []string{caller.ID, target},
	}
	_, err = p.mgr.StartCall(ctx, callID, info)
	if err == nil {
		return nil
	}

	// Lost the creation race: the peer's record now exists, join it.
	call, getErr := p.mgr.reg.GetCall(ctx, callID)
	if getErr != nil || call == nil {
		return err
	}
	_, joinErr := p.mgr.JoinCall(ctx, call)
	return joinErr
}
