// Package webconf assembles the conferencing client: transport, call
// registry, provider registry, dispatcher and diagnostics, configured from
// one config file.
package webconf

import (
	"context"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/confkit/webconferencing/internal/channel"
	"github.com/confkit/webconferencing/internal/config"
	"github.com/confkit/webconferencing/internal/dispatch"
	"github.com/confkit/webconferencing/internal/logspool"
	"github.com/confkit/webconferencing/internal/portal"
	"github.com/confkit/webconferencing/internal/prefs"
	"github.com/confkit/webconferencing/internal/provider"
	"github.com/confkit/webconferencing/internal/registry"
	"github.com/confkit/webconferencing/internal/webrtc"
)

var log = logging.Logger("webconf/service")

// Service is the running conferencing client for one portal user.
type Service struct {
	cfg config.Config

	tr     channel.Transport
	bus    *channel.Adapter
	reg    *registry.Client
	portal *portal.Client
	store  *prefs.Store

	providers *provider.Registry
	calls     *webrtc.Manager
	disp      *dispatch.Dispatcher
	spool     *logspool.Spool

	mu          sync.Mutex
	currentUser portal.User
	contexts    *portal.ContextBuilder
	provCache   []portal.ProviderConfig
	provCacheAt time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires a service from cfg. Nothing talks to the network until Run.
func New(cfg config.Config) (*Service, error) {
	store, err := prefs.Open(cfg.Prefs.Dir)
	if err != nil {
		return nil, fmt.Errorf("open prefs store: %w", err)
	}

	s := &Service{
		cfg:    cfg,
		portal: portal.NewClient(cfg.Portal.BaseURL),
		store:  store,
	}
	s.bus = channel.New(cfg.Channel.Namespace, nil)
	s.reg = registry.NewClient(s.bus)
	s.providers = provider.NewRegistry(store, cfg.Identity.UserID)
	s.calls = webrtc.NewManager(s.bus, s.reg, store, cfg.Identity.UserID)
	s.disp = dispatch.New(s.bus, s.reg, s.portal, cfg.Identity.UserID)
	s.spool = logspool.New(s.bus, cfg.Identity.UserID, cfg.Logs.Capacity)

	s.providers.AddProvider(webrtc.NewProvider(s.calls, s.portal))
	s.disp.Register(webrtc.ProviderType, s.calls)
	s.applyActivation(cfg.Providers.Active)

	return s, nil
}

// connect builds the configured transport and binds it to the adapter.
func (s *Service) connect(ctx context.Context) error {
	var (
		tr  channel.Transport
		err error
	)
	switch s.cfg.Channel.Transport {
	case "mqtt":
		tr, err = channel.NewMQTTTransport(channel.MQTTOptions{
			Broker:   s.cfg.Channel.BrokerURL,
			ClientID: s.cfg.Channel.ClientID,
			Username: s.cfg.Channel.Username,
			Password: s.cfg.Channel.Password,
		})
	case "socket":
		tr, err = channel.DialSocket(ctx, s.cfg.Channel.SocketURL)
	case "memory":
		tr = channel.NewMemoryTransport()
	default:
		err = fmt.Errorf("unknown transport %q", s.cfg.Channel.Transport)
	}
	if err != nil {
		return fmt.Errorf("connect %s transport: %w", s.cfg.Channel.Transport, err)
	}
	s.tr = tr
	s.bus.Bind(tr)
	return nil
}

// Run connects, resolves the current user, initializes providers and starts
// listening for call updates. It blocks until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	defer cancel()

	if err := s.connect(ctx); err != nil {
		return err
	}

	user, err := s.portal.GetUser(ctx, s.cfg.Identity.UserID)
	if err != nil {
		return fmt.Errorf("resolve current user %s: %w", s.cfg.Identity.UserID, err)
	}
	s.mu.Lock()
	s.currentUser = *user
	s.contexts = portal.NewContextBuilder(s.portal, *user)
	s.mu.Unlock()
	log.Infof("running as %s (%s)", user.ID, user.Title)

	appCtx := s.contexts.CreateUserContext(user.ID)
	for _, p := range []string{webrtc.ProviderType} {
		if err := s.providers.InitProvider(ctx, p, appCtx); err != nil {
			log.Warnf("provider %s not available: %v", p, err)
			s.spool.Append("warn", "webconf/service", fmt.Sprintf("provider %s init failed: %v", p, err))
		}
	}

	if err := s.disp.Start(ctx); err != nil {
		return err
	}
	s.spool.Append("info", "webconf/service", "client started for "+user.ID)

	// Calls that survived a previous run, so the UI can restore its
	// indicators before any fresh event arrives.
	if states, err := s.reg.GetUserCallsState(ctx, user.ID); err != nil {
		log.Warnf("restore call states: %v", err)
	} else if len(states) > 0 {
		log.Infof("%d call(s) active for %s", len(states), user.ID)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.spool.Run(ctx, time.Duration(s.cfg.Logs.FlushSec)*time.Second)
	}()

	<-ctx.Done()
	return nil
}

// Close stops everything and releases the transport. Active calls are ended
// the way a page unload would end them.
func (s *Service) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	s.disp.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.calls.Close(ctx)

	s.wg.Wait()
	if s.tr != nil {
		if err := s.tr.Close(); err != nil {
			log.Debugf("close transport: %v", err)
		}
	}
	if err := s.store.Close(); err != nil {
		log.Debugf("close prefs store: %v", err)
	}
}

// Reload applies a changed configuration. Only provider activation is
// applied live; transport and identity changes need a restart.
func (s *Service) Reload(cfg config.Config) {
	s.applyActivation(cfg.Providers.Active)
	s.mu.Lock()
	s.cfg.Portal.ProvidersTTLSec = cfg.Portal.ProvidersTTLSec
	s.provCacheAt = time.Time{}
	s.mu.Unlock()
}

func (s *Service) applyActivation(active map[string]bool) {
	for providerType, on := range active {
		s.providers.SetActive(providerType, on)
	}
}

// Dispatcher exposes the incoming-call and update streams to the UI layer.
func (s *Service) Dispatcher() *dispatch.Dispatcher { return s.disp }

// Providers exposes the provider registry.
func (s *Service) Providers() *provider.Registry { return s.providers }

// CallStates lists the current user's standing in every call the registry
// still tracks for them.
func (s *Service) CallStates(ctx context.Context) ([]registry.UserCallState, error) {
	return s.reg.GetUserCallsState(ctx, s.cfg.Identity.UserID)
}

// CurrentUser returns the resolved portal user, zero before Run.
func (s *Service) CurrentUser() portal.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentUser
}

// builder returns the context builder once the user is resolved.
func (s *Service) builder() (*portal.ContextBuilder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.contexts == nil {
		return nil, fmt.Errorf("webconf: service not started")
	}
	return s.contexts, nil
}

// UserButtons builds the call button group for a user profile container.
func (s *Service) UserButtons(ctx context.Context, containerID, userID string) (*provider.ButtonGroup, error) {
	b, err := s.builder()
	if err != nil {
		return nil, err
	}
	return s.providers.BuildButtons(ctx, containerID, b.CreateUserContext(userID))
}

// SpaceButtons builds the call button group for a space container.
func (s *Service) SpaceButtons(ctx context.Context, containerID, spaceID string) (*provider.ButtonGroup, error) {
	b, err := s.builder()
	if err != nil {
		return nil, err
	}
	return s.providers.BuildButtons(ctx, containerID, b.CreateSpaceContext(spaceID))
}

// ChatButtons builds the call button group for the chat panel. override, when
// set, wins over the chat's selected target.
func (s *Service) ChatButtons(ctx context.Context, containerID string, selected, override *portal.ChatTarget) (*provider.ButtonGroup, error) {
	b, err := s.builder()
	if err != nil {
		return nil, err
	}
	return s.providers.BuildButtons(ctx, containerID, b.CreateChatContext(selected, override))
}

// ProvidersConfig returns the administrative provider configurations,
// cached for the configured TTL.
func (s *Service) ProvidersConfig(ctx context.Context) ([]portal.ProviderConfig, error) {
	ttl := time.Duration(s.cfg.Portal.ProvidersTTLSec) * time.Second

	s.mu.Lock()
	if ttl > 0 && s.provCache != nil && time.Since(s.provCacheAt) < ttl {
		cached := s.provCache
		s.mu.Unlock()
		return cached, nil
	}
	s.mu.Unlock()

	configs, err := s.portal.GetProvidersConfig(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.provCache = configs
	s.provCacheAt = time.Now()
	s.mu.Unlock()
	return configs, nil
}

// SetProviderActive flips a provider's activation both on the portal and in
// the local registry, and drops the config cache.
func (s *Service) SetProviderActive(ctx context.Context, providerType string, active bool) error {
	if err := s.portal.SetProviderActive(ctx, providerType, active); err != nil {
		return err
	}
	s.providers.SetActive(providerType, active)
	s.mu.Lock()
	s.provCacheAt = time.Time{}
	s.mu.Unlock()
	return nil
}
