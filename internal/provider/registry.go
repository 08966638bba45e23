package provider

import (
	"context"
	"errors"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/confkit/webconferencing/internal/portal"
	"github.com/confkit/webconferencing/internal/prefs"
)

var log = logging.Logger("webconf/provider")

// ErrNoButtons is returned by BuildButtons when no provider produced a
// button for the context; the caller keeps the container hidden.
var ErrNoButtons = errors.New("provider: no buttons for context")

type entry struct {
	provider    CallProvider
	active      bool
	initialized bool
}

// Registry holds the registered call providers and builds button groups.
// Providers keep their registration order; that order breaks ties when no
// preferred provider is stored for a context.
type Registry struct {
	store  *prefs.Store
	userID string

	mu      sync.Mutex
	entries []*entry

	// Per-container locks serializing concurrent BuildButtons calls so a
	// container is never populated twice.
	containerMu sync.Mutex
	containers  map[string]*sync.Mutex
}

// NewRegistry creates a registry persisting preferences for userID in store.
// store may be nil; preferences are then not persisted.
func NewRegistry(store *prefs.Store, userID string) *Registry {
	return &Registry{
		store:      store,
		userID:     userID,
		containers: make(map[string]*sync.Mutex),
	}
}

// AddProvider registers a provider. Malformed providers (missing type or
// supported target kinds) are logged and ignored rather than failing the
// caller; duplicates by type are ignored too.
func (r *Registry) AddProvider(p CallProvider) {
	if p == nil || p.Type() == "" {
		log.Error("ignoring provider without a type")
		return
	}
	if len(p.SupportedTypes()) == 0 {
		log.Errorf("ignoring provider %q without supported target types", p.Type())
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.provider.Type() == p.Type() {
			log.Warnf("provider %q already registered, ignoring", p.Type())
			return
		}
	}
	r.entries = append(r.entries, &entry{provider: p, active: true})
	log.Infof("registered call provider %q (%s)", p.Type(), p.Title())
}

// Provider returns the registered provider of the given type.
func (r *Registry) Provider(providerType string) (CallProvider, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e := r.lookup(providerType); e != nil {
		return e.provider, true
	}
	return nil, false
}

func (r *Registry) lookup(providerType string) *entry {
	for _, e := range r.entries {
		if e.provider.Type() == providerType {
			return e
		}
	}
	return nil
}

// SetActive flips the administrative activation flag. Deactivated providers
// stay registered so they can be re-activated without re-registration.
func (r *Registry) SetActive(providerType string, active bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.lookup(providerType)
	if e == nil {
		log.Warnf("cannot set active=%v: provider %q not registered", active, providerType)
		return
	}
	if e.active != active {
		e.active = active
		if !active {
			e.initialized = false
		}
		log.Infof("provider %q active=%v", providerType, active)
	}
}

// InitProvider runs the provider's one-time Init hook against the app
// context. A declined or failed init leaves the provider registered but
// excluded from button building.
func (r *Registry) InitProvider(ctx context.Context, providerType string, c *portal.CallContext) error {
	r.mu.Lock()
	e := r.lookup(providerType)
	if e == nil {
		r.mu.Unlock()
		return errors.New("provider: not registered: " + providerType)
	}
	if !e.active {
		r.mu.Unlock()
		log.Debugf("skipping init of inactive provider %q", providerType)
		return nil
	}
	if e.initialized {
		r.mu.Unlock()
		return nil
	}
	p := e.provider
	r.mu.Unlock()

	if init, ok := p.(Initializer); ok {
		if err := init.Init(ctx, c); err != nil {
			if errors.Is(err, ErrDeclined) {
				log.Debugf("provider %q declined initialization", providerType)
			} else {
				log.Errorf("provider %q init failed: %v", providerType, err)
			}
			return err
		}
	}

	r.mu.Lock()
	e.initialized = true
	r.mu.Unlock()
	log.Debugf("initialized call provider %q", providerType)
	return nil
}

// ready snapshots the providers eligible for button building, in
// registration order.
func (r *Registry) ready() []CallProvider {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]CallProvider, 0, len(r.entries))
	for _, e := range r.entries {
		if e.active && e.initialized {
			out = append(out, e.provider)
		}
	}
	return out
}

func (r *Registry) containerLock(containerID string) *sync.Mutex {
	r.containerMu.Lock()
	defer r.containerMu.Unlock()
	mu, ok := r.containers[containerID]
	if !ok {
		mu = &sync.Mutex{}
		r.containers[containerID] = mu
	}
	return mu
}

// BuildButtons asks every ready provider for a button bound to c and merges
// the results into a group. Overlapping calls for the same container are
// serialized, not merged: the second waits for the first to finish.
func (r *Registry) BuildButtons(ctx context.Context, containerID string, c *portal.CallContext) (*ButtonGroup, error) {
	lock := r.containerLock(containerID)
	lock.Lock()
	defer lock.Unlock()

	if c == nil || c.Empty() {
		log.Debugf("no target in context for container %s", containerID)
		return nil, ErrNoButtons
	}

	providers := r.ready()
	if len(providers) == 0 {
		return nil, ErrNoButtons
	}

	type result struct {
		button *Button
		err    error
	}
	results := make([]result, len(providers))
	var wg sync.WaitGroup
	for i, p := range providers {
		wg.Add(1)
		go func(i int, p CallProvider) {
			defer wg.Done()
			b, err := p.CallButton(ctx, c)
			results[i] = result{button: b, err: err}
		}(i, p)
	}
	wg.Wait()

	contextID := c.ID()
	var buttons []*Button
	for i, res := range results {
		if res.err != nil {
			if errors.Is(res.err, ErrDeclined) {
				log.Debugf("provider %q opted out of %s", providers[i].Type(), contextID)
			} else {
				log.Errorf("provider %q button failed for %s: %v", providers[i].Type(), contextID, res.err)
			}
			continue
		}
		if res.button == nil {
			continue
		}
		buttons = append(buttons, r.trackPreference(contextID, res.button))
	}

	if len(buttons) == 0 {
		return nil, ErrNoButtons
	}

	group := &ButtonGroup{Default: buttons[0], Others: buttons[1:]}
	if preferred := r.preferredProvider(contextID); preferred != "" {
		for i, b := range buttons {
			if b.Provider == preferred && i > 0 {
				group.Default = b
				group.Others = append(append([]*Button{}, buttons[:i]...), buttons[i+1:]...)
				break
			}
		}
	}
	return group, nil
}

// trackPreference wraps the button's click handler so using a provider makes
// it the context's preferred one on the next build.
func (r *Registry) trackPreference(contextID string, b *Button) *Button {
	if r.store == nil || b.OnClick == nil {
		return b
	}
	inner := b.OnClick
	wrapped := *b
	wrapped.OnClick = func(ctx context.Context) error {
		key := prefs.PreferredProviderKey(r.userID, contextID)
		if err := r.store.Put(key, b.Provider); err != nil {
			log.Warnf("saving preferred provider for %s: %v", contextID, err)
		}
		return inner(ctx)
	}
	return &wrapped
}

func (r *Registry) preferredProvider(contextID string) string {
	if r.store == nil {
		return ""
	}
	value, ok, err := r.store.Get(prefs.PreferredProviderKey(r.userID, contextID))
	if err != nil {
		log.Warnf("reading preferred provider for %s: %v", contextID, err)
		return ""
	}
	if !ok {
		return ""
	}
	return value
}
