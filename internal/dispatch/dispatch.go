// Package dispatch listens on the local user's update topic and turns call
// events into incoming-call prompts and UI notifications.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/confkit/webconferencing/internal/channel"
	"github.com/confkit/webconferencing/internal/portal"
	"github.com/confkit/webconferencing/internal/registry"
)

var log = logging.Logger("webconf/dispatch")

// presenceTimeout bounds the presence lookup done while opening a prompt.
const presenceTimeout = 3 * time.Second

// Event types published on user topics.
const (
	EventCallState  = "call_state"
	EventCallJoined = "call_joined"
	EventCallLeaved = "call_leaved"
)

// Event is one call update received on the user topic.
type Event struct {
	EventType string            `json:"eventType"`
	CallID    string            `json:"callId"`
	Provider  string            `json:"providerType"`
	State     registry.State    `json:"callState"`
	Owner     registry.Identity `json:"owner"`
}

// key is the event's idempotency key. Brokers may redeliver; an event whose
// key matches the last one seen for its call is an exact repeat and dropped.
func (e *Event) key() string {
	return e.EventType + "|" + e.CallID + "|" + string(e.State)
}

// Controller is the per-provider hook the dispatcher drives when the user
// accepts a call or the server reports it stopped.
type Controller interface {
	// Join opens the local leg of an existing call.
	Join(ctx context.Context, call *registry.CallRecord) error
	// StopRemote tears down the local session for a call the server already
	// removed. Returns false when no session was active.
	StopRemote(callID string) bool
}

// IncomingCall is a ringing prompt handed to the UI. Exactly one of Accept
// and Decline should be invoked; both close the prompt.
type IncomingCall struct {
	CallID   string
	Provider string
	Owner    registry.Identity
	// Ringtone tells the UI whether to play audio, based on the local
	// user's presence.
	Ringtone bool

	Accept  func(ctx context.Context) error
	Decline func(ctx context.Context) error
}

// Update is a non-ringing call notification, e.g. for toggling call button
// state in open chat panels.
type Update struct {
	EventType string
	CallID    string
	Provider  string
	State     registry.State
	Owner     registry.Identity
}

// Dispatcher owns the single user-topic subscription and fans events out.
type Dispatcher struct {
	bus    *channel.Adapter
	reg    *registry.Client
	portal *portal.Client
	selfID string

	mu          sync.Mutex
	controllers map[string]Controller
	lastKey     map[string]string
	prompts     map[string]struct{}
	unsub       func()

	handlersMu sync.RWMutex
	incoming   []func(*IncomingCall)
	updates    []func(*Update)
}

// New creates a dispatcher for the local user. portalClient may be nil; the
// ringtone is then always on.
func New(bus *channel.Adapter, reg *registry.Client, portalClient *portal.Client, selfID string) *Dispatcher {
	return &Dispatcher{
		bus:         bus,
		reg:         reg,
		portal:      portalClient,
		selfID:      selfID,
		controllers: make(map[string]Controller),
		lastKey:     make(map[string]string),
		prompts:     make(map[string]struct{}),
	}
}

// Register binds the controller handling calls of providerType.
func (d *Dispatcher) Register(providerType string, c Controller) {
	d.mu.Lock()
	d.controllers[providerType] = c
	d.mu.Unlock()
}

// OnIncoming registers a callback fired for each ringing call.
func (d *Dispatcher) OnIncoming(fn func(*IncomingCall)) {
	d.handlersMu.Lock()
	d.incoming = append(d.incoming, fn)
	d.handlersMu.Unlock()
}

// OnUpdate registers a callback fired for joined/leaved/stopped updates.
func (d *Dispatcher) OnUpdate(fn func(*Update)) {
	d.handlersMu.Lock()
	d.updates = append(d.updates, fn)
	d.handlersMu.Unlock()
}

// Start subscribes the local user's update topic. Idempotent.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.unsub != nil {
		return nil
	}
	unsub, err := d.bus.SubscribeUser(ctx, d.selfID, d.handle)
	if err != nil {
		return fmt.Errorf("dispatch: subscribe user updates: %w", err)
	}
	d.unsub = unsub
	log.Infof("listening for call updates of %s", d.selfID)
	return nil
}

// Close drops the topic subscription.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	unsub := d.unsub
	d.unsub = nil
	d.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

func (d *Dispatcher) handle(raw json.RawMessage) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		log.Debugf("dropping user update: %v", err)
		return
	}
	if ev.EventType == "" || ev.CallID == "" {
		log.Debugf("dropping user update without event type or call id")
		return
	}

	d.mu.Lock()
	key := ev.key()
	if d.lastKey[ev.CallID] == key {
		d.mu.Unlock()
		log.Debugf("duplicate %s for %s dropped", ev.EventType, ev.CallID)
		return
	}
	d.lastKey[ev.CallID] = key
	if ev.EventType == EventCallState && ev.State == registry.StateStopped {
		delete(d.lastKey, ev.CallID)
	}
	d.mu.Unlock()

	switch ev.EventType {
	case EventCallState:
		d.onCallState(&ev)
	case EventCallJoined, EventCallLeaved:
		d.notifyUpdate(&ev)
	default:
		log.Debugf("unknown event type %q for %s", ev.EventType, ev.CallID)
	}
}

func (d *Dispatcher) onCallState(ev *Event) {
	switch ev.State {
	case registry.StateStarted:
		if ev.Owner.ID == d.selfID {
			// Our own call starting; nothing rings locally.
			d.notifyUpdate(ev)
			return
		}
		if d.controller(ev.Provider) == nil {
			log.Debugf("no %q provider here, ignoring call %s", ev.Provider, ev.CallID)
			return
		}
		d.ring(ev)
	case registry.StateStopped:
		d.onStopped(ev)
	default:
		d.notifyUpdate(ev)
	}
}

// ring opens an incoming-call prompt, at most one per call.
func (d *Dispatcher) ring(ev *Event) {
	d.mu.Lock()
	if _, open := d.prompts[ev.CallID]; open {
		d.mu.Unlock()
		return
	}
	d.prompts[ev.CallID] = struct{}{}
	d.mu.Unlock()

	ic := &IncomingCall{
		CallID:   ev.CallID,
		Provider: ev.Provider,
		Owner:    ev.Owner,
		Ringtone: d.ringtoneAllowed(),
		Accept: func(ctx context.Context) error {
			d.closePrompt(ev.CallID)
			return d.accept(ctx, ev)
		},
		Decline: func(ctx context.Context) error {
			d.closePrompt(ev.CallID)
			return d.decline(ctx, ev.CallID)
		},
	}

	d.handlersMu.RLock()
	handlers := make([]func(*IncomingCall), len(d.incoming))
	copy(handlers, d.incoming)
	d.handlersMu.RUnlock()
	for _, fn := range handlers {
		fn(ic)
	}
}

// onStopped closes any open prompt and tears down the local session. A stop
// for a call with neither is a plain no-op.
func (d *Dispatcher) onStopped(ev *Event) {
	d.closePrompt(ev.CallID)
	if c := d.controller(ev.Provider); c != nil {
		if c.StopRemote(ev.CallID) {
			log.Debugf("stopped local session of %s", ev.CallID)
		}
	}
	d.notifyUpdate(ev)
}

func (d *Dispatcher) accept(ctx context.Context, ev *Event) error {
	c := d.controller(ev.Provider)
	if c == nil {
		return fmt.Errorf("dispatch: no controller for provider %q", ev.Provider)
	}
	call, err := d.reg.GetCall(ctx, ev.CallID)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			log.Infof("call %s gone before accept", ev.CallID)
			return nil
		}
		return err
	}
	return c.Join(ctx, call)
}

// decline removes the call record so the caller stops ringing. A call that
// already moved on (joined elsewhere, or gone) is left alone.
func (d *Dispatcher) decline(ctx context.Context, callID string) error {
	call, err := d.reg.GetCall(ctx, callID)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return nil
		}
		return err
	}
	if call.State == registry.StateJoined || call.State == registry.StateStopped {
		return nil
	}
	return d.reg.DeleteCall(ctx, callID)
}

func (d *Dispatcher) controller(providerType string) Controller {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.controllers[providerType]
}

func (d *Dispatcher) closePrompt(callID string) {
	d.mu.Lock()
	_, open := d.prompts[callID]
	delete(d.prompts, callID)
	d.mu.Unlock()
	if open {
		log.Debugf("closed prompt for %s", callID)
	}
}

// ringtoneAllowed checks the local user's presence: do-not-disturb and
// invisible users get a silent prompt.
func (d *Dispatcher) ringtoneAllowed() bool {
	if d.portal == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	u, err := d.portal.GetUserStatus(ctx, d.selfID)
	if err != nil {
		log.Debugf("presence lookup failed, ringing anyway: %v", err)
		return true
	}
	return u.Status == portal.StatusAvailable || u.Status == portal.StatusAway
}

func (d *Dispatcher) notifyUpdate(ev *Event) {
	u := &Update{
		EventType: ev.EventType,
		CallID:    ev.CallID,
		Provider:  ev.Provider,
		State:     ev.State,
		Owner:     ev.Owner,
	}
	d.handlersMu.RLock()
	handlers := make([]func(*Update), len(d.updates))
	copy(handlers, d.updates)
	d.handlersMu.RUnlock()
	for _, fn := range handlers {
		fn(u)
	}
}
