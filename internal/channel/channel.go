// Package channel wraps the portal's publish/subscribe transport into the
// per-call and per-user topics and the request/response "remote call"
// primitive the rest of the system is built on. The transport itself is an
// external collaborator behind the Transport interface; delivery is
// at-least-once and unordered, so consumers must tolerate duplicates.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("webconf/channel")

// ErrTransportRequired is returned by every operation until a transport
// session is bound. Callers treat it as "feature unavailable", not fatal.
var ErrTransportRequired = errors.New("channel: transport required")

// remoteCallTimeout bounds how long RemoteCall waits for the server reply
// when the caller's context carries no deadline of its own.
const remoteCallTimeout = 20 * time.Second

// Error is a structured error carried back from a remote-call endpoint.
type Error struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// Handler receives the raw payload of one inbound topic message.
type Handler func(payload json.RawMessage)

// Adapter exposes the conferencing topics over a bound Transport.
// It is safe to create an Adapter before the transport session exists;
// operations fail with ErrTransportRequired until Bind is called.
type Adapter struct {
	namespace string

	mu sync.RWMutex
	tr Transport
}

// New creates an Adapter for the given topic namespace (e.g. "/webconferencing").
// tr may be nil; bind one later with Bind.
func New(namespace string, tr Transport) *Adapter {
	return &Adapter{namespace: namespace, tr: tr}
}

// Bind attaches a live transport session. Replacing an existing transport is
// allowed; subscriptions made on the old one stay with the old one.
func (a *Adapter) Bind(tr Transport) {
	a.mu.Lock()
	a.tr = tr
	a.mu.Unlock()
}

func (a *Adapter) transport() (Transport, error) {
	a.mu.RLock()
	tr := a.tr
	a.mu.RUnlock()
	if tr == nil {
		return nil, ErrTransportRequired
	}
	return tr, nil
}

// CallTopic returns the per-call topic for callID.
func (a *Adapter) CallTopic(callID string) string {
	return a.namespace + "/call/" + callID
}

// UserTopic returns the per-user update topic for userID.
func (a *Adapter) UserTopic(userID string) string {
	return a.namespace + "/user/" + userID
}

// CallsEndpoint is the remote-call endpoint for call registry commands.
func (a *Adapter) CallsEndpoint() string { return a.namespace + "/calls" }

// LogsEndpoint is the remote-call endpoint for diagnostic spooling.
func (a *Adapter) LogsEndpoint() string { return a.namespace + "/logs" }

// SubscribeCall registers fn for messages on the per-call topic of callID.
// The returned function unsubscribes; calling it more than once is safe.
func (a *Adapter) SubscribeCall(ctx context.Context, callID string, fn Handler) (func(), error) {
	return a.subscribe(ctx, a.CallTopic(callID), fn)
}

// SubscribeUser registers fn for messages on the per-user topic of userID.
func (a *Adapter) SubscribeUser(ctx context.Context, userID string, fn Handler) (func(), error) {
	return a.subscribe(ctx, a.UserTopic(userID), fn)
}

func (a *Adapter) subscribe(ctx context.Context, topic string, fn Handler) (func(), error) {
	tr, err := a.transport()
	if err != nil {
		return nil, err
	}
	cancel, err := tr.Subscribe(ctx, topic, func(payload []byte) {
		fn(json.RawMessage(payload))
	})
	if err != nil {
		return nil, fmt.Errorf("channel: subscribe %s: %w", topic, err)
	}
	log.Debugf("subscribed %s", topic)
	var once sync.Once
	return func() {
		once.Do(func() {
			if err := cancel(); err != nil {
				log.Debugf("unsubscribe %s: %v", topic, err)
			}
		})
	}, nil
}

// PublishCall broadcasts payload on the per-call topic of callID. The returned
// error reflects transport acknowledgment only, never recipient processing.
func (a *Adapter) PublishCall(ctx context.Context, callID string, payload any) error {
	return a.publish(ctx, a.CallTopic(callID), payload)
}

// PublishUser broadcasts payload on the per-user topic of userID.
func (a *Adapter) PublishUser(ctx context.Context, userID string, payload any) error {
	return a.publish(ctx, a.UserTopic(userID), payload)
}

func (a *Adapter) publish(ctx context.Context, topic string, payload any) error {
	tr, err := a.transport()
	if err != nil {
		return err
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("channel: encode for %s: %w", topic, err)
	}
	if err := tr.Publish(ctx, topic, b); err != nil {
		return fmt.Errorf("channel: publish %s: %w", topic, err)
	}
	return nil
}

// rpcRequest is the wire shape of a remote-call request: the server publishes
// its reply on the Reply topic, correlated by ID.
type rpcRequest struct {
	ID    string          `json:"id"`
	Reply string          `json:"reply"`
	Data  json.RawMessage `json:"data"`
}

type rpcResponse struct {
	ID    string          `json:"id"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *Error          `json:"error,omitempty"`
}

// RemoteCall sends payload to a request/response endpoint and waits for the
// server reply. It resolves with the reply data or fails with the server's
// structured *Error; transport failures come back wrapped.
func (a *Adapter) RemoteCall(ctx context.Context, endpoint string, payload any) (json.RawMessage, error) {
	tr, err := a.transport()
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("channel: encode for %s: %w", endpoint, err)
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, remoteCallTimeout)
		defer cancel()
	}

	id := uuid.NewString()
	replyTopic := a.namespace + "/reply/" + id
	replyCh := make(chan rpcResponse, 1)

	// Subscribe the reply topic before publishing so the response cannot race
	// past us. Duplicate replies are dropped by the buffered channel.
	cancelSub, err := tr.Subscribe(ctx, replyTopic, func(b []byte) {
		var resp rpcResponse
		if err := json.Unmarshal(b, &resp); err != nil {
			log.Warnf("remote call %s: bad reply: %v", endpoint, err)
			return
		}
		if resp.ID != id {
			return
		}
		select {
		case replyCh <- resp:
		default:
		}
	})
	if err != nil {
		return nil, fmt.Errorf("channel: subscribe reply for %s: %w", endpoint, err)
	}
	defer func() {
		if err := cancelSub(); err != nil {
			log.Debugf("remote call %s: unsubscribe reply: %v", endpoint, err)
		}
	}()

	req, _ := json.Marshal(rpcRequest{ID: id, Reply: replyTopic, Data: data})
	if err := tr.Publish(ctx, endpoint, req); err != nil {
		return nil, fmt.Errorf("channel: remote call %s: %w", endpoint, err)
	}

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("channel: remote call %s: %w", endpoint, ctx.Err())
	case resp := <-replyCh:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Data, nil
	}
}
