// Package registry is the typed client for the server-side call registry:
// create/read/update/delete of call records over the channel's remote-call
// endpoint. The registry is the single source of truth for call state;
// this client only reads records and proposes transitions.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	logging "github.com/ipfs/go-log/v2"

	"github.com/confkit/webconferencing/internal/channel"
)

var log = logging.Logger("webconf/registry")

// CodeNotFound is the structured error code the registry returns for lookups
// of absent call records.
const CodeNotFound = "NOT_FOUND_ERROR"

// ErrNotFound reports that no call record exists for the requested id.
// It is an expected outcome, not an application failure: callers branch on it
// to decide "start new" versus "join existing".
var ErrNotFound = errors.New("registry: call not found")

// State is the lifecycle state of a call record.
type State string

const (
	StateStarted State = "started"
	StateJoined  State = "joined"
	StateStopped State = "stopped"
	StateLeaved  State = "leaved"
)

// Owner types of a call record.
const (
	OwnerUser     = "user"
	OwnerSpace    = "space"
	OwnerChatRoom = "chat_room"
)

// Identity is a user or group identity attached to a call record.
type Identity struct {
	ID    string `json:"id"`
	Type  string `json:"type,omitempty"`
	Title string `json:"title,omitempty"`
}

// CallRecord is the server-held, client-visible snapshot of a call.
type CallRecord struct {
	ID           string     `json:"id"`
	Provider     string     `json:"provider"`
	Title        string     `json:"title"`
	Owner        Identity   `json:"owner"`
	OwnerType    string     `json:"ownerType"`
	State        State      `json:"state"`
	Participants []Identity `json:"participants"`
}

// CallInfo is the creation payload for AddCall. Participants are wired as a
// single semicolon-joined string.
type CallInfo struct {
	Owner        string
	OwnerType    string
	Provider     string
	Title        string
	Participants []string
}

// UserCallState is one entry of the get_calls_state snapshot: a call the user
// participates in and its current state.
type UserCallState struct {
	CallID string `json:"callId"`
	State  State  `json:"state"`
}

// Client issues registry commands over the messaging channel.
type Client struct {
	bus *channel.Adapter
}

// NewClient creates a registry client on the given channel adapter.
func NewClient(bus *channel.Adapter) *Client {
	return &Client{bus: bus}
}

// command sends one registry command and maps the registry's not-found code
// onto ErrNotFound so callers can branch with errors.Is.
func (c *Client) command(ctx context.Context, params map[string]any) (json.RawMessage, error) {
	data, err := c.bus.RemoteCall(ctx, c.bus.CallsEndpoint(), params)
	if err != nil {
		var cerr *channel.Error
		if errors.As(err, &cerr) && cerr.Code == CodeNotFound {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, cerr.Message)
		}
		return nil, err
	}
	return data, nil
}

func decodeRecord(data json.RawMessage) (*CallRecord, error) {
	var rec CallRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("registry: decode call record: %w", err)
	}
	return &rec, nil
}

// GetCall reads the call record for id. Returns ErrNotFound when absent.
func (c *Client) GetCall(ctx context.Context, id string) (*CallRecord, error) {
	data, err := c.command(ctx, map[string]any{"command": "get", "id": id})
	if err != nil {
		return nil, err
	}
	return decodeRecord(data)
}

// AddCall registers a new call record. It fails when a record with the same
// id already raced into existence; the caller re-attempts as GetCall + join.
func (c *Client) AddCall(ctx context.Context, id string, info CallInfo) (*CallRecord, error) {
	data, err := c.command(ctx, map[string]any{
		"command":      "create",
		"id":           id,
		"owner":        info.Owner,
		"ownerType":    info.OwnerType,
		"provider":     info.Provider,
		"title":        info.Title,
		"participants": strings.Join(info.Participants, ";"),
	})
	if err != nil {
		return nil, err
	}
	return decodeRecord(data)
}

// UpdateCall proposes a state transition. Last write wins; there is no
// optimistic concurrency, so callers must tolerate stale overwrites.
func (c *Client) UpdateCall(ctx context.Context, id string, state State) (*CallRecord, error) {
	data, err := c.command(ctx, map[string]any{"command": "update", "id": id, "state": state})
	if err != nil {
		return nil, err
	}
	return decodeRecord(data)
}

// DeleteCall removes the call record. Deleting an absent record succeeds.
func (c *Client) DeleteCall(ctx context.Context, id string) error {
	_, err := c.command(ctx, map[string]any{"command": "delete", "id": id})
	if errors.Is(err, ErrNotFound) {
		log.Debugf("delete %s: already absent", id)
		return nil
	}
	return err
}

// GetUserCallsState reads the snapshot of calls the user participates in.
func (c *Client) GetUserCallsState(ctx context.Context, userID string) ([]UserCallState, error) {
	data, err := c.command(ctx, map[string]any{"command": "get_calls_state", "id": userID})
	if err != nil {
		return nil, err
	}
	var states []UserCallState
	if err := json.Unmarshal(data, &states); err != nil {
		return nil, fmt.Errorf("registry: decode calls state: %w", err)
	}
	return states, nil
}
