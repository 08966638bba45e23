package portal

import (
	"context"
	"strings"
	"sync"
)

// Chat target type codes as the chat backend reports them.
const (
	ChatTypeSpace = "s"
	ChatTypeRoom  = "t"
	ChatTypeUser  = "u"
)

// ChatTarget is the chat backend's currently selected contact.
type ChatTarget struct {
	ID    string
	Title string
	Type  string
}

// Details is the resolved target of a call context: the display title and the
// identities a call would involve.
type Details struct {
	Title        string
	Participants []User
}

// CallContext describes who or what a call button targets. One instance is
// created per UI surface activation and dropped when the surface's target
// changes; nothing in it is shared between instantiations.
type CallContext struct {
	CurrentUser User

	// Exactly one of these identifies the target; all empty means an "empty"
	// context where no button should be shown.
	UserID    string
	SpaceID   string
	RoomID    string
	RoomTitle string

	IsGroup bool

	mu      sync.Mutex
	fetch   func(ctx context.Context) (*Details, error)
	started bool
	done    chan struct{}
	details *Details
	fetchErr error
}

// ID returns the context's stable identifier, used to key per-context
// preferences.
func (c *CallContext) ID() string {
	if c.UserID != "" {
		return c.UserID
	}
	if c.SpaceID != "" {
		return c.SpaceID
	}
	return c.RoomID
}

// Empty reports whether the context has no target at all.
func (c *CallContext) Empty() bool {
	return c.UserID == "" && c.SpaceID == "" && c.RoomID == ""
}

// Details resolves the context target. The first call triggers the fetch;
// every later or concurrent call shares the same in-flight result, so the
// underlying lookup runs at most once per context instance.
func (c *CallContext) Details(ctx context.Context) (*Details, error) {
	c.mu.Lock()
	if !c.started {
		c.started = true
		c.done = make(chan struct{})
		fetch := c.fetch
		go func() {
			details, err := fetch(context.Background())
			c.mu.Lock()
			c.details, c.fetchErr = details, err
			c.mu.Unlock()
			close(c.done)
		}()
	}
	done := c.done
	c.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.details, c.fetchErr
	}
}

// ContextBuilder resolves portal surfaces into call contexts.
type ContextBuilder struct {
	client      *Client
	currentUser User
}

// NewContextBuilder creates a builder acting as currentUser.
func NewContextBuilder(client *Client, currentUser User) *ContextBuilder {
	return &ContextBuilder{client: client, currentUser: currentUser}
}

// CreateUserContext builds a 1:1 context targeting userID (profile popups,
// user lists).
func (b *ContextBuilder) CreateUserContext(userID string) *CallContext {
	c := &CallContext{CurrentUser: b.currentUser, UserID: userID}
	c.fetch = func(ctx context.Context) (*Details, error) {
		target, err := b.client.GetUser(ctx, userID)
		if err != nil {
			return nil, err
		}
		return &Details{
			Title:        target.Title,
			Participants: []User{b.currentUser, *target},
		}, nil
	}
	return c
}

// CreateSpaceContext builds a group context for a space.
func (b *ContextBuilder) CreateSpaceContext(spaceID string) *CallContext {
	c := &CallContext{CurrentUser: b.currentUser, SpaceID: spaceID, IsGroup: true}
	c.fetch = func(ctx context.Context) (*Details, error) {
		space, err := b.client.GetSpace(ctx, spaceID)
		if err != nil {
			return nil, err
		}
		return &Details{Title: space.Title, Participants: space.Members}, nil
	}
	return c
}

// CreateChatContext builds a context for the chat's selected target,
// classified by its type code. A nil target yields an empty context: not an
// error, just "no button here". An explicit override target wins over the
// chat selection.
func (b *ContextBuilder) CreateChatContext(selected, override *ChatTarget) *CallContext {
	target := selected
	if override != nil {
		target = override
	}
	if target == nil || target.ID == "" {
		log.Debug("chat context: no selected target")
		return &CallContext{CurrentUser: b.currentUser}
	}

	switch target.Type {
	case ChatTypeSpace:
		// Space room ids carry a "space-" prefix in the chat backend.
		spaceID := strings.TrimPrefix(target.ID, "space-")
		return b.CreateSpaceContext(spaceID)
	case ChatTypeRoom:
		c := &CallContext{
			CurrentUser: b.currentUser,
			RoomID:      target.ID,
			RoomTitle:   target.Title,
			IsGroup:     true,
		}
		c.fetch = func(ctx context.Context) (*Details, error) {
			room, err := b.client.GetRoom(ctx, target.ID, target.Title, nil)
			if err != nil {
				return nil, err
			}
			return &Details{Title: room.Title, Participants: room.Members}, nil
		}
		return c
	case ChatTypeUser:
		return b.CreateUserContext(target.ID)
	default:
		log.Warnf("chat context: unknown target type %q for %s", target.Type, target.ID)
		return &CallContext{CurrentUser: b.currentUser}
	}
}
