package portal_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/confkit/webconferencing/internal/portal"
)

func newTestPortal(t *testing.T, fetches *int64) *portal.Client {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/user/", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(fetches, 1)
		json.NewEncoder(w).Encode(portal.User{ID: "bob", Title: "Bob Marley"})
	})
	mux.HandleFunc("/space/", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(fetches, 1)
		json.NewEncoder(w).Encode(portal.Group{
			ID:    "marketing",
			Title: "Marketing",
			Members: []user{
				{ID: "alice", Title: "Alice"},
				{ID: "bob", Title: "Bob Marley"},
			},
		})
	})
	mux.HandleFunc("/room/", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(fetches, 1)
		json.NewEncoder(w).Encode(portal.Group{
			ID:      "team-xyz",
			Title:   r.URL.Query().Get("title"),
			Members: []user{{ID: "alice"}, {ID: "bob"}, {ID: "carol"}},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return portal.NewClient(srv.URL)
}

// user keeps the literals above short.
type user = portal.User

func TestUserContextDetails(t *testing.T) {
	var fetches int64
	client := newTestPortal(t, &fetches)
	b := portal.NewContextBuilder(client, portal.User{ID: "alice", Title: "Alice"})

	c := b.CreateUserContext("bob")
	assert.Equal(t, "bob", c.ID())
	assert.False(t, c.Empty())
	assert.False(t, c.IsGroup)

	details, err := c.Details(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bob Marley", details.Title)
	require.Len(t, details.Participants, 2)
	assert.Equal(t, "alice", details.Participants[0].ID)
}

func TestDetailsFetchesAtMostOnce(t *testing.T) {
	var fetches int64
	client := newTestPortal(t, &fetches)
	b := portal.NewContextBuilder(client, portal.User{ID: "alice"})
	c := b.CreateUserContext("bob")

	const callers = 8
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Details(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), atomic.LoadInt64(&fetches))
}

func TestChatContextClassification(t *testing.T) {
	assert := assert.New(t)
	var fetches int64
	client := newTestPortal(t, &fetches)
	b := portal.NewContextBuilder(client, portal.User{ID: "alice"})

	space := b.CreateChatContext(&portal.ChatTarget{ID: "space-marketing", Title: "Marketing", Type: portal.ChatTypeSpace}, nil)
	assert.True(space.IsGroup)
	assert.Equal("marketing", space.ID())

	room := b.CreateChatContext(&portal.ChatTarget{ID: "team-xyz", Title: "Project XYZ", Type: portal.ChatTypeRoom}, nil)
	assert.True(room.IsGroup)
	assert.Equal("team-xyz", room.ID())
	details, err := room.Details(context.Background())
	require.NoError(t, err)
	assert.Len(details.Participants, 3)

	user := b.CreateChatContext(&portal.ChatTarget{ID: "bob", Type: portal.ChatTypeUser}, nil)
	assert.False(user.IsGroup)
	assert.Equal("bob", user.ID())
}

func TestChatContextWithoutTargetIsEmpty(t *testing.T) {
	var fetches int64
	client := newTestPortal(t, &fetches)
	b := portal.NewContextBuilder(client, portal.User{ID: "alice"})

	c := b.CreateChatContext(nil, nil)
	assert.True(t, c.Empty())
	assert.Equal(t, "", c.ID())
}

func TestChatContextOverrideWins(t *testing.T) {
	var fetches int64
	client := newTestPortal(t, &fetches)
	b := portal.NewContextBuilder(client, portal.User{ID: "alice"})

	selected := &portal.ChatTarget{ID: "team-xyz", Type: portal.ChatTypeRoom}
	override := &portal.ChatTarget{ID: "bob", Type: portal.ChatTypeUser}
	c := b.CreateChatContext(selected, override)
	assert.Equal(t, "bob", c.ID())
	assert.False(t, c.IsGroup)
}
