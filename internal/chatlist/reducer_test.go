package chatlist

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PaulBabatuyi/marketchat/internal/data"
	"github.com/PaulBabatuyi/marketchat/internal/stamp"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func at(min int) stamp.Timestamp { return stamp.FromTime(base.Add(time.Duration(min) * time.Minute)) }

func chat(id, initiator, recipient string, updated int) data.Chat {
	return data.Chat{
		ID:           id,
		Participants: []string{initiator, recipient},
		InitiatorID:  initiator,
		RecipientID:  recipient,
		UpdatedAt:    at(updated),
		UnseenCounts: map[string]int64{},
	}
}

func ids(chats []data.Chat) []string {
	out := make([]string, len(chats))
	for i, c := range chats {
		out[i] = c.ID
	}
	return out
}

func entryIDs(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Chat.ID
	}
	return out
}

func TestDedupeKeepsLatestPerCounterpart(t *testing.T) {
	chats := []data.Chat{
		chat("c1", "alice", "bob", 1),
		chat("c2", "bob", "alice", 5),
		chat("c3", "alice", "carol", 2),
		chat("c4", "dave", "erin", 9), // alice is not a participant
	}

	got := Dedupe("alice", chats)
	assert.Equal(t, []string{"c2", "c3"}, ids(got))
	assert.Equal(t, []string{"bob", "carol"}, Counterparts("alice", chats))
}

func TestDedupeTieBreaksByID(t *testing.T) {
	a := chat("c-a", "alice", "bob", 3)
	b := chat("c-b", "bob", "alice", 3)

	assert.Equal(t, []string{"c-b"}, ids(Dedupe("alice", []data.Chat{a, b})))
	assert.Equal(t, []string{"c-b"}, ids(Dedupe("alice", []data.Chat{b, a})))
}

func TestDedupeMissingTimestampLoses(t *testing.T) {
	a := chat("c-z", "alice", "bob", 0)
	a.UpdatedAt = stamp.Timestamp{}
	b := chat("c-a", "alice", "bob", 0)

	assert.Equal(t, []string{"c-a"}, ids(Dedupe("alice", []data.Chat{a, b})))
}

func TestDedupeSkipsHiddenChats(t *testing.T) {
	hidden := chat("c1", "alice", "bob", 9)
	hidden.DeletedByInitiator = true
	visible := chat("c2", "bob", "alice", 1)

	assert.Equal(t, []string{"c2"}, ids(Dedupe("alice", []data.Chat{hidden, visible})))
	// the flag only hides the chat for the side that set it
	assert.Equal(t, []string{"c1"}, ids(Dedupe("bob", []data.Chat{hidden, visible})))
}

func TestBuildIsOrderIndependent(t *testing.T) {
	var chats []data.Chat
	for i, peer := range []string{"bob", "carol", "dave", "bob", "carol", "erin", "bob"} {
		c := chat(string(rune('a'+i)), "alice", peer, i%3)
		if i%2 == 0 {
			c.InitiatorID, c.RecipientID = peer, "alice"
		}
		c.IsFavorite = i == 4
		chats = append(chats, c)
	}

	want := entryIDs(Build("alice", chats, nil, Options{}))
	require.Len(t, want, 4)

	r := rand.New(rand.NewSource(1))
	for i := 0; i < 20; i++ {
		shuffled := append([]data.Chat(nil), chats...)
		r.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		got := entryIDs(Build("alice", shuffled, nil, Options{}))
		if !assert.Equal(t, want, got) {
			t.Fatalf("shuffle %d changed the list", i)
		}
	}
}

func TestBuildSortsFavoritesFirst(t *testing.T) {
	old := chat("old", "alice", "bob", 1)
	old.IsFavorite = true
	chats := []data.Chat{
		chat("mid", "alice", "carol", 5),
		old,
		chat("new", "dave", "alice", 9),
	}

	assert.Equal(t, []string{"old", "new", "mid"}, entryIDs(Build("alice", chats, nil, Options{})))
}

func TestBuildFilters(t *testing.T) {
	unread := chat("unread", "alice", "bob", 1)
	unread.UnseenCounts["alice"] = 2
	unread.UnseenCounts["bob"] = 7

	muted := chat("muted", "carol", "alice", 2)
	muted.MutedBy = []string{"alice"}

	blocked := chat("blocked", "alice", "dave", 3)
	blocked.BlockedBy = []string{"alice"}
	blocked.RecipientBlocked = true

	// blocked by the counterpart, not by the viewer
	blockedMe := chat("blocked-me", "erin", "alice", 4)
	blockedMe.BlockedBy = []string{"erin"}
	blockedMe.RecipientBlocked = true

	fav := chat("fav", "frank", "alice", 5)
	fav.IsFavorite = true

	chats := []data.Chat{unread, muted, blocked, blockedMe, fav}

	tests := []struct {
		name string
		opts Options
		want []string
	}{
		{"all", Options{}, []string{"fav", "blocked-me", "blocked", "muted", "unread"}},
		{"initiated", Options{Tab: TabInitiated}, []string{"blocked", "unread"}},
		{"received", Options{Tab: TabReceived}, []string{"fav", "blocked-me", "muted"}},
		{"favorites", Options{Status: StatusFavorites}, []string{"fav"}},
		{"unread", Options{Status: StatusUnread}, []string{"unread"}},
		{"muted", Options{Status: StatusMuted}, []string{"muted"}},
		{"blocked", Options{Status: StatusBlocked}, []string{"blocked"}},
		{"tab then status", Options{Tab: TabReceived, Status: StatusUnread}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := entryIDs(Build("alice", chats, nil, tt.opts))
			if len(tt.want) == 0 {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBuildEntryFields(t *testing.T) {
	c := chat("c1", "alice", "bob", 1)
	c.UnseenCounts["alice"] = 3
	c.UnseenCounts["bob"] = 1
	c.MutedBy = []string{"alice"}
	profiles := map[string]data.Profile{"bob": {ID: "bob", Username: "Bob", Online: true}}

	got := Build("alice", []data.Chat{c}, profiles, Options{})
	require.Len(t, got, 1)
	e := got[0]
	assert.Equal(t, "bob", e.Counterpart)
	assert.Equal(t, int64(3), e.Unread)
	assert.True(t, e.Muted)
	assert.False(t, e.Blocked)
	require.NotNil(t, e.Profile)
	assert.True(t, e.Profile.Online)
}

func TestBuildSearch(t *testing.T) {
	c1 := chat("c1", "alice", "bob", 1)
	c1.LastMessage = "Can you fix the sink?"
	c2 := chat("c2", "alice", "carol", 2)
	c2.LastMessage = "thanks"
	profiles := map[string]data.Profile{
		"bob":   {ID: "bob", Username: "Bob Plumber"},
		"carol": {ID: "carol", Username: "Carol Électricienne"},
	}

	assert.Equal(t, []string{"c1"}, entryIDs(Build("alice", []data.Chat{c1, c2}, profiles, Options{Search: "plumb"})))
	assert.Equal(t, []string{"c1"}, entryIDs(Build("alice", []data.Chat{c1, c2}, profiles, Options{Search: "SINK"})))
	assert.Equal(t, []string{"c2"}, entryIDs(Build("alice", []data.Chat{c1, c2}, profiles, Options{Search: "carol"})))
	// without a profile only the last message is searchable
	assert.Empty(t, Build("alice", []data.Chat{c1}, nil, Options{Search: "plumber"}))
}

func TestHasUnread(t *testing.T) {
	c := chat("c1", "alice", "bob", 1)
	assert.False(t, HasUnread("alice", []data.Chat{c}))

	c.UnseenCounts = map[string]int64{"bob": 4}
	assert.False(t, HasUnread("alice", []data.Chat{c}))
	assert.True(t, HasUnread("bob", []data.Chat{c}))

	// a newer duplicate with nothing unseen wins
	dup := chat("c2", "bob", "alice", 2)
	assert.False(t, HasUnread("bob", []data.Chat{c, dup}))

	// the blocked side never shows unread
	c.RecipientBlocked = true
	assert.False(t, HasUnread("bob", []data.Chat{c}))
}
