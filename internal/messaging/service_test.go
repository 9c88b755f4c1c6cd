package messaging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PaulBabatuyi/marketchat/internal/data"
	"github.com/PaulBabatuyi/marketchat/internal/docstore"
)

// tickingClock advances one second per reading so server timestamps are
// strictly increasing.
func tickingClock() docstore.MemoryOption {
	var mu sync.Mutex
	now := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)
	return docstore.WithClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	})
}

type fixture struct {
	store *docstore.Memory
	svc   *Service
}

func newFixture(t *testing.T, users ...string) fixture {
	t.Helper()
	store := docstore.NewMemory(tickingClock())
	for _, uid := range users {
		require.NoError(t, store.Set(context.Background(), data.CollProfiles, uid, map[string]any{
			"username": uid,
			"online":   false,
		}))
	}
	return fixture{store: store, svc: NewService(store, zerolog.Nop())}
}

func (f fixture) chat(t *testing.T, initiator, recipient string) data.Chat {
	t.Helper()
	c, err := f.svc.CreateChat(context.Background(), NewChat{InitiatorID: initiator, RecipientID: recipient, Title: "Plumbing"})
	require.NoError(t, err)
	return c
}

func (f fixture) getChat(t *testing.T, id string) data.Chat {
	t.Helper()
	snap, err := f.store.Get(context.Background(), data.CollChats, id)
	require.NoError(t, err)
	var c data.Chat
	require.NoError(t, snap.Decode(&c))
	return c
}

func (f fixture) message(t *testing.T, id string) data.Message {
	t.Helper()
	snap, err := f.store.Get(context.Background(), data.CollMessages, id)
	require.NoError(t, err)
	var m data.Message
	require.NoError(t, snap.Decode(&m))
	return m
}

func (f fixture) messages(t *testing.T, chatID string) []data.Message {
	t.Helper()
	q := docstore.Query{}.Where(data.FieldChatID, docstore.Eq, chatID).OrderBy(data.FieldCreatedAt)
	snaps, err := f.store.Find(context.Background(), data.CollMessages, q)
	require.NoError(t, err)
	out := make([]data.Message, 0, len(snaps))
	for _, s := range snaps {
		var m data.Message
		require.NoError(t, s.Decode(&m))
		out = append(out, m)
	}
	return out
}

func (f fixture) send(t *testing.T, chatID, from, text string) string {
	t.Helper()
	id, err := f.svc.Send(context.Background(), Outgoing{ChatID: chatID, SenderID: from, Text: text})
	require.NoError(t, err)
	require.NotEmpty(t, id)
	return id
}

func TestSendUpdatesMessageAndChat(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	c := f.chat(t, "alice", "bob")

	id := f.send(t, c.ID, "alice", "  Is the boiler still available?  ")

	m := f.message(t, id)
	assert.Equal(t, "Is the boiler still available?", m.Text)
	assert.Equal(t, data.TypeText, m.Type)
	assert.Equal(t, []string{"alice"}, m.DeliveredTo)
	assert.Empty(t, m.SeenBy)
	assert.False(t, m.CreatedAt.IsZero())
	assert.Equal(t, TickSent, TickFor("alice", m))

	got := f.getChat(t, c.ID)
	assert.Equal(t, "Is the boiler still available?", got.LastMessage)
	assert.Equal(t, "alice", got.LastSenderID)
	assert.Equal(t, int64(1), got.Unseen("bob"))
	assert.Equal(t, int64(0), got.Unseen("alice"))
	assert.True(t, got.UpdatedAt.After(c.UpdatedAt))
}

func TestSendMediaPreview(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	c := f.chat(t, "alice", "bob")

	tests := []struct {
		kind data.MessageType
		want string
	}{
		{data.TypeImage, LabelImage},
		{data.TypeAudio, LabelAudio},
		{data.TypeFile, LabelFile},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			id, err := f.svc.Send(context.Background(), Outgoing{
				ChatID: c.ID, SenderID: "bob", Type: tt.kind, FileURL: "https://cdn.example.com/x", Text: "ignored",
			})
			require.NoError(t, err)
			m := f.message(t, id)
			assert.Empty(t, m.Text)
			assert.Equal(t, "https://cdn.example.com/x", m.FileURL)
			assert.Equal(t, tt.want, f.getChat(t, c.ID).LastMessage)
		})
	}
}

func TestSendValidation(t *testing.T) {
	f := newFixture(t, "alice", "bob", "mallory")
	c := f.chat(t, "alice", "bob")
	ctx := context.Background()

	_, err := f.svc.Send(ctx, Outgoing{ChatID: c.ID, SenderID: "alice", Text: "   "})
	assert.ErrorIs(t, err, ErrEmptyMessage)

	_, err = f.svc.Send(ctx, Outgoing{ChatID: c.ID, SenderID: "alice", Type: data.TypeImage})
	assert.ErrorIs(t, err, ErrEmptyMessage)

	_, err = f.svc.Send(ctx, Outgoing{ChatID: c.ID, SenderID: "alice", Type: "video", FileURL: "x"})
	assert.ErrorIs(t, err, ErrUnsupportedType)

	_, err = f.svc.Send(ctx, Outgoing{ChatID: c.ID, SenderID: "mallory", Text: "hi"})
	assert.ErrorIs(t, err, ErrNotParticipant)

	_, err = f.svc.Send(ctx, Outgoing{ChatID: "missing", SenderID: "alice", Text: "hi"})
	assert.ErrorIs(t, err, docstore.ErrNotFound)

	assert.Empty(t, f.messages(t, c.ID))
	assert.Equal(t, int64(0), f.getChat(t, c.ID).Unseen("bob"))
}

func TestBlockedSendIsNoop(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	c := f.chat(t, "alice", "bob")
	ctx := context.Background()

	require.NoError(t, f.svc.Block(ctx, c.ID, "alice"))
	got := f.getChat(t, c.ID)
	assert.True(t, got.IsBlockedBy("alice"))
	assert.True(t, got.RecipientBlocked)
	assert.False(t, got.InitiatorBlocked)
	assert.True(t, got.BlockedFor("bob"))

	for _, from := range []string{"bob", "alice"} {
		id, err := f.svc.Send(ctx, Outgoing{ChatID: c.ID, SenderID: from, Text: "hello?"})
		require.NoError(t, err)
		assert.Empty(t, id)
	}
	assert.Empty(t, f.messages(t, c.ID))

	require.NoError(t, f.svc.Unblock(ctx, c.ID, "alice"))
	got = f.getChat(t, c.ID)
	assert.Empty(t, got.BlockedBy)
	assert.False(t, got.RecipientBlocked)
	f.send(t, c.ID, "bob", "thanks")
	assert.Len(t, f.messages(t, c.ID), 1)
}

func TestConcurrentSendsCountExactly(t *testing.T) {
	f := newFixture(t, "alice", "bob", "carol")
	ab := f.chat(t, "alice", "bob")
	cb := f.chat(t, "carol", "bob")

	const n, m = 20, 15
	var wg sync.WaitGroup
	errs := make(chan error, n+m)
	send := func(chatID, from string) {
		defer wg.Done()
		_, err := f.svc.Send(context.Background(), Outgoing{ChatID: chatID, SenderID: from, Text: "ping"})
		errs <- err
	}
	for i := 0; i < n; i++ {
		wg.Add(1)
		go send(ab.ID, "alice")
	}
	for i := 0; i < m; i++ {
		wg.Add(1)
		go send(cb.ID, "carol")
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, int64(n), f.getChat(t, ab.ID).Unseen("bob"))
	assert.Equal(t, int64(0), f.getChat(t, ab.ID).Unseen("alice"))
	assert.Equal(t, int64(m), f.getChat(t, cb.ID).Unseen("bob"))
	assert.Equal(t, int64(0), f.getChat(t, cb.ID).Unseen("carol"))
	assert.Len(t, f.messages(t, ab.ID), n)
	assert.Len(t, f.messages(t, cb.ID), m)
}

func TestEdit(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	c := f.chat(t, "alice", "bob")
	ctx := context.Background()
	id := f.send(t, c.ID, "alice", "see you at 5")

	require.NoError(t, f.svc.Edit(ctx, id, "alice", "see you at 6"))
	m := f.message(t, id)
	assert.Equal(t, "see you at 6", m.Text)
	assert.True(t, m.IsEdited)
	assert.False(t, m.EditedAt.IsZero())

	assert.ErrorIs(t, f.svc.Edit(ctx, id, "bob", "hijack"), ErrForbidden)
	assert.ErrorIs(t, f.svc.Edit(ctx, id, "alice", " "), ErrEmptyMessage)

	img, err := f.svc.Send(ctx, Outgoing{ChatID: c.ID, SenderID: "alice", Type: data.TypeImage, FileURL: "u"})
	require.NoError(t, err)
	assert.ErrorIs(t, f.svc.Edit(ctx, img, "alice", "caption"), ErrNotEditable)

	require.NoError(t, f.svc.Delete(ctx, id, "alice"))
	assert.ErrorIs(t, f.svc.Edit(ctx, id, "alice", "back"), ErrNotEditable)
}

func TestUnchangedEditKeepsText(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	c := f.chat(t, "alice", "bob")
	ctx := context.Background()
	const typed = "a < b & c"
	id := f.send(t, c.ID, "alice", typed)

	assert.Equal(t, typed, f.message(t, id).Text)
	assert.Equal(t, typed, f.getChat(t, c.ID).LastMessage)

	var comp Composer
	for range 2 {
		d, err := comp.StartEdit("alice", f.message(t, id))
		require.NoError(t, err)
		require.Equal(t, typed, d.Text)
		require.NoError(t, f.svc.Edit(ctx, id, "alice", d.Text))
		comp.Take()
	}
	assert.Equal(t, typed, f.message(t, id).Text)
}

func TestSoftDeleteKeepsPosition(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	c := f.chat(t, "alice", "bob")
	ctx := context.Background()

	first := f.send(t, c.ID, "alice", "one")
	second, err := f.svc.Send(ctx, Outgoing{ChatID: c.ID, SenderID: "alice", Type: data.TypeFile, FileURL: "https://cdn.example.com/quote.pdf"})
	require.NoError(t, err)
	third := f.send(t, c.ID, "bob", "three")

	assert.ErrorIs(t, f.svc.Delete(ctx, second, "bob"), ErrForbidden)
	require.NoError(t, f.svc.Delete(ctx, second, "alice"))
	deletedAt := f.message(t, second).DeletedAt
	require.NoError(t, f.svc.Delete(ctx, second, "alice"))

	msgs := f.messages(t, c.ID)
	require.Len(t, msgs, 3)
	assert.Equal(t, []string{first, second, third}, []string{msgs[0].ID, msgs[1].ID, msgs[2].ID})

	m := msgs[1]
	assert.True(t, m.IsDeleted)
	assert.Empty(t, m.Text)
	assert.Empty(t, m.FileURL)
	assert.Equal(t, data.TypeText, m.Type)
	assert.Equal(t, deletedAt, m.DeletedAt)
}

func TestReplySnapshotIsNotResynced(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	c := f.chat(t, "alice", "bob")
	ctx := context.Background()

	orig := f.send(t, c.ID, "bob", "price is 40")
	reply, err := f.svc.Send(ctx, Outgoing{ChatID: c.ID, SenderID: "alice", Text: "ok", ReplyTo: ReplyTo(f.message(t, orig))})
	require.NoError(t, err)

	require.NoError(t, f.svc.Edit(ctx, orig, "bob", "price is 45"))
	require.NoError(t, f.svc.Delete(ctx, orig, "bob"))

	m := f.message(t, reply)
	require.NotNil(t, m.ReplyTo)
	assert.Equal(t, orig, m.ReplyTo.MessageID)
	assert.Equal(t, "bob", m.ReplyTo.SenderID)
	assert.Equal(t, "price is 40", m.ReplyTo.Text)
	assert.Equal(t, data.TypeText, m.ReplyTo.Type)
}

func TestModeration(t *testing.T) {
	f := newFixture(t, "alice", "bob", "mallory")
	c := f.chat(t, "alice", "bob")
	ctx := context.Background()

	require.NoError(t, f.svc.Mute(ctx, c.ID, "bob"))
	require.NoError(t, f.svc.Mute(ctx, c.ID, "bob"))
	assert.Equal(t, []string{"bob"}, f.getChat(t, c.ID).MutedBy)
	require.NoError(t, f.svc.Unmute(ctx, c.ID, "bob"))
	assert.Empty(t, f.getChat(t, c.ID).MutedBy)

	require.NoError(t, f.svc.SetFavorite(ctx, c.ID, "alice", true))
	assert.True(t, f.getChat(t, c.ID).IsFavorite)

	require.NoError(t, f.svc.HideChat(ctx, c.ID, "bob"))
	got := f.getChat(t, c.ID)
	assert.True(t, got.HiddenFor("bob"))
	assert.False(t, got.HiddenFor("alice"))
	// a new message brings the chat back
	f.send(t, c.ID, "alice", "still there?")
	assert.False(t, f.getChat(t, c.ID).HiddenFor("bob"))

	assert.ErrorIs(t, f.svc.Block(ctx, c.ID, "mallory"), ErrNotParticipant)
	assert.ErrorIs(t, f.svc.DeleteChat(ctx, c.ID, "mallory"), ErrNotParticipant)

	require.NoError(t, f.svc.DeleteChat(ctx, c.ID, "bob"))
	_, err := f.store.Get(ctx, data.CollChats, c.ID)
	assert.True(t, errors.Is(err, docstore.ErrNotFound))
	assert.ErrorIs(t, f.svc.Mute(ctx, c.ID, "bob"), docstore.ErrNotFound)
}

func TestCreateChatReusesExisting(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	ctx := context.Background()

	c := f.chat(t, "alice", "bob")
	assert.Equal(t, "alice", c.InitiatorID)
	assert.Equal(t, "bob", c.RecipientID)
	assert.Equal(t, "Plumbing", c.ChatTitle)
	assert.ElementsMatch(t, []string{"alice", "bob"}, c.Participants)
	assert.False(t, c.UpdatedAt.IsZero())

	again, err := f.svc.CreateChat(ctx, NewChat{InitiatorID: "bob", RecipientID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, c.ID, again.ID)

	require.NoError(t, f.svc.HideChat(ctx, c.ID, "alice"))
	again, err = f.svc.CreateChat(ctx, NewChat{InitiatorID: "alice", RecipientID: "bob"})
	require.NoError(t, err)
	assert.Equal(t, c.ID, again.ID)
	assert.False(t, again.HiddenFor("alice"))

	_, err = f.svc.CreateChat(ctx, NewChat{InitiatorID: "alice", RecipientID: "alice"})
	assert.ErrorIs(t, err, ErrSelfChat)
	_, err = f.svc.CreateChat(ctx, NewChat{InitiatorID: "alice", RecipientID: "ghost"})
	assert.ErrorIs(t, err, docstore.ErrNotFound)
}
