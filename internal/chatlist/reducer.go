// Package chatlist derives the visible chat list from raw chat documents.
//
// The reducer functions are pure: the same snapshots in any order always
// produce the same list, so callers recompute from scratch on every snapshot.
package chatlist

import (
	"sort"

	"github.com/PaulBabatuyi/marketchat/internal/data"
	"github.com/PaulBabatuyi/marketchat/internal/normalize"
)

// Tab selects chats by who started them.
type Tab string

const (
	TabAll       Tab = "all"
	TabInitiated Tab = "initiated"
	TabReceived  Tab = "received"
)

// Status narrows the list by per-viewer chat state.
type Status string

const (
	StatusAny       Status = ""
	StatusFavorites Status = "favorites"
	StatusUnread    Status = "unread"
	StatusMuted     Status = "muted"
	StatusBlocked   Status = "blocked"
)

// Options are the list filters, applied in order: tab, status, search.
type Options struct {
	Tab    Tab    `json:"tab"`
	Status Status `json:"status"`
	Search string `json:"search"`
}

// Entry is one visible row of the chat list.
type Entry struct {
	Chat        data.Chat     `json:"chat"`
	Counterpart string        `json:"counterpart"`
	Profile     *data.Profile `json:"profile,omitempty"`
	Unread      int64         `json:"unread"`
	Muted       bool          `json:"muted"`
	Blocked     bool          `json:"blocked"`
}

// Newer reports whether a should win over b as the canonical chat: later
// updated_at first, then the greater id so ties resolve the same way everywhere.
func Newer(a, b data.Chat) bool {
	if c := a.UpdatedAt.Compare(b.UpdatedAt); c != 0 {
		return c > 0
	}
	return a.ID > b.ID
}

// Dedupe keeps, per counterpart, the chat with the latest updated_at. Chats the
// viewer is not part of or has hidden are dropped. The result is ordered by
// counterpart id.
func Dedupe(viewer string, chats []data.Chat) []data.Chat {
	best := map[string]data.Chat{}
	for _, c := range chats {
		other := c.Counterpart(viewer)
		if other == "" || other == viewer || c.HiddenFor(viewer) {
			continue
		}
		if cur, ok := best[other]; !ok || Newer(c, cur) {
			best[other] = c
		}
	}

	out := make([]data.Chat, 0, len(best))
	for _, c := range best {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Counterpart(viewer) < out[j].Counterpart(viewer)
	})
	return out
}

// Counterparts returns the distinct counterparts of the deduplicated set.
func Counterparts(viewer string, chats []data.Chat) []string {
	deduped := Dedupe(viewer, chats)
	out := make([]string, 0, len(deduped))
	for _, c := range deduped {
		out = append(out, c.Counterpart(viewer))
	}
	return out
}

// Build dedupes, filters and sorts chats into the visible list. profiles may
// miss counterparts whose profile has not arrived yet.
func Build(viewer string, chats []data.Chat, profiles map[string]data.Profile, opts Options) []Entry {
	var out []Entry
	for _, c := range Dedupe(viewer, chats) {
		if !matchTab(viewer, c, opts.Tab) || !matchStatus(viewer, c, opts.Status) {
			continue
		}

		other := c.Counterpart(viewer)
		var prof *data.Profile
		username := ""
		if p, ok := profiles[other]; ok {
			prof = &p
			username = p.Username
		}
		if !normalize.Matches(opts.Search, username, c.LastMessage) {
			continue
		}

		out = append(out, Entry{
			Chat:        c,
			Counterpart: other,
			Profile:     prof,
			Unread:      c.Unseen(viewer),
			Muted:       c.IsMutedBy(viewer),
			Blocked:     c.IsBlockedBy(viewer),
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].Chat, out[j].Chat
		if a.IsFavorite != b.IsFavorite {
			return a.IsFavorite
		}
		return Newer(a, b)
	})
	return out
}

func matchTab(viewer string, c data.Chat, tab Tab) bool {
	switch tab {
	case TabInitiated:
		return c.InitiatorID == viewer
	case TabReceived:
		return c.InitiatorID != viewer
	default:
		return true
	}
}

func matchStatus(viewer string, c data.Chat, status Status) bool {
	switch status {
	case StatusFavorites:
		return c.IsFavorite
	case StatusUnread:
		return c.Unseen(viewer) > 0
	case StatusMuted:
		return c.IsMutedBy(viewer)
	case StatusBlocked:
		return c.IsBlockedBy(viewer)
	default:
		return true
	}
}

// HasUnread reports whether any canonical chat has unseen messages for a
// viewer who is not the blocked side of it.
func HasUnread(viewer string, chats []data.Chat) bool {
	for _, c := range Dedupe(viewer, chats) {
		if c.Unseen(viewer) > 0 && !c.BlockedFor(viewer) {
			return true
		}
	}
	return false
}
