package chatsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teamchat/internal/model"
)

func at(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestGroupByDate(t *testing.T) {
	now := at("2024-03-15T12:00:00Z")
	msgs := []model.Message{
		{ID: "m1", CreatedAt: at("2024-03-01T10:00:00Z")},
		{ID: "m2", CreatedAt: at("2024-03-08T10:00:00Z")},
		{ID: "m3", CreatedAt: at("2024-03-12T09:00:00Z")},
		{ID: "m4", CreatedAt: at("2024-03-14T08:00:00Z")},
		{ID: "m5", CreatedAt: at("2024-03-14T23:59:00Z")},
		{ID: "m6", CreatedAt: at("2024-03-15T00:01:00Z")},
	}

	entries := GroupByDate(msgs, now, time.UTC)

	var headers []string
	var ids []string
	for _, e := range entries {
		if e.Kind == EntryDateHeader {
			headers = append(headers, e.Label)
		} else {
			ids = append(ids, e.Message.ID)
		}
	}
	assert.Equal(t, []string{"March 1, 2024", "March 8, 2024", "Tuesday", "Yesterday", "Today"}, headers)
	assert.Equal(t, []string{"m1", "m2", "m3", "m4", "m5", "m6"}, ids)
	assert.Equal(t, EntryDateHeader, entries[0].Kind)
}

func TestGroupByDateUsesLocation(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*3600)
	now := at("2024-03-15T12:00:00Z")
	// 22:30 UTC накануне — уже сегодня по UTC+3
	msgs := []model.Message{{ID: "m1", CreatedAt: at("2024-03-14T22:30:00Z")}}

	entries := GroupByDate(msgs, now, loc)
	require.Len(t, entries, 2)
	assert.Equal(t, "Today", entries[0].Label)
}

func TestGroupByDateEmpty(t *testing.T) {
	entries := GroupByDate(nil, time.Now(), time.UTC)
	assert.NotNil(t, entries)
	assert.Empty(t, entries)
}

func TestGroupReactions(t *testing.T) {
	reactions := []model.Reaction{
		{Emoji: "👍", UserID: "u1", UserName: "Alice"},
		{Emoji: "🎉", UserID: "u2", UserName: "Bob"},
		{Emoji: "👍", UserID: "u2", UserName: "Bob"},
		{Emoji: "👍", UserID: "u2", UserName: "Bob"},
	}

	groups := GroupReactions(reactions, "u2")
	require.Len(t, groups, 2)
	assert.Equal(t, "👍", groups[0].Emoji)
	assert.Equal(t, 2, groups[0].Count)
	assert.Equal(t, []string{"Alice", "Bob"}, groups[0].Names)
	assert.True(t, groups[0].Mine)
	assert.Equal(t, "🎉", groups[1].Emoji)
	assert.True(t, groups[1].Mine)

	assert.Equal(t, groups, Regroup(groups, "u2"))
	assert.Equal(t, Regroup(groups, "u2"), Regroup(Regroup(groups, "u2"), "u2"))
	assert.False(t, GroupReactions(reactions, "u3")[0].Mine)
}

func TestToggleReactionRoundTrip(t *testing.T) {
	viewer := model.UserPublic{ID: "u1", Username: "Alice"}
	orig := []model.Reaction{{Emoji: "🎉", UserID: "u2", UserName: "Bob"}}
	snapshot := append([]model.Reaction(nil), orig...)

	once := ToggleReactionLocal(orig, viewer, "👍", time.Now())
	require.Len(t, once, 2)
	assert.Equal(t, "u1", once[1].UserID)

	twice := ToggleReactionLocal(once, viewer, "👍", time.Now())
	assert.Equal(t, orig, twice)
	assert.Equal(t, snapshot, orig)
}

func conv(id, name string, pinned, archived bool, last string, members ...string) model.Conversation {
	c := model.Conversation{ID: id, Name: name, IsPinned: pinned, IsArchived: archived}
	for _, m := range members {
		c.Members = append(c.Members, model.UserPublic{ID: m, Username: m})
	}
	if last != "" {
		c.LastMessage = &model.LastMessage{Content: "x", CreatedAt: at(last)}
	}
	return c
}

func TestFilterConversations(t *testing.T) {
	list := []model.Conversation{
		conv("c1", "Deals", false, false, "", "me", "Alice"),
		conv("c2", "", false, true, "", "me", "Bob"),
		conv("c3", "", false, false, "", "me", "Carol"),
	}
	before := append([]model.Conversation(nil), list...)

	active := FilterConversations(list, ListOptions{})
	assert.Equal(t, []string{"c1", "c3"}, ids(active))

	archived := FilterConversations(list, ListOptions{Archived: true})
	assert.Equal(t, []string{"c2"}, ids(archived))

	assert.Equal(t, []string{"c3"}, ids(FilterConversations(list, ListOptions{Query: "CAR"})))
	assert.Equal(t, []string{"c1"}, ids(FilterConversations(list, ListOptions{Query: "deal"})))
	assert.Empty(t, FilterConversations(list, ListOptions{Query: "zzz"}))

	assert.Equal(t, before, list)
}

func TestSortConversations(t *testing.T) {
	list := []model.Conversation{
		conv("a", "", false, false, "2024-03-10T10:00:00Z"),
		conv("b", "", true, false, ""),
		conv("c", "", false, false, ""),
		conv("d", "", true, false, "2024-03-01T10:00:00Z"),
		conv("e", "", false, false, "2024-03-12T10:00:00Z"),
		conv("f", "", true, false, "2024-03-05T10:00:00Z"),
	}

	sorted := SortConversations(list)
	assert.Equal(t, []string{"f", "d", "b", "e", "a", "c"}, ids(sorted))
	assert.Equal(t, "a", list[0].ID)

	seenUnpinned := false
	for _, c := range sorted {
		if !c.IsPinned {
			seenUnpinned = true
		}
		assert.False(t, seenUnpinned && c.IsPinned, "pinned conversation after unpinned")
	}
}

func ids(list []model.Conversation) []string {
	out := []string{}
	for _, c := range list {
		out = append(out, c.ID)
	}
	return out
}

func TestDisplayName(t *testing.T) {
	direct := conv("c1", "", false, false, "", "me", "Bob")
	assert.Equal(t, "Bob", DisplayName(direct, "me"))

	group := conv("c2", "Deals", false, false, "", "me", "Bob", "Carol")
	group.IsGroup = true
	assert.Equal(t, "Deals", DisplayName(group, "me"))
}

func TestExtractMedia(t *testing.T) {
	msgs := []model.Message{
		{ID: "m1", Content: "see https://example.com/a, and http://x.io/b?q=1.", Attachments: []model.Attachment{
			{ID: "a1", Filename: "pic.png", Type: model.AttachmentImage, Size: 2048},
			{ID: "a2", Filename: "deck.pdf", Type: model.AttachmentFile, Size: 3 << 20},
		}},
		{ID: "m2", Attachments: []model.Attachment{
			{ID: "a3", Type: model.AttachmentSticker},
			{ID: "a4", Type: model.AttachmentVoice},
		}},
		{ID: "m3", IsDeleted: true, Content: "https://gone.example", Attachments: []model.Attachment{
			{ID: "a5", Type: model.AttachmentImage},
		}},
	}

	idx := ExtractMedia(msgs)
	require.Len(t, idx.Images, 1)
	assert.Equal(t, "a1", idx.Images[0].Attachment.ID)
	assert.Equal(t, "2.0 kB", idx.Images[0].SizeLabel)
	require.Len(t, idx.Files, 1)
	assert.Equal(t, "3.1 MB", idx.Files[0].SizeLabel)
	require.Len(t, idx.Links, 2)
	assert.Equal(t, "https://example.com/a", idx.Links[0].URL)
	assert.Equal(t, "http://x.io/b?q=1", idx.Links[1].URL)
	assert.Equal(t, "m1", idx.Links[1].MessageID)
}
