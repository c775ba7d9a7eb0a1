package chatsync

import (
	"math"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/teamchat/internal/model"
)

type EntryKind int

const (
	EntryDateHeader EntryKind = iota
	EntryMessage
)

// TimelineEntry — элемент ленты: заголовок дня или сообщение.
type TimelineEntry struct {
	Kind    EntryKind
	Label   string
	Day     time.Time
	Message *model.Message
}

// GroupByDate splits chronologically ordered messages into per-day runs, each preceded by a header.
// Days are computed in loc; now decides the relative labels.
func GroupByDate(msgs []model.Message, now time.Time, loc *time.Location) []TimelineEntry {
	if loc == nil {
		loc = time.Local
	}
	out := make([]TimelineEntry, 0, len(msgs)+1)
	today := dayStart(now, loc)
	var current time.Time
	for i := range msgs {
		day := dayStart(msgs[i].CreatedAt, loc)
		if i == 0 || !day.Equal(current) {
			current = day
			out = append(out, TimelineEntry{Kind: EntryDateHeader, Label: DayLabel(day, today), Day: day})
		}
		out = append(out, TimelineEntry{Kind: EntryMessage, Day: day, Message: &msgs[i]})
	}
	return out
}

func dayStart(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// DayLabel: "Today", "Yesterday", weekday within a week, otherwise "January 2, 2006".
// Both arguments are midnights in the same location.
func DayLabel(day, today time.Time) string {
	// округление: сутки на переходе DST длятся 23 или 25 часов
	days := int(math.Round(today.Sub(day).Hours() / 24))
	switch {
	case days == 0:
		return "Today"
	case days == 1:
		return "Yesterday"
	case days > 1 && days < 7:
		return day.Weekday().String()
	}
	return day.Format("January 2, 2006")
}

// ReactionGroup — реакции одного эмодзи.
type ReactionGroup struct {
	Emoji   string
	UserIDs []string
	Names   []string
	Count   int
	Mine    bool
}

// GroupReactions groups by emoji in first-appearance order.
func GroupReactions(reactions []model.Reaction, viewerID string) []ReactionGroup {
	out := []ReactionGroup{}
	idx := map[string]int{}
	for _, r := range reactions {
		i, ok := idx[r.Emoji]
		if !ok {
			i = len(out)
			idx[r.Emoji] = i
			out = append(out, ReactionGroup{Emoji: r.Emoji})
		}
		g := &out[i]
		if slices.Contains(g.UserIDs, r.UserID) {
			continue
		}
		g.UserIDs = append(g.UserIDs, r.UserID)
		g.Names = append(g.Names, r.UserName)
		g.Count++
		if r.UserID == viewerID {
			g.Mine = true
		}
	}
	return out
}

// Regroup flattens groups back into reactions and groups them again.
func Regroup(groups []ReactionGroup, viewerID string) []ReactionGroup {
	var flat []model.Reaction
	for _, g := range groups {
		for i, id := range g.UserIDs {
			name := ""
			if i < len(g.Names) {
				name = g.Names[i]
			}
			flat = append(flat, model.Reaction{Emoji: g.Emoji, UserID: id, UserName: name})
		}
	}
	return GroupReactions(flat, viewerID)
}

// ToggleReactionLocal removes the viewer's reaction with this emoji or appends one.
// The input slice is never modified.
func ToggleReactionLocal(reactions []model.Reaction, viewer model.UserPublic, emoji string, at time.Time) []model.Reaction {
	out := make([]model.Reaction, 0, len(reactions)+1)
	removed := false
	for _, r := range reactions {
		if r.UserID == viewer.ID && r.Emoji == emoji {
			removed = true
			continue
		}
		out = append(out, r)
	}
	if !removed {
		out = append(out, model.Reaction{Emoji: emoji, UserID: viewer.ID, UserName: viewer.Username, CreatedAt: at})
	}
	return out
}

// ListOptions — фильтр списка разговоров.
type ListOptions struct {
	Archived bool
	Query    string
}

// FilterConversations returns a new slice. Archived conversations show only in the archive view.
func FilterConversations(list []model.Conversation, opts ListOptions) []model.Conversation {
	q := strings.ToLower(strings.TrimSpace(opts.Query))
	out := make([]model.Conversation, 0, len(list))
	for _, c := range list {
		if c.IsArchived != opts.Archived {
			continue
		}
		if q != "" && !conversationMatches(c, q) {
			continue
		}
		out = append(out, c)
	}
	return out
}

func conversationMatches(c model.Conversation, q string) bool {
	if strings.Contains(strings.ToLower(c.Name), q) {
		return true
	}
	for _, m := range c.Members {
		if strings.Contains(strings.ToLower(m.Username), q) {
			return true
		}
	}
	return false
}

// SortConversations returns a sorted copy: pinned first, then by last message time descending.
// Conversations without messages go last within their tier.
func SortConversations(list []model.Conversation) []model.Conversation {
	out := slices.Clone(list)
	slices.SortStableFunc(out, func(a, b model.Conversation) int {
		if a.IsPinned != b.IsPinned {
			if a.IsPinned {
				return -1
			}
			return 1
		}
		switch {
		case a.LastMessage == nil && b.LastMessage == nil:
			return 0
		case a.LastMessage == nil:
			return 1
		case b.LastMessage == nil:
			return -1
		}
		return b.LastMessage.CreatedAt.Compare(a.LastMessage.CreatedAt)
	})
	return out
}

// DisplayName — имя группы или собеседника в личном разговоре.
func DisplayName(c model.Conversation, viewerID string) string {
	if c.Name != "" {
		return c.Name
	}
	for _, m := range c.Members {
		if m.ID != viewerID {
			return m.Username
		}
	}
	if c.IsGroup {
		return "Group"
	}
	return "Saved messages"
}

// MediaItem — вложение в панели медиа.
type MediaItem struct {
	MessageID  string
	Attachment model.Attachment
	SizeLabel  string
	SentAt     time.Time
}

// LinkItem — ссылка из текста сообщения.
type LinkItem struct {
	MessageID string
	URL       string
	SentAt    time.Time
}

type MediaIndex struct {
	Images []MediaItem
	Files  []MediaItem
	Links  []LinkItem
}

var linkRe = regexp.MustCompile(`https?://[^\s<>"']+`)

// ExtractMedia collects images, other files and links. Stickers and voice notes are skipped,
// as is everything in deleted messages.
func ExtractMedia(msgs []model.Message) MediaIndex {
	idx := MediaIndex{Images: []MediaItem{}, Files: []MediaItem{}, Links: []LinkItem{}}
	for _, m := range msgs {
		if m.IsDeleted {
			continue
		}
		for _, a := range m.Attachments {
			item := MediaItem{MessageID: m.ID, Attachment: a, SizeLabel: humanize.Bytes(uint64(max(a.Size, 0))), SentAt: m.CreatedAt}
			switch a.Type {
			case model.AttachmentImage:
				idx.Images = append(idx.Images, item)
			case model.AttachmentFile:
				idx.Files = append(idx.Files, item)
			}
		}
		for _, u := range linkRe.FindAllString(m.Content, -1) {
			u = strings.TrimRight(u, ".,;:!?)]")
			idx.Links = append(idx.Links, LinkItem{MessageID: m.ID, URL: u, SentAt: m.CreatedAt})
		}
	}
	return idx
}
