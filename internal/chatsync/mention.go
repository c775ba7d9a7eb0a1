package chatsync

import (
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/teamchat/internal/model"
)

// DetectMentions returns ids of users mentioned as @name, in text order without duplicates.
//
// A mention starts with '@' at the start of text or after whitespace and runs to the next
// whitespace. The token is matched against users in the given order and the first user whose
// name starts the token wins: "@Bob's" matches Bob. Users sharing a name, or names where one
// is a prefix of another ("Ann" and "Anna"), are not told apart. Names containing spaces
// match on their first word only.
func DetectMentions(text string, users []model.UserPublic) []string {
	ids := []string{}
	for _, tok := range mentionTokens(text) {
		u, ok := matchMention(tok, users)
		if !ok || slices.Contains(ids, u.ID) {
			continue
		}
		ids = append(ids, u.ID)
	}
	return ids
}

func mentionTokens(text string) []string {
	var out []string
	prevSpace := true
	for i, r := range text {
		if r == '@' && prevSpace {
			rest := text[i+1:]
			end := strings.IndexFunc(rest, unicode.IsSpace)
			if end < 0 {
				end = len(rest)
			}
			if end > 0 {
				out = append(out, rest[:end])
			}
		}
		prevSpace = unicode.IsSpace(r)
	}
	return out
}

func matchMention(token string, users []model.UserPublic) (model.UserPublic, bool) {
	tok := strings.ToLower(token)
	for _, u := range users {
		name := strings.ToLower(u.Username)
		if first, _, ok := strings.Cut(name, " "); ok {
			name = first
		}
		if name != "" && strings.HasPrefix(tok, name) {
			return u, true
		}
	}
	return model.UserPublic{}, false
}

// MentionQuery finds the @token being typed at cursor (a byte offset into text).
// start is the offset of '@'. ok is false when the cursor is not inside a mention.
func MentionQuery(text string, cursor int) (query string, start int, ok bool) {
	if cursor < 0 || cursor > len(text) {
		return "", 0, false
	}
	head := text[:cursor]
	at := strings.LastIndexByte(head, '@')
	if at < 0 {
		return "", 0, false
	}
	query = head[at+1:]
	if strings.IndexFunc(query, unicode.IsSpace) >= 0 {
		return "", 0, false
	}
	if at > 0 {
		r, _ := utf8.DecodeLastRuneInString(head[:at])
		if !unicode.IsSpace(r) {
			return "", 0, false
		}
	}
	return query, at, true
}

// SuggestMentions returns users whose name contains query, prefix matches first.
// limit <= 0 means no limit. The viewer is never suggested.
func SuggestMentions(query string, users []model.UserPublic, viewerID string, limit int) []model.UserPublic {
	q := strings.ToLower(query)
	var prefix, inner []model.UserPublic
	for _, u := range users {
		if u.ID == viewerID {
			continue
		}
		name := strings.ToLower(u.Username)
		switch {
		case strings.HasPrefix(name, q):
			prefix = append(prefix, u)
		case strings.Contains(name, q):
			inner = append(inner, u)
		}
	}
	out := append(prefix, inner...)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// CompleteMention replaces the @query at start with "@name " and returns the new text and cursor.
func CompleteMention(text string, start, cursor int, u model.UserPublic) (string, int) {
	insert := "@" + u.Username + " "
	return text[:start] + insert + text[cursor:], start + len(insert)
}
