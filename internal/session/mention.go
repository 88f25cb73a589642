package session

import (
	"regexp"
	"strings"

	"github.com/vovakirdan/wirechat-sync/internal/core"
	"github.com/vovakirdan/wirechat-sync/internal/metrics"
)

const (
	defaultPreviewRunes = 120
	fallbackSender      = "someone"
	fallbackContent     = "mentioned you"
)

// MentionAlert is the notification raised for a mention of the current user.
type MentionAlert struct {
	RoomID     string
	SenderName string
	Preview    string
}

// MentionNotifier raises one alert per mention frame addressed to the
// current identity. Frames for other users are ignored because the server
// may broadcast mentions to the whole room.
type MentionNotifier struct {
	roomID   string
	self     string
	limit    int
	notifier Notifier
}

// NewMentionNotifier creates a notifier for roomID and identity self.
func NewMentionNotifier(roomID, self string, previewRunes int, notifier Notifier) *MentionNotifier {
	if previewRunes <= 0 {
		previewRunes = defaultPreviewRunes
	}
	return &MentionNotifier{roomID: roomID, self: self, limit: previewRunes, notifier: notifier}
}

// Handle is a ws.Handler for core.EventMention.
func (m *MentionNotifier) Handle(ev core.Event) error {
	mention := ev.Mention
	if mention == nil || mention.RoomID != m.roomID {
		return nil
	}
	if m.self == "" || mention.MentionedUserID != m.self {
		return nil
	}

	sender := mention.SenderName
	if sender == "" {
		sender = fallbackSender
	}
	alert := MentionAlert{
		RoomID:     mention.RoomID,
		SenderName: sender,
		Preview:    MentionPreview(sender, mention.Content, m.limit),
	}
	metrics.MentionsRaised.Inc()
	m.notifier.Mention(alert)
	return nil
}

// MentionPreview renders "@<sender> mentioned you: <content>" cut to limit
// runes.
func MentionPreview(sender, content string, limit int) string {
	if sender == "" {
		sender = fallbackSender
	}
	if strings.TrimSpace(content) == "" {
		content = fallbackContent
	}
	text := "@" + sender + " mentioned you: " + content
	runes := []rune(text)
	if limit > 0 && len(runes) > limit {
		return string(runes[:limit])
	}
	return text
}

var mentionPattern = regexp.MustCompile(`@([\p{L}\p{N}_\-]+)`)

// ExtractMentions resolves "@name" tokens in text to member ids by
// case-insensitive name match. Unknown names and selfID are skipped; the
// result keeps first-mention order without duplicates.
func ExtractMentions(text string, members []core.Member, selfID string) []string {
	byName := make(map[string]string, len(members))
	for _, m := range members {
		if m.Name != "" {
			byName[strings.ToLower(m.Name)] = m.UserID
		}
	}

	seen := make(map[string]struct{})
	var ids []string
	for _, match := range mentionPattern.FindAllStringSubmatch(text, -1) {
		id, ok := byName[strings.ToLower(match[1])]
		if !ok || id == selfID {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}
