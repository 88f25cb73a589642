package proto

import (
	"strings"

	"github.com/vovakirdan/wirechat-sync/internal/core"
)

// ToMessage converts a wire message into the domain model. REST records carry
// createTime while pushed frames carry occurredAt; either is accepted.
func ToMessage(p MessagePayload) core.Message {
	occurred := p.OccurredAt.Time
	if occurred.IsZero() {
		occurred = p.CreateTime.Time
	}
	return core.Message{
		ID:               p.ID,
		RoomID:           p.RoomID,
		SenderID:         p.SenderID,
		Content:          p.Content,
		QuotedMessageID:  p.QuotedMessageID,
		MentionedUserIDs: append([]string(nil), p.MentionedUserIDs...),
		OccurredAt:       occurred,
		Sender: core.Sender{
			Name:   p.SenderName,
			Avatar: p.SenderAvatar,
			Tags:   append([]string(nil), p.SenderTags...),
		},
	}
}

// FromMessage converts a domain message into its wire form.
func FromMessage(m core.Message) MessagePayload {
	return MessagePayload{
		ID:               m.ID,
		RoomID:           m.RoomID,
		SenderID:         m.SenderID,
		Content:          m.Content,
		QuotedMessageID:  m.QuotedMessageID,
		MentionedUserIDs: m.MentionedUserIDs,
		OccurredAt:       Timestamp{m.OccurredAt},
		CreateTime:       Timestamp{m.OccurredAt},
		SenderName:       m.Sender.Name,
		SenderAvatar:     m.Sender.Avatar,
		SenderTags:       m.Sender.Tags,
	}
}

// ToPage converts a REST page.
func ToPage(p PageDTO[MessagePayload]) core.Page {
	records := make([]core.Message, 0, len(p.Records))
	for _, r := range p.Records {
		records = append(records, ToMessage(r))
	}
	return core.Page{
		Records: records,
		Current: p.Current,
		Size:    p.Size,
		Pages:   p.Pages,
		Total:   p.Total,
	}
}

// ToRoom converts a REST room.
func ToRoom(r RoomDTO) core.Room {
	return core.Room{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		Audience:    core.Audience(strings.ToUpper(r.Audience)),
		Joined:      r.Joined,
		MemberCount: r.MemberCount,
		UnreadCount: r.UnreadCount,
		CreatorID:   r.CreatorID,
	}
}

// ToMember converts a REST member.
func ToMember(m MemberDTO) core.Member {
	role := core.Role(strings.ToUpper(m.Role))
	if role == "" {
		role = core.RoleMember
	}
	return core.Member{
		UserID: m.UserID,
		Name:   m.Name,
		Avatar: m.Avatar,
		Tags:   append([]string(nil), m.Tags...),
		Role:   role,
		Online: m.Online,
	}
}

// ToAnchor converts REST unread info. A null firstUnreadId keeps the count.
func ToAnchor(u UnreadInfoDTO) core.UnreadAnchor {
	return core.UnreadAnchor{
		FirstUnreadID: u.FirstUnreadID,
		FirstUnreadAt: u.FirstUnreadOccurredAt.Time,
		Count:         u.Count,
	}.Normalize()
}

// FromRoom converts a domain room into its REST form.
func FromRoom(r core.Room) RoomDTO {
	return RoomDTO{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		Audience:    string(r.Audience),
		Joined:      r.Joined,
		MemberCount: r.MemberCount,
		UnreadCount: r.UnreadCount,
		CreatorID:   r.CreatorID,
	}
}

// FromMember converts a domain member into its REST form.
func FromMember(m core.Member) MemberDTO {
	return MemberDTO{
		UserID: m.UserID,
		Name:   m.Name,
		Avatar: m.Avatar,
		Tags:   m.Tags,
		Role:   string(m.Role),
		Online: m.Online,
	}
}

// FromAnchor converts an unread anchor into its REST form.
func FromAnchor(a core.UnreadAnchor) UnreadInfoDTO {
	return UnreadInfoDTO{
		Count:                 a.Count,
		FirstUnreadID:         a.FirstUnreadID,
		FirstUnreadOccurredAt: Timestamp{a.FirstUnreadAt},
	}
}
