package core

// Audience is the visibility class of a room.
type Audience string

const (
	AudienceAllUsers Audience = "ALL_USERS"
	AudienceFreeOnly Audience = "FREE_ONLY"
	AudiencePaidOnly Audience = "PAID_ONLY"
)

// Room is a chat room as listed for the current identity.
type Room struct {
	ID          string
	Name        string
	Description string
	Audience    Audience
	Joined      bool
	MemberCount int
	UnreadCount int
	CreatorID   string
}

// Role is the membership role inside a room.
type Role string

const (
	RoleOwner  Role = "OWNER"
	RoleMember Role = "MEMBER"
)

// Member is a room member with its presence flag.
type Member struct {
	UserID string
	Name   string
	Avatar string
	Tags   []string
	Role   Role
	Online bool
}
