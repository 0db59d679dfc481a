package entities

// StatusType enumerates membership states of a user in a group or channel.
type StatusType uint8

const (
	StatusLeft StatusType = iota
	StatusCreator
	StatusAdministrator
	StatusMember
	StatusRestricted
	StatusBanned
)

func (t StatusType) String() string {
	switch t {
	case StatusCreator:
		return "creator"
	case StatusAdministrator:
		return "administrator"
	case StatusMember:
		return "member"
	case StatusRestricted:
		return "restricted"
	case StatusBanned:
		return "banned"
	default:
		return "left"
	}
}

// ParseStatusType maps a status name back to its type.
func ParseStatusType(value string) (StatusType, bool) {
	for _, candidate := range []StatusType{StatusLeft, StatusCreator, StatusAdministrator, StatusMember, StatusRestricted, StatusBanned} {
		if candidate.String() == value {
			return candidate, true
		}
	}
	return StatusLeft, false
}

// Rights is a bit mask of administrator rights or of restrictions, depending on the status type.
type Rights uint32

const (
	RightChangeInfo Rights = 1 << iota
	RightPostMessages
	RightEditMessages
	RightDeleteMessages
	RightBanUsers
	RightInviteUsers
	RightPinMessages
	RightManageCalls
	RightPromoteMembers
	RightAnonymous
)

// Permissions is the default permission mask of a group.
type Permissions uint32

const (
	PermissionSendMessages Permissions = 1 << iota
	PermissionSendMedia
	PermissionSendPolls
	PermissionAddLinkPreviews
	PermissionChangeInfo
	PermissionInviteUsers
	PermissionPinMessages
	PermissionManageTopics
)

// MemberStatus describes the membership of a user in a basic group or a channel.
type MemberStatus struct {
	Type      StatusType `json:"type"`
	Rights    Rights     `json:"rights,omitempty"`
	UntilDate int32      `json:"until_date,omitempty"`
	Member    bool       `json:"member,omitempty"`
	Rank      string     `json:"rank,omitempty"`
}

// Creator returns the status of the group owner.
func Creator(rank string) MemberStatus {
	return MemberStatus{Type: StatusCreator, Member: true, Rank: rank}
}

// Administrator returns an administrator status with the provided rights.
func Administrator(rights Rights, rank string) MemberStatus {
	return MemberStatus{Type: StatusAdministrator, Rights: rights, Member: true, Rank: rank}
}

// Member returns a plain member status.
func Member() MemberStatus {
	return MemberStatus{Type: StatusMember, Member: true}
}

// Restricted returns a restricted status; untilDate zero means forever.
func Restricted(isMember bool, restrictions Rights, untilDate int32) MemberStatus {
	return MemberStatus{Type: StatusRestricted, Rights: restrictions, UntilDate: untilDate, Member: isMember}
}

// Left returns the status of a user who is not a member.
func Left() MemberStatus {
	return MemberStatus{Type: StatusLeft}
}

// Banned returns a banned status; untilDate zero means forever.
func Banned(untilDate int32) MemberStatus {
	return MemberStatus{Type: StatusBanned, UntilDate: untilDate}
}

// IsMember reports whether the user can see the group content.
func (s MemberStatus) IsMember() bool {
	switch s.Type {
	case StatusCreator:
		return s.Member
	case StatusAdministrator, StatusMember:
		return true
	case StatusRestricted:
		return s.Member
	default:
		return false
	}
}

// IsAdministrator reports whether the status grants administrator rights.
func (s MemberStatus) IsAdministrator() bool {
	return s.Type == StatusCreator || s.Type == StatusAdministrator
}

// IsRestricted reports whether the user is restricted.
func (s MemberStatus) IsRestricted() bool {
	return s.Type == StatusRestricted
}

// IsBanned reports whether the user is banned.
func (s MemberStatus) IsBanned() bool {
	return s.Type == StatusBanned
}

// ExpiresAt returns the unix time when a temporary status ends, or zero.
func (s MemberStatus) ExpiresAt() int32 {
	if s.Type == StatusRestricted || s.Type == StatusBanned {
		return s.UntilDate
	}
	return 0
}

// Expire turns an expired temporary ban into Left and an expired restriction into Member or Left.
func (s MemberStatus) Expire(now int32) (MemberStatus, bool) {
	until := s.ExpiresAt()
	if until == 0 || now < until {
		return s, false
	}
	if s.Type == StatusBanned {
		return Left(), true
	}
	if s.Member {
		return Member(), true
	}
	return Left(), true
}

// Equal compares two statuses.
func (s MemberStatus) Equal(other MemberStatus) bool {
	return s == other
}

func boolToInt32(value bool) int32 {
	if value {
		return 1
	}
	return 0
}

// MembershipDelta returns the change of each counter when moving from oldStatus to newStatus.
func MembershipDelta(oldStatus, newStatus MemberStatus) (member, administrator, restricted, banned int32) {
	member = boolToInt32(newStatus.IsMember()) - boolToInt32(oldStatus.IsMember())
	administrator = boolToInt32(newStatus.IsAdministrator()) - boolToInt32(oldStatus.IsAdministrator())
	restricted = boolToInt32(newStatus.IsRestricted()) - boolToInt32(oldStatus.IsRestricted())
	banned = boolToInt32(newStatus.IsBanned()) - boolToInt32(oldStatus.IsBanned())
	return member, administrator, restricted, banned
}
