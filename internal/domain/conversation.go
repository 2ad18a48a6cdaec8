package domain

import (
	"strconv"
	"strings"
	"time"
)

// Resolution is the lifecycle status of a conversation.
type Resolution int

const (
	ResolutionUnknown      Resolution = -1
	ResolutionResolved     Resolution = 0
	ResolutionUnresolved   Resolution = 1
	ResolutionInProgress   Resolution = 2
	ResolutionUnclassified Resolution = 3
	ResolutionHasChatRoom  Resolution = 4
)

// InProgress reports whether hot-tier writes are allowed. Unknown counts as
// in progress.
func (r Resolution) InProgress() bool {
	return r == ResolutionInProgress || r == ResolutionUnknown
}

// Closed reports whether the resolution is a known closed variant.
func (r Resolution) Closed() bool {
	return !r.InProgress()
}

func (r Resolution) String() string {
	switch r {
	case ResolutionResolved:
		return "resolved"
	case ResolutionUnresolved:
		return "unresolved"
	case ResolutionInProgress:
		return "in progress"
	case ResolutionUnclassified:
		return "unclassified"
	case ResolutionHasChatRoom:
		return "has chat room"
	default:
		return "unknown"
	}
}

// ParseResolution accepts the numeric codes (as int text) and the names.
func ParseResolution(s string) Resolution {
	s = strings.ToLower(strings.TrimSpace(s))
	if n, err := strconv.Atoi(s); err == nil {
		return ResolutionFromInt(n)
	}
	switch s {
	case "resolved":
		return ResolutionResolved
	case "unresolved":
		return ResolutionUnresolved
	case "in progress", "in_progress":
		return ResolutionInProgress
	case "unclassified":
		return ResolutionUnclassified
	case "has chat room", "has_chat_room":
		return ResolutionHasChatRoom
	default:
		return ResolutionUnknown
	}
}

// ResolutionFromInt maps a stored code to a Resolution.
func ResolutionFromInt(n int) Resolution {
	r := Resolution(n)
	if r < ResolutionResolved || r > ResolutionHasChatRoom {
		return ResolutionUnknown
	}
	return r
}

// ConversationRef identifies a conversation plus the context needed to create it.
type ConversationRef struct {
	ID          string
	ProjectUUID string
	ChannelUUID string
	ContactURN  string
	ContactName string
	AgentUUID   string
}

// ConversationMetadata is the gateway view used for feedback export.
type ConversationMetadata struct {
	ProjectUUID string
	ContactURN  string
	AgentUUID   string
	StartDate   *time.Time
	EndDate     *time.Time
}

// Transition is the before/after resolution of a lifecycle write.
type Transition struct {
	Previous Resolution
	Current  Resolution
}

// Closed reports whether the write moved the conversation out of progress.
func (t Transition) Closed() bool {
	return t.Previous.InProgress() && t.Current.Closed()
}

// ConversationFilter narrows a project-scoped conversation listing. Zero
// fields do not filter.
type ConversationFilter struct {
	ProjectUUID     string
	StartedFrom     *time.Time
	EndedUntil      *time.Time
	Resolutions     []Resolution
	CSAT            []string
	NPS             string
	HasChatsRoom    *bool
	Search          string
	IncludeMessages bool
	Limit           int
	Offset          int
}

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// Normalize clamps the paging window.
func (f ConversationFilter) Normalize() ConversationFilter {
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}
	if f.Limit > MaxListLimit {
		f.Limit = MaxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	f.Search = strings.TrimSpace(f.Search)
	return f
}

// ConversationSummary is one row of a conversation listing. Messages is nil
// unless the listing asked for them.
type ConversationSummary struct {
	ID           string
	ProjectUUID  string
	ChannelUUID  string
	ContactURN   string
	ContactName  string
	Resolution   Resolution
	HasChatsRoom bool
	CSAT         string
	NPS          string
	StartDate    *time.Time
	EndDate      *time.Time
	CreatedAt    time.Time
	Messages     []ArchivedMessage
}
