package domain

import (
	"encoding/json"
	"time"
)

// EventKind is the closed set of inbound event variants.
type EventKind string

const (
	KindReceived EventKind = "message.received"
	KindSent     EventKind = "message.sent"
	KindWindow   EventKind = "conversation.window"
)

// IsMessage reports whether the kind carries conversation content.
func (k EventKind) IsMessage() bool {
	return k == KindReceived || k == KindSent
}

// FeedbackKind identifies a special (feedback-tagged) message event.
type FeedbackKind string

const (
	FeedbackNone FeedbackKind = ""
	FeedbackCSAT FeedbackKind = "csat"
	FeedbackNPS  FeedbackKind = "nps"
)

const (
	KeyCSAT = "weni_csat"
	KeyNPS  = "weni_nps"
)

// FeedbackKindForKey maps an event key to its feedback kind.
func FeedbackKindForKey(key string) FeedbackKind {
	switch key {
	case KeyCSAT:
		return FeedbackCSAT
	case KeyNPS:
		return FeedbackNPS
	default:
		return FeedbackNone
	}
}

// Key returns the event key that produced the feedback kind.
func (k FeedbackKind) Key() string {
	switch k {
	case FeedbackCSAT:
		return KeyCSAT
	case FeedbackNPS:
		return KeyNPS
	default:
		return ""
	}
}

// ConversationEvent is a parsed and validated inbound event. The variant is
// fixed at parse time by Kind and Feedback; downstream code never re-inspects
// the raw payload to decide routing.
type ConversationEvent struct {
	Kind           EventKind
	Feedback       FeedbackKind
	CorrelationID  string
	ConversationID string
	Payload        json.RawMessage
	Text           string
	Source         string
	Key            string
	FeedbackValue  string
	Timestamp      time.Time
	AgentID        string

	// Creation context, needed only when the conversation does not exist yet.
	ProjectUUID string
	ChannelUUID string
	ContactURN  string
	ContactName string

	// Set only for KindWindow.
	Window *WindowUpdate
}

// IsFeedback reports whether the event is a CSAT/NPS special event.
func (e ConversationEvent) IsFeedback() bool {
	return e.Kind.IsMessage() && e.Feedback != FeedbackNone
}

// Ref returns the gateway reference for the event's conversation.
func (e ConversationEvent) Ref() ConversationRef {
	return ConversationRef{
		ID:          e.ConversationID,
		ProjectUUID: e.ProjectUUID,
		ChannelUUID: e.ChannelUUID,
		ContactURN:  e.ContactURN,
		ContactName: e.ContactName,
		AgentUUID:   e.AgentID,
	}
}

// WindowUpdate is the lifecycle payload of a conversation.window event.
type WindowUpdate struct {
	HasChatsRoom bool
	Resolution   *Resolution
	StartDate    *time.Time
	EndDate      *time.Time
	ContactName  string
}
