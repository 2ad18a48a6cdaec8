package domain

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// messageNamespace seeds deterministic hot record ids.
var messageNamespace = uuid.MustParse("5b0c3c9e-2b1f-4b7e-9a52-8f3e6c1d7a40")

// HotMessageRecord is one message of an active conversation in the hot tier.
type HotMessageRecord struct {
	ConversationID string
	SortKey        string
	MessageID      string
	Kind           EventKind
	Source         string
	Text           string
	Key            string
	AgentID        string
	Payload        json.RawMessage
	CreatedAt      time.Time
	StoredAt       time.Time
	ExpiresAt      time.Time
}

// MessageID derives a record id from the event identity, so a redelivered
// event maps onto the same record.
func MessageID(ev ConversationEvent) string {
	var b strings.Builder
	b.WriteString(ev.ConversationID)
	b.WriteByte('|')
	b.WriteString(string(ev.Kind))
	b.WriteByte('|')
	b.WriteString(ev.Timestamp.UTC().Format(time.RFC3339Nano))
	b.WriteByte('|')
	b.WriteString(ev.Key)
	b.WriteByte('|')
	if len(ev.Payload) > 0 {
		b.Write(ev.Payload)
	} else {
		b.WriteString(ev.Text)
	}
	return uuid.NewSHA1(messageNamespace, []byte(b.String())).String()
}

// NewHotMessageRecord builds the hot record for a message event. The store
// assigns SortKey, StoredAt and ExpiresAt.
func NewHotMessageRecord(ev ConversationEvent) HotMessageRecord {
	return HotMessageRecord{
		ConversationID: ev.ConversationID,
		MessageID:      MessageID(ev),
		Kind:           ev.Kind,
		Source:         ev.Source,
		Text:           ev.Text,
		Key:            ev.Key,
		AgentID:        ev.AgentID,
		Payload:        ev.Payload,
		CreatedAt:      ev.Timestamp.UTC(),
	}
}

// ArchivedMessage is one element of a cold archive.
type ArchivedMessage struct {
	ID        string          `json:"id"`
	Source    string          `json:"source"`
	Text      string          `json:"text"`
	CreatedAt string          `json:"created_at"`
	Key       string          `json:"key,omitempty"`
	AgentID   string          `json:"agent_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ColdMessageArchive is the durable, single-row archive of a closed conversation.
type ColdMessageArchive struct {
	ConversationID string
	Messages       []ArchivedMessage
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Archive converts a hot record into its archived form.
func (r HotMessageRecord) Archive() ArchivedMessage {
	return ArchivedMessage{
		ID:        r.MessageID,
		Source:    r.Source,
		Text:      r.Text,
		CreatedAt: r.CreatedAt.UTC().Format(time.RFC3339Nano),
		Key:       r.Key,
		AgentID:   r.AgentID,
		Payload:   r.Payload,
	}
}

// FeedbackRecord is the transient analytics record derived from a special event.
type FeedbackRecord struct {
	ConversationID string
	Kind           FeedbackKind
	Value          string
	AgentID        string
	ProjectUUID    string
	ContactURN     string
	StartDate      *time.Time
	EndDate        *time.Time
}
