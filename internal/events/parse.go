// Package events parses inbound queue payloads into domain.ConversationEvent.
package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"conversation-store/internal/domain"
)

var (
	ErrMalformedJSON         = errors.New("malformed JSON body")
	ErrMissingConversationID = errors.New("conversation_id is required")
	ErrMissingType           = errors.New("type is required")
	ErrUnrecognizedType      = errors.New("unrecognized event type")
)

// ValidationError reports why a payload was rejected.
type ValidationError struct {
	Field string
	Value string
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("events: invalid %s %q: %v", e.Field, e.Value, e.Err)
	}
	return fmt.Sprintf("events: invalid %s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Meta carries transport-level facts about a delivery.
type Meta struct {
	// EventType comes from the message attribute and wins over the body.
	EventType string
	// SentAt is used when the body carries no timestamp. It must be stable
	// across redeliveries of the same message.
	SentAt time.Time
}

type rawEvent struct {
	Type           string          `json:"type"`
	EventType      string          `json:"event_type"`
	CorrelationID  string          `json:"correlation_id"`
	ConversationID string          `json:"conversation_id"`
	MessagePayload json.RawMessage `json:"message_payload"`
	Key            *string         `json:"key"`
	Value          json.RawMessage `json:"value"`
	Timestamp      string          `json:"timestamp"`
	AgentID        string          `json:"agent_id"`
	ProjectUUID    string          `json:"project_uuid"`
	ChannelUUID    string          `json:"channel_uuid"`
	ContactURN     string          `json:"contact_urn"`
	ContactName    string          `json:"contact_name"`
	HasChatsRoom   bool            `json:"has_chats_room"`
	Resolution     json.RawMessage `json:"resolution"`
	StartDate      string          `json:"start_date"`
	EndDate        string          `json:"end_date"`
}

type payloadFields struct {
	Text        string          `json:"text"`
	Source      string          `json:"source"`
	CreatedAt   string          `json:"created_at"`
	ContactName string          `json:"contact_name"`
	Value       json.RawMessage `json:"value"`
}

var kinds = map[string]domain.EventKind{
	"received":            domain.KindReceived,
	"message.received":    domain.KindReceived,
	"sent":                domain.KindSent,
	"message.sent":        domain.KindSent,
	"conversation.window": domain.KindWindow,
}

// Parse validates raw and returns the typed event.
func Parse(raw []byte, meta Meta) (domain.ConversationEvent, error) {
	var in rawEvent
	if err := json.Unmarshal(bytes.TrimSpace(raw), &in); err != nil {
		return domain.ConversationEvent{}, &ValidationError{Field: "body", Err: fmt.Errorf("%w: %v", ErrMalformedJSON, err)}
	}

	typ := firstNonEmpty(meta.EventType, in.Type, in.EventType)
	if typ == "" {
		return domain.ConversationEvent{}, &ValidationError{Field: "type", Err: ErrMissingType}
	}
	kind, ok := kinds[strings.ToLower(typ)]
	if !ok {
		return domain.ConversationEvent{}, &ValidationError{Field: "type", Value: typ, Err: ErrUnrecognizedType}
	}

	convID := strings.TrimSpace(in.ConversationID)
	if convID == "" {
		return domain.ConversationEvent{}, &ValidationError{Field: "conversation_id", Err: ErrMissingConversationID}
	}

	payload := normalizePayload(in.MessagePayload)
	fields := decodePayload(payload)

	key := ""
	if in.Key != nil {
		key = strings.TrimSpace(*in.Key)
	}

	ev := domain.ConversationEvent{
		Kind:           kind,
		CorrelationID:  strings.TrimSpace(in.CorrelationID),
		ConversationID: convID,
		Payload:        payload,
		Text:           fields.Text,
		Source:         fields.Source,
		Key:            key,
		AgentID:        strings.TrimSpace(in.AgentID),
		ProjectUUID:    strings.TrimSpace(in.ProjectUUID),
		ChannelUUID:    strings.TrimSpace(in.ChannelUUID),
		ContactURN:     strings.TrimSpace(in.ContactURN),
		ContactName:    firstNonEmpty(in.ContactName, fields.ContactName),
		Timestamp:      resolveTimestamp(meta.SentAt, in.Timestamp, fields.CreatedAt),
	}

	if kind.IsMessage() {
		ev.Feedback = domain.FeedbackKindForKey(key)
		if ev.Feedback != domain.FeedbackNone {
			ev.FeedbackValue = scalarString(in.Value)
			if ev.FeedbackValue == "" {
				ev.FeedbackValue = scalarString(fields.Value)
			}
		}
		if ev.Source == "" {
			ev.Source = defaultSource(kind)
		}
	}

	if kind == domain.KindWindow {
		w, err := parseWindow(in)
		if err != nil {
			return domain.ConversationEvent{}, err
		}
		w.ContactName = ev.ContactName
		ev.Window = w
	}

	return ev, nil
}

func parseWindow(in rawEvent) (*domain.WindowUpdate, error) {
	w := &domain.WindowUpdate{HasChatsRoom: in.HasChatsRoom}
	if r := scalarString(in.Resolution); r != "" {
		res := domain.ParseResolution(r)
		if res == domain.ResolutionUnknown {
			return nil, &ValidationError{Field: "resolution", Value: r, Err: errors.New("unknown resolution")}
		}
		w.Resolution = &res
	}
	if in.StartDate != "" {
		t, err := parseTime(in.StartDate)
		if err != nil {
			return nil, &ValidationError{Field: "start_date", Value: in.StartDate, Err: err}
		}
		w.StartDate = &t
	}
	if in.EndDate != "" {
		t, err := parseTime(in.EndDate)
		if err != nil {
			return nil, &ValidationError{Field: "end_date", Value: in.EndDate, Err: err}
		}
		w.EndDate = &t
	}
	return w, nil
}

func defaultSource(kind domain.EventKind) string {
	if kind == domain.KindSent {
		return "outgoing"
	}
	return "incoming"
}

// normalizePayload compacts the payload so equal payloads hash equally.
func normalizePayload(raw json.RawMessage) json.RawMessage {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}

func decodePayload(raw json.RawMessage) payloadFields {
	var out payloadFields
	if len(raw) == 0 {
		return out
	}
	if raw[0] == '"' {
		_ = json.Unmarshal(raw, &out.Text)
		return out
	}
	_ = json.Unmarshal(raw, &out)
	return out
}

// scalarString renders a JSON string or number as plain text.
func scalarString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

func resolveTimestamp(fallback time.Time, candidates ...string) time.Time {
	for _, c := range candidates {
		if c == "" {
			continue
		}
		if t, err := parseTime(c); err == nil {
			return t
		}
	}
	if !fallback.IsZero() {
		return fallback.UTC()
	}
	return time.Now().UTC()
}

var layouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unsupported time format")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
