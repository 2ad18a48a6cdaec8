package datalake

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	_ "time/tzdata"

	"conversation-store/internal/domain"
)

const (
	EventName       = "weni_nexus_data"
	ValueTypeString = "string"
)

// ErrInvalidEvent matches every validation failure of an Event.
var ErrInvalidEvent = errors.New("datalake: invalid event")

// ValidationError lists the problems found in an Event.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return ErrInvalidEvent.Error() + ": " + strings.Join(e.Problems, ", ")
}

func (e *ValidationError) Is(target error) bool { return target == ErrInvalidEvent }

// Retryable is always false: the same event fails the same way.
func (e *ValidationError) Retryable() bool { return false }

// Metadata is the conversation context attached to a feedback event.
type Metadata struct {
	AgentUUID             string `json:"agent_uuid"`
	ConversationUUID      string `json:"conversation_uuid"`
	ConversationStartDate string `json:"conversation_start_date,omitempty"`
	ConversationEndDate   string `json:"conversation_end_date,omitempty"`
}

// Event is the analytics record accepted by the data lake.
type Event struct {
	EventName  string   `json:"event_name"`
	Date       string   `json:"date"`
	Project    string   `json:"project"`
	ContactURN string   `json:"contact_urn"`
	Key        string   `json:"key"`
	ValueType  string   `json:"value_type"`
	Value      *string  `json:"value"`
	Metadata   Metadata `json:"metadata"`
}

// NewFeedbackEvent formats rec as a data-lake event dated now in loc.
func NewFeedbackEvent(rec domain.FeedbackRecord, now time.Time, loc *time.Location) Event {
	if loc == nil {
		loc = time.UTC
	}
	value := rec.Value
	ev := Event{
		EventName:  EventName,
		Date:       now.In(loc).Format(time.RFC3339),
		Project:    strings.TrimSpace(rec.ProjectUUID),
		ContactURN: strings.TrimSpace(rec.ContactURN),
		Key:        rec.Kind.Key(),
		ValueType:  ValueTypeString,
		Value:      &value,
		Metadata: Metadata{
			AgentUUID:        rec.AgentID,
			ConversationUUID: rec.ConversationID,
		},
	}
	if rec.StartDate != nil {
		ev.Metadata.ConversationStartDate = rec.StartDate.In(loc).Format(time.RFC3339)
	}
	if rec.EndDate != nil {
		ev.Metadata.ConversationEndDate = rec.EndDate.In(loc).Format(time.RFC3339)
	}
	return ev
}

// Validate reports every problem with the event at once.
func (e Event) Validate() error {
	var problems []string
	for name, v := range map[string]string{
		"project":     e.Project,
		"contact_urn": e.ContactURN,
		"key":         e.Key,
		"date":        e.Date,
		"value_type":  e.ValueType,
	} {
		if strings.TrimSpace(v) == "" {
			problems = append(problems, name+" cannot be empty")
		}
	}
	if e.Value == nil {
		problems = append(problems, "value cannot be nil")
	}
	if e.EventName != EventName {
		problems = append(problems, fmt.Sprintf("event_name must be %q", EventName))
	}
	if len(problems) == 0 {
		return nil
	}
	sort.Strings(problems)
	return &ValidationError{Problems: problems}
}
