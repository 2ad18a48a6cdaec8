// Package repository holds the hot tier (DynamoDB), the cold tier and the
// conversation gateway (Postgres, SQLite).
package repository

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"conversation-store/internal/domain"
)

var (
	ErrConversationUnresolvable = domain.ErrConversationUnresolvable
	ErrConversationNotFound     = domain.ErrConversationNotFound
	ErrArchiveNotFound          = domain.ErrArchiveNotFound
)

const (
	colCSAT = "csat"
	colNPS  = "nps"
)

func feedbackColumn(kind domain.FeedbackKind) (string, error) {
	switch kind {
	case domain.FeedbackCSAT:
		return colCSAT, nil
	case domain.FeedbackNPS:
		return colNPS, nil
	default:
		return "", errors.New("repository: unsupported feedback kind")
	}
}

// windowResolution is the resolution a window update writes, or nil to keep
// the stored one.
func windowResolution(w domain.WindowUpdate) *int {
	if w.HasChatsRoom {
		r := int(domain.ResolutionHasChatRoom)
		return &r
	}
	if w.Resolution != nil {
		r := int(*w.Resolution)
		return &r
	}
	return nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// dialect holds the driver differences of the listing query.
type dialect struct {
	placeholder   func(n int) string
	timeArg       func(t time.Time) any
	emptyMessages string
}

var (
	postgresDialect = dialect{
		placeholder:   func(n int) string { return "$" + strconv.Itoa(n) },
		timeArg:       func(t time.Time) any { return t.UTC() },
		emptyMessages: "'[]'::jsonb",
	}
	sqliteDialect = dialect{
		placeholder:   func(n int) string { return "?" + strconv.Itoa(n) },
		timeArg:       func(t time.Time) any { return t.UTC().Format(time.RFC3339Nano) },
		emptyMessages: "'[]'",
	}
)

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// listQuery renders the project listing for f, newest conversation first.
func listQuery(f domain.ConversationFilter, d dialect) (string, []any) {
	var (
		where []string
		args  []any
	)
	bind := func(v any) string {
		args = append(args, v)
		return d.placeholder(len(args))
	}
	in := func(col string, n int, at func(i int) any) string {
		marks := make([]string, n)
		for i := range marks {
			marks[i] = bind(at(i))
		}
		return col + " IN (" + strings.Join(marks, ", ") + ")"
	}

	where = append(where, "c.project_uuid = "+bind(f.ProjectUUID))
	if f.StartedFrom != nil {
		where = append(where, "c.start_date >= "+bind(d.timeArg(*f.StartedFrom)))
	}
	if f.EndedUntil != nil {
		where = append(where, "c.end_date <= "+bind(d.timeArg(*f.EndedUntil)))
	}
	if len(f.Resolutions) > 0 {
		where = append(where, in("c.resolution", len(f.Resolutions), func(i int) any { return int(f.Resolutions[i]) }))
	}
	if len(f.CSAT) > 0 {
		where = append(where, in("c.csat", len(f.CSAT), func(i int) any { return f.CSAT[i] }))
	}
	if f.NPS != "" {
		where = append(where, "c.nps = "+bind(f.NPS))
	}
	if f.HasChatsRoom != nil {
		where = append(where, "c.has_chats_room = "+bind(*f.HasChatsRoom))
	}
	if f.Search != "" {
		p := bind("%" + likeEscaper.Replace(strings.ToLower(f.Search)) + "%")
		where = append(where, fmt.Sprintf(`(LOWER(c.contact_name) LIKE %s ESCAPE '\' OR LOWER(c.contact_urn) LIKE %s ESCAPE '\')`, p, p))
	}

	var b strings.Builder
	b.WriteString(`SELECT c.conversation_id, c.project_uuid, c.channel_uuid, c.contact_urn, c.contact_name,
    c.resolution, c.has_chats_room, COALESCE(c.csat, ''), COALESCE(c.nps, ''),
    c.start_date, c.end_date, c.created_at`)
	if f.IncludeMessages {
		b.WriteString(",\n    COALESCE(m.messages, " + d.emptyMessages + ")")
	}
	b.WriteString("\nFROM conversations c")
	if f.IncludeMessages {
		b.WriteString("\nLEFT JOIN conversation_messages m ON m.conversation_id = c.conversation_id")
	}
	b.WriteString("\nWHERE " + strings.Join(where, "\n  AND "))
	b.WriteString("\nORDER BY c.start_date DESC NULLS LAST, c.conversation_id")
	b.WriteString("\nLIMIT " + bind(f.Limit) + " OFFSET " + bind(f.Offset) + ";")
	return b.String(), args
}

func decodeMessages(body []byte) ([]domain.ArchivedMessage, error) {
	msgs := []domain.ArchivedMessage{}
	if len(body) == 0 {
		return msgs, nil
	}
	if err := json.Unmarshal(body, &msgs); err != nil {
		return nil, err
	}
	if msgs == nil {
		msgs = []domain.ArchivedMessage{}
	}
	return msgs, nil
}
