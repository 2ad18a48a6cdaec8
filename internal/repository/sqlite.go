package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"conversation-store/internal/domain"
)

// SQLiteStore is the cold tier and conversation gateway over a local SQLite
// database, for development runs and tests.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite opens the database at databasePath. Use ":memory:" for a private
// in-memory database.
func NewSQLite(ctx context.Context, databasePath string) (*SQLiteStore, error) {
	path := strings.TrimSpace(databasePath)
	if path == "" {
		return nil, errors.New("repository: sqlite database path is empty")
	}
	dsn := path
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	dsn = fmt.Sprintf("%s%s_pragma=busy_timeout=10000&_pragma=journal_mode=WAL", dsn, sep)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("repository: open sqlite: %w", err)
	}
	// One connection keeps in-memory databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("repository: ping sqlite: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping ensures the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// DB exposes the handle for migrations.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) stamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

// Upsert replaces the archive for conversationID with messages.
func (s *SQLiteStore) Upsert(ctx context.Context, conversationID string, messages []domain.ArchivedMessage) error {
	if conversationID == "" {
		return errors.New("repository: Upsert: conversation id is required")
	}
	if messages == nil {
		messages = []domain.ArchivedMessage{}
	}
	body, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("repository: Upsert marshal: %w", err)
	}
	const q = `
INSERT INTO conversation_messages (conversation_id, messages, created_at, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (conversation_id) DO UPDATE SET
    messages = excluded.messages,
    updated_at = excluded.updated_at;
`
	now := s.stamp()
	if _, err := s.db.ExecContext(ctx, q, conversationID, string(body), now, now); err != nil {
		return fmt.Errorf("repository: Upsert: %w", err)
	}
	return nil
}

// Get returns the archive for conversationID or ErrArchiveNotFound.
func (s *SQLiteStore) Get(ctx context.Context, conversationID string) (domain.ColdMessageArchive, error) {
	const q = `SELECT messages, created_at, updated_at FROM conversation_messages WHERE conversation_id = ?;`
	var body, created, updated string
	err := s.db.QueryRowContext(ctx, q, conversationID).Scan(&body, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ColdMessageArchive{}, ErrArchiveNotFound
	}
	if err != nil {
		return domain.ColdMessageArchive{}, fmt.Errorf("repository: Get: %w", err)
	}
	archive := domain.ColdMessageArchive{ConversationID: conversationID}
	if err := json.Unmarshal([]byte(body), &archive.Messages); err != nil {
		return domain.ColdMessageArchive{}, fmt.Errorf("repository: Get unmarshal: %w", err)
	}
	archive.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	archive.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return archive, nil
}

// Ensure returns the stored conversation, creating it when ref carries a channel.
func (s *SQLiteStore) Ensure(ctx context.Context, ref domain.ConversationRef) (domain.ConversationRef, error) {
	if strings.TrimSpace(ref.ID) == "" {
		return domain.ConversationRef{}, fmt.Errorf("repository: Ensure: %w", ErrConversationUnresolvable)
	}
	if ref.ChannelUUID != "" {
		const ins = `
INSERT INTO conversations (conversation_id, project_uuid, channel_uuid, contact_urn, contact_name, agent_uuid, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (conversation_id) DO NOTHING;
`
		now := s.stamp()
		if _, err := s.db.ExecContext(ctx, ins, ref.ID, ref.ProjectUUID, ref.ChannelUUID, ref.ContactURN, ref.ContactName, ref.AgentUUID, now, now); err != nil {
			return domain.ConversationRef{}, fmt.Errorf("repository: Ensure insert: %w", err)
		}
	}

	const q = `
SELECT conversation_id, project_uuid, channel_uuid, contact_urn, contact_name, agent_uuid
FROM conversations WHERE conversation_id = ?;
`
	var out domain.ConversationRef
	err := s.db.QueryRowContext(ctx, q, ref.ID).Scan(&out.ID, &out.ProjectUUID, &out.ChannelUUID, &out.ContactURN, &out.ContactName, &out.AgentUUID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ConversationRef{}, fmt.Errorf("repository: Ensure %s: %w", ref.ID, ErrConversationUnresolvable)
	}
	if err != nil {
		return domain.ConversationRef{}, fmt.Errorf("repository: Ensure select: %w", err)
	}
	return out, nil
}

// GetResolution returns the current resolution; an absent row is Unknown.
func (s *SQLiteStore) GetResolution(ctx context.Context, id string) (domain.Resolution, error) {
	var code int
	err := s.db.QueryRowContext(ctx, `SELECT resolution FROM conversations WHERE conversation_id = ?;`, id).Scan(&code)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ResolutionUnknown, nil
	}
	if err != nil {
		return domain.ResolutionUnknown, fmt.Errorf("repository: GetResolution: %w", err)
	}
	return domain.ResolutionFromInt(code), nil
}

// UpdateFeedbackFields writes the csat or nps column.
func (s *SQLiteStore) UpdateFeedbackFields(ctx context.Context, id string, kind domain.FeedbackKind, value string) error {
	col, err := feedbackColumn(kind)
	if err != nil {
		return err
	}
	q := fmt.Sprintf(`UPDATE conversations SET %s = ?, updated_at = ? WHERE conversation_id = ?;`, col)
	res, err := s.db.ExecContext(ctx, q, value, s.stamp(), id)
	if err != nil {
		return fmt.Errorf("repository: UpdateFeedbackFields: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("repository: UpdateFeedbackFields %s: %w", id, ErrConversationNotFound)
	}
	return nil
}

// GetMetadata returns the fields needed for feedback export.
func (s *SQLiteStore) GetMetadata(ctx context.Context, id string) (domain.ConversationMetadata, error) {
	const q = `
SELECT project_uuid, contact_urn, agent_uuid, start_date, end_date
FROM conversations WHERE conversation_id = ?;
`
	var (
		md         domain.ConversationMetadata
		start, end sql.NullString
	)
	err := s.db.QueryRowContext(ctx, q, id).Scan(&md.ProjectUUID, &md.ContactURN, &md.AgentUUID, &start, &end)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ConversationMetadata{}, fmt.Errorf("repository: GetMetadata %s: %w", id, ErrConversationNotFound)
	}
	if err != nil {
		return domain.ConversationMetadata{}, fmt.Errorf("repository: GetMetadata: %w", err)
	}
	md.StartDate = parseNullTime(start)
	md.EndDate = parseNullTime(end)
	return md, nil
}

// ApplyWindow writes a window update inside one transaction and returns the
// resolution before and after it.
func (s *SQLiteStore) ApplyWindow(ctx context.Context, id string, w domain.WindowUpdate) (domain.Transition, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Transition{}, fmt.Errorf("repository: ApplyWindow begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var prev int
	err = tx.QueryRowContext(ctx, `SELECT resolution FROM conversations WHERE conversation_id = ?;`, id).Scan(&prev)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Transition{}, fmt.Errorf("repository: ApplyWindow %s: %w", id, ErrConversationNotFound)
	}
	if err != nil {
		return domain.Transition{}, fmt.Errorf("repository: ApplyWindow select: %w", err)
	}

	cur := prev
	if r := windowResolution(w); r != nil {
		cur = *r
	}
	const upd = `
UPDATE conversations SET
    resolution = ?,
    has_chats_room = ?,
    start_date = COALESCE(?, start_date),
    end_date = COALESCE(?, end_date),
    contact_name = COALESCE(NULLIF(?, ''), contact_name),
    updated_at = ?
WHERE conversation_id = ?;
`
	if _, err := tx.ExecContext(ctx, upd, cur, w.HasChatsRoom, formatNullTime(w.StartDate), formatNullTime(w.EndDate), w.ContactName, s.stamp(), id); err != nil {
		return domain.Transition{}, fmt.Errorf("repository: ApplyWindow update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Transition{}, fmt.Errorf("repository: ApplyWindow commit: %w", err)
	}
	return domain.Transition{Previous: domain.ResolutionFromInt(prev), Current: domain.ResolutionFromInt(cur)}, nil
}

func formatNullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}

// ListConversations returns the project's conversations matching f.
func (s *SQLiteStore) ListConversations(ctx context.Context, f domain.ConversationFilter) ([]domain.ConversationSummary, error) {
	f = f.Normalize()
	if strings.TrimSpace(f.ProjectUUID) == "" {
		return nil, errors.New("repository: ListConversations: project uuid is required")
	}
	q, args := listQuery(f, sqliteDialect)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("repository: ListConversations: %w", err)
	}
	defer rows.Close()

	out := []domain.ConversationSummary{}
	for rows.Next() {
		var (
			c          domain.ConversationSummary
			code       int
			start, end sql.NullString
			created    string
			body       string
		)
		dest := []any{&c.ID, &c.ProjectUUID, &c.ChannelUUID, &c.ContactURN, &c.ContactName,
			&code, &c.HasChatsRoom, &c.CSAT, &c.NPS, &start, &end, &created}
		if f.IncludeMessages {
			dest = append(dest, &body)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("repository: ListConversations scan: %w", err)
		}
		c.Resolution = domain.ResolutionFromInt(code)
		c.StartDate = parseNullTime(start)
		c.EndDate = parseNullTime(end)
		c.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		if f.IncludeMessages {
			if c.Messages, err = decodeMessages([]byte(body)); err != nil {
				return nil, fmt.Errorf("repository: ListConversations unmarshal %s: %w", c.ID, err)
			}
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: ListConversations rows: %w", err)
	}
	return out, nil
}
