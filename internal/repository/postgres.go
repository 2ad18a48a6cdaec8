package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"conversation-store/internal/domain"
)

// pgxAPI is the subset of *pgxpool.Pool used by the Postgres stores.
type pgxAPI interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// NewPostgresPool opens and pings a connection pool.
func NewPostgresPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, errors.New("repository: database url must not be empty")
	}
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("repository: parse database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("repository: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("repository: ping postgres: %w", err)
	}
	return pool, nil
}

// PostgresArchive is the cold tier: one row per conversation holding the full
// ordered message array.
type PostgresArchive struct {
	db pgxAPI
}

// NewPostgresArchive creates a PostgresArchive.
func NewPostgresArchive(db pgxAPI) (*PostgresArchive, error) {
	if db == nil {
		return nil, errors.New("repository: db must not be nil")
	}
	return &PostgresArchive{db: db}, nil
}

// Upsert replaces the archive for conversationID with messages in one statement.
func (a *PostgresArchive) Upsert(ctx context.Context, conversationID string, messages []domain.ArchivedMessage) error {
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
VALUES ($1, $2::jsonb, NOW(), NOW())
ON CONFLICT (conversation_id) DO UPDATE SET
    messages = EXCLUDED.messages,
    updated_at = NOW();
`
	if _, err := a.db.Exec(ctx, q, conversationID, string(body)); err != nil {
		return fmt.Errorf("repository: Upsert: %w", err)
	}
	return nil
}

// Get returns the archive for conversationID or ErrArchiveNotFound.
func (a *PostgresArchive) Get(ctx context.Context, conversationID string) (domain.ColdMessageArchive, error) {
	const q = `
SELECT messages, created_at, updated_at
FROM conversation_messages
WHERE conversation_id = $1;
`
	var (
		body    []byte
		archive = domain.ColdMessageArchive{ConversationID: conversationID}
	)
	err := a.db.QueryRow(ctx, q, conversationID).Scan(&body, &archive.CreatedAt, &archive.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ColdMessageArchive{}, ErrArchiveNotFound
	}
	if err != nil {
		return domain.ColdMessageArchive{}, fmt.Errorf("repository: Get: %w", err)
	}
	if err := json.Unmarshal(body, &archive.Messages); err != nil {
		return domain.ColdMessageArchive{}, fmt.Errorf("repository: Get unmarshal: %w", err)
	}
	return archive, nil
}

// PostgresConversations is the conversation gateway backed by the conversations table.
type PostgresConversations struct {
	db pgxAPI
}

// NewPostgresConversations creates a PostgresConversations.
func NewPostgresConversations(db pgxAPI) (*PostgresConversations, error) {
	if db == nil {
		return nil, errors.New("repository: db must not be nil")
	}
	return &PostgresConversations{db: db}, nil
}

// Ensure returns the stored conversation, creating it when ref carries a
// channel. Without a channel an absent conversation is unresolvable.
func (c *PostgresConversations) Ensure(ctx context.Context, ref domain.ConversationRef) (domain.ConversationRef, error) {
	if strings.TrimSpace(ref.ID) == "" {
		return domain.ConversationRef{}, fmt.Errorf("repository: Ensure: %w", ErrConversationUnresolvable)
	}
	if ref.ChannelUUID != "" {
		const ins = `
INSERT INTO conversations (conversation_id, project_uuid, channel_uuid, contact_urn, contact_name, agent_uuid)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (conversation_id) DO NOTHING;
`
		if _, err := c.db.Exec(ctx, ins, ref.ID, ref.ProjectUUID, ref.ChannelUUID, ref.ContactURN, ref.ContactName, ref.AgentUUID); err != nil {
			return domain.ConversationRef{}, fmt.Errorf("repository: Ensure insert: %w", err)
		}
	}

	const q = `
SELECT conversation_id, project_uuid, channel_uuid, contact_urn, contact_name, agent_uuid
FROM conversations
WHERE conversation_id = $1;
`
	var out domain.ConversationRef
	err := c.db.QueryRow(ctx, q, ref.ID).Scan(&out.ID, &out.ProjectUUID, &out.ChannelUUID, &out.ContactURN, &out.ContactName, &out.AgentUUID)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ConversationRef{}, fmt.Errorf("repository: Ensure %s: %w", ref.ID, ErrConversationUnresolvable)
	}
	if err != nil {
		return domain.ConversationRef{}, fmt.Errorf("repository: Ensure select: %w", err)
	}
	return out, nil
}

// GetResolution returns the current resolution; an absent row is Unknown.
func (c *PostgresConversations) GetResolution(ctx context.Context, id string) (domain.Resolution, error) {
	var code int
	err := c.db.QueryRow(ctx, `SELECT resolution FROM conversations WHERE conversation_id = $1;`, id).Scan(&code)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ResolutionUnknown, nil
	}
	if err != nil {
		return domain.ResolutionUnknown, fmt.Errorf("repository: GetResolution: %w", err)
	}
	return domain.ResolutionFromInt(code), nil
}

// UpdateFeedbackFields writes the csat or nps column.
func (c *PostgresConversations) UpdateFeedbackFields(ctx context.Context, id string, kind domain.FeedbackKind, value string) error {
	col, err := feedbackColumn(kind)
	if err != nil {
		return err
	}
	q := fmt.Sprintf(`UPDATE conversations SET %s = $2, updated_at = NOW() WHERE conversation_id = $1;`, col)
	tag, err := c.db.Exec(ctx, q, id, value)
	if err != nil {
		return fmt.Errorf("repository: UpdateFeedbackFields: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("repository: UpdateFeedbackFields %s: %w", id, ErrConversationNotFound)
	}
	return nil
}

// GetMetadata returns the fields needed for feedback export.
func (c *PostgresConversations) GetMetadata(ctx context.Context, id string) (domain.ConversationMetadata, error) {
	const q = `
SELECT project_uuid, contact_urn, agent_uuid, start_date, end_date
FROM conversations
WHERE conversation_id = $1;
`
	var (
		md         domain.ConversationMetadata
		start, end *time.Time
	)
	err := c.db.QueryRow(ctx, q, id).Scan(&md.ProjectUUID, &md.ContactURN, &md.AgentUUID, &start, &end)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ConversationMetadata{}, fmt.Errorf("repository: GetMetadata %s: %w", id, ErrConversationNotFound)
	}
	if err != nil {
		return domain.ConversationMetadata{}, fmt.Errorf("repository: GetMetadata: %w", err)
	}
	md.StartDate = utcPtr(start)
	md.EndDate = utcPtr(end)
	return md, nil
}

// ApplyWindow writes a window update and returns the resolution before and
// after it. The row is locked for the duration of the statement.
func (c *PostgresConversations) ApplyWindow(ctx context.Context, id string, w domain.WindowUpdate) (domain.Transition, error) {
	const q = `
WITH prev AS (
    SELECT conversation_id, resolution FROM conversations WHERE conversation_id = $1 FOR UPDATE
)
UPDATE conversations c SET
    resolution = COALESCE($2::smallint, c.resolution),
    has_chats_room = $3,
    start_date = COALESCE($4, c.start_date),
    end_date = COALESCE($5, c.end_date),
    contact_name = COALESCE(NULLIF($6, ''), c.contact_name),
    updated_at = NOW()
FROM prev
WHERE c.conversation_id = prev.conversation_id
RETURNING prev.resolution, c.resolution;
`
	var prev, cur int
	err := c.db.QueryRow(ctx, q, id, windowResolution(w), w.HasChatsRoom, utcPtr(w.StartDate), utcPtr(w.EndDate), w.ContactName).Scan(&prev, &cur)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Transition{}, fmt.Errorf("repository: ApplyWindow %s: %w", id, ErrConversationNotFound)
	}
	if err != nil {
		return domain.Transition{}, fmt.Errorf("repository: ApplyWindow: %w", err)
	}
	return domain.Transition{Previous: domain.ResolutionFromInt(prev), Current: domain.ResolutionFromInt(cur)}, nil
}

// ListConversations returns the project's conversations matching f, joined
// with their archives when f.IncludeMessages is set.
func (c *PostgresConversations) ListConversations(ctx context.Context, f domain.ConversationFilter) ([]domain.ConversationSummary, error) {
	f = f.Normalize()
	if strings.TrimSpace(f.ProjectUUID) == "" {
		return nil, errors.New("repository: ListConversations: project uuid is required")
	}
	q, args := listQuery(f, postgresDialect)
	rows, err := c.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("repository: ListConversations: %w", err)
	}
	defer rows.Close()

	out := []domain.ConversationSummary{}
	for rows.Next() {
		var (
			s          domain.ConversationSummary
			code       int
			start, end *time.Time
			body       []byte
		)
		dest := []any{&s.ID, &s.ProjectUUID, &s.ChannelUUID, &s.ContactURN, &s.ContactName,
			&code, &s.HasChatsRoom, &s.CSAT, &s.NPS, &start, &end, &s.CreatedAt}
		if f.IncludeMessages {
			dest = append(dest, &body)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("repository: ListConversations scan: %w", err)
		}
		s.Resolution = domain.ResolutionFromInt(code)
		s.StartDate = utcPtr(start)
		s.EndDate = utcPtr(end)
		s.CreatedAt = s.CreatedAt.UTC()
		if f.IncludeMessages {
			if s.Messages, err = decodeMessages(body); err != nil {
				return nil, fmt.Errorf("repository: ListConversations unmarshal %s: %w", s.ID, err)
			}
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: ListConversations rows: %w", err)
	}
	return out, nil
}
