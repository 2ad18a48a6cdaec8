package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"conversation-store/internal/domain"
)

type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.values) {
		return fmt.Errorf("fakeRow: scan %d dest, have %d values", len(dest), len(r.values))
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			*p = r.values[i].(string)
		case *int:
			*p = r.values[i].(int)
		case *bool:
			*p = r.values[i].(bool)
		case *[]byte:
			*p = r.values[i].([]byte)
		case *time.Time:
			*p = r.values[i].(time.Time)
		case **time.Time:
			if r.values[i] == nil {
				*p = nil
			} else {
				v := r.values[i].(time.Time)
				*p = &v
			}
		default:
			return fmt.Errorf("fakeRow: unsupported dest %T", d)
		}
	}
	return nil
}

type fakeRows struct {
	rows []fakeRow
	cur  fakeRow
	err  error
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return r.err }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Values() ([]any, error)                       { return r.cur.values, nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }
func (r *fakeRows) Scan(dest ...any) error                       { return r.cur.Scan(dest...) }

func (r *fakeRows) Next() bool {
	if len(r.rows) == 0 {
		return false
	}
	r.cur, r.rows = r.rows[0], r.rows[1:]
	return true
}

type fakePgx struct {
	execTag   pgconn.CommandTag
	execErr   error
	rows      []fakeRow
	listRows  []fakeRow
	queryErr  error
	execSQL   []string
	execArgs  [][]any
	querySQL  []string
	queryArgs [][]any
}

func (f *fakePgx) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execSQL = append(f.execSQL, sql)
	f.execArgs = append(f.execArgs, args)
	return f.execTag, f.execErr
}

func (f *fakePgx) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	f.querySQL = append(f.querySQL, sql)
	f.queryArgs = append(f.queryArgs, args)
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return &fakeRows{rows: f.listRows}, nil
}

func (f *fakePgx) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	f.querySQL = append(f.querySQL, sql)
	f.queryArgs = append(f.queryArgs, args)
	if len(f.rows) == 0 {
		return fakeRow{err: pgx.ErrNoRows}
	}
	row := f.rows[0]
	f.rows = f.rows[1:]
	return row
}

// ---- archive ----

func TestPostgresArchive_UpsertSendsFullArray(t *testing.T) {
	db := &fakePgx{execTag: pgconn.NewCommandTag("INSERT 0 1")}
	a, err := NewPostgresArchive(db)
	require.NoError(t, err)

	msgs := []domain.ArchivedMessage{
		{ID: "m1", Source: "incoming", Text: "one", CreatedAt: "2026-03-01T09:00:00Z"},
		{ID: "m2", Source: "outgoing", Text: "two", CreatedAt: "2026-03-01T09:01:00Z"},
	}
	require.NoError(t, a.Upsert(context.Background(), "C1", msgs))
	require.Len(t, db.execSQL, 1)
	require.Contains(t, db.execSQL[0], "ON CONFLICT (conversation_id) DO UPDATE")
	require.Equal(t, "C1", db.execArgs[0][0])

	var sent []domain.ArchivedMessage
	require.NoError(t, json.Unmarshal([]byte(db.execArgs[0][1].(string)), &sent))
	require.Equal(t, msgs, sent)
}

func TestPostgresArchive_UpsertError(t *testing.T) {
	db := &fakePgx{execErr: errors.New("connection reset")}
	a, err := NewPostgresArchive(db)
	require.NoError(t, err)
	err = a.Upsert(context.Background(), "C1", nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "Upsert")
	require.Equal(t, "[]", db.execArgs[0][1])
}

func TestPostgresArchive_Get(t *testing.T) {
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	db := &fakePgx{rows: []fakeRow{{values: []any{[]byte(`[{"id":"m1","source":"incoming","text":"one","created_at":"2026-03-01T09:00:00Z"}]`), created, created}}}}
	a, err := NewPostgresArchive(db)
	require.NoError(t, err)

	got, err := a.Get(context.Background(), "C1")
	require.NoError(t, err)
	require.Equal(t, "C1", got.ConversationID)
	require.Len(t, got.Messages, 1)
	require.Equal(t, "m1", got.Messages[0].ID)
	require.Equal(t, created, got.CreatedAt)
}

func TestPostgresArchive_GetMissing(t *testing.T) {
	a, err := NewPostgresArchive(&fakePgx{})
	require.NoError(t, err)
	_, err = a.Get(context.Background(), "C1")
	require.ErrorIs(t, err, ErrArchiveNotFound)
}

func TestNewPostgresArchive_NilDB(t *testing.T) {
	_, err := NewPostgresArchive(nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "must not be nil")
}

// ---- conversations ----

func TestPostgresConversations_EnsureCreates(t *testing.T) {
	db := &fakePgx{rows: []fakeRow{{values: []any{"C1", "project-1", "channel-1", "whatsapp:1", "Ana", ""}}}}
	c, err := NewPostgresConversations(db)
	require.NoError(t, err)

	ref, err := c.Ensure(context.Background(), testRef("C1"))
	require.NoError(t, err)
	require.Equal(t, "channel-1", ref.ChannelUUID)
	require.Len(t, db.execSQL, 1)
	require.Contains(t, db.execSQL[0], "ON CONFLICT (conversation_id) DO NOTHING")
}

func TestPostgresConversations_EnsureWithoutChannelSkipsInsert(t *testing.T) {
	db := &fakePgx{}
	c, err := NewPostgresConversations(db)
	require.NoError(t, err)

	_, err = c.Ensure(context.Background(), domain.ConversationRef{ID: "C1"})
	require.ErrorIs(t, err, ErrConversationUnresolvable)
	require.Empty(t, db.execSQL)
	require.Len(t, db.querySQL, 1)
}

func TestPostgresConversations_EnsureInsertError(t *testing.T) {
	db := &fakePgx{execErr: errors.New("timeout")}
	c, err := NewPostgresConversations(db)
	require.NoError(t, err)
	_, err = c.Ensure(context.Background(), testRef("C1"))
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrConversationUnresolvable)
}

func TestPostgresConversations_GetResolution(t *testing.T) {
	db := &fakePgx{rows: []fakeRow{{values: []any{0}}}}
	c, err := NewPostgresConversations(db)
	require.NoError(t, err)

	res, err := c.GetResolution(context.Background(), "C1")
	require.NoError(t, err)
	require.Equal(t, domain.ResolutionResolved, res)

	res, err = c.GetResolution(context.Background(), "C1")
	require.NoError(t, err)
	require.Equal(t, domain.ResolutionUnknown, res)
}

func TestPostgresConversations_GetResolutionError(t *testing.T) {
	db := &fakePgx{rows: []fakeRow{{err: errors.New("boom")}}}
	c, err := NewPostgresConversations(db)
	require.NoError(t, err)
	_, err = c.GetResolution(context.Background(), "C1")
	require.Error(t, err)
	require.Contains(t, err.Error(), "GetResolution")
}

func TestPostgresConversations_UpdateFeedbackFields(t *testing.T) {
	db := &fakePgx{execTag: pgconn.NewCommandTag("UPDATE 1")}
	c, err := NewPostgresConversations(db)
	require.NoError(t, err)

	require.NoError(t, c.UpdateFeedbackFields(context.Background(), "C1", domain.FeedbackNPS, "10"))
	require.Contains(t, db.execSQL[0], "SET nps = $2")
	require.Equal(t, []any{"C1", "10"}, db.execArgs[0])

	db.execTag = pgconn.NewCommandTag("UPDATE 0")
	err = c.UpdateFeedbackFields(context.Background(), "C1", domain.FeedbackCSAT, "3")
	require.ErrorIs(t, err, ErrConversationNotFound)
}

func TestPostgresConversations_GetMetadata(t *testing.T) {
	start := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	db := &fakePgx{rows: []fakeRow{{values: []any{"project-1", "whatsapp:1", "agent-1", start, nil}}}}
	c, err := NewPostgresConversations(db)
	require.NoError(t, err)

	md, err := c.GetMetadata(context.Background(), "C1")
	require.NoError(t, err)
	require.Equal(t, "agent-1", md.AgentUUID)
	require.Equal(t, start, *md.StartDate)
	require.Nil(t, md.EndDate)

	_, err = c.GetMetadata(context.Background(), "C1")
	require.ErrorIs(t, err, ErrConversationNotFound)
}

func TestPostgresConversations_ApplyWindow(t *testing.T) {
	db := &fakePgx{rows: []fakeRow{{values: []any{2, 4}}}}
	c, err := NewPostgresConversations(db)
	require.NoError(t, err)

	tr, err := c.ApplyWindow(context.Background(), "C1", domain.WindowUpdate{HasChatsRoom: true})
	require.NoError(t, err)
	require.True(t, tr.Closed())
	require.Contains(t, db.querySQL[0], "FOR UPDATE")
	require.Contains(t, db.querySQL[0], "has_chats_room = $3,")
	require.Equal(t, 4, *db.queryArgs[0][1].(*int))
	require.Equal(t, true, db.queryArgs[0][2])
}

func TestPostgresConversations_ApplyWindowKeepsResolution(t *testing.T) {
	db := &fakePgx{rows: []fakeRow{{values: []any{2, 2}}}}
	c, err := NewPostgresConversations(db)
	require.NoError(t, err)

	tr, err := c.ApplyWindow(context.Background(), "C1", domain.WindowUpdate{ContactName: "Ana"})
	require.NoError(t, err)
	require.False(t, tr.Closed())
	require.Nil(t, db.queryArgs[0][1].(*int))
}

func TestPostgresConversations_ApplyWindowMissing(t *testing.T) {
	c, err := NewPostgresConversations(&fakePgx{})
	require.NoError(t, err)
	_, err = c.ApplyWindow(context.Background(), "C1", domain.WindowUpdate{})
	require.ErrorIs(t, err, ErrConversationNotFound)
}

func TestNewPostgresPool_EmptyURL(t *testing.T) {
	_, err := NewPostgresPool(context.Background(), "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "must not be empty")
}

// ---------------------------------------------------------------------------
// Listing
// ---------------------------------------------------------------------------

func TestPostgresConversations_ListConversations(t *testing.T) {
	start := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	created := start.Add(-time.Minute)
	body, err := json.Marshal([]domain.ArchivedMessage{{ID: "m1", Text: "hi", Source: "incoming"}})
	require.NoError(t, err)
	db := &fakePgx{listRows: []fakeRow{
		{values: []any{"C1", "P1", "ch", "whatsapp:55", "Ana", 0, true, "5", "", start, nil, created, body}},
		{values: []any{"C2", "P1", "ch", "whatsapp:56", "Bia", 2, false, "", "", nil, nil, created, []byte("[]")}},
	}}
	c, err := NewPostgresConversations(db)
	require.NoError(t, err)

	chats := true
	got, err := c.ListConversations(context.Background(), domain.ConversationFilter{
		ProjectUUID:     "P1",
		Resolutions:     []domain.Resolution{domain.ResolutionResolved, domain.ResolutionInProgress},
		HasChatsRoom:    &chats,
		Search:          "an_a",
		IncludeMessages: true,
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, domain.ResolutionResolved, got[0].Resolution)
	require.True(t, got[0].HasChatsRoom)
	require.Equal(t, "5", got[0].CSAT)
	require.True(t, start.Equal(*got[0].StartDate))
	require.Nil(t, got[0].EndDate)
	require.Equal(t, "hi", got[0].Messages[0].Text)
	require.NotNil(t, got[1].Messages)
	require.Empty(t, got[1].Messages)

	q := db.querySQL[0]
	require.Contains(t, q, "LEFT JOIN conversation_messages")
	require.Contains(t, q, "c.resolution IN ($2, $3)")
	require.Contains(t, q, "c.has_chats_room = $4")
	require.Contains(t, q, "LIMIT $6 OFFSET $7")
	require.Equal(t, []any{"P1", 0, 2, true, `%an\_a%`, domain.DefaultListLimit, 0}, db.queryArgs[0])
}

func TestPostgresConversations_ListWithoutMessagesSkipsJoin(t *testing.T) {
	created := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	db := &fakePgx{listRows: []fakeRow{
		{values: []any{"C1", "P1", "ch", "u", "n", 1, false, "", "", nil, nil, created}},
	}}
	c, err := NewPostgresConversations(db)
	require.NoError(t, err)

	got, err := c.ListConversations(context.Background(), domain.ConversationFilter{ProjectUUID: "P1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Nil(t, got[0].Messages)
	require.NotContains(t, db.querySQL[0], "conversation_messages")
}

func TestPostgresConversations_ListErrors(t *testing.T) {
	c, err := NewPostgresConversations(&fakePgx{queryErr: errors.New("conn reset")})
	require.NoError(t, err)

	_, err = c.ListConversations(context.Background(), domain.ConversationFilter{})
	require.ErrorContains(t, err, "project uuid is required")

	_, err = c.ListConversations(context.Background(), domain.ConversationFilter{ProjectUUID: "P1"})
	require.ErrorContains(t, err, "conn reset")
}
