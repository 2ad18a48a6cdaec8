package usecase

import (
	"context"
	"time"

	"conversation-store/internal/domain"
)

// ConversationGateway is the lifecycle authority for conversations.
type ConversationGateway interface {
	Ensure(ctx context.Context, ref domain.ConversationRef) (domain.ConversationRef, error)
	GetResolution(ctx context.Context, id string) (domain.Resolution, error)
	UpdateFeedbackFields(ctx context.Context, id string, kind domain.FeedbackKind, value string) error
	GetMetadata(ctx context.Context, id string) (domain.ConversationMetadata, error)
	ApplyWindow(ctx context.Context, id string, w domain.WindowUpdate) (domain.Transition, error)
}

// HotStore is the TTL-bounded tier for active conversations.
type HotStore interface {
	Append(ctx context.Context, rec domain.HotMessageRecord, ttl time.Duration) (duplicate bool, err error)
	ListAll(ctx context.Context, conversationID string) ([]domain.HotMessageRecord, error)
	EvictRecords(ctx context.Context, conversationID string, recs []domain.HotMessageRecord) error
}

// ColdStore is the durable tier holding one archive per conversation.
type ColdStore interface {
	Upsert(ctx context.Context, conversationID string, messages []domain.ArchivedMessage) error
	Get(ctx context.Context, conversationID string) (domain.ColdMessageArchive, error)
}

// FeedbackEmitter accepts feedback records for asynchronous delivery.
type FeedbackEmitter interface {
	Emit(rec domain.FeedbackRecord) error
}

// FeedbackSink delivers one feedback record synchronously.
type FeedbackSink interface {
	Send(ctx context.Context, rec domain.FeedbackRecord) error
}

// Recorder receives processing outcomes for metrics.
type Recorder interface {
	EventProcessed(kind, tier, outcome string)
	MigrationFinished(outcome string, messages int)
	RelayDelivered(outcome string, attempts int)
}

type nopRecorder struct{}

func (nopRecorder) EventProcessed(string, string, string) {}
func (nopRecorder) MigrationFinished(string, int)         {}
func (nopRecorder) RelayDelivered(string, int)            {}
