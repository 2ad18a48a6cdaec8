package usecase

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"conversation-store/internal/domain"
)

// MigrationResult describes one Migrate run.
type MigrationResult struct {
	ConversationID string
	// Read is the number of hot records found.
	Read int
	// Archived is the size of the archive written, zero when nothing was written.
	Archived int
	Evicted  bool
	NoOp     bool
}

// MigrationCoordinator moves a closed conversation's messages from the hot
// tier into its cold archive.
type MigrationCoordinator struct {
	hot      HotStore
	cold     ColdStore
	logger   *slog.Logger
	recorder Recorder
}

// NewMigrationCoordinator creates a MigrationCoordinator.
func NewMigrationCoordinator(hot HotStore, cold ColdStore, logger *slog.Logger, recorder Recorder) (*MigrationCoordinator, error) {
	if hot == nil {
		return nil, errors.New("usecase: hot store must not be nil")
	}
	if cold == nil {
		return nil, errors.New("usecase: cold store must not be nil")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &MigrationCoordinator{
		hot:      hot,
		cold:     cold,
		logger:   logger.With("component", "migration"),
		recorder: recorder,
	}, nil
}

// Migrate reads the hot set, merges it into the existing archive, writes the
// archive and then evicts exactly the records it read. An empty hot set is a
// no-op. A failed upsert leaves the hot set intact and is safe to retry; a
// failed eviction is logged and does not fail the run.
func (m *MigrationCoordinator) Migrate(ctx context.Context, conversationID string) (MigrationResult, error) {
	res := MigrationResult{ConversationID: conversationID}
	log := m.logger.With("conversation_id", conversationID)

	recs, err := m.hot.ListAll(ctx, conversationID)
	if err != nil {
		m.recorder.MigrationFinished("failed", 0)
		return res, newError(ErrorStore, "hot_list_error", err)
	}
	res.Read = len(recs)
	if len(recs) == 0 {
		res.NoOp = true
		m.recorder.MigrationFinished("noop", 0)
		log.Debug("nothing to migrate")
		return res, nil
	}

	var existing []domain.ArchivedMessage
	prior, err := m.cold.Get(ctx, conversationID)
	switch {
	case err == nil:
		existing = prior.Messages
	case errors.Is(err, domain.ErrArchiveNotFound):
	default:
		m.recorder.MigrationFinished("failed", 0)
		return res, newError(ErrorMigrationPartialFailure, "cold_read_error", err)
	}

	messages := mergeArchive(existing, recs)
	if err := m.cold.Upsert(ctx, conversationID, messages); err != nil {
		m.recorder.MigrationFinished("failed", 0)
		log.Error("cold upsert failed, hot copy retained", "hot_records", len(recs), "error", err)
		return res, newError(ErrorMigrationPartialFailure, "cold_upsert_error", err)
	}
	res.Archived = len(messages)

	if err := m.hot.EvictRecords(ctx, conversationID, recs); err != nil {
		m.recorder.MigrationFinished("evict_failed", len(messages))
		log.Warn("hot eviction failed after archive write", "hot_records", len(recs), "error", err)
		return res, nil
	}
	res.Evicted = true
	m.recorder.MigrationFinished("migrated", len(messages))
	log.Info("conversation migrated", "hot_records", len(recs), "archived", len(messages))
	return res, nil
}

// mergeArchive returns existing plus every hot record whose id is not yet
// archived, in chronological order. Records with equal ids collapse to the
// first one seen.
func mergeArchive(existing []domain.ArchivedMessage, recs []domain.HotMessageRecord) []domain.ArchivedMessage {
	seen := make(map[string]struct{}, len(existing)+len(recs))
	out := make([]domain.ArchivedMessage, 0, len(existing)+len(recs))
	for _, msg := range existing {
		if _, dup := seen[msg.ID]; dup {
			continue
		}
		seen[msg.ID] = struct{}{}
		out = append(out, msg)
	}
	for _, rec := range recs {
		if _, dup := seen[rec.MessageID]; dup {
			continue
		}
		seen[rec.MessageID] = struct{}{}
		out = append(out, rec.Archive())
	}
	sort.SliceStable(out, func(i, j int) bool {
		return archiveTime(out[i]).Before(archiveTime(out[j]))
	})
	return out
}

func archiveTime(m domain.ArchivedMessage) time.Time {
	t, err := time.Parse(time.RFC3339Nano, m.CreatedAt)
	if err != nil {
		return time.Time{}
	}
	return t
}
