package usecase

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"conversation-store/internal/domain"
	"conversation-store/internal/events"
)

const DefaultTTL = 48 * time.Hour

// Tier names the store that absorbed an event.
type Tier string

const (
	TierHot  Tier = "hot"
	TierNone Tier = "none"
)

type ProcessorConfig struct {
	TTL           time.Duration
	AgentUUIDCSAT string
	AgentUUIDNPS  string
}

// ProcessResult describes what Process did with one event.
type ProcessResult struct {
	ConversationID string
	CorrelationID  string
	EventKind      domain.EventKind
	Tier           Tier
	Duplicate      bool
	FeedbackFired  bool
	Migrated       bool
	// Anomaly is set for events that were accepted but not stored, such as a
	// message arriving after closure. It is never returned as an error.
	Anomaly *Error
	// FeedbackErr reports a failed feedback side effect. The message write
	// has already succeeded when it is set.
	FeedbackErr error
	Transition  *domain.Transition
	Migration   *MigrationResult
}

// MessageProcessor routes conversation events to the hot tier, the feedback
// side channel and the migration coordinator.
type MessageProcessor struct {
	gateway  ConversationGateway
	hot      HotStore
	migrator *MigrationCoordinator
	relay    FeedbackEmitter
	cfg      ProcessorConfig
	logger   *slog.Logger
	recorder Recorder
}

// NewMessageProcessor creates a MessageProcessor. relay may be nil, in which
// case feedback fields are still updated but nothing is emitted.
func NewMessageProcessor(gw ConversationGateway, hot HotStore, migrator *MigrationCoordinator, relay FeedbackEmitter, cfg ProcessorConfig, logger *slog.Logger, recorder Recorder) (*MessageProcessor, error) {
	if gw == nil {
		return nil, errors.New("usecase: conversation gateway must not be nil")
	}
	if hot == nil {
		return nil, errors.New("usecase: hot store must not be nil")
	}
	if migrator == nil {
		return nil, errors.New("usecase: migration coordinator must not be nil")
	}
	if cfg.TTL < 0 {
		return nil, errors.New("usecase: ttl must not be negative")
	}
	if cfg.TTL == 0 {
		cfg.TTL = DefaultTTL
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &MessageProcessor{
		gateway:  gw,
		hot:      hot,
		migrator: migrator,
		relay:    relay,
		cfg:      cfg,
		logger:   logger.With("component", "processor"),
		recorder: recorder,
	}, nil
}

// Handle parses one raw delivery and processes it.
func (p *MessageProcessor) Handle(ctx context.Context, raw []byte, meta events.Meta) (ProcessResult, error) {
	ev, err := events.Parse(raw, meta)
	if err != nil {
		code, reason := ErrorValidation, "invalid_event"
		if errors.Is(err, events.ErrUnrecognizedType) {
			code, reason = ErrorUnrecognizedEventType, "unrecognized_event_type"
		}
		p.recorder.EventProcessed("unknown", string(TierNone), "rejected")
		p.logger.Warn("event rejected", "code", code, "event_type", meta.EventType, "error", err)
		return ProcessResult{Tier: TierNone}, newError(code, reason, err)
	}
	return p.Process(ctx, ev)
}

// Process applies one parsed event. Events of one conversation must be
// processed serially.
func (p *MessageProcessor) Process(ctx context.Context, ev domain.ConversationEvent) (ProcessResult, error) {
	if ev.CorrelationID == "" {
		ev.CorrelationID = uuid.NewString()
	}
	res := ProcessResult{
		ConversationID: ev.ConversationID,
		CorrelationID:  ev.CorrelationID,
		EventKind:      ev.Kind,
		Tier:           TierNone,
	}
	log := p.logger.With(
		"conversation_id", ev.ConversationID,
		"correlation_id", ev.CorrelationID,
		"event_type", string(ev.Kind),
	)

	var err error
	if ev.ConversationID == "" {
		err = newError(ErrorValidation, "missing_conversation_id", events.ErrMissingConversationID)
	} else if _, ensureErr := p.gateway.Ensure(ctx, ev.Ref()); ensureErr != nil {
		if errors.Is(ensureErr, domain.ErrConversationUnresolvable) {
			err = newError(ErrorConversationUnresolvable, "conversation_unresolvable", ensureErr)
		} else {
			err = newError(ErrorStore, "gateway_ensure_error", ensureErr)
		}
	} else if ev.Kind == domain.KindWindow {
		err = p.processWindow(ctx, ev, &res, log)
	} else {
		err = p.processMessage(ctx, ev, &res, log)
	}

	p.observe(res, err, log)
	return res, err
}

func (p *MessageProcessor) processWindow(ctx context.Context, ev domain.ConversationEvent, res *ProcessResult, log *slog.Logger) error {
	if ev.Window == nil {
		return newError(ErrorValidation, "missing_window", nil)
	}
	tr, err := p.gateway.ApplyWindow(ctx, ev.ConversationID, *ev.Window)
	if err != nil {
		return newError(ErrorStore, "gateway_window_error", err)
	}
	res.Transition = &tr
	log.Debug("window applied", "previous", tr.Previous.String(), "current", tr.Current.String())

	// A redelivered window event must retry a migration that failed before,
	// so the check is on the current resolution rather than the transition.
	if !tr.Current.Closed() {
		return nil
	}
	return p.migrate(ctx, ev.ConversationID, res)
}

func (p *MessageProcessor) processMessage(ctx context.Context, ev domain.ConversationEvent, res *ProcessResult, log *slog.Logger) error {
	resolution, err := p.gateway.GetResolution(ctx, ev.ConversationID)
	if err != nil {
		return newError(ErrorStore, "gateway_resolution_error", err)
	}

	if resolution.Closed() {
		res.Anomaly = newError(ErrorLateEventAfterClosure, "late_event_after_closure", nil)
		log.Warn("event after closure not stored",
			"code", ErrorLateEventAfterClosure,
			"resolution", resolution.String(),
			"message_id", domain.MessageID(ev),
			"key", ev.Key,
		)
		if err := p.migrate(ctx, ev.ConversationID, res); err != nil {
			return err
		}
		// Feedback applies to closed conversations too; only the hot write is skipped.
		if ev.IsFeedback() {
			p.handleFeedback(ctx, ev, res, log)
		}
		return nil
	}

	dup, err := p.hot.Append(ctx, domain.NewHotMessageRecord(ev), p.cfg.TTL)
	if err != nil {
		return newError(ErrorStore, "hot_append_error", err)
	}
	res.Tier = TierHot
	res.Duplicate = dup

	if !ev.IsFeedback() {
		return nil
	}
	if dup {
		log.Info("duplicate feedback event, relay skipped", "feedback_kind", string(ev.Feedback))
		return nil
	}
	p.handleFeedback(ctx, ev, res, log)
	return nil
}

func (p *MessageProcessor) migrate(ctx context.Context, conversationID string, res *ProcessResult) error {
	mr, err := p.migrator.Migrate(ctx, conversationID)
	res.Migration = &mr
	if err != nil {
		return err
	}
	res.Migrated = !mr.NoOp
	return nil
}

// handleFeedback updates the conversation fields and emits the analytics
// record. Failures are reported in res and never fail the event.
func (p *MessageProcessor) handleFeedback(ctx context.Context, ev domain.ConversationEvent, res *ProcessResult, log *slog.Logger) {
	log = log.With("feedback_kind", string(ev.Feedback))
	if ev.FeedbackValue == "" {
		log.Warn("feedback event has no value")
		return
	}

	if err := p.gateway.UpdateFeedbackFields(ctx, ev.ConversationID, ev.Feedback, ev.FeedbackValue); err != nil {
		res.FeedbackErr = newError(ErrorFeedbackRelay, "feedback_fields_error", err)
		log.Error("feedback fields update failed", "code", ErrorFeedbackRelay, "error", err)
	}

	if p.relay == nil {
		log.Debug("feedback relay disabled")
		return
	}

	meta, err := p.gateway.GetMetadata(ctx, ev.ConversationID)
	if err != nil {
		log.Warn("conversation metadata unavailable, using event context", "error", err)
	}
	rec := domain.FeedbackRecord{
		ConversationID: ev.ConversationID,
		Kind:           ev.Feedback,
		Value:          ev.FeedbackValue,
		AgentID:        p.agentFor(ev, meta),
		ProjectUUID:    firstNonEmpty(meta.ProjectUUID, ev.ProjectUUID),
		ContactURN:     firstNonEmpty(meta.ContactURN, ev.ContactURN),
		StartDate:      meta.StartDate,
		EndDate:        meta.EndDate,
	}
	if err := p.relay.Emit(rec); err != nil {
		if res.FeedbackErr == nil {
			res.FeedbackErr = newError(ErrorFeedbackRelay, "relay_emit_error", err)
		}
		log.Error("feedback relay rejected record", "code", ErrorFeedbackRelay, "error", err)
		return
	}
	res.FeedbackFired = true
}

func (p *MessageProcessor) agentFor(ev domain.ConversationEvent, meta domain.ConversationMetadata) string {
	configured := p.cfg.AgentUUIDCSAT
	if ev.Feedback == domain.FeedbackNPS {
		configured = p.cfg.AgentUUIDNPS
	}
	return firstNonEmpty(configured, meta.AgentUUID, ev.AgentID)
}

func (p *MessageProcessor) observe(res ProcessResult, err error, log *slog.Logger) {
	outcome := "stored"
	switch {
	case err != nil:
		outcome = "failed"
		if !Retryable(err) {
			outcome = "rejected"
		}
	case res.Anomaly != nil:
		outcome = "late"
	case res.Duplicate:
		outcome = "duplicate"
	case res.EventKind == domain.KindWindow:
		outcome = "window"
	}
	p.recorder.EventProcessed(string(res.EventKind), string(res.Tier), outcome)

	if err != nil {
		level := slog.LevelError
		if !Retryable(err) {
			level = slog.LevelWarn
		}
		log.Log(context.Background(), level, "event processing failed",
			"code", CodeOf(err),
			"retryable", Retryable(err),
			"error", err,
		)
		return
	}
	log.Info("event processed",
		"outcome", outcome,
		"tier", string(res.Tier),
		"feedback_fired", res.FeedbackFired,
		"migrated", res.Migrated,
	)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
