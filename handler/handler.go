package handler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/aws/aws-lambda-go/events"

	convevents "conversation-store/internal/events"
	"conversation-store/internal/queue"
)

const defaultFlushTimeout = 5 * time.Second

// Dispatcher applies the delivery policy to one batch.
type Dispatcher interface {
	Dispatch(ctx context.Context, msgs []queue.Message) []queue.Result
}

// Flusher waits for asynchronous side effects queued during a batch.
type Flusher interface {
	Flush(ctx context.Context) error
}

type Handler struct {
	dispatcher   Dispatcher
	flusher      Flusher
	logger       *slog.Logger
	flushTimeout time.Duration
}

// NewHandler creates the SQS batch handler. flusher may be nil.
func NewHandler(d Dispatcher, flusher Flusher, logger *slog.Logger) (*Handler, error) {
	if d == nil {
		return nil, errors.New("handler: dispatcher must not be nil")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Handler{
		dispatcher:   d,
		flusher:      flusher,
		logger:       logger.With("component", "lambda"),
		flushTimeout: defaultFlushTimeout,
	}, nil
}

// Handle processes one SQS batch and reports the records to redeliver.
func (h *Handler) Handle(ctx context.Context, ev events.SQSEvent) (events.SQSEventResponse, error) {
	msgs := make([]queue.Message, 0, len(ev.Records))
	for _, rec := range ev.Records {
		msgs = append(msgs, fromRecord(rec))
	}

	results := h.dispatcher.Dispatch(ctx, msgs)

	resp := events.SQSEventResponse{BatchItemFailures: []events.SQSBatchItemFailure{}}
	for _, r := range results {
		if r.Outcome.Remove() {
			continue
		}
		resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{ItemIdentifier: r.Message.ID})
	}

	h.flush(ctx)
	h.logger.Info("batch handled", "records", len(msgs), "failures", len(resp.BatchItemFailures))
	return resp, nil
}

func (h *Handler) flush(ctx context.Context) {
	if h.flusher == nil {
		return
	}
	timeout := h.flushTimeout
	if deadline, ok := ctx.Deadline(); ok {
		// Flush ends before the invocation deadline.
		if remaining := time.Until(deadline) - 500*time.Millisecond; remaining < timeout {
			timeout = max(remaining, 0)
		}
	}
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := h.flusher.Flush(fctx); err != nil {
		h.logger.Warn("feedback relay not drained before return", "error", err)
	}
}

func fromRecord(rec events.SQSMessage) queue.Message {
	msg := queue.Message{
		ID:      rec.MessageId,
		Receipt: rec.ReceiptHandle,
		GroupID: rec.Attributes[queue.AttrGroupID],
		Body:    []byte(rec.Body),
		Meta: convevents.Meta{
			SentAt: queue.ParseSentTimestamp(rec.Attributes[queue.AttrSentTimestamp]),
		},
	}
	if attr, ok := rec.MessageAttributes[queue.AttrEventType]; ok && attr.StringValue != nil {
		msg.Meta.EventType = *attr.StringValue
	}
	return msg
}
