package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"conversation-store/internal/events"
	"conversation-store/internal/usecase"
)

const (
	AttrGroupID       = "MessageGroupId"
	AttrSentTimestamp = "SentTimestamp"
	// AttrEventType is the message attribute that names the event type.
	AttrEventType = "event_type"

	attrErrorCode   = "error_code"
	attrErrorReason = "error_message"

	maxReceive      = 10
	longPollSeconds = 20
	deleteBatchSize = 10
	errorPause      = time.Second
)

// sqsAPI is the minimal SQS interface required by Consumer and DeadLetter.
type sqsAPI interface {
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessageBatch(ctx context.Context, in *sqs.DeleteMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// ParseSentTimestamp converts the SentTimestamp system attribute (epoch
// milliseconds) to a time. It returns the zero time when s is not a number.
func ParseSentTimestamp(s string) time.Time {
	ms, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// ---------------------------------------------------------------------------
// DeadLetter
// ---------------------------------------------------------------------------

// DeadLetter copies rejected deliveries to a dead-letter queue.
type DeadLetter struct {
	api      sqsAPI
	queueURL string
}

func NewDeadLetter(api sqsAPI, queueURL string) (*DeadLetter, error) {
	if api == nil {
		return nil, errors.New("queue: sqs api must not be nil")
	}
	if strings.TrimSpace(queueURL) == "" {
		return nil, errors.New("queue: dead-letter queue url must not be empty")
	}
	return &DeadLetter{api: api, queueURL: queueURL}, nil
}

// Forward sends the original body with the event type and the rejection cause
// as message attributes.
func (d *DeadLetter) Forward(ctx context.Context, msg Message, cause error) error {
	attrs := map[string]types.MessageAttributeValue{}
	if msg.Meta.EventType != "" {
		attrs[AttrEventType] = stringAttr(msg.Meta.EventType)
	}
	if cause != nil {
		attrs[attrErrorReason] = stringAttr(truncate(cause.Error(), 1024))
		if code := usecase.CodeOf(cause); code != "" {
			attrs[attrErrorCode] = stringAttr(string(code))
		}
	}

	in := &sqs.SendMessageInput{
		QueueUrl:          aws.String(d.queueURL),
		MessageBody:       aws.String(string(msg.Body)),
		MessageAttributes: attrs,
	}
	if strings.HasSuffix(d.queueURL, ".fifo") {
		group := msg.GroupID
		if group == "" {
			group = "dead-letter"
		}
		in.MessageGroupId = aws.String(group)
		if msg.ID != "" {
			in.MessageDeduplicationId = aws.String(msg.ID)
		}
	}
	if _, err := d.api.SendMessage(ctx, in); err != nil {
		return fmt.Errorf("queue: Forward: %w", err)
	}
	return nil
}

func stringAttr(v string) types.MessageAttributeValue {
	return types.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(v)}
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// ---------------------------------------------------------------------------
// Consumer
// ---------------------------------------------------------------------------

// PollObserver receives consumer loop failures for metrics.
type PollObserver interface {
	PollFailed(op string)
}

type nopPollObserver struct{}

func (nopPollObserver) PollFailed(string) {}

// Consumer long-polls a queue and feeds batches to a Dispatcher.
type Consumer struct {
	api        sqsAPI
	queueURL   string
	dispatcher *Dispatcher
	logger     *slog.Logger
	observer   PollObserver
	pause      time.Duration
	waitTime   int32
}

func NewConsumer(api sqsAPI, queueURL string, dispatcher *Dispatcher, logger *slog.Logger, observer PollObserver) (*Consumer, error) {
	if api == nil {
		return nil, errors.New("queue: sqs api must not be nil")
	}
	if strings.TrimSpace(queueURL) == "" {
		return nil, errors.New("queue: queue url must not be empty")
	}
	if dispatcher == nil {
		return nil, errors.New("queue: dispatcher must not be nil")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if observer == nil {
		observer = nopPollObserver{}
	}
	return &Consumer{
		api:        api,
		queueURL:   queueURL,
		dispatcher: dispatcher,
		logger:     logger.With("component", "consumer", "queue_url", queueURL),
		observer:   observer,
		pause:      errorPause,
		waitTime:   longPollSeconds,
	}, nil
}

// Run polls until ctx is cancelled. Loop errors are logged and followed by a
// short pause.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("consumer started")
	for {
		if ctx.Err() != nil {
			c.logger.Info("consumer stopped")
			return nil
		}
		if _, err := c.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				c.logger.Info("consumer stopped")
				return nil
			}
			c.logger.Error("consumer loop error", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(c.pause):
			}
		}
	}
}

// Poll receives one batch, dispatches it and deletes every message whose
// outcome allows removal. It returns the dispatch results.
func (c *Consumer) Poll(ctx context.Context) ([]Result, error) {
	out, err := c.api.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:                    aws.String(c.queueURL),
		MaxNumberOfMessages:         maxReceive,
		WaitTimeSeconds:             c.waitTime,
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{types.MessageSystemAttributeNameAll},
		MessageAttributeNames:       []string{"All"},
	})
	if err != nil {
		c.observer.PollFailed("receive")
		return nil, fmt.Errorf("queue: ReceiveMessage: %w", err)
	}
	if len(out.Messages) == 0 {
		return nil, nil
	}

	msgs := make([]Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		msgs = append(msgs, fromSQS(m))
	}
	results := c.dispatcher.Dispatch(ctx, msgs)

	var remove []Message
	failed := 0
	for _, r := range results {
		if r.Outcome.Remove() {
			remove = append(remove, r.Message)
			continue
		}
		failed++
	}
	c.logger.Info("batch processed", "received", len(msgs), "removed", len(remove), "failed", failed)

	// Deletes must outlive cancellation of ctx.
	delCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := c.delete(delCtx, remove); err != nil {
		c.observer.PollFailed("delete")
		return results, err
	}
	return results, nil
}

func (c *Consumer) delete(ctx context.Context, msgs []Message) error {
	var errs []error
	for start := 0; start < len(msgs); start += deleteBatchSize {
		chunk := msgs[start:min(start+deleteBatchSize, len(msgs))]
		entries := make([]types.DeleteMessageBatchRequestEntry, 0, len(chunk))
		byEntry := make(map[string]Message, len(chunk))
		for i, m := range chunk {
			id := strconv.Itoa(i)
			entries = append(entries, types.DeleteMessageBatchRequestEntry{
				Id:            aws.String(id),
				ReceiptHandle: aws.String(m.Receipt),
			})
			byEntry[id] = m
		}

		out, err := c.api.DeleteMessageBatch(ctx, &sqs.DeleteMessageBatchInput{
			QueueUrl: aws.String(c.queueURL),
			Entries:  entries,
		})
		var retry []Message
		if err != nil {
			c.logger.Warn("batch delete failed, deleting one by one", "error", err)
			retry = chunk
		} else {
			for _, f := range out.Failed {
				if m, ok := byEntry[aws.ToString(f.Id)]; ok {
					retry = append(retry, m)
				}
			}
		}
		for _, m := range retry {
			if _, err := c.api.DeleteMessage(ctx, &sqs.DeleteMessageInput{
				QueueUrl:      aws.String(c.queueURL),
				ReceiptHandle: aws.String(m.Receipt),
			}); err != nil {
				errs = append(errs, fmt.Errorf("queue: DeleteMessage %s: %w", m.ID, err))
			}
		}
	}
	return errors.Join(errs...)
}

func fromSQS(m types.Message) Message {
	msg := Message{
		ID:      aws.ToString(m.MessageId),
		Receipt: aws.ToString(m.ReceiptHandle),
		GroupID: m.Attributes[AttrGroupID],
		Body:    []byte(aws.ToString(m.Body)),
		Meta: events.Meta{
			SentAt: ParseSentTimestamp(m.Attributes[AttrSentTimestamp]),
		},
	}
	if v, ok := m.MessageAttributes[AttrEventType]; ok {
		msg.Meta.EventType = aws.ToString(v.StringValue)
	}
	return msg
}
