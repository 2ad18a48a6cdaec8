// Package queue feeds queue deliveries to the message processor. It keeps
// per-group FIFO order, runs distinct groups in parallel and decides which
// deliveries are acknowledged, dead-lettered or left for redelivery.
package queue

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"conversation-store/internal/events"
	"conversation-store/internal/usecase"
)

const DefaultConcurrency = 10

var ErrGroupBlocked = errors.New("queue: an earlier message of the group failed")

// Message is one delivery, independent of the transport that produced it.
type Message struct {
	ID      string
	Receipt string
	GroupID string
	Body    []byte
	Meta    events.Meta
}

// Outcome is the fate of a delivery after dispatch.
type Outcome int

const (
	// OutcomeRetry leaves the delivery on the queue for redelivery.
	OutcomeRetry Outcome = iota
	OutcomeAcked
	OutcomeDeadLettered
	// OutcomeDropped is a poison delivery removed without a dead-letter copy.
	OutcomeDropped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAcked:
		return "acked"
	case OutcomeDeadLettered:
		return "dead_lettered"
	case OutcomeDropped:
		return "dropped"
	default:
		return "retry"
	}
}

// Remove reports whether the delivery should be deleted from the queue.
func (o Outcome) Remove() bool {
	return o != OutcomeRetry
}

type Result struct {
	Message Message
	Outcome Outcome
	Err     error
}

// Processor handles one raw delivery.
type Processor interface {
	Handle(ctx context.Context, raw []byte, meta events.Meta) (usecase.ProcessResult, error)
}

// DeadLetterer keeps a copy of a rejected delivery.
type DeadLetterer interface {
	Forward(ctx context.Context, msg Message, cause error) error
}

// Observer receives dispatch outcomes for metrics.
type Observer interface {
	MessageHandled(outcome string)
}

type nopObserver struct{}

func (nopObserver) MessageHandled(string) {}

// Dispatcher applies the delivery policy shared by the Lambda and poller entries.
type Dispatcher struct {
	proc        Processor
	dlq         DeadLetterer
	concurrency int
	logger      *slog.Logger
	observer    Observer
}

type DispatcherOption func(*Dispatcher)

// WithDeadLetter forwards rejected deliveries to dlq before acknowledging them.
func WithDeadLetter(dlq DeadLetterer) DispatcherOption {
	return func(d *Dispatcher) { d.dlq = dlq }
}

func WithConcurrency(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.concurrency = n
		}
	}
}

func WithLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

func WithObserver(o Observer) DispatcherOption {
	return func(d *Dispatcher) {
		if o != nil {
			d.observer = o
		}
	}
}

func NewDispatcher(proc Processor, opts ...DispatcherOption) (*Dispatcher, error) {
	if proc == nil {
		return nil, errors.New("queue: processor must not be nil")
	}
	d := &Dispatcher{
		proc:        proc,
		concurrency: DefaultConcurrency,
		logger:      slog.New(slog.DiscardHandler),
		observer:    nopObserver{},
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "dispatcher")
	return d, nil
}

// Dispatch handles msgs and returns one Result per message in input order.
// Messages sharing a group run serially in input order. Once a message of a
// group is left for redelivery, the rest of that group is too.
func (d *Dispatcher) Dispatch(ctx context.Context, msgs []Message) []Result {
	results := make([]Result, len(msgs))
	var order []string
	groups := map[string][]int{}
	for i, m := range msgs {
		key := m.GroupID
		if key == "" {
			key = "msg:" + m.ID
		}
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], i)
	}

	var g errgroup.Group
	g.SetLimit(d.concurrency)
	for _, key := range order {
		idxs := groups[key]
		g.Go(func() error {
			blocked := false
			for _, i := range idxs {
				if blocked || ctx.Err() != nil {
					results[i] = Result{Message: msgs[i], Outcome: OutcomeRetry, Err: ErrGroupBlocked}
					if ctx.Err() != nil {
						results[i].Err = ctx.Err()
					}
					continue
				}
				results[i] = d.handle(ctx, msgs[i])
				blocked = results[i].Outcome == OutcomeRetry
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		d.observer.MessageHandled(r.Outcome.String())
	}
	return results
}

func (d *Dispatcher) handle(ctx context.Context, msg Message) Result {
	res := Result{Message: msg}
	_, err := d.proc.Handle(ctx, msg.Body, msg.Meta)
	if err == nil {
		res.Outcome = OutcomeAcked
		return res
	}
	res.Err = err
	log := d.logger.With("message_id", msg.ID, "group_id", msg.GroupID, "code", usecase.CodeOf(err))

	if usecase.Retryable(err) {
		res.Outcome = OutcomeRetry
		return res
	}

	if d.dlq != nil {
		if ferr := d.dlq.Forward(ctx, msg, err); ferr != nil {
			log.Error("dead-letter forward failed, leaving message for redelivery", "error", ferr)
			res.Outcome = OutcomeRetry
			res.Err = errors.Join(err, ferr)
			return res
		}
		log.Warn("message dead-lettered", "error", err)
		res.Outcome = OutcomeDeadLettered
		return res
	}

	if poison(err) {
		log.Error("poison message dropped", "error", err)
		res.Outcome = OutcomeDropped
		return res
	}
	// Without a dead-letter queue the redrive policy decides.
	res.Outcome = OutcomeRetry
	return res
}

func poison(err error) bool {
	switch usecase.CodeOf(err) {
	case usecase.ErrorValidation, usecase.ErrorUnrecognizedEventType:
		return true
	default:
		return false
	}
}
