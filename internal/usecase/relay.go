package usecase

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"conversation-store/internal/domain"
)

var (
	ErrRelayFull   = errors.New("usecase: feedback relay buffer full")
	ErrRelayClosed = errors.New("usecase: feedback relay closed")
)

// RelayConfig bounds the relay's buffer, concurrency and retry policy.
type RelayConfig struct {
	Buffer          int
	Workers         int
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	AttemptTimeout  time.Duration
}

func (c RelayConfig) withDefaults() RelayConfig {
	if c.Buffer <= 0 {
		c.Buffer = 256
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = 200 * time.Millisecond
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 5 * time.Second
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 10 * time.Second
	}
	return c
}

type retryable interface {
	Retryable() bool
}

// Relay delivers feedback records to a sink off the processing path. Emit
// never blocks; each record is retried with exponential backoff until it is
// delivered, rejected as permanent, or out of attempts.
type Relay struct {
	sink       FeedbackSink
	cfg        RelayConfig
	logger     *slog.Logger
	recorder   Recorder
	newBackOff func() backoff.BackOff

	queue   chan domain.FeedbackRecord
	ctx     context.Context
	cancel  context.CancelFunc
	workers sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	pending int
	idle    chan struct{}
}

// NewRelay starts cfg.Workers delivery goroutines. Call Close to stop them.
func NewRelay(sink FeedbackSink, cfg RelayConfig, logger *slog.Logger, recorder Recorder) (*Relay, error) {
	if sink == nil {
		return nil, errors.New("usecase: feedback sink must not be nil")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	idle := make(chan struct{})
	close(idle)
	r := &Relay{
		sink:     sink,
		cfg:      cfg,
		logger:   logger.With("component", "feedback_relay"),
		recorder: recorder,
		queue:    make(chan domain.FeedbackRecord, cfg.Buffer),
		ctx:      ctx,
		cancel:   cancel,
		idle:     idle,
	}
	r.newBackOff = func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = r.cfg.InitialInterval
		b.MaxInterval = r.cfg.MaxInterval
		b.MaxElapsedTime = 0
		return b
	}
	for range cfg.Workers {
		r.workers.Add(1)
		go r.work()
	}
	return r, nil
}

// Emit queues rec for delivery.
func (r *Relay) Emit(rec domain.FeedbackRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRelayClosed
	}
	select {
	case r.queue <- rec:
		if r.pending == 0 {
			r.idle = make(chan struct{})
		}
		r.pending++
		return nil
	default:
		r.recorder.RelayDelivered("dropped", 0)
		return ErrRelayFull
	}
}

// Flush waits until every queued record has been delivered or given up on.
func (r *Relay) Flush(ctx context.Context) error {
	r.mu.Lock()
	if r.pending == 0 {
		r.mu.Unlock()
		return nil
	}
	idle := r.idle
	r.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting records, drains the queue and waits for the workers.
// When ctx expires first, in-flight deliveries are cancelled.
func (r *Relay) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		<-done
		return ctx.Err()
	}
}

func (r *Relay) work() {
	defer r.workers.Done()
	for rec := range r.queue {
		r.deliver(rec)
		r.done()
	}
}

func (r *Relay) done() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending--
	if r.pending == 0 {
		close(r.idle)
	}
}

func (r *Relay) deliver(rec domain.FeedbackRecord) {
	log := r.logger.With("conversation_id", rec.ConversationID, "feedback_kind", string(rec.Kind))
	attempts := 0
	op := func() error {
		attempts++
		ctx, cancel := context.WithTimeout(r.ctx, r.cfg.AttemptTimeout)
		defer cancel()
		err := r.sink.Send(ctx, rec)
		if err == nil {
			return nil
		}
		var re retryable
		if errors.As(err, &re) && !re.Retryable() {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		log.Warn("feedback delivery failed, retrying", "attempt", attempts, "retry_in", wait, "error", err)
	}

	b := backoff.WithContext(backoff.WithMaxRetries(r.newBackOff(), uint64(r.cfg.MaxRetries)), r.ctx)
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		r.recorder.RelayDelivered("failed", attempts)
		log.Error("feedback delivery abandoned",
			"code", ErrorFeedbackRelay,
			"attempts", attempts,
			"error", err,
		)
		return
	}
	r.recorder.RelayDelivered("delivered", attempts)
	log.Info("feedback delivered", "attempts", attempts)
}
