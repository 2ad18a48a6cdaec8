package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"conversation-store/internal/domain"
)

// ---------------------------------------------------------------------------
// memGateway
// ---------------------------------------------------------------------------

type feedbackUpdate struct {
	ID    string
	Kind  domain.FeedbackKind
	Value string
}

type memConversation struct {
	resolution domain.Resolution
	meta       domain.ConversationMetadata
	csat       string
	nps        string
}

type memGateway struct {
	mu            sync.Mutex
	convs         map[string]*memConversation
	ensureErr     error
	resolutionErr error
	updateErr     error
	metadataErr   error
	windowErr     error
	updates       []feedbackUpdate
	ensured       []domain.ConversationRef
}

func newMemGateway() *memGateway {
	return &memGateway{convs: map[string]*memConversation{}}
}

func (g *memGateway) seed(id string, r domain.Resolution) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.convs[id] = &memConversation{resolution: r, meta: domain.ConversationMetadata{ProjectUUID: "project-1", ContactURN: "whatsapp:55"}}
}

func (g *memGateway) setResolution(id string, r domain.Resolution) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.convs[id].resolution = r
}

func (g *memGateway) Ensure(_ context.Context, ref domain.ConversationRef) (domain.ConversationRef, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ensured = append(g.ensured, ref)
	if g.ensureErr != nil {
		return domain.ConversationRef{}, g.ensureErr
	}
	if _, ok := g.convs[ref.ID]; !ok {
		if ref.ChannelUUID == "" {
			return domain.ConversationRef{}, fmt.Errorf("memGateway: %w", domain.ErrConversationUnresolvable)
		}
		g.convs[ref.ID] = &memConversation{
			resolution: domain.ResolutionInProgress,
			meta:       domain.ConversationMetadata{ProjectUUID: ref.ProjectUUID, ContactURN: ref.ContactURN, AgentUUID: ref.AgentUUID},
		}
	}
	return ref, nil
}

func (g *memGateway) GetResolution(_ context.Context, id string) (domain.Resolution, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.resolutionErr != nil {
		return domain.ResolutionUnknown, g.resolutionErr
	}
	c, ok := g.convs[id]
	if !ok {
		return domain.ResolutionUnknown, nil
	}
	return c.resolution, nil
}

func (g *memGateway) UpdateFeedbackFields(_ context.Context, id string, kind domain.FeedbackKind, value string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.updates = append(g.updates, feedbackUpdate{ID: id, Kind: kind, Value: value})
	if g.updateErr != nil {
		return g.updateErr
	}
	c, ok := g.convs[id]
	if !ok {
		return domain.ErrConversationNotFound
	}
	if kind == domain.FeedbackNPS {
		c.nps = value
	} else {
		c.csat = value
	}
	return nil
}

func (g *memGateway) GetMetadata(_ context.Context, id string) (domain.ConversationMetadata, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.metadataErr != nil {
		return domain.ConversationMetadata{}, g.metadataErr
	}
	c, ok := g.convs[id]
	if !ok {
		return domain.ConversationMetadata{}, domain.ErrConversationNotFound
	}
	return c.meta, nil
}

func (g *memGateway) ApplyWindow(_ context.Context, id string, w domain.WindowUpdate) (domain.Transition, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.windowErr != nil {
		return domain.Transition{}, g.windowErr
	}
	c, ok := g.convs[id]
	if !ok {
		return domain.Transition{}, domain.ErrConversationNotFound
	}
	tr := domain.Transition{Previous: c.resolution, Current: c.resolution}
	switch {
	case w.HasChatsRoom:
		tr.Current = domain.ResolutionHasChatRoom
	case w.Resolution != nil:
		tr.Current = *w.Resolution
	}
	c.resolution = tr.Current
	if w.StartDate != nil {
		c.meta.StartDate = w.StartDate
	}
	if w.EndDate != nil {
		c.meta.EndDate = w.EndDate
	}
	return tr, nil
}

// ---------------------------------------------------------------------------
// memHot
// ---------------------------------------------------------------------------

type memHot struct {
	mu        sync.Mutex
	recs      map[string][]domain.HotMessageRecord
	appendErr error
	listErr   error
	evictErr  error
	appends   int
	evictions int
	ttls      []time.Duration
}

func newMemHot() *memHot {
	return &memHot{recs: map[string][]domain.HotMessageRecord{}}
}

func (h *memHot) Append(_ context.Context, rec domain.HotMessageRecord, ttl time.Duration) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.appends++
	h.ttls = append(h.ttls, ttl)
	if h.appendErr != nil {
		return false, h.appendErr
	}
	for _, existing := range h.recs[rec.ConversationID] {
		if existing.MessageID == rec.MessageID {
			return true, nil
		}
	}
	h.recs[rec.ConversationID] = append(h.recs[rec.ConversationID], rec)
	return false, nil
}

func (h *memHot) ListAll(_ context.Context, id string) ([]domain.HotMessageRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listErr != nil {
		return nil, h.listErr
	}
	return append([]domain.HotMessageRecord(nil), h.recs[id]...), nil
}

func (h *memHot) EvictRecords(_ context.Context, id string, recs []domain.HotMessageRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.evictions++
	if h.evictErr != nil {
		return h.evictErr
	}
	drop := make(map[string]struct{}, len(recs))
	for _, r := range recs {
		drop[r.MessageID] = struct{}{}
	}
	kept := h.recs[id][:0]
	for _, r := range h.recs[id] {
		if _, ok := drop[r.MessageID]; !ok {
			kept = append(kept, r)
		}
	}
	if len(kept) == 0 {
		delete(h.recs, id)
		return nil
	}
	h.recs[id] = kept
	return nil
}

func (h *memHot) count(id string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.recs[id])
}

// ---------------------------------------------------------------------------
// memCold
// ---------------------------------------------------------------------------

type memCold struct {
	mu        sync.Mutex
	archives  map[string]domain.ColdMessageArchive
	upsertErr error
	getErr    error
	upserts   int
}

func newMemCold() *memCold {
	return &memCold{archives: map[string]domain.ColdMessageArchive{}}
}

func (c *memCold) Upsert(_ context.Context, id string, messages []domain.ArchivedMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.upserts++
	if c.upsertErr != nil {
		return c.upsertErr
	}
	c.archives[id] = domain.ColdMessageArchive{
		ConversationID: id,
		Messages:       append([]domain.ArchivedMessage(nil), messages...),
	}
	return nil
}

func (c *memCold) Get(_ context.Context, id string) (domain.ColdMessageArchive, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return domain.ColdMessageArchive{}, c.getErr
	}
	a, ok := c.archives[id]
	if !ok {
		return domain.ColdMessageArchive{}, domain.ErrArchiveNotFound
	}
	return a, nil
}

func (c *memCold) messages(id string) []domain.ArchivedMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.archives[id].Messages
}

// ---------------------------------------------------------------------------
// Feedback fakes
// ---------------------------------------------------------------------------

type fakeEmitter struct {
	mu   sync.Mutex
	recs []domain.FeedbackRecord
	err  error
}

func (e *fakeEmitter) Emit(rec domain.FeedbackRecord) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.recs = append(e.recs, rec)
	return nil
}

func (e *fakeEmitter) emitted() []domain.FeedbackRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]domain.FeedbackRecord(nil), e.recs...)
}

// fakeSink returns errs in order, then nil. When block is set each Send
// signals started and waits for block to close or ctx to end.
type fakeSink struct {
	mu      sync.Mutex
	errs    []error
	calls   int
	sent    []domain.FeedbackRecord
	block   chan struct{}
	started chan struct{}
}

func (s *fakeSink) Send(ctx context.Context, rec domain.FeedbackRecord) error {
	if s.block != nil {
		if s.started != nil {
			s.started <- struct{}{}
		}
		select {
		case <-s.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return err
		}
	}
	s.sent = append(s.sent, rec)
	return nil
}

func (s *fakeSink) snapshot() (int, []domain.FeedbackRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls, append([]domain.FeedbackRecord(nil), s.sent...)
}

type retryableErr struct{ retry bool }

func (e retryableErr) Error() string   { return fmt.Sprintf("sink failure (retryable=%t)", e.retry) }
func (e retryableErr) Retryable() bool { return e.retry }

// ---------------------------------------------------------------------------
// fakeRecorder
// ---------------------------------------------------------------------------

type fakeRecorder struct {
	mu         sync.Mutex
	processed  []string
	migrations []string
	relayed    []string
}

func (r *fakeRecorder) EventProcessed(kind, tier, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processed = append(r.processed, kind+"/"+tier+"/"+outcome)
}

func (r *fakeRecorder) MigrationFinished(outcome string, messages int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.migrations = append(r.migrations, fmt.Sprintf("%s/%d", outcome, messages))
}

func (r *fakeRecorder) RelayDelivered(outcome string, attempts int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.relayed = append(r.relayed, fmt.Sprintf("%s/%d", outcome, attempts))
}

func (r *fakeRecorder) relays() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.relayed...)
}

var errBoom = errors.New("boom")
