package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"conversation-store/internal/domain"
	"conversation-store/internal/usecase"
)

type Migrator interface {
	Migrate(ctx context.Context, conversationID string) (usecase.MigrationResult, error)
}

type ArchiveReader interface {
	Get(ctx context.Context, conversationID string) (domain.ColdMessageArchive, error)
}

type ConversationLister interface {
	ListConversations(ctx context.Context, f domain.ConversationFilter) ([]domain.ConversationSummary, error)
}

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependencies exposes core dependencies to handlers that need them. Nil
// members disable the routes that use them.
type Dependencies struct {
	Migrator Migrator
	Archives ArchiveReader
	Lister   ConversationLister
	Health   Pinger
	Gatherer prometheus.Gatherer
}

// Server wraps an http.Server with predefined routes.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	deps       Dependencies
	router     chi.Router
}

// New creates a server listening on addr with health, metrics and admin routes.
func New(addr string, logger *slog.Logger, deps Dependencies) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Server{
		logger: logger.With("component", "http"),
		deps:   deps,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Get("/healthz", s.handleHealth)
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Get("/projects/{projectUUID}/conversations", s.handleListConversations)

	r.Route("/admin/conversations/{conversationID}", func(r chi.Router) {
		r.Post("/migrate", s.handleMigrate)
		r.Get("/archive", s.handleArchive)
	})

	s.router = r
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins listening for incoming HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("httpserver: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Health.Ping(ctx); err != nil {
			s.logger.Warn("health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type migrateResponse struct {
	ConversationID string `json:"conversation_id"`
	Read           int    `json:"read"`
	Archived       int    `json:"archived"`
	Evicted        bool   `json:"evicted"`
	NoOp           bool   `json:"noop"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleMigrate(w http.ResponseWriter, r *http.Request) {
	if s.deps.Migrator == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "migration unavailable"})
		return
	}
	id := strings.TrimSpace(chi.URLParam(r, "conversationID"))
	log := s.logger.With("conversation_id", id)

	res, err := s.deps.Migrator.Migrate(r.Context(), id)
	if err != nil {
		log.Error("manual migration failed", "error", err)
		resp := errorResponse{Error: string(usecase.CodeOf(err))}
		var ue *usecase.Error
		if errors.As(err, &ue) {
			resp.Reason = ue.Reason
		}
		if resp.Error == "" {
			resp.Error = "internal error"
		}
		writeJSON(w, http.StatusBadGateway, resp)
		return
	}
	log.Info("manual migration finished", "archived", res.Archived, "noop", res.NoOp)
	writeJSON(w, http.StatusOK, migrateResponse{
		ConversationID: res.ConversationID,
		Read:           res.Read,
		Archived:       res.Archived,
		Evicted:        res.Evicted,
		NoOp:           res.NoOp,
	})
}

type archiveResponse struct {
	ConversationID string                   `json:"conversation_id"`
	Messages       []domain.ArchivedMessage `json:"messages"`
	CreatedAt      time.Time                `json:"created_at"`
	UpdatedAt      time.Time                `json:"updated_at"`
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	if s.deps.Archives == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "archive unavailable"})
		return
	}
	id := strings.TrimSpace(chi.URLParam(r, "conversationID"))

	a, err := s.deps.Archives.Get(r.Context(), id)
	if errors.Is(err, domain.ErrArchiveNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "archive not found"})
		return
	}
	if err != nil {
		s.logger.Error("archive read failed", "conversation_id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}
	msgs := a.Messages
	if msgs == nil {
		msgs = []domain.ArchivedMessage{}
	}
	writeJSON(w, http.StatusOK, archiveResponse{
		ConversationID: a.ConversationID,
		Messages:       msgs,
		CreatedAt:      a.CreatedAt,
		UpdatedAt:      a.UpdatedAt,
	})
}

type conversationResponse struct {
	UUID         string                    `json:"uuid"`
	ContactURN   string                    `json:"contact_urn"`
	ContactName  string                    `json:"contact_name"`
	Status       string                    `json:"status"`
	Resolution   int                       `json:"resolution"`
	HasChatsRoom bool                      `json:"has_chats_room"`
	CSAT         string                    `json:"csat,omitempty"`
	NPS          string                    `json:"nps,omitempty"`
	StartDate    *time.Time                `json:"start_date"`
	EndDate      *time.Time                `json:"end_date"`
	ChannelUUID  string                    `json:"channel_uuid"`
	Messages     *[]domain.ArchivedMessage `json:"messages"`
	CreatedAt    time.Time                 `json:"created_at"`
}

type listResponse struct {
	Results []conversationResponse `json:"results"`
	Limit   int                    `json:"limit"`
	Offset  int                    `json:"offset"`
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	if s.deps.Lister == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "listing unavailable"})
		return
	}
	f, err := parseFilter(r.URL.Query())
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid query", Reason: err.Error()})
		return
	}
	f.ProjectUUID = strings.TrimSpace(chi.URLParam(r, "projectUUID"))
	f = f.Normalize()

	list, err := s.deps.Lister.ListConversations(r.Context(), f)
	if err != nil {
		s.logger.Error("conversation listing failed", "project_uuid", f.ProjectUUID, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}

	resp := listResponse{Results: make([]conversationResponse, 0, len(list)), Limit: f.Limit, Offset: f.Offset}
	for _, c := range list {
		item := conversationResponse{
			UUID:         c.ID,
			ContactURN:   c.ContactURN,
			ContactName:  c.ContactName,
			Status:       c.Resolution.String(),
			Resolution:   int(c.Resolution),
			HasChatsRoom: c.HasChatsRoom,
			CSAT:         c.CSAT,
			NPS:          c.NPS,
			StartDate:    c.StartDate,
			EndDate:      c.EndDate,
			ChannelUUID:  c.ChannelUUID,
			CreatedAt:    c.CreatedAt,
		}
		if f.IncludeMessages {
			msgs := c.Messages
			if msgs == nil {
				msgs = []domain.ArchivedMessage{}
			}
			item.Messages = &msgs
		}
		resp.Results = append(resp.Results, item)
	}
	writeJSON(w, http.StatusOK, resp)
}

// parseFilter reads the listing query parameters. List values are comma
// separated.
func parseFilter(q url.Values) (domain.ConversationFilter, error) {
	var f domain.ConversationFilter
	var err error

	if f.StartedFrom, err = timeParam(q, "start_date"); err != nil {
		return f, err
	}
	if f.EndedUntil, err = timeParam(q, "end_date"); err != nil {
		return f, err
	}
	for _, key := range []string{"resolution", "status"} {
		for _, v := range listParam(q, key) {
			n, err := strconv.Atoi(v)
			if err != nil || domain.ResolutionFromInt(n) == domain.ResolutionUnknown {
				return f, fmt.Errorf("%s: unknown resolution %q", key, v)
			}
			f.Resolutions = append(f.Resolutions, domain.Resolution(n))
		}
	}
	f.CSAT = listParam(q, "csat")
	f.NPS = strings.TrimSpace(q.Get("nps"))
	if v := q.Get("has_chats_room"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, fmt.Errorf("has_chats_room: %q is not a boolean", v)
		}
		f.HasChatsRoom = &b
	}
	f.Search = q.Get("search")
	f.IncludeMessages = q.Get("include_messages") == "true"
	if f.Limit, err = intParam(q, "limit"); err != nil {
		return f, err
	}
	if f.Offset, err = intParam(q, "offset"); err != nil {
		return f, err
	}
	return f, nil
}

func timeParam(q url.Values, key string) (*time.Time, error) {
	v := strings.TrimSpace(q.Get(key))
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, fmt.Errorf("%s: expected RFC 3339 timestamp", key)
	}
	return &t, nil
}

func listParam(q url.Values, key string) []string {
	var out []string
	for _, v := range strings.Split(q.Get(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func intParam(q url.Values, key string) (int, error) {
	v := strings.TrimSpace(q.Get(key))
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s: expected a non-negative integer", key)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
