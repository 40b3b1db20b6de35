package authority

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/scriptorium/internal/models"
	"github.com/starford/scriptorium/internal/remote"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 16 << 20

// Server serves the remote endpoints over a Store.
type Server struct {
	store  *Store
	token  string
	logger *slog.Logger
}

// NewServer creates a Server. An empty token disables authentication.
func NewServer(store *Store, token string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:  store,
		token:  token,
		logger: logger.With(slog.String("component", "authority")),
	}
}

// Router returns the chi router with the sync endpoints and /health.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get(remote.HealthPath, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(s.auth)
		r.Post(remote.EventsPath, s.handleEvents)
		r.Post(remote.SyncPath, s.handleSync)
		r.Get("/documents", s.handleList)
	})
	return r
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") || strings.TrimPrefix(header, "Bearer ") != s.token {
			writeError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type eventsBody struct {
	remote.EventsRequest
}

func (b eventsBody) Validate() error {
	return validation.ValidateStruct(&b.EventsRequest,
		validation.Field(&b.Events, validation.Required, validation.Each(validation.By(validateEvent))),
	)
}

func validateEvent(value any) error {
	ev, _ := value.(models.OutboxEvent)
	return validation.ValidateStruct(&ev,
		validation.Field(&ev.ID, validation.Required),
		validation.Field(&ev.DocID, validation.Required),
		validation.Field(&ev.Kind, validation.Required, validation.In(models.EventCreate, models.EventUpdate, models.EventDelete)),
		validation.Field(&ev.Version, validation.Required, validation.Min(int64(1))),
		validation.Field(&ev.IdempotencyKey, validation.Required),
	)
}

type syncBody struct {
	remote.SyncRequest
}

func (b syncBody) Validate() error {
	return validation.ValidateStruct(&b.SyncRequest,
		validation.Field(&b.Documents, validation.Required, validation.Each(validation.By(validateSnapshot))),
	)
}

func validateSnapshot(value any) error {
	d, _ := value.(models.SnapshotDoc)
	return validation.ValidateStruct(&d,
		validation.Field(&d.ID, validation.Required),
		validation.Field(&d.Version, validation.Required, validation.Min(int64(1))),
	)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var body eventsBody
	if !s.decode(w, r, &body.EventsRequest) {
		return
	}
	if err := body.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	res := s.store.ApplyEvents(body.Events)
	s.logger.Info("events applied",
		slog.Int("received", len(body.Events)),
		slog.Int("accepted", len(res.AcceptedIDs)),
		slog.Int("conflicts", len(res.Conflicts)))
	writeJSON(w, http.StatusOK, remote.EventsResponse{
		Success:       true,
		AckedVersions: res.AckedVersions,
		AcceptedIDs:   nonNil(res.AcceptedIDs),
		Conflicts:     nonNilConflicts(res.Conflicts),
	})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var body syncBody
	if !s.decode(w, r, &body.SyncRequest) {
		return
	}
	if err := body.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	res := s.store.ApplySnapshots(body.Documents)
	s.logger.Info("snapshots applied",
		slog.Int("received", len(body.Documents)),
		slog.Int("synced", len(res.Synced)),
		slog.Int("conflicts", len(res.Conflicts)))
	writeJSON(w, http.StatusOK, remote.SyncResponse{
		Success:   true,
		Synced:    nonNil(res.Synced),
		Conflicts: nonNilConflicts(res.Conflicts),
	})
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"documents": s.store.List()})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("json encode failed", slog.String("error", err.Error()))
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"code": code, "error": msg})
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

func nonNilConflicts(c []models.Conflict) []models.Conflict {
	if c == nil {
		return []models.Conflict{}
	}
	return c
}
