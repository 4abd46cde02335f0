package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/gorilla/mux"
	"github.com/manpreetbhatti/codepair/internal/db"
	"github.com/manpreetbhatti/codepair/internal/room"
	"github.com/segmentio/ksuid"
)

const (
	defaultLanguage = "python"
	defaultCode     = "# Write your code here"
	maxBodyBytes    = 1 << 20
)

var languagePattern = regexp.MustCompile(`^(python|javascript|typescript|java|cpp)$`)

type API struct {
	database        *db.Database
	rooms           *room.Registry
	logger          *slog.Logger
	sessionDuration time.Duration
	frontendURL     string
	now             func() time.Time
}

type Options struct {
	SessionDuration time.Duration
	FrontendURL     string
	Logger          *slog.Logger
}

func New(database *db.Database, rooms *room.Registry, opts Options) *API {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.SessionDuration <= 0 {
		opts.SessionDuration = 8 * time.Hour
	}
	return &API{
		database:        database,
		rooms:           rooms,
		logger:          opts.Logger,
		sessionDuration: opts.SessionDuration,
		frontendURL:     opts.FrontendURL,
		now:             func() time.Time { return time.Now().UTC() },
	}
}

// Routes mounts the REST endpoints on r.
func (a *API) Routes(r *mux.Router) {
	r.HandleFunc("/health", a.HealthHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/stats", a.StatsHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/sessions", a.CreateSessionHandler).Methods(http.MethodPost)
	r.HandleFunc("/api/sessions/{session_id}", a.GetSessionHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/sessions/{session_id}/code", a.SaveCodeHandler).Methods(http.MethodPut)
}

func (a *API) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		a.logger.Error("encode response", "err", err)
	}
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (a *API) errorResponse(w http.ResponseWriter, status int, message string) {
	a.jsonResponse(w, status, ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
	})
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	a.jsonResponse(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": a.now().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{
		"active_rooms":   a.rooms.RoomCount(),
		"active_clients": a.rooms.ConnectionCount(),
		"timestamp":      a.now().Format(time.RFC3339),
	}

	if a.database != nil {
		count, err := a.database.CountSessions(r.Context())
		if err != nil {
			a.logger.Warn("count sessions", "err", err)
		} else {
			stats["total_sessions"] = count
		}
	}

	a.jsonResponse(w, http.StatusOK, stats)
}

// Session handlers

type CreateSessionRequest struct {
	Language    string  `json:"language"`
	InitialCode string  `json:"initial_code"`
	Title       *string `json:"title"`
}

type SaveCodeRequest struct {
	Code *string `json:"code"`
}

type SessionResponse struct {
	SessionID   string     `json:"session_id"`
	RoomID      string     `json:"room_id"`
	ShareURL    string     `json:"share_url"`
	Language    string     `json:"language"`
	InitialCode string     `json:"initial_code"`
	Title       *string    `json:"title"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	ActiveUsers int        `json:"active_users"`
	LastSavedAt *time.Time `json:"last_saved_at"`
}

func (a *API) sessionResponse(s *db.Session) SessionResponse {
	return SessionResponse{
		SessionID:   s.ID,
		RoomID:      s.RoomID,
		ShareURL:    fmt.Sprintf("%s/session/%s", a.frontendURL, s.ID),
		Language:    s.Language,
		InitialCode: s.Code,
		Title:       s.Title,
		CreatedAt:   s.CreatedAt,
		ExpiresAt:   s.ExpiresAt,
		ActiveUsers: a.rooms.ActiveRooms()[s.RoomID],
		LastSavedAt: s.LastSavedAt,
	}
}

func (a *API) CreateSessionHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	// An empty body creates a session with defaults.
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req)
	if err != nil && !errors.Is(err, io.EOF) {
		a.errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.Language == "" {
		req.Language = defaultLanguage
	}
	if !languagePattern.MatchString(req.Language) {
		a.errorResponse(w, http.StatusBadRequest, fmt.Sprintf("Unsupported language '%s'", req.Language))
		return
	}
	if req.InitialCode == "" {
		req.InitialCode = defaultCode
	}

	now := a.now()
	id := ksuid.New().String()
	session := db.Session{
		ID:        id,
		RoomID:    db.RoomIDFor(id),
		Language:  req.Language,
		Code:      req.InitialCode,
		Title:     req.Title,
		CreatedAt: now,
		ExpiresAt: now.Add(a.sessionDuration),
	}

	if err := a.database.CreateSession(r.Context(), session); err != nil {
		a.logger.Error("create session", "err", err)
		a.errorResponse(w, http.StatusInternalServerError, "Failed to create session")
		return
	}

	a.logger.Info("session created", "session", id, "language", session.Language, "expires_at", session.ExpiresAt)
	a.jsonResponse(w, http.StatusCreated, a.sessionResponse(&session))
}

// liveSession loads the session named in the path, writing 404 or 410 when
// it is missing or past its expiry.
func (a *API) liveSession(w http.ResponseWriter, r *http.Request) (*db.Session, bool) {
	id := mux.Vars(r)["session_id"]

	session, err := a.database.FindByID(r.Context(), id)
	if err != nil {
		a.logger.Error("find session", "session", id, "err", err)
		a.errorResponse(w, http.StatusInternalServerError, "Failed to get session")
		return nil, false
	}
	if session == nil {
		a.errorResponse(w, http.StatusNotFound, fmt.Sprintf("Session '%s' not found", id))
		return nil, false
	}
	if db.IsExpired(session, a.now()) {
		a.errorResponse(w, http.StatusGone, fmt.Sprintf("Session '%s' has expired", id))
		return nil, false
	}
	return session, true
}

func (a *API) GetSessionHandler(w http.ResponseWriter, r *http.Request) {
	session, ok := a.liveSession(w, r)
	if !ok {
		return
	}
	a.jsonResponse(w, http.StatusOK, a.sessionResponse(session))
}

func (a *API) SaveCodeHandler(w http.ResponseWriter, r *http.Request) {
	var req SaveCodeRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil || req.Code == nil {
		a.errorResponse(w, http.StatusBadRequest, "Request body must contain 'code'")
		return
	}

	session, ok := a.liveSession(w, r)
	if !ok {
		return
	}

	saved, err := a.database.SaveCode(r.Context(), session.ID, *req.Code, a.now())
	if err != nil {
		a.logger.Error("save code", "session", session.ID, "err", err)
		a.errorResponse(w, http.StatusInternalServerError, "Failed to save code")
		return
	}
	// Swept between the lookup and the update.
	if saved == nil {
		a.errorResponse(w, http.StatusNotFound, fmt.Sprintf("Session '%s' not found", session.ID))
		return
	}

	a.jsonResponse(w, http.StatusOK, a.sessionResponse(saved))
}
