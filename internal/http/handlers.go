package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/course-dispatch/internal/chat"
	"github.com/example/course-dispatch/internal/course"
	"github.com/example/course-dispatch/internal/dispatch"
	"github.com/example/course-dispatch/internal/models"
	"github.com/example/course-dispatch/internal/realtime"
	"github.com/example/course-dispatch/internal/storage"
)

type Server struct {
	logger    *slog.Logger
	jwtSecret []byte

	Courses     *course.Service
	CourseStore storage.CourseStore
	Fanout      *dispatch.Fanout
	Chat        *chat.Service
	Hub         *realtime.Hub
	Positions   *storage.RedisPositions // optional
	Samples     SampleSink              // optional

	mux *mux.Router
}

// SampleSink forwards an accepted fix to the ingest pipeline.
type SampleSink interface {
	Send(ctx context.Context, driverID uuid.UUID, f models.Fix) error
}

func NewServer(logger *slog.Logger, jwtSecret string, deps Deps) *Server {
	s := &Server{
		logger:      logger,
		jwtSecret:   []byte(jwtSecret),
		Courses:     deps.Courses,
		CourseStore: deps.CourseStore,
		Fanout:      deps.Fanout,
		Chat:        deps.Chat,
		Hub:         deps.Hub,
		Positions:   deps.Positions,
		Samples:     deps.Samples,
		mux:         mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

type Deps struct {
	Courses     *course.Service
	CourseStore storage.CourseStore
	Fanout      *dispatch.Fanout
	Chat        *chat.Service
	Hub         *realtime.Hub
	Positions   *storage.RedisPositions
	Samples     SampleSink
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())

	api := s.mux.NewRoute().Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods("POST")
	api.HandleFunc("/api/v1/courses/{id}/transition", s.handleTransition).Methods("POST")
	api.HandleFunc("/api/v1/courses/{id}/dispatch", s.handleDispatch).Methods("POST")
	api.HandleFunc("/api/v1/courses/{id}/chat", s.handleChatHistory).Methods("GET")
	api.HandleFunc("/api/v1/courses/{id}/chat", s.handleChatSend).Methods("POST")
	api.HandleFunc("/api/v1/courses/{id}/chat/read", s.handleChatMarkRead).Methods("POST")
	api.HandleFunc("/ws/{driver_id}", s.handleWS).Methods("GET")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// handleDriverLocation accepts one fix from the authenticated driver.
// Downstream failures are logged and dropped; the next accepted sample
// supersedes this one anyway.
func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromContext(r.Context())
	if !ok || actor.Role != models.RoleDriver {
		writeError(w, &course.AuthorizationError{Reason: "driver credentials required"})
		return
	}
	var f models.Fix
	if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if f.At.IsZero() {
		f.At = time.Now()
	}
	if s.Samples != nil {
		if err := s.Samples.Send(r.Context(), actor.DriverID, f); err != nil {
			s.logger.Warn("sample publish failed", "driver_id", actor.DriverID, "error", err)
		}
	}
	if s.Positions != nil {
		if err := s.Positions.Update(r.Context(), actor.DriverID, f); err != nil {
			s.logger.Warn("position update failed", "driver_id", actor.DriverID, "error", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromContext(r.Context())
	if !ok {
		writeError(w, &course.AuthorizationError{Reason: "authentication required"})
		return
	}
	courseID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "invalid course id", http.StatusBadRequest)
		return
	}
	var body struct {
		Action course.Action `json:"action"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	updated, err := s.Courses.Transition(r.Context(), actor, courseID, body.Action)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromContext(r.Context())
	if !ok || actor.Role != models.RoleDispatcher {
		writeError(w, &course.AuthorizationError{Reason: "dispatcher credentials required"})
		return
	}
	courseID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "invalid course id", http.StatusBadRequest)
		return
	}
	// re-read the course so fan-out always sees the persisted state
	c, err := s.CourseStore.Course(r.Context(), courseID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, &course.NotFoundError{Kind: "course", ID: courseID.String()})
			return
		}
		writeError(w, &course.TransientError{Op: "load course", Err: err})
		return
	}
	res, err := s.Fanout.Dispatch(r.Context(), c)
	if err != nil {
		s.logger.Error("fan-out aborted", "course_id", courseID, "error", err)
		writeError(w, &course.TransientError{Op: "fan-out", Err: err})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleChatHistory(w http.ResponseWriter, r *http.Request) {
	courseID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "invalid course id", http.StatusBadRequest)
		return
	}
	msgs, err := s.Chat.History(r.Context(), courseID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleChatSend(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromContext(r.Context())
	if !ok {
		writeError(w, &course.AuthorizationError{Reason: "authentication required"})
		return
	}
	courseID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "invalid course id", http.StatusBadRequest)
		return
	}
	var body struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	msg, err := s.Chat.Send(r.Context(), courseID, actor.Role, body.Content)
	if err != nil {
		if errors.Is(err, chat.ErrEmptyMessage) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleChatMarkRead(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromContext(r.Context())
	if !ok {
		writeError(w, &course.AuthorizationError{Reason: "authentication required"})
		return
	}
	courseID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "invalid course id", http.StatusBadRequest)
		return
	}
	if err := s.Chat.MarkRead(r.Context(), courseID, actor.Role); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// handleWS attaches the caller to its realtime topic. A driver may only open
// its own topic; dispatchers join the admin broadcast set.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromContext(r.Context())
	if !ok {
		writeError(w, &course.AuthorizationError{Reason: "authentication required"})
		return
	}
	driverID, err := uuid.Parse(mux.Vars(r)["driver_id"])
	if err != nil {
		http.Error(w, "invalid driver id", http.StatusBadRequest)
		return
	}
	if actor.Role == models.RoleDriver && actor.DriverID != driverID {
		writeError(w, &course.AuthorizationError{Reason: "cannot subscribe to another driver's topic"})
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	client := realtime.NewClient(s.Hub, conn, driverID, actor.Role)
	go client.Serve()
}

type errorResponse struct {
	Error      string     `json:"error"`
	UnlockTime *time.Time `json:"unlock_time,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	var (
		authErr  *course.AuthorizationError
		stateErr *course.InvalidStateError
		nfErr    *course.NotFoundError
	)
	switch {
	case errors.As(err, &authErr):
		writeJSON(w, http.StatusForbidden, errorResponse{Error: authErr.Error()})
	case errors.As(err, &stateErr):
		writeJSON(w, http.StatusConflict, errorResponse{Error: stateErr.Error(), UnlockTime: stateErr.UnlockTime})
	case errors.As(err, &nfErr):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: nfErr.Error()})
	default:
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "temporarily unavailable"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
