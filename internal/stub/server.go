// Package stub is a development stand-in for the analysis pipeline
// service. It serves the same HTTP surface the client targets and
// publishes stage events over the same push channel, so the full sync
// engine can be exercised without the production backend.
package stub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anveshbhat/postlens/internal/push"
	"github.com/anveshbhat/postlens/pkg/models"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// Server hosts the stub API.
type Server struct {
	store  *Store
	runner *Runner
}

// NewServer creates a Server publishing stage events via the publisher.
func NewServer(publisher push.Publisher, stageInterval time.Duration) *Server {
	store := NewStore()
	return &Server{
		store:  store,
		runner: NewRunner(store, publisher, stageInterval),
	}
}

// Router builds the chi router with the middleware stack and all routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(requestLogger)
	r.Use(recovery)

	r.Get("/auth/token", s.handleToken)

	r.Group(func(r chi.Router) {
		r.Use(requireBearer)

		r.Post("/analysis/requests", s.handleCreateAnalysis)
		r.Get("/analysis/requests/{analysisID}", s.handleGetAnalysis)
		r.Get("/analysis/requests/{analysisID}/events", s.handleListEvents)
		r.Get("/analysis/requests/{analysisID}/posts", s.handleListPosts)

		r.Post("/chat/sessions", s.handleCreateSession)
		r.Get("/chat/sessions", s.handleFindSession)
		r.Get("/chat/sessions/{sessionID}/messages", s.handleListMessages)
		r.Post("/chat/sessions/{sessionID}/messages/stream", s.handleStream)
	})

	return r
}

func (s *Server) handleToken(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, map[string]string{"token": "dev-" + uuid.NewString()})
}

func (s *Server) handleCreateAnalysis(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PostURL string `json:"post_url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.PostURL == "" {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "post_url is required")
		return
	}

	a := s.store.CreateAnalysis(body.PostURL)
	go s.runner.Run(context.Background(), a.ID)
	respondCreated(w, a)
}

func (s *Server) handleGetAnalysis(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "analysisID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid analysis id")
		return
	}
	a, ok := s.store.GetAnalysis(id)
	if !ok {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "analysis not found")
		return
	}
	respondJSON(w, a)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "analysisID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid analysis id")
		return
	}
	respondJSON(w, s.store.ListEvents(id))
}

func (s *Server) handleListPosts(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "analysisID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid analysis id")
		return
	}
	respondJSON(w, s.store.ListPosts(id))
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PostAnalysisID string `json:"post_analysis_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid body")
		return
	}
	id, err := uuid.Parse(body.PostAnalysisID)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid post_analysis_id")
		return
	}
	respondCreated(w, s.store.EnsureSession(id))
}

func (s *Server) handleFindSession(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.URL.Query().Get("post_analysis_id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "post_analysis_id is required")
		return
	}
	session, ok := s.store.FindSession(id)
	if !ok {
		respondJSON(w, []models.ChatSession{})
		return
	}
	respondJSON(w, []models.ChatSession{session})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "sessionID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid session id")
		return
	}
	respondJSON(w, s.store.ListMessages(id))
}

// handleStream answers one chat turn as a data-framed token stream,
// token by token, mirroring the production framing exactly.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionID, err := uuid.Parse(chi.URLParam(r, "sessionID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid session id")
		return
	}
	if _, ok := s.store.GetSession(sessionID); !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	var body struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Message == "" {
		http.Error(w, "message is required", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	s.store.AppendMessage(models.ChatMessage{
		ID:        uuid.New(),
		SessionID: sessionID,
		Role:      models.RoleUser,
		Content:   body.Message,
		Status:    models.MessageStatusComplete,
		CreatedAt: time.Now().UTC(),
	})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	answer := fmt.Sprintf(
		"You asked: %q. Based on the analysis, the account focuses on technology commentary with strong engagement on media posts.",
		body.Message)

	var assembled strings.Builder
	for _, word := range strings.SplitAfter(answer, " ") {
		select {
		case <-r.Context().Done():
			return
		case <-time.After(40 * time.Millisecond):
		}
		assembled.WriteString(word)
		writeFrame(w, map[string]any{"type": "chunk", "chunk": word})
		flusher.Flush()
	}

	tokens := len(strings.Fields(answer))
	final := models.ChatMessage{
		ID:         uuid.New(),
		SessionID:  sessionID,
		Role:       models.RoleAssistant,
		Content:    assembled.String(),
		Status:     models.MessageStatusComplete,
		TokensUsed: &tokens,
		CreatedAt:  time.Now().UTC(),
	}
	s.store.AppendMessage(final)

	writeFrame(w, map[string]any{
		"type":        "done",
		"message_id":  final.ID.String(),
		"tokens_used": tokens,
	})
	flusher.Flush()
}

func writeFrame(w http.ResponseWriter, frame map[string]any) {
	payload, _ := json.Marshal(frame)
	fmt.Fprintf(w, "data: %s\n", payload)
}
