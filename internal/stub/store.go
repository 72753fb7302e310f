package stub

import (
	"sort"
	"sync"
	"time"

	"github.com/anveshbhat/postlens/pkg/models"
	"github.com/google/uuid"
)

// Store is the stub's in-memory state. The real service persists all of
// this; the stub only needs it to survive for one dev session.
type Store struct {
	mu        sync.Mutex
	analyses  map[uuid.UUID]*models.Analysis
	events    map[uuid.UUID][]models.StageEvent
	posts     map[uuid.UUID][]models.Post
	sessions  map[uuid.UUID]*models.ChatSession
	messages  map[uuid.UUID][]models.ChatMessage
	byRequest map[uuid.UUID]uuid.UUID // analysis id -> session id
}

func NewStore() *Store {
	return &Store{
		analyses:  make(map[uuid.UUID]*models.Analysis),
		events:    make(map[uuid.UUID][]models.StageEvent),
		posts:     make(map[uuid.UUID][]models.Post),
		sessions:  make(map[uuid.UUID]*models.ChatSession),
		messages:  make(map[uuid.UUID][]models.ChatMessage),
		byRequest: make(map[uuid.UUID]uuid.UUID),
	}
}

func (s *Store) CreateAnalysis(postURL string) *models.Analysis {
	now := time.Now().UTC()
	a := &models.Analysis{
		ID:        uuid.New(),
		PostURL:   postURL,
		Status:    models.AnalysisStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.mu.Lock()
	s.analyses[a.ID] = a
	s.mu.Unlock()
	return a
}

func (s *Store) GetAnalysis(id uuid.UUID) (models.Analysis, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.analyses[id]
	if !ok {
		return models.Analysis{}, false
	}
	return *a, true
}

func (s *Store) UpdateAnalysis(id uuid.UUID, fn func(*models.Analysis)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.analyses[id]; ok {
		fn(a)
		a.UpdatedAt = time.Now().UTC()
	}
}

func (s *Store) AppendEvent(e models.StageEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[e.AnalysisID] = append(s.events[e.AnalysisID], e)
}

// ListEvents returns the analysis's events ascending by creation time.
func (s *Store) ListEvents(analysisID uuid.UUID) []models.StageEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.StageEvent, len(s.events[analysisID]))
	copy(out, s.events[analysisID])
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *Store) SetPosts(analysisID uuid.UUID, posts []models.Post) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.posts[analysisID] = posts
}

func (s *Store) ListPosts(analysisID uuid.UUID) []models.Post {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Post, len(s.posts[analysisID]))
	copy(out, s.posts[analysisID])
	return out
}

// EnsureSession returns the analysis's chat session, creating it if
// needed.
func (s *Store) EnsureSession(analysisID uuid.UUID) *models.ChatSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byRequest[analysisID]; ok {
		return s.sessions[id]
	}
	session := &models.ChatSession{
		ID:             uuid.New(),
		PostAnalysisID: analysisID,
		CreatedAt:      time.Now().UTC(),
	}
	s.sessions[session.ID] = session
	s.byRequest[analysisID] = session.ID
	return session
}

func (s *Store) FindSession(analysisID uuid.UUID) (models.ChatSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byRequest[analysisID]
	if !ok {
		return models.ChatSession{}, false
	}
	return *s.sessions[id], true
}

func (s *Store) GetSession(id uuid.UUID) (models.ChatSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return models.ChatSession{}, false
	}
	return *session, true
}

func (s *Store) AppendMessage(m models.ChatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[m.SessionID] = append(s.messages[m.SessionID], m)
}

func (s *Store) ListMessages(sessionID uuid.UUID) []models.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.ChatMessage, len(s.messages[sessionID]))
	copy(out, s.messages[sessionID])
	return out
}
