package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

const (
	MessageStatusStreaming = "streaming"
	MessageStatusComplete  = "complete"
)

// ChatSession is a follow-up conversation attached to a completed
// analysis. The backend provisions it shortly after the pipeline
// finishes; session discovery may need to wait out that provisioning.
type ChatSession struct {
	ID             uuid.UUID `json:"id"`
	PostAnalysisID uuid.UUID `json:"post_analysis_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// ChatMessage is one turn in a chat session. Content is append-only
// while Status is streaming and frozen once complete. At most one
// message per session may be streaming at a time.
type ChatMessage struct {
	ID         uuid.UUID `json:"id"`
	SessionID  uuid.UUID `json:"session_id"`
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	Status     string    `json:"status"`
	TokensUsed *int      `json:"tokens_used,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
