package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	AnalysisStatusPending    = "pending"
	AnalysisStatusProcessing = "processing"
	AnalysisStatusCompleted  = "completed"
	AnalysisStatusFailed     = "failed"
)

// Analysis is a snapshot of one post-analysis request as reported by the
// backend. The client submits a post URL and the backend runs a
// multi-stage pipeline (fetch, transcribe, analyze) against it.
type Analysis struct {
	ID          uuid.UUID `json:"id"`
	PostURL     string    `json:"post_url"`
	Status      string    `json:"status"`
	DisplayName string    `json:"display_name,omitempty"`
	Report      string    `json:"report,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Trackable reports whether the analysis pipeline is still in flight and
// therefore warrants an active background subscription.
func (a Analysis) Trackable() bool {
	return a.Status == AnalysisStatusPending || a.Status == AnalysisStatusProcessing
}

// Post is one fetched social media post belonging to an analysis.
type Post struct {
	ID         uuid.UUID `json:"id"`
	AnalysisID uuid.UUID `json:"analysis_id"`
	Author     string    `json:"author"`
	Content    string    `json:"content"`
	MediaURL   string    `json:"media_url,omitempty"`
	Transcript string    `json:"transcript,omitempty"`
	PostedAt   time.Time `json:"posted_at"`
}
