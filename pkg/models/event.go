package models

import (
	"time"

	"github.com/google/uuid"
)

// Pipeline stage names emitted by the analysis backend. The set is open:
// the backend may introduce new stages, so consumers must treat Stage as
// an opaque string and only special-case the stages listed here.
const (
	StageFetchingPosts    = "fetching_posts"
	StagePostsFetched     = "posts_fetched"
	StageResolvingProfile = "resolving_profile"
	StageTranscribing     = "transcribing"
	StageAnalyzing        = "analyzing"
	StageAnalysisComplete = "analysis_complete"
)

// StageEvent is one immutable progress fact from the backend pipeline.
// Events may be delivered more than once (historical fetch and push
// overlap); ID is the dedup key and CreatedAt the sole ordering key.
type StageEvent struct {
	ID                 uuid.UUID      `json:"id"`
	AnalysisID         uuid.UUID      `json:"analysis_id"`
	Stage              string         `json:"stage"`
	Message            string         `json:"message"`
	Metadata           map[string]any `json:"metadata,omitempty"`
	IsError            bool           `json:"is_error"`
	Retryable          bool           `json:"retryable"`
	ProgressPercentage int            `json:"progress_percentage"`
	CreatedAt          time.Time      `json:"created_at"`
}

// IsTerminalSuccess reports whether this event marks the pipeline as
// successfully finished.
func (e StageEvent) IsTerminalSuccess() bool {
	return e.Stage == StageAnalysisComplete && !e.IsError
}

// IsTerminalFailure reports whether this event marks the pipeline as
// permanently failed. Retryable errors are transient; the pipeline
// self-heals and keeps emitting events.
func (e StageEvent) IsTerminalFailure() bool {
	return e.IsError && !e.Retryable
}

// DisplayName extracts the resolved profile display name carried in
// event metadata, if present. The resolving_profile stage attaches it
// once the backend has identified the post author.
func (e StageEvent) DisplayName() (string, bool) {
	v, ok := e.Metadata["display_name"]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok && s != ""
}
