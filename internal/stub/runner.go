package stub

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/anveshbhat/postlens/internal/push"
	"github.com/anveshbhat/postlens/pkg/models"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Runner drives a fake analysis pipeline: it walks the stage sequence
// at a fixed pace, records each event, and publishes it on the push
// channel, the same dual delivery (history + push) the real backend
// produces.
type Runner struct {
	store     *Store
	publisher push.Publisher
	limiter   *rate.Limiter
}

// NewRunner creates a Runner emitting one stage per interval.
func NewRunner(store *Store, publisher push.Publisher, interval time.Duration) *Runner {
	return &Runner{
		store:     store,
		publisher: publisher,
		limiter:   rate.NewLimiter(rate.Every(interval), 1),
	}
}

type stageStep struct {
	stage    string
	message  string
	progress int
	metadata map[string]any
}

// Run executes the pipeline for one analysis. It blocks; callers run it
// in a goroutine per submitted analysis.
func (r *Runner) Run(ctx context.Context, analysisID uuid.UUID) {
	steps := []stageStep{
		{stage: models.StageFetchingPosts, message: "Fetching posts from the platform", progress: 10},
		{stage: models.StagePostsFetched, message: "Posts fetched", progress: 30},
		{stage: models.StageResolvingProfile, message: "Resolving author profile", progress: 45,
			metadata: map[string]any{"display_name": "Sample Author"}},
		{stage: models.StageTranscribing, message: "Transcribing media", progress: 65},
		{stage: models.StageAnalyzing, message: "Running analysis", progress: 85},
		{stage: models.StageAnalysisComplete, message: "Analysis complete", progress: 100},
	}

	r.store.UpdateAnalysis(analysisID, func(a *models.Analysis) {
		a.Status = models.AnalysisStatusProcessing
	})

	for _, step := range steps {
		if err := r.limiter.Wait(ctx); err != nil {
			return
		}
		r.applyStep(ctx, analysisID, step)
	}

	r.store.UpdateAnalysis(analysisID, func(a *models.Analysis) {
		a.Status = models.AnalysisStatusCompleted
		a.DisplayName = "Sample Author"
		a.Report = sampleReport
	})
	// Provision the chat session a beat after completion, mimicking the
	// backend race the client's grace period exists for.
	time.AfterFunc(3*time.Second, func() {
		r.store.EnsureSession(analysisID)
	})
}

func (r *Runner) applyStep(ctx context.Context, analysisID uuid.UUID, step stageStep) {
	e := models.StageEvent{
		ID:                 uuid.New(),
		AnalysisID:         analysisID,
		Stage:              step.stage,
		Message:            step.message,
		Metadata:           step.metadata,
		ProgressPercentage: step.progress,
		CreatedAt:          time.Now().UTC(),
	}
	r.store.AppendEvent(e)

	if step.stage == models.StagePostsFetched {
		r.store.SetPosts(analysisID, samplePosts(analysisID))
	}

	if err := r.publisher.Publish(ctx, e); err != nil {
		slog.Error("stage event publish failed",
			"analysis_id", analysisID, "stage", step.stage, "error", err)
	}
}

func samplePosts(analysisID uuid.UUID) []models.Post {
	posts := make([]models.Post, 3)
	for i := range posts {
		posts[i] = models.Post{
			ID:         uuid.New(),
			AnalysisID: analysisID,
			Author:     "Sample Author",
			Content:    fmt.Sprintf("Sample post %d content for analysis.", i+1),
			PostedAt:   time.Now().UTC().Add(-time.Duration(i) * time.Hour),
		}
	}
	return posts
}

const sampleReport = `## Analysis Report

The account posts consistently about technology topics with an
informal, conversational tone. Engagement is strongest on posts with
embedded media.

### Themes
- Product commentary
- Industry news reactions
- Occasional personal updates
`
