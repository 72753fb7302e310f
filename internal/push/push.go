// Package push provides the server-initiated delivery channel for new
// stage events, contrasted with the pipeline client's one-shot
// historical fetch. One channel exists per analysis id.
package push

import (
	"context"

	"github.com/anveshbhat/postlens/pkg/models"
	"github.com/google/uuid"
)

// Subscriber opens live stage-event channels. Implementations must be
// safe for concurrent use. The returned close function releases the
// underlying channel resource deterministically and is idempotent.
type Subscriber interface {
	Subscribe(ctx context.Context, analysisID uuid.UUID) (<-chan models.StageEvent, func(), error)
}

// Publisher is the producing side, used by the development pipeline
// stub and by tests.
type Publisher interface {
	Publish(ctx context.Context, event models.StageEvent) error
}
