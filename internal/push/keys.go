package push

import (
	"fmt"

	"github.com/google/uuid"
)

func EventChannelKey(analysisID uuid.UUID) string {
	return fmt.Sprintf("analysis:%s:events", analysisID)
}
