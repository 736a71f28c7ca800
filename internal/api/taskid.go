package api

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// newTaskID builds a task identifier like "single_123_1725000000000_1a2b3c4d".
// The prefix names the task kind (and its subject), the timestamp keeps ids
// sortable, and the short uuid disambiguates same-millisecond submissions.
func newTaskID(prefix string) string {
	return fmt.Sprintf("%s_%d_%s", prefix, time.Now().UnixMilli(), uuid.NewString()[:8])
}
