package dispatcher

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// newTaskID mints "task-{epochMs}-{randomToken}" ids, matching the shape of
// the example pack's other id-minting helpers while keeping the component
// collision-free without a round trip to the Store.
func newTaskID(now time.Time) string {
	return fmt.Sprintf("task-%d-%s", now.UnixMilli(), uuid.NewString()[:8])
}

func newMessageID() string {
	return "msg-" + uuid.NewString()
}
