package resource

import (
	"time"

	"github.com/taskmesh/taskmesh/model"
	"github.com/taskmesh/taskmesh/pkg/clock"
)

// reservation is one ledger entry tying a task to a granted resource
// amount and an expiry deadline. At most one active reservation exists
// per task ID.
type reservation struct {
	taskID   model.TaskID
	memoryMB int64
	cpuCores float64
	expireAt time.Time

	// localBacked tells whether the grant counts against this node's
	// in-use totals. A reservation admitted through the cluster
	// fallback is backed by remote capacity and leaves the local
	// ledger untouched.
	localBacked bool

	timer *clock.Timer
}
