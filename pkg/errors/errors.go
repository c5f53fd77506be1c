package errors

import (
	"github.com/pingcap/errors"
)

// all error classes of the taskmesh project
var (
	// scheduler admission errors
	ErrTaskNotFound       = errors.Normalize("task %s not found", errors.RFCCodeText("TMESH:ErrTaskNotFound"))
	ErrTaskAlreadyExists  = errors.Normalize("task %s already exists", errors.RFCCodeText("TMESH:ErrTaskAlreadyExists"))
	ErrTaskAlreadyRunning = errors.Normalize("task %s is already running", errors.RFCCodeText("TMESH:ErrTaskAlreadyRunning"))
	ErrTaskFinished       = errors.Normalize("task %s already finished with status %s", errors.RFCCodeText("TMESH:ErrTaskFinished"))
	ErrSchedulerAtCapacity = errors.Normalize(
		"already at capacity: %d tasks running, limit %d",
		errors.RFCCodeText("TMESH:ErrSchedulerAtCapacity"))
	ErrResourceUnavailable = errors.Normalize(
		"insufficient resources for task %s: %d MB memory, %f cores requested",
		errors.RFCCodeText("TMESH:ErrResourceUnavailable"))
	ErrSchedulerClosed = errors.Normalize("scheduler is closed", errors.RFCCodeText("TMESH:ErrSchedulerClosed"))
	ErrTaskDepsUnmet   = errors.Normalize("task %s has unmet dependencies", errors.RFCCodeText("TMESH:ErrTaskDepsUnmet"))

	// execution errors
	ErrTaskTimeout   = errors.Normalize("task %s timed out after %s", errors.RFCCodeText("TMESH:ErrTaskTimeout"))
	ErrTaskCancelled = errors.Normalize("cancelled", errors.RFCCodeText("TMESH:ErrTaskCancelled"))
	ErrNoWorkFn      = errors.Normalize("task %s has no local work function", errors.RFCCodeText("TMESH:ErrNoWorkFn"))

	// resource manager errors
	ErrReservationExists = errors.Normalize(
		"an active reservation for task %s already exists",
		errors.RFCCodeText("TMESH:ErrReservationExists"))

	// agent communication errors
	ErrNoSuitableAgent = errors.Normalize(
		"no active peer can fit the requirement (%d MB memory, %f cores)",
		errors.RFCCodeText("TMESH:ErrNoSuitableAgent"))
	ErrPeerNotFound     = errors.Normalize("peer %s not found", errors.RFCCodeText("TMESH:ErrPeerNotFound"))
	ErrDispatchRejected = errors.Normalize("peer %s rejected task %s", errors.RFCCodeText("TMESH:ErrDispatchRejected"))
	ErrAgentUnreachable = errors.Normalize("peer %s is unreachable", errors.RFCCodeText("TMESH:ErrAgentUnreachable"))
	ErrMalformedAgentResponse = errors.Normalize(
		"malformed response from peer %s: %s",
		errors.RFCCodeText("TMESH:ErrMalformedAgentResponse"))

	// config errors
	ErrDecodeConfigFile  = errors.Normalize("failed to decode config file", errors.RFCCodeText("TMESH:ErrDecodeConfigFile"))
	ErrConfigUnknownItem = errors.Normalize("unknown config items: %s", errors.RFCCodeText("TMESH:ErrConfigUnknownItem"))
)
