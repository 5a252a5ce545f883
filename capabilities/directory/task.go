package directory

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/kbukum/capdir/capabilities"
	"github.com/kbukum/capdir/errors"
)

type taskKind int

const (
	taskAdd taskKind = iota
	taskReAdd
	taskRemove
)

func (k taskKind) String() string {
	switch k {
	case taskAdd:
		return "ADD"
	case taskReAdd:
		return "READD"
	case taskRemove:
		return "REMOVE"
	default:
		return "UNKNOWN"
	}
}

// taskOutcome tells the sequencer what to do with the task it holds.
type taskOutcome int

const (
	outcomeFinished taskOutcome = iota
	outcomeRetry
)

func (o taskOutcome) String() string {
	if o == outcomeRetry {
		return "retry"
	}
	return "finished"
}

// gcdTask is one unit of work for the global directory.
type gcdTask struct {
	id   string
	kind taskKind

	// ADD
	entry    capabilities.GlobalDiscoveryEntry
	gbids    []string
	deadline time.Time // zero: never expires
	doRetry  bool

	// REMOVE
	participantID string

	// onResult receives the remote outcome and decides whether the task is
	// retried. Unused for READD.
	onResult func(capabilities.Result[struct{}]) taskOutcome

	enqueuedAt time.Time
	attempts   int
}

func newAddTask(entry capabilities.GlobalDiscoveryEntry, gbids []string, deadline time.Time, doRetry bool,
	onResult func(capabilities.Result[struct{}]) taskOutcome) *gcdTask {
	return &gcdTask{
		id:       uuid.NewString(),
		kind:     taskAdd,
		entry:    entry,
		gbids:    gbids,
		deadline: deadline,
		doRetry:  doRetry,
		onResult: onResult,
	}
}

func newRemoveTask(participantID string, onResult func(capabilities.Result[struct{}]) taskOutcome) *gcdTask {
	return &gcdTask{
		id:            uuid.NewString(),
		kind:          taskRemove,
		participantID: participantID,
		onResult:      onResult,
	}
}

func newReAddTask() *gcdTask {
	return &gcdTask{id: uuid.NewString(), kind: taskReAdd}
}

func (t *gcdTask) expired(now time.Time) bool {
	return t.kind == taskAdd && !t.deadline.IsZero() && !now.Before(t.deadline)
}

func (t *gcdTask) subject() string {
	if t.kind == taskRemove {
		return t.participantID
	}
	return t.entry.ParticipantID
}

func errRegistrationExpired() error {
	return errors.New(errors.ErrCodeTimeout, "Failed to process global registration in time, please try again", http.StatusGatewayTimeout)
}
