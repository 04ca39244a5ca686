package refresh

import (
	"time"

	"github.com/google/uuid"
)

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunAborted   RunStatus = "aborted"
)

// Run is one ledger entry.
type Run struct {
	ID          uuid.UUID
	StartedAt   time.Time
	FinishedAt  time.Time
	Status      RunStatus
	FailedStage Stage
	Error       string
	Generation  uuid.UUID
	Counters    RunCounters
}

type RunCounters struct {
	Ads           int
	Creatives     int
	Fingerprinted int
	Clusters      int
	RollupRows    int
}
