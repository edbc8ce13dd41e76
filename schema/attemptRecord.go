package schema

import "time"

// Outcome is the classified result of one delivery attempt.
type Outcome string

const (
	OutcomeSuccess          Outcome = "success"
	OutcomeRetryableFailure Outcome = "retryable_failure"
	OutcomeTerminalFailure  Outcome = "terminal_failure"
)

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeSuccess, OutcomeRetryableFailure, OutcomeTerminalFailure:
		return true
	}
	return false
}

// AttemptRecord is the immutable audit row written for every delivery attempt.
type AttemptRecord struct {
	JobID            string       `json:"job_id" bson:"job_id"`
	AttemptNumber    int          `json:"attempt_number" bson:"attempt_number"`
	EntityID         string       `json:"entity_id" bson:"entity_id"`
	Target           TargetSystem `json:"target_system" bson:"target"`
	Sequence         int64        `json:"sequence" bson:"sequence"`
	RequestSnapshot  []byte       `json:"request_snapshot,omitempty" bson:"request_snapshot"`
	ResponseSnapshot []byte       `json:"response_snapshot,omitempty" bson:"response_snapshot"`
	Error            string       `json:"error,omitempty" bson:"error"`
	Outcome          Outcome      `json:"outcome" bson:"outcome"`
	Timestamp        time.Time    `json:"timestamp" bson:"timestamp"`
}
