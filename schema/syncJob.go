package schema

import "time"

// State represents the lifecycle state of a sync job.
type State string

const (
	StatePending         State = "pending"
	StateInFlight        State = "in_flight"
	StateSucceeded       State = "succeeded"
	StateFailedRetryable State = "failed_retryable"
	StateFailedTerminal  State = "failed_terminal"
)

// IsTerminal reports whether the job can never be attempted again.
func (s State) IsTerminal() bool {
	return s == StateSucceeded || s == StateFailedTerminal
}

// IsClaimable reports whether a worker may move the job into in_flight.
func (s State) IsClaimable() bool {
	return s == StatePending || s == StateFailedRetryable
}

// TargetSystem names the external system of record a job is delivered to.
type TargetSystem string

const (
	TargetERP                 TargetSystem = "erp"
	TargetRegulatoryAuthority TargetSystem = "regulatory_authority"
	TargetRemoteStore         TargetSystem = "remote_store"
)

// Operation is the mutation semantics applied on the target.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// Valid reports whether o is one of the known operations.
func (o Operation) Valid() bool {
	switch o {
	case OperationCreate, OperationUpdate, OperationDelete:
		return true
	}
	return false
}

// SyncJob is a local change that must reach an external target.
type SyncJob struct {
	ID             string       `json:"id" bson:"_id"`
	EntityType     string       `json:"entity_type" bson:"entity_type"`
	EntityID       string       `json:"entity_id" bson:"entity_id"`
	Target         TargetSystem `json:"target_system" bson:"target"`
	Operation      Operation    `json:"operation" bson:"operation"`
	Payload        []byte       `json:"payload" bson:"payload"`
	Version        int64        `json:"version" bson:"version"`
	IdempotencyKey string       `json:"idempotency_key" bson:"idempotency_key"`
	Sequence       int64        `json:"sequence" bson:"sequence"`
	State          State        `json:"state" bson:"state"`
	Owner          string       `json:"owner,omitempty" bson:"owner"`
	AttemptCount   int          `json:"attempt_count" bson:"attempt_count"`
	LastAttemptAt  time.Time    `json:"last_attempt_at,omitempty" bson:"last_attempt_at"`
	NextAttemptAt  time.Time    `json:"next_attempt_at" bson:"next_attempt_at"`
	LastError      string       `json:"last_error,omitempty" bson:"last_error"`
	ExternalRef    string       `json:"external_reference,omitempty" bson:"external_ref"`
	ClaimedBy      string       `json:"claimed_by,omitempty" bson:"claimed_by"`
	ClaimedAt      time.Time    `json:"claimed_at,omitempty" bson:"claimed_at"`
	CreatedAt      time.Time    `json:"created_at" bson:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at" bson:"updated_at"`
}

// NewSyncJob creates a pending SyncJob that is due immediately. ID and
// Sequence are assigned by the store on enqueue.
func NewSyncJob(
	entityType, entityID string,
	target TargetSystem,
	operation Operation,
	payload []byte,
	version int64,
	idempotencyKey string,
) *SyncJob {
	now := time.Now().UTC()
	return &SyncJob{
		EntityType:     entityType,
		EntityID:       entityID,
		Target:         target,
		Operation:      operation,
		Payload:        payload,
		Version:        version,
		IdempotencyKey: idempotencyKey,
		State:          StatePending,
		NextAttemptAt:  now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}
