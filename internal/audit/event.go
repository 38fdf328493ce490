// Package audit defines the audit event model shared by the validator, the
// integrity unit, the delivery queue and the processor.
package audit

import (
	"time"
)

// Status is the outcome recorded by an audit event.
type Status string

const (
	StatusAttempt Status = "attempt"
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

func (s Status) IsValid() bool {
	switch s {
	case StatusAttempt, StatusSuccess, StatusFailure:
		return true
	}
	return false
}

// DataClassification labels the sensitivity of the data an event touches.
type DataClassification string

const (
	ClassificationPublic       DataClassification = "PUBLIC"
	ClassificationInternal     DataClassification = "INTERNAL"
	ClassificationConfidential DataClassification = "CONFIDENTIAL"
	ClassificationPHI          DataClassification = "PHI"
)

func (c DataClassification) IsValid() bool {
	switch c {
	case ClassificationPublic, ClassificationInternal, ClassificationConfidential, ClassificationPHI:
		return true
	}
	return false
}

// Event is a single audit record. Once hashed it must not be mutated: the
// critical fields feed the digest and any change invalidates verification.
type Event struct {
	ID                 string             `json:"id,omitempty"`
	Timestamp          time.Time          `json:"timestamp"`
	Action             string             `json:"action"`
	Status             Status             `json:"status"`
	PrincipalID        string             `json:"principalId"`
	OrganizationID     string             `json:"organizationId"`
	TargetResourceType string             `json:"targetResourceType,omitempty"`
	TargetResourceID   string             `json:"targetResourceId,omitempty"`
	DataClassification DataClassification `json:"dataClassification"`
	Details            Details            `json:"details,omitempty"`
	CorrelationID      string             `json:"correlationId,omitempty"`

	Hash             string `json:"hash,omitempty"`
	HashAlgorithm    string `json:"hashAlgorithm,omitempty"`
	Signature        string `json:"signature,omitempty"`
	SigningAlgorithm string `json:"signingAlgorithm,omitempty"`
	SigningKeyID     string `json:"signingKeyId,omitempty"`
}

// IsSealed reports whether the event carries a digest.
func (e *Event) IsSealed() bool { return e.Hash != "" }

// IsSigned reports whether the event carries a signature.
func (e *Event) IsSigned() bool { return e.Signature != "" }

// IdempotencyKey identifies the event for storage writes that may be repeated
// by at-least-once delivery.
func (e *Event) IdempotencyKey() string {
	return e.CorrelationID + ":" + e.Hash
}

// Clone returns a deep copy so queued events never share a Details map.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	out := *e
	out.Details = e.Details.Clone()
	return &out
}

// StoredEvent is an event after the storage collaborator assigned its id.
type StoredEvent struct {
	Event
	StoredAt time.Time `json:"storedAt"`
}

// Well-known actions emitted by the engine itself.
const (
	ActionIntegrityViolation  = "integrity.violation"
	ActionAlertAcknowledged   = "alert.acknowledged"
	ActionAlertResolved       = "alert.resolved"
	ActionAlertDismissed      = "alert.dismissed"
	ActionDeadLetterReplayed  = "deadletter.replayed"
	ActionDeadLetterDiscarded = "deadletter.discarded"
)

// IsEngineAction reports whether action is reserved for events the engine
// emits about itself.
func IsEngineAction(action string) bool {
	switch action {
	case ActionIntegrityViolation,
		ActionAlertAcknowledged, ActionAlertResolved, ActionAlertDismissed,
		ActionDeadLetterReplayed, ActionDeadLetterDiscarded:
		return true
	}
	return false
}

// SystemPrincipal is the principal recorded on events the engine emits about
// itself.
const SystemPrincipal = "system:audit-engine"

// SystemOrganization owns engine records that cannot be attributed to a
// tenant, such as broker payloads that failed to decode.
const SystemOrganization = "system"
