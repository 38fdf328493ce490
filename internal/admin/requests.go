package admin

import (
	"time"

	"github.com/smedrec/smart-logs-sub000/internal/audit"
)

// EventRequest is the submission body. Integrity fields are computed by the
// engine and not accepted from clients.
type EventRequest struct {
	ID                 string                   `json:"id,omitempty"`
	Timestamp          time.Time                `json:"timestamp"`
	Action             string                   `json:"action"`
	Status             audit.Status             `json:"status"`
	PrincipalID        string                   `json:"principalId"`
	OrganizationID     string                   `json:"organizationId"`
	TargetResourceType string                   `json:"targetResourceType,omitempty"`
	TargetResourceID   string                   `json:"targetResourceId,omitempty"`
	DataClassification audit.DataClassification `json:"dataClassification"`
	Details            audit.Details            `json:"details,omitempty"`
	CorrelationID      string                   `json:"correlationId,omitempty"`
}

func (r EventRequest) ToEvent() audit.Event {
	return audit.Event{
		ID:                 r.ID,
		Timestamp:          r.Timestamp,
		Action:             r.Action,
		Status:             r.Status,
		PrincipalID:        r.PrincipalID,
		OrganizationID:     r.OrganizationID,
		TargetResourceType: r.TargetResourceType,
		TargetResourceID:   r.TargetResourceID,
		DataClassification: r.DataClassification,
		Details:            r.Details,
		CorrelationID:      r.CorrelationID,
	}
}

type BatchRequest struct {
	Events []EventRequest `json:"events"`
}

type DiscardRequest struct {
	Reason string `json:"reason"`
}

type VerifyRequest struct {
	OrganizationID string    `json:"organizationId"`
	Start          time.Time `json:"start"`
	End            time.Time `json:"end,omitempty"`
}
