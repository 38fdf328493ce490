package integrity

import (
	"time"

	"github.com/smedrec/smart-logs-sub000/internal/audit"
)

// ViolationEvent builds the security event recorded when e fails
// verification. detectedBy names the component that ran the check.
func ViolationEvent(e *audit.Event, res Result, detectedBy string, at time.Time) *audit.Event {
	target := e.ID
	if target == "" {
		target = e.CorrelationID
	}
	return &audit.Event{
		Timestamp:          at.UTC(),
		Action:             audit.ActionIntegrityViolation,
		Status:             audit.StatusFailure,
		PrincipalID:        audit.SystemPrincipal,
		OrganizationID:     e.OrganizationID,
		TargetResourceType: "AuditEvent",
		TargetResourceID:   target,
		DataClassification: audit.ClassificationConfidential,
		CorrelationID:      e.CorrelationID,
		Details: audit.Details{
			"reason":            string(res.Reason),
			"expectedHash":      res.ExpectedHash,
			"actualHash":        res.ActualHash,
			"detectedBy":        detectedBy,
			"originalAction":    e.Action,
			"originalPrincipal": e.PrincipalID,
		},
	}
}
