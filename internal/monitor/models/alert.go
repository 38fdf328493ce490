package models

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	dErrors "github.com/smedrec/smart-logs-sub000/pkg/domain-errors"
)

type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
	SeverityInfo     Severity = "INFO"
)

func (s Severity) IsValid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo:
		return true
	}
	return false
}

type AlertStatus string

const (
	AlertStatusActive       AlertStatus = "ACTIVE"
	AlertStatusAcknowledged AlertStatus = "ACKNOWLEDGED"
	AlertStatusResolved     AlertStatus = "RESOLVED"
	AlertStatusDismissed    AlertStatus = "DISMISSED"
)

func (s AlertStatus) IsValid() bool {
	switch s {
	case AlertStatusActive, AlertStatusAcknowledged, AlertStatusResolved, AlertStatusDismissed:
		return true
	}
	return false
}

// CanTransitionTo encodes the alert lifecycle:
// ACTIVE -> ACKNOWLEDGED, and ACTIVE|ACKNOWLEDGED -> RESOLVED|DISMISSED.
func (s AlertStatus) CanTransitionTo(next AlertStatus) bool {
	switch next {
	case AlertStatusAcknowledged:
		return s == AlertStatusActive
	case AlertStatusResolved, AlertStatusDismissed:
		return s == AlertStatusActive || s == AlertStatusAcknowledged
	}
	return false
}

// Alert is a finding raised by the monitor.
//
// Invariants:
//   - ContentHash is derived from OrganizationID, Source, Type and Severity
//   - At most one alert per ContentHash is created within the cooldown window
//   - Status only moves along CanTransitionTo; RESOLVED and DISMISSED are final
type Alert struct {
	ID             string      `json:"id"`
	OrganizationID string      `json:"organizationId"`
	Severity       Severity    `json:"severity"`
	Type           string      `json:"type"`
	Title          string      `json:"title"`
	Description    string      `json:"description"`
	Source         string      `json:"source"`
	SourceEventIDs []string    `json:"sourceEventIds"`
	Status         AlertStatus `json:"status"`
	CreatedAt      time.Time   `json:"createdAt"`
	AcknowledgedAt *time.Time  `json:"acknowledgedAt,omitempty"`
	AcknowledgedBy string      `json:"acknowledgedBy,omitempty"`
	ResolvedAt     *time.Time  `json:"resolvedAt,omitempty"`
	ResolvedBy     string      `json:"resolvedBy,omitempty"`
	ContentHash    string      `json:"contentHash"`
}

// ContentHash fingerprints an alert for cooldown deduplication.
func ContentHash(organizationID, source, alertType string, severity Severity) string {
	canonical := strings.Join([]string{
		"organizationId=" + strconv.QuoteToASCII(organizationID),
		"source=" + strconv.QuoteToASCII(source),
		"type=" + strconv.QuoteToASCII(alertType),
		"severity=" + strconv.QuoteToASCII(string(severity)),
	}, "\n")
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

func (a *Alert) IsOpen() bool {
	return a.Status == AlertStatusActive || a.Status == AlertStatusAcknowledged
}

func (a *Alert) canTransition(next AlertStatus) error {
	if !a.Status.CanTransitionTo(next) {
		return dErrors.Newf(dErrors.CodeInvariantViolation,
			"alert %s cannot move from %s to %s", a.ID, a.Status, next)
	}
	return nil
}

func (a *Alert) CanAcknowledge() error { return a.canTransition(AlertStatusAcknowledged) }
func (a *Alert) CanResolve() error     { return a.canTransition(AlertStatusResolved) }
func (a *Alert) CanDismiss() error     { return a.canTransition(AlertStatusDismissed) }

// Acknowledge validates and applies ACTIVE -> ACKNOWLEDGED.
func (a *Alert) Acknowledge(by string, now time.Time) (AlertPatch, error) {
	if err := a.CanAcknowledge(); err != nil {
		return AlertPatch{}, err
	}
	patch := AlertPatch{ExpectedStatus: a.Status, Status: AlertStatusAcknowledged, AcknowledgedAt: &now, AcknowledgedBy: by}
	patch.Apply(a)
	return patch, nil
}

// Resolve validates and applies the move to RESOLVED.
func (a *Alert) Resolve(by string, now time.Time) (AlertPatch, error) {
	if err := a.CanResolve(); err != nil {
		return AlertPatch{}, err
	}
	patch := AlertPatch{ExpectedStatus: a.Status, Status: AlertStatusResolved, ResolvedAt: &now, ResolvedBy: by}
	patch.Apply(a)
	return patch, nil
}

// Dismiss validates and applies the move to DISMISSED. The closing operator
// and time are kept in the resolved fields.
func (a *Alert) Dismiss(by string, now time.Time) (AlertPatch, error) {
	if err := a.CanDismiss(); err != nil {
		return AlertPatch{}, err
	}
	patch := AlertPatch{ExpectedStatus: a.Status, Status: AlertStatusDismissed, ResolvedAt: &now, ResolvedBy: by}
	patch.Apply(a)
	return patch, nil
}

// AlertPatch is a status change. Stores apply it only while the alert still
// has ExpectedStatus, so concurrent transitions cannot both win.
type AlertPatch struct {
	ExpectedStatus AlertStatus
	Status         AlertStatus
	AcknowledgedAt *time.Time
	AcknowledgedBy string
	ResolvedAt     *time.Time
	ResolvedBy     string
}

// Apply writes the patch onto a.
func (p AlertPatch) Apply(a *Alert) {
	a.Status = p.Status
	if p.AcknowledgedAt != nil {
		at := *p.AcknowledgedAt
		a.AcknowledgedAt = &at
		a.AcknowledgedBy = p.AcknowledgedBy
	}
	if p.ResolvedAt != nil {
		at := *p.ResolvedAt
		a.ResolvedAt = &at
		a.ResolvedBy = p.ResolvedBy
	}
}

// Validate checks the fields required to persist a new alert.
func (a *Alert) Validate() error {
	switch {
	case a.ID == "":
		return dErrors.New(dErrors.CodeInvalidInput, "alert id is required")
	case a.OrganizationID == "":
		return dErrors.New(dErrors.CodeInvalidInput, "alert organization is required")
	case !a.Severity.IsValid():
		return dErrors.Newf(dErrors.CodeInvalidInput, "invalid alert severity %q", a.Severity)
	case !a.Status.IsValid():
		return dErrors.Newf(dErrors.CodeInvalidInput, "invalid alert status %q", a.Status)
	case a.Type == "":
		return dErrors.New(dErrors.CodeInvalidInput, "alert type is required")
	}
	return nil
}

// Clone returns a deep copy.
func (a *Alert) Clone() *Alert {
	out := *a
	out.SourceEventIDs = append([]string(nil), a.SourceEventIDs...)
	if a.AcknowledgedAt != nil {
		at := *a.AcknowledgedAt
		out.AcknowledgedAt = &at
	}
	if a.ResolvedAt != nil {
		at := *a.ResolvedAt
		out.ResolvedAt = &at
	}
	return &out
}

// AlertFilter narrows alert queries. Zero values match everything.
type AlertFilter struct {
	OrganizationID string
	Status         AlertStatus
	Limit          int
}
