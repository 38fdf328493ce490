// Package detector finds suspicious patterns in a window of audit events.
//
// Detectors are pure: given the same window and rules they return the same
// candidates. Deduplication of repeated candidates is the engine's job.
package detector

import (
	"fmt"
	"slices"
	"time"

	"github.com/smedrec/smart-logs-sub000/internal/audit"
	"github.com/smedrec/smart-logs-sub000/internal/monitor/models"
	platformstrings "github.com/smedrec/smart-logs-sub000/pkg/platform/strings"
)

// Alert types raised by the built-in detectors.
const (
	TypeRepeatedAuthFailure = "repeated-auth-failure"
	TypeUnusualAccessVolume = "unusual-access-volume"
	TypePHIAccessOutside    = "phi-access-outside-policy"
	TypeBulkResourceAccess  = "bulk-resource-access"
)

// Candidate is a proposed alert before deduplication.
type Candidate struct {
	OrganizationID string
	Severity       models.Severity
	Type           string
	Title          string
	Description    string
	Source         string
	SourceEventIDs []string
}

// ContentHash is the cooldown fingerprint of the candidate.
func (c Candidate) ContentHash() string {
	return models.ContentHash(c.OrganizationID, c.Source, c.Type, c.Severity)
}

// Detector inspects one organization's window. Events are in arrival order
// and all belong to the same organization.
type Detector interface {
	Name() string
	Detect(window []*audit.StoredEvent) []Candidate
}

// Builtin returns the enabled built-in detectors for rules.
func Builtin(rules Rules) []Detector {
	var out []Detector
	if rules.RepeatedAuthFailure.Threshold > 0 {
		out = append(out, &repeatedAuthFailure{rule: rules.RepeatedAuthFailure, window: rules.Window})
	}
	if rules.UnusualAccessVolume.Threshold > 0 {
		out = append(out, &unusualAccessVolume{rule: rules.UnusualAccessVolume, window: rules.Window})
	}
	if rules.PHIAccess.Enabled {
		loc, err := rules.PHIAccess.location()
		if err != nil {
			loc = time.UTC
		}
		out = append(out, &phiAccess{rule: rules.PHIAccess, loc: loc})
	}
	if rules.BulkResourceAccess.DistinctResources > 0 {
		out = append(out, &bulkResourceAccess{rule: rules.BulkResourceAccess, window: rules.Window})
	}
	return out
}

// Run applies every detector to window.
func Run(detectors []Detector, window []*audit.StoredEvent) []Candidate {
	var out []Candidate
	for _, d := range detectors {
		out = append(out, d.Detect(window)...)
	}
	return out
}

// byPrincipal groups events matching keep, preserving first-seen order of
// principals.
func byPrincipal(window []*audit.StoredEvent, keep func(*audit.StoredEvent) bool) ([]string, map[string][]*audit.StoredEvent) {
	var order []string
	groups := make(map[string][]*audit.StoredEvent)
	for _, e := range window {
		if !keep(e) {
			continue
		}
		if _, ok := groups[e.PrincipalID]; !ok {
			order = append(order, e.PrincipalID)
		}
		groups[e.PrincipalID] = append(groups[e.PrincipalID], e)
	}
	return order, groups
}

func eventIDs(events []*audit.StoredEvent) []string {
	ids := make([]string, len(events))
	for i, e := range events {
		ids[i] = e.ID
	}
	return platformstrings.DedupeAndTrim(ids)
}

type repeatedAuthFailure struct {
	rule   RepeatedAuthFailureRule
	window time.Duration
}

func (d *repeatedAuthFailure) Name() string { return TypeRepeatedAuthFailure }

func (d *repeatedAuthFailure) Detect(window []*audit.StoredEvent) []Candidate {
	order, groups := byPrincipal(window, func(e *audit.StoredEvent) bool {
		return e.Status == audit.StatusFailure && slices.Contains(d.rule.Actions, e.Action)
	})
	var out []Candidate
	for _, principal := range order {
		failures := groups[principal]
		if len(failures) < d.rule.Threshold {
			continue
		}
		out = append(out, Candidate{
			OrganizationID: failures[0].OrganizationID,
			Severity:       models.SeverityHigh,
			Type:           TypeRepeatedAuthFailure,
			Title:          "Repeated authentication failures",
			Description: fmt.Sprintf("%d failed authentication attempts by %s within %s",
				len(failures), principal, d.window),
			Source:         principal,
			SourceEventIDs: eventIDs(failures),
		})
	}
	return out
}

type unusualAccessVolume struct {
	rule   UnusualAccessVolumeRule
	window time.Duration
}

func (d *unusualAccessVolume) Name() string { return TypeUnusualAccessVolume }

func (d *unusualAccessVolume) Detect(window []*audit.StoredEvent) []Candidate {
	order, groups := byPrincipal(window, func(e *audit.StoredEvent) bool {
		return e.PrincipalID != audit.SystemPrincipal
	})
	var out []Candidate
	for _, principal := range order {
		events := groups[principal]
		if len(events) < d.rule.Threshold {
			continue
		}
		out = append(out, Candidate{
			OrganizationID: events[0].OrganizationID,
			Severity:       models.SeverityMedium,
			Type:           TypeUnusualAccessVolume,
			Title:          "Unusual access volume",
			Description:    fmt.Sprintf("%s generated %d events within %s", principal, len(events), d.window),
			Source:         principal,
			SourceEventIDs: eventIDs(events),
		})
	}
	return out
}

type phiAccess struct {
	rule PHIAccessRule
	loc  *time.Location
}

func (d *phiAccess) Name() string { return TypePHIAccessOutside }

func (d *phiAccess) outsideHours(t time.Time) bool {
	h := t.In(d.loc).Hour()
	return h < d.rule.BusinessHoursStart || h >= d.rule.BusinessHoursEnd
}

func (d *phiAccess) Detect(window []*audit.StoredEvent) []Candidate {
	failures := make(map[string]int)
	for _, e := range window {
		if e.Status == audit.StatusFailure {
			failures[e.PrincipalID]++
		}
	}

	order, groups := byPrincipal(window, func(e *audit.StoredEvent) bool {
		return e.DataClassification == audit.ClassificationPHI && e.Status != audit.StatusFailure
	})
	var out []Candidate
	for _, principal := range order {
		var flagged []*audit.StoredEvent
		suspicious := d.rule.FailureThreshold > 0 && failures[principal] >= d.rule.FailureThreshold
		for _, e := range groups[principal] {
			if suspicious || d.outsideHours(e.Timestamp) {
				flagged = append(flagged, e)
			}
		}
		if len(flagged) == 0 {
			continue
		}
		reason := "outside business hours"
		if suspicious {
			reason = fmt.Sprintf("after %d failed attempts", failures[principal])
		}
		out = append(out, Candidate{
			OrganizationID: flagged[0].OrganizationID,
			Severity:       models.SeverityHigh,
			Type:           TypePHIAccessOutside,
			Title:          "PHI accessed outside policy",
			Description:    fmt.Sprintf("%s accessed PHI %d times %s", principal, len(flagged), reason),
			Source:         principal,
			SourceEventIDs: eventIDs(flagged),
		})
	}
	return out
}

type bulkResourceAccess struct {
	rule   BulkResourceAccessRule
	window time.Duration
}

func (d *bulkResourceAccess) Name() string { return TypeBulkResourceAccess }

func (d *bulkResourceAccess) Detect(window []*audit.StoredEvent) []Candidate {
	order, groups := byPrincipal(window, func(e *audit.StoredEvent) bool {
		return e.TargetResourceID != "" && e.PrincipalID != audit.SystemPrincipal
	})
	var out []Candidate
	for _, principal := range order {
		events := groups[principal]
		distinct := make(map[string]struct{})
		for _, e := range events {
			distinct[e.TargetResourceType+"/"+e.TargetResourceID] = struct{}{}
		}
		if len(distinct) < d.rule.DistinctResources {
			continue
		}
		out = append(out, Candidate{
			OrganizationID: events[0].OrganizationID,
			Severity:       models.SeverityMedium,
			Type:           TypeBulkResourceAccess,
			Title:          "Bulk resource access",
			Description:    fmt.Sprintf("%s accessed %d distinct resources within %s", principal, len(distinct), d.window),
			Source:         principal,
			SourceEventIDs: eventIDs(events),
		})
	}
	return out
}
