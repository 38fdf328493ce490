// Package validator checks the shape of inbound audit events before they are
// sealed and queued. Validation is side-effect free and reports every violated
// constraint at once so batch producers can fix all problems in one pass.
package validator

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/smedrec/smart-logs-sub000/internal/audit"
	dErrors "github.com/smedrec/smart-logs-sub000/pkg/domain-errors"
)

// Limits bounds free-form input.
type Limits struct {
	MaxDetailsProperties int
	MaxDetailsDepth      int
	MaxDetailsBytes      int
	MaxClockSkew         time.Duration
}

// DefaultLimits mirrors the production defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxDetailsProperties: 100,
		MaxDetailsDepth:      5,
		MaxDetailsBytes:      16 * 1024,
		MaxClockSkew:         5 * time.Minute,
	}
}

// Violation is one failed constraint.
type Violation struct {
	Field   string `json:"field"`
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

// ValidationError lists every violated constraint of a rejected event.
type ValidationError struct {
	Violations []Violation
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		msgs[i] = v.Message
	}
	return "invalid audit event: " + strings.Join(msgs, "; ")
}

// Unwrap exposes the coded error so dErrors.HasCode(err, CodeValidation) holds.
func (e *ValidationError) Unwrap() error {
	return dErrors.New(dErrors.CodeValidation, "audit event failed validation")
}

// ErrorDetails lets HTTP responses list the violations.
func (e *ValidationError) ErrorDetails() any { return e.Violations }

// Fields returns the names of the violated fields in report order.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		out[i] = v.Field
	}
	return out
}

// eventRules mirrors audit.Event with struct-tag constraints.
type eventRules struct {
	Action             string `json:"action" validate:"required,max=256"`
	Status             string `json:"status" validate:"required,oneof=attempt success failure"`
	PrincipalID        string `json:"principalId" validate:"required,max=256"`
	OrganizationID     string `json:"organizationId" validate:"required,max=256"`
	TargetResourceType string `json:"targetResourceType" validate:"required_with=TargetResourceID,max=128"`
	TargetResourceID   string `json:"targetResourceId" validate:"max=256"`
	DataClassification string `json:"dataClassification" validate:"omitempty,oneof=PUBLIC INTERNAL CONFIDENTIAL PHI"`
	CorrelationID      string `json:"correlationId" validate:"max=256"`
}

// Validator is stateless apart from its configuration and safe for concurrent
// use.
type Validator struct {
	validate *validator.Validate
	limits   Limits
	now      func() time.Time
}

// Option configures a Validator.
type Option func(*Validator)

// WithLimits overrides the default limits.
func WithLimits(l Limits) Option {
	return func(v *Validator) { v.limits = l }
}

// WithClock injects the time source used to default and bound timestamps.
func WithClock(now func() time.Time) Option {
	return func(v *Validator) {
		if now != nil {
			v.now = now
		}
	}
}

func New(opts ...Option) *Validator {
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	v := &Validator{
		validate: validate,
		limits:   DefaultLimits(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate returns a normalised copy of raw or a *ValidationError. A zero
// timestamp is set to the current time and an empty classification defaults
// to INTERNAL; integrity fields supplied by the producer are discarded.
func (v *Validator) Validate(raw audit.Event) (*audit.Event, error) {
	return v.check(raw, nil)
}

// ValidateExternal is Validate for producer submissions. It also rejects the
// principal and the actions reserved for the engine's own audit trail.
func (v *Validator) ValidateExternal(raw audit.Event) (*audit.Event, error) {
	return v.check(raw, reserved(raw))
}

func reserved(raw audit.Event) []Violation {
	var out []Violation
	if strings.TrimSpace(raw.PrincipalID) == audit.SystemPrincipal {
		out = append(out, Violation{
			Field:   "principalId",
			Rule:    "reserved",
			Message: fmt.Sprintf("principal %q is reserved for the audit engine", audit.SystemPrincipal),
		})
	}
	if action := strings.TrimSpace(raw.Action); audit.IsEngineAction(action) {
		out = append(out, Violation{
			Field:   "action",
			Rule:    "reserved",
			Message: fmt.Sprintf("action %q is reserved for the audit engine", action),
		})
	}
	return out
}

func (v *Validator) check(raw audit.Event, violations []Violation) (*audit.Event, error) {
	rules := eventRules{
		Action:             strings.TrimSpace(raw.Action),
		Status:             string(raw.Status),
		PrincipalID:        strings.TrimSpace(raw.PrincipalID),
		OrganizationID:     strings.TrimSpace(raw.OrganizationID),
		TargetResourceType: raw.TargetResourceType,
		TargetResourceID:   raw.TargetResourceID,
		DataClassification: string(raw.DataClassification),
		CorrelationID:      raw.CorrelationID,
	}
	if err := v.validate.Struct(rules); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "run validator")
		}
		for _, fe := range fieldErrs {
			violations = append(violations, toViolation(fe))
		}
	}

	now := v.now()
	if !raw.Timestamp.IsZero() && v.limits.MaxClockSkew > 0 && raw.Timestamp.After(now.Add(v.limits.MaxClockSkew)) {
		violations = append(violations, Violation{
			Field:   "timestamp",
			Rule:    "max_skew",
			Message: fmt.Sprintf("timestamp is more than %s in the future", v.limits.MaxClockSkew),
		})
	}

	violations = append(violations, v.checkDetails(raw.Details)...)

	if len(violations) > 0 {
		return nil, &ValidationError{Violations: violations}
	}

	out := raw.Clone()
	out.ID = ""
	out.Action = rules.Action
	out.PrincipalID = rules.PrincipalID
	out.OrganizationID = rules.OrganizationID
	if out.Timestamp.IsZero() {
		out.Timestamp = now
	}
	// Storage keeps microseconds; the digest must survive the round trip.
	out.Timestamp = out.Timestamp.UTC().Truncate(time.Microsecond)
	if out.DataClassification == "" {
		out.DataClassification = audit.ClassificationInternal
	}
	out.Hash, out.HashAlgorithm = "", ""
	out.Signature, out.SigningAlgorithm, out.SigningKeyID = "", "", ""
	return out, nil
}

func (v *Validator) checkDetails(d audit.Details) []Violation {
	if len(d) == 0 {
		return nil
	}
	shape, err := d.Shape()
	if err != nil {
		return []Violation{{Field: "details", Rule: "type", Message: err.Error()}}
	}
	var out []Violation
	if v.limits.MaxDetailsDepth > 0 && shape.Depth > v.limits.MaxDetailsDepth {
		out = append(out, Violation{
			Field:   "details",
			Rule:    "max_depth",
			Message: fmt.Sprintf("details nesting depth %d exceeds %d", shape.Depth, v.limits.MaxDetailsDepth),
		})
	}
	if v.limits.MaxDetailsProperties > 0 && shape.Properties > v.limits.MaxDetailsProperties {
		out = append(out, Violation{
			Field:   "details",
			Rule:    "max_properties",
			Message: fmt.Sprintf("details has %d properties, limit is %d", shape.Properties, v.limits.MaxDetailsProperties),
		})
	}
	if v.limits.MaxDetailsBytes > 0 && shape.Bytes > v.limits.MaxDetailsBytes {
		out = append(out, Violation{
			Field:   "details",
			Rule:    "max_bytes",
			Message: fmt.Sprintf("details encodes to %d bytes, limit is %d", shape.Bytes, v.limits.MaxDetailsBytes),
		})
	}
	return out
}

func toViolation(fe validator.FieldError) Violation {
	field := fe.Field()
	var msg string
	switch fe.Tag() {
	case "required":
		msg = fmt.Sprintf("%s is required", field)
	case "required_with":
		msg = fmt.Sprintf("%s is required when %s is set", field, "targetResourceId")
	case "oneof":
		msg = fmt.Sprintf("%s must be one of: %s", field, fe.Param())
	case "max":
		msg = fmt.Sprintf("%s must be at most %s characters", field, fe.Param())
	default:
		msg = fmt.Sprintf("%s failed %q", field, fe.Tag())
	}
	return Violation{Field: field, Rule: fe.Tag(), Message: msg}
}
