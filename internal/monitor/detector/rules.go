package detector

import (
	"fmt"
	"os"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"

	dErrors "github.com/smedrec/smart-logs-sub000/pkg/domain-errors"
)

// Rules tunes the built-in detectors. A zero threshold disables a detector.
type Rules struct {
	Window              time.Duration           `yaml:"window"`
	RepeatedAuthFailure RepeatedAuthFailureRule `yaml:"repeatedAuthFailure"`
	UnusualAccessVolume UnusualAccessVolumeRule `yaml:"unusualAccessVolume"`
	PHIAccess           PHIAccessRule           `yaml:"phiAccess"`
	BulkResourceAccess  BulkResourceAccessRule  `yaml:"bulkResourceAccess"`
}

type RepeatedAuthFailureRule struct {
	Threshold int `yaml:"threshold"`
	// Actions are the event actions that count as authentication attempts.
	Actions []string `yaml:"actions"`
}

type UnusualAccessVolumeRule struct {
	Threshold int `yaml:"threshold"`
}

// PHIAccessRule flags PHI access outside business hours, or by a principal
// that has failed FailureThreshold times in the window.
type PHIAccessRule struct {
	Enabled            bool   `yaml:"enabled"`
	BusinessHoursStart int    `yaml:"businessHoursStart"`
	BusinessHoursEnd   int    `yaml:"businessHoursEnd"`
	Timezone           string `yaml:"timezone"`
	FailureThreshold   int    `yaml:"failureThreshold"`
}

type BulkResourceAccessRule struct {
	DistinctResources int `yaml:"distinctResources"`
}

func DefaultRules() Rules {
	return Rules{
		Window: 5 * time.Minute,
		RepeatedAuthFailure: RepeatedAuthFailureRule{
			Threshold: 5,
			Actions:   []string{"user.login", "auth.login", "auth.token.refresh"},
		},
		UnusualAccessVolume: UnusualAccessVolumeRule{Threshold: 100},
		PHIAccess: PHIAccessRule{
			Enabled:            true,
			BusinessHoursStart: 8,
			BusinessHoursEnd:   18,
			Timezone:           "UTC",
			FailureThreshold:   3,
		},
		BulkResourceAccess: BulkResourceAccessRule{DistinctResources: 50},
	}
}

// LoadRules reads a YAML rules file over the defaults. Fields missing from
// the file keep their default value.
func LoadRules(path string) (Rules, error) {
	rules := DefaultRules()
	raw, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, fmt.Errorf("read monitor rules: %w", err)
	}
	if err := yaml.Unmarshal(raw, &rules); err != nil {
		return Rules{}, dErrors.Wrap(err, dErrors.CodeInvalidInput, "parse monitor rules")
	}
	if err := rules.Validate(); err != nil {
		return Rules{}, err
	}
	return rules, nil
}

func (r Rules) Validate() error {
	switch {
	case r.Window <= 0:
		return dErrors.New(dErrors.CodeInvalidInput, "monitor window must be positive")
	case r.RepeatedAuthFailure.Threshold < 0, r.UnusualAccessVolume.Threshold < 0,
		r.BulkResourceAccess.DistinctResources < 0, r.PHIAccess.FailureThreshold < 0:
		return dErrors.New(dErrors.CodeInvalidInput, "monitor thresholds must not be negative")
	case r.PHIAccess.Enabled && (r.PHIAccess.BusinessHoursStart < 0 || r.PHIAccess.BusinessHoursEnd > 24 ||
		r.PHIAccess.BusinessHoursStart >= r.PHIAccess.BusinessHoursEnd):
		return dErrors.Newf(dErrors.CodeInvalidInput, "invalid business hours %d-%d",
			r.PHIAccess.BusinessHoursStart, r.PHIAccess.BusinessHoursEnd)
	}
	if _, err := r.PHIAccess.location(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInvalidInput, "invalid business hours timezone")
	}
	return nil
}

func (r PHIAccessRule) location() (*time.Location, error) {
	if r.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(r.Timezone)
}
