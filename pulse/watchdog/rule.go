package watchdog

import (
	"time"

	"github.com/teranos/forage/errors"
)

// MinOccurrences is the least corroboration any rule may require.
const MinOccurrences = 2

// Rule turns repeated detections of one kind into a restart.
type Rule struct {
	Kind string `mapstructure:"kind" json:"kind"`
	// Occurrences is how many detections within Window trigger the action.
	Occurrences int           `mapstructure:"occurrences" json:"occurrences"`
	Window      time.Duration `mapstructure:"window" json:"window"`
	// Cooldown suppresses a repeat action against the same service.
	Cooldown time.Duration `mapstructure:"cooldown" json:"cooldown"`
	// VerifyAfter is how long after an action the condition is re-checked.
	VerifyAfter time.Duration `mapstructure:"verify_after" json:"verify_after"`
	// Service overrides the service named by the detection.
	Service string `mapstructure:"service" json:"service,omitempty"`
}

// Validate rejects rules that could restart on a single observation.
func (r Rule) Validate() error {
	if r.Kind == "" {
		return errors.NewInvalidRequestError("rule kind is required")
	}
	if r.Occurrences < MinOccurrences {
		return errors.NewInvalidRequestError("rule %s: occurrences must be at least %d, got %d",
			r.Kind, MinOccurrences, r.Occurrences)
	}
	if r.Window <= 0 {
		return errors.NewInvalidRequestError("rule %s: window must be positive", r.Kind)
	}
	if r.Cooldown < 0 || r.VerifyAfter < 0 {
		return errors.NewInvalidRequestError("rule %s: cooldown and verify_after must not be negative", r.Kind)
	}
	return nil
}

// DefaultRules covers every built-in probe kind.
func DefaultRules() []Rule {
	return []Rule{
		{Kind: KindStaleHeartbeat, Occurrences: 2, Window: 10 * time.Minute, Cooldown: 30 * time.Minute, VerifyAfter: 2 * time.Minute},
		{Kind: KindProcessCount, Occurrences: 3, Window: 15 * time.Minute, Cooldown: time.Hour, VerifyAfter: 5 * time.Minute},
		{Kind: KindMemory, Occurrences: 3, Window: 15 * time.Minute, Cooldown: time.Hour, VerifyAfter: 5 * time.Minute},
		{Kind: KindServiceDown, Occurrences: 2, Window: 5 * time.Minute, Cooldown: 15 * time.Minute, VerifyAfter: time.Minute},
		{Kind: KindFailureRate, Occurrences: 3, Window: 30 * time.Minute, Cooldown: time.Hour, VerifyAfter: 10 * time.Minute},
	}
}
