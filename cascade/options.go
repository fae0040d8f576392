package cascade

import (
	"time"

	"github.com/c360studio/cascade/apierr"
	"github.com/c360studio/cascade/registry"
)

// StartTierAuto asks the classifier to pick the starting tier.
const StartTierAuto = "auto"

// DefaultTierTimeouts holds the per-tier deadlines applied when an
// invocation does not override them.
var DefaultTierTimeouts = map[registry.FunctionType]time.Duration{
	registry.TypeCode:       5 * time.Second,
	registry.TypeGenerative: 30 * time.Second,
	registry.TypeAgentic:    5 * time.Minute,
	registry.TypeHuman:      24 * time.Hour,
}

// Options shape one cascade execution. All durations are milliseconds on
// the wire and normalized internally.
type Options struct {
	// StartTier is a tier name or "auto". Empty means the function's own
	// type, falling back to code.
	StartTier string `json:"startTier,omitempty"`

	// SkipTiers removes tiers from the escalation order entirely.
	SkipTiers []registry.FunctionType `json:"skipTiers,omitempty"`

	// TierTimeouts overrides per-tier deadlines, in milliseconds.
	TierTimeouts map[registry.FunctionType]int64 `json:"tierTimeouts,omitempty"`

	// TotalTimeout bounds the whole cascade, in milliseconds. Zero means
	// unbounded.
	TotalTimeout int64 `json:"totalTimeout,omitempty"`

	// EnableParallel races all tiers concurrently; first success wins.
	// Parallel mode disables fallback.
	EnableParallel bool `json:"enableParallel,omitempty"`

	// EnableFallback threads the previous attempt's failure into the next
	// tier's input as additional context.
	EnableFallback bool `json:"enableFallback,omitempty"`
}

// Validate rejects unknown tiers in StartTier and SkipTiers.
func (o *Options) Validate() error {
	if o.StartTier != "" && o.StartTier != StartTierAuto && !registry.IsValidType(registry.FunctionType(o.StartTier)) {
		return apierr.Newf(apierr.KindValidation, "invalid startTier %q", o.StartTier)
	}
	for _, t := range o.SkipTiers {
		if !registry.IsValidType(t) {
			return apierr.Newf(apierr.KindValidation, "invalid skip tier %q", t)
		}
	}
	for t, ms := range o.TierTimeouts {
		if !registry.IsValidType(t) {
			return apierr.Newf(apierr.KindValidation, "invalid tier %q in tierTimeouts", t)
		}
		if ms < 0 {
			return apierr.Newf(apierr.KindValidation, "negative timeout for tier %q", t)
		}
	}
	if o.TotalTimeout < 0 {
		return apierr.New(apierr.KindValidation, "negative totalTimeout")
	}
	return nil
}

// tierTimeout resolves the effective deadline for one tier.
func (o *Options) tierTimeout(tier registry.FunctionType) time.Duration {
	if ms, ok := o.TierTimeouts[tier]; ok {
		return time.Duration(ms) * time.Millisecond
	}
	return DefaultTierTimeouts[tier]
}

// skips reports whether a tier is in the skip list.
func (o *Options) skips(tier registry.FunctionType) bool {
	for _, t := range o.SkipTiers {
		if t == tier {
			return true
		}
	}
	return false
}
