package dispatch

import (
	"fmt"
	"time"
)

const DefaultBaseDelay = time.Second

// Tier maps a sent-count condition to a cooldown.
//
// Exactly one of EveryN (repeating) or AtCount (one-time milestone) is set.
type Tier struct {
	EveryN  int           `json:"every_n,omitempty"`
	AtCount int           `json:"at_count,omitempty"`
	Delay   time.Duration `json:"delay"`
}

// DefaultTiers returns the stock cooldown ladder.
func DefaultTiers() []Tier {
	return []Tier{
		{EveryN: 10, Delay: 30 * time.Second},
		{AtCount: 100, Delay: 5 * time.Minute},
		{AtCount: 300, Delay: 10 * time.Minute},
		{AtCount: 500, Delay: 30 * time.Minute},
	}
}

// Matches reports whether the tier triggers at the given sent count.
// A count of zero or less never matches.
func (t Tier) Matches(sent int) bool {
	if sent <= 0 {
		return false
	}
	switch {
	case t.EveryN > 0:
		return sent%t.EveryN == 0
	case t.AtCount > 0:
		return sent == t.AtCount
	}
	return false
}

func (t Tier) String() string {
	if t.EveryN > 0 {
		return fmt.Sprintf("every %d", t.EveryN)
	}
	return fmt.Sprintf("milestone %d", t.AtCount)
}

func (t Tier) Validate() error {
	if (t.EveryN > 0) == (t.AtCount > 0) {
		return fmt.Errorf("%w: tier needs exactly one of every_n or at_count", ErrInvalidConfig)
	}
	if t.EveryN < 0 || t.AtCount < 0 {
		return fmt.Errorf("%w: tier counts must be positive", ErrInvalidConfig)
	}
	if t.Delay <= 0 {
		return fmt.Errorf("%w: tier %s: delay must be > 0", ErrInvalidConfig, t)
	}
	return nil
}

// DelayFor returns the cooldown required after sent messages.
//
// The longest matching tier wins (tiers are never summed) and the result is
// never below base.
func DelayFor(sent int, tiers []Tier, base time.Duration) time.Duration {
	d, _ := delayWithReason(sent, tiers, base)
	return d
}

func delayWithReason(sent int, tiers []Tier, base time.Duration) (time.Duration, string) {
	d, reason := base, "base"
	for _, t := range tiers {
		if t.Matches(sent) && t.Delay > d {
			d, reason = t.Delay, t.String()
		}
	}
	return d, reason
}

// Settings is the per-job configuration snapshot.
type Settings struct {
	BaseDelay time.Duration `json:"base_delay"`
	Tiers     []Tier        `json:"tiers,omitempty"`
	// Adaptive enables tier cooldowns; without it only BaseDelay applies.
	Adaptive bool `json:"adaptive"`
}

// DefaultSettings mirrors the stock configuration.
func DefaultSettings() Settings {
	return Settings{BaseDelay: DefaultBaseDelay, Tiers: DefaultTiers(), Adaptive: true}
}

func (s Settings) Validate() error {
	if s.BaseDelay <= 0 {
		return fmt.Errorf("%w: base delay must be > 0, got %s", ErrInvalidConfig, s.BaseDelay)
	}
	return ValidateTiers(s.Tiers)
}

// ValidateTiers reports the first invalid tier, with its index.
func ValidateTiers(tiers []Tier) error {
	for i, t := range tiers {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("tiers[%d]: %w", i, err)
		}
	}
	return nil
}

// cooldown is the wait after the given sent count under these settings.
func (s Settings) cooldown(sent int) (time.Duration, string) {
	if !s.Adaptive {
		return s.BaseDelay, "base"
	}
	return delayWithReason(sent, s.Tiers, s.BaseDelay)
}

func (s Settings) clone() Settings {
	s.Tiers = append([]Tier(nil), s.Tiers...)
	return s
}
