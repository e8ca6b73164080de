package dispatch

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestDelayFor(t *testing.T) {
	t.Parallel()
	tiers := DefaultTiers()
	base := time.Second
	tests := []struct {
		name string
		sent int
		want time.Duration
	}{
		{name: "no tier", sent: 7, want: time.Second},
		{name: "every 10", sent: 10, want: 30 * time.Second},
		{name: "every 10 repeats", sent: 250, want: 30 * time.Second},
		{name: "milestone beats every", sent: 100, want: 5 * time.Minute},
		{name: "milestone 300", sent: 300, want: 10 * time.Minute},
		{name: "milestone 500", sent: 500, want: 30 * time.Minute},
		{name: "milestone does not repeat", sent: 1000, want: 30 * time.Second},
		{name: "zero sent", sent: 0, want: time.Second},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := DelayFor(tt.sent, tiers, base); got != tt.want {
				t.Fatalf("DelayFor(%d) = %v, want %v", tt.sent, got, tt.want)
			}
		})
	}
}

func TestDelayForMaxNotSum(t *testing.T) {
	t.Parallel()
	tiers := []Tier{{EveryN: 5, Delay: 3 * time.Second}, {EveryN: 2, Delay: 2 * time.Second}}
	if got := DelayFor(10, tiers, time.Second); got != 3*time.Second {
		t.Fatalf("DelayFor = %v, want 3s", got)
	}
}

func TestDelayForBaseFloor(t *testing.T) {
	t.Parallel()
	tiers := []Tier{{EveryN: 2, Delay: 10 * time.Millisecond}}
	if got := DelayFor(4, tiers, time.Second); got != time.Second {
		t.Fatalf("DelayFor = %v, want base 1s", got)
	}
}

func TestDelayForIsDeterministic(t *testing.T) {
	t.Parallel()
	tiers := DefaultTiers()
	for i := 0; i < 3; i++ {
		if DelayFor(100, tiers, time.Second) != 5*time.Minute {
			t.Fatal("DelayFor not deterministic")
		}
	}
	if tiers[0].EveryN != 10 || len(tiers) != 4 {
		t.Fatal("DelayFor mutated its input")
	}
}

func TestSettingsValidate(t *testing.T) {
	t.Parallel()
	bad := []Settings{
		{BaseDelay: 0},
		{BaseDelay: -time.Second},
		{BaseDelay: time.Second, Tiers: []Tier{{EveryN: 10}}},
		{BaseDelay: time.Second, Tiers: []Tier{{EveryN: 10, AtCount: 5, Delay: time.Second}}},
		{BaseDelay: time.Second, Tiers: []Tier{{Delay: time.Second}}},
		{BaseDelay: time.Second, Tiers: []Tier{{EveryN: 3, Delay: -time.Second}}},
	}
	for i, s := range bad {
		if err := s.Validate(); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("case %d: Validate() = %v, want ErrInvalidConfig", i, err)
		}
	}
	if err := DefaultSettings().Validate(); err != nil {
		t.Fatalf("default settings invalid: %v", err)
	}
}

func TestValidateTiersNamesIndex(t *testing.T) {
	t.Parallel()
	tiers := append(DefaultTiers(), Tier{AtCount: 50})
	err := ValidateTiers(tiers)
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("ValidateTiers() = %v, want ErrInvalidConfig", err)
	}
	if !strings.Contains(err.Error(), "tiers[4]") {
		t.Fatalf("error should name the bad tier: %v", err)
	}
}

func TestSettingsCooldownReason(t *testing.T) {
	t.Parallel()
	s := DefaultSettings()
	if d, reason := s.cooldown(100); d != 5*time.Minute || reason != "milestone 100" {
		t.Fatalf("cooldown(100) = %v %q", d, reason)
	}
	s.Adaptive = false
	if d, reason := s.cooldown(100); d != time.Second || reason != "base" {
		t.Fatalf("non-adaptive cooldown(100) = %v %q", d, reason)
	}
}
