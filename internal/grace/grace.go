// Package grace computes the allowed lateness for one dose. The computation
// is pure and deterministic: identical (config, scheduledFor) inputs always
// produce an identical result, so it runs the same way during materialization
// and in tests. The result is frozen onto the scheduled event; later config
// changes never retroactively move a dose's grace window.
package grace

import (
	"fmt"
	"math"
	"time"

	"github.com/NPNMD/KinConnectSurface-sub017/internal/domain/command"
)

// Slot is the time-of-day classification of a scheduled dose.
type Slot string

const (
	SlotMorning Slot = "morning" // 06:00–11:00
	SlotNoon    Slot = "noon"    // 11:00–17:00
	SlotEvening Slot = "evening" // 17:00–21:00
	SlotBedtime Slot = "bedtime" // 21:00–06:00
)

// Result is the computed grace period for one dose.
type Result struct {
	Minutes      int       `json:"grace_period_minutes"`
	End          time.Time `json:"grace_period_end"`
	Slot         Slot      `json:"slot"`
	AppliedRules []string  `json:"applied_rules"`
}

// fallbackMinutes is the per-slot default table used when a command cannot be
// resolved (e.g. a concurrent deletion raced the caller).
var fallbackMinutes = map[Slot]int{
	SlotMorning: 30,
	SlotNoon:    30,
	SlotEvening: 45,
	SlotBedtime: 60,
}

// ClassifySlot maps a local hour onto its time-of-day slot.
func ClassifySlot(localHour int) Slot {
	switch {
	case localHour >= 6 && localHour < 11:
		return SlotMorning
	case localHour >= 11 && localHour < 17:
		return SlotNoon
	case localHour >= 17 && localHour < 21:
		return SlotEvening
	default:
		return SlotBedtime
	}
}

// Compute evaluates the grace period for scheduledFor, which must already be
// in the patient's local zone. Each step appends a rule tag for auditing.
func Compute(cfg command.GraceConfig, scheduledFor time.Time) Result {
	minutes := cfg.DefaultMinutes
	rules := []string{fmt.Sprintf("default:%d", minutes)}

	slot := ClassifySlot(scheduledFor.Hour())
	if override, ok := cfg.SlotOverrides[string(slot)]; ok {
		minutes = override
		rules = append(rules, fmt.Sprintf("slot_override:%s:%d", slot, override))
	}

	// The medication type is tagged for audit only; how type affects the
	// value is caller-owned policy.
	if cfg.MedicationType != "" {
		rules = append(rules, "medication_type:"+string(cfg.MedicationType))
	}

	wd := scheduledFor.Weekday()
	if (wd == time.Saturday || wd == time.Sunday) && cfg.WeekendMultiplier > 0 {
		minutes = int(math.Round(float64(minutes) * cfg.WeekendMultiplier))
		rules = append(rules, fmt.Sprintf("weekend_multiplier:%g", cfg.WeekendMultiplier))
	}

	return Result{
		Minutes:      minutes,
		End:          scheduledFor.Add(time.Duration(minutes) * time.Minute),
		Slot:         slot,
		AppliedRules: rules,
	}
}

// Fallback returns the fixed per-slot default when no config is resolvable.
func Fallback(scheduledFor time.Time) Result {
	slot := ClassifySlot(scheduledFor.Hour())
	minutes := fallbackMinutes[slot]
	return Result{
		Minutes:      minutes,
		End:          scheduledFor.Add(time.Duration(minutes) * time.Minute),
		Slot:         slot,
		AppliedRules: []string{fmt.Sprintf("fallback:%s:%d", slot, minutes)},
	}
}
