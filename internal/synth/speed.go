package synth

import (
	"fmt"
	"math"
)

// SpeedFamily selects how an engine interprets Preference.Speed.
type SpeedFamily int

const (
	// SpeedPercent is an integer percentage, 100 is normal.
	SpeedPercent SpeedFamily = iota
	// SpeedMultiplier is a float factor, 1.0 is normal.
	SpeedMultiplier
)

const (
	minPercent    = 50
	maxPercent    = 200
	minMultiplier = 0.5
	maxMultiplier = 5.0
)

func (f SpeedFamily) String() string {
	switch f {
	case SpeedPercent:
		return "percent"
	case SpeedMultiplier:
		return "multiplier"
	default:
		return fmt.Sprintf("SpeedFamily(%d)", int(f))
	}
}

// Normal returns the family's neutral speed.
func (f SpeedFamily) Normal() float64 {
	if f == SpeedMultiplier {
		return 1.0
	}
	return 100
}

// FamilyOf reports the speed family for a known engine tag.
func FamilyOf(engine string) (SpeedFamily, bool) {
	switch engine {
	case EngineAquesTalk1, EngineAquesTalk2, EngineVoicevox, EngineSharevox, EngineMock:
		return SpeedPercent, true
	case EngineAivisSpeech, EngineVoicevoxEngine, EngineExec:
		return SpeedMultiplier, true
	default:
		return 0, false
	}
}

// ValidateSpeed enforces the bounds of a speed family.
func ValidateSpeed(family SpeedFamily, speed float64) error {
	if math.IsNaN(speed) || math.IsInf(speed, 0) {
		return fmt.Errorf("%w: %v", ErrSpeedOutOfRange, speed)
	}
	switch family {
	case SpeedPercent:
		if speed != math.Trunc(speed) {
			return fmt.Errorf("%w: %v is not an integer percentage", ErrSpeedOutOfRange, speed)
		}
		if speed < minPercent || speed > maxPercent {
			return fmt.Errorf("%w: %v not in %d-%d", ErrSpeedOutOfRange, speed, minPercent, maxPercent)
		}
	case SpeedMultiplier:
		if speed < minMultiplier || speed > maxMultiplier {
			return fmt.Errorf("%w: %v not in %.1f-%.1f", ErrSpeedOutOfRange, speed, minMultiplier, maxMultiplier)
		}
	default:
		return fmt.Errorf("unknown speed family %d", int(family))
	}
	return nil
}

// FitSpeed keeps speed when it is valid for engine and otherwise returns the
// engine family's normal speed. Unknown engines keep speed so the caller's
// validation reports them.
func FitSpeed(engine string, speed float64) float64 {
	family, ok := FamilyOf(engine)
	if !ok || ValidateSpeed(family, speed) == nil {
		return speed
	}
	return family.Normal()
}
