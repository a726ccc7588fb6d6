package safety

import "fmt"

// Guard combines the level machine and the breaker into one admission check.
// The stricter action wins.
type Guard struct {
	Levels  *LevelMachine
	Breaker *Breaker
}

// Action returns the effective action
func (g *Guard) Action() Action {
	a := ActionNone
	if g.Levels != nil {
		a = Stricter(a, g.Levels.Level().Action())
	}
	if g.Breaker != nil {
		a = Stricter(a, g.Breaker.Action())
	}
	return a
}

// Check reports whether an entry or an exit may proceed, with a reason when not.
// FULL_HALT blocks everything; ENTRY_PAUSE blocks entries only.
func (g *Guard) Check(isExit bool) (bool, string) {
	var bs BreakerStatus
	if g.Breaker != nil {
		bs = g.Breaker.Status()
	}
	level := LevelNormal
	if g.Levels != nil {
		level = g.Levels.Level()
	}

	switch {
	case bs.Action == ActionFullHalt:
		return false, fmt.Sprintf("circuit breaker %s active: %s", bs.BreakerType, bs.Reason)
	case level.Action() == ActionFullHalt:
		return false, fmt.Sprintf("safety level %s: all trading halted", level)
	case isExit:
		return true, ""
	case bs.Action == ActionEntryPause:
		return false, fmt.Sprintf("circuit breaker %s active: entries paused (%s)", bs.BreakerType, bs.Reason)
	case level.Action() == ActionEntryPause:
		return false, fmt.Sprintf("safety level %s: entries paused", level)
	}
	return true, ""
}
