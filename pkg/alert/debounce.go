// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at PitchAI (https://pitchai.net/).
// Copyright 2024-present PitchAI.

// Package alert holds the debounced up/down state machine shared by the
// domain monitor and the e2e registry, and the Telegram delivery path.
package alert

// State is the debounced view of one target (a domain, a cross-cutting
// signal, or a registry test). Invariant: at most one of FailStreak and
// SuccessStreak is non-zero.
type State struct {
	EffectiveOK   bool
	FailStreak    int
	SuccessStreak int
}

// Transition is the outcome of feeding one observation into the
// machine. AlertedDown/RecoveredUp fire only on edges.
type Transition struct {
	State       State
	AlertedDown bool
	RecoveredUp bool
}

// Update feeds one raw observation into the machine. A DOWN edge needs
// downAfter consecutive failures, an UP edge upAfter consecutive
// successes. Infra-degraded observations must not be routed here; they
// bypass the machine entirely.
func Update(prev State, observedOK bool, downAfter, upAfter int) Transition {
	if downAfter < 1 {
		downAfter = 1
	}
	if upAfter < 1 {
		upAfter = 1
	}

	next := prev
	if observedOK {
		next.SuccessStreak++
		next.FailStreak = 0
	} else {
		next.FailStreak++
		next.SuccessStreak = 0
	}

	if prev.EffectiveOK {
		next.EffectiveOK = next.FailStreak < downAfter
	} else {
		next.EffectiveOK = next.SuccessStreak >= upAfter
	}

	return Transition{
		State:       next,
		AlertedDown: prev.EffectiveOK && !next.EffectiveOK,
		RecoveredUp: !prev.EffectiveOK && next.EffectiveOK,
	}
}
