// Package gate holds the single canonical gating rule set applied to every
// reaction/event pair before a plugin may run. Reaction types extend it only
// through the optional ExtraGate predicate; the mandatory rules are identical
// for all types.
package gate

import (
	"time"

	"github.com/gyaneshwarpardhi/reactsink/internal/event"
	"github.com/gyaneshwarpardhi/reactsink/internal/reaction"
)

// Skip reasons surfaced in diagnostics and metrics labels.
const (
	ReasonCacheOnly    = "cacheonly"
	ReasonBelowTrigger = "below-trigger"
	ReasonCooldown     = "cooldown"
	ReasonPluginGate   = "plugin-gate"
)

// Decision is the outcome of gate evaluation.
type Decision struct {
	Run    bool
	Reason string // set when Run is false
}

// ExtraGate is an optional type-specific predicate supplied by a plugin.
// A nil ExtraGate defaults to run.
type ExtraGate func(rec *reaction.Record, ev *event.HealthEvent) bool

// Evaluate decides whether a reaction should run for an event. It is a pure
// function of its inputs; now is injected so cooldown checks are testable.
func Evaluate(rec *reaction.Record, ev *event.HealthEvent, now time.Time, extra ExtraGate) Decision {
	if ev.CacheOnly {
		return Decision{Reason: ReasonCacheOnly}
	}
	if ev.Failed() && ev.FailCount < rec.Trigger {
		return Decision{Reason: ReasonBelowTrigger}
	}
	if rec.Frequency > 0 && now.Unix()-rec.LastRun < int64(rec.Frequency) {
		return Decision{Reason: ReasonCooldown}
	}
	if extra != nil && !extra(rec, ev) {
		return Decision{Reason: ReasonPluginGate}
	}
	return Decision{Run: true}
}
