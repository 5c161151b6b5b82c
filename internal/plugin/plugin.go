package plugin

import (
	"context"

	"github.com/gyaneshwarpardhi/reactsink/internal/event"
	"github.com/gyaneshwarpardhi/reactsink/internal/reaction"
)

// Handler is the fixed capability set every reaction type implements.
// A nil error from OnFailed/OnHealthy means the remediation succeeded; any
// error maps to a Failed outcome at the invocation boundary.
type Handler interface {
	// Type returns the rtype key this handler is registered under.
	Type() string
	// Validate checks a reaction's open data map against the type's own
	// schema. Called lazily at dispatch time, not by the generic engine.
	Validate(data map[string]interface{}) error
	// OnFailed performs the remediation for a failed event.
	OnFailed(ctx context.Context, rec *reaction.Record, ev *event.HealthEvent) error
	// OnHealthy performs the remediation for a healthy event.
	OnHealthy(ctx context.Context, rec *reaction.Record, ev *event.HealthEvent) error
}

// ExtraGater is the optional per-type gate extension. Handlers that do not
// implement it default to run once the mandatory rules pass.
type ExtraGater interface {
	ExtraGate(rec *reaction.Record, ev *event.HealthEvent) bool
}

// CallOn values understood by the shared call_on convention.
const (
	CallOnFailed  = "failed"
	CallOnHealthy = "healthy"
	CallOnAny     = "any"
)

// CallOnGate implements the call_on convention shared by the shipped
// handlers: the reaction's data may restrict execution to one event status.
// Default when unset is failed-only.
func CallOnGate(rec *reaction.Record, ev *event.HealthEvent) bool {
	switch rec.StringField("call_on", CallOnFailed) {
	case CallOnAny:
		return true
	case CallOnHealthy:
		return ev.Status == event.StatusHealthy
	default:
		return ev.Status == event.StatusFailed
	}
}
