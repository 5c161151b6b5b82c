// Package sink contains the dispatch coordinator: it turns inbound health
// events into gated, recorded remediation runs.
package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gyaneshwarpardhi/reactsink/internal/config"
	"github.com/gyaneshwarpardhi/reactsink/internal/event"
	"github.com/gyaneshwarpardhi/reactsink/internal/gate"
	"github.com/gyaneshwarpardhi/reactsink/internal/metrics"
	"github.com/gyaneshwarpardhi/reactsink/internal/plugin"
	"github.com/gyaneshwarpardhi/reactsink/internal/reaction"
	"github.com/gyaneshwarpardhi/reactsink/internal/repo"
)

// ReactionOutcome is the per-reaction slice of an EventResult.
type ReactionOutcome struct {
	ReactionID string           `json:"reaction_id"`
	Outcome    reaction.Outcome `json:"outcome"`
	Detail     string           `json:"detail,omitempty"`
}

// EventResult is the outcome of dispatching a single event.
type EventResult struct {
	UID        string            `json:"uid"`
	DurationMs int64             `json:"duration_ms"`
	Reactions  []ReactionOutcome `json:"reactions"`
}

// Coordinator routes events through gating, plugin invocation and recording.
type Coordinator struct {
	repo     repo.Client
	registry *plugin.Registry
	recorder *Recorder
	loader   *config.Loader
	pool     *workerPool[*eventWork, *EventResult]
	slots    *slotTable
	now      func() time.Time
}

type eventWork struct {
	ev      *event.HealthEvent
	resultC chan *EventResult
}

// New creates a Coordinator and starts its worker pool. The loader supplies
// live settings (disabled rtypes, invocation timeout) re-read per event.
func New(ctx context.Context, rc repo.Client, reg *plugin.Registry, loader *config.Loader) *Coordinator {
	c := &Coordinator{
		repo:     rc,
		registry: reg,
		recorder: NewRecorder(rc),
		loader:   loader,
		slots:    newSlotTable(),
		now:      time.Now,
	}
	conf := loader.Config().Sink
	c.pool = newWorkerPool[*eventWork, *EventResult](
		ctx,
		conf.EventWorkers,
		conf.QueueDepth,
		func(ctx context.Context, w *eventWork) (*EventResult, error) {
			res := c.processEvent(ctx, w.ev)
			if w.resultC != nil {
				w.resultC <- res
			}
			return res, nil
		},
	)
	return c
}

// Submit enqueues an event without blocking. Returns false if the queue is
// full; HTTP ingestion maps that to a 429.
func (c *Coordinator) Submit(ev *event.HealthEvent) bool {
	if !c.pool.Submit(&eventWork{ev: ev}) {
		metrics.EventsDropped.Inc()
		return false
	}
	metrics.EventsEnqueued.Inc()
	return true
}

// SubmitWait enqueues an event, blocking while the queue is saturated. The
// socket listener uses it so bursts become backpressure, not silent drops.
func (c *Coordinator) SubmitWait(ctx context.Context, ev *event.HealthEvent) error {
	if err := c.pool.SubmitWait(ctx, &eventWork{ev: ev}); err != nil {
		return err
	}
	metrics.EventsEnqueued.Inc()
	return nil
}

// ProcessSync dispatches an event and waits for its result. Used by the HTTP
// single-event route and by tests.
func (c *Coordinator) ProcessSync(ctx context.Context, ev *event.HealthEvent) (*EventResult, error) {
	resultC := make(chan *EventResult, 1)
	if !c.pool.Submit(&eventWork{ev: ev, resultC: resultC}) {
		metrics.EventsDropped.Inc()
		return nil, fmt.Errorf("dispatch queue full (capacity %d)", c.pool.QueueCap())
	}
	metrics.EventsEnqueued.Inc()
	select {
	case res := <-resultC:
		return res, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// QueueUtilization returns queue used / capacity (0–1).
func (c *Coordinator) QueueUtilization() float64 {
	if c.pool.QueueCap() == 0 {
		return 0
	}
	return float64(c.pool.QueueLen()) / float64(c.pool.QueueCap())
}

// Shutdown drains in-flight work and rejects further submissions. A
// submission already blocked in SubmitWait completes before the queue
// closes; anything later gets ErrDraining.
func (c *Coordinator) Shutdown() {
	c.pool.Drain()
}

// processEvent dispatches every reaction referenced by the event. Each
// reaction is independent: a missing record or failing plugin never affects
// its siblings.
func (c *Coordinator) processEvent(ctx context.Context, ev *event.HealthEvent) *EventResult {
	start := c.now()
	ids := ev.ReactionIDs()
	result := &EventResult{
		UID:       ev.UID,
		Reactions: make([]ReactionOutcome, 0, len(ids)),
	}

	for i, id := range ids {
		out, err := c.processReaction(ctx, id, ev)
		result.Reactions = append(result.Reactions, out)
		if err != nil {
			// The store is unreachable after retry exhaustion. The siblings
			// would each run the same backoff ladder against the same dead
			// store, so abandon the event's remaining work with one alert.
			slog.Error("repository unavailable; abandoning remaining reactions for event",
				"uid", ev.UID, "failed", id, "abandoned", len(ids)-i-1, "err", err)
			for _, rest := range ids[i+1:] {
				result.Reactions = append(result.Reactions, ReactionOutcome{
					ReactionID: rest,
					Outcome:    reaction.Skipped,
					Detail:     "repository unavailable",
				})
			}
			break
		}
	}

	result.DurationMs = time.Since(start).Milliseconds()
	metrics.QueueUtilization.Set(c.QueueUtilization())
	return result
}

// processReaction runs the full state machine for one (event, reaction)
// pair under the reaction's execution slot:
// gate → skip|invoke → succeeded|failed → recorded.
// A non-nil error means the repository itself is unreachable; the caller
// abandons the event's remaining reactions.
func (c *Coordinator) processReaction(ctx context.Context, id string, ev *event.HealthEvent) (ReactionOutcome, error) {
	release := c.slots.acquire(id)
	defer release()

	rec, err := c.repo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			slog.Warn("event references unknown reaction", "reaction", id, "uid", ev.UID)
			return ReactionOutcome{ReactionID: id, Outcome: reaction.Skipped, Detail: "reaction not found"}, nil
		}
		return ReactionOutcome{ReactionID: id, Outcome: reaction.Skipped, Detail: "repository unavailable"}, err
	}

	cfg := c.loader.Config()
	now := c.now()

	// Mandatory gate rules run before plugin resolution, so cacheonly and
	// under-trigger events skip even when the rtype is unknown.
	if d := gate.Evaluate(rec, ev, now, nil); !d.Run {
		metrics.GateSkips.WithLabelValues(d.Reason).Inc()
		return c.record(ctx, rec, ev, reaction.Skipped, d.Reason, now), nil
	}

	if cfg.RTypeDisabled(rec.RType) {
		metrics.GateSkips.WithLabelValues("rtype-disabled").Inc()
		return c.record(ctx, rec, ev, reaction.Skipped, "rtype-disabled", now), nil
	}

	h, err := c.registry.Get(rec.RType)
	if err != nil {
		slog.Warn("unknown rtype", "reaction", rec.ID, "rtype", rec.RType, "uid", ev.UID)
		return c.record(ctx, rec, ev, reaction.Failed, err.Error(), now), nil
	}

	if err := h.Validate(rec.Data); err != nil {
		slog.Warn("reaction data rejected by plugin", "reaction", rec.ID, "rtype", rec.RType, "err", err)
		return c.record(ctx, rec, ev, reaction.Failed, err.Error(), now), nil
	}

	if eg, ok := h.(plugin.ExtraGater); ok {
		if d := gate.Evaluate(rec, ev, now, eg.ExtraGate); !d.Run {
			metrics.GateSkips.WithLabelValues(d.Reason).Inc()
			return c.record(ctx, rec, ev, reaction.Skipped, d.Reason, now), nil
		}
	}

	timeout := time.Duration(cfg.Sink.InvokeTimeoutMs) * time.Millisecond
	outcome, detail := c.invoke(ctx, h, rec, ev, timeout)
	return c.record(ctx, rec, ev, outcome, detail, c.now()), nil
}

func (c *Coordinator) record(ctx context.Context, rec *reaction.Record, ev *event.HealthEvent, out reaction.Outcome, detail string, at time.Time) ReactionOutcome {
	c.recorder.Record(ctx, &reaction.ExecutionResult{
		ReactionID: rec.ID,
		UID:        ev.UID,
		Outcome:    out,
		Detail:     detail,
		At:         at,
	})
	return ReactionOutcome{ReactionID: rec.ID, Outcome: out, Detail: detail}
}

// invoke calls the status-matching handler under a timeout, catching panics
// at the boundary. A malfunctioning plugin maps to Failed, never to a crash.
// On timeout the slot is released by the caller while the handler goroutine
// winds down against its cancelled context; there is no automatic retry
// because remediation actions are not assumed idempotent.
func (c *Coordinator) invoke(ctx context.Context, h plugin.Handler, rec *reaction.Record, ev *event.HealthEvent, timeout time.Duration) (reaction.Outcome, string) {
	ictx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := c.now()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("plugin panic: %v", r)
			}
		}()
		if ev.Failed() {
			done <- h.OnFailed(ictx, rec, ev)
		} else {
			done <- h.OnHealthy(ictx, rec, ev)
		}
	}()

	var outcome reaction.Outcome
	var detail string
	select {
	case err := <-done:
		if err != nil {
			outcome, detail = reaction.Failed, err.Error()
			slog.Warn("plugin invocation failed", "reaction", rec.ID, "rtype", rec.RType, "err", err)
		} else {
			outcome = reaction.Succeeded
		}
	case <-ictx.Done():
		outcome, detail = reaction.Failed, fmt.Sprintf("invocation timeout after %v", timeout)
		slog.Warn("plugin invocation timed out", "reaction", rec.ID, "rtype", rec.RType, "timeout", timeout)
	}

	metrics.InvokeDuration.Observe(float64(time.Since(start).Milliseconds()))
	status := "success"
	if outcome == reaction.Failed {
		status = "error"
	}
	metrics.PluginInvocations.WithLabelValues(rec.RType, status).Inc()
	return outcome, detail
}
