package sink_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gyaneshwarpardhi/reactsink/internal/config"
	"github.com/gyaneshwarpardhi/reactsink/internal/event"
	"github.com/gyaneshwarpardhi/reactsink/internal/plugin"
	"github.com/gyaneshwarpardhi/reactsink/internal/reaction"
	"github.com/gyaneshwarpardhi/reactsink/internal/repo"
	"github.com/gyaneshwarpardhi/reactsink/internal/sink"
)

// fakeRepo is an in-memory repo.Client with the store's lastrun semantics.
// Setting getErr simulates a store outage after retry exhaustion.
type fakeRepo struct {
	mu       sync.Mutex
	recs     map[string]*reaction.Record
	runs     []reaction.ExecutionResult
	getErr   error
	getCalls int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{recs: make(map[string]*reaction.Record)}
}

func (f *fakeRepo) put(rec *reaction.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recs[rec.ID] = rec
}

func (f *fakeRepo) Get(_ context.Context, id string) (*reaction.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	if f.getErr != nil {
		return nil, f.getErr
	}
	rec, ok := f.recs[id]
	if !ok {
		return nil, fmt.Errorf("fake: reaction %s: %w", id, repo.ErrNotFound)
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeRepo) RecordRun(_ context.Context, res *reaction.ExecutionResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, *res)
	if res.Outcome != reaction.Skipped {
		if rec, ok := f.recs[res.ReactionID]; ok && res.At.Unix() > rec.LastRun {
			rec.LastRun = res.At.Unix()
		}
	}
	return nil
}

func (f *fakeRepo) Runs(_ context.Context, id string, _ int) ([]reaction.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []reaction.Run
	for _, r := range f.runs {
		if r.ReactionID == id {
			out = append(out, reaction.Run{ReactionID: r.ReactionID, Outcome: r.Outcome, Detail: r.Detail})
		}
	}
	return out, nil
}

func (f *fakeRepo) getCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getCalls
}

func (f *fakeRepo) runCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.runs)
}

func (f *fakeRepo) recorded(id string) []reaction.ExecutionResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []reaction.ExecutionResult
	for _, r := range f.runs {
		if r.ReactionID == id {
			out = append(out, r)
		}
	}
	return out
}

// fakeHandler is a configurable plugin with invocation accounting.
type fakeHandler struct {
	rtype     string
	fail      bool
	panics    bool
	delay     time.Duration
	gate      func(*reaction.Record, *event.HealthEvent) bool
	active    atomic.Int32
	maxActive atomic.Int32
	failedN   atomic.Int32
	healthyN  atomic.Int32
}

func (h *fakeHandler) Type() string                          { return h.rtype }
func (h *fakeHandler) Validate(map[string]interface{}) error { return nil }

func (h *fakeHandler) ExtraGate(rec *reaction.Record, ev *event.HealthEvent) bool {
	if h.gate == nil {
		return true
	}
	return h.gate(rec, ev)
}

func (h *fakeHandler) run(ctx context.Context) error {
	n := h.active.Add(1)
	defer h.active.Add(-1)
	for {
		m := h.maxActive.Load()
		if n <= m || h.maxActive.CompareAndSwap(m, n) {
			break
		}
	}
	if h.panics {
		panic("fake handler exploded")
	}
	if h.delay > 0 {
		select {
		case <-time.After(h.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if h.fail {
		return errors.New("remediation failed")
	}
	return nil
}

func (h *fakeHandler) OnFailed(ctx context.Context, _ *reaction.Record, _ *event.HealthEvent) error {
	h.failedN.Add(1)
	return h.run(ctx)
}

func (h *fakeHandler) OnHealthy(ctx context.Context, _ *reaction.Record, _ *event.HealthEvent) error {
	h.healthyN.Add(1)
	return h.run(ctx)
}

func testLoader(t *testing.T, invokeTimeoutMs int, disabled []string) *config.Loader {
	t.Helper()
	cfg := "version: v1\nsink:\n  event_workers: 4\n  queue_depth: 64\n"
	cfg += fmt.Sprintf("  invoke_timeout_ms: %d\n", invokeTimeoutMs)
	if len(disabled) > 0 {
		cfg += "  disabled_rtypes:\n"
		for _, d := range disabled {
			cfg += "    - " + d + "\n"
		}
	}
	path := filepath.Join(t.TempDir(), "sink.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	loader, err := config.NewLoader(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return loader
}

func newCoordinator(t *testing.T, fr *fakeRepo, handlers []plugin.Handler, timeoutMs int, disabled []string) *sink.Coordinator {
	t.Helper()
	reg := plugin.NewRegistry()
	for _, h := range handlers {
		if err := reg.Register(h); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := sink.New(ctx, fr, reg, testLoader(t, timeoutMs, disabled))
	t.Cleanup(func() {
		c.Shutdown()
		cancel()
	})
	return c
}

func failedEvent(reactions ...string) *event.HealthEvent {
	ids := make([]interface{}, len(reactions))
	for i, r := range reactions {
		ids[i] = r
	}
	return &event.HealthEvent{
		Status:    event.StatusFailed,
		UID:       "mon-1",
		CType:     "http",
		FailCount: 412,
		Data:      map[string]interface{}{"reactions": ids},
	}
}

func TestDispatch_SuccessPath(t *testing.T) {
	fr := newFakeRepo()
	fr.put(&reaction.Record{ID: "r1", RType: "fake", Trigger: 3, Data: map[string]interface{}{"call_on": "failed"}})
	h := &fakeHandler{rtype: "fake"}
	c := newCoordinator(t, fr, []plugin.Handler{h}, 5000, nil)

	res, err := c.ProcessSync(context.Background(), failedEvent("r1"))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(res.Reactions) != 1 || res.Reactions[0].Outcome != reaction.Succeeded {
		t.Fatalf("result = %+v", res.Reactions)
	}
	if h.failedN.Load() != 1 || h.healthyN.Load() != 0 {
		t.Errorf("invocations: failed=%d healthy=%d", h.failedN.Load(), h.healthyN.Load())
	}

	rec, _ := fr.Get(context.Background(), "r1")
	if rec.LastRun == 0 {
		t.Error("lastrun not advanced after success")
	}
	if got := fr.recorded("r1"); len(got) != 1 || got[0].Outcome != reaction.Succeeded {
		t.Errorf("history = %+v", got)
	}
}

func TestDispatch_PluginGateSkips(t *testing.T) {
	// call_on=healthy with a failed event resolves Skipped without
	// invoking the plugin.
	fr := newFakeRepo()
	fr.put(&reaction.Record{ID: "r1", RType: "fake", Trigger: 3, Data: map[string]interface{}{"call_on": "healthy"}})
	h := &fakeHandler{rtype: "fake", gate: plugin.CallOnGate}
	c := newCoordinator(t, fr, []plugin.Handler{h}, 5000, nil)

	res, err := c.ProcessSync(context.Background(), failedEvent("r1"))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Reactions[0].Outcome != reaction.Skipped {
		t.Fatalf("outcome = %v, want Skipped", res.Reactions[0].Outcome)
	}
	if h.failedN.Load()+h.healthyN.Load() != 0 {
		t.Error("plugin must not be invoked when gated off")
	}
	rec, _ := fr.Get(context.Background(), "r1")
	if rec.LastRun != 0 {
		t.Error("skipped outcome must not advance lastrun")
	}
}

func TestDispatch_CacheOnlySkips(t *testing.T) {
	fr := newFakeRepo()
	fr.put(&reaction.Record{ID: "r1", RType: "fake", Data: map[string]interface{}{}})
	h := &fakeHandler{rtype: "fake"}
	c := newCoordinator(t, fr, []plugin.Handler{h}, 5000, nil)

	ev := failedEvent("r1")
	ev.CacheOnly = true
	res, err := c.ProcessSync(context.Background(), ev)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Reactions[0].Outcome != reaction.Skipped || res.Reactions[0].Detail != "cacheonly" {
		t.Fatalf("result = %+v", res.Reactions[0])
	}
	if h.failedN.Load() != 0 {
		t.Error("cacheonly must never invoke the plugin")
	}
}

func TestDispatch_UnknownRTypeIsolated(t *testing.T) {
	fr := newFakeRepo()
	fr.put(&reaction.Record{ID: "r1", RType: "no-such-plugin", Data: map[string]interface{}{}})
	fr.put(&reaction.Record{ID: "r2", RType: "fake", Data: map[string]interface{}{}})
	h := &fakeHandler{rtype: "fake"}
	c := newCoordinator(t, fr, []plugin.Handler{h}, 5000, nil)

	res, err := c.ProcessSync(context.Background(), failedEvent("r1", "r2"))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(res.Reactions) != 2 {
		t.Fatalf("reactions = %+v", res.Reactions)
	}
	if res.Reactions[0].Outcome != reaction.Failed {
		t.Errorf("unknown rtype outcome = %v, want Failed", res.Reactions[0].Outcome)
	}
	if res.Reactions[1].Outcome != reaction.Succeeded {
		t.Errorf("sibling outcome = %v, want Succeeded", res.Reactions[1].Outcome)
	}
}

func TestDispatch_MissingReactionIsolated(t *testing.T) {
	fr := newFakeRepo()
	fr.put(&reaction.Record{ID: "r2", RType: "fake", Data: map[string]interface{}{}})
	h := &fakeHandler{rtype: "fake"}
	c := newCoordinator(t, fr, []plugin.Handler{h}, 5000, nil)

	res, err := c.ProcessSync(context.Background(), failedEvent("ghost", "r2"))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Reactions[0].Outcome != reaction.Skipped {
		t.Errorf("missing reaction outcome = %+v", res.Reactions[0])
	}
	if res.Reactions[1].Outcome != reaction.Succeeded {
		t.Errorf("sibling outcome = %v, want Succeeded", res.Reactions[1].Outcome)
	}
	if h.failedN.Load() != 1 {
		t.Errorf("sibling invocations = %d, want 1", h.failedN.Load())
	}
}

func TestDispatch_PluginErrorAndPanicMapToFailed(t *testing.T) {
	fr := newFakeRepo()
	fr.put(&reaction.Record{ID: "err", RType: "failing", Data: map[string]interface{}{}})
	fr.put(&reaction.Record{ID: "boom", RType: "panicking", Data: map[string]interface{}{}})
	c := newCoordinator(t, fr, []plugin.Handler{
		&fakeHandler{rtype: "failing", fail: true},
		&fakeHandler{rtype: "panicking", panics: true},
	}, 5000, nil)

	res, err := c.ProcessSync(context.Background(), failedEvent("err", "boom"))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	for _, out := range res.Reactions {
		if out.Outcome != reaction.Failed {
			t.Errorf("%s outcome = %v, want Failed", out.ReactionID, out.Outcome)
		}
	}
}

func TestDispatch_TimeoutMapsToFailed(t *testing.T) {
	fr := newFakeRepo()
	fr.put(&reaction.Record{ID: "slow", RType: "fake", Data: map[string]interface{}{}})
	h := &fakeHandler{rtype: "fake", delay: 2 * time.Second}
	c := newCoordinator(t, fr, []plugin.Handler{h}, 50, nil)

	start := time.Now()
	res, err := c.ProcessSync(context.Background(), failedEvent("slow"))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Reactions[0].Outcome != reaction.Failed {
		t.Fatalf("outcome = %v, want Failed", res.Reactions[0].Outcome)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("timeout did not bound the invocation: took %v", elapsed)
	}
}

func TestDispatch_DisabledRType(t *testing.T) {
	fr := newFakeRepo()
	fr.put(&reaction.Record{ID: "r1", RType: "fake", Data: map[string]interface{}{}})
	h := &fakeHandler{rtype: "fake"}
	c := newCoordinator(t, fr, []plugin.Handler{h}, 5000, []string{"fake"})

	res, err := c.ProcessSync(context.Background(), failedEvent("r1"))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Reactions[0].Outcome != reaction.Skipped || res.Reactions[0].Detail != "rtype-disabled" {
		t.Fatalf("result = %+v", res.Reactions[0])
	}
	if h.failedN.Load() != 0 {
		t.Error("disabled rtype must not be invoked")
	}
}

// Two events for the same reaction delivered concurrently must serialize:
// the plugin never runs twice at once, and the attempt that loses the slot
// race is gated against the updated lastrun.
func TestDispatch_ConcurrentSameReactionSerialized(t *testing.T) {
	fr := newFakeRepo()
	fr.put(&reaction.Record{ID: "r1", RType: "fake", Frequency: 3600, Data: map[string]interface{}{}})
	h := &fakeHandler{rtype: "fake", delay: 50 * time.Millisecond}
	c := newCoordinator(t, fr, []plugin.Handler{h}, 5000, nil)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.ProcessSync(context.Background(), failedEvent("r1")); err != nil {
				t.Errorf("dispatch: %v", err)
			}
		}()
	}
	wg.Wait()

	if max := h.maxActive.Load(); max > 1 {
		t.Errorf("plugin ran %d times concurrently", max)
	}
	if n := h.failedN.Load(); n != 1 {
		t.Errorf("invocations = %d, want exactly 1 (second gated by cooldown)", n)
	}

	got := fr.recorded("r1")
	if len(got) != 2 {
		t.Fatalf("recorded %d results, want 2", len(got))
	}
	succeeded, skipped := 0, 0
	for _, r := range got {
		switch r.Outcome {
		case reaction.Succeeded:
			succeeded++
		case reaction.Skipped:
			skipped++
		}
	}
	if succeeded != 1 || skipped != 1 {
		t.Errorf("outcomes = %+v, want one Succeeded and one Skipped", got)
	}
}

// A submission blocked on a saturated queue must resolve cleanly when the
// coordinator shuts down: the drain either picks its event up or rejects it
// with ErrDraining. It must never crash the submitter.
func TestDispatch_ShutdownResolvesBlockedSubmission(t *testing.T) {
	fr := newFakeRepo()
	fr.put(&reaction.Record{ID: "r1", RType: "fake", Trigger: 1, Data: map[string]interface{}{}})
	h := &fakeHandler{rtype: "fake", delay: 200 * time.Millisecond}
	reg := plugin.NewRegistry()
	if err := reg.Register(h); err != nil {
		t.Fatalf("register: %v", err)
	}

	cfg := "version: v1\nsink:\n  event_workers: 1\n  queue_depth: 1\n  invoke_timeout_ms: 5000\n"
	path := filepath.Join(t.TempDir(), "sink.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	loader, err := config.NewLoader(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := sink.New(ctx, fr, reg, loader)

	// Occupy the single worker, then fill the single queue slot.
	if !c.Submit(failedEvent("r1")) {
		t.Fatal("first submit rejected")
	}
	deadline := time.Now().Add(time.Second)
	for h.active.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("worker never picked up the first event")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !c.Submit(failedEvent("r1")) {
		t.Fatal("second submit rejected")
	}

	errC := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errC <- fmt.Errorf("SubmitWait panicked: %v", r)
			}
		}()
		errC <- c.SubmitWait(context.Background(), failedEvent("r1"))
	}()
	time.Sleep(50 * time.Millisecond)
	c.Shutdown()

	select {
	case err := <-errC:
		if err != nil && !errors.Is(err, sink.ErrDraining) {
			t.Fatalf("blocked submission resolved with: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("blocked submission never resolved")
	}

	if err := c.SubmitWait(context.Background(), failedEvent("r1")); !errors.Is(err, sink.ErrDraining) {
		t.Fatalf("post-drain SubmitWait = %v, want ErrDraining", err)
	}
	if c.Submit(failedEvent("r1")) {
		t.Fatal("post-drain Submit accepted an event")
	}
}

// When the store is unreachable the first reaction's failure abandons the
// event's remaining work: no sibling gets its own retry ladder, no plugin
// runs, nothing is recorded.
func TestDispatch_RepoOutageAbandonsRemainingReactions(t *testing.T) {
	fr := newFakeRepo()
	fr.getErr = errors.New("store offline")
	h := &fakeHandler{rtype: "fake"}
	c := newCoordinator(t, fr, []plugin.Handler{h}, 5000, nil)

	res, err := c.ProcessSync(context.Background(), failedEvent("r1", "r2", "r3"))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(res.Reactions) != 3 {
		t.Fatalf("reactions = %+v", res.Reactions)
	}
	for i, out := range res.Reactions {
		if out.Outcome != reaction.Skipped || out.Detail != "repository unavailable" {
			t.Errorf("reaction %d = %+v", i, out)
		}
	}
	if n := fr.getCount(); n != 1 {
		t.Errorf("store reads = %d, want 1", n)
	}
	if h.failedN.Load()+h.healthyN.Load() != 0 {
		t.Error("plugin invoked during store outage")
	}
	if n := fr.runCount(); n != 0 {
		t.Errorf("recorded %d results against an unreachable store", n)
	}
}
