package sink

import (
	"context"
	"log/slog"

	"github.com/gyaneshwarpardhi/reactsink/internal/metrics"
	"github.com/gyaneshwarpardhi/reactsink/internal/reaction"
	"github.com/gyaneshwarpardhi/reactsink/internal/repo"
)

// Recorder persists execution results. Callers hold the per-reaction slot
// while recording, so lastrun always reflects the most recent completed
// attempt. Repository retry exhaustion is logged at error level and absorbed;
// nothing in steady-state recording may crash the process.
type Recorder struct {
	repo repo.Client
}

// NewRecorder creates a Recorder over the repository client.
func NewRecorder(r repo.Client) *Recorder {
	return &Recorder{repo: r}
}

// Record writes res. Skipped outcomes append history only; Succeeded and
// Failed also advance lastrun (the repository handles the distinction
// atomically).
func (r *Recorder) Record(ctx context.Context, res *reaction.ExecutionResult) {
	metrics.ReactionsProcessed.WithLabelValues(string(res.Outcome)).Inc()
	if err := r.repo.RecordRun(ctx, res); err != nil {
		slog.Error("record run failed; result lost",
			"reaction", res.ReactionID, "uid", res.UID, "outcome", res.Outcome, "err", err)
	}
}
