package reaction

import "time"

// Record is a stored reaction configuration. Records are created and edited
// by the external web layer; the sink mutates only LastRun, through the
// repository's RecordRun.
type Record struct {
	ID        string                 `json:"id"`
	RType     string                 `json:"rtype"`
	Name      string                 `json:"name"`
	Trigger   int                    `json:"trigger"`   // min consecutive failures before a failed-path run
	Frequency int                    `json:"frequency"` // min seconds between runs
	LastRun   int64                  `json:"lastrun"`   // unix seconds, monotonic non-decreasing
	Data      map[string]interface{} `json:"data"`      // schema owned by the rtype plugin
}

// Outcome is the tri-state result of one dispatch attempt.
type Outcome string

const (
	Succeeded Outcome = "succeeded"
	Failed    Outcome = "failed"
	Skipped   Outcome = "skipped"
)

// ExecutionResult pairs an outcome with the reaction and monitor it belongs to.
type ExecutionResult struct {
	ReactionID string
	UID        string
	Outcome    Outcome
	Detail     string
	At         time.Time
}

// Run is one persisted execution-history entry.
type Run struct {
	ID         string    `json:"id"`
	ReactionID string    `json:"reaction_id"`
	UID        string    `json:"uid"`
	Outcome    Outcome   `json:"outcome"`
	Detail     string    `json:"detail"`
	RunAt      time.Time `json:"run_at"`
}

// StringField returns a string value from the open data map, or def when
// absent or not a string.
func (r *Record) StringField(key, def string) string {
	if r.Data == nil {
		return def
	}
	if s, ok := r.Data[key].(string); ok && s != "" {
		return s
	}
	return def
}
