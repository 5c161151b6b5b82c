package event

import (
	"fmt"
	"time"
)

// Status values a check worker may report.
const (
	StatusHealthy = "healthy"
	StatusFailed  = "failed"
)

// TimeTracking carries the producer-side timing envelope.
type TimeTracking struct {
	Control float64 `json:"control"`
	EZKey   string  `json:"ez_key"`
	Env     string  `json:"env"`
}

// CheckInfo describes the check transition that produced the event.
type CheckInfo struct {
	Status     string `json:"status"`
	PrevStatus string `json:"prev_status"`
	Method     string `json:"method"`
}

// HealthEvent is the canonical inbound model, one per socket message.
// It is consumed exactly once by the dispatcher and never persisted.
type HealthEvent struct {
	ID           string                 `json:"id,omitempty"`
	Status       string                 `json:"status"`
	UID          string                 `json:"uid"`
	Zone         string                 `json:"zone"`
	CID          string                 `json:"cid"`
	URL          string                 `json:"url"`
	CType        string                 `json:"ctype"`
	FailCount    int                    `json:"failcount"`
	TimeTracking TimeTracking           `json:"time_tracking"`
	Check        CheckInfo              `json:"check"`
	CacheOnly    bool                   `json:"cacheonly"`
	Data         map[string]interface{} `json:"data"` // monitor-type specific, plus "reactions"
	Name         string                 `json:"name"`
	ReceivedAt   time.Time              `json:"-"`
}

// Validate checks the fields every event must carry. An event failing
// validation is dropped by the listener, never surfaced as a fatal error.
func (e *HealthEvent) Validate() error {
	if e.Status != StatusHealthy && e.Status != StatusFailed {
		return fmt.Errorf("event: status must be %q or %q, got %q", StatusHealthy, StatusFailed, e.Status)
	}
	if e.UID == "" {
		return fmt.Errorf("event: uid is required")
	}
	if e.CType == "" {
		return fmt.Errorf("event: ctype is required")
	}
	if e.Data == nil {
		return fmt.Errorf("event: data is required")
	}
	if e.FailCount < 0 {
		return fmt.Errorf("event: failcount must be non-negative, got %d", e.FailCount)
	}
	return nil
}

// ReactionIDs extracts the reaction id list from the open data map.
// JSON decoding yields []interface{}; in-process construction may use
// []string directly. Non-string or empty elements are skipped.
func (e *HealthEvent) ReactionIDs() []string {
	raw, ok := e.Data["reactions"]
	if !ok {
		return nil
	}
	if ids, ok := raw.([]string); ok {
		return ids
	}
	list, ok := raw.([]interface{})
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(list))
	for _, v := range list {
		if s, ok := v.(string); ok && s != "" {
			ids = append(ids, s)
		}
	}
	return ids
}

// Failed reports whether the event is on the failure path.
func (e *HealthEvent) Failed() bool { return e.Status == StatusFailed }
