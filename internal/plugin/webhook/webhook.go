// Package webhook implements the generic "webhook" reaction: it POSTs an
// alert payload to the URL configured on the reaction.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/gyaneshwarpardhi/reactsink/internal/event"
	"github.com/gyaneshwarpardhi/reactsink/internal/plugin"
	"github.com/gyaneshwarpardhi/reactsink/internal/reaction"
)

const rtype = "webhook"

// Notify handles webhook reactions.
type Notify struct {
	client *http.Client
}

// New creates the handler. A zero timeout defaults to 10s.
func New(timeout time.Duration) *Notify {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Notify{client: &http.Client{Timeout: timeout}}
}

func (n *Notify) Type() string { return rtype }

// Validate requires an absolute http(s) url on the reaction.
func (n *Notify) Validate(data map[string]interface{}) error {
	raw, _ := data["url"].(string)
	if raw == "" {
		return fmt.Errorf("%s: url is required", rtype)
	}
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%s: url must be absolute http(s), got %q", rtype, raw)
	}
	return nil
}

// ExtraGate restricts execution to the event status named by call_on; the
// default for webhooks is any transition.
func (n *Notify) ExtraGate(rec *reaction.Record, ev *event.HealthEvent) bool {
	if _, ok := rec.Data["call_on"]; !ok {
		return true
	}
	return plugin.CallOnGate(rec, ev)
}

func (n *Notify) OnFailed(ctx context.Context, rec *reaction.Record, ev *event.HealthEvent) error {
	return n.post(ctx, rec, ev)
}

func (n *Notify) OnHealthy(ctx context.Context, rec *reaction.Record, ev *event.HealthEvent) error {
	return n.post(ctx, rec, ev)
}

type payload struct {
	Reaction   string `json:"reaction"`
	Monitor    string `json:"monitor"`
	Name       string `json:"name"`
	Status     string `json:"status"`
	PrevStatus string `json:"prev_status"`
	FailCount  int    `json:"failcount"`
	Zone       string `json:"zone"`
	CheckURL   string `json:"check_url,omitempty"`
}

func (n *Notify) post(ctx context.Context, rec *reaction.Record, ev *event.HealthEvent) error {
	body, err := json.Marshal(payload{
		Reaction:   rec.ID,
		Monitor:    ev.UID,
		Name:       ev.Name,
		Status:     ev.Status,
		PrevStatus: ev.Check.PrevStatus,
		FailCount:  ev.FailCount,
		Zone:       ev.Zone,
		CheckURL:   ev.URL,
	})
	if err != nil {
		return fmt.Errorf("%s: marshal payload: %w", rtype, err)
	}

	target := rec.StringField("url", "")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: build request: %w", rtype, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: post %s: %w", rtype, target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s: %s returned %d: %s", rtype, target, resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}
