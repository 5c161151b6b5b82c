// Package ec2 implements the "aws-ec2restart" reaction: it asks the cloud
// gateway to reboot the instance backing a failed monitor.
package ec2

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gyaneshwarpardhi/reactsink/internal/event"
	"github.com/gyaneshwarpardhi/reactsink/internal/plugin"
	"github.com/gyaneshwarpardhi/reactsink/internal/reaction"
)

const rtype = "aws-ec2restart"

// Config holds deployment-level settings; per-reaction settings (instance,
// region, call_on) live in the reaction's data map.
type Config struct {
	// Endpoint is the base URL of the cloud gateway, e.g. "https://gw.internal/ec2".
	Endpoint string
	// Token is sent as a bearer credential when non-empty.
	Token string
	// Timeout bounds a single gateway call. The coordinator's invocation
	// timeout still applies on top.
	Timeout time.Duration
}

// Restart handles aws-ec2restart reactions.
type Restart struct {
	conf   Config
	client *http.Client
}

// New creates the handler. A zero Timeout defaults to 10s.
func New(conf Config) *Restart {
	if conf.Timeout == 0 {
		conf.Timeout = 10 * time.Second
	}
	return &Restart{
		conf:   conf,
		client: &http.Client{Timeout: conf.Timeout},
	}
}

func (r *Restart) Type() string { return rtype }

// Validate checks the reaction's data map against this type's schema.
func (r *Restart) Validate(data map[string]interface{}) error {
	id, _ := data["instance_id"].(string)
	if id == "" {
		return fmt.Errorf("%s: instance_id is required", rtype)
	}
	if co, ok := data["call_on"].(string); ok {
		switch co {
		case plugin.CallOnFailed, plugin.CallOnHealthy, plugin.CallOnAny:
		default:
			return fmt.Errorf("%s: call_on must be failed, healthy or any, got %q", rtype, co)
		}
	}
	return nil
}

// ExtraGate restricts execution to the event status named by call_on.
func (r *Restart) ExtraGate(rec *reaction.Record, ev *event.HealthEvent) bool {
	return plugin.CallOnGate(rec, ev)
}

// OnFailed reboots the instance named by the reaction.
func (r *Restart) OnFailed(ctx context.Context, rec *reaction.Record, ev *event.HealthEvent) error {
	return r.reboot(ctx, rec, ev)
}

// OnHealthy also reboots: a reaction with call_on=healthy uses the recovery
// transition as its trigger (e.g. restarting a drained standby). The gate
// decides which path runs; the remediation itself is the same call.
func (r *Restart) OnHealthy(ctx context.Context, rec *reaction.Record, ev *event.HealthEvent) error {
	return r.reboot(ctx, rec, ev)
}

type rebootRequest struct {
	InstanceID string `json:"instance_id"`
	Region     string `json:"region,omitempty"`
	Monitor    string `json:"monitor"`
	Reason     string `json:"reason"`
}

func (r *Restart) reboot(ctx context.Context, rec *reaction.Record, ev *event.HealthEvent) error {
	body, err := json.Marshal(rebootRequest{
		InstanceID: rec.StringField("instance_id", ""),
		Region:     rec.StringField("region", ""),
		Monitor:    ev.UID,
		Reason:     fmt.Sprintf("reaction %s on %s event (failcount=%d)", rec.ID, ev.Status, ev.FailCount),
	})
	if err != nil {
		return fmt.Errorf("%s: marshal request: %w", rtype, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.conf.Endpoint+"/reboot", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: build request: %w", rtype, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.conf.Token != "" {
		req.Header.Set("Authorization", "Bearer "+r.conf.Token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: gateway call: %w", rtype, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s: gateway returned %d: %s", rtype, resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}
