// Package hooks fans lifecycle-relevant events out to configured
// webhooks and the peon-ping endpoint. Delivery is best-effort: one
// attempt per target, failures logged and counted, never retried.
package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/agentmux/agentmux/pkg/config"
	"github.com/agentmux/agentmux/pkg/log"
	"github.com/agentmux/agentmux/pkg/metrics"
)

// LifecycleRelevant reports whether an event type is dispatched to
// hooks.
func LifecycleRelevant(eventType string) bool {
	if eventType == "input.required" {
		return true
	}
	for _, prefix := range []string{"thread.", "session.", "turn.", "tool."} {
		if strings.HasPrefix(eventType, prefix) {
			return true
		}
	}
	return false
}

// peonCategory maps an event type to the peon-ping category.
func peonCategory(eventType string) string {
	switch {
	case eventType == "input.required":
		return "attention"
	case strings.HasPrefix(eventType, "turn."):
		return "progress"
	case strings.HasPrefix(eventType, "tool."):
		return "activity"
	case strings.HasPrefix(eventType, "session."), strings.HasPrefix(eventType, "thread."):
		return "lifecycle"
	}
	return "other"
}

// Dispatcher posts lifecycle events to the configured targets. Safe for
// concurrent use; each dispatch runs on its own goroutine.
type Dispatcher struct {
	cfg    config.HooksConfig
	client *http.Client
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher from the hooks config.
func NewDispatcher(cfg config.HooksConfig) *Dispatcher {
	return &Dispatcher{
		cfg:    cfg,
		client: &http.Client{},
	}
}

// Dispatch fans one event out. The payload must be JSON-marshalable;
// it is serialized once and shared by all targets. Returns immediately.
func (d *Dispatcher) Dispatch(eventType string, payload interface{}) {
	if !LifecycleRelevant(eventType) {
		return
	}
	body, err := json.Marshal(map[string]interface{}{
		"type":      eventType,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"payload":   payload,
	})
	if err != nil {
		hooksLog := log.WithComponent("hooks")
		hooksLog.Error().Err(err).Str("event", eventType).Msg("Failed to encode hook payload")
		return
	}

	for _, hook := range d.cfg.Webhooks {
		if !webhookWants(hook, eventType) {
			continue
		}
		d.post("webhook", hook.URL, time.Duration(hook.TimeoutMs)*time.Millisecond, body)
	}

	if d.cfg.PeonPing != nil {
		ping, err := json.Marshal(map[string]interface{}{
			"category": peonCategory(eventType),
			"type":     eventType,
		})
		if err == nil {
			d.post("peon-ping", d.cfg.PeonPing.URL, time.Duration(d.cfg.PeonPing.TimeoutMs)*time.Millisecond, ping)
		}
	}
}

func webhookWants(hook config.Webhook, eventType string) bool {
	if len(hook.Events) == 0 {
		return true
	}
	for _, want := range hook.Events {
		if want == eventType {
			return true
		}
	}
	return false
}

func (d *Dispatcher) post(target, url string, timeout time.Duration, body []byte) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			d.fail(target, url, err)
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := d.client.Do(req)
		if err != nil {
			d.fail(target, url, err)
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			d.fail(target, url, fmt.Errorf("unexpected status: %s", resp.Status))
			return
		}
		metrics.HookDispatches.WithLabelValues(target, "ok").Inc()
	}()
}

func (d *Dispatcher) fail(target, url string, err error) {
	metrics.HookDispatches.WithLabelValues(target, "error").Inc()
	hooksLog := log.WithComponent("hooks")
	hooksLog.Warn().Err(err).Str("target", target).Str("url", url).Msg("Hook dispatch failed")
}

// Wait blocks until all in-flight dispatches finish. Used at shutdown.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
