// Package bus notifies downstream workers that a state change committed.
// Delivery is fire-and-forget from the state machine's point of view: the
// engine calls Send after commit, logs failures, and never lets them change
// the outcome already decided for the transition.
package bus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"shipline/internal/config"
)

// Notifier is injected into the engine so tests can substitute a recording
// stub instead of a process-wide client.
type Notifier interface {
	Send(ctx context.Context, event string, payload map[string]any) error
}

const (
	defaultTimeout     = 5 * time.Second
	defaultMaxInterval = 10 * time.Second
	defaultMaxElapsed  = 30 * time.Second
)

// HTTPNotifier posts events to every configured webhook whose filter matches.
type HTTPNotifier struct {
	hooks  []config.WebhookConfig
	client *http.Client
}

func NewHTTPNotifier(hooks []config.WebhookConfig) *HTTPNotifier {
	return &HTTPNotifier{
		hooks:  hooks,
		client: &http.Client{Timeout: defaultTimeout},
	}
}

type eventBody struct {
	Event   string         `json:"event"`
	TS      string         `json:"ts"`
	Payload map[string]any `json:"payload"`
}

// Send delivers the event to each matching hook, retrying transient failures
// with exponential backoff. The first hook that exhausts its retries fails
// the whole send; the caller logs and moves on.
func (n *HTTPNotifier) Send(ctx context.Context, event string, payload map[string]any) error {
	if payload == nil {
		payload = map[string]any{}
	}
	body := eventBody{
		Event:   event,
		TS:      time.Now().UTC().Format(time.RFC3339),
		Payload: payload,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", event, err)
	}
	for _, hook := range n.hooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		if !newEventFilter(hook.Events).match(event) {
			continue
		}
		if err := n.deliver(ctx, hook, event, data); err != nil {
			return fmt.Errorf("deliver %s to %s: %w", event, hook.URL, err)
		}
	}
	return nil
}

func (n *HTTPNotifier) deliver(ctx context.Context, hook config.WebhookConfig, event string, data []byte) error {
	policy := backoff.NewExponentialBackOff()
	policy.MaxInterval = defaultMaxInterval
	policy.MaxElapsedTime = defaultMaxElapsed
	return backoff.Retry(func() error {
		return n.post(ctx, hook, event, data)
	}, backoff.WithContext(policy, ctx))
}

func (n *HTTPNotifier) post(ctx context.Context, hook config.WebhookConfig, event string, data []byte) error {
	timeout := defaultTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	client := n.client
	if timeout != n.client.Timeout {
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Shipline-Event", event)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Shipline-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		return nil
	}
	bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	err = fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	if res.StatusCode >= 400 && res.StatusCode < 500 {
		return backoff.Permanent(err)
	}
	return err
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}

// Recorder is a Notifier for tests. It records sends and can be primed to
// fail, so tests can assert the engine's fire-and-forget behavior.
type Recorder struct {
	mu    sync.Mutex
	Err   error
	sends []RecordedSend
}

type RecordedSend struct {
	Event   string
	Payload map[string]any
}

func (r *Recorder) Send(_ context.Context, event string, payload map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.sends = append(r.sends, RecordedSend{Event: event, Payload: payload})
	return nil
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sends = nil
}

func (r *Recorder) Sends() []RecordedSend {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RecordedSend, len(r.sends))
	copy(out, r.sends)
	return out
}

// Nop discards all events; used when no webhooks are configured.
type Nop struct{}

func (Nop) Send(context.Context, string, map[string]any) error { return nil }
