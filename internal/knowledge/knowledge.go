// Package knowledge triggers a best-effort refresh of external derived views
// after committed state changes. A failed sync only costs freshness; the
// engine logs it and never surfaces it to the caller.
package knowledge

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type Trigger interface {
	TriggerSync(ctx context.Context) error
}

type HTTPTrigger struct {
	URL    string
	client *http.Client
}

func NewHTTPTrigger(url string, timeout time.Duration) *HTTPTrigger {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPTrigger{URL: url, client: &http.Client{Timeout: timeout}}
}

func (t *HTTPTrigger) TriggerSync(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL, strings.NewReader("{}"))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
		return fmt.Errorf("sync status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// Nop skips syncing; used when no sync URL is configured.
type Nop struct{}

func (Nop) TriggerSync(context.Context) error { return nil }
