package worker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"agora/internal/dispatch"
)

// TaskWebhook delivers an arbitrary payload to an external URL. It is the
// general-purpose outbound task: schedule it with a job key when the callee
// must not see the same delivery twice.
const TaskWebhook = "webhook.deliver"

type WebhookIn struct {
	URL     string            `json:"url" validate:"required,url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    []byte            `json:"body"`
	Timeout int               `json:"timeout"` // seconds
}

// NewWebhookTask returns the webhook delivery handler. Responses of 400 and
// above count as failures so the queue's retry backoff applies.
func NewWebhookTask(client *http.Client) dispatch.EventHandler {
	if client == nil {
		client = &http.Client{}
	}
	return dispatch.NewEventHandler(func(ctx context.Context, ev dispatch.EventContext[WebhookIn]) (any, error) {
		req := ev.Payload
		if req.Method == "" {
			req.Method = http.MethodGet
		}
		if req.Timeout <= 0 {
			req.Timeout = 30
		}

		c, cancel := context.WithTimeout(ctx, time.Duration(req.Timeout)*time.Second)
		defer cancel()

		var body io.Reader
		if len(req.Body) > 0 {
			body = bytes.NewReader(req.Body)
		}
		httpReq, err := http.NewRequestWithContext(c, req.Method, req.URL, body)
		if err != nil {
			return nil, fmt.Errorf("build webhook request: %w", err)
		}
		for key, value := range req.Headers {
			httpReq.Header.Set(key, value)
		}

		resp, err := client.Do(httpReq)
		if err != nil {
			return nil, fmt.Errorf("webhook request failed: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if err != nil {
			return nil, fmt.Errorf("read webhook response: %w", err)
		}
		if resp.StatusCode >= 400 {
			return nil, fmt.Errorf("webhook returned %d: %s", resp.StatusCode, string(respBody))
		}
		return map[string]any{"status_code": resp.StatusCode}, nil
	})
}
