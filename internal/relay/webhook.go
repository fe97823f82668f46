package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"ttm/internal/config"
)

const defaultWebhookTimeout = 5 * time.Second

// WebhookSink POSTs each envelope as JSON.
type WebhookSink struct {
	name   string
	url    string
	filter eventFilter
	client *http.Client
}

func NewWebhookSink(hook config.Webhook) *WebhookSink {
	name := hook.Name
	if strings.TrimSpace(name) == "" {
		name = "webhook:" + hook.URL
	}
	return &WebhookSink{
		name:   name,
		url:    hook.URL,
		filter: newEventFilter(hook.Events),
		client: &http.Client{Timeout: defaultWebhookTimeout},
	}
}

func (s *WebhookSink) Name() string            { return s.name }
func (s *WebhookSink) Accepts(evt string) bool { return s.filter.match(evt) }
func (s *WebhookSink) Close() error            { return nil }

func (s *WebhookSink) Deliver(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-TTM-Event", env.Type)
	req.Header.Set("X-TTM-Delivery", strconv.FormatInt(env.ID, 10))
	res, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
