// Package webhook posts JSON status payloads to an operator chat
// channel (Feishu-compatible), grounded on the timeout-bounded
// context-aware http.Client usage in the teacher's archive package.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"pathfleet/internal/coordinator/cerr"
)

const defaultTimeout = 10 * time.Second

// Payload is the JSON body posted to the webhook URL.
type Payload struct {
	MsgType string  `json:"msg_type"`
	Content Content `json:"content"`
}

type Content struct {
	Text string `json:"text"`
}

// Sink posts text payloads to a configured URL. It is stateless.
type Sink struct {
	client *http.Client
}

// NewSink builds a sink with the given per-call timeout budget. When
// timeout is <=0, a default of 10s is used.
func NewSink(timeout time.Duration) *Sink {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Sink{client: &http.Client{Timeout: timeout}}
}

// Post sends a text message to url. It returns a *cerr.CoordinatorError
// with CodeWebhookHTTPError or CodeWebhookException on failure so
// callers can surface a structured reason.
func (s *Sink) Post(ctx context.Context, url string, text string) error {
	if url == "" {
		return cerr.WebhookFailure(cerr.CodeNoWebhook, "未配置 webhook 地址", 0, nil)
	}

	body, err := json.Marshal(Payload{MsgType: "text", Content: Content{Text: text}})
	if err != nil {
		return cerr.WebhookFailure(cerr.CodeWebhookException, "序列化通知内容失败", 0, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return cerr.WebhookFailure(cerr.CodeWebhookException, "构造 webhook 请求失败", 0, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return cerr.WebhookFailure(cerr.CodeWebhookException, "webhook 请求发送失败", 0, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return cerr.WebhookFailure(cerr.CodeWebhookHTTPError, fmt.Sprintf("webhook 返回异常状态码 %d", resp.StatusCode), resp.StatusCode, nil)
	}
	return nil
}
