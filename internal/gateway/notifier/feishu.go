package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"quantcore/internal/pkg/retry"
)

// Feishu posts plain-text messages to a custom bot webhook.
type Feishu struct {
	WebhookURL string
	Client     *http.Client
	Retry      retry.Policy
}

func NewFeishu(webhookURL string) *Feishu {
	return &Feishu{
		WebhookURL: webhookURL,
		Client:     &http.Client{Timeout: 5 * time.Second},
		Retry:      retry.Policy{MaxAttempts: 3, Delay: time.Second, Retryable: retryableSend},
	}
}

func (f *Feishu) SendText(ctx context.Context, text string) error {
	if f.WebhookURL == "" {
		return fmt.Errorf("feishu: webhook url is required")
	}
	body, err := json.Marshal(map[string]any{
		"msg_type": "text",
		"content":  map[string]string{"text": text},
	})
	if err != nil {
		return err
	}
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	return retry.Do(ctx, f.Retry, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.WebhookURL, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		// the webhook answers 200 with a non-zero code on bad payloads or signatures
		code := gjson.GetBytes(raw, "code").Int()
		if resp.StatusCode/100 == 2 && code == 0 {
			return nil
		}
		status := resp.StatusCode
		if status/100 == 2 {
			status = http.StatusBadRequest
		}
		return &sendError{service: "feishu", status: status, desc: gjson.GetBytes(raw, "msg").String()}
	})
}

// Fanout delivers to every sender and joins their errors.
type Fanout []TextNotifier

func (f Fanout) SendText(ctx context.Context, text string) error {
	var errs []error
	for _, s := range f {
		if err := s.SendText(ctx, text); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
