package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"quantcore/internal/pkg/retry"
)

const defaultTelegramURL = "https://api.telegram.org"

// Telegram posts messages to one chat through the Bot API.
type Telegram struct {
	BotToken string
	ChatID   string
	BaseURL  string
	Client   *http.Client
	Retry    retry.Policy
}

func NewTelegram(botToken, chatID string) *Telegram {
	return &Telegram{
		BotToken: botToken,
		ChatID:   chatID,
		BaseURL:  defaultTelegramURL,
		Client:   &http.Client{Timeout: 15 * time.Second},
		Retry:    retry.Policy{MaxAttempts: 3, Delay: time.Second, Retryable: retryableSend},
	}
}

type sendError struct {
	service string
	status  int
	desc    string
}

func (e *sendError) Error() string {
	if e.desc == "" {
		return fmt.Sprintf("%s status=%d", e.service, e.status)
	}
	return fmt.Sprintf("%s status=%d: %s", e.service, e.status, e.desc)
}

// retryableSend retries transport failures, throttling and server errors;
// a 4xx means the token or chat is wrong and will not heal.
func retryableSend(err error) bool {
	var se *sendError
	if errors.As(err, &se) {
		return se.status == http.StatusTooManyRequests || se.status >= 500
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func (t *Telegram) SendText(ctx context.Context, text string) error {
	if t.BotToken == "" || t.ChatID == "" {
		return fmt.Errorf("telegram: bot token and chat id are required")
	}
	base := strings.TrimRight(t.BaseURL, "/")
	if base == "" {
		base = defaultTelegramURL
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", base, t.BotToken)
	body, err := json.Marshal(map[string]any{
		"chat_id":    t.ChatID,
		"text":       text,
		"parse_mode": "Markdown",
	})
	if err != nil {
		return err
	}
	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}
	return retry.Do(ctx, t.Retry, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
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
		if resp.StatusCode/100 == 2 && gjson.GetBytes(raw, "ok").Bool() {
			return nil
		}
		return &sendError{service: "telegram", status: resp.StatusCode, desc: gjson.GetBytes(raw, "description").String()}
	})
}
