package notifier

import "context"

// TextNotifier delivers one pre-rendered message.
type TextNotifier interface {
	SendText(ctx context.Context, text string) error
}
