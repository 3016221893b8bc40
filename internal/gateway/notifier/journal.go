package notifier

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"quantcore/internal/lifecycle"
	"quantcore/internal/logger"
	"quantcore/internal/store"
)

const (
	queueSize   = 64
	sendTimeout = 30 * time.Second
)

// Journal forwards every write to the wrapped journal and pushes closed
// trades and the audit kinds it was asked for to a TextNotifier. Delivery
// runs on its own goroutine; a full queue drops the message.
type Journal struct {
	store.Journal

	sender TextNotifier
	kinds  map[string]bool
	queue  chan string
	done   chan struct{}

	mu     sync.Mutex
	closed bool
}

// DefaultKinds are the audit events worth a push: entries, freezes and
// restart reconciliations. Exits arrive through RecordPnL.
var DefaultKinds = []string{store.KindEntry, store.KindFrozen, store.KindRecovered}

func NewJournal(inner store.Journal, sender TextNotifier, kinds []string) *Journal {
	if len(kinds) == 0 {
		kinds = DefaultKinds
	}
	set := make(map[string]bool, len(kinds))
	for _, k := range kinds {
		set[k] = true
	}
	j := &Journal{
		Journal: inner,
		sender:  sender,
		kinds:   set,
		queue:   make(chan string, queueSize),
		done:    make(chan struct{}),
	}
	go j.deliver()
	return j
}

func (j *Journal) deliver() {
	defer close(j.done)
	for text := range j.queue {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		if err := j.sender.SendText(ctx, text); err != nil {
			logger.Warnf("Notifier: send failed: %v", err)
		}
		cancel()
	}
}

func (j *Journal) enqueue(text string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		logger.Warnf("Notifier: closed, dropping message")
		return
	}
	select {
	case j.queue <- text:
	default:
		logger.Warnf("Notifier: queue full, dropping message")
	}
}

func (j *Journal) RecordPnL(ctx context.Context, rec lifecycle.PnLRecord) error {
	err := j.Journal.RecordPnL(ctx, rec)
	j.enqueue(pnlMessage(rec).RenderMarkdown())
	return err
}

func (j *Journal) RecordAudit(ctx context.Context, ev store.AuditEvent) error {
	err := j.Journal.RecordAudit(ctx, ev)
	if j.kinds[ev.Kind] {
		j.enqueue(auditMessage(ev).RenderMarkdown())
	}
	return err
}

// Close flushes queued messages, then closes the wrapped journal. Writes
// after Close still reach the wrapped journal but are not pushed.
func (j *Journal) Close() error {
	j.mu.Lock()
	if !j.closed {
		j.closed = true
		close(j.queue)
	}
	j.mu.Unlock()
	<-j.done
	return j.Journal.Close()
}

func pnlMessage(rec lifecycle.PnLRecord) StructuredMessage {
	icon := "🟢"
	if rec.PnL < 0 {
		icon = "🔴"
	}
	title := fmt.Sprintf("%s %s closed", rec.Symbol, rec.Side)
	if rec.Remaining > 0 {
		title = fmt.Sprintf("%s %s reduced", rec.Symbol, rec.Side)
	}
	return StructuredMessage{
		Icon:  icon,
		Title: title,
		Sections: []MessageSection{{
			Lines: []string{
				fmt.Sprintf("reason: %s", rec.Reason),
				fmt.Sprintf("entry %.6g exit %.6g amount %.6g x%.0f", rec.Entry, rec.Exit, rec.Amount, rec.Leverage),
				fmt.Sprintf("pnl %.4f (%.2f%%)", rec.PnL, rec.PnLPct*100),
				remainingLine(rec.Remaining),
			},
		}},
		Timestamp: rec.At,
	}
}

func remainingLine(remaining float64) string {
	if remaining <= 0 {
		return ""
	}
	return fmt.Sprintf("remaining %.6g", remaining)
}

func auditMessage(ev store.AuditEvent) StructuredMessage {
	icon := "ℹ️"
	if ev.Kind == store.KindFrozen {
		icon = "🧊"
	}
	lines := []string{fmt.Sprintf("reason: %s", ev.Reason)}
	for _, k := range slices.Sorted(maps.Keys(ev.Context)) {
		lines = append(lines, fmt.Sprintf("%s: %v", k, ev.Context[k]))
	}
	return StructuredMessage{
		Icon:      icon,
		Title:     fmt.Sprintf("%s %s", ev.Symbol, ev.Kind),
		Sections:  []MessageSection{{Lines: lines}},
		Timestamp: ev.At,
	}
}
