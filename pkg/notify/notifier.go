// Package notify is the email notifier (C9): a single in-process channel
// of notifications drained by one goroutine, delivered over SMTP with
// STARTTLS, retried at increasing delays and then dropped with a warning.
package notify

import (
	"context"
	"time"

	"github.com/cratery/registry/pkg/observability"
)

// Notification is one outbound email request.
type Notification struct {
	Owners  []string
	Subject string
	Body    string
}

// Sender delivers one composed email. The SMTP implementation lives in
// smtp.go; tests substitute fakes.
type Sender interface {
	Send(ctx context.Context, to []string, subject, body string) error
}

// defaultRetrySchedule is the §4.9 retry ladder.
var defaultRetrySchedule = []time.Duration{time.Minute, 5 * time.Minute, 30 * time.Minute}

// queueDepth bounds the in-process channel; producers drop (with a log)
// rather than block the analyzer on a slow SMTP server.
const queueDepth = 256

// Config gates the two event kinds independently.
type Config struct {
	NotifyOutdated bool
	NotifyCVEs     bool

	// RetrySchedule overrides the 1m/5m/30m ladder, for tests.
	RetrySchedule []time.Duration
}

// EventKind tags a notification with what produced it, for gating.
type EventKind string

const (
	EventOutdated EventKind = "outdated"
	EventCVE      EventKind = "cve"
)

type queued struct {
	n       Notification
	attempt int
}

// Notifier consumes the notification channel and drives delivery.
type Notifier struct {
	cfg    Config
	sender Sender
	logger *observability.Logger
	ch     chan queued
}

func NewNotifier(cfg Config, sender Sender, logger *observability.Logger) *Notifier {
	if cfg.RetrySchedule == nil {
		cfg.RetrySchedule = defaultRetrySchedule
	}
	return &Notifier{
		cfg:    cfg,
		sender: sender,
		logger: logger,
		ch:     make(chan queued, queueDepth),
	}
}

// Notify enqueues a notification unless its event kind is gated off.
// It never blocks; a full queue drops the event with a warning.
func (n *Notifier) Notify(kind EventKind, notification Notification) bool {
	switch kind {
	case EventOutdated:
		if !n.cfg.NotifyOutdated {
			return false
		}
	case EventCVE:
		if !n.cfg.NotifyCVEs {
			return false
		}
	}
	if len(notification.Owners) == 0 {
		return false
	}
	select {
	case n.ch <- queued{n: notification}:
		return true
	default:
		n.logger.WithField("subject", notification.Subject).Warn("notification queue full, dropping")
		return false
	}
}

// Run drains the channel until ctx is done. Failed sends are re-enqueued
// by timer according to the retry schedule; exhausting it drops the
// notification with a warning log (§4.9).
func (n *Notifier) Run(ctx context.Context) {
	defer observability.RecoverPanic(n.logger, "notifier")

	for {
		select {
		case <-ctx.Done():
			return
		case q := <-n.ch:
			n.deliver(ctx, q)
		}
	}
}

func (n *Notifier) deliver(ctx context.Context, q queued) {
	err := n.sender.Send(ctx, q.n.Owners, q.n.Subject, q.n.Body)
	if err == nil {
		return
	}

	if q.attempt >= len(n.cfg.RetrySchedule) {
		n.logger.WithError(err).WithField("subject", q.n.Subject).
			Warn("notification dropped after retries")
		return
	}

	delay := n.cfg.RetrySchedule[q.attempt]
	n.logger.WithError(err).WithFields(map[string]interface{}{
		"subject": q.n.Subject,
		"retry":   delay.String(),
	}).Warn("notification send failed, scheduling retry")

	q.attempt++
	time.AfterFunc(delay, func() {
		select {
		case n.ch <- q:
		case <-ctx.Done():
		}
	})
}
