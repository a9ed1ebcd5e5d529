package notify

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cratery/registry/pkg/config"
	"github.com/cratery/registry/pkg/observability"
)

type fakeSender struct {
	mu       sync.Mutex
	sent     []Notification
	failures int
}

func (f *fakeSender) Send(ctx context.Context, to []string, subject, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("smtp down")
	}
	f.sent = append(f.sent, Notification{Owners: to, Subject: subject, Body: body})
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.ErrorLevel, io.Discard)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached")
}

func TestNotifier_Delivers(t *testing.T) {
	sender := &fakeSender{}
	n := NewNotifier(Config{NotifyOutdated: true, NotifyCVEs: true}, sender, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.Run(ctx)

	if !n.Notify(EventCVE, Notification{
		Owners: []string{"alice@example.com"}, Subject: "CVE in foo", Body: "details",
	}) {
		t.Fatal("Notify() refused")
	}
	waitFor(t, func() bool { return sender.count() == 1 })
}

func TestNotifier_Gates(t *testing.T) {
	sender := &fakeSender{}
	n := NewNotifier(Config{NotifyOutdated: false, NotifyCVEs: true}, sender, testLogger())

	if n.Notify(EventOutdated, Notification{Owners: []string{"a@b"}, Subject: "s"}) {
		t.Error("gated outdated notification accepted")
	}
	if !n.Notify(EventCVE, Notification{Owners: []string{"a@b"}, Subject: "s"}) {
		t.Error("enabled cve notification refused")
	}
	if n.Notify(EventCVE, Notification{Subject: "no recipients"}) {
		t.Error("recipient-less notification accepted")
	}
}

func TestNotifier_RetriesThenSucceeds(t *testing.T) {
	sender := &fakeSender{failures: 2}
	n := NewNotifier(Config{
		NotifyCVEs:    true,
		RetrySchedule: []time.Duration{5 * time.Millisecond, 5 * time.Millisecond, 5 * time.Millisecond},
	}, sender, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.Run(ctx)

	n.Notify(EventCVE, Notification{Owners: []string{"a@b"}, Subject: "s", Body: "b"})
	waitFor(t, func() bool { return sender.count() == 1 })
}

func TestNotifier_DropsAfterScheduleExhausted(t *testing.T) {
	sender := &fakeSender{failures: 10}
	n := NewNotifier(Config{
		NotifyCVEs:    true,
		RetrySchedule: []time.Duration{time.Millisecond, time.Millisecond},
	}, sender, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.Run(ctx)

	n.Notify(EventCVE, Notification{Owners: []string{"a@b"}, Subject: "s"})

	// 1 initial + 2 retries = 3 consumed failure budget, then dropped.
	waitFor(t, func() bool {
		sender.mu.Lock()
		defer sender.mu.Unlock()
		return sender.failures <= 7
	})
	time.Sleep(20 * time.Millisecond)
	if sender.count() != 0 {
		t.Errorf("sent = %d, want dropped", sender.count())
	}
}

func TestSMTPCompose(t *testing.T) {
	s := NewSMTPSender(configFixture())
	msg := s.compose([]string{"a@example.com", "b@example.com"}, "subject line", "hello")

	for _, want := range []string{
		"From: registry@example.com\r\n",
		"To: a@example.com, b@example.com\r\n",
		"Cc: audit@example.com\r\n",
		"Subject: subject line\r\n",
		"\r\n\r\nhello\r\n",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("compose() missing %q in:\n%s", want, msg)
		}
	}
}

func configFixture() config.EmailConfig {
	return config.EmailConfig{
		SMTPHost: "smtp.example.com",
		SMTPPort: 587,
		Sender:   "registry@example.com",
		CC:       "audit@example.com",
	}
}
