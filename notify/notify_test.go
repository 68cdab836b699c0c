package notify

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gopkg.in/gomail.v2"
)

type recordingDialer struct {
	sent []*gomail.Message
	err  error
}

func (d *recordingDialer) DialAndSend(m ...*gomail.Message) error {
	if d.err != nil {
		return d.err
	}
	d.sent = append(d.sent, m...)
	return nil
}

func TestEmailSenderBuildsMessage(t *testing.T) {
	d := &recordingDialer{}
	s := NewEmailSenderWithDialer(d, "no-reply@crop.ai", "")

	err := s.Send(context.Background(), Message{To: "alice@x.com", Code: "123456", Purpose: PurposePasswordReset, ExpiresIn: 15 * time.Minute})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if len(d.sent) != 1 {
		t.Fatalf("expected one message, got %d", len(d.sent))
	}
	m := d.sent[0]
	if to := m.GetHeader("To"); len(to) != 1 || to[0] != "alice@x.com" {
		t.Fatalf("unexpected recipient %v", to)
	}
	if subj := m.GetHeader("Subject"); len(subj) != 1 || !strings.Contains(subj[0], "password reset") {
		t.Fatalf("unexpected subject %v", subj)
	}
}

func TestEmailSenderPropagatesFailure(t *testing.T) {
	s := NewEmailSenderWithDialer(&recordingDialer{err: errors.New("dial tcp: refused")}, "a@b.c", "")
	if err := s.Send(context.Background(), Message{To: "x@y.z", Code: "1"}); err == nil {
		t.Fatal("expected delivery error")
	}
	if err := s.Send(context.Background(), Message{}); !errors.Is(err, ErrNoRecipient) {
		t.Fatalf("expected ErrNoRecipient, got %v", err)
	}
}

func TestRenderIncludesCodeAndExpiry(t *testing.T) {
	_, body := render(Message{Code: "654321", Purpose: PurposeMFA, ExpiresIn: 10 * time.Minute})
	if !strings.Contains(body, "654321") || !strings.Contains(body, "10 minutes") {
		t.Fatalf("unexpected body %q", body)
	}
}

func TestLogSMSSenderNeverLogsCode(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	s := NewLogSMSSender(zap.New(core))

	if err := s.Send(context.Background(), Message{To: "+15551234567", Code: "987654", Purpose: PurposeMFA}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected one log entry, got %d", len(entries))
	}
	for k, v := range entries[0].ContextMap() {
		if s, ok := v.(string); ok && strings.Contains(s, "987654") {
			t.Fatalf("field %s leaks the code", k)
		}
	}
	if got := entries[0].ContextMap()["to"]; got != "********4567" {
		t.Fatalf("unexpected masked phone %v", got)
	}
}

func TestMaskEmail(t *testing.T) {
	cases := map[string]string{
		"alice@x.com":  "a***@x.com",
		" bob@farm.io": "b***@farm.io",
		"no-at-sign":   "***",
		"@x.com":       "***",
	}
	for in, want := range cases {
		if got := MaskEmail(in); got != want {
			t.Fatalf("MaskEmail(%q) = %q, want %q", in, got, want)
		}
	}

	s := NewLogEmailSender(nil)
	if err := s.Send(context.Background(), Message{Code: "1"}); !errors.Is(err, ErrNoRecipient) {
		t.Fatalf("expected ErrNoRecipient, got %v", err)
	}
}
