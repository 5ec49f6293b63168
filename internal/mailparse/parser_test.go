package mailparse

import (
	"errors"
	"strings"
	"testing"

	"github.com/mikey/guardmail/internal/core"
	"go.uber.org/zap"
)

const multipartMessage = "From: Promo Team <promo@example.com>\r\n" +
	"To: alice@example.org, bob@example.org\r\n" +
	"Subject: =?utf-8?q?Caf=C3=A9_offer?=\r\n" +
	"Date: Mon, 02 Jan 2006 15:04:05 +0000\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/mixed; boundary=outer\r\n" +
	"\r\n" +
	"--outer\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Plain body text\r\n" +
	"--outer\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"\r\n" +
	"<p>HTML body text</p>\r\n" +
	"--outer\r\n" +
	"Content-Type: application/pdf\r\n" +
	"Content-Disposition: attachment; filename=invoice.pdf\r\n" +
	"\r\n" +
	"%PDF-1.4\r\n" +
	"--outer--\r\n"

func TestParseMultipart(t *testing.T) {
	p := NewParser(zap.NewNop(), 0)

	msg, err := p.Parse([]byte(multipartMessage))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if msg.Subject != "Café offer" {
		t.Errorf("Subject = %q, want decoded subject", msg.Subject)
	}
	if msg.Sender != "promo@example.com" {
		t.Errorf("Sender = %q", msg.Sender)
	}
	if len(msg.To) != 2 || msg.To[1] != "bob@example.org" {
		t.Errorf("To = %v", msg.To)
	}
	if msg.ReceivedAt.IsZero() {
		t.Error("Date header not parsed")
	}
	if !strings.Contains(msg.Body, "Plain body text") {
		t.Errorf("Body = %q", msg.Body)
	}
	if !strings.Contains(msg.HTMLBody, "<p>HTML body text</p>") {
		t.Errorf("HTMLBody = %q", msg.HTMLBody)
	}
	if msg.Attachments != 1 {
		t.Errorf("Attachments = %d, want 1", msg.Attachments)
	}
	if got := msg.Headers["Subject"]; len(got) != 1 || got[0] != "Café offer" {
		t.Errorf("Subject header = %v", got)
	}
}

func TestParseHTMLOnlyFallsBackToHTMLBody(t *testing.T) {
	p := NewParser(zap.NewNop(), 0)
	raw := "From: a@example.com\r\n" +
		"Subject: html\r\n" +
		"Content-Type: text/html; charset=utf-8\r\n" +
		"\r\n" +
		"<b>only html</b>\r\n"

	msg, err := p.Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if msg.Body != msg.HTMLBody || !strings.Contains(msg.Body, "only html") {
		t.Errorf("Body = %q, HTMLBody = %q", msg.Body, msg.HTMLBody)
	}
}

func TestParseLimitsPartSize(t *testing.T) {
	p := NewParser(zap.NewNop(), 8)
	raw := "Subject: big\r\n\r\n" + strings.Repeat("x", 100)

	msg, err := p.Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := strings.TrimSpace(msg.Body); len(got) != 8 {
		t.Errorf("body length = %d, want 8", len(got))
	}
}

func TestParseRejectsEmptyMessage(t *testing.T) {
	p := NewParser(zap.NewNop(), 0)
	for _, raw := range []string{"", " \r\n\t"} {
		if _, err := p.Parse([]byte(raw)); !errors.Is(err, core.ErrMalformedMessage) {
			t.Errorf("Parse(%q) error = %v, want malformed", raw, err)
		}
	}
}
