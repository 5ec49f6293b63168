package imapsource

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-imap/backend/memory"
	"github.com/emersion/go-imap/server"
	"github.com/mikey/guardmail/internal/core"
	"go.uber.org/zap"
)

func startServer(t *testing.T) core.AccountConfig {
	t.Helper()
	s := server.New(memory.New())
	s.AllowInsecureAuth = true

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = s.Serve(l) }()
	t.Cleanup(func() { _ = s.Close() })

	host, portStr, _ := net.SplitHostPort(l.Addr().String())
	p, _ := strconv.Atoi(portStr)
	return core.AccountConfig{
		ID:       "test",
		Host:     host,
		Port:     p,
		Security: "none",
		Username: "username",
		Password: "password",
	}
}

func TestSessionListsAndFetches(t *testing.T) {
	account := startServer(t)
	ctx := context.Background()
	d := NewDialer(5*time.Second, false, true, zap.NewNop())

	session, err := d.Dial(ctx, account)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer session.Close()

	status, err := session.Select(ctx, "INBOX")
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if status.UIDValidity == 0 {
		t.Error("UIDVALIDITY not reported")
	}

	uids, err := session.ListSince(ctx, 0, 50)
	if err != nil {
		t.Fatalf("ListSince: %v", err)
	}
	if len(uids) == 0 {
		t.Fatal("no messages listed")
	}

	raw, _, err := session.Fetch(ctx, uids[0])
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !strings.Contains(string(raw), "Subject:") {
		t.Errorf("fetched message has no headers: %q", raw)
	}

	last := uids[len(uids)-1]
	newer, err := session.ListSince(ctx, last, 50)
	if err != nil {
		t.Fatalf("ListSince: %v", err)
	}
	if len(newer) != 0 {
		t.Errorf("ListSince(%d) = %v, want nothing newer", last, newer)
	}
}

func TestDialClassifiesFailures(t *testing.T) {
	account := startServer(t)
	d := NewDialer(2*time.Second, false, true, zap.NewNop())

	account.Password = "wrong"
	if _, err := d.Dial(context.Background(), account); !errors.Is(err, core.ErrAuthentication) {
		t.Errorf("bad password error = %v, want authentication failure", err)
	}

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	closed := l.Addr().(*net.TCPAddr).Port
	l.Close()

	account.Port = closed
	if _, err := d.Dial(context.Background(), account); !errors.Is(err, core.ErrTransientConnection) {
		t.Errorf("refused connection error = %v, want transient", err)
	}
}

func TestDialRefusesPlaintextByDefault(t *testing.T) {
	account := startServer(t)
	d := NewDialer(2*time.Second, false, false, zap.NewNop())

	_, err := d.Dial(context.Background(), account)
	if !errors.Is(err, core.ErrAuthentication) || !errors.Is(err, errPlaintext) {
		t.Errorf("plaintext dial error = %v, want refusal", err)
	}
}

func TestSecurityDefaults(t *testing.T) {
	tests := []struct {
		account  core.AccountConfig
		security string
		port     int
	}{
		{core.AccountConfig{}, "tls", 993},
		{core.AccountConfig{Port: 143}, "starttls", 143},
		{core.AccountConfig{Security: "SSL"}, "tls", 993},
		{core.AccountConfig{Security: "starttls"}, "starttls", 143},
		{core.AccountConfig{Security: "none", Port: 1143}, "none", 1143},
	}
	for _, tt := range tests {
		if got := security(tt.account); got != tt.security {
			t.Errorf("security(%+v) = %s, want %s", tt.account, got, tt.security)
		}
		if got := port(tt.account); got != tt.port {
			t.Errorf("port(%+v) = %d, want %d", tt.account, got, tt.port)
		}
	}
}
