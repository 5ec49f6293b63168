// Package imapsource retrieves messages from IMAP accounts.
package imapsource

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/mikey/guardmail/internal/core"
	"go.uber.org/zap"
)

// Dialer opens IMAP sessions
type Dialer struct {
	timeout            time.Duration
	insecureSkipVerify bool
	allowPlaintext     bool
	logger             *zap.Logger
}

// NewDialer creates a dialer; timeout bounds the connection and every command.
// Accounts without transport encryption are refused unless allowPlaintext is set.
func NewDialer(timeout time.Duration, insecureSkipVerify, allowPlaintext bool, logger *zap.Logger) *Dialer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Dialer{
		timeout:            timeout,
		insecureSkipVerify: insecureSkipVerify,
		allowPlaintext:     allowPlaintext,
		logger:             logger,
	}
}

// errPlaintext is returned for cleartext accounts when plaintext is not allowed
var errPlaintext = errors.New("plaintext transport is not allowed")

// Dial connects and logs in. Network failures are transient; a rejected login
// is an authentication failure.
func (d *Dialer) Dial(ctx context.Context, account core.AccountConfig) (core.MailSession, error) {
	addr := net.JoinHostPort(account.Host, fmt.Sprint(port(account)))
	netDialer := &net.Dialer{Timeout: d.timeout}
	tlsConfig := &tls.Config{
		ServerName:         account.Host,
		InsecureSkipVerify: d.insecureSkipVerify,
	}

	var (
		c   *client.Client
		err error
	)
	switch security(account) {
	case "tls":
		c, err = client.DialWithDialerTLS(netDialer, addr, tlsConfig)
	case "starttls":
		c, err = client.DialWithDialer(netDialer, addr)
		if err == nil {
			if err = c.StartTLS(tlsConfig); err != nil {
				_ = c.Terminate()
			}
		}
	default:
		if !d.allowPlaintext {
			// waits for a corrected configuration instead of retrying
			return nil, core.NewError(core.ErrAuthentication, "dial", errPlaintext)
		}
		d.logger.Warn("Connecting without transport encryption",
			zap.String("account", account.ID),
			zap.String("addr", addr))
		c, err = client.DialWithDialer(netDialer, addr)
	}
	if err != nil {
		return nil, core.NewError(core.ErrTransientConnection, "dial", err)
	}
	c.Timeout = d.timeout

	// a cancelled caller tears the connection down instead of waiting on it
	stop := context.AfterFunc(ctx, func() { _ = c.Terminate() })

	if err := c.Login(account.Username, account.Password); err != nil {
		stop()
		_ = c.Terminate()
		if isNetworkError(err) {
			return nil, core.NewError(core.ErrTransientConnection, "login", err)
		}
		return nil, core.NewError(core.ErrAuthentication, "login", err)
	}

	d.logger.Debug("IMAP session opened",
		zap.String("account", account.ID),
		zap.String("addr", addr))
	return &Session{c: c, stop: stop, logger: d.logger}, nil
}

// Session is one logged-in IMAP connection
type Session struct {
	c      *client.Client
	stop   func() bool
	logger *zap.Logger
}

// Select opens a mailbox read-only
func (s *Session) Select(ctx context.Context, mailbox string) (core.MailboxStatus, error) {
	status, err := s.c.Select(mailbox, true)
	if err != nil {
		return core.MailboxStatus{}, wrap("select", err)
	}
	return core.MailboxStatus{
		Name:        status.Name,
		UIDValidity: status.UidValidity,
		UIDNext:     status.UidNext,
		Messages:    status.Messages,
	}, nil
}

// ListSince returns UIDs above lastUID, oldest first
func (s *Session) ListSince(ctx context.Context, lastUID uint32, limit int) ([]uint32, error) {
	criteria := imap.NewSearchCriteria()
	criteria.Uid = new(imap.SeqSet)
	criteria.Uid.AddRange(lastUID+1, 0)

	uids, err := s.c.UidSearch(criteria)
	if err != nil {
		return nil, wrap("search", err)
	}

	// "n:*" always matches the highest UID, even below n
	out := uids[:0]
	for _, uid := range uids {
		if uid > lastUID {
			out = append(out, uid)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Fetch downloads a full message without setting \Seen
func (s *Session) Fetch(ctx context.Context, uid uint32) ([]byte, time.Time, error) {
	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{section.FetchItem(), imap.FetchUid, imap.FetchInternalDate}

	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- s.c.UidFetch(seqset, items, messages)
	}()

	var (
		raw        []byte
		receivedAt time.Time
		readErr    error
	)
	for msg := range messages {
		if msg.Uid != uid {
			continue
		}
		receivedAt = msg.InternalDate
		literal := msg.GetBody(section)
		if literal == nil {
			readErr = core.NewError(core.ErrMalformedMessage, "fetch", errors.New("message body not returned"))
			continue
		}
		raw, readErr = io.ReadAll(literal)
	}
	if err := <-done; err != nil {
		return nil, time.Time{}, wrap("fetch", err)
	}
	if readErr != nil {
		return nil, time.Time{}, readErr
	}
	if raw == nil {
		return nil, time.Time{}, core.NewError(core.ErrNotFound, "fetch", fmt.Errorf("uid %d", uid))
	}
	return raw, receivedAt, nil
}

// Close logs out and releases the connection
func (s *Session) Close() error {
	s.stop()
	if err := s.c.Logout(); err != nil {
		s.logger.Debug("IMAP logout failed", zap.Error(err))
		return s.c.Terminate()
	}
	return nil
}

func wrap(op string, err error) error {
	if isNetworkError(err) {
		return core.NewError(core.ErrTransientConnection, op, err)
	}
	return fmt.Errorf("imap %s: %w", op, err)
}

func isNetworkError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed)
}

func security(account core.AccountConfig) string {
	switch strings.ToLower(account.Security) {
	case "tls", "ssl":
		return "tls"
	case "starttls":
		return "starttls"
	case "none", "plain":
		return "none"
	}
	if account.Port == 143 {
		return "starttls"
	}
	return "tls"
}

func port(account core.AccountConfig) int {
	if account.Port > 0 {
		return account.Port
	}
	if security(account) == "tls" {
		return 993
	}
	return 143
}
