package filter

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-smtp"
	"github.com/mikey/guardmail/internal/core"
	"github.com/mikey/guardmail/internal/ports"
	"go.uber.org/zap"
)

// PostfixConfig configures the content filter
type PostfixConfig struct {
	ListenAddr       string
	BlockSpam        bool
	SpamHeader       string
	ScoreHeader      string
	ConfidenceHeader string
	CategoryHeader   string
	ReinjectHost     string
	ReinjectPort     int
	ReinjectEnabled  bool
	SubjectPrefix    string
	ModifySubject    bool
	Timeout          time.Duration
}

// PostfixFilter implements a Postfix content filter: mail relayed to it is
// classified, annotated with spam headers and reinjected.
type PostfixFilter struct {
	service ports.Classifier
	parser  core.MessageParser
	logger  *zap.Logger
	cfg     PostfixConfig
	server  *smtp.Server
	addr    net.Addr
}

// NewPostfixFilter creates a new Postfix content filter
func NewPostfixFilter(service ports.Classifier, parser core.MessageParser, logger *zap.Logger, cfg PostfixConfig) *PostfixFilter {
	// If subject prefix is not set but modify subject is enabled, use default prefix
	if cfg.SubjectPrefix == "" && cfg.ModifySubject {
		cfg.SubjectPrefix = "[**SPAM**] "
	}
	if cfg.SpamHeader == "" {
		cfg.SpamHeader = "X-Spam-Status"
	}
	if cfg.ScoreHeader == "" {
		cfg.ScoreHeader = "X-Spam-Score"
	}
	if cfg.ConfidenceHeader == "" {
		cfg.ConfidenceHeader = "X-Spam-Confidence"
	}
	if cfg.CategoryHeader == "" {
		cfg.CategoryHeader = "X-Spam-Category"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	return &PostfixFilter{
		service: service,
		parser:  parser,
		logger:  logger,
		cfg:     cfg,
	}
}

// Start starts the Postfix filter service
func (f *PostfixFilter) Start() error {
	f.server = smtp.NewServer(&smtpBackend{filter: f})

	f.server.Addr = f.cfg.ListenAddr
	f.server.Domain = "localhost"
	f.server.ReadTimeout = 30 * time.Second
	f.server.WriteTimeout = 30 * time.Second
	f.server.MaxMessageBytes = 30 * 1024 * 1024 // 30MB
	f.server.MaxRecipients = 50
	f.server.AllowInsecureAuth = true

	l, err := net.Listen("tcp", f.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", f.cfg.ListenAddr, err)
	}
	f.addr = l.Addr()

	f.logger.Info("Postfix filter starting", zap.String("address", f.addr.String()))

	go func() {
		if err := f.server.Serve(l); err != nil && !errors.Is(err, smtp.ErrServerClosed) {
			f.logger.Error("SMTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Addr returns the address the filter listens on once started
func (f *PostfixFilter) Addr() net.Addr {
	return f.addr
}

// Stop stops the Postfix filter service
func (f *PostfixFilter) Stop() error {
	if f.server != nil {
		return f.server.Close()
	}
	return nil
}

// ProcessEmail classifies a raw message
func (f *PostfixFilter) ProcessEmail(ctx context.Context, raw []byte) (*core.ClassificationResult, error) {
	msg, err := f.parser.Parse(raw)
	if err != nil {
		return nil, err
	}
	return f.service.Classify(ctx, msg)
}

// Annotate returns raw with the classification headers added and, for spam,
// the subject prefixed. The body is kept byte for byte.
func (f *PostfixFilter) Annotate(raw []byte, result *core.ClassificationResult, analysisErr error) ([]byte, error) {
	br := bufio.NewReader(bytes.NewReader(raw))
	th, err := textproto.ReadHeader(br)
	if err != nil {
		return nil, fmt.Errorf("failed to read message header: %w", err)
	}
	h := mail.Header{Header: message.Header{Header: th}}

	h.Set(f.cfg.SpamHeader, fmt.Sprintf("%t", result.IsSpam))
	h.Set(f.cfg.ScoreHeader, fmt.Sprintf("%.4f", result.Score))
	h.Set(f.cfg.ConfidenceHeader, fmt.Sprintf("%.4f", result.Confidence))
	if names := result.CategoryNames(); len(names) > 0 {
		h.Set(f.cfg.CategoryHeader, strings.Join(names, ", "))
	} else {
		h.Del(f.cfg.CategoryHeader)
	}
	if analysisErr != nil {
		h.Set("X-Spam-Analysis-Error", analysisErr.Error())
	}

	if result.IsSpam && f.cfg.ModifySubject && f.cfg.SubjectPrefix != "" {
		subject, err := h.Subject()
		if err != nil {
			subject = h.Get("Subject")
		}
		if !strings.HasPrefix(subject, f.cfg.SubjectPrefix) {
			h.SetSubject(f.cfg.SubjectPrefix + subject)
		}
	}

	var out bytes.Buffer
	if err := textproto.WriteHeader(&out, h.Header.Header); err != nil {
		return nil, fmt.Errorf("failed to write message header: %w", err)
	}
	if _, err := io.Copy(&out, br); err != nil {
		return nil, fmt.Errorf("failed to copy message body: %w", err)
	}
	return out.Bytes(), nil
}

// sendToPostfix sends the processed email back to Postfix on the configured port using go-smtp
func (f *PostfixFilter) sendToPostfix(sender string, recipients []string, emailData []byte) error {
	postfixAddr := net.JoinHostPort(f.cfg.ReinjectHost, fmt.Sprint(f.cfg.ReinjectPort))

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}

	conn, err := net.DialTimeout("tcp", postfixAddr, 10*time.Second)
	if err != nil {
		return fmt.Errorf("failed to connect to Postfix: %w", err)
	}

	if err := conn.SetDeadline(time.Now().Add(30 * time.Second)); err != nil {
		conn.Close()
		return fmt.Errorf("failed to set connection deadline: %w", err)
	}

	c := smtp.NewClient(conn)
	defer c.Close()

	if err := c.Hello(hostname); err != nil {
		return fmt.Errorf("EHLO failed: %w", err)
	}

	if err := c.Mail(sender, nil); err != nil {
		return fmt.Errorf("MAIL FROM failed: %w", err)
	}

	recipientOK := false
	for _, recipient := range recipients {
		if err := c.Rcpt(recipient, nil); err != nil {
			f.logger.Warn("RCPT TO failed for recipient",
				zap.String("recipient", recipient),
				zap.Error(err))
		} else {
			recipientOK = true
		}
	}
	if !recipientOK {
		return fmt.Errorf("all recipients were rejected")
	}

	wc, err := c.Data()
	if err != nil {
		return fmt.Errorf("DATA command failed: %w", err)
	}
	if _, err := wc.Write(emailData); err != nil {
		wc.Close()
		return fmt.Errorf("failed to send email data: %w", err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("failed to close data writer: %w", err)
	}

	if err := c.Quit(); err != nil {
		// the message has already been accepted
		f.logger.Warn("QUIT command failed", zap.Error(err))
	}
	return nil
}

func (f *PostfixFilter) filter(sender string, recipients []string, raw []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), f.cfg.Timeout)
	defer cancel()

	result, analysisErr := f.ProcessEmail(ctx, raw)
	if analysisErr != nil {
		f.logger.Error("Failed to classify email",
			zap.Error(analysisErr),
			zap.String("sender", sender))

		// pass the message through unfiltered
		result = &core.ClassificationResult{
			Explanation:  fmt.Sprintf("Error during analysis: %v", analysisErr),
			ClassifiedAt: time.Now(),
		}
	}

	if result.IsSpam && f.cfg.BlockSpam && analysisErr == nil {
		f.logger.Info("Rejecting spam email",
			zap.String("from", sender),
			zap.Float64("score", result.Score),
			zap.Float64("confidence", result.Confidence),
			zap.Strings("categories", result.CategoryNames()),
			zap.Int64("model_version", result.ModelVersion))
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 7, 1},
			Message:      fmt.Sprintf("Rejected as spam (score: %.2f)", result.Score),
		}
	}

	annotated, err := f.Annotate(raw, result, analysisErr)
	if err != nil {
		f.logger.Warn("Failed to annotate message, forwarding unchanged", zap.Error(err))
		annotated = raw
	}

	if f.cfg.ReinjectEnabled {
		if err := f.sendToPostfix(sender, recipients, annotated); err != nil {
			f.logger.Error("Failed to send email back to Postfix",
				zap.Error(err),
				zap.String("sender", sender))
			return &smtp.SMTPError{
				Code:         451,
				EnhancedCode: smtp.EnhancedCode{4, 3, 0},
				Message:      "Temporary failure reinjecting message",
			}
		}
	} else {
		f.logger.Warn("Postfix reinjection disabled, this is likely a misconfiguration")
	}

	f.logger.Info("Processed email",
		zap.String("from", sender),
		zap.Bool("is_spam", result.IsSpam),
		zap.Float64("score", result.Score),
		zap.Float64("confidence", result.Confidence),
		zap.Int64("model_version", result.ModelVersion))
	return nil
}

// smtpBackend implements the go-smtp Backend interface
type smtpBackend struct {
	filter *PostfixFilter
}

// NewSession creates a new SMTP session
func (b *smtpBackend) NewSession(_ *smtp.Conn) (smtp.Session, error) {
	return &smtpSession{filter: b.filter}, nil
}

// smtpSession implements the go-smtp Session interface
type smtpSession struct {
	filter     *PostfixFilter
	sender     string
	recipients []string
}

func (s *smtpSession) Reset() {
	s.sender = ""
	s.recipients = nil
}

func (s *smtpSession) Mail(from string, _ *smtp.MailOptions) error {
	s.sender = from
	return nil
}

func (s *smtpSession) Rcpt(to string, _ *smtp.RcptOptions) error {
	s.recipients = append(s.recipients, to)
	return nil
}

func (s *smtpSession) Data(r io.Reader) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		s.filter.logger.Error("Failed to read message data", zap.Error(err))
		return err
	}
	return s.filter.filter(s.sender, s.recipients, raw)
}

func (s *smtpSession) Logout() error {
	return nil
}
