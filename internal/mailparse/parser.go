// Package mailparse converts raw RFC 822 messages into core messages.
package mailparse

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	_ "github.com/emersion/go-message/charset"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/mikey/guardmail/internal/core"
	"go.uber.org/zap"
)

// Parser decodes MIME structure, charsets and encoded headers
type Parser struct {
	logger      *zap.Logger
	maxBodySize int64
}

// NewParser creates a new parser; maxBodySize bounds the bytes read from each part
func NewParser(logger *zap.Logger, maxBodySize int64) *Parser {
	if maxBodySize <= 0 {
		maxBodySize = 1 << 20
	}
	return &Parser{
		logger:      logger,
		maxBodySize: maxBodySize,
	}
}

// Parse reads a raw message. Unknown charsets are tolerated; structural errors
// are reported as core.ErrMalformedMessage.
func (p *Parser) Parse(raw []byte) (*core.Message, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, core.NewError(core.ErrMalformedMessage, "parse", errors.New("empty message"))
	}

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		if mr == nil || !message.IsUnknownCharset(err) {
			return nil, core.NewError(core.ErrMalformedMessage, "parse", err)
		}
		p.logger.Debug("Unknown charset in message", zap.Error(err))
	}
	defer mr.Close()

	msg := &core.Message{
		Headers: make(map[string][]string),
	}

	fields := mr.Header.Fields()
	for fields.Next() {
		value, err := fields.Text()
		if err != nil {
			value = fields.Value()
		}
		key := fields.Key()
		msg.Headers[key] = append(msg.Headers[key], value)
	}

	if subject, err := mr.Header.Subject(); err == nil {
		msg.Subject = subject
	} else {
		msg.Subject = mr.Header.Get("Subject")
	}

	if from, err := mr.Header.AddressList("From"); err == nil && len(from) > 0 {
		msg.Sender = from[0].Address
	} else {
		msg.Sender = strings.TrimSpace(mr.Header.Get("From"))
	}

	if to, err := mr.Header.AddressList("To"); err == nil {
		for _, addr := range to {
			msg.To = append(msg.To, addr.Address)
		}
	}

	if date, err := mr.Header.Date(); err == nil {
		msg.ReceivedAt = date
	}

	var plain, htmlText strings.Builder
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			if message.IsUnknownCharset(err) && part != nil {
				p.logger.Debug("Unknown charset in part", zap.Error(err))
			} else if plain.Len() > 0 || htmlText.Len() > 0 {
				// keep what was decoded so far
				break
			} else {
				return nil, core.NewError(core.ErrMalformedMessage, "parse", fmt.Errorf("failed to read part: %w", err))
			}
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := h.ContentType()
			body, err := io.ReadAll(io.LimitReader(part.Body, p.maxBodySize))
			if err != nil {
				p.logger.Debug("Skipping unreadable part", zap.Error(err))
				continue
			}
			switch {
			case contentType == "" || strings.HasPrefix(contentType, "text/plain"):
				plain.Write(body)
				plain.WriteByte('\n')
			case strings.HasPrefix(contentType, "text/html"):
				htmlText.Write(body)
				htmlText.WriteByte('\n')
			}
		case *mail.AttachmentHeader:
			msg.Attachments++
		}
	}

	msg.Body = plain.String()
	msg.HTMLBody = htmlText.String()
	if msg.Body == "" {
		msg.Body = msg.HTMLBody
	}
	return msg, nil
}
