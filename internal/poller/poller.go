// Package poller runs one independent polling task per mail account.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mikey/guardmail/internal/core"
	"go.uber.org/zap"
)

// State is the poller state machine position
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateFetching
	StateProcessing
	StateSleeping
	StateBackoff
	StateAuthWait
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateFetching:
		return "fetching"
	case StateProcessing:
		return "processing"
	case StateSleeping:
		return "sleeping"
	case StateBackoff:
		return "backoff"
	case StateAuthWait:
		return "auth_wait"
	default:
		return "disconnected"
	}
}

// Config holds the failure policy shared by all pollers
type Config struct {
	BackoffBase         time.Duration
	BackoffMax          time.Duration
	MaxFailures         int
	DegradedMultiplier  int
	DegradedMaxInterval time.Duration
	DefaultInterval     time.Duration
	MaxMessages         int
}

// DefaultConfig returns the calibrated failure policy
func DefaultConfig() Config {
	return Config{
		BackoffBase:         30 * time.Second,
		BackoffMax:          30 * time.Minute,
		MaxFailures:         5,
		DegradedMultiplier:  4,
		DegradedMaxInterval: 4 * time.Hour,
		DefaultInterval:     5 * time.Minute,
		MaxMessages:         50,
	}
}

// Processor runs the classification pipeline and records its result
type Processor interface {
	Process(ctx context.Context, msg *core.Message) (*core.ClassificationResult, error)
	RecordMalformed(ctx context.Context, messageID, accountID string, cause error) (*core.ClassificationResult, error)
}

// Deps are the collaborators of a poller
type Deps struct {
	Dialer    core.MailDialer
	Parser    core.MessageParser
	Processor Processor
	States    core.AccountStateStore
	Reporter  core.StatusReporter
}

// Poller owns the AccountState of one account. Only its own goroutine mutates it.
type Poller struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
	now    func() time.Time

	account  atomic.Pointer[core.AccountConfig]
	state    atomic.Int32
	status   atomic.Pointer[core.AccountStatus]
	reconfig chan struct{}

	mu       sync.Mutex
	st       *core.AccountState
	nextPoll time.Time
}

// New creates a poller for an account
func New(account core.AccountConfig, cfg Config, deps Deps, logger *zap.Logger) *Poller {
	p := &Poller{
		cfg:      cfg,
		deps:     deps,
		logger:   logger.With(zap.String("account", account.ID)),
		now:      time.Now,
		reconfig: make(chan struct{}, 1),
	}
	p.account.Store(&account)
	p.publish()
	return p
}

// Account returns the current account configuration
func (p *Poller) Account() core.AccountConfig {
	return *p.account.Load()
}

// State returns the current state
func (p *Poller) State() State {
	return State(p.state.Load())
}

// Status returns the operator-facing view of the account
func (p *Poller) Status() core.AccountStatus {
	return *p.status.Load()
}

// AccountState returns a copy of the poller's state
func (p *Poller) AccountState() *core.AccountState {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.st == nil {
		return nil
	}
	return p.st.Clone()
}

// UpdateConfig replaces the account configuration. An account waiting after an
// authentication failure resumes polling with the new credentials.
func (p *Poller) UpdateConfig(account core.AccountConfig) {
	p.account.Store(&account)
	select {
	case p.reconfig <- struct{}{}:
	default:
	}
	p.logger.Info("Account configuration updated")
}

// Run polls until ctx is cancelled. Cancellation is observed only between cycles;
// a cycle in progress runs to completion.
func (p *Poller) Run(ctx context.Context) error {
	if err := p.load(ctx); err != nil {
		return err
	}
	p.logger.Info("Account poller started",
		zap.Duration("interval", p.interval()),
		zap.Strings("mailboxes", mailboxes(p.Account())))

	for {
		if p.authFailed() {
			p.setState(StateAuthWait)
			select {
			case <-ctx.Done():
				return p.stopped()
			case <-p.reconfig:
				p.clearAuthFailure(ctx)
			}
		}

		if wait := p.NextPoll().Sub(p.now()); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return p.stopped()
			case <-p.reconfig:
				timer.Stop()
				p.clearAuthFailure(ctx)
				continue
			case <-timer.C:
			}
		}
		if ctx.Err() != nil {
			return p.stopped()
		}

		if err := p.Cycle(context.WithoutCancel(ctx)); err != nil {
			p.logger.Debug("Poll cycle failed", zap.Error(err))
		}
	}
}

func (p *Poller) stopped() error {
	p.setState(StateDisconnected)
	p.logger.Info("Account poller stopped")
	return nil
}

// NextPoll returns when the next cycle is due
func (p *Poller) NextPoll() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nextPoll
}

func (p *Poller) load(ctx context.Context) error {
	p.mu.Lock()
	loaded := p.st != nil
	p.mu.Unlock()
	if loaded {
		return nil
	}

	account := p.Account()
	st, err := p.deps.States.LoadState(ctx, account.ID)
	if err != nil {
		return fmt.Errorf("failed to load state for account %s: %w", account.ID, err)
	}
	if st.Markers == nil {
		st.Markers = make(map[string]core.MailboxMarker)
	}

	p.mu.Lock()
	p.st = st
	p.nextPoll = st.BackoffUntil
	p.mu.Unlock()
	p.publish()
	return nil
}

// Cycle connects, fetches every mailbox past its marker and processes each
// message. Connection failures update the backoff state; a message that cannot
// be classified or recorded ends the cycle without backoff. Both are returned.
func (p *Poller) Cycle(ctx context.Context) error {
	if err := p.load(ctx); err != nil {
		return err
	}
	account := p.Account()

	p.setState(StateConnecting)
	session, err := p.deps.Dialer.Dial(ctx, account)
	if err != nil {
		return p.fail(ctx, err)
	}
	defer func() {
		if err := session.Close(); err != nil {
			p.logger.Debug("Failed to close mail session", zap.Error(err))
		}
	}()

	processed := 0
	for _, mailbox := range mailboxes(account) {
		n, err := p.pollMailbox(ctx, session, account, mailbox)
		processed += n
		if err != nil {
			var perr *pipelineError
			if errors.As(err, &perr) {
				return p.stall(ctx, perr, processed)
			}
			return p.fail(ctx, err)
		}
	}

	p.succeed(ctx, processed)
	return nil
}

func (p *Poller) pollMailbox(ctx context.Context, session core.MailSession, account core.AccountConfig, mailbox string) (int, error) {
	logger := p.logger.With(zap.String("mailbox", mailbox))

	p.setState(StateFetching)
	status, err := session.Select(ctx, mailbox)
	if err != nil {
		return 0, err
	}

	marker := p.marker(mailbox)
	if marker.UIDValidity != 0 && marker.UIDValidity != status.UIDValidity {
		logger.Warn("Mailbox UIDVALIDITY changed, resetting marker",
			zap.Uint32("old", marker.UIDValidity),
			zap.Uint32("new", status.UIDValidity))
		marker = core.MailboxMarker{}
	}
	marker.UIDValidity = status.UIDValidity

	limit := account.MaxMessagesPerCycle
	if limit <= 0 {
		limit = p.cfg.MaxMessages
	}
	uids, err := session.ListSince(ctx, marker.LastSeenUID, limit)
	if err != nil {
		return 0, err
	}
	if len(uids) == 0 {
		p.advance(ctx, mailbox, marker)
		return 0, nil
	}
	logger.Debug("New messages", zap.Int("count", len(uids)))

	processed := 0
	for _, uid := range uids {
		if uid <= marker.LastSeenUID {
			continue
		}
		p.setState(StateFetching)
		raw, receivedAt, err := session.Fetch(ctx, uid)
		if err != nil {
			return processed, err
		}

		p.setState(StateProcessing)
		if err := p.process(ctx, account, mailbox, uid, raw, receivedAt); err != nil {
			return processed, &pipelineError{mailbox: mailbox, uid: uid, err: err}
		}

		// the result is durable, so the marker may move past this message
		marker.LastSeenUID = uid
		p.advance(ctx, mailbox, marker)
		processed++
	}
	return processed, nil
}

func (p *Poller) process(ctx context.Context, account core.AccountConfig, mailbox string, uid uint32, raw []byte, receivedAt time.Time) error {
	id := core.MessageKey(account.ID, mailbox, uid)

	msg, err := p.deps.Parser.Parse(raw)
	if err != nil {
		p.logger.Warn("Skipping malformed message",
			zap.String("mailbox", mailbox),
			zap.Uint32("uid", uid),
			zap.Error(err))
		if _, err := p.deps.Processor.RecordMalformed(ctx, id, account.ID, err); err != nil {
			return err
		}
		return nil
	}

	msg.ID = id
	msg.AccountID = account.ID
	msg.Mailbox = mailbox
	msg.UID = uid
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = receivedAt
	}

	_, err = p.deps.Processor.Process(ctx, msg)
	return err
}

func (p *Poller) marker(mailbox string) core.MailboxMarker {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.st.Markers[mailbox]
}

func (p *Poller) advance(ctx context.Context, mailbox string, marker core.MailboxMarker) {
	p.mu.Lock()
	p.st.Markers[mailbox] = marker
	snapshot := p.st.Clone()
	p.mu.Unlock()

	if err := p.deps.States.SaveState(ctx, snapshot); err != nil {
		// reprocessing after a restart is idempotent
		p.logger.Error("Failed to checkpoint mailbox marker",
			zap.String("mailbox", mailbox),
			zap.Error(err))
	}
}

// pipelineError is a failure to classify or record a message that was
// fetched. The mailbox was reachable, so it is not a connection failure.
type pipelineError struct {
	mailbox string
	uid     uint32
	err     error
}

func (e *pipelineError) Error() string {
	return fmt.Sprintf("pipeline: %s uid %d: %v", e.mailbox, e.uid, e.err)
}

func (e *pipelineError) Unwrap() error { return e.err }

func errorKind(err error) string {
	if kind := core.KindOf(err); kind != nil {
		return kind.Error()
	}
	return "unclassified"
}

// stall leaves the marker on the failed message and retries it after the
// normal interval. Connection backoff and degraded mode are cleared.
func (p *Poller) stall(ctx context.Context, perr *pipelineError, processed int) error {
	now := p.now()

	p.mu.Lock()
	st := p.st
	recovered := st.Degraded
	st.ConsecutiveFailures = 0
	st.BackoffUntil = time.Time{}
	st.Degraded = false
	st.AuthFailed = false
	st.LastError = perr.Error()
	p.nextPoll = now.Add(p.interval())
	snapshot := st.Clone()
	p.mu.Unlock()

	if err := p.deps.States.SaveState(ctx, snapshot); err != nil {
		p.logger.Error("Failed to save account state", zap.Error(err))
	}
	p.setState(StateSleeping)

	p.logger.Error("Message pipeline failed, retrying next cycle",
		zap.String("kind", errorKind(perr.err)),
		zap.String("mailbox", perr.mailbox),
		zap.Uint32("uid", perr.uid),
		zap.Int("processed", processed),
		zap.Error(perr.err))
	if recovered {
		p.logger.Info("Account recovered")
		p.report(ctx)
	}
	return perr
}

func (p *Poller) fail(ctx context.Context, err error) error {
	now := p.now()
	auth := errors.Is(err, core.ErrAuthentication)

	p.mu.Lock()
	st := p.st
	st.LastError = err.Error()
	wasDegraded := st.Degraded
	if auth {
		st.AuthFailed = true
		st.Degraded = true
		p.nextPoll = time.Time{}
	} else {
		st.ConsecutiveFailures++
		delay := Backoff(st.ConsecutiveFailures, p.cfg.BackoffBase, p.cfg.BackoffMax)
		if st.ConsecutiveFailures >= p.cfg.MaxFailures && p.cfg.MaxFailures > 0 {
			st.Degraded = true
			if extended := DegradedInterval(p.interval(), p.cfg.DegradedMultiplier, p.cfg.DegradedMaxInterval); extended > delay {
				delay = extended
			}
		}
		st.BackoffUntil = now.Add(delay)
		p.nextPoll = st.BackoffUntil
	}
	failures := st.ConsecutiveFailures
	backoffUntil := st.BackoffUntil
	degraded := st.Degraded
	snapshot := st.Clone()
	p.mu.Unlock()

	if auth {
		p.setState(StateAuthWait)
	} else {
		p.setState(StateBackoff)
	}
	if saveErr := p.deps.States.SaveState(ctx, snapshot); saveErr != nil {
		p.logger.Error("Failed to save account state", zap.Error(saveErr))
	}

	switch {
	case auth:
		p.logger.Error("Authentication failed, waiting for new credentials", zap.Error(err))
		p.report(ctx)
	case degraded && !wasDegraded:
		p.logger.Warn("Account degraded",
			zap.Int("consecutive_failures", failures),
			zap.Time("backoff_until", backoffUntil),
			zap.Error(err))
		p.report(ctx)
	default:
		p.logger.Warn("Poll failed, backing off",
			zap.String("kind", errorKind(err)),
			zap.Int("consecutive_failures", failures),
			zap.Time("backoff_until", backoffUntil),
			zap.Error(err))
	}
	return err
}

func (p *Poller) succeed(ctx context.Context, processed int) {
	now := p.now()

	p.mu.Lock()
	st := p.st
	recovered := st.Degraded
	st.ConsecutiveFailures = 0
	st.BackoffUntil = time.Time{}
	st.Degraded = false
	st.AuthFailed = false
	st.LastError = ""
	st.LastSuccessAt = now
	p.nextPoll = now.Add(p.interval())
	snapshot := st.Clone()
	p.mu.Unlock()

	if err := p.deps.States.SaveState(ctx, snapshot); err != nil {
		p.logger.Error("Failed to save account state", zap.Error(err))
	}
	p.setState(StateSleeping)

	p.logger.Info("Poll cycle completed", zap.Int("processed", processed))
	if recovered {
		p.logger.Info("Account recovered")
		p.report(ctx)
	}
}

func (p *Poller) authFailed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.st != nil && p.st.AuthFailed
}

func (p *Poller) clearAuthFailure(ctx context.Context) {
	p.mu.Lock()
	if p.st == nil || !p.st.AuthFailed {
		p.mu.Unlock()
		return
	}
	p.st.AuthFailed = false
	p.st.ConsecutiveFailures = 0
	p.st.BackoffUntil = time.Time{}
	p.nextPoll = p.now()
	snapshot := p.st.Clone()
	p.mu.Unlock()

	if err := p.deps.States.SaveState(ctx, snapshot); err != nil {
		p.logger.Error("Failed to save account state", zap.Error(err))
	}
	p.logger.Info("Retrying account after configuration change")
}

func (p *Poller) interval() time.Duration {
	if d := p.Account().PollInterval; d > 0 {
		return d
	}
	return p.cfg.DefaultInterval
}

func (p *Poller) setState(s State) {
	p.state.Store(int32(s))
	p.publish()
}

func (p *Poller) publish() {
	account := p.Account()
	status := core.AccountStatus{
		AccountID: account.ID,
		Address:   account.Address,
		State:     p.State().String(),
	}

	p.mu.Lock()
	if p.st != nil {
		status.Degraded = p.st.Degraded
		status.AuthFailed = p.st.AuthFailed
		status.ConsecutiveFailures = p.st.ConsecutiveFailures
		status.LastError = p.st.LastError
		status.LastSuccessAt = p.st.LastSuccessAt
	}
	status.NextPollAt = p.nextPoll
	p.mu.Unlock()

	p.status.Store(&status)
}

func (p *Poller) report(ctx context.Context) {
	p.publish()
	if p.deps.Reporter != nil {
		p.deps.Reporter.ReportAccountStatus(ctx, p.Status())
	}
}

func mailboxes(account core.AccountConfig) []string {
	if len(account.Mailboxes) == 0 {
		return []string{"INBOX"}
	}
	return account.Mailboxes
}
