package poller

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mikey/guardmail/internal/adapters/store"
	"github.com/mikey/guardmail/internal/core"
	"github.com/mikey/guardmail/internal/mailparse"
	"go.uber.org/zap"
)

type fakeMailbox struct {
	validity uint32
	messages map[uint32][]byte
}

type fakeSession struct {
	mu        sync.Mutex
	mailboxes map[string]*fakeMailbox
	selected  string
	closed    int
}

func (s *fakeSession) Select(_ context.Context, mailbox string) (core.MailboxStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mb, ok := s.mailboxes[mailbox]
	if !ok {
		return core.MailboxStatus{}, fmt.Errorf("no mailbox %s", mailbox)
	}
	s.selected = mailbox
	return core.MailboxStatus{Name: mailbox, UIDValidity: mb.validity, Messages: uint32(len(mb.messages))}, nil
}

func (s *fakeSession) ListSince(_ context.Context, lastUID uint32, limit int) ([]uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var uids []uint32
	for uid := range s.mailboxes[s.selected].messages {
		if uid > lastUID {
			uids = append(uids, uid)
		}
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	if limit > 0 && len(uids) > limit {
		uids = uids[:limit]
	}
	return uids, nil
}

func (s *fakeSession) Fetch(_ context.Context, uid uint32) ([]byte, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.mailboxes[s.selected].messages[uid]
	if !ok {
		return nil, time.Time{}, fmt.Errorf("no message %d", uid)
	}
	return raw, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	s.closed++
	s.mu.Unlock()
	return nil
}

type fakeDialer struct {
	mu      sync.Mutex
	session *fakeSession
	fail    func(account core.AccountConfig) error
	dials   int
}

func (d *fakeDialer) Dial(_ context.Context, account core.AccountConfig) (core.MailSession, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.fail != nil {
		if err := d.fail(account); err != nil {
			return nil, err
		}
	}
	return d.session, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

type fakeProcessor struct {
	mu        sync.Mutex
	processed []string
	malformed []string
	failOn    string
	failErr   error
}

func (p *fakeProcessor) Process(_ context.Context, msg *core.Message) (*core.ClassificationResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if msg.ID == p.failOn {
		if p.failErr != nil {
			return nil, p.failErr
		}
		return nil, errors.New("result sink unavailable")
	}
	p.processed = append(p.processed, msg.ID)
	return &core.ClassificationResult{MessageID: msg.ID}, nil
}

func (p *fakeProcessor) RecordMalformed(_ context.Context, messageID, _ string, _ error) (*core.ClassificationResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.malformed = append(p.malformed, messageID)
	return &core.ClassificationResult{MessageID: messageID, Malformed: true}, nil
}

func (p *fakeProcessor) ids() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.processed...)
}

type recordingReporter struct {
	mu       sync.Mutex
	statuses []core.AccountStatus
}

func (r *recordingReporter) ReportAccountStatus(_ context.Context, status core.AccountStatus) {
	r.mu.Lock()
	r.statuses = append(r.statuses, status)
	r.mu.Unlock()
}

func (r *recordingReporter) last() (core.AccountStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.statuses) == 0 {
		return core.AccountStatus{}, false
	}
	return r.statuses[len(r.statuses)-1], true
}

func rawMessage(subject string) []byte {
	return []byte("From: alice@example.com\r\nTo: bob@example.com\r\nSubject: " + subject +
		"\r\nContent-Type: text/plain\r\n\r\nhello " + subject + "\r\n")
}

func inbox(validity uint32, n int) *fakeSession {
	messages := make(map[uint32][]byte, n)
	for uid := uint32(1); uid <= uint32(n); uid++ {
		messages[uid] = rawMessage(fmt.Sprintf("message %d", uid))
	}
	return &fakeSession{mailboxes: map[string]*fakeMailbox{
		"INBOX": {validity: validity, messages: messages},
	}}
}

func testAccount() core.AccountConfig {
	return core.AccountConfig{
		ID:           "acct",
		Address:      "bob@example.com",
		Host:         "imap.example.com",
		PollInterval: time.Hour,
		Enabled:      true,
	}
}

type harness struct {
	poller    *Poller
	dialer    *fakeDialer
	processor *fakeProcessor
	states    *store.MemoryStore
	reporter  *recordingReporter
	now       time.Time
}

func newHarness(t *testing.T, session *fakeSession) *harness {
	t.Helper()
	logger := zap.NewNop()
	h := &harness{
		dialer:    &fakeDialer{session: session},
		processor: &fakeProcessor{},
		states:    store.NewMemoryStore(logger),
		reporter:  &recordingReporter{},
		now:       time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	h.poller = New(testAccount(), DefaultConfig(), Deps{
		Dialer:    h.dialer,
		Parser:    mailparse.NewParser(logger, 0),
		Processor: h.processor,
		States:    h.states,
		Reporter:  h.reporter,
	}, logger)
	h.poller.now = func() time.Time { return h.now }
	return h
}

func (h *harness) state(t *testing.T) *core.AccountState {
	t.Helper()
	st, err := h.states.LoadState(context.Background(), "acct")
	if err != nil {
		t.Fatal(err)
	}
	return st
}

func TestBackoffIsBoundedAndNonDecreasing(t *testing.T) {
	base, max := 30*time.Second, 30*time.Minute
	if got := Backoff(0, base, max); got != 0 {
		t.Errorf("Backoff(0) = %v, want 0", got)
	}
	if got := Backoff(1, base, max); got != base {
		t.Errorf("Backoff(1) = %v, want %v", got, base)
	}
	prev := time.Duration(0)
	for n := 1; n <= 200; n++ {
		d := Backoff(n, base, max)
		if d < prev {
			t.Fatalf("Backoff(%d) = %v decreased from %v", n, d, prev)
		}
		if d > max {
			t.Fatalf("Backoff(%d) = %v exceeds %v", n, d, max)
		}
		prev = d
	}
	if prev != max {
		t.Errorf("Backoff(200) = %v, want cap %v", prev, max)
	}

	if got := DegradedInterval(5*time.Minute, 4, 4*time.Hour); got != 20*time.Minute {
		t.Errorf("DegradedInterval = %v, want 20m", got)
	}
	if got := DegradedInterval(2*time.Hour, 4, 4*time.Hour); got != 4*time.Hour {
		t.Errorf("DegradedInterval = %v, want ceiling", got)
	}
}

func TestTimeoutsBackOffUntilDegraded(t *testing.T) {
	h := newHarness(t, inbox(1, 0))
	timeout := core.NewError(core.ErrTransientConnection, "dial", errors.New("i/o timeout"))
	h.dialer.fail = func(core.AccountConfig) error { return timeout }
	ctx := context.Background()

	var previous time.Time
	for i := 1; i <= 3; i++ {
		if err := h.poller.Cycle(ctx); !errors.Is(err, core.ErrTransientConnection) {
			t.Fatalf("cycle %d error = %v", i, err)
		}
		st := h.state(t)
		if st.ConsecutiveFailures != i {
			t.Fatalf("consecutive failures = %d, want %d", st.ConsecutiveFailures, i)
		}
		if !st.BackoffUntil.After(previous) {
			t.Fatalf("backoff_until %v did not increase past %v", st.BackoffUntil, previous)
		}
		previous = st.BackoffUntil
	}
	if st := h.state(t); st.Degraded {
		t.Fatal("degraded after 3 failures")
	}
	if h.poller.State() != StateBackoff {
		t.Errorf("state = %v, want backoff", h.poller.State())
	}

	for i := 4; i <= 5; i++ {
		_ = h.poller.Cycle(ctx)
	}
	st := h.state(t)
	if !st.Degraded {
		t.Fatal("not degraded after 5 failures")
	}
	if want := h.now.Add(20 * time.Minute); st.BackoffUntil.Before(want) {
		t.Errorf("degraded backoff_until = %v, want at least %v", st.BackoffUntil, want)
	}
	if status, ok := h.reporter.last(); !ok || !status.Degraded {
		t.Errorf("degradation not reported: %+v", status)
	}

	// a successful cycle clears the failure state
	h.dialer.fail = nil
	if err := h.poller.Cycle(ctx); err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	st = h.state(t)
	if st.Degraded || st.ConsecutiveFailures != 0 || !st.BackoffUntil.IsZero() {
		t.Errorf("state after recovery = %+v", st)
	}
	if !h.poller.NextPoll().Equal(h.now.Add(time.Hour)) {
		t.Errorf("next poll = %v, want one interval later", h.poller.NextPoll())
	}
}

func TestCycleAdvancesMarkerPerMessage(t *testing.T) {
	h := newHarness(t, inbox(7, 3))
	ctx := context.Background()

	if err := h.poller.Cycle(ctx); err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	want := []string{"acct:INBOX:1", "acct:INBOX:2", "acct:INBOX:3"}
	if got := h.processor.ids(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("processed %v, want %v", got, want)
	}
	if m := h.state(t).Markers["INBOX"]; m.LastSeenUID != 3 || m.UIDValidity != 7 {
		t.Errorf("marker = %+v", m)
	}

	if err := h.poller.Cycle(ctx); err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if got := h.processor.ids(); len(got) != 3 {
		t.Errorf("second cycle reprocessed messages: %v", got)
	}
	if h.dialer.session.closed != 2 {
		t.Errorf("sessions closed = %d, want 2", h.dialer.session.closed)
	}
}

func TestCycleHonoursMessageLimit(t *testing.T) {
	h := newHarness(t, inbox(1, 5))
	account := testAccount()
	account.MaxMessagesPerCycle = 2
	h.poller.UpdateConfig(account)

	if err := h.poller.Cycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := h.processor.ids(); len(got) != 2 {
		t.Errorf("processed %d messages, want 2", len(got))
	}
	if m := h.state(t).Markers["INBOX"]; m.LastSeenUID != 2 {
		t.Errorf("marker = %d, want 2", m.LastSeenUID)
	}
}

func TestMarkerStaysBehindFailedRecord(t *testing.T) {
	h := newHarness(t, inbox(1, 3))
	h.processor.failOn = "acct:INBOX:2"

	if err := h.poller.Cycle(context.Background()); err == nil {
		t.Fatal("expected cycle to fail")
	}
	st := h.state(t)
	if st.Markers["INBOX"].LastSeenUID != 1 {
		t.Errorf("marker = %d, want 1", st.Markers["INBOX"].LastSeenUID)
	}
	if st.ConsecutiveFailures != 0 || !st.BackoffUntil.IsZero() {
		t.Errorf("failures = %d, backoff until %v; a sink failure is not a connection failure",
			st.ConsecutiveFailures, st.BackoffUntil)
	}
	if !strings.HasPrefix(st.LastError, "pipeline:") {
		t.Errorf("last error = %q, want a pipeline error", st.LastError)
	}
	if want := h.now.Add(time.Hour); !h.poller.NextPoll().Equal(want) {
		t.Errorf("next poll = %v, want %v", h.poller.NextPoll(), want)
	}

	// the failed message is retried on the next cycle
	h.processor.failOn = ""
	if err := h.poller.Cycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := h.processor.ids(); len(got) != 3 || got[1] != "acct:INBOX:2" {
		t.Errorf("processed %v", got)
	}
}

func TestPipelineFailuresNeverDegradeAccount(t *testing.T) {
	h := newHarness(t, inbox(1, 1))
	h.processor.failOn = "acct:INBOX:1"
	h.processor.failErr = core.NewError(core.ErrNoActiveModel, "classify", errors.New("store is empty"))

	for i := 0; i < DefaultConfig().MaxFailures+2; i++ {
		err := h.poller.Cycle(context.Background())
		if !errors.Is(err, core.ErrNoActiveModel) {
			t.Fatalf("cycle %d error = %v, want no active model", i, err)
		}
		h.now = h.now.Add(time.Hour)
	}

	st := h.state(t)
	if st.Degraded || st.ConsecutiveFailures != 0 {
		t.Errorf("state = degraded %v, %d failures; want healthy", st.Degraded, st.ConsecutiveFailures)
	}
	if got := h.poller.State(); got != StateSleeping {
		t.Errorf("poller state = %v, want sleeping", got)
	}
	if n := len(h.reporter.statuses); n != 0 {
		t.Errorf("reported %d status changes, want none", n)
	}
	if m := st.Markers["INBOX"]; m.LastSeenUID != 0 {
		t.Errorf("marker = %d, want 0", m.LastSeenUID)
	}
}

func TestMalformedMessageDoesNotStopCycle(t *testing.T) {
	session := inbox(1, 3)
	session.mailboxes["INBOX"].messages[2] = []byte("   \r\n")
	h := newHarness(t, session)

	if err := h.poller.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if got := h.processor.malformed; len(got) != 1 || got[0] != "acct:INBOX:2" {
		t.Errorf("malformed = %v", got)
	}
	if got := h.processor.ids(); len(got) != 2 {
		t.Errorf("processed = %v", got)
	}
	if m := h.state(t).Markers["INBOX"]; m.LastSeenUID != 3 {
		t.Errorf("marker = %d, want 3", m.LastSeenUID)
	}
}

func TestUIDValidityChangeResetsMarker(t *testing.T) {
	h := newHarness(t, inbox(2, 2))
	ctx := context.Background()

	st := core.NewAccountState("acct")
	st.Markers["INBOX"] = core.MailboxMarker{UIDValidity: 1, LastSeenUID: 10}
	if err := h.states.SaveState(ctx, st); err != nil {
		t.Fatal(err)
	}

	if err := h.poller.Cycle(ctx); err != nil {
		t.Fatal(err)
	}
	if got := h.processor.ids(); len(got) != 2 {
		t.Errorf("processed %v after UIDVALIDITY change, want both messages", got)
	}
	if m := h.state(t).Markers["INBOX"]; m.UIDValidity != 2 || m.LastSeenUID != 2 {
		t.Errorf("marker = %+v", m)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAuthFailureWaitsForNewCredentials(t *testing.T) {
	h := newHarness(t, inbox(1, 1))
	h.poller.now = time.Now
	h.dialer.fail = func(account core.AccountConfig) error {
		if account.Password != "fixed" {
			return core.NewError(core.ErrAuthentication, "login", errors.New("invalid credentials"))
		}
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.poller.Run(ctx) }()

	waitFor(t, "auth wait", func() bool { return h.poller.State() == StateAuthWait })
	status := h.poller.Status()
	if !status.AuthFailed {
		t.Errorf("status = %+v, want auth failed", status)
	}
	if reported, ok := h.reporter.last(); !ok || !reported.AuthFailed {
		t.Error("auth failure not surfaced to the reporter")
	}

	time.Sleep(50 * time.Millisecond)
	if n := h.dialer.count(); n != 1 {
		t.Fatalf("retried %d times without new credentials", n)
	}

	account := testAccount()
	account.Password = "fixed"
	h.poller.UpdateConfig(account)

	waitFor(t, "processing with new credentials", func() bool { return len(h.processor.ids()) == 1 })
	waitFor(t, "sleep", func() bool { return h.poller.State() == StateSleeping })
	if h.poller.Status().AuthFailed {
		t.Error("auth failure not cleared")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("poller did not stop")
	}
	if h.poller.State() != StateDisconnected {
		t.Errorf("state after stop = %v", h.poller.State())
	}
}

func TestManagerIsolatesAccounts(t *testing.T) {
	logger := zap.NewNop()
	states := store.NewMemoryStore(logger)
	processor := &fakeProcessor{}
	healthy := &fakeDialer{session: inbox(1, 2)}
	broken := &fakeDialer{fail: func(core.AccountConfig) error {
		return core.NewError(core.ErrTransientConnection, "dial", errors.New("connection refused"))
	}}

	m := NewManager(func(account core.AccountConfig) *Poller {
		dialer := healthy
		if account.ID == "broken" {
			dialer = broken
		}
		return New(account, DefaultConfig(), Deps{
			Dialer:    dialer,
			Parser:    mailparse.NewParser(logger, 0),
			Processor: processor,
			States:    states,
			Reporter:  NewLogReporter(logger),
		}, logger)
	}, logger)

	good := testAccount()
	bad := testAccount()
	bad.ID = "broken"
	off := testAccount()
	off.ID = "off"
	off.Enabled = false

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, []core.AccountConfig{good, bad, off}) }()

	waitFor(t, "healthy account", func() bool { return len(processor.ids()) == 2 })
	waitFor(t, "broken account backoff", func() bool {
		for _, s := range m.Statuses() {
			if s.AccountID == "broken" && s.ConsecutiveFailures == 1 {
				return true
			}
		}
		return false
	})

	statuses := m.Statuses()
	if len(statuses) != 2 || statuses[0].AccountID != "acct" || statuses[1].AccountID != "broken" {
		t.Fatalf("statuses = %+v", statuses)
	}
	if err := m.Add(good); err == nil {
		t.Error("adding a running account twice should fail")
	}

	m.Remove("broken")
	if got := m.Statuses(); len(got) != 1 {
		t.Errorf("statuses after remove = %+v", got)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("manager did not stop")
	}
}
