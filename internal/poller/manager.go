package poller

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/mikey/guardmail/internal/core"
	"go.uber.org/zap"
)

// Factory builds the poller for an account
type Factory func(account core.AccountConfig) *Poller

type running struct {
	poller *Poller
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager runs one poller goroutine per enabled account. A failing account
// never blocks the others.
type Manager struct {
	factory Factory
	logger  *zap.Logger

	mu      sync.Mutex
	ctx     context.Context
	pollers map[string]*running
	wg      sync.WaitGroup
}

// NewManager creates a manager
func NewManager(factory Factory, logger *zap.Logger) *Manager {
	return &Manager{
		factory: factory,
		logger:  logger,
		pollers: make(map[string]*running),
	}
}

// Run starts a poller for every enabled account and blocks until ctx is
// cancelled and every poller has finished its current cycle.
func (m *Manager) Run(ctx context.Context, accounts []core.AccountConfig) error {
	m.mu.Lock()
	if m.ctx != nil {
		m.mu.Unlock()
		return errors.New("account manager already running")
	}
	m.ctx = ctx
	m.mu.Unlock()

	for _, account := range accounts {
		if err := m.Add(account); err != nil {
			m.logger.Error("Failed to start account poller",
				zap.String("account", account.ID),
				zap.Error(err))
		}
	}

	<-ctx.Done()
	m.logger.Info("Stopping account pollers")
	m.wg.Wait()
	return nil
}

// Add starts polling an account
func (m *Manager) Add(account core.AccountConfig) error {
	if account.ID == "" {
		return errors.New("account id is required")
	}
	if !account.Enabled {
		m.logger.Info("Account disabled, not polling", zap.String("account", account.ID))
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx == nil {
		return errors.New("account manager is not running")
	}
	if _, ok := m.pollers[account.ID]; ok {
		return fmt.Errorf("account %s is already being polled", account.ID)
	}

	ctx, cancel := context.WithCancel(m.ctx)
	r := &running{poller: m.factory(account), cancel: cancel, done: make(chan struct{})}
	m.pollers[account.ID] = r

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(r.done)
		if err := r.poller.Run(ctx); err != nil {
			m.logger.Error("Account poller exited",
				zap.String("account", account.ID),
				zap.Error(err))
		}
	}()
	return nil
}

// Remove stops polling an account after its current cycle
func (m *Manager) Remove(accountID string) {
	m.mu.Lock()
	r, ok := m.pollers[accountID]
	delete(m.pollers, accountID)
	m.mu.Unlock()
	if !ok {
		return
	}
	r.cancel()
	<-r.done
	m.logger.Info("Account removed", zap.String("account", accountID))
}

// Update hands a new configuration to an account's poller. Disabling an
// account stops it; an unknown enabled account is started.
func (m *Manager) Update(account core.AccountConfig) error {
	if !account.Enabled {
		m.Remove(account.ID)
		return nil
	}

	m.mu.Lock()
	r, ok := m.pollers[account.ID]
	m.mu.Unlock()
	if !ok {
		return m.Add(account)
	}
	r.poller.UpdateConfig(account)
	return nil
}

// Statuses returns the status of every polled account ordered by id
func (m *Manager) Statuses() []core.AccountStatus {
	m.mu.Lock()
	out := make([]core.AccountStatus, 0, len(m.pollers))
	for _, r := range m.pollers {
		out = append(out, r.poller.Status())
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}
