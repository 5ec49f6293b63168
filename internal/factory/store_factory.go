package factory

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/mikey/guardmail/internal/adapters/store"
	"github.com/mikey/guardmail/internal/config"
	"go.uber.org/zap"
)

// StoreFactory creates the persistence backend based on configuration
type StoreFactory struct {
	cfg    *config.Config
	logger *zap.Logger
}

// NewStoreFactory creates a new store factory
func NewStoreFactory(cfg *config.Config, logger *zap.Logger) *StoreFactory {
	return &StoreFactory{
		cfg:    cfg,
		logger: logger,
	}
}

// CreateStore creates a store based on the configuration
func (f *StoreFactory) CreateStore() (store.Store, error) {
	sc := f.cfg.GetStore()
	logger := f.logger.Named("store")

	switch sc.Type {
	case "memory":
		logger.Warn("Using in-memory store, training data and models are lost on restart")
		return store.NewMemoryStore(logger), nil
	case "sqlite":
		// Ensure directory exists
		if err := os.MkdirAll(filepath.Dir(sc.SQLitePath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create SQLite directory: %w", err)
		}
		return store.NewSQLiteStore(sc.SQLitePath, logger)
	case "mysql":
		return store.NewMySQLStore(sc.MySQLDSN, logger)
	default:
		return nil, fmt.Errorf("unsupported store type: %s", sc.Type)
	}
}
