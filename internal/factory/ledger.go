// Package factory builds driver-selected infrastructure from configuration.
package factory

import (
	"fmt"

	"github.com/kalendr/kalendr/internal/config"
	"github.com/kalendr/kalendr/internal/ledger"
	"github.com/kalendr/kalendr/internal/ledger/postgres"
	"github.com/kalendr/kalendr/internal/ledger/sqlite"
)

// NewLedger opens the audit ledger store selected by KALENDR_LEDGER_DRIVER.
func NewLedger(cfg *config.Config) (ledger.Store, error) {
	switch cfg.LedgerDriver {
	case "sqlite":
		s, err := sqlite.NewStore(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite ledger at %s: %w", cfg.SQLitePath, err)
		}
		return s, nil
	case "postgres":
		s, err := postgres.NewStore(cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres ledger: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported ledger driver: %s", cfg.LedgerDriver)
	}
}
