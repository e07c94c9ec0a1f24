// Package db opens the relational store and owns schema migration. It
// mirrors the teacher's internal/db/postgres.go shape (GORM + a quiet
// logger tuned for a polling worker) but supports either Postgres in
// production or SQLite in tests, selected by config.Config.DatabaseDriver.
package db

import (
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/acme/siteflow/internal/config"
	"github.com/acme/siteflow/internal/domain"
	"github.com/acme/siteflow/internal/logger"
)

func Open(cfg *config.Config, log_ *logger.Logger) (*gorm.DB, error) {
	gl := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)

	var dialector gorm.Dialector
	switch cfg.DatabaseDriver {
	case "sqlite":
		dialector = sqlite.Open(cfg.DatabaseDSN)
	default:
		dialector = postgres.Open(cfg.DatabaseDSN)
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{Logger: gl})
	if err != nil {
		log_.Error("failed to open database", "driver", cfg.DatabaseDriver, "error", err)
		return nil, fmt.Errorf("open database: %w", err)
	}
	return gdb, nil
}

// AutoMigrate creates/updates the relational schema for the five
// persisted tables named in Section 6 (projects, tasks, approvals,
// ingress dedup, outbound-retry log). Enumerations (stage, status,
// decision) are Go string types validated in the domain layer and at the
// store boundary rather than via a separate reference table — GORM does
// not model CHECK constraints portably across Postgres/SQLite, so the
// store layer is the enforcement point (see DESIGN.md).
func AutoMigrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(
		&domain.Project{},
		&domain.Task{},
		&domain.Approval{},
		&domain.IngressEvent{},
		&domain.OutboxEntry{},
	)
}
