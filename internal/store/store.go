// Package store is the relational projection of projects, tasks and
// approvals (Section 4.C). It owns every invariant enforced "at write
// time": the unique index on external project id, cascading foreign keys,
// updated_at maintenance, and the row-level lock that serializes concurrent
// mutation of a single project.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/acme/siteflow/internal/domain"
	"github.com/acme/siteflow/internal/logger"
)

var ErrNotFound = errors.New("store: not found")
var ErrAlreadyExists = errors.New("store: already exists")

type Store struct {
	db  *gorm.DB
	log *logger.Logger
}

func New(db *gorm.DB, log *logger.Logger) *Store {
	return &Store{db: db, log: log.With("component", "Store")}
}

// WithTx runs fn inside a single database transaction, matching the
// teacher's "multi-row mutations that must be atomic execute in a single
// transaction" pattern for combined writes such as "mark task succeeded AND
// advance project stage AND create next task row".
func (s *Store) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return s.db.WithContext(ctx).Transaction(fn)
}

// WithTxRetryLock runs fn inside a transaction, retrying the whole attempt
// a small bounded number of times if it fails on store contention (Section
// 7: "Store contention: lock timeout -> Retried internally a small bounded
// number of times; then surfaced as transient"). Callers that take a row
// lock as their first statement (LockProject) should use this instead of
// WithTx so a concurrent holder of that lock doesn't turn into an
// immediate caller-visible failure.
func (s *Store) WithTxRetryLock(ctx context.Context, attempts int, fn func(tx *gorm.DB) error) error {
	return retryOnLockTimeout(ctx, attempts, func() error {
		return s.WithTx(ctx, fn)
	})
}

// LockProject takes a row-level SELECT ... FOR UPDATE lock on the project
// row, serializing concurrent updates to the same project (Section 4.C:
// "Reads needed during a transition take a row-level lock on the project
// row"). Must be called inside a transaction (tx must come from WithTx).
func LockProject(tx *gorm.DB, id uuid.UUID) (*domain.Project, error) {
	var p domain.Project
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Preload("Tasks").
		Preload("Approvals").
		First(&p, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// retryOnLockTimeout retries a small bounded number of times on store
// contention (Section 7: "Store contention: lock timeout -> Retried
// internally a small bounded number of times; then surfaced as transient").
func retryOnLockTimeout(ctx context.Context, attempts int, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if !isLockTimeout(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(i+1) * 20 * time.Millisecond):
		}
	}
	return fmt.Errorf("store: exhausted lock retries: %w", err)
}

func isLockTimeout(err error) bool {
	if err == nil {
		return false
	}
	// Postgres lock_timeout / deadlock detected surface as driver-specific
	// errors; the store treats any transaction failure other than
	// ErrNotFound or ErrAlreadyExists as a candidate for a bounded retry.
	return !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrAlreadyExists)
}
