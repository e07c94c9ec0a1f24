package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/acme/siteflow/internal/domain"
)

// RecordEventIfNew inserts an ingress dedup row and reports whether this
// call was the first to see eventID (Section 4.D: "consult the dedup table
// ... insert-first-read-second semantics", Section 5). A unique primary key
// violation on EventID is treated as "already seen" rather than an error.
func (s *Store) RecordEventIfNew(ctx context.Context, eventID, kind string) (isNew bool, err error) {
	err = s.db.WithContext(ctx).Create(&domain.IngressEvent{
		EventID:    eventID,
		Kind:       kind,
		ReceivedAt: time.Now(),
	}).Error
	if err == nil {
		return true, nil
	}
	if isUniqueViolation(err) {
		return false, nil
	}
	return false, err
}

// PruneEventsOlderThan deletes dedup rows past the retention window
// (Section 3: "Retained long enough to defeat practical replay windows").
func (s *Store) PruneEventsOlderThan(ctx context.Context, retention time.Duration) error {
	cutoff := time.Now().Add(-retention)
	return s.db.WithContext(ctx).Where("received_at < ?", cutoff).Delete(&domain.IngressEvent{}).Error
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	// Driver-specific fallback: Postgres pgx/lib_pq and the SQLite driver
	// both surface "UNIQUE constraint"/"duplicate key" in the message text
	// rather than a typed error in every build configuration.
	msg := err.Error()
	return strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "UNIQUE constraint") ||
		strings.Contains(msg, "unique constraint")
}
