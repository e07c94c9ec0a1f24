package domain

import "time"

// IngressEvent is an ephemeral dedup record (Section 3). A row here for a
// given EventID means that event has already been admitted; replays within
// the retention window are swallowed (Section 4.D, Section 7).
type IngressEvent struct {
	EventID    string    `gorm:"primaryKey" json:"event_id"`
	Kind       string    `gorm:"not null" json:"kind"`
	ReceivedAt time.Time `json:"received_at"`
}

func (IngressEvent) TableName() string { return "ingress_events" }
