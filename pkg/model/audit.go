package model

import "time"

// AuditEntry captures an operation against the plugin control plane.
type AuditEntry struct {
	ID        uint64    `gorm:"primaryKey" json:"-"`
	Actor     string    `gorm:"size:64" json:"actor"`
	Action    string    `gorm:"size:64" json:"action"`
	Target    string    `gorm:"size:256" json:"target"`
	Detail    string    `gorm:"size:1024" json:"detail,omitempty"`
	Timestamp time.Time `gorm:"index" json:"timestamp"`
}
