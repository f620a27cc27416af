package stores

import (
	"time"
)

// Config holds SQLite store configuration
type Config struct {
	Path            string        `json:"path" yaml:"path"`
	MaxOpenConns    int           `json:"max_open_conns,omitempty" yaml:"max_open_conns,omitempty"`
	MaxIdleConns    int           `json:"max_idle_conns,omitempty" yaml:"max_idle_conns,omitempty"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime,omitempty" yaml:"conn_max_lifetime,omitempty"`
}

// AuditOutcome is the result of an audited action.
type AuditOutcome string

const (
	AuditOutcomeAllowed  AuditOutcome = "allowed"
	AuditOutcomeDenied   AuditOutcome = "denied"
	AuditOutcomeRejected AuditOutcome = "rejected"
	AuditOutcomeFailed   AuditOutcome = "failed"
)

// AuditEntry records an operator or worker action against the factory.
type AuditEntry struct {
	ID         string       `json:"id"`
	Timestamp  time.Time    `json:"timestamp"`
	Actor      string       `json:"actor,omitempty"`
	Action     string       `json:"action"`
	InstanceID string       `json:"instance_id,omitempty"`
	Outcome    AuditOutcome `json:"outcome"`
	Detail     string       `json:"detail,omitempty"`
}
