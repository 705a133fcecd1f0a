package stores

import (
	"time"

	"github.com/cherve/cherve/pkg/engine"
)

// Audit entities.
const (
	EntityServer = "server"
	EntitySite   = "site"
	EntityDomain = "domain"
)

// Run is one cherve command invocation.
type Run struct {
	ID         string           `db:"id" json:"id"`
	Command    string           `db:"command" json:"command"`
	Site       string           `db:"site" json:"site,omitempty"`
	Status     engine.RunStatus `db:"status" json:"status"`
	StartedAt  time.Time        `db:"started_at" json:"started_at"`
	FinishedAt *time.Time       `db:"finished_at" json:"finished_at,omitempty"`
	Error      *string          `db:"error" json:"error,omitempty"`
}

// Duration returns how long the run took, or zero while it is running.
func (r *Run) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Step is one journaled step of a run.
type Step struct {
	ID         int64             `db:"id" json:"id"`
	RunID      string            `db:"run_id" json:"run_id"`
	Name       string            `db:"name" json:"name"`
	Status     engine.StepStatus `db:"status" json:"status"`
	DurationMS int64             `db:"duration_ms" json:"duration_ms"`
	Detail     string            `db:"detail" json:"detail,omitempty"`
	RecordedAt time.Time         `db:"recorded_at" json:"recorded_at"`
}

// AuditEntry records a mutation of a persisted record.
type AuditEntry struct {
	ID       string    `db:"id" json:"id"`
	RunID    *string   `db:"run_id" json:"run_id,omitempty"`
	Entity   string    `db:"entity" json:"entity"`
	EntityID string    `db:"entity_id" json:"entity_id"`
	Action   string    `db:"action" json:"action"`
	Detail   string    `db:"detail" json:"detail,omitempty"`
	At       time.Time `db:"at" json:"at"`
}
