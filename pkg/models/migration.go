package models

import (
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Migration Plan
// ============================================================================

// MigrationStepKind tags a plan step with the phase that executes it.
type MigrationStepKind string

const (
	MigrationStepExpand   MigrationStepKind = "expand"
	MigrationStepBackfill MigrationStepKind = "backfill"
	MigrationStepContract MigrationStepKind = "contract"
)

// IsValidMigrationStepKind checks if the given kind is valid.
func IsValidMigrationStepKind(k MigrationStepKind) bool {
	return k == MigrationStepExpand || k == MigrationStepBackfill || k == MigrationStepContract
}

// MigrationStep is one unit of work in a plan. Expand steps name the fields
// to add, backfill steps the fields to populate on existing rows, contract
// steps the fields to remove.
type MigrationStep struct {
	Kind   MigrationStepKind `json:"kind"`
	Fields []string          `json:"fields,omitempty"`
}

// MigrationPlan describes how one entity's schema moves from one version to
// the next. Immutable once execution starts.
type MigrationPlan struct {
	TenantID    uuid.UUID       `json:"tenant_id"`
	EntityName  string          `json:"entity_name"`
	FromVersion int             `json:"from_version"`
	ToVersion   int             `json:"to_version"`
	Steps       []MigrationStep `json:"steps"`
}

// StepsOfKind returns the plan steps tagged with the given kind.
func (p *MigrationPlan) StepsOfKind(kind MigrationStepKind) []MigrationStep {
	var steps []MigrationStep
	for _, s := range p.Steps {
		if s.Kind == kind {
			steps = append(steps, s)
		}
	}
	return steps
}

// ============================================================================
// Migration Status
// ============================================================================

// MigrationPhase names the phase a run is executing (or failed in).
type MigrationPhase string

const (
	MigrationPhaseExpand   MigrationPhase = "expand"
	MigrationPhaseBackfill MigrationPhase = "backfill"
	MigrationPhaseContract MigrationPhase = "contract"
)

// MigrationStatus represents the state of a migration run.
// State machine:
//
//	pending → expanding → expanded → backfilling → backfilled → contracting → completed
//
//	Any non-terminal state can transition to: failed
//	failed → rolled_back (only when a compensating action is defined)
type MigrationStatus string

const (
	MigrationStatusPending     MigrationStatus = "pending"
	MigrationStatusExpanding   MigrationStatus = "expanding"
	MigrationStatusExpanded    MigrationStatus = "expanded"
	MigrationStatusBackfilling MigrationStatus = "backfilling"
	MigrationStatusBackfilled  MigrationStatus = "backfilled"
	MigrationStatusContracting MigrationStatus = "contracting"
	MigrationStatusCompleted   MigrationStatus = "completed"
	MigrationStatusFailed      MigrationStatus = "failed"
	MigrationStatusRolledBack  MigrationStatus = "rolled_back"
)

// ValidMigrationStatuses contains all valid status values.
var ValidMigrationStatuses = []MigrationStatus{
	MigrationStatusPending,
	MigrationStatusExpanding,
	MigrationStatusExpanded,
	MigrationStatusBackfilling,
	MigrationStatusBackfilled,
	MigrationStatusContracting,
	MigrationStatusCompleted,
	MigrationStatusFailed,
	MigrationStatusRolledBack,
}

// IsValidMigrationStatus checks if the given status is valid.
func IsValidMigrationStatus(s MigrationStatus) bool {
	for _, v := range ValidMigrationStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// IsTerminal returns true if the status ends a run. Terminal runs are
// archived, never deleted. A failed run is terminal for the control loop
// but may still be compensated into rolled_back.
func (s MigrationStatus) IsTerminal() bool {
	return s == MigrationStatusCompleted || s == MigrationStatusFailed || s == MigrationStatusRolledBack
}

// CanCancel returns true while cancellation is still permitted. Once
// backfill has mutated data the only way out is failure plus rollback, and
// contract is never cancellable once begun.
func (s MigrationStatus) CanCancel() bool {
	return s == MigrationStatusPending || s == MigrationStatusExpanding
}

// CanTransitionTo returns true if transitioning from this status to the
// target is valid.
func (s MigrationStatus) CanTransitionTo(target MigrationStatus) bool {
	// Any non-terminal state can fail.
	if target == MigrationStatusFailed {
		return !s.IsTerminal()
	}

	switch s {
	case MigrationStatusPending:
		return target == MigrationStatusExpanding
	case MigrationStatusExpanding:
		return target == MigrationStatusExpanded
	case MigrationStatusExpanded:
		return target == MigrationStatusBackfilling
	case MigrationStatusBackfilling:
		return target == MigrationStatusBackfilled
	case MigrationStatusBackfilled:
		return target == MigrationStatusContracting
	case MigrationStatusContracting:
		return target == MigrationStatusCompleted
	case MigrationStatusFailed:
		return target == MigrationStatusRolledBack
	case MigrationStatusCompleted, MigrationStatusRolledBack:
		return false
	default:
		return false
	}
}

// Phase returns the migration phase a non-terminal status executes in.
func (s MigrationStatus) Phase() MigrationPhase {
	switch s {
	case MigrationStatusExpanding, MigrationStatusExpanded:
		return MigrationPhaseExpand
	case MigrationStatusBackfilling, MigrationStatusBackfilled:
		return MigrationPhaseBackfill
	case MigrationStatusContracting, MigrationStatusCompleted:
		return MigrationPhaseContract
	default:
		return ""
	}
}

// ============================================================================
// Migration Run
// ============================================================================

// MigrationRun is the persisted state of one plan execution. It is mutated
// only by its own control loop; the loop rehydrates from this row after a
// restart, so no state lives anywhere else.
type MigrationRun struct {
	ID             uuid.UUID       `json:"id"`
	TenantID       uuid.UUID       `json:"tenant_id"`
	EntityName     string          `json:"entity_name"`
	Plan           MigrationPlan   `json:"plan"`
	Status         MigrationStatus `json:"status"`
	Phase          MigrationPhase  `json:"phase,omitempty"`
	Cursor         *string         `json:"cursor,omitempty"` // last backfilled key, batch-committed
	Error          *string         `json:"error,omitempty"`
	StartedAt      time.Time       `json:"started_at"`
	PhaseStartedAt time.Time       `json:"phase_started_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	Archived       bool            `json:"archived"`
}
