package storage

import (
	"fmt"
	"time"

	"github.com/sw33tLie/shelfsync/pkg/catalog"
	"github.com/sw33tLie/shelfsync/pkg/plan"
)

// Operation names an audited action.
type Operation string

const (
	OpPlanBuild     Operation = "plan.build"
	OpPlanApprove   Operation = "plan.approve"
	OpPlanStatus    Operation = "plan.status"
	OpPlanRecover   Operation = "plan.recover"
	OpItemApply     Operation = "item.apply"
	OpMappingAuto   Operation = "mapping.auto"
	OpMappingManual Operation = "mapping.manual"
	OpCollectRun    Operation = "collect.run"
)

// AuditEntry is one append-only audit row.
type AuditEntry struct {
	ID         string    `json:"id"`
	OccurredAt time.Time `json:"occurred_at"`
	Actor      string    `json:"actor"`
	Operation  Operation `json:"operation"`
	PlanID     string    `json:"plan_id,omitempty"`
	ItemID     string    `json:"item_id,omitempty"`
	Before     string    `json:"before,omitempty"`
	After      string    `json:"after,omitempty"`
	Result     string    `json:"result"`
}

// AuditFilter selects audit rows. Zero values match everything.
type AuditFilter struct {
	PlanID    string
	ItemID    string
	Operation Operation
	Since     time.Time
	Limit     int
}

// RunStatus is the outcome of one collector run.
type RunStatus string

const (
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCanceled  RunStatus = "canceled"
)

// CollectorRun records one scrape of one site.
type CollectorRun struct {
	ID         int64
	Site       string
	Role       string // reference | competitor
	StartedAt  time.Time
	FinishedAt time.Time
	Status     RunStatus
	Fetched    int
	Stored     int
	Malformed  int
	Error      string
}

// CatalogFilter selects catalog items. Zero values match everything.
type CatalogFilter struct {
	Role     catalog.Role
	ParentID string
	IDs      []string
}

// MappingFilter selects mappings.
type MappingFilter struct {
	SourceKind     catalog.SourceKind
	SourceKey      string
	TargetKind     catalog.TargetKind
	TargetKey      string
	IncludeHistory bool // include superseded rows
}

// StatusConflictError is returned when a compare-and-swap on a plan status
// finds the plan in a different state.
type StatusConflictError struct {
	PlanID string
	Want   plan.Status
	Have   plan.Status
}

func (e *StatusConflictError) Error() string {
	return fmt.Sprintf("plan %s is %s, expected %s", e.PlanID, e.Have, e.Want)
}

// ItemNotPendingError is returned when an item outcome is recorded twice.
type ItemNotPendingError struct {
	Key  string
	Have plan.ItemStatus
}

func (e *ItemNotPendingError) Error() string {
	return fmt.Sprintf("plan item %s is already %s", e.Key, e.Have)
}

// Stats is a row count overview of the store.
type Stats struct {
	CatalogItems     int
	ReferenceRecords int
	CompetitorRows   int
	CompetitorSites  int
	ActiveMappings   map[catalog.Origin]int
	Plans            map[plan.Status]int
	AuditEntries     int
}
