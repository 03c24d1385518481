package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Dependency versions understood by the runner.
const (
	DependenciesV1     = "v1"
	DependenciesCustom = "custom"
)

// Run statuses.
const (
	StatusCreated  = "created"
	StatusPassed   = "passed"
	StatusFailed   = "failed"
	StatusTimedOut = "timedOut"
)

// Mocha hook event types reported in TestResult.Type.
const (
	EventHookBegin = "hook"
	EventHookEnd   = "hook end"
)

// Routine statuses derived by Routine.Status.
const (
	RoutineActive    = "active"
	RoutineDisabled  = "disabled"
	RoutineNotPushed = "notPushed"
)

// Mocha holds test runner options.
type Mocha struct {
	Files  []string `json:"files"`
	Ignore []string `json:"ignore"`
	Bail   bool     `json:"bail"`
	UI     string   `json:"ui,omitempty"`
}

// Interval is the schedule of a routine.
type Interval struct {
	Unit  string `json:"unit"`
	Value int    `json:"value"`
}

// CustomDependencies carries the package manifest and lockfile of a routine
// that builds its own dependencies.
type CustomDependencies struct {
	PackageJSON    string `json:"packageJson"`
	ShrinkwrapJSON string `json:"shrinkwrapJson"`
}

// Dependencies is either a fixed version string or a custom dependency
// set. On the wire it is a JSON string or an object.
type Dependencies struct {
	Version string
	Custom  *CustomDependencies
}

// IsCustom reports whether d carries custom dependencies.
func (d Dependencies) IsCustom() bool { return d.Custom != nil }

func (d Dependencies) MarshalJSON() ([]byte, error) {
	if d.Custom != nil {
		return json.Marshal(d.Custom)
	}
	return json.Marshal(d.Version)
}

func (d *Dependencies) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '{' {
		var c CustomDependencies
		if err := json.Unmarshal(data, &c); err != nil {
			return err
		}
		*d = Dependencies{Custom: &c}
		return nil
	}
	var v string
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("dependencies: %w", err)
	}
	*d = Dependencies{Version: v}
	return nil
}

// DebugRun uploads a package and runs it once without replacing the pushed
// routine.
type DebugRun struct {
	Package      string       `json:"package"`
	Mocha        Mocha        `json:"mocha"`
	Dependencies Dependencies `json:"dependencies"`
	TimeoutSec   int          `json:"timeoutSec,omitempty"`
}

// DebugAsyncResponse is returned when a debug run is accepted for
// asynchronous execution. Dependencies is the build id of a custom
// dependency build.
type DebugAsyncResponse struct {
	RecordID           string `json:"recordId"`
	CachedDependencies bool   `json:"cachedDependencies"`
	Dependencies       string `json:"dependencies"`
}

// UpdateRoutine replaces the pushed version of a routine.
type UpdateRoutine struct {
	Name         string       `json:"name"`
	Description  string       `json:"description"`
	Interval     Interval     `json:"interval"`
	Mocha        Mocha        `json:"mocha"`
	TimeoutSec   int          `json:"timeoutSec,omitempty"`
	Package      string       `json:"package"`
	Dependencies Dependencies `json:"dependencies"`
}

// Routine as listed by the API.
type Routine struct {
	ID          string   `json:"id"`
	ProjectID   string   `json:"projectId"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Enabled     bool     `json:"enabled"`
	HasPackage  bool     `json:"hasPackage"`
	Interval    Interval `json:"interval"`
}

// Status summarises whether the routine is running.
func (r Routine) Status() string {
	switch {
	case !r.Enabled:
		return RoutineDisabled
	case !r.HasPackage:
		return RoutineNotPushed
	default:
		return RoutineActive
	}
}

type Project struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Stats struct {
	Suites   int `json:"suites"`
	Tests    int `json:"tests"`
	Passes   int `json:"passes"`
	Pending  int `json:"pending"`
	Failures int `json:"failures"`
}

type TestError struct {
	Message string `json:"message"`
	Stack   string `json:"stack"`
	Diff    string `json:"diff,omitempty"`
}

// TestResult is one mocha event of a run. Duration is nil for events that
// were not timed.
type TestResult struct {
	FullTitle string     `json:"fullTitle"`
	Duration  *int       `json:"duration,omitempty"`
	Type      string     `json:"type"`
	Error     *TestError `json:"error,omitempty"`
}

// IsHook reports whether the result belongs to a before/after hook.
func (r TestResult) IsHook() bool {
	return r.Type == EventHookBegin || r.Type == EventHookEnd
}

// CompletedRunRecord is the outcome of a finished run.
type CompletedRunRecord struct {
	ID             string       `json:"id"`
	RoutineID      string       `json:"routineId"`
	Status         string       `json:"status"`
	FailType       string       `json:"failType,omitempty"`
	Console        string       `json:"console,omitempty"`
	CompletedAt    time.Time    `json:"completedAt"`
	TestDurationMs int64        `json:"testDurationMs"`
	Stats          Stats        `json:"stats"`
	Results        []TestResult `json:"results"`
}

// Search filters and pages through a routine's records or timeline.
// Start and End bound the time range; Before and After are page cursors.
type Search struct {
	Start  *time.Time
	End    *time.Time
	Limit  int
	Before *time.Time
	After  *time.Time
}

type searchFilter struct {
	Start *time.Time `json:"start,omitempty"`
	End   *time.Time `json:"end,omitempty"`
}

type searchPagination struct {
	Before *time.Time `json:"before,omitempty"`
	After  *time.Time `json:"after,omitempty"`
	Limit  int        `json:"limit,omitempty"`
}

type searchWire struct {
	Filter     *searchFilter     `json:"filter,omitempty"`
	Pagination *searchPagination `json:"pagination,omitempty"`
}

func (s Search) MarshalJSON() ([]byte, error) {
	var w searchWire
	if s.Start != nil || s.End != nil {
		w.Filter = &searchFilter{Start: s.Start, End: s.End}
	}
	if s.Before != nil || s.After != nil || s.Limit != 0 {
		w.Pagination = &searchPagination{Before: s.Before, After: s.After, Limit: s.Limit}
	}
	return json.Marshal(w)
}

func (s *Search) UnmarshalJSON(data []byte) error {
	var w searchWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*s = Search{}
	if w.Filter != nil {
		s.Start, s.End = w.Filter.Start, w.Filter.End
	}
	if w.Pagination != nil {
		s.Before, s.After, s.Limit = w.Pagination.Before, w.Pagination.After, w.Pagination.Limit
	}
	return nil
}

// CreateRoutine registers a new routine in a project.
type CreateRoutine struct {
	ProjectID   string   `json:"projectId"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Interval    Interval `json:"interval"`
}

// Timeline event statuses.
const (
	TimelineUp       = "up"
	TimelineImpaired = "impaired"
	TimelineDown     = "down"
	TimelineTimeout  = "timeout"
	TimelineUnknown  = "unknown"
)

// TimelineEvent is a span during which a routine kept one status.
type TimelineEvent struct {
	Status string    `json:"status"`
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
}

// TimelineList is one page of timeline events.
type TimelineList struct {
	List       []TimelineEvent `json:"list"`
	NextAfter  *time.Time      `json:"nextAfter,omitempty"`
	PrevBefore *time.Time      `json:"prevBefore,omitempty"`
}

// RoutineStatus summarises a routine's current state and availability.
// Since is nil before the first record; Downtime is nil without any.
type RoutineStatus struct {
	OverallStatus string        `json:"overallStatus"`
	NextRunAt     *time.Time    `json:"nextRunAt,omitempty"`
	Since         *StatusSince  `json:"status,omitempty"`
	Downtime      *Downtime     `json:"downtime,omitempty"`
	Uptimes       RoutineUptime `json:"uptimes"`
}

type StatusSince struct {
	Start time.Time `json:"start"`
}

type Downtime struct {
	Start      time.Time `json:"start"`
	DurationMs int64     `json:"durationMs"`
}

type RoutineUptime struct {
	Day   Uptime `json:"day"`
	Week  Uptime `json:"week"`
	Month Uptime `json:"month"`
}

// Uptime is the availability over one window.
type Uptime struct {
	Tests Availability `json:"tests"`
}

// Availability is a ratio between 0 and 1.
type Availability struct {
	Availability float64 `json:"availability"`
}

// PlanTierFree is the tier of plans that are never billed.
const PlanTierFree = "free"

type Plan struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Tier string `json:"tier"`
}

// ProjectPlan is the billing state of a project. Payment is nil for
// projects that never paid.
type ProjectPlan struct {
	PlanID  string     `json:"planId"`
	Limits  PlanLimits `json:"limits"`
	Payment *Payment   `json:"payment,omitempty"`
}

// PlanLimits are monthly limits.
type PlanLimits struct {
	CPUSeconds int `json:"cpuSeconds"`
	Routines   int `json:"routines"`
	SMSCount   int `json:"smsCount"`
}

type Payment struct {
	Delinquent bool `json:"delinquent"`
}
// RecordList is one page of records with cursors for the adjacent pages.
type RecordList struct {
	List       []CompletedRunRecord `json:"list"`
	NextAfter  *time.Time           `json:"nextAfter,omitempty"`
	PrevBefore *time.Time           `json:"prevBefore,omitempty"`
}

// envelope wraps every successful response.
type envelope struct {
	Data json.RawMessage `json:"data"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}
