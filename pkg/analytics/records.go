// Package analytics turns raw dbt run records into derived health signals:
// current status, slow models, flaky tests, row count growth and invocation
// timelines. Every function is a pure reduction over the slice it is given.
package analytics

import "time"

// Model run statuses.
const (
	StatusSuccess = "success"
	StatusFail    = "fail"
	StatusError   = "error"
	StatusSkipped = "skipped"
)

// Test run statuses. Fail and error are shared with model runs.
const (
	StatusPass = "pass"
	StatusWarn = "warn"
)

// StatusNoRuns marks a catalog entity with no observation in the window.
const StatusNoRuns = "no_runs"

// IsFailure reports whether status counts as a failure.
func IsFailure(status string) bool {
	return status == StatusFail || status == StatusError
}

// Timed is anything observed for an entity at a point in time.
type Timed interface {
	EntityKey() string
	ObservedTime() time.Time
}

// Observation is a timed record with an outcome status.
type Observation interface {
	Timed
	Outcome() string
}

// RunRecord is one model execution observation.
type RunRecord struct {
	EntityID             string     `json:"entity_id" yaml:"entity_id"`
	Name                 string     `json:"name" yaml:"name"`
	Schema               string     `json:"schema" yaml:"schema"`
	Status               string     `json:"status" yaml:"status"`
	ObservedAt           time.Time  `json:"observed_at" yaml:"observed_at"`
	ExecutionTimeSeconds *float64   `json:"execution_time_seconds" yaml:"execution_time_seconds"`
	InvocationID         string     `json:"invocation_id" yaml:"invocation_id"`
	ExecuteStartedAt     *time.Time `json:"execute_started_at" yaml:"execute_started_at"`
	ExecuteCompletedAt   *time.Time `json:"execute_completed_at" yaml:"execute_completed_at"`
	Message              string     `json:"message,omitempty" yaml:"message,omitempty"`
}

// EntityKey implements Timed.
func (r RunRecord) EntityKey() string { return r.EntityID }

// ObservedTime implements Timed.
func (r RunRecord) ObservedTime() time.Time { return r.ObservedAt }

// Outcome implements Observation.
func (r RunRecord) Outcome() string { return r.Status }

// HasTiming reports whether both execute timestamps are present.
func (r RunRecord) HasTiming() bool {
	return r.ExecuteStartedAt != nil && r.ExecuteCompletedAt != nil
}

// TestRunRecord is one data test observation. ModelName is the model the
// test is attached to.
type TestRunRecord struct {
	EntityID             string     `json:"entity_id" yaml:"entity_id"`
	Name                 string     `json:"name" yaml:"name"`
	Schema               string     `json:"schema" yaml:"schema"`
	ModelName            string     `json:"model_name" yaml:"model_name"`
	TestType             string     `json:"test_type" yaml:"test_type"`
	Status               string     `json:"status" yaml:"status"`
	ObservedAt           time.Time  `json:"observed_at" yaml:"observed_at"`
	ExecutionTimeSeconds *float64   `json:"execution_time_seconds" yaml:"execution_time_seconds"`
	InvocationID         string     `json:"invocation_id" yaml:"invocation_id"`
	ExecuteStartedAt     *time.Time `json:"execute_started_at" yaml:"execute_started_at"`
	ExecuteCompletedAt   *time.Time `json:"execute_completed_at" yaml:"execute_completed_at"`
	Message              string     `json:"message,omitempty" yaml:"message,omitempty"`
}

// EntityKey implements Timed.
func (r TestRunRecord) EntityKey() string { return r.EntityID }

// ObservedTime implements Timed.
func (r TestRunRecord) ObservedTime() time.Time { return r.ObservedAt }

// Outcome implements Observation.
func (r TestRunRecord) Outcome() string { return r.Status }

// Invocation groups the records of one dbt command.
type Invocation struct {
	InvocationID   string     `json:"invocation_id" yaml:"invocation_id"`
	Command        string     `json:"command" yaml:"command"`
	TargetName     string     `json:"target_name" yaml:"target_name"`
	DBTVersion     string     `json:"dbt_version" yaml:"dbt_version"`
	CreatedAt      time.Time  `json:"created_at" yaml:"created_at"`
	RunStartedAt   *time.Time `json:"run_started_at" yaml:"run_started_at"`
	RunCompletedAt *time.Time `json:"run_completed_at" yaml:"run_completed_at"`
}

// DurationSeconds is the wall time between run start and completion, or
// nil when either bound is missing.
func (i *Invocation) DurationSeconds() *float64 {
	if i == nil || i.RunStartedAt == nil || i.RunCompletedAt == nil {
		return nil
	}

	d := i.RunCompletedAt.Sub(*i.RunStartedAt).Seconds()

	return &d
}

// RowCountObservation is a row count sampled for a model.
type RowCountObservation struct {
	EntityID   string    `json:"entity_id" yaml:"entity_id"`
	Name       string    `json:"name" yaml:"name"`
	Schema     string    `json:"schema" yaml:"schema"`
	ObservedAt time.Time `json:"observed_at" yaml:"observed_at"`
	RowCount   int64     `json:"row_count" yaml:"row_count"`
}

// EntityKey implements Timed.
func (o RowCountObservation) EntityKey() string { return o.EntityID }

// ObservedTime implements Timed.
func (o RowCountObservation) ObservedTime() time.Time { return o.ObservedAt }

// Entity is a catalog entry for a model or test.
type Entity struct {
	EntityID string `json:"entity_id" yaml:"entity_id"`
	Name     string `json:"name" yaml:"name"`
	Schema   string `json:"schema" yaml:"schema"`
}

func ptr[T any](v T) *T {
	return &v
}
