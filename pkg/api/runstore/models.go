package runstore

import (
	"strings"
	"time"

	"github.com/dbtlens/dbtlens/pkg/analytics"
	"github.com/dbtlens/dbtlens/pkg/artifacts"
)

// Invocation is one indexed dbt invocation directory.
type Invocation struct {
	ID             uint   `gorm:"primaryKey"`
	DiscoveryPath  string `gorm:"not null;uniqueIndex:idx_invocations_dp_inv"`
	InvocationID   string `gorm:"not null;uniqueIndex:idx_invocations_dp_inv"`
	Command        string
	TargetName     string
	DBTVersion     string
	GeneratedAt    time.Time `gorm:"index"`
	RunStartedAt   *time.Time
	RunCompletedAt *time.Time
	HasResults     bool `gorm:"index"`

	// Denormalized result counts.
	ModelCount int
	TestCount  int

	IndexedAt   time.Time
	ReindexedAt *time.Time
}

// Analytics converts the row to the analytics representation.
func (i *Invocation) Analytics() analytics.Invocation {
	return analytics.Invocation{
		InvocationID:   i.InvocationID,
		Command:        i.Command,
		TargetName:     i.TargetName,
		DBTVersion:     i.DBTVersion,
		CreatedAt:      i.GeneratedAt.UTC(),
		RunStartedAt:   utcPtr(i.RunStartedAt),
		RunCompletedAt: utcPtr(i.RunCompletedAt),
	}
}

// ModelRun is one model execution row.
type ModelRun struct {
	ID                 uint   `gorm:"primaryKey"`
	DiscoveryPath      string `gorm:"not null;index:idx_model_runs_dp_inv"`
	InvocationID       string `gorm:"not null;index:idx_model_runs_dp_inv"`
	EntityID           string `gorm:"not null;index"`
	Name               string `gorm:"index"`
	Schema             string
	Status             string
	ObservedAt         time.Time `gorm:"index"`
	ExecutionTime      *float64
	ExecuteStartedAt   *time.Time
	ExecuteCompletedAt *time.Time
	Message            string `gorm:"type:text"`
}

// NewModelRun builds a row from an analytics record.
func NewModelRun(discoveryPath string, r analytics.RunRecord) ModelRun {
	return ModelRun{
		DiscoveryPath:      discoveryPath,
		InvocationID:       r.InvocationID,
		EntityID:           r.EntityID,
		Name:               r.Name,
		Schema:             r.Schema,
		Status:             r.Status,
		ObservedAt:         r.ObservedAt.UTC(),
		ExecutionTime:      r.ExecutionTimeSeconds,
		ExecuteStartedAt:   utcPtr(r.ExecuteStartedAt),
		ExecuteCompletedAt: utcPtr(r.ExecuteCompletedAt),
		Message:            r.Message,
	}
}

// Record converts the row to an analytics record.
func (m *ModelRun) Record() analytics.RunRecord {
	return analytics.RunRecord{
		EntityID:             m.EntityID,
		Name:                 m.Name,
		Schema:               m.Schema,
		Status:               m.Status,
		ObservedAt:           m.ObservedAt.UTC(),
		ExecutionTimeSeconds: m.ExecutionTime,
		InvocationID:         m.InvocationID,
		ExecuteStartedAt:     utcPtr(m.ExecuteStartedAt),
		ExecuteCompletedAt:   utcPtr(m.ExecuteCompletedAt),
		Message:              m.Message,
	}
}

// TestRun is one data test execution row.
type TestRun struct {
	ID                 uint   `gorm:"primaryKey"`
	DiscoveryPath      string `gorm:"not null;index:idx_test_runs_dp_inv"`
	InvocationID       string `gorm:"not null;index:idx_test_runs_dp_inv"`
	EntityID           string `gorm:"not null;index"`
	Name               string `gorm:"index"`
	Schema             string
	ModelName          string `gorm:"index"`
	TestType           string
	Status             string
	ObservedAt         time.Time `gorm:"index"`
	ExecutionTime      *float64
	ExecuteStartedAt   *time.Time
	ExecuteCompletedAt *time.Time
	Message            string `gorm:"type:text"`
}

// NewTestRun builds a row from an analytics record.
func NewTestRun(discoveryPath string, r analytics.TestRunRecord) TestRun {
	return TestRun{
		DiscoveryPath:      discoveryPath,
		InvocationID:       r.InvocationID,
		EntityID:           r.EntityID,
		Name:               r.Name,
		Schema:             r.Schema,
		ModelName:          r.ModelName,
		TestType:           r.TestType,
		Status:             r.Status,
		ObservedAt:         r.ObservedAt.UTC(),
		ExecutionTime:      r.ExecutionTimeSeconds,
		ExecuteStartedAt:   utcPtr(r.ExecuteStartedAt),
		ExecuteCompletedAt: utcPtr(r.ExecuteCompletedAt),
		Message:            r.Message,
	}
}

// Record converts the row to an analytics record.
func (t *TestRun) Record() analytics.TestRunRecord {
	return analytics.TestRunRecord{
		EntityID:             t.EntityID,
		Name:                 t.Name,
		Schema:               t.Schema,
		ModelName:            t.ModelName,
		TestType:             t.TestType,
		Status:               t.Status,
		ObservedAt:           t.ObservedAt.UTC(),
		ExecutionTimeSeconds: t.ExecutionTime,
		InvocationID:         t.InvocationID,
		ExecuteStartedAt:     utcPtr(t.ExecuteStartedAt),
		ExecuteCompletedAt:   utcPtr(t.ExecuteCompletedAt),
		Message:              t.Message,
	}
}

// RowCount is one sampled row count.
type RowCount struct {
	ID            uint   `gorm:"primaryKey"`
	DiscoveryPath string `gorm:"not null;index:idx_row_counts_dp_inv"`
	InvocationID  string `gorm:"not null;index:idx_row_counts_dp_inv"`
	EntityID      string `gorm:"not null;index"`
	Name          string `gorm:"index"`
	Schema        string
	ObservedAt    time.Time `gorm:"index"`
	RowCount      int64
}

// NewRowCount builds a row from an observation.
func NewRowCount(discoveryPath, invocationID string, o analytics.RowCountObservation) RowCount {
	return RowCount{
		DiscoveryPath: discoveryPath,
		InvocationID:  invocationID,
		EntityID:      o.EntityID,
		Name:          o.Name,
		Schema:        o.Schema,
		ObservedAt:    o.ObservedAt.UTC(),
		RowCount:      o.RowCount,
	}
}

// Observation converts the row to an analytics observation.
func (r *RowCount) Observation() analytics.RowCountObservation {
	return analytics.RowCountObservation{
		EntityID:   r.EntityID,
		Name:       r.Name,
		Schema:     r.Schema,
		ObservedAt: r.ObservedAt.UTC(),
		RowCount:   r.RowCount,
	}
}

// Model is a catalog model. Rows are replaced only by manifests at least
// as recent as the one they came from.
type Model struct {
	UniqueID     string `gorm:"primaryKey" json:"unique_id"`
	Name         string `gorm:"index" json:"name"`
	Schema       string `json:"schema"`
	Database     string `json:"database"`
	Materialized string `json:"materialized"`
	FilePath     string `json:"file_path"`
	Description  string `gorm:"type:text" json:"description"`
	Tags         string `json:"-"`

	ManifestGeneratedAt time.Time `json:"-"`
}

// NewModel builds a catalog row from a manifest model.
func NewModel(m artifacts.CatalogModel, generatedAt time.Time) Model {
	return Model{
		UniqueID:            m.UniqueID,
		Name:                m.Name,
		Schema:              m.Schema,
		Database:            m.Database,
		Materialized:        m.Materialized,
		FilePath:            m.FilePath,
		Description:         m.Description,
		Tags:                strings.Join(m.Tags, ","),
		ManifestGeneratedAt: generatedAt.UTC(),
	}
}

// TagList splits the stored tags.
func (m *Model) TagList() []string {
	if m.Tags == "" {
		return []string{}
	}

	return strings.Split(m.Tags, ",")
}

// Entity returns the catalog identity of the model.
func (m *Model) Entity() analytics.Entity {
	return analytics.Entity{EntityID: m.UniqueID, Name: m.Name, Schema: m.Schema}
}

func (m Model) catalogKey() string { return m.UniqueID }
func (m Model) manifestTime() time.Time { return m.ManifestGeneratedAt }

// Test is a catalog data test.
type Test struct {
	UniqueID  string `gorm:"primaryKey" json:"unique_id"`
	Name      string `gorm:"index" json:"name"`
	Schema    string `json:"schema"`
	TestType  string `json:"test_type"`
	ModelID   string `gorm:"index" json:"model_id"`
	ModelName string `gorm:"index" json:"model_name"`
	Severity  string `json:"severity"`

	ManifestGeneratedAt time.Time `json:"-"`
}

// NewTest builds a catalog row from a manifest test.
func NewTest(t artifacts.CatalogTest, generatedAt time.Time) Test {
	return Test{
		UniqueID:            t.UniqueID,
		Name:                t.Name,
		Schema:              t.Schema,
		TestType:            t.TestType,
		ModelID:             t.ModelID,
		ModelName:           t.ModelName,
		Severity:            t.Severity,
		ManifestGeneratedAt: generatedAt.UTC(),
	}
}

func (t Test) catalogKey() string { return t.UniqueID }
func (t Test) manifestTime() time.Time { return t.ManifestGeneratedAt }

// Entity returns the catalog identity of the test.
func (t *Test) Entity() analytics.Entity {
	return analytics.Entity{EntityID: t.UniqueID, Name: t.Name, Schema: t.Schema}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}

	u := t.UTC()

	return &u
}
