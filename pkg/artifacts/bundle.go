// Package artifacts parses the files dbt writes for an invocation into
// the record types the analytics package reduces.
package artifacts

import (
	"fmt"
	"time"

	"github.com/dbtlens/dbtlens/pkg/analytics"
)

// Artifact file names inside an invocation directory.
const (
	RunResultsFile = "run_results.json"
	ManifestFile   = "manifest.json"
	RowCountsFile  = "row_counts.json"
)

// CatalogModel is a model definition taken from the manifest.
type CatalogModel struct {
	UniqueID     string   `json:"unique_id"`
	Name         string   `json:"name"`
	Schema       string   `json:"schema"`
	Database     string   `json:"database"`
	Materialized string   `json:"materialized"`
	FilePath     string   `json:"file_path"`
	Description  string   `json:"description"`
	Tags         []string `json:"tags"`
}

// CatalogTest is a data test definition taken from the manifest.
type CatalogTest struct {
	UniqueID  string `json:"unique_id"`
	Name      string `json:"name"`
	Schema    string `json:"schema"`
	TestType  string `json:"test_type"`
	ModelID   string `json:"model_id"`
	ModelName string `json:"model_name"`
	Severity  string `json:"severity"`
}

// Bundle is everything extracted from one invocation directory.
type Bundle struct {
	Invocation   analytics.Invocation
	Runs         []analytics.RunRecord
	Tests        []analytics.TestRunRecord
	RowCounts    []analytics.RowCountObservation
	Models       []CatalogModel
	CatalogTests []CatalogTest
}

// BuildBundle parses the artifacts of one invocation. runResults is
// required; manifest and rowCounts may be nil. invocationID is the
// directory name and is used when the metadata carries none.
func BuildBundle(invocationID string, runResults, manifest, rowCounts []byte) (*Bundle, error) {
	rr, err := ParseRunResults(runResults)
	if err != nil {
		return nil, err
	}

	var m *Manifest

	if len(manifest) > 0 {
		m, err = ParseManifest(manifest)
		if err != nil {
			return nil, err
		}
	}

	var counts []RowCountEntry

	if len(rowCounts) > 0 {
		counts, err = ParseRowCounts(rowCounts)
		if err != nil {
			return nil, err
		}
	}

	id := rr.Metadata.InvocationID
	if id == "" {
		id = invocationID
	}

	if id != invocationID {
		return nil, fmt.Errorf(
			"run_results.json invocation_id %q does not match directory %q", id, invocationID,
		)
	}

	generated := rr.Metadata.GeneratedAt.UTC()

	b := &Bundle{
		Invocation: analytics.Invocation{
			InvocationID:   id,
			Command:        rr.Args.Which,
			TargetName:     rr.Args.Target,
			DBTVersion:     rr.Metadata.DBTVersion,
			CreatedAt:      generated,
			RunStartedAt:   runStartedAt(rr),
			RunCompletedAt: &generated,
		},
		Runs:      make([]analytics.RunRecord, 0, len(rr.Results)),
		Tests:     make([]analytics.TestRunRecord, 0),
		RowCounts: make([]analytics.RowCountObservation, 0, len(counts)),
	}

	nodes := map[string]ManifestNode{}
	if m != nil {
		nodes = m.Nodes
		b.Models = catalogModels(m)
		b.CatalogTests = catalogTests(m)
	}

	for i := range rr.Results {
		res := &rr.Results[i]

		switch res.ResourceType() {
		case "model":
			b.Runs = append(b.Runs, modelRun(id, generated, res, nodes[res.UniqueID]))
		case "test":
			if res.Status == analytics.StatusSkipped {
				continue
			}

			b.Tests = append(b.Tests, testRun(id, generated, res, m))
		}
	}

	for _, c := range counts {
		observed := c.ObservedAt.UTC()
		if c.ObservedAt.IsZero() {
			observed = generated
		}

		name := c.Name
		if name == "" {
			name = nameFromUniqueID(c.UniqueID)
		}

		b.RowCounts = append(b.RowCounts, analytics.RowCountObservation{
			EntityID:   c.UniqueID,
			Name:       name,
			Schema:     c.Schema,
			ObservedAt: observed,
			RowCount:   c.RowCount,
		})
	}

	return b, nil
}

// runStartedAt prefers the recorded start, then derives one from the
// elapsed time.
func runStartedAt(rr *RunResults) *time.Time {
	if started := rr.Metadata.InvocationStartedAt.Ptr(); started != nil {
		return started
	}

	if rr.ElapsedTime > 0 {
		t := rr.Metadata.GeneratedAt.UTC().Add(-time.Duration(rr.ElapsedTime * float64(time.Second)))

		return &t
	}

	return nil
}

func modelRun(invocationID string, observed time.Time, res *NodeResult, node ManifestNode) analytics.RunRecord {
	rec := analytics.RunRecord{
		EntityID:     res.UniqueID,
		Name:         node.Name,
		Schema:       node.Schema,
		Status:       res.Status,
		ObservedAt:   observed,
		InvocationID: invocationID,
		Message:      message(res),
	}

	if rec.Name == "" {
		rec.Name = nameFromUniqueID(res.UniqueID)
	}

	if res.Status != analytics.StatusSkipped && res.ExecutionTime != nil {
		secs := max(*res.ExecutionTime, 0)
		rec.ExecutionTimeSeconds = &secs
	}

	if exec, ok := res.Phase("execute"); ok {
		rec.ExecuteStartedAt = exec.StartedAt.Ptr()
		rec.ExecuteCompletedAt = exec.CompletedAt.Ptr()
	}

	return rec
}

func testRun(invocationID string, observed time.Time, res *NodeResult, m *Manifest) analytics.TestRunRecord {
	rec := analytics.TestRunRecord{
		EntityID:     res.UniqueID,
		Name:         nameFromUniqueID(res.UniqueID),
		Status:       res.Status,
		ObservedAt:   observed,
		InvocationID: invocationID,
		TestType:     "singular",
		Message:      message(res),
	}

	if res.ExecutionTime != nil {
		secs := max(*res.ExecutionTime, 0)
		rec.ExecutionTimeSeconds = &secs
	}

	if exec, ok := res.Phase("execute"); ok {
		rec.ExecuteStartedAt = exec.StartedAt.Ptr()
		rec.ExecuteCompletedAt = exec.CompletedAt.Ptr()
	}

	if m == nil {
		return rec
	}

	node, ok := m.Nodes[res.UniqueID]
	if !ok {
		return rec
	}

	rec.Name = node.Name
	rec.Schema = node.Schema
	rec.TestType = node.testType()

	if model, ok := m.Nodes[m.testedModelID(&node)]; ok {
		rec.ModelName = model.Name
	}

	return rec
}

func message(res *NodeResult) string {
	if res.Message == nil {
		return ""
	}

	return *res.Message
}

func catalogModels(m *Manifest) []CatalogModel {
	nodes := m.Models()
	out := make([]CatalogModel, 0, len(nodes))

	for _, n := range nodes {
		out = append(out, CatalogModel{
			UniqueID:     n.UniqueID,
			Name:         n.Name,
			Schema:       n.Schema,
			Database:     n.Database,
			Materialized: n.Config.Materialized,
			FilePath:     n.OriginalFilePath,
			Description:  n.Description,
			Tags:         n.Tags,
		})
	}

	return out
}

func catalogTests(m *Manifest) []CatalogTest {
	nodes := m.Tests()
	out := make([]CatalogTest, 0, len(nodes))

	for i := range nodes {
		n := &nodes[i]
		modelID := m.testedModelID(n)

		ct := CatalogTest{
			UniqueID: n.UniqueID,
			Name:     n.Name,
			Schema:   n.Schema,
			TestType: n.testType(),
			ModelID:  modelID,
			Severity: n.Config.Severity,
		}

		if model, ok := m.Nodes[modelID]; ok {
			ct.ModelName = model.Name
		}

		out = append(out, ct)
	}

	return out
}
