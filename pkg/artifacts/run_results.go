package artifacts

import (
	"encoding/json"
	"fmt"
	"strings"
)

// RunResults mirrors the parts of dbt's run_results.json that are indexed.
type RunResults struct {
	Metadata    RunResultsMetadata `json:"metadata"`
	Args        RunResultsArgs     `json:"args"`
	ElapsedTime float64            `json:"elapsed_time"`
	Results     []NodeResult       `json:"results"`
}

// RunResultsMetadata identifies the invocation.
type RunResultsMetadata struct {
	DBTVersion          string    `json:"dbt_version"`
	GeneratedAt         Timestamp `json:"generated_at"`
	InvocationID        string    `json:"invocation_id"`
	InvocationStartedAt Timestamp `json:"invocation_started_at"`
}

// RunResultsArgs holds the command line the invocation ran with.
type RunResultsArgs struct {
	Which  string `json:"which"`
	Target string `json:"target"`
}

// NodeResult is one executed node.
type NodeResult struct {
	UniqueID      string       `json:"unique_id"`
	Status        string       `json:"status"`
	ExecutionTime *float64     `json:"execution_time"`
	Timing        []TimingInfo `json:"timing"`
	Message       *string      `json:"message"`
	Failures      *int64       `json:"failures"`
}

// TimingInfo is one phase (compile or execute) of a node's run.
type TimingInfo struct {
	Name        string    `json:"name"`
	StartedAt   Timestamp `json:"started_at"`
	CompletedAt Timestamp `json:"completed_at"`
}

// Phase returns the named timing entry, if present.
func (r *NodeResult) Phase(name string) (TimingInfo, bool) {
	for _, t := range r.Timing {
		if t.Name == name {
			return t, true
		}
	}

	return TimingInfo{}, false
}

// ResourceType is the node kind encoded in the unique id prefix.
func (r *NodeResult) ResourceType() string {
	kind, _, _ := strings.Cut(r.UniqueID, ".")

	return kind
}

// ParseRunResults decodes a run_results.json document.
func ParseRunResults(data []byte) (*RunResults, error) {
	var rr RunResults
	if err := json.Unmarshal(data, &rr); err != nil {
		return nil, fmt.Errorf("parsing run_results.json: %w", err)
	}

	if rr.Metadata.GeneratedAt.IsZero() {
		return nil, fmt.Errorf("run_results.json: metadata.generated_at is missing")
	}

	return &rr, nil
}

// nameFromUniqueID returns the node name part of "kind.package.name[.hash]".
func nameFromUniqueID(uniqueID string) string {
	parts := strings.Split(uniqueID, ".")
	if len(parts) >= 3 {
		return parts[2]
	}

	return parts[len(parts)-1]
}
