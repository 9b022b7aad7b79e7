package artifacts

import (
	"encoding/json"
	"fmt"
	"slices"
)

// Manifest mirrors the node catalog of dbt's manifest.json.
type Manifest struct {
	Nodes map[string]ManifestNode `json:"nodes"`
}

// ManifestNode is a model, test, seed or snapshot definition.
type ManifestNode struct {
	UniqueID         string        `json:"unique_id"`
	ResourceType     string        `json:"resource_type"`
	Name             string        `json:"name"`
	Database         string        `json:"database"`
	Schema           string        `json:"schema"`
	PackageName      string        `json:"package_name"`
	Path             string        `json:"path"`
	OriginalFilePath string        `json:"original_file_path"`
	Description      string        `json:"description"`
	Tags             []string      `json:"tags"`
	Config           NodeConfig    `json:"config"`
	TestMetadata     *TestMetadata `json:"test_metadata"`
	AttachedNode     string        `json:"attached_node"`
	DependsOn        struct {
		Nodes []string `json:"nodes"`
	} `json:"depends_on"`
}

// NodeConfig holds the node config fields that are indexed.
type NodeConfig struct {
	Materialized string `json:"materialized"`
	Severity     string `json:"severity"`
}

// TestMetadata describes a generic test.
type TestMetadata struct {
	Name      string `json:"name"`
	Namespace string `json:"namespace"`
}

// ParseManifest decodes a manifest.json document.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest.json: %w", err)
	}

	return &m, nil
}

// testType is the generic test name, or "singular" for SQL tests.
func (n *ManifestNode) testType() string {
	if n.TestMetadata == nil || n.TestMetadata.Name == "" {
		return "singular"
	}

	if n.TestMetadata.Namespace != "" {
		return n.TestMetadata.Namespace + "." + n.TestMetadata.Name
	}

	return n.TestMetadata.Name
}

// testedModelID returns the model a test is attached to.
func (m *Manifest) testedModelID(n *ManifestNode) string {
	if n.AttachedNode != "" {
		return n.AttachedNode
	}

	for _, dep := range n.DependsOn.Nodes {
		if dn, ok := m.Nodes[dep]; ok && dn.ResourceType == "model" {
			return dep
		}
	}

	return ""
}

// Models returns the model nodes ordered by unique id.
func (m *Manifest) Models() []ManifestNode {
	return m.nodesOfType("model")
}

// Tests returns the test nodes ordered by unique id.
func (m *Manifest) Tests() []ManifestNode {
	return m.nodesOfType("test")
}

func (m *Manifest) nodesOfType(kind string) []ManifestNode {
	out := make([]ManifestNode, 0)

	for id, n := range m.Nodes {
		if n.ResourceType != kind {
			continue
		}

		if n.UniqueID == "" {
			n.UniqueID = id
		}

		out = append(out, n)
	}

	slices.SortFunc(out, func(a, b ManifestNode) int {
		if a.UniqueID < b.UniqueID {
			return -1
		}

		if a.UniqueID > b.UniqueID {
			return 1
		}

		return 0
	})

	return out
}
