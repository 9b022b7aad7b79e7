package storage

import (
	"context"
	"fmt"

	"github.com/dbtlens/dbtlens/pkg/config"
)

// InvocationsDir is the directory under each discovery path that holds
// one sub-directory per dbt invocation.
const InvocationsDir = "invocations"

// Reader provides read access to dbt artifacts stored in a backend
// (local filesystem or S3). It is used by the indexer to discover
// invocations and read their files without knowing the storage details.
type Reader interface {
	// ListInvocationIDs returns the invocation IDs (directory names)
	// under the invocations directory for the given discovery path.
	ListInvocationIDs(ctx context.Context, discoveryPath string) ([]string, error)

	// GetInvocationFile reads a file from a specific invocation directory.
	// Returns (nil, nil) when the file does not exist.
	GetInvocationFile(
		ctx context.Context, discoveryPath, invocationID, filename string,
	) ([]byte, error)

	// DiscoveryPaths returns all configured discovery paths.
	DiscoveryPaths() []string
}

// NewReader returns the reader for whichever backend is enabled.
func NewReader(cfg *config.APIStorageConfig) (Reader, error) {
	switch {
	case cfg.S3.Enabled:
		return NewS3Reader(&cfg.S3), nil
	case cfg.Local.Enabled:
		return NewLocalReader(&cfg.Local), nil
	default:
		return nil, fmt.Errorf("no storage backend enabled")
	}
}
