package storage

import (
	"context"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sort"

	"github.com/dbtlens/dbtlens/pkg/config"
)

// Compile-time interface check.
var _ Reader = (*localReader)(nil)

type localReader struct {
	// paths maps discovery path names to directory paths.
	paths map[string]string
}

// NewLocalReader creates a Reader backed by local filesystem directories.
func NewLocalReader(cfg *config.APILocalStorageConfig) Reader {
	paths := make(map[string]string, len(cfg.DiscoveryPaths))
	maps.Copy(paths, cfg.DiscoveryPaths)

	return &localReader{paths: paths}
}

// DiscoveryPaths returns the configured discovery path names sorted.
func (r *localReader) DiscoveryPaths() []string {
	return slices.Sorted(maps.Keys(r.paths))
}

func (r *localReader) root(discoveryPath string) (string, error) {
	dirPath, ok := r.paths[discoveryPath]
	if !ok {
		return "", fmt.Errorf(
			"unknown discovery path: %q", discoveryPath,
		)
	}

	return filepath.Join(dirPath, InvocationsDir), nil
}

// ListInvocationIDs returns directory names under {dirPath}/invocations/,
// sorted.
func (r *localReader) ListInvocationIDs(
	_ context.Context, discoveryPath string,
) ([]string, error) {
	invDir, err := r.root(discoveryPath)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(invDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("reading invocations directory: %w", err)
	}

	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}

	sort.Strings(ids)

	return ids, nil
}

// GetInvocationFile reads {dirPath}/invocations/{invocationID}/{filename}.
// Returns (nil, nil) when the file does not exist.
func (r *localReader) GetInvocationFile(
	_ context.Context, discoveryPath, invocationID, filename string,
) ([]byte, error) {
	invDir, err := r.root(discoveryPath)
	if err != nil {
		return nil, err
	}

	if !filepath.IsLocal(invocationID) || !filepath.IsLocal(filename) {
		return nil, fmt.Errorf("invalid artifact path %q/%q", invocationID, filename)
	}

	p := filepath.Join(invDir, invocationID, filename)

	data, err := os.ReadFile(p) //nolint:gosec // trusted paths from config
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("reading file %s: %w", p, err)
	}

	return data, nil
}
