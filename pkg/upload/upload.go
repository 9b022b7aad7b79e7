// Package upload publishes rendered health reports to remote storage.
package upload

import "context"

// Uploader publishes report files to remote storage.
type Uploader interface {
	// Preflight verifies that the remote storage is reachable and writable.
	// Writes a small test object to the bucket to fail fast on misconfiguration.
	Preflight(ctx context.Context) error

	// Upload stores body under the configured prefix as name and returns
	// the object location.
	Upload(ctx context.Context, name string, body []byte) (string, error)
}
