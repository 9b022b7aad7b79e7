package analytics

import (
	"cmp"
	"slices"
	"time"
)

// ResolveLatest reduces the records in the window to the most recent one
// per entity. When two records share a timestamp the one appearing later
// in the slice wins.
func ResolveLatest[T Observation](records []T, w Window) map[string]T {
	latest := make(map[string]T, len(records))

	for _, r := range records {
		if !w.Contains(r.ObservedTime()) {
			continue
		}

		cur, ok := latest[r.EntityKey()]
		if !ok || !r.ObservedTime().Before(cur.ObservedTime()) {
			latest[r.EntityKey()] = r
		}
	}

	return latest
}

// IsCurrentlyFailing reports whether the latest record for entityID failed.
func IsCurrentlyFailing[T Observation](latest map[string]T, entityID string) bool {
	r, ok := latest[entityID]

	return ok && IsFailure(r.Outcome())
}

// CurrentFailures returns the latest records whose status is a failure,
// newest first with entity id as tiebreak.
func CurrentFailures[T Observation](latest map[string]T) []T {
	out := make([]T, 0)

	for _, r := range latest {
		if IsFailure(r.Outcome()) {
			out = append(out, r)
		}
	}

	slices.SortFunc(out, func(a, b T) int {
		if c := b.ObservedTime().Compare(a.ObservedTime()); c != 0 {
			return c
		}

		return cmp.Compare(a.EntityKey(), b.EntityKey())
	})

	return out
}

// EntityStatus is a catalog entity joined with its latest observation.
type EntityStatus struct {
	Entity
	Status  string     `json:"status" yaml:"status"`
	LastRun *time.Time `json:"last_run" yaml:"last_run"`
}

// OverlayStatus left-joins the catalog with the latest observations.
// Entities without an observation get StatusNoRuns. Catalog order is kept.
func OverlayStatus[T Observation](catalog []Entity, latest map[string]T) []EntityStatus {
	out := make([]EntityStatus, 0, len(catalog))

	for _, e := range catalog {
		es := EntityStatus{Entity: e, Status: StatusNoRuns}

		if r, ok := latest[e.EntityID]; ok {
			es.Status = r.Outcome()
			es.LastRun = ptr(r.ObservedTime())
		}

		out = append(out, es)
	}

	return out
}
