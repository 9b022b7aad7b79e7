package artifacts

import (
	"encoding/json"
	"fmt"
)

// RowCountEntry is one sample in row_counts.json.
type RowCountEntry struct {
	UniqueID   string    `json:"unique_id"`
	Name       string    `json:"name"`
	Schema     string    `json:"schema"`
	RowCount   int64     `json:"row_count"`
	ObservedAt Timestamp `json:"observed_at"`
}

// ParseRowCounts decodes a row_counts.json document.
func ParseRowCounts(data []byte) ([]RowCountEntry, error) {
	var entries []RowCountEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parsing row_counts.json: %w", err)
	}

	for i, e := range entries {
		if e.UniqueID == "" {
			return nil, fmt.Errorf("row_counts.json: entry %d has no unique_id", i)
		}

		if e.RowCount < 0 {
			return nil, fmt.Errorf("row_counts.json: entry %s has negative row_count %d", e.UniqueID, e.RowCount)
		}
	}

	return entries, nil
}
