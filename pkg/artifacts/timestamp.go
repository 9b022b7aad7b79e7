package artifacts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// timestampLayouts are the formats dbt has written over its versions.
// Zone-less values are UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// Timestamp is a dbt artifact timestamp. The zero value means absent.
type Timestamp struct {
	time.Time
}

// UnmarshalJSON accepts null, empty strings and the layouts above.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*t = Timestamp{}

		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("timestamp must be a string: %w", err)
	}

	parsed, err := ParseTimestamp(s)
	if err != nil {
		return err
	}

	*t = parsed

	return nil
}

// Ptr returns the time in UTC, or nil when absent.
func (t Timestamp) Ptr() *time.Time {
	if t.IsZero() {
		return nil
	}

	u := t.UTC()

	return &u
}

// ParseTimestamp parses a dbt timestamp string.
func ParseTimestamp(s string) (Timestamp, error) {
	if s == "" {
		return Timestamp{}, nil
	}

	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return Timestamp{Time: ts.UTC()}, nil
		}
	}

	return Timestamp{}, fmt.Errorf("unrecognized timestamp %q", s)
}
