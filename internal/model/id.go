package model

import (
	"bytes"
	"fmt"
	"strconv"
	"time"

	"github.com/araddon/dateparse"
	"github.com/goccy/go-json"
)

// ID identifies users, conversations and messages. The backend emits numeric chat ids
// and string message ids, so both JSON forms decode into ID.
type ID string

func (id ID) String() string { return string(id) }

// IsZero reports an empty id.
func (id ID) IsZero() bool { return id == "" }

// UnmarshalJSON accepts "abc", 12 and null.
func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return fmt.Errorf("model.ID: %w", err)
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("model.ID: %w", err)
	}
	*id = ID(n.String())
	return nil
}

// Timestamp is a point in time that tolerates the several layouts the backend emits
// (RFC3339, Go's time.Time.String(), locale strings, unix seconds or milliseconds).
type Timestamp struct {
	time.Time
}

// At wraps t.
func At(t time.Time) Timestamp { return Timestamp{Time: t} }

// SortKey returns unix nanoseconds, with a missing timestamp sorting as epoch zero.
func (ts Timestamp) SortKey() int64 {
	if ts.IsZero() {
		return 0
	}
	return ts.UnixNano()
}

func (ts Timestamp) MarshalJSON() ([]byte, error) {
	if ts.IsZero() {
		return []byte(`""`), nil
	}
	return json.Marshal(ts.UTC().Format(time.RFC3339Nano))
}

func (ts *Timestamp) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) || bytes.Equal(b, []byte(`""`)) {
		ts.Time = time.Time{}
		return nil
	}
	var raw string
	if b[0] == '"' {
		if err := json.Unmarshal(b, &raw); err != nil {
			return fmt.Errorf("model.Timestamp: %w", err)
		}
	} else {
		raw = string(b)
	}
	t, err := ParseTime(raw)
	if err != nil {
		return fmt.Errorf("model.Timestamp: %w", err)
	}
	ts.Time = t
	return nil
}

// ParseTime parses any of the supported layouts.
func ParseTime(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t, nil
	}
	if _, err := strconv.ParseInt(raw, 10, 64); err == nil && len(raw) <= 10 {
		// dateparse reads short digit strings as yyyymmdd-ish dates; treat them as unix seconds.
		sec, _ := strconv.ParseInt(raw, 10, 64)
		return time.Unix(sec, 0).UTC(), nil
	}
	return dateparse.ParseAny(raw)
}
