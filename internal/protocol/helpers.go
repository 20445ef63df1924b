package protocol

import (
	"time"
)

// Timestamp is the wire form of an event time: RFC3339 with nanoseconds, UTC.
type Timestamp string

// Time parses the timestamp string into time.Time.
// Returns zero time if the string is empty or invalid.
func (t Timestamp) Time() time.Time {
	if t == "" {
		return time.Time{}
	}
	parsed, err := time.Parse(time.RFC3339Nano, string(t))
	if err != nil {
		return time.Time{}
	}
	return parsed
}

// IsZero returns true if the timestamp is empty or represents zero time.
func (t Timestamp) IsZero() bool {
	return t == "" || t.Time().IsZero()
}

// String returns the string representation.
func (t Timestamp) String() string {
	return string(t)
}

// NewTimestamp creates a Timestamp from time.Time.
func NewTimestamp(t time.Time) Timestamp {
	if t.IsZero() {
		return ""
	}
	return Timestamp(t.UTC().Format(time.RFC3339Nano))
}

// TimestampNow returns the current time as a Timestamp.
func TimestampNow() Timestamp {
	return NewTimestamp(time.Now())
}
