// Package model holds the data types shared across the ingestion pipeline:
// points, in-flight samples, batches, chain records, and the typed error
// taxonomy the pipeline classifies on.
package model

import (
	"fmt"
	"strconv"
	"time"
)

// ValueType tags the kind of measurement a Point represents.
type ValueType string

const (
	ValueTypeNumeric     ValueType = "numeric"
	ValueTypeBoolean     ValueType = "boolean"
	ValueTypeEnumerated  ValueType = "enumerated"
)

// MarshalJSON renders the value type as its wire string, matching the
// Producer API's documented enum encoding (§6).
func (v ValueType) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(string(v))), nil
}

// UnmarshalJSON rejects any value type the registry doesn't know about,
// rather than silently accepting an arbitrary string.
func (v *ValueType) UnmarshalJSON(data []byte) error {
	s, err := strconv.Unquote(string(data))
	if err != nil {
		return fmt.Errorf("value type must be a JSON string: %w", err)
	}
	switch ValueType(s) {
	case ValueTypeNumeric, ValueTypeBoolean, ValueTypeEnumerated:
		*v = ValueType(s)
		return nil
	default:
		return fmt.Errorf("unknown value type %q", s)
	}
}

// Quality is the ordinal data-quality flag attached to every sample.
type Quality int8

const (
	QualityGood Quality = iota
	QualityUncertain
	QualityBad
	QualitySubstituted
)

func (q Quality) String() string {
	switch q {
	case QualityGood:
		return "good"
	case QualityUncertain:
		return "uncertain"
	case QualityBad:
		return "bad"
	case QualitySubstituted:
		return "substituted"
	default:
		return "unknown"
	}
}

// ParseQuality maps a wire-format quality string to its ordinal.
func ParseQuality(s string) (Quality, bool) {
	switch s {
	case "good":
		return QualityGood, true
	case "uncertain":
		return QualityUncertain, true
	case "bad":
		return QualityBad, true
	case "substituted":
		return QualitySubstituted, true
	default:
		return 0, false
	}
}

// MarshalJSON renders quality symbolically ("good", "bad", ...) so it
// round-trips on the wire the way §6's Producer API schema documents,
// rather than as its underlying ordinal (§3).
func (q Quality) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(q.String())), nil
}

// UnmarshalJSON accepts the documented symbolic quality string.
func (q *Quality) UnmarshalJSON(data []byte) error {
	s, err := strconv.Unquote(string(data))
	if err != nil {
		return fmt.Errorf("quality must be a JSON string: %w", err)
	}
	parsed, ok := ParseQuality(s)
	if !ok {
		return fmt.Errorf("unknown quality %q", s)
	}
	*q = parsed
	return nil
}

// Point is a registered, sequenced measurement channel (§3, C1).
type Point struct {
	ID            string
	SequenceID    int64
	Name          string
	Description   string
	Units         string
	ValueType     ValueType
	Enabled       bool
	DataSourceID  string
	SourceAddress string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// HasSequenceID reports whether the point has been assigned its durable
// numeric handle.
func (p *Point) HasSequenceID() bool {
	return p != nil && p.SequenceID > 0
}

// PointPatch describes a mutable-field update to an existing Point.
// Nil fields are left unchanged; SequenceID is never settable here.
type PointPatch struct {
	Description *string
	Units       *string
	Enabled     *bool
	ValueType   *ValueType
}

// PointDefaults supplies fields used only when Register creates a new Point.
type PointDefaults struct {
	Description   string
	Units         string
	ValueType     ValueType
	SourceAddress string
}

// PointFilter narrows a List/Search call over the registry.
type PointFilter struct {
	DataSourceID string
	NameContains string
	EnabledOnly  bool
	After        int64 // sequence id cursor, exclusive
	Limit        int
}
