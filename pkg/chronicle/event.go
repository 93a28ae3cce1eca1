// Package chronicle implements the case chronicle: an append-only,
// newline-delimited JSON log of pipeline stage transitions.
package chronicle

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"
)

var (
	ErrInvalidEvent = errors.New("invalid chronicle event")
	ErrNoTimestamp  = errors.New("record has no resolvable timestamp")
)

// Wire keys of the typed fields. Everything else lives in Event.Fields.
const (
	KeyTimestamp = "timestamp"
	KeyISOTime   = "iso_time"
	KeyCaseID    = "case_id"
	KeyStage     = "stage"
	KeyVertex    = "vertex"
	KeyAction    = "action"
	KeySource    = "_source"
	KeyUnifiedAt = "_unified_at"
)

// Event is one chronicle line. The typed fields are the ones the core relies
// on; any other key a producer supplies is carried in Fields and written back
// at the top level of the same JSON object.
type Event struct {
	Timestamp float64
	ISOTime   string
	CaseID    string
	Stage     Stage
	Vertex    string
	Action    string

	// Source and UnifiedAt are only set on records produced by consolidation.
	Source    string
	UnifiedAt float64

	Fields map[string]any
}

// NewEvent builds a producer event stamped with now.
func NewEvent(now time.Time, caseID string, stage Stage, action string, fields map[string]any) Event {
	now = now.UTC()
	e := Event{
		Timestamp: ToUnix(now),
		ISOTime:   now.Format(time.RFC3339Nano),
		CaseID:    caseID,
		Stage:     stage,
		Vertex:    VertexFor(stage),
		Action:    action,
	}
	if len(fields) > 0 {
		e.Fields = make(map[string]any, len(fields))
		for k, v := range fields {
			e.Fields[k] = v
		}
	}
	return e
}

// Time returns the event instant in UTC.
func (e Event) Time() time.Time {
	return FromUnix(e.Timestamp)
}

// Field returns an open payload value.
func (e Event) Field(key string) (any, bool) {
	v, ok := e.Fields[key]
	return v, ok
}

// Validate enforces the structural requirements for appended events.
func (e Event) Validate() error {
	if math.IsNaN(e.Timestamp) || math.IsInf(e.Timestamp, 0) || e.Timestamp <= 0 {
		return fmt.Errorf("%w: timestamp must be a positive number", ErrInvalidEvent)
	}
	if e.CaseID == "" {
		return fmt.Errorf("%w: case_id is required", ErrInvalidEvent)
	}
	if e.Stage == "" {
		return fmt.Errorf("%w: stage is required", ErrInvalidEvent)
	}
	return nil
}

// Flatten renders the event as the JSON object written to the log.
func (e Event) Flatten() map[string]any {
	m := make(map[string]any, len(e.Fields)+8)
	for k, v := range e.Fields {
		m[k] = v
	}
	m[KeyTimestamp] = e.Timestamp
	setString(m, KeyISOTime, e.ISOTime)
	setString(m, KeyCaseID, e.CaseID)
	setString(m, KeyStage, string(e.Stage))
	setString(m, KeyVertex, e.Vertex)
	setString(m, KeyAction, e.Action)
	setString(m, KeySource, e.Source)
	if e.UnifiedAt != 0 {
		m[KeyUnifiedAt] = e.UnifiedAt
	}
	return m
}

func setString(m map[string]any, key, value string) {
	if value != "" {
		m[key] = value
	}
}

// MarshalJSON implements json.Marshaler.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.Flatten())
}

// UnmarshalJSON decodes one chronicle line. Lines that are not JSON objects
// or carry no resolvable timestamp are rejected.
func (e *Event) UnmarshalJSON(data []byte) error {
	raw, err := DecodeObject(data)
	if err != nil {
		return err
	}
	ts, _, ok := ResolveTimestamp(raw)
	if !ok {
		return ErrNoTimestamp
	}
	*e = fromMap(raw, ts)
	return nil
}

// DecodeObject decodes a single JSON object without rounding its integers.
// Integer literals come back as int64 (uint64 above that range), other
// numbers as float64; a literal outside both ranges stays a json.Number.
func DecodeObject(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data after object", ErrInvalidEvent)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: record is null", ErrInvalidEvent)
	}
	exactNumbers(raw)
	return raw, nil
}

func exactNumbers(v any) any {
	switch x := v.(type) {
	case json.Number:
		s := x.String()
		if !strings.ContainsAny(s, ".eE") {
			if i, err := strconv.ParseInt(s, 10, 64); err == nil {
				return i
			}
			if u, err := strconv.ParseUint(s, 10, 64); err == nil {
				return u
			}
			return x
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x
	case map[string]any:
		for k, item := range x {
			x[k] = exactNumbers(item)
		}
	case []any:
		for i, item := range x {
			x[i] = exactNumbers(item)
		}
	}
	return v
}

// Normalize converts a raw decoded record into an Event. It never fails: a
// record without a usable timestamp is stamped with now().
func Normalize(raw map[string]any, now func() time.Time) Event {
	e, _ := NormalizeWithOutcome(raw, now)
	return e
}

// NormalizeWithOutcome is Normalize that also reports how the timestamp was
// obtained.
func NormalizeWithOutcome(raw map[string]any, now func() time.Time) (Event, TimestampOutcome) {
	ts, outcome, ok := ResolveTimestamp(raw)
	if !ok {
		if now == nil {
			now = time.Now
		}
		ts, outcome = ToUnix(now()), TimestampFallback
	}
	return fromMap(raw, ts), outcome
}

// fromMap lifts the typed keys out of raw. Values of an unexpected type stay
// in Fields so that re-encoding reproduces them.
func fromMap(raw map[string]any, ts float64) Event {
	e := Event{Timestamp: ts}
	fields := make(map[string]any, len(raw))
	for k, v := range raw {
		fields[k] = v
	}
	delete(fields, KeyTimestamp)

	take := func(key string) string {
		if s, ok := fields[key].(string); ok && s != "" {
			delete(fields, key)
			return s
		}
		return ""
	}
	e.ISOTime = take(KeyISOTime)
	e.CaseID = take(KeyCaseID)
	e.Stage = Stage(take(KeyStage))
	e.Vertex = take(KeyVertex)
	e.Action = take(KeyAction)
	e.Source = take(KeySource)
	if f, ok := toFloat(fields[KeyUnifiedAt]); ok && f != 0 {
		e.UnifiedAt = f
		delete(fields, KeyUnifiedAt)
	}
	if len(fields) > 0 {
		e.Fields = fields
	}
	return e
}
