package consolidate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gowebpki/jcs"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/chronicle/pkg/chronicle"
)

// ErrChronicleMissing is returned by Verify when the chronicle file has not
// been created yet.
var ErrChronicleMissing = errors.New("chronicle does not exist yet")

// UnknownSource is the histogram bucket for records without a _source.
const UnknownSource = "unknown"

const (
	previewLen  = 50
	maxPreviews = 10
	maxIssues   = 20
)

// lineSchema describes a well-formed chronicle line. Extra keys are allowed.
const lineSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["timestamp"],
  "properties": {
    "timestamp":   {"type": "number", "exclusiveMinimum": 0},
    "iso_time":    {"type": "string"},
    "case_id":     {"type": "string", "minLength": 1},
    "stage":       {"type": "string", "pattern": "^S[0-7]$"},
    "vertex":      {"type": "string"},
    "action":      {"type": "string"},
    "_source":     {"type": "string"},
    "_unified_at": {"type": "number"}
  }
}`

const lineSchemaURL = "https://chronicle.schemas.local/chronicle-line.schema.json"

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func chronicleSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(lineSchemaURL, strings.NewReader(lineSchema)); err != nil {
			schemaErr = fmt.Errorf("chronicle schema load failed: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile(lineSchemaURL)
	})
	return compiledSchema, schemaErr
}

// SourceCount is one bucket of the per-source histogram.
type SourceCount struct {
	Source string `json:"source"`
	Count  int    `json:"count"`
}

// Issue points at one offending line.
type Issue struct {
	Line    int    `json:"line"`
	Message string `json:"message"`
}

// VerifyReport is the integrity summary of a chronicle file.
type VerifyReport struct {
	Path      string `json:"path"`
	Bytes     int64  `json:"bytes"`
	Lines     int    `json:"lines"`
	Decoded   int    `json:"decoded"`
	Malformed int    `json:"malformed"`
	Partial   int    `json:"partial"`

	MalformedPreviews []string `json:"malformed_previews,omitempty"`

	// Filter and Analysed describe the subset the remaining fields cover.
	Filter   string `json:"filter,omitempty"`
	Analysed int    `json:"analysed"`

	Sources  []SourceCount `json:"sources"`
	Earliest *time.Time    `json:"earliest,omitempty"`
	Latest   *time.Time    `json:"latest,omitempty"`

	Sorted     bool `json:"sorted"`
	OutOfOrder int  `json:"out_of_order"`

	// Duplicates counts records whose canonical content, ignoring
	// _unified_at, was already seen earlier in the file.
	Duplicates int `json:"duplicates"`

	SchemaViolations int     `json:"schema_violations"`
	SchemaIssues     []Issue `json:"schema_issues,omitempty"`
}

// Healthy reports a chronicle with no malformed lines, no ordering breaks and
// no schema violations.
func (r *VerifyReport) Healthy() bool {
	return r.Malformed == 0 && r.Sorted && r.SchemaViolations == 0
}

type verifyOptions struct {
	filter *chronicle.Filter
}

// VerifyOption customizes Verify.
type VerifyOption func(*verifyOptions)

// WithFilter restricts the analysed set to events matching f. Line, decode
// and malformed counts always cover the whole file.
func WithFilter(f *chronicle.Filter) VerifyOption {
	return func(o *verifyOptions) { o.filter = f }
}

// Verify reads the whole chronicle and reports its integrity.
func Verify(ctx context.Context, store *chronicle.Store, opts ...VerifyOption) (*VerifyReport, error) {
	var o verifyOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if !store.Exists() {
		return nil, ErrChronicleMissing
	}
	schema, err := chronicleSchema()
	if err != nil {
		return nil, err
	}

	report := &VerifyReport{Path: store.Path(), Sorted: true}
	if o.filter != nil {
		report.Filter = o.filter.String()
	}

	histogram := make(map[string]int)
	seen := make(map[string]struct{})
	var (
		prev     float64
		havePrev bool
		minTS    float64
		maxTS    float64
	)

	stats, err := store.Lines(ctx, func(n int, line []byte, e chronicle.Event, decodeErr error) bool {
		if decodeErr != nil {
			if len(report.MalformedPreviews) < maxPreviews {
				report.MalformedPreviews = append(report.MalformedPreviews, preview(line))
			}
			return true
		}
		if o.filter != nil && !o.filter.Match(e) {
			return true
		}
		report.Analysed++

		source := e.Source
		if source == "" {
			source = UnknownSource
		}
		histogram[source]++

		if !havePrev || e.Timestamp < minTS {
			minTS = e.Timestamp
		}
		if !havePrev || e.Timestamp > maxTS {
			maxTS = e.Timestamp
		}
		if havePrev && e.Timestamp < prev {
			report.Sorted = false
			report.OutOfOrder++
		}
		prev, havePrev = e.Timestamp, true

		if fp, err := fingerprint(e); err == nil {
			if _, dup := seen[fp]; dup {
				report.Duplicates++
			} else {
				seen[fp] = struct{}{}
			}
		}

		var doc any
		if err := json.Unmarshal(line, &doc); err == nil {
			if err := schema.Validate(doc); err != nil {
				report.SchemaViolations++
				if len(report.SchemaIssues) < maxIssues {
					report.SchemaIssues = append(report.SchemaIssues, Issue{Line: n, Message: schemaMessage(err)})
				}
			}
		}
		return true
	})
	if err != nil {
		return nil, err
	}

	report.Bytes = store.Size()
	report.Lines = stats.Lines
	report.Decoded = stats.Decoded
	report.Malformed = stats.Malformed
	report.Partial = stats.Partial
	report.Sources = sortedHistogram(histogram)
	if havePrev {
		earliest, latest := chronicle.FromUnix(minTS), chronicle.FromUnix(maxTS)
		report.Earliest, report.Latest = &earliest, &latest
	}
	return report, nil
}

// fingerprint is the SHA-256 of the RFC 8785 canonical form of the event
// without its merge time.
func fingerprint(e chronicle.Event) (string, error) {
	flat := e.Flatten()
	delete(flat, chronicle.KeyUnifiedAt)
	data, err := json.Marshal(flat)
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(data)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

func sortedHistogram(h map[string]int) []SourceCount {
	out := make([]SourceCount, 0, len(h))
	for source, count := range h {
		out = append(out, SourceCount{Source: source, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Source < out[j].Source
	})
	return out
}

func preview(line []byte) string {
	r := []rune(string(line))
	if len(r) <= previewLen {
		return string(r)
	}
	return string(r[:previewLen]) + "..."
}

func schemaMessage(err error) string {
	var ve *jsonschema.ValidationError
	if errors.As(err, &ve) {
		leaf := ve
		for len(leaf.Causes) > 0 {
			leaf = leaf.Causes[0]
		}
		if leaf.InstanceLocation != "" {
			return leaf.InstanceLocation + ": " + leaf.Message
		}
		return leaf.Message
	}
	return err.Error()
}
