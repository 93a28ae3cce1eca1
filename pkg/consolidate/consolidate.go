// Package consolidate merges scattered legacy JSONL logs into the chronicle
// and verifies the result.
//
// A run reads every configured source, tags each record with its origin and
// the merge time, normalizes the timestamp, merges the result with the records
// already in the chronicle, sorts the whole set by time and atomically
// replaces the chronicle with it. Runs are not idempotent: every run merges
// the sources again, so a second run duplicates each source record.
package consolidate

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/Mindburn-Labs/chronicle/pkg/chronicle"
)

// ReasonNotFound is the SourceResult reason for a missing source file.
const ReasonNotFound = "not found"

// SourceResult is the outcome for one configured source.
type SourceResult struct {
	Source             string `json:"source"`
	Path               string `json:"path"`
	Found              bool   `json:"found"`
	Merged             int    `json:"merged"`
	Malformed          int    `json:"malformed"`
	TimestampFallbacks int    `json:"timestamp_fallbacks"`
	Reason             string `json:"reason,omitempty"`
}

// Report summarizes a consolidation run.
type Report struct {
	Target             string         `json:"target"`
	Sources            []SourceResult `json:"sources"`
	Carried            int            `json:"carried"`
	// CarriedMalformed counts chronicle lines that could not be decoded and
	// were therefore dropped by the rewrite.
	CarriedMalformed   int            `json:"carried_malformed"`
	Total              int            `json:"total"`
	Malformed          int            `json:"malformed"`
	TimestampFallbacks int            `json:"timestamp_fallbacks"`
	Bytes              int64          `json:"bytes"`
	StartedAt          time.Time      `json:"started_at"`
	Duration           time.Duration  `json:"duration_ns"`
}

// FoundAny reports whether at least one source existed.
func (r *Report) FoundAny() bool {
	for _, s := range r.Sources {
		if s.Found {
			return true
		}
	}
	return false
}

// Consolidator merges a fixed list of sources into a chronicle store.
type Consolidator struct {
	root    string
	sources []string
	store   *chronicle.Store
	now     func() time.Time
	logger  *slog.Logger
}

// Option customizes a Consolidator.
type Option func(*Consolidator)

// WithClock overrides the wall clock used for _unified_at and timestamp
// fallbacks.
func WithClock(now func() time.Time) Option {
	return func(c *Consolidator) {
		if now != nil {
			c.now = now
		}
	}
}

// WithLogger overrides the component logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Consolidator) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a consolidator. Relative sources are resolved against root.
func New(root string, sources []string, store *chronicle.Store, opts ...Option) *Consolidator {
	c := &Consolidator{
		root:    root,
		sources: append([]string(nil), sources...),
		store:   store,
		now:     time.Now,
		logger:  slog.Default().With("component", "consolidate"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Sources returns the configured source list.
func (c *Consolidator) Sources() []string {
	return append([]string(nil), c.sources...)
}

// Run performs one consolidation and replaces the chronicle with the merged,
// time-sorted records.
func (c *Consolidator) Run(ctx context.Context) (*Report, error) {
	start := c.now()
	report := &Report{
		Target:    c.store.Path(),
		Sources:   make([]SourceResult, 0, len(c.sources)),
		StartedAt: start.UTC(),
	}

	existing, stats, err := c.store.ReadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("consolidate: read chronicle: %w", err)
	}
	report.Carried = len(existing)
	report.CarriedMalformed = stats.Malformed + stats.Partial
	merged := existing

	for _, source := range c.sources {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, events := c.readSource(source)
		merged = append(merged, events...)
		report.Sources = append(report.Sources, res)
		report.Total += res.Merged
		report.Malformed += res.Malformed
		report.TimestampFallbacks += res.TimestampFallbacks

		switch {
		case !res.Found:
			c.logger.Warn("source skipped", "source", source, "reason", res.Reason)
		case res.Reason != "":
			c.logger.Warn("source read failed", "source", source, "reason", res.Reason, "events", res.Merged)
		default:
			c.logger.Info("source merged", "source", source, "events", res.Merged, "malformed", res.Malformed)
		}
	}

	if !report.FoundAny() {
		// Nothing to merge: leave the chronicle exactly as it is.
		report.Bytes = c.store.Size()
		report.Duration = c.now().Sub(start)
		c.logger.Warn("no sources found, chronicle left untouched", "target", report.Target)
		return report, nil
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Timestamp < merged[j].Timestamp
	})

	if report.CarriedMalformed > 0 {
		c.logger.Warn("undecodable chronicle lines dropped by rewrite",
			"target", report.Target, "lines", report.CarriedMalformed)
	}
	if err := c.store.Overwrite(ctx, merged); err != nil {
		return nil, fmt.Errorf("consolidate: write chronicle: %w", err)
	}
	report.Bytes = c.store.Size()
	report.Duration = c.now().Sub(start)

	c.logger.Info("consolidation complete",
		"target", report.Target,
		"total", report.Total,
		"carried", report.Carried,
		"bytes", report.Bytes,
	)
	return report, nil
}

func (c *Consolidator) resolve(source string) string {
	if filepath.IsAbs(source) || c.root == "" {
		return source
	}
	return filepath.Join(c.root, source)
}

func (c *Consolidator) readSource(source string) (SourceResult, []chronicle.Event) {
	res := SourceResult{Source: source, Path: c.resolve(source)}

	f, err := os.Open(res.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			res.Reason = ReasonNotFound
		} else {
			res.Found = true
			res.Reason = err.Error()
		}
		return res, nil
	}
	defer f.Close() //nolint:errcheck // read-only handle
	res.Found = true

	var events []chronicle.Event
	r := bufio.NewReader(f)
	for {
		line, readErr := r.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			if e, ok := c.parseLine(source, line, &res); ok {
				events = append(events, e)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			// Keep what was read so far; the rest of the file is unreadable.
			res.Reason = readErr.Error()
			break
		}
	}
	res.Merged = len(events)
	return res, events
}

func (c *Consolidator) parseLine(source string, line []byte, res *SourceResult) (chronicle.Event, bool) {
	raw, err := chronicle.DecodeObject(bytes.TrimSpace(line))
	if err != nil {
		res.Malformed++
		return chronicle.Event{}, false
	}
	raw[chronicle.KeySource] = source
	raw[chronicle.KeyUnifiedAt] = chronicle.ToUnix(c.now())

	e, outcome := chronicle.NormalizeWithOutcome(raw, c.now)
	if outcome == chronicle.TimestampFallback {
		res.TimestampFallbacks++
		c.logger.Debug("timestamp replaced by merge time", "source", source)
	}
	return e, true
}
