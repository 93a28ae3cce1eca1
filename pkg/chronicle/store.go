package chronicle

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// AppendHandler is called after an event has been written to the log.
type AppendHandler func(e Event)

// ScanStats describes one pass over the log file.
type ScanStats struct {
	Lines     int `json:"lines"`
	Decoded   int `json:"decoded"`
	Malformed int `json:"malformed"`
	// Partial counts an unterminated trailing segment, i.e. an append that
	// was still in flight when the file was read.
	Partial int `json:"partial"`
}

// Store is the chronicle log file. Appends are serialized; readers work on a
// snapshot of the file and never take the writer lock.
type Store struct {
	path   string
	logger *slog.Logger

	mu sync.Mutex // serializes writers

	hmu      sync.RWMutex
	handlers []AppendHandler

	index *caseIndex
}

// Option customizes a Store.
type Option func(*Store)

// WithLogger overrides the default component logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// Open prepares a store backed by path. The file itself is created on the
// first append.
func Open(path string, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("chronicle: empty path")
	}
	//nolint:gosec // G301: chronicle directory is shared with readers
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("chronicle: ensure dir: %w", err)
	}
	s := &Store{
		path:   path,
		logger: slog.Default().With("component", "chronicle"),
		index:  newCaseIndex(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Path returns the file backing the store.
func (s *Store) Path() string {
	return s.path
}

// Size returns the current file size in bytes, 0 if it does not exist.
func (s *Store) Size() int64 {
	info, err := os.Stat(s.path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// OnAppend registers a handler invoked after every successful append.
func (s *Store) OnAppend(h AppendHandler) {
	if h == nil {
		return
	}
	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.handlers = append(s.handlers, h)
}

// Append writes e as one line. The file is opened, written with a single
// write call and closed before Append returns.
func (s *Store) Append(ctx context.Context, e Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("chronicle: encode event: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	offset, err := s.appendLine(line)
	if err == nil {
		s.index.add(e.CaseID, offset, len(line)-1)
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.hmu.RLock()
	handlers := s.handlers
	s.hmu.RUnlock()
	for _, h := range handlers {
		h(e)
	}
	return nil
}

func (s *Store) appendLine(line []byte) (int64, error) {
	//nolint:gosec // G302: the chronicle is read by other local tools
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("chronicle: open for append: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return 0, fmt.Errorf("chronicle: stat: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return 0, fmt.Errorf("chronicle: write: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("chronicle: close: %w", err)
	}
	return info.Size(), nil
}

// ReadAll decodes every line. Malformed lines are skipped and counted.
func (s *Store) ReadAll(ctx context.Context) ([]Event, ScanStats, error) {
	return s.Query(ctx, nil)
}

// Query returns the decodable events matching pred (all of them if pred is nil).
func (s *Store) Query(ctx context.Context, pred func(Event) bool) ([]Event, ScanStats, error) {
	snap, err := s.snapshot()
	if err != nil {
		return nil, ScanStats{}, err
	}
	var events []Event
	stats := snap.scan(func(_ int64, e Event) bool {
		if pred == nil || pred(e) {
			events = append(events, e)
		}
		return true
	})
	s.reportMalformed(stats)
	return events, stats, nil
}

// LineFunc receives one complete log line with its 1-based line number and
// the result of decoding it. Returning false stops the scan.
type LineFunc func(number int, line []byte, e Event, decodeErr error) bool

// Lines walks every complete, non-blank line of the log, including the ones
// that fail to decode. Missing files yield no lines.
func (s *Store) Lines(ctx context.Context, fn LineFunc) (ScanStats, error) {
	snap, err := s.snapshot()
	if err != nil {
		return ScanStats{}, err
	}
	stats := ScanStats{Partial: snap.partial}
	for i, line := range snap.lines() {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return stats, err
			}
		}
		stats.Lines++
		var e Event
		decodeErr := json.Unmarshal(line.data, &e)
		if decodeErr != nil {
			stats.Malformed++
		} else {
			stats.Decoded++
		}
		if !fn(i+1, line.data, e, decodeErr) {
			break
		}
	}
	return stats, nil
}

// Exists reports whether the log file has been created.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// ReadRecent returns the last limit decodable events, oldest first.
func (s *Store) ReadRecent(ctx context.Context, limit int) ([]Event, ScanStats, error) {
	if limit <= 0 {
		return []Event{}, ScanStats{}, nil
	}
	snap, err := s.snapshot()
	if err != nil {
		return nil, ScanStats{}, err
	}
	lines := snap.lines()
	stats := ScanStats{Partial: snap.partial}
	recent := make([]Event, 0, limit)
	for i := len(lines) - 1; i >= 0 && len(recent) < limit; i-- {
		stats.Lines++
		var e Event
		if err := json.Unmarshal(lines[i].data, &e); err != nil {
			stats.Malformed++
			continue
		}
		stats.Decoded++
		recent = append(recent, e)
	}
	for i, j := 0, len(recent)-1; i < j; i, j = i+1, j-1 {
		recent[i], recent[j] = recent[j], recent[i]
	}
	s.reportMalformed(stats)
	return recent, stats, nil
}

// ReadByCase returns the events recorded for caseID in file order. It is
// served from the case index, which is rebuilt when the file size shows
// writes the index has not seen, and falls back to a full scan when an
// indexed line no longer matches.
func (s *Store) ReadByCase(ctx context.Context, caseID string) ([]Event, error) {
	if err := s.index.ensure(s.Size(), s.snapshot); err != nil {
		return nil, err
	}
	refs := s.index.lookup(caseID)
	if len(refs) == 0 {
		return []Event{}, nil
	}
	events, ok := s.readRefs(caseID, refs)
	if ok {
		return events, nil
	}
	s.logger.Debug("case index stale, rescanning", "case_id", caseID)
	s.index.reset()
	events, _, err := s.Query(ctx, func(e Event) bool { return e.CaseID == caseID })
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []Event{}
	}
	return events, nil
}

func (s *Store) readRefs(caseID string, refs []lineRef) ([]Event, bool) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, false
	}
	defer f.Close() //nolint:errcheck // read-only handle

	events := make([]Event, 0, len(refs))
	for _, ref := range refs {
		buf := make([]byte, ref.length)
		if _, err := f.ReadAt(buf, ref.offset); err != nil {
			return nil, false
		}
		var e Event
		if err := json.Unmarshal(buf, &e); err != nil || e.CaseID != caseID {
			return nil, false
		}
		events = append(events, e)
	}
	return events, true
}

// Overwrite atomically replaces the log with events: they are written to a
// temporary file in the same directory which is then renamed over the log.
func (s *Store) Overwrite(ctx context.Context, events []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".chronicle-*.tmp")
	if err != nil {
		return fmt.Errorf("chronicle: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	w := bufio.NewWriter(tmp)
	for i, e := range events {
		line, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("chronicle: encode event %d: %w", i, err)
		}
		if _, err := w.Write(line); err != nil {
			return fmt.Errorf("chronicle: write temp: %w", err)
		}
		if err := w.WriteByte('\n'); err != nil {
			return fmt.Errorf("chronicle: write temp: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("chronicle: flush temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("chronicle: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("chronicle: close temp: %w", err)
	}
	//nolint:gosec // G302: see appendLine
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		return fmt.Errorf("chronicle: chmod temp: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("chronicle: replace log: %w", err)
	}
	committed = true
	s.index.reset()
	return nil
}

func (s *Store) reportMalformed(stats ScanStats) {
	if stats.Malformed > 0 {
		s.logger.Warn("skipped malformed chronicle lines", "path", s.path, "malformed", stats.Malformed)
	}
}

// snapshot is the content of the log at one instant. Only newline
// terminated lines are considered complete.
type snapshot struct {
	data    []byte // complete lines only
	partial int
}

type rawLine struct {
	offset int64
	data   []byte
}

func (s *Store) snapshot() (*snapshot, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &snapshot{}, nil
		}
		return nil, fmt.Errorf("chronicle: read: %w", err)
	}
	snap := &snapshot{data: data}
	if n := len(data); n > 0 && data[n-1] != '\n' {
		cut := bytes.LastIndexByte(data, '\n') + 1
		snap.data = data[:cut]
		snap.partial = 1
	}
	return snap, nil
}

// lines returns the non-blank complete lines with their byte offsets.
func (sn *snapshot) lines() []rawLine {
	var out []rawLine
	var offset int64
	rest := sn.data
	for len(rest) > 0 {
		i := bytes.IndexByte(rest, '\n')
		line := rest[:i]
		if len(bytes.TrimSpace(line)) > 0 {
			out = append(out, rawLine{offset: offset, data: line})
		}
		offset += int64(i + 1)
		rest = rest[i+1:]
	}
	return out
}

// scan decodes each line in order and hands it to fn until fn returns false.
func (sn *snapshot) scan(fn func(offset int64, e Event) bool) ScanStats {
	stats := ScanStats{Partial: sn.partial}
	for _, line := range sn.lines() {
		stats.Lines++
		var e Event
		if err := json.Unmarshal(line.data, &e); err != nil {
			stats.Malformed++
			continue
		}
		stats.Decoded++
		if !fn(line.offset, e) {
			break
		}
	}
	return stats
}
