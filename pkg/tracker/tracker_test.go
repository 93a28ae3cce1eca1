package tracker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/chronicle/pkg/artifacts"
	"github.com/Mindburn-Labs/chronicle/pkg/casestate"
	"github.com/Mindburn-Labs/chronicle/pkg/chronicle"
	"github.com/Mindburn-Labs/chronicle/pkg/coherence"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingObserver struct {
	mu      sync.Mutex
	intakes []bool
	stages  []chronicle.Stage
}

func (o *recordingObserver) IntakeRecorded(_ context.Context, _ string, _ float64, passed bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.intakes = append(o.intakes, passed)
}

func (o *recordingObserver) StageAdvanced(_ context.Context, _ string, stage chronicle.Stage) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stages = append(o.stages, stage)
}

type env struct {
	tracker  *Tracker
	store    *chronicle.Store
	states   *casestate.MemoryStore
	docs     *artifacts.FileStore
	clock    *testClock
	observer *recordingObserver
}

func newEnv(t *testing.T, opts ...Option) *env {
	t.Helper()
	dir := t.TempDir()
	store, err := chronicle.Open(filepath.Join(dir, "chronicle", "unified_events.jsonl"))
	require.NoError(t, err)
	docs, err := artifacts.NewFileStore(filepath.Join(dir, "intake"))
	require.NoError(t, err)

	e := &env{
		store:    store,
		states:   casestate.NewMemoryStore(),
		docs:     docs,
		clock:    &testClock{now: time.Date(2025, 11, 10, 9, 30, 0, 0, time.UTC)},
		observer: &recordingObserver{},
	}
	opts = append([]Option{WithClock(e.clock.Now), WithObserver(e.observer)}, opts...)
	e.tracker = New(store, e.states, docs, nil, opts...)
	return e
}

func pdf(size int) Upload {
	return Upload{Filename: "statement.pdf", ContentType: "application/pdf", Data: bytes.Repeat([]byte("x"), size)}
}

func TestRecordIntake_LargePDFIsAdmitted(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	res, err := e.tracker.RecordIntake(ctx, pdf(15*1024))
	require.NoError(t, err)
	assert.Equal(t, "accepted", res.Status)
	assert.Equal(t, 0.87, res.Coherence)
	assert.True(t, res.ValidationPassed)
	assert.Equal(t, MessageAccepted, res.Message)

	status, err := e.tracker.Status(ctx, res.CaseID)
	require.NoError(t, err)
	assert.Equal(t, casestate.StatusProcessing, status.Status)
	assert.Equal(t, chronicle.StageValidation, status.CurrentStage)
	require.Equal(t, 2, status.EventCount)
	require.Len(t, status.Events, 2)

	intake, validation := status.Events[0], status.Events[1]
	assert.Equal(t, chronicle.StageIntake, intake.Stage)
	assert.Equal(t, "intake", intake.Action)
	assert.Equal(t, "●OBI-WAN", intake.Vertex)
	assert.Equal(t, "statement.pdf", intake.Fields["filename"])
	assert.Equal(t, int64(15*1024), intake.Fields["file_size"])
	assert.Equal(t, "application/pdf", intake.Fields["content_type"])

	assert.Equal(t, chronicle.StageValidation, validation.Stage)
	assert.Equal(t, "▼TATA", validation.Vertex)
	assert.Equal(t, 0.87, validation.Fields["coherence"])
	assert.Equal(t, AdmissionThreshold, validation.Fields["threshold"])
	assert.Equal(t, true, validation.Fields["passed"])

	assert.Equal(t, []bool{true}, e.observer.intakes)
}

func TestRecordIntake_SmallFileFailsValidation(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	res, err := e.tracker.RecordIntake(ctx, Upload{Filename: "note.txt", ContentType: "text/plain", Data: make([]byte, 2*1024)})
	require.NoError(t, err)
	assert.Equal(t, "accepted", res.Status)
	assert.Equal(t, 0.55, res.Coherence)
	assert.False(t, res.ValidationPassed)
	assert.Equal(t, MessageRejected, res.Message)

	status, err := e.tracker.Status(ctx, res.CaseID)
	require.NoError(t, err)
	assert.Equal(t, casestate.StatusValidationFailed, status.Status)
	assert.Equal(t, chronicle.StageIntake, status.CurrentStage)
	require.Len(t, status.Events, 2)
	assert.Equal(t, false, status.Events[1].Fields["passed"])
}

func TestRecordIntake_StoresDocumentUnderCaseKey(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, WithIDGenerator(func() string { return "case_fixed" }))

	_, err := e.tracker.RecordIntake(ctx, Upload{Filename: "../../etc/U\u0308bersicht.pdf", Data: []byte("%PDF")})
	require.NoError(t, err)

	data, err := e.docs.Get(ctx, "case_fixed_\u00dcbersicht.pdf")
	require.NoError(t, err)
	assert.Equal(t, []byte("%PDF"), data)

	st, err := e.states.Get(ctx, "case_fixed")
	require.NoError(t, err)
	assert.Equal(t, "\u00dcbersicht.pdf", st.Filename)
	assert.Equal(t, filepath.Join(e.docs.BaseDir(), "case_fixed_\u00dcbersicht.pdf"), st.FilePath)
}

type failingDocs struct{ artifacts.Store }

func (failingDocs) Put(context.Context, string, []byte) (string, error) {
	return "", errors.New("disk full")
}

func TestRecordIntake_DocumentFailureIsReported(t *testing.T) {
	dir := t.TempDir()
	store, err := chronicle.Open(filepath.Join(dir, "events.jsonl"))
	require.NoError(t, err)
	tr := New(store, casestate.NewMemoryStore(), failingDocs{}, nil)

	_, err = tr.RecordIntake(context.Background(), pdf(100))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Zero(t, store.Size(), "no event is recorded for a failed intake")
}

func TestRecordIntake_ScoreIsClamped(t *testing.T) {
	dir := t.TempDir()
	store, err := chronicle.Open(filepath.Join(dir, "events.jsonl"))
	require.NoError(t, err)
	docs, err := artifacts.NewFileStore(filepath.Join(dir, "intake"))
	require.NoError(t, err)
	scorer := coherence.ScorerFunc(func(coherence.Document) float64 { return 3 })
	tr := New(store, casestate.NewMemoryStore(), docs, scorer)

	res, err := tr.RecordIntake(context.Background(), pdf(10))
	require.NoError(t, err)
	assert.Equal(t, 1.0, res.Coherence)
}

func TestStatus_UnknownCase(t *testing.T) {
	e := newEnv(t)

	_, err := e.tracker.Status(context.Background(), "case_never_seen")
	assert.ErrorIs(t, err, ErrCaseNotFound)

	_, err = e.tracker.Result(context.Background(), "case_never_seen")
	assert.ErrorIs(t, err, ErrCaseNotFound)
}

func TestStatus_ReportsElapsedTime(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	res, err := e.tracker.RecordIntake(ctx, pdf(15*1024))
	require.NoError(t, err)

	e.clock.Advance(90 * time.Second)
	status, err := e.tracker.Status(ctx, res.CaseID)
	require.NoError(t, err)
	assert.InDelta(t, 90.0, status.ProcessingTime, 1e-9)
}

func TestResult_DrawsFromState(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	res, err := e.tracker.RecordIntake(ctx, pdf(15*1024))
	require.NoError(t, err)

	manifest, err := e.tracker.Result(ctx, res.CaseID)
	require.NoError(t, err)
	assert.Equal(t, res.CaseID, manifest.CaseID)
	assert.Equal(t, casestate.StatusProcessing, manifest.Status)
	assert.Equal(t, "statement.pdf", manifest.Manifest.Filename)
	assert.Equal(t, 0.87, manifest.Manifest.Coherence)
	assert.Equal(t, "2025-11-10T09:30:00Z", manifest.Manifest.ProcessedAt)
	assert.Equal(t, ExtractionNote, manifest.Manifest.Extraction.Note)
}

func TestAdvance_WalksThePipeline(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	res, err := e.tracker.RecordIntake(ctx, pdf(15*1024))
	require.NoError(t, err)

	st, err := e.tracker.Advance(ctx, res.CaseID, chronicle.StageTrident, "extraction", map[string]any{"pages": 3})
	require.NoError(t, err)
	assert.Equal(t, chronicle.StageTrident, st.CurrentStage)
	assert.Equal(t, casestate.StatusProcessing, st.Status)

	_, err = e.tracker.Advance(ctx, res.CaseID, chronicle.StageGallery, "", nil)
	assert.ErrorIs(t, err, ErrInvalidTransition, "moving backwards")

	_, err = e.tracker.Advance(ctx, res.CaseID, chronicle.StageTrident, "", nil)
	assert.ErrorIs(t, err, ErrInvalidTransition, "staying put")

	_, err = e.tracker.Advance(ctx, res.CaseID, chronicle.Stage("S8"), "", nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	st, err = e.tracker.Advance(ctx, res.CaseID, chronicle.StageCrown, "", nil)
	require.NoError(t, err)
	assert.Equal(t, casestate.StatusCompleted, st.Status)

	_, err = e.tracker.Advance(ctx, res.CaseID, chronicle.StageCrown, "", nil)
	assert.ErrorIs(t, err, ErrInvalidTransition, "completed cases do not move")

	status, err := e.tracker.Status(ctx, res.CaseID)
	require.NoError(t, err)
	require.Equal(t, 4, status.EventCount)
	assert.Equal(t, "extraction", status.Events[2].Action)
	assert.Equal(t, "▲ATLAS", status.Events[2].Vertex)
	assert.Equal(t, "advance", status.Events[3].Action)

	assert.Equal(t, []chronicle.Stage{chronicle.StageTrident, chronicle.StageCrown}, e.observer.stages)
}

func TestAdvance_RejectedCaseCannotMove(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	res, err := e.tracker.RecordIntake(ctx, pdf(100))
	require.NoError(t, err)

	_, err = e.tracker.Advance(ctx, res.CaseID, chronicle.StageGallery, "", nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = e.tracker.Advance(ctx, "case_unknown", chronicle.StageGallery, "", nil)
	assert.ErrorIs(t, err, ErrCaseNotFound)
}

func TestCases_ListsKnownCases(t *testing.T) {
	ctx := context.Background()
	n := 0
	e := newEnv(t, WithIDGenerator(func() string {
		n++
		return fmt.Sprintf("case_%03d", n)
	}))
	for i := 0; i < 3; i++ {
		_, err := e.tracker.RecordIntake(ctx, pdf(100))
		require.NoError(t, err)
	}

	ids, err := e.tracker.Cases(ctx, "case_00")
	require.NoError(t, err)
	assert.Equal(t, []string{"case_001", "case_002", "case_003"}, ids)
}

func TestNewCaseID_IsUniqueAndPrefixed(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 1000; i++ {
		id := NewCaseID()
		require.Regexp(t, `^case_[0-9a-f-]{36}$`, id)
		_, dup := seen[id]
		require.False(t, dup)
		seen[id] = struct{}{}
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := map[string]string{
		"scan.pdf":             "scan.pdf",
		"  scan.pdf ":          "scan.pdf",
		"dir/sub/scan.pdf":     "scan.pdf",
		`C:\Users\me\scan.pdf`: "scan.pdf",
		"../../etc/passwd":     "passwd",
		"":                     defaultFilename,
		"..":                   defaultFilename,
		"/":                    defaultFilename,
		"Cafe\u0301.pdf":       "Caf\u00e9.pdf",
		"nul\x00byte.pdf":      "nulbyte.pdf",
	}
	for in, want := range tests {
		assert.Equal(t, want, SanitizeFilename(in), in)
	}
}
