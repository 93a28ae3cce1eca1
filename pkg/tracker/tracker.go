// Package tracker follows each case from intake through the pipeline
// stages. Every transition is appended to the chronicle first and then
// reflected in the case state store.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"github.com/Mindburn-Labs/chronicle/pkg/artifacts"
	"github.com/Mindburn-Labs/chronicle/pkg/casestate"
	"github.com/Mindburn-Labs/chronicle/pkg/chronicle"
	"github.com/Mindburn-Labs/chronicle/pkg/coherence"
)

// AdmissionThreshold is the minimum coherence for a case to enter the
// pipeline.
const AdmissionThreshold = 0.70

const (
	MessageAccepted = "Document accepted for processing"
	MessageRejected = "Coherence below threshold (0.70)"

	// ExtractionNote is the placeholder carried by result manifests until
	// an extraction stage reports content.
	ExtractionNote = "Full extraction pipeline pending integration with existing orchestrators"

	defaultFilename = "upload"
	caseIDPrefix    = "case_"
)

var (
	ErrCaseNotFound      = errors.New("case not found")
	ErrInvalidTransition = errors.New("invalid stage transition")
)

// Observer receives domain measurements. Implementations must be safe for
// concurrent use.
type Observer interface {
	IntakeRecorded(ctx context.Context, caseID string, coherence float64, passed bool)
	StageAdvanced(ctx context.Context, caseID string, stage chronicle.Stage)
}

type nopObserver struct{}

func (nopObserver) IntakeRecorded(context.Context, string, float64, bool)   {}
func (nopObserver) StageAdvanced(context.Context, string, chronicle.Stage) {}

// Upload is a document received at intake.
type Upload struct {
	Filename    string
	ContentType string
	Data        []byte
}

// IntakeResult is returned to the uploader.
type IntakeResult struct {
	CaseID           string  `json:"case_id"`
	Status           string  `json:"status"`
	Coherence        float64 `json:"coherence"`
	ValidationPassed bool    `json:"validation_passed"`
	Message          string  `json:"message"`
}

// StatusView is the current state of a case with its chronicle events.
type StatusView struct {
	CaseID         string            `json:"case_id"`
	Status         casestate.Status  `json:"status"`
	CurrentStage   chronicle.Stage   `json:"current_stage"`
	Coherence      float64           `json:"coherence"`
	Filename       string            `json:"filename"`
	ProcessingTime float64           `json:"processing_time"`
	Events         []chronicle.Event `json:"events"`
	EventCount     int               `json:"event_count"`
}

// Extraction is the extraction section of a result manifest.
type Extraction struct {
	Note string `json:"note"`
}

// Manifest describes the stored document of a case.
type Manifest struct {
	Filename    string     `json:"filename"`
	Coherence   float64    `json:"coherence"`
	FilePath    string     `json:"file_path"`
	ProcessedAt string     `json:"processed_at"`
	Extraction  Extraction `json:"extraction"`
}

// ResultManifest is the result summary of a case.
type ResultManifest struct {
	CaseID   string           `json:"case_id"`
	Status   casestate.Status `json:"status"`
	Manifest Manifest         `json:"manifest"`
}

// Tracker records intake and stage transitions.
type Tracker struct {
	chronicle *chronicle.Store
	states    casestate.Store
	docs      artifacts.Store
	scorer    coherence.Scorer

	now      func() time.Time
	newID    func() string
	logger   *slog.Logger
	observer Observer

	// advanceMu serializes the read-check-write of stage advances.
	advanceMu sync.Mutex
}

// Option customizes a Tracker.
type Option func(*Tracker)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// WithIDGenerator overrides case id allocation.
func WithIDGenerator(gen func() string) Option {
	return func(t *Tracker) {
		if gen != nil {
			t.newID = gen
		}
	}
}

// WithLogger overrides the component logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithObserver attaches a measurement sink.
func WithObserver(o Observer) Option {
	return func(t *Tracker) {
		if o != nil {
			t.observer = o
		}
	}
}

// New creates a tracker. A nil scorer means coherence.SizeHeuristic.
func New(store *chronicle.Store, states casestate.Store, docs artifacts.Store, scorer coherence.Scorer, opts ...Option) *Tracker {
	if scorer == nil {
		scorer = coherence.SizeHeuristic{}
	}
	t := &Tracker{
		chronicle: store,
		states:    states,
		docs:      docs,
		scorer:    scorer,
		now:       time.Now,
		newID:     NewCaseID,
		logger:    slog.Default().With("component", "tracker"),
		observer:  nopObserver{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

// NewCaseID allocates a case id from a UUIDv7: a millisecond timestamp
// followed by random bits.
func NewCaseID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return caseIDPrefix + uuid.NewString()
	}
	return caseIDPrefix + id.String()
}

// SanitizeFilename NFC-normalizes name and strips any directory part.
func SanitizeFilename(name string) string {
	name = norm.NFC.String(strings.TrimSpace(name))
	name = strings.ReplaceAll(name, "\\", "/")
	name = strings.ReplaceAll(name, "\x00", "")
	name = path.Base(name)
	switch name {
	case "", ".", "..", "/":
		return defaultFilename
	}
	return name
}

// RecordIntake stores the document, records the S0 intake and S1 validation
// events and creates the case state.
func (t *Tracker) RecordIntake(ctx context.Context, up Upload) (*IntakeResult, error) {
	caseID := t.newID()
	filename := SanitizeFilename(up.Filename)
	size := int64(len(up.Data))

	location, err := t.docs.Put(ctx, caseID+"_"+filename, up.Data)
	if err != nil {
		return nil, fmt.Errorf("store document: %w", err)
	}

	started := t.now()
	intake := chronicle.NewEvent(started, caseID, chronicle.StageIntake, "intake", map[string]any{
		"filename":     filename,
		"file_size":    size,
		"content_type": up.ContentType,
	})
	if err := t.chronicle.Append(ctx, intake); err != nil {
		return nil, fmt.Errorf("record intake: %w", err)
	}

	score := coherence.Clamp(t.scorer.Score(coherence.Document{
		Name:        filename,
		Size:        size,
		ContentType: up.ContentType,
	}))
	passed := score >= AdmissionThreshold

	validation := chronicle.NewEvent(t.now(), caseID, chronicle.StageValidation, "validation", map[string]any{
		"coherence": score,
		"threshold": AdmissionThreshold,
		"passed":    passed,
	})
	if err := t.chronicle.Append(ctx, validation); err != nil {
		return nil, fmt.Errorf("record validation: %w", err)
	}

	st := &casestate.State{
		CaseID:       caseID,
		Status:       casestate.StatusValidationFailed,
		CurrentStage: chronicle.StageIntake,
		Coherence:    score,
		Filename:     filename,
		FilePath:     location,
		StartedAt:    started.UTC(),
		UpdatedAt:    t.now().UTC(),
	}
	if passed {
		st.Status = casestate.StatusProcessing
		st.CurrentStage = chronicle.StageValidation
	}
	if err := t.states.Put(ctx, st); err != nil {
		return nil, fmt.Errorf("save case state: %w", err)
	}

	t.observer.IntakeRecorded(ctx, caseID, score, passed)
	t.logger.InfoContext(ctx, "case admitted",
		"case_id", caseID,
		"filename", filename,
		"size", size,
		"coherence", score,
		"passed", passed,
	)

	res := &IntakeResult{
		CaseID:           caseID,
		Status:           "accepted",
		Coherence:        score,
		ValidationPassed: passed,
		Message:          MessageRejected,
	}
	if passed {
		res.Message = MessageAccepted
	}
	return res, nil
}

func (t *Tracker) load(ctx context.Context, caseID string) (*casestate.State, error) {
	st, err := t.states.Get(ctx, caseID)
	if errors.Is(err, casestate.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrCaseNotFound, caseID)
	}
	if err != nil {
		return nil, fmt.Errorf("load case state: %w", err)
	}
	return st, nil
}

// Status returns the cached state and every chronicle event of the case.
func (t *Tracker) Status(ctx context.Context, caseID string) (*StatusView, error) {
	st, err := t.load(ctx, caseID)
	if err != nil {
		return nil, err
	}
	events, err := t.chronicle.ReadByCase(ctx, caseID)
	if err != nil {
		return nil, fmt.Errorf("read case events: %w", err)
	}
	return &StatusView{
		CaseID:         st.CaseID,
		Status:         st.Status,
		CurrentStage:   st.CurrentStage,
		Coherence:      st.Coherence,
		Filename:       st.Filename,
		ProcessingTime: t.now().Sub(st.StartedAt).Seconds(),
		Events:         events,
		EventCount:     len(events),
	}, nil
}

// Result builds the result manifest from the cached state only.
func (t *Tracker) Result(ctx context.Context, caseID string) (*ResultManifest, error) {
	st, err := t.load(ctx, caseID)
	if err != nil {
		return nil, err
	}
	return &ResultManifest{
		CaseID: st.CaseID,
		Status: st.Status,
		Manifest: Manifest{
			Filename:    st.Filename,
			Coherence:   st.Coherence,
			FilePath:    st.FilePath,
			ProcessedAt: t.now().UTC().Format(time.RFC3339Nano),
			Extraction:  Extraction{Note: ExtractionNote},
		},
	}, nil
}

// Advance records a producer moving a case to a later stage. The case must
// be processing and stage must come after the current one. Reaching S7
// completes the case.
func (t *Tracker) Advance(ctx context.Context, caseID string, stage chronicle.Stage, action string, fields map[string]any) (*casestate.State, error) {
	t.advanceMu.Lock()
	defer t.advanceMu.Unlock()

	st, err := t.load(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if !stage.Valid() {
		return nil, fmt.Errorf("%w: unknown stage %q", ErrInvalidTransition, stage)
	}
	if st.Status != casestate.StatusProcessing {
		return nil, fmt.Errorf("%w: case %s is %s", ErrInvalidTransition, caseID, st.Status)
	}
	if !st.CurrentStage.Before(stage) {
		return nil, fmt.Errorf("%w: %s does not follow %s", ErrInvalidTransition, stage, st.CurrentStage)
	}
	if action == "" {
		action = "advance"
	}

	now := t.now()
	if err := t.chronicle.Append(ctx, chronicle.NewEvent(now, caseID, stage, action, fields)); err != nil {
		return nil, fmt.Errorf("record stage: %w", err)
	}

	st.CurrentStage = stage
	st.UpdatedAt = now.UTC()
	if stage == chronicle.StageCrown {
		st.Status = casestate.StatusCompleted
	}
	if err := t.states.Put(ctx, st); err != nil {
		return nil, fmt.Errorf("save case state: %w", err)
	}

	t.observer.StageAdvanced(ctx, caseID, stage)
	t.logger.InfoContext(ctx, "case advanced", "case_id", caseID, "stage", stage, "status", st.Status)
	return st, nil
}

// Cases lists the known case ids starting with prefix.
func (t *Tracker) Cases(ctx context.Context, prefix string) ([]string, error) {
	ids, err := t.states.KeysByPrefix(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list cases: %w", err)
	}
	return ids, nil
}
