// Package casestate keeps the current state of every case known to the
// service. The chronicle remains the audit trail; this is the fast lookup
// the status and result queries are served from.
package casestate

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/Mindburn-Labs/chronicle/pkg/chronicle"
)

// ErrNotFound is returned by Get for an unknown case id.
var ErrNotFound = errors.New("case state not found")

// Status is the lifecycle status of a case.
type Status string

const (
	StatusProcessing       Status = "processing"
	StatusValidationFailed Status = "validation_failed"
	StatusCompleted        Status = "completed"
)

// State is the cached view of one case.
type State struct {
	CaseID       string          `json:"case_id"`
	Status       Status          `json:"status"`
	CurrentStage chronicle.Stage `json:"current_stage"`
	Coherence    float64         `json:"coherence"`
	Filename     string          `json:"filename"`
	FilePath     string          `json:"file_path"`
	StartedAt    time.Time       `json:"started_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Clone returns a copy of s.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

// Store persists case states.
type Store interface {
	Get(ctx context.Context, caseID string) (*State, error)
	Put(ctx context.Context, st *State) error
	// KeysByPrefix lists case ids starting with prefix, sorted.
	KeysByPrefix(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

func sortedKeys(keys []string) []string {
	if keys == nil {
		keys = []string{}
	}
	sort.Strings(keys)
	return keys
}
