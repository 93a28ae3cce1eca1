// Package coherence scores how likely an uploaded document is to be usable
// by the downstream pipeline.
package coherence

import (
	"math"
	"path/filepath"
	"strings"
)

// Document describes an intake upload.
type Document struct {
	Name        string
	Size        int64
	ContentType string
}

// Scorer returns an admission score in [0, 1].
type Scorer interface {
	Score(doc Document) float64
}

// ScorerFunc adapts a function to Scorer.
type ScorerFunc func(doc Document) float64

func (f ScorerFunc) Score(doc Document) float64 { return f(doc) }

// Scores produced by SizeHeuristic.
const (
	ScoreLargePDF   = 0.87
	ScoreStructured = 0.72
	ScoreDefault    = 0.55
	ScoreEmpty      = 0.0

	largePDFBytes = 10 * 1024
	mediumBytes   = 5 * 1024
)

// SizeHeuristic scores by size. A PDF over 10 KiB usually carries a text
// layer; other documents over 5 KiB score as structured. Empty uploads
// score zero.
type SizeHeuristic struct{}

func (SizeHeuristic) Score(doc Document) float64 {
	switch {
	case doc.Size <= 0:
		return ScoreEmpty
	case isPDF(doc) && doc.Size > largePDFBytes:
		return ScoreLargePDF
	case doc.Size > mediumBytes:
		return ScoreStructured
	default:
		return ScoreDefault
	}
}

func isPDF(doc Document) bool {
	if strings.EqualFold(filepath.Ext(doc.Name), ".pdf") {
		return true
	}
	return strings.HasPrefix(strings.ToLower(doc.ContentType), "application/pdf")
}

// Clamp bounds a score to [0, 1]. NaN maps to 0.
func Clamp(score float64) float64 {
	switch {
	case math.IsNaN(score), score < 0:
		return 0
	case score > 1:
		return 1
	default:
		return score
	}
}
