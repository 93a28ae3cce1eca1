package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/Mindburn-Labs/chronicle/pkg/consolidate"
)

const rule = "============================================================"

// printer writes the human report. It is silent in --json mode.
type printer struct {
	w io.Writer

	ok    *color.Color
	warn  *color.Color
	bad   *color.Color
	title *color.Color
	dim   *color.Color
}

func newPrinter(w io.Writer) *printer {
	return &printer{
		w:     w,
		ok:    color.New(color.FgGreen),
		warn:  color.New(color.FgYellow),
		bad:   color.New(color.FgRed),
		title: color.New(color.Bold, color.FgCyan),
		dim:   color.New(color.FgHiBlack),
	}
}

func (p *printer) silence() { p.w = io.Discard }

func (p *printer) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(p.w, format, args...)
}

func (p *printer) header(target string) {
	p.printf("%s\n", p.title.Sprint("▼TATA Chronicle Unifier"))
	p.printf("%s\n", rule)
	p.printf("Target: %s\n\n", target)
}

func (p *printer) consolidation(r *consolidate.Report) {
	for _, s := range r.Sources {
		switch {
		case !s.Found:
			p.printf("%s %s (%s)\n", p.warn.Sprint("SKIP"), s.Source, s.Reason)
		case s.Reason != "":
			p.printf("%s %4d events from %s (%s)\n", p.bad.Sprint("FAIL"), s.Merged, s.Source, s.Reason)
		default:
			line := fmt.Sprintf("%s %4d events from %s", p.ok.Sprint("OK  "), s.Merged, s.Source)
			if s.Malformed > 0 {
				line += p.warn.Sprintf(" (%d malformed)", s.Malformed)
			}
			p.printf("%s\n", line)
		}
	}
	p.printf("\n%s\n", rule)
	p.printf("%s\n", p.ok.Sprintf("Consolidated %d events into unified chronicle", r.Total))
	if r.Carried > 0 {
		p.printf("   Carried: %d existing events\n", r.Carried)
	}
	if r.CarriedMalformed > 0 {
		p.printf("   %s\n", p.warn.Sprintf("Undecodable chronicle lines dropped: %d", r.CarriedMalformed))
	}
	if r.TimestampFallbacks > 0 {
		p.printf("   %s\n", p.warn.Sprintf("Timestamps defaulted to merge time: %d", r.TimestampFallbacks))
	}
	p.printf("   File: %s\n", r.Target)
	p.printf("   Size: %.1f KB\n\n", float64(r.Bytes)/1024)
}

func (p *printer) missing() {
	p.printf("%s\n", p.bad.Sprint("Unified chronicle does not exist yet"))
}

func (p *printer) verification(v *consolidate.VerifyReport) {
	p.printf("%s\n", p.title.Sprint("Chronicle Statistics:"))
	p.printf("   Total events: %d\n", v.Lines)
	if v.Malformed > 0 {
		p.printf("   %s\n", p.warn.Sprintf("Malformed lines: %d", v.Malformed))
		for _, prev := range v.MalformedPreviews {
			p.printf("      %s\n", p.dim.Sprintf("%s...", prev))
		}
	}
	if v.Partial > 0 {
		p.printf("   %s\n", p.warn.Sprint("Unterminated trailing line ignored"))
	}
	if v.Filter != "" {
		p.printf("   Filter: %s (%d matched)\n", v.Filter, v.Analysed)
	}
	if len(v.Sources) > 0 {
		p.printf("   Sources:\n")
		for _, s := range v.Sources {
			p.printf("      %4d events from %s\n", s.Count, s.Source)
		}
	}
	if v.Earliest != nil && v.Latest != nil {
		p.printf("   Time range: %s → %s\n", v.Earliest.UTC().Format(time.RFC3339), v.Latest.UTC().Format(time.RFC3339))
	}

	var problems []string
	if !v.Sorted {
		problems = append(problems, fmt.Sprintf("%d out of order", v.OutOfOrder))
	}
	if v.SchemaViolations > 0 {
		problems = append(problems, fmt.Sprintf("%d schema violations", v.SchemaViolations))
	}
	if v.Duplicates > 0 {
		p.printf("   Duplicates: %d\n", v.Duplicates)
	}
	if len(problems) > 0 {
		p.printf("   %s\n", p.bad.Sprint("Integrity: "+strings.Join(problems, ", ")))
		for _, is := range v.SchemaIssues {
			p.printf("      line %d: %s\n", is.Line, is.Message)
		}
		return
	}
	if v.Healthy() {
		p.printf("   %s\n", p.ok.Sprint("Integrity: OK"))
	}
}
