package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/Mindburn-Labs/chronicle/pkg/chronicle"
	"github.com/Mindburn-Labs/chronicle/pkg/config"
)

// runTailCmd implements `chronicle tail`: the last n events, oldest first,
// as one JSON object per line or, with --text, one readable line each.
//
// Exit codes:
//
//	0 = printed (possibly nothing)
//	1 = chronicle missing
//	2 = usage or runtime error
func runTailCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("tail", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		n      int
		filter string
		file   string
		text   bool
	)
	cmd.IntVar(&n, "n", 10, "Number of events")
	cmd.StringVar(&filter, "filter", "", "CEL filter over the event, e.g. event.stage == \"S1\"")
	cmd.StringVar(&file, "file", "", "Chronicle file (default from CHRONICLE_FILE)")
	cmd.BoolVar(&text, "text", false, "Readable lines instead of JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if n <= 0 {
		_, _ = fmt.Fprintln(stderr, "Error: -n must be positive")
		return 2
	}
	if file == "" {
		file = config.Load().ChronicleFile
	}

	store, err := chronicle.Open(file)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if !store.Exists() {
		_, _ = fmt.Fprintf(stderr, "Chronicle does not exist yet: %s\n", store.Path())
		return 1
	}

	ctx := context.Background()
	var events []chronicle.Event
	if filter == "" {
		events, _, err = store.ReadRecent(ctx, n)
	} else {
		events, err = tailFiltered(ctx, store, filter, n)
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if text {
		for _, e := range events {
			_, _ = fmt.Fprintln(stdout, formatEvent(e))
		}
		return 0
	}

	enc := json.NewEncoder(stdout)
	enc.SetEscapeHTML(false)
	for _, e := range events {
		if err := enc.Encode(e); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
	}
	return 0
}

func tailFiltered(ctx context.Context, store *chronicle.Store, expr string, n int) ([]chronicle.Event, error) {
	compiler, err := chronicle.NewFilterCompiler()
	if err != nil {
		return nil, err
	}
	f, err := compiler.Compile(expr)
	if err != nil {
		return nil, err
	}
	events, _, err := store.Query(ctx, f.Match)
	if err != nil {
		return nil, err
	}
	if len(events) > n {
		events = events[len(events)-n:]
	}
	return events, nil
}

// validationKeys are payload fields worth showing next to the stage.
var validationKeys = []string{"coherence", "passed"}

func formatEvent(e chronicle.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s  %-2s %-15s %-9s %s", e.Time().Format(time.RFC3339), e.Stage, chronicle.StageName(e.Stage), e.Vertex, e.CaseID)
	if e.Action != "" {
		fmt.Fprintf(&b, "  %s", e.Action)
	}
	if e.Source != "" {
		fmt.Fprintf(&b, "  [%s]", e.Source)
	}
	for _, key := range validationKeys {
		if v, ok := e.Field(key); ok {
			fmt.Fprintf(&b, "  %s=%v", key, v)
		}
	}
	return b.String()
}
