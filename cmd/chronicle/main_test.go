package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/chronicle/pkg/chronicle"
)

func TestMain(m *testing.M) {
	color.NoColor = true
	os.Exit(m.Run())
}

func run(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := Run(append([]string{"chronicle"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRun_DispatchesServe(t *testing.T) {
	var got [][]string
	orig := startServer
	startServer = func(args []string, _, _ io.Writer) int {
		got = append(got, args)
		return 0
	}
	t.Cleanup(func() { startServer = orig })

	for _, args := range [][]string{{}, {"serve", "--port", "1"}, {"--port", "2"}} {
		code, _, _ := run(args...)
		require.Equal(t, 0, code)
	}
	require.Len(t, got, 3)
	assert.Empty(t, got[0])
	assert.Equal(t, []string{"--port", "1"}, got[1])
	assert.Equal(t, []string{"--port", "2"}, got[2])
}

func TestRun_HelpAndUnknown(t *testing.T) {
	code, out, _ := run("help")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "tail")

	code, _, errOut := run("bogus")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "Unknown command: bogus")

	code, out, _ = run("version")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, version)
}

func TestVersion_Require(t *testing.T) {
	code, out, _ := run("version", "--require", ">= 0.3, < 1.0")
	assert.Equal(t, 0, code)
	assert.Equal(t, "chronicle "+version+" satisfies >= 0.3, < 1.0\n", out)

	code, _, errOut := run("version", "--require", "^1.0")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "chronicle "+version)

	code, _, errOut = run("version", "--require", "not a constraint")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "constraint")
}

func TestHealth(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("OK"))
	}))
	defer ok.Close()
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()

	code, out, _ := run("health", "--url", ok.URL+"/health")
	assert.Equal(t, 0, code)
	assert.Equal(t, "OK\n", out)

	code, _, errOut := run("health", "--url", down.URL+"/health")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "status 503")

	code, _, _ = run("health", "--bogus")
	assert.Equal(t, 2, code)
}

func seedChronicle(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "unified_events.jsonl")
	store, err := chronicle.Open(path)
	require.NoError(t, err)
	base := time.Date(2025, 11, 10, 9, 0, 0, 0, time.UTC)
	stages := []chronicle.Stage{chronicle.StageIntake, chronicle.StageValidation, chronicle.StageIntake, chronicle.StageValidation}
	for i, st := range stages {
		e := chronicle.NewEvent(base.Add(time.Duration(i)*time.Second), "case_tail", st, "seed", map[string]any{"n": i})
		require.NoError(t, store.Append(context.Background(), e))
	}
	return path
}

func decodeLines(t *testing.T, out string) []map[string]any {
	t.Helper()
	var events []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		events = append(events, m)
	}
	return events
}

func TestTail(t *testing.T) {
	path := seedChronicle(t)

	code, out, _ := run("tail", "-n", "2", "--file", path)
	require.Equal(t, 0, code)
	events := decodeLines(t, out)
	require.Len(t, events, 2)
	assert.Equal(t, float64(2), events[0]["n"])
	assert.Equal(t, float64(3), events[1]["n"])

	code, out, _ = run("tail", "--file", path, "--filter", `event.stage == "S1"`)
	require.Equal(t, 0, code)
	events = decodeLines(t, out)
	require.Len(t, events, 2)
	assert.Equal(t, float64(1), events[0]["n"])
}

func TestTail_Text(t *testing.T) {
	path := seedChronicle(t)

	code, out, _ := run("tail", "-n", "2", "--file", path, "--text")
	require.Equal(t, 0, code)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "S0 Akron Gateway")
	assert.Contains(t, lines[0], "●OBI-WAN")
	assert.Contains(t, lines[0], "case_tail  seed")
	assert.Contains(t, lines[1], "S1 Queen's Chamber")
	assert.Contains(t, lines[1], "▼TATA")
}

func TestFormatEvent_ShowsValidationOutcome(t *testing.T) {
	e := chronicle.NewEvent(time.Date(2025, 11, 10, 9, 0, 0, 0, time.UTC), "case_1", chronicle.StageValidation, "validation",
		map[string]any{"coherence": 0.87, "passed": true, "filename": "a.pdf"})
	e.Source = "obi/pulse.jsonl"

	line := formatEvent(e)
	assert.True(t, strings.HasPrefix(line, "2025-11-10T09:00:00Z  S1 Queen's Chamber"), line)
	assert.Contains(t, line, "[obi/pulse.jsonl]")
	assert.Contains(t, line, "coherence=0.87  passed=true")
	assert.NotContains(t, line, "a.pdf")
}

func TestTail_Errors(t *testing.T) {
	path := seedChronicle(t)

	code, _, _ := run("tail", "--file", filepath.Join(t.TempDir(), "missing.jsonl"))
	assert.Equal(t, 1, code)

	code, _, _ = run("tail", "--file", path, "-n", "0")
	assert.Equal(t, 2, code)

	code, _, errOut := run("tail", "--file", path, "--filter", "event.stage ==")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "compile filter")
}
