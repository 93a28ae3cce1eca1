//go:build property
// +build property

package consolidate_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/Mindburn-Labs/chronicle/pkg/chronicle"
	"github.com/Mindburn-Labs/chronicle/pkg/consolidate"
)

// TestConsolidationIsSorted verifies the merged chronicle is ordered by time
// whatever the interleaving of the sources.
// Property: sorted(Run(sources)) && len == sum(len(source))
func TestConsolidationIsSorted(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("consolidated timestamps are non-decreasing", prop.ForAll(
		func(first, second []float64) bool {
			root := t.TempDir()
			store, err := chronicle.Open(filepath.Join(root, "chronicle.jsonl"))
			if err != nil {
				return false
			}
			for name, values := range map[string][]float64{"a.jsonl": first, "b.jsonl": second} {
				var b strings.Builder
				for _, v := range values {
					fmt.Fprintf(&b, "{\"timestamp\": %v}\n", v)
				}
				if err := os.WriteFile(filepath.Join(root, name), []byte(b.String()), 0o644); err != nil {
					return false
				}
			}

			report, err := consolidate.New(root, []string{"a.jsonl", "b.jsonl"}, store).Run(context.Background())
			if err != nil || report.Total != len(first)+len(second) {
				return false
			}
			events, _, err := store.ReadAll(context.Background())
			if err != nil || len(events) != report.Total {
				return false
			}
			return sort.SliceIsSorted(events, func(i, j int) bool {
				return events[i].Timestamp < events[j].Timestamp
			})
		},
		gen.SliceOf(gen.Float64Range(1, 2e9)),
		gen.SliceOf(gen.Float64Range(1, 2e9)),
	))

	properties.TestingRun(t)
}
