//go:build property
// +build property

package chronicle_test

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/Mindburn-Labs/chronicle/pkg/chronicle"
)

// TestEventEncodingIsLossless verifies every key of a decoded record survives
// a write/read cycle.
// Property: Flatten(Decode(Encode(Normalize(raw)))) == raw
func TestEventEncodingIsLossless(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("records round trip through the log encoding", prop.ForAll(
		func(keys []string, values []string, ts float64) bool {
			raw := map[string]any{}
			for i := 0; i < len(keys) && i < len(values); i++ {
				if keys[i] != "" && keys[i] != chronicle.KeyTimestamp {
					raw[keys[i]] = values[i]
				}
			}
			raw[chronicle.KeyTimestamp] = ts

			e := chronicle.Normalize(raw, time.Now)
			data, err := json.Marshal(e)
			if err != nil {
				return false
			}
			var back chronicle.Event
			if err := json.Unmarshal(data, &back); err != nil {
				return false
			}
			return reflect.DeepEqual(e, back) && reflect.DeepEqual(raw, back.Flatten())
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.UnicodeString()),
		gen.Float64Range(1, 4e9),
	))

	properties.TestingRun(t)
}

// TestReadRecentIsSuffix verifies ReadRecent returns the tail of ReadAll.
// Property: ReadRecent(n) == ReadAll()[len-min(n,len):]
func TestReadRecentIsSuffix(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)
	base := time.Date(2025, 11, 10, 0, 0, 0, 0, time.UTC)

	properties.Property("recent events are the newest suffix in order", prop.ForAll(
		func(count, limit int) bool {
			s, err := chronicle.Open(filepath.Join(t.TempDir(), "events.jsonl"))
			if err != nil {
				return false
			}
			ctx := context.Background()
			for i := 0; i < count; i++ {
				e := chronicle.NewEvent(base.Add(time.Duration(i)*time.Second), fmt.Sprintf("case_%d", i), chronicle.StageIntake, "intake", nil)
				if err := s.Append(ctx, e); err != nil {
					return false
				}
			}
			all, _, err := s.ReadAll(ctx)
			if err != nil {
				return false
			}
			recent, _, err := s.ReadRecent(ctx, limit)
			if err != nil {
				return false
			}
			want := limit
			if want > len(all) {
				want = len(all)
			}
			if len(recent) != want {
				return false
			}
			if want == 0 {
				return true
			}
			return reflect.DeepEqual(all[len(all)-want:], recent)
		},
		gen.IntRange(0, 25),
		gen.IntRange(1, 40),
	))

	properties.TestingRun(t)
}
