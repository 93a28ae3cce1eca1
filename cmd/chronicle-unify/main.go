// Command chronicle-unify merges the scattered producer logs into the unified
// chronicle and reports its integrity.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/chronicle/pkg/chronicle"
	"github.com/Mindburn-Labs/chronicle/pkg/config"
	"github.com/Mindburn-Labs/chronicle/pkg/consolidate"
	"github.com/Mindburn-Labs/chronicle/pkg/logging"
	"github.com/Mindburn-Labs/chronicle/pkg/observability"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := Run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

type options struct {
	root       string
	sources    string
	target     string
	verifyOnly bool
	filter     string
	jsonOut    bool
}

// result is the --json document.
type result struct {
	Consolidation *consolidate.Report       `json:"consolidation,omitempty"`
	Verification  *consolidate.VerifyReport `json:"verification,omitempty"`
	Error         string                    `json:"error,omitempty"`
}

// Run consolidates then verifies, or only verifies with --verify.
//
// Exit codes:
//
//	0 = success
//	1 = no configured source exists, or the chronicle is missing on --verify
//	2 = usage or runtime error
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("chronicle-unify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	cfg := config.Load()
	var o options
	cmd.StringVar(&o.root, "root", "", "Field root the sources are relative to (default: manifest root, then CHRONICLE_ROOT)")
	cmd.StringVar(&o.sources, "sources", cfg.SourcesFile, "YAML source manifest")
	cmd.StringVar(&o.target, "target", "", "Unified chronicle file (default: manifest target under the root)")
	cmd.BoolVar(&o.verifyOnly, "verify", false, "Only verify the existing chronicle")
	cmd.StringVar(&o.filter, "filter", "", "CEL filter restricting the verification statistics")
	cmd.BoolVar(&o.jsonOut, "json", false, "Output a JSON report to stdout")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if cmd.NArg() > 0 {
		_, _ = fmt.Fprintf(stderr, "Error: unexpected argument %q\n", cmd.Arg(0))
		return 2
	}

	logging.Init(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat, stderr)

	telemetry, err := observability.New(ctx, cfg.ObservabilityConfig())
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = telemetry.Shutdown(context.Background()) }()

	u := &unifier{opts: o, cfg: cfg, telemetry: telemetry, out: newPrinter(stdout)}
	if o.jsonOut {
		u.out.silence()
	}
	code, res := u.run(ctx)
	if o.jsonOut {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		enc.SetEscapeHTML(false)
		if err := enc.Encode(res); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
	} else if res.Error != "" {
		_, _ = fmt.Fprintf(stderr, "Error: %s\n", res.Error)
	}
	return code
}

type unifier struct {
	opts      options
	cfg       *config.Config
	telemetry *observability.Provider
	out       *printer
}

func (u *unifier) run(ctx context.Context) (code int, res result) {
	ctx, finish := u.telemetry.TrackOperation(ctx, "chronicle.unify",
		attribute.Bool("verify_only", u.opts.verifyOnly),
	)
	var runErr error
	defer func() { finish(runErr) }()

	fail := func(code int, err error) (int, result) {
		runErr = err
		res.Error = err.Error()
		return code, res
	}

	var filter *chronicle.Filter
	if u.opts.filter != "" {
		compiler, err := chronicle.NewFilterCompiler()
		if err != nil {
			return fail(2, err)
		}
		if filter, err = compiler.Compile(u.opts.filter); err != nil {
			return fail(2, err)
		}
	}

	root, sources, target, err := u.resolve()
	if err != nil {
		return fail(2, err)
	}
	store, err := chronicle.Open(target)
	if err != nil {
		return fail(2, err)
	}

	if !u.opts.verifyOnly {
		u.out.header(target)
		report, err := consolidate.New(root, sources, store).Run(ctx)
		if err != nil {
			return fail(2, err)
		}
		res.Consolidation = report
		for _, s := range report.Sources {
			u.telemetry.SourceMerged(ctx, s.Source, s.Merged, s.Malformed)
		}
		u.out.consolidation(report)
		if !report.FoundAny() {
			return fail(1, fmt.Errorf("none of the %d configured sources exist under %s", len(sources), root))
		}
	}

	vr, err := consolidate.Verify(ctx, store, consolidate.WithFilter(filter))
	if errors.Is(err, consolidate.ErrChronicleMissing) {
		u.out.missing()
		return fail(1, err)
	}
	if err != nil {
		return fail(2, err)
	}
	res.Verification = vr
	u.out.verification(vr)
	return 0, res
}

// resolve picks the root, the source list and the target. Flags win over the
// manifest, the manifest over the environment.
func (u *unifier) resolve() (root string, sources []string, target string, err error) {
	root = u.opts.root
	var manifest *config.SourceManifest
	if !u.opts.verifyOnly || u.opts.target == "" {
		manifest, err = config.LoadSources(u.opts.sources)
		if err != nil && !u.opts.verifyOnly {
			return "", nil, "", err
		}
		err = nil
	}
	if root == "" && manifest != nil {
		root = manifest.Root
	}
	if root == "" {
		root = u.cfg.Root
	}

	target = u.opts.target
	if target == "" {
		def := filepath.Join(root, config.DefaultChronicleFile)
		if manifest != nil {
			target = manifest.TargetPath(root, def)
		} else {
			target = def
		}
	}
	if manifest != nil {
		sources = manifest.Sources
	}
	return root, sources, target, nil
}
