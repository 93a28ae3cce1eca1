package main

import (
	"flag"
	"fmt"
	"io"

	"github.com/Masterminds/semver/v3"
)

const version = "0.3.0"

// runVersionCmd implements `chronicle version`. With --require it checks the
// binary against a semver constraint so deploy scripts can gate on it.
//
// Exit codes:
//
//	0 = printed, or constraint satisfied
//	1 = constraint not satisfied
//	2 = usage error or unparsable constraint
func runVersionCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("version", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var constraint string
	cmd.StringVar(&constraint, "require", "", `Semver constraint to check, e.g. ">= 0.3, < 1.0"`)
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	v, err := semver.NewVersion(version)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: build version %q: %v\n", version, err)
		return 2
	}
	if constraint == "" {
		_, _ = fmt.Fprintf(stdout, "chronicle %s\n", v)
		return 0
	}

	c, err := semver.NewConstraint(constraint)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: constraint %q: %v\n", constraint, err)
		return 2
	}
	if ok, errs := c.Validate(v); !ok {
		for _, e := range errs {
			_, _ = fmt.Fprintf(stderr, "chronicle %s: %v\n", v, e)
		}
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "chronicle %s satisfies %s\n", v, constraint)
	return 0
}
