package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Mindburn-Labs/chronicle/pkg/config"
)

// runHealthCmd implements `chronicle health`.
func runHealthCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("health", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		url     string
		timeout time.Duration
	)
	cmd.StringVar(&url, "url", "http://localhost:"+config.Load().Port+"/health", "Health endpoint")
	cmd.DurationVar(&timeout, "timeout", 5*time.Second, "Request timeout")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	client := &http.Client{Timeout: timeout}
	resp, err := client.Get(url)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Health check failed: %v\n", err)
		return 1
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		_, _ = fmt.Fprintf(stderr, "Health check failed: status %d\n", resp.StatusCode)
		return 1
	}

	_, _ = fmt.Fprintln(stdout, "OK")
	return 0
}
