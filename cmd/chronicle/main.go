package main

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable to allow mocking in tests
var startServer = runServeCmd

// Run is the entrypoint for testing
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return startServer(nil, stdout, stderr)
	}

	switch args[1] {
	case "serve", "server":
		return startServer(args[2:], stdout, stderr)
	case "health":
		return runHealthCmd(args[2:], stdout, stderr)
	case "tail":
		return runTailCmd(args[2:], stdout, stderr)
	case "version":
		return runVersionCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			return startServer(args[1:], stdout, stderr)
		}
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	bold := color.New(color.Bold, color.FgBlue)
	_, _ = fmt.Fprintln(w, "")
	_, _ = bold.Fprintf(w, "Case Chronicle %s\n", version)
	_, _ = fmt.Fprintln(w, "")
	_, _ = color.New(color.Bold).Fprintln(w, "USAGE:")
	_, _ = fmt.Fprintln(w, "  chronicle <command> [flags]")
	_, _ = fmt.Fprintln(w, "")

	printSection(w, "SERVICE")
	printCommand(w, "serve", "Run the chronicle API (default)")
	printCommand(w, "health", "Check server health (HTTP)")

	printSection(w, "CHRONICLE")
	printCommand(w, "tail", "Print the last events (-n, --filter, --file, --text)")

	printSection(w, "UTILITIES")
	printCommand(w, "version", "Show version information (--require constraint)")
	printCommand(w, "help", "Show this help")
	_, _ = fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	_, _ = color.New(color.Bold, color.FgCyan).Fprintf(w, "%s:\n", title)
}

func printCommand(w io.Writer, name, desc string) {
	_, _ = fmt.Fprintf(w, "  %s %s\n", color.New(color.FgGreen).Sprintf("%-10s", name), desc)
}
