package main

// ---------------------------------------------------------------------------
// main.go — command dispatcher for the argus CLI
//
// This file is intentionally slim. All command implementations live in
// their own files (cmd_*.go). Shared helpers are in helpers.go.
// ---------------------------------------------------------------------------

import (
	"fmt"
	"io"
	"os"
)

var (
	version   = "0.3.0"
	commit    = "dev"
	buildDate = "unknown"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--version", "-V":
			printVersion(os.Stdout)
			os.Exit(0)
		case "--help", "-h", "help":
			printUsage(os.Stdout)
			os.Exit(0)
		}
	}

	if len(os.Args) < 2 {
		printUsage(os.Stdout)
		os.Exit(0)
	}

	subcmd := os.Args[1]
	args := os.Args[2:]

	switch subcmd {
	case "up":
		cmdUp(args)
	case "check":
		cmdCheck(args)
	case "version":
		printVersion(os.Stdout)
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, red("error: ")+"unknown command %q\n\n", subcmd)
		printUsage(os.Stderr)
		os.Exit(1)
	}
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "argus %s (commit %s, built %s)\n", version, commit, buildDate)
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `argus — SOC pipeline for AI agent interactions

Usage:
  argus <command> [flags]

Commands:
  up        Run the engine (bus, detection, triage, remediation)
  check     Run one message through detection and triage, print the verdict
  version   Print version information

Run 'argus <command> -h' for command flags.
`)
}
