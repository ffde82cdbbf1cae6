package main

// ---------------------------------------------------------------------------
// helpers.go — TTY detection, color, error helpers
// ---------------------------------------------------------------------------

import (
	"fmt"
	"os"
)

func isTTY(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

func colorEnabled() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	if os.Getenv("TERM") == "dumb" {
		return false
	}
	return isTTY(os.Stderr)
}

func ansi(code, s string) string {
	if !colorEnabled() {
		return s
	}
	return code + s + "\033[0m"
}

func red(s string) string    { return ansi("\033[91m", s) }
func yellow(s string) string { return ansi("\033[93m", s) }
func green(s string) string  { return ansi("\033[32m", s) }
func dim(s string) string    { return ansi("\033[90m", s) }

// errorf prints an error to stderr and exits.
func errorf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, red("error: ")+format+"\n", args...)
	os.Exit(1)
}

// envConfig returns the config path, preferring flag > env > default.
func envConfig(flagVal string) string {
	if flagVal != "" && flagVal != "configs/default.yaml" {
		return flagVal
	}
	if env := os.Getenv("ARGUS_CONFIG"); env != "" {
		return env
	}
	return flagVal
}
