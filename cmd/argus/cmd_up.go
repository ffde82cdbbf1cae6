package main

// ---------------------------------------------------------------------------
// cmd_up.go — start the argus engine
// ---------------------------------------------------------------------------

import (
	"flag"
	"fmt"
	"os"

	"github.com/argus-soc/argus/internal/core"
	"github.com/argus-soc/argus/internal/engine"
)

func cmdUp(args []string) {
	fs := flag.NewFlagSet("up", flag.ExitOnError)
	configPath := fs.String("config", "configs/default.yaml", "Config file path")
	logLevel := fs.String("log-level", "", "Log level override: debug, info, warn, error")
	dryRun := fs.Bool("dry-run", false, "Run remediation without side effects")
	validate := fs.Bool("validate", false, "Validate config, then exit")
	quiet := fs.Bool("quiet", false, "Suppress non-essential output")
	fs.BoolVar(quiet, "q", false, "Suppress non-essential output")
	noColor := fs.Bool("no-color", false, "Disable color output")
	fs.Parse(args)

	*configPath = envConfig(*configPath)

	if *noColor {
		os.Setenv("NO_COLOR", "1")
	}

	cfg, err := core.LoadConfig(*configPath)
	if err != nil {
		errorf("loading config: %v", err)
	}

	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *dryRun {
		cfg.Remediation.DryRun = true
	}

	warnings, validationErrs := cfg.Validate()
	for _, w := range warnings {
		if !*quiet {
			fmt.Fprintf(os.Stderr, "%s %s\n", yellow("⚠"), w)
		}
	}
	if len(validationErrs) > 0 {
		for _, e := range validationErrs {
			fmt.Fprintf(os.Stderr, "%s %s\n", red("✗"), e)
		}
		errorf("config validation failed with %d error(s)", len(validationErrs))
	}

	if *validate {
		fmt.Fprintf(os.Stdout, "%s Config valid.\n", green("✓"))
		os.Exit(0)
	}

	eng, err := engine.NewEngine(cfg)
	if err != nil {
		errorf("creating engine: %v", err)
	}

	if !*quiet {
		fmt.Fprintf(os.Stderr, "%s Starting argus engine...\n", dim("▸"))
		mode := green("live")
		if cfg.Remediation.DryRun {
			mode = yellow("dry-run")
		} else if !cfg.Remediation.Enabled {
			mode = dim("disabled")
		}
		fmt.Fprintf(os.Stderr, "%s Remediation %s, bus on :%d\n", green("✓"), mode, cfg.Bus.Port)
		fmt.Fprintf(os.Stderr, "%s Press Ctrl+C to stop\n", dim("▸"))
	}

	if err := eng.Run(); err != nil {
		errorf("running engine: %v", err)
	}

	if !*quiet {
		fmt.Fprintf(os.Stderr, "%s argus stopped.\n", green("✓"))
	}
}
