package main

// ---------------------------------------------------------------------------
// cmd_check.go — run one message through detection and triage
// ---------------------------------------------------------------------------

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"github.com/argus-soc/argus/internal/core"
	"github.com/argus-soc/argus/internal/detect"
	"github.com/argus-soc/argus/internal/memory"
	"github.com/argus-soc/argus/internal/plan"
	"github.com/argus-soc/argus/internal/textgen"
	"github.com/argus-soc/argus/internal/triage"
)

func cmdCheck(args []string) {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	agentID := fs.String("agent", "cli-check", "Agent ID for the synthetic event")
	userID := fs.String("user", "", "User ID for the synthetic event")
	sourceIP := fs.String("ip", "", "Source IP for the synthetic event")
	asJSON := fs.Bool("json", false, "Print the verdict as JSON")
	fs.Parse(args)

	message := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if message == "" {
		errorf("usage: argus check [flags] <message>")
	}

	cfg := core.DefaultConfig()
	logger := zerolog.Nop()

	store := memory.NewInMemoryStore(0)
	detector, err := detect.NewEngine(&cfg.Detection, store, textgen.NewOffline(), logger)
	if err != nil {
		errorf("building detection engine: %v", err)
	}
	scorer := triage.NewScorer(0, 0, logger)
	planner := plan.NewPlanner(logger)

	event := core.NewAgentEvent("cli", *agentID, message)
	event.UserID = *userID
	event.SourceIP = *sourceIP
	if err := event.Validate(); err != nil {
		errorf("invalid event: %v", err)
	}

	alert := detector.Detect(context.Background(), event)
	if alert == nil {
		if *asJSON {
			fmt.Println(`{"verdict":"clean"}`)
		} else {
			fmt.Fprintf(os.Stdout, "%s no threat detected\n", green("✓"))
		}
		return
	}

	verdict := scorer.Score(alert, event)
	p := planner.Plan(alert, verdict.ThreatConfidence)

	if *asJSON {
		out := map[string]interface{}{
			"verdict":            "threat",
			"alert":              alert,
			"threat_confidence":  verdict.ThreatConfidence,
			"recommended_action": verdict.RecommendedAction,
			"reasoning":          verdict.Reasoning,
		}
		if p != nil {
			out["plan"] = p
		}
		data, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			errorf("marshaling verdict: %v", err)
		}
		fmt.Println(string(data))
		return
	}

	fmt.Fprintf(os.Stdout, "%s %s [%s] %s\n", red("✗"), alert.Severity, alert.ThreatType, alert.Title)
	fmt.Fprintf(os.Stdout, "  detector:   %s\n", alert.Detector)
	fmt.Fprintf(os.Stdout, "  confidence: %.0f%%\n", verdict.ThreatConfidence*100)
	fmt.Fprintf(os.Stdout, "  action:     %s\n", verdict.RecommendedAction)
	for _, reason := range verdict.Reasoning {
		fmt.Fprintf(os.Stdout, "  %s %s\n", dim("·"), reason)
	}
	if p != nil {
		fmt.Fprintf(os.Stdout, "  plan:       %s against %s (%s)\n", p.Action, p.Target, strings.Join(p.SubActions, ", "))
	}
}
