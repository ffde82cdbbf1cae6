// Package policy decides whether a remediation action may run. The evaluator
// is an external collaborator behind an interface; the bundled local
// implementation evaluates YAML-loadable rules so single-node deployments
// work without a policy service.
package policy

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Effect is the outcome of a policy evaluation.
type Effect string

const (
	EffectAllow           Effect = "allow"
	EffectDeny            Effect = "deny"
	EffectRequireApproval Effect = "require_approval"
)

// Decision is the result of evaluating one action against policy.
type Decision struct {
	Effect  Effect   `json:"effect"`
	Reasons []string `json:"reasons,omitempty"`
}

// Request describes the action being evaluated.
type Request struct {
	Action  string            `json:"action"`
	Target  string            `json:"target"`
	Owner   string            `json:"owner"`
	Context map[string]string `json:"context,omitempty"`
}

// Evaluator answers whether an action may proceed. Implementations must be
// safe for concurrent use.
type Evaluator interface {
	Evaluate(ctx context.Context, req *Request) (*Decision, error)
}

// Rule is one local policy rule. Rules are evaluated in order; the first
// match wins. Empty fields match anything.
type Rule struct {
	Name    string `yaml:"name"`
	Action  string `yaml:"action"`
	Target  string `yaml:"target"`
	Owner   string `yaml:"owner"`
	Effect  Effect `yaml:"effect"`
	Comment string `yaml:"comment,omitempty"`
}

type rulesFile struct {
	Rules []Rule `yaml:"rules"`
}

// LocalEvaluator evaluates rules loaded at startup. The rule slice is
// replaced wholesale on reload, readers only ever see a complete set.
type LocalEvaluator struct {
	mu              sync.RWMutex
	rules           []Rule
	requireApproval map[string]bool
	denyActions     map[string]bool
	logger          zerolog.Logger
}

// NewLocalEvaluator creates an evaluator from an optional rules file plus
// action lists. A missing file is not an error, the lists still apply.
func NewLocalEvaluator(rulesPath string, requireApproval, denyActions []string, logger zerolog.Logger) (*LocalEvaluator, error) {
	e := &LocalEvaluator{
		requireApproval: make(map[string]bool, len(requireApproval)),
		denyActions:     make(map[string]bool, len(denyActions)),
		logger:          logger.With().Str("component", "policy").Logger(),
	}
	for _, a := range requireApproval {
		e.requireApproval[strings.TrimSpace(a)] = true
	}
	for _, a := range denyActions {
		e.denyActions[strings.TrimSpace(a)] = true
	}

	if rulesPath != "" {
		if err := e.LoadRules(rulesPath); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// LoadRules replaces the rule set from a YAML file.
func (e *LocalEvaluator) LoadRules(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			e.logger.Warn().Str("path", path).Msg("policy rules file not found, using action lists only")
			return nil
		}
		return fmt.Errorf("reading policy rules: %w", err)
	}

	var parsed rulesFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("parsing policy rules: %w", err)
	}
	for i, r := range parsed.Rules {
		switch r.Effect {
		case EffectAllow, EffectDeny, EffectRequireApproval:
		default:
			return fmt.Errorf("policy rule %d (%s): unknown effect %q", i, r.Name, r.Effect)
		}
	}

	e.mu.Lock()
	e.rules = parsed.Rules
	e.mu.Unlock()

	e.logger.Info().Int("rules", len(parsed.Rules)).Str("path", path).Msg("policy rules loaded")
	return nil
}

// Evaluate checks the request against the deny list, then rules in order,
// then the approval list.
// Unmatched requests are allowed: the action ladder upstream has already
// decided the action is warranted.
func (e *LocalEvaluator) Evaluate(ctx context.Context, req *Request) (*Decision, error) {
	if req == nil || req.Action == "" {
		return nil, fmt.Errorf("policy: empty request")
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.denyActions[req.Action] {
		return &Decision{
			Effect:  EffectDeny,
			Reasons: []string{fmt.Sprintf("action %s is on the deny list", req.Action)},
		}, nil
	}

	for _, r := range e.rules {
		if !matchField(r.Action, req.Action) {
			continue
		}
		if !matchField(r.Target, req.Target) {
			continue
		}
		if !matchField(r.Owner, req.Owner) {
			continue
		}
		return &Decision{
			Effect:  r.Effect,
			Reasons: []string{fmt.Sprintf("matched rule %q", r.Name)},
		}, nil
	}

	if e.requireApproval[req.Action] {
		return &Decision{
			Effect:  EffectRequireApproval,
			Reasons: []string{fmt.Sprintf("action %s requires human approval", req.Action)},
		}, nil
	}

	return &Decision{Effect: EffectAllow}, nil
}

// matchField matches a rule field against a value. Empty matches anything,
// a trailing "*" matches a prefix.
func matchField(pattern, value string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(value, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == value
}
