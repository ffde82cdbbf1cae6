package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func newEvaluator(t *testing.T, rulesPath string, approval, deny []string) *LocalEvaluator {
	t.Helper()
	e, err := NewLocalEvaluator(rulesPath, approval, deny, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewLocalEvaluator error: %v", err)
	}
	return e
}

func evaluate(t *testing.T, e *LocalEvaluator, action, target string) *Decision {
	t.Helper()
	d, err := e.Evaluate(context.Background(), &Request{Action: action, Target: target, Owner: "argus-engine"})
	if err != nil {
		t.Fatalf("Evaluate error: %v", err)
	}
	return d
}

func TestLocalEvaluator_DefaultAllow(t *testing.T) {
	e := newEvaluator(t, "", nil, nil)
	d := evaluate(t, e, "block_ip", "203.0.113.9")
	if d.Effect != EffectAllow {
		t.Errorf("Effect = %q, want allow", d.Effect)
	}
}

func TestLocalEvaluator_DenyList(t *testing.T) {
	e := newEvaluator(t, "", nil, []string{"suspend_user"})
	d := evaluate(t, e, "suspend_user", "u-1")
	if d.Effect != EffectDeny {
		t.Errorf("Effect = %q, want deny", d.Effect)
	}
	if len(d.Reasons) == 0 {
		t.Error("deny decision should carry a reason")
	}
}

func TestLocalEvaluator_ApprovalList(t *testing.T) {
	e := newEvaluator(t, "", []string{"suspend_user", "initiate_forensics"}, nil)

	d := evaluate(t, e, "suspend_user", "u-1")
	if d.Effect != EffectRequireApproval {
		t.Errorf("Effect = %q, want require_approval", d.Effect)
	}

	d = evaluate(t, e, "block_ip", "203.0.113.9")
	if d.Effect != EffectAllow {
		t.Errorf("unlisted action Effect = %q, want allow", d.Effect)
	}
}

func TestLocalEvaluator_DenyBeatsApproval(t *testing.T) {
	e := newEvaluator(t, "", []string{"suspend_user"}, []string{"suspend_user"})
	d := evaluate(t, e, "suspend_user", "u-1")
	if d.Effect != EffectDeny {
		t.Errorf("Effect = %q, want deny to win over approval", d.Effect)
	}
}

func TestLocalEvaluator_RulesFile(t *testing.T) {
	rules := `
rules:
  - name: never-touch-gateway
    action: block_ip
    target: "203.0.113.1"
    effect: deny
  - name: approve-internal-blocks
    action: block_ip
    target: "10.*"
    effect: require_approval
  - name: allow-any-monitoring
    action: enable_enhanced_monitoring
    effect: allow
`
	path := writeRules(t, rules)
	e := newEvaluator(t, path, nil, nil)

	d := evaluate(t, e, "block_ip", "203.0.113.1")
	if d.Effect != EffectDeny {
		t.Errorf("gateway block Effect = %q, want deny", d.Effect)
	}

	d = evaluate(t, e, "block_ip", "10.4.5.6")
	if d.Effect != EffectRequireApproval {
		t.Errorf("internal block Effect = %q, want require_approval (prefix match)", d.Effect)
	}

	d = evaluate(t, e, "block_ip", "198.51.100.7")
	if d.Effect != EffectAllow {
		t.Errorf("unmatched block Effect = %q, want allow", d.Effect)
	}

	d = evaluate(t, e, "enable_enhanced_monitoring", "anything")
	if d.Effect != EffectAllow {
		t.Errorf("monitoring Effect = %q, want allow", d.Effect)
	}
}

func TestLocalEvaluator_RuleBeatsApprovalList(t *testing.T) {
	rules := `
rules:
  - name: pre-approved-forensics
    action: initiate_forensics
    effect: allow
`
	path := writeRules(t, rules)
	e := newEvaluator(t, path, []string{"initiate_forensics"}, nil)

	d := evaluate(t, e, "initiate_forensics", "case-1")
	if d.Effect != EffectAllow {
		t.Errorf("Effect = %q, want rule allow to override the approval list", d.Effect)
	}
}

func TestLocalEvaluator_MissingRulesFile(t *testing.T) {
	e := newEvaluator(t, "/nonexistent/rules.yaml", []string{"suspend_user"}, nil)
	d := evaluate(t, e, "suspend_user", "u-1")
	if d.Effect != EffectRequireApproval {
		t.Errorf("Effect = %q, want approval list to still apply", d.Effect)
	}
}

func TestLocalEvaluator_BadRulesFile(t *testing.T) {
	path := writeRules(t, ": not: yaml: {{{")
	if _, err := NewLocalEvaluator(path, nil, nil, zerolog.Nop()); err == nil {
		t.Error("expected error for malformed rules file")
	}

	path = writeRules(t, `
rules:
  - name: bogus
    action: block_ip
    effect: obliterate
`)
	if _, err := NewLocalEvaluator(path, nil, nil, zerolog.Nop()); err == nil {
		t.Error("expected error for unknown effect")
	}
}

func TestLocalEvaluator_EmptyRequest(t *testing.T) {
	e := newEvaluator(t, "", nil, nil)
	if _, err := e.Evaluate(context.Background(), nil); err == nil {
		t.Error("expected error for nil request")
	}
	if _, err := e.Evaluate(context.Background(), &Request{}); err == nil {
		t.Error("expected error for empty action")
	}
}

func TestMatchField(t *testing.T) {
	cases := []struct {
		pattern, value string
		want           bool
	}{
		{"", "anything", true},
		{"*", "anything", true},
		{"block_ip", "block_ip", true},
		{"block_ip", "suspend_user", false},
		{"10.*", "10.1.2.3", true},
		{"10.*", "110.1.2.3", false},
		{"u-*", "u-42", true},
	}
	for _, tc := range cases {
		if got := matchField(tc.pattern, tc.value); got != tc.want {
			t.Errorf("matchField(%q, %q) = %v, want %v", tc.pattern, tc.value, got, tc.want)
		}
	}
}

func writeRules(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}
