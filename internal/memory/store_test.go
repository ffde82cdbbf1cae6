package memory

import (
	"fmt"
	"testing"

	"github.com/argus-soc/argus/internal/core"
)

func TestInMemoryStore_StorePattern_GeneratesID(t *testing.T) {
	s := NewInMemoryStore(0)
	p := &Pattern{Text: "some attack phrase", ThreatType: core.ThreatPromptInjection, Confidence: 0.9}
	if err := s.StorePattern(p); err != nil {
		t.Fatal(err)
	}
	if p.ID == "" {
		t.Error("StorePattern should generate an ID")
	}
	if p.LearnedAt.IsZero() {
		t.Error("StorePattern should stamp LearnedAt")
	}
}

func TestInMemoryStore_GetPatterns_FilterAndSort(t *testing.T) {
	s := NewInMemoryStore(0)
	seed := []*Pattern{
		{ID: "a", Text: "a", ThreatType: core.ThreatPromptInjection, Confidence: 0.9},
		{ID: "b", Text: "b", ThreatType: core.ThreatPromptInjection, Confidence: 0.6},
		{ID: "c", Text: "c", ThreatType: core.ThreatDataExfiltration, Confidence: 0.8},
	}
	for _, p := range seed {
		if err := s.StorePattern(p); err != nil {
			t.Fatal(err)
		}
	}

	all, err := s.GetPatterns(0, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("GetPatterns(0, \"\") = %d patterns, want 3", len(all))
	}
	if all[0].ID != "a" || all[1].ID != "c" || all[2].ID != "b" {
		t.Errorf("expected confidence-descending order, got %s %s %s", all[0].ID, all[1].ID, all[2].ID)
	}

	confident, err := s.GetPatterns(0.7, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(confident) != 2 {
		t.Errorf("GetPatterns(0.7, \"\") = %d patterns, want 2", len(confident))
	}

	byType, err := s.GetPatterns(0, core.ThreatDataExfiltration)
	if err != nil {
		t.Fatal(err)
	}
	if len(byType) != 1 || byType[0].ID != "c" {
		t.Errorf("GetPatterns by threat type = %v", byType)
	}
}

func TestInMemoryStore_RecordDetection(t *testing.T) {
	s := NewInMemoryStore(0)
	p := &Pattern{ID: "p1", Text: "x", Confidence: 0.9}
	if err := s.StorePattern(p); err != nil {
		t.Fatal(err)
	}

	if err := s.RecordDetection("p1"); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordDetection("p1"); err != nil {
		t.Fatal(err)
	}
	// Unknown IDs are a no-op, not an error
	if err := s.RecordDetection("ghost"); err != nil {
		t.Errorf("RecordDetection(ghost) = %v, want nil", err)
	}

	patterns, _ := s.GetPatterns(0, "")
	if patterns[0].Detections != 2 {
		t.Errorf("Detections = %d, want 2", patterns[0].Detections)
	}
	if patterns[0].LastMatched.IsZero() {
		t.Error("LastMatched should be stamped")
	}
}

func TestInMemoryStore_Decisions(t *testing.T) {
	s := NewInMemoryStore(0)
	for i := 0; i < 5; i++ {
		d := &Decision{
			AlertID:   fmt.Sprintf("alert-%d", i),
			UserID:    "u-1",
			Certainty: 0.8,
			Action:    "investigate",
		}
		if err := s.StoreDecision(d); err != nil {
			t.Fatal(err)
		}
		if d.Timestamp.IsZero() {
			t.Error("StoreDecision should stamp Timestamp")
		}
	}
	if err := s.StoreDecision(&Decision{AlertID: "other", UserID: "u-2"}); err != nil {
		t.Fatal(err)
	}

	mine, err := s.GetDecisions("u-1", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(mine) != 3 {
		t.Fatalf("GetDecisions(u-1, 3) = %d, want 3", len(mine))
	}
	if mine[0].AlertID != "alert-4" {
		t.Errorf("expected most recent first, got %s", mine[0].AlertID)
	}

	all, err := s.GetDecisions("", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 6 {
		t.Errorf("GetDecisions(\"\", 0) = %d, want 6", len(all))
	}
}

func TestInMemoryStore_DecisionEviction(t *testing.T) {
	s := NewInMemoryStore(10)
	for i := 0; i < 15; i++ {
		if err := s.StoreDecision(&Decision{AlertID: fmt.Sprintf("a-%d", i)}); err != nil {
			t.Fatal(err)
		}
	}
	all, _ := s.GetDecisions("", 0)
	if len(all) > 10+1 {
		t.Errorf("decision store holds %d, want bounded near 10", len(all))
	}
	// The newest decision always survives eviction
	if all[0].AlertID != "a-14" {
		t.Errorf("newest decision = %s, want a-14", all[0].AlertID)
	}
}

func TestInMemoryStore_GetStatistics(t *testing.T) {
	s := NewInMemoryStore(0)
	s.StorePattern(&Pattern{ID: "a", Text: "a", ThreatType: core.ThreatPromptInjection, Confidence: 0.9})
	s.StorePattern(&Pattern{ID: "b", Text: "b", ThreatType: core.ThreatPromptInjection, Confidence: 0.8})
	s.StorePattern(&Pattern{ID: "c", Text: "c", ThreatType: core.ThreatModelPoisoning, Confidence: 0.7})
	s.RecordDetection("a")
	s.RecordDetection("a")
	s.RecordDetection("c")
	s.StoreDecision(&Decision{AlertID: "d1"})

	stats, err := s.GetStatistics()
	if err != nil {
		t.Fatal(err)
	}
	if stats.Patterns != 3 {
		t.Errorf("Patterns = %d, want 3", stats.Patterns)
	}
	if stats.Decisions != 1 {
		t.Errorf("Decisions = %d, want 1", stats.Decisions)
	}
	if stats.ByThreatType["prompt_injection"] != 2 {
		t.Errorf("ByThreatType[prompt_injection] = %d, want 2", stats.ByThreatType["prompt_injection"])
	}
	if stats.TotalDetections != 3 {
		t.Errorf("TotalDetections = %d, want 3", stats.TotalDetections)
	}
}
