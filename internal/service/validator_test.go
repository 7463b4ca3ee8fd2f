package service

import (
	"strings"
	"testing"

	"github.com/chloHabitto/Habitto-sub018/internal/db"
)

func TestValidatorDetectsTamperedAggregates(t *testing.T) {
	cleanup := setupServiceTestDB(t)
	defer cleanup()

	seedLegacyUser(t, "user-1")
	orchestrator := newTestOrchestrator(&captureEmitter{})

	if _, err := orchestrator.Commit("user-1"); err != nil {
		t.Fatalf("Commit returned error: %v", err)
	}

	// 弄脏落库聚合，独立复算必须逐项点名差异
	if err := db.DB.Model(&db.GlobalStreak{}).Where("user_id = ?", "user-1").
		Update("current_streak", 7).Error; err != nil {
		t.Fatalf("failed to tamper streak: %v", err)
	}
	if err := db.DB.Model(&db.UserXPState{}).Where("user_id = ?", "user-1").
		Update("total_xp", 1).Error; err != nil {
		t.Fatalf("failed to tamper xp state: %v", err)
	}

	report, err := orchestrator.Validate("user-1")
	if err != nil {
		t.Fatalf("Validate returned error: %v", err)
	}
	if report.Passed {
		t.Fatal("expected validation to fail")
	}

	fields := make([]string, 0, len(report.Mismatches))
	for _, mismatch := range report.Mismatches {
		fields = append(fields, mismatch.Field)
	}
	joined := strings.Join(fields, ",")

	for _, expected := range []string{
		"global_streak.current_streak",
		"global_streak.invariant.longest_ge_current",
		"user_xp_state.total_xp",
	} {
		if !strings.Contains(joined, expected) {
			t.Fatalf("expected mismatch on %s, got %v", expected, fields)
		}
	}

	for _, mismatch := range report.Mismatches {
		if mismatch.Field == "global_streak.current_streak" {
			if mismatch.Expected != "3" || mismatch.Actual != "7" {
				t.Fatalf("unexpected mismatch detail: %+v", mismatch)
			}
		}
	}
}

func TestValidatorFlagsMissingAggregates(t *testing.T) {
	cleanup := setupServiceTestDB(t)
	defer cleanup()

	seedLegacyUser(t, "user-1")
	orchestrator := newTestOrchestrator(&captureEmitter{})

	if _, err := orchestrator.Commit("user-1"); err != nil {
		t.Fatalf("Commit returned error: %v", err)
	}

	if err := db.DB.Unscoped().Where("user_id = ?", "user-1").Delete(&db.GlobalStreak{}).Error; err != nil {
		t.Fatalf("failed to delete streak: %v", err)
	}

	report, err := orchestrator.Validate("user-1")
	if err != nil {
		t.Fatalf("Validate returned error: %v", err)
	}
	if report.Passed {
		t.Fatal("expected validation to fail without global streak")
	}

	found := false
	for _, mismatch := range report.Mismatches {
		if mismatch.Field == "global_streak" && mismatch.Actual == "missing" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected missing global_streak mismatch, got %+v", report.Mismatches)
	}
}

func TestValidatorChecksGoalSnapshotInvariant(t *testing.T) {
	cleanup := setupServiceTestDB(t)
	defer cleanup()

	seedLegacyUser(t, "user-1")
	orchestrator := newTestOrchestrator(&captureEmitter{})
	if _, err := orchestrator.Commit("user-1"); err != nil {
		t.Fatalf("Commit returned error: %v", err)
	}

	// 快照被清零是数据污染，必须被点名
	var row db.DailyProgress
	if err := db.DB.First(&row).Error; err != nil {
		t.Fatalf("failed to load progress row: %v", err)
	}
	if err := db.DB.Model(&row).Update("goal_count_snapshot", 0).Error; err != nil {
		t.Fatalf("failed to tamper snapshot: %v", err)
	}

	report, err := orchestrator.Validate("user-1")
	if err != nil {
		t.Fatalf("Validate returned error: %v", err)
	}
	if report.Passed {
		t.Fatal("expected validation to fail")
	}

	found := false
	for _, mismatch := range report.Mismatches {
		if strings.Contains(mismatch.Field, "goal_count_snapshot") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected goal snapshot mismatch, got %+v", report.Mismatches)
	}
}
