package service

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chloHabitto/Habitto-sub018/internal/db"
)

// captureEmitter 收集事件供断言，Emit 永不阻塞。
type captureEmitter struct {
	mu     sync.Mutex
	events []string
}

func (e *captureEmitter) Emit(event string, fields map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
}

func (e *captureEmitter) has(event string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, name := range e.events {
		if name == event {
			return true
		}
	}
	return false
}

var orchestratorToday = time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time {
	return orchestratorToday
}

func seedLegacyUser(t *testing.T, userID string) {
	t.Helper()

	createLegacyHabit(t, db.LegacyHabitRecord{
		UID:          userID + "-habit-1",
		UserID:       userID,
		Name:         "晨跑",
		Kind:         db.HabitKindFormation,
		ScheduleText: "Everyday",
		GoalText:     "1 run",
		StartDate:    testStartDate,
		CompletionHistory: mustHistory(t, map[string]int{
			"2024-06-12": 1,
			"2024-06-13": 1,
			"2024-06-14": 1,
		}),
	})
	createLegacyHabit(t, db.LegacyHabitRecord{
		UID:          userID + "-habit-2",
		UserID:       userID,
		Name:         "阅读",
		Kind:         db.HabitKindFormation,
		ScheduleText: "daily",
		GoalText:     "20 pages",
		StartDate:    testStartDate,
		CompletionHistory: mustHistory(t, map[string]int{
			"2024-06-12": 20,
			"2024-06-13": 25,
			"2024-06-14": 20,
		}),
	})

	if err := db.DB.Create(&db.LegacyXPTotal{UserID: userID, TotalXP: 2500}).Error; err != nil {
		t.Fatalf("failed to create legacy xp total: %v", err)
	}
}

func newTestOrchestrator(emitter TelemetryEmitter) *MigrationOrchestrator {
	flags := NewFeatureFlagService(db.DB, 100, CompletionModeFull, 6*time.Hour)
	legacy := NewGormLegacyStore(db.DB)
	ledger := NewXPLedgerService(db.DB)
	return NewMigrationOrchestrator(db.DB, legacy, ledger, flags, emitter).WithClock(fixedClock)
}

func TestMigrationCommitSeedsAggregatesAndValidates(t *testing.T) {
	cleanup := setupServiceTestDB(t)
	defer cleanup()

	seedLegacyUser(t, "user-1")
	emitter := &captureEmitter{}
	orchestrator := newTestOrchestrator(emitter)

	summary, err := orchestrator.Commit("user-1")
	if err != nil {
		t.Fatalf("Commit returned error: %v", err)
	}
	if !summary.Success {
		t.Fatalf("expected success, got %+v", summary)
	}
	if len(summary.Stages) != 3 {
		t.Fatalf("expected 3 stages, got %d", len(summary.Stages))
	}

	// 连胜播种：6/12-6/14 三天全完成，6/15 当天未完成但不清零
	var streak db.GlobalStreak
	if err := db.DB.Where("user_id = ?", "user-1").First(&streak).Error; err != nil {
		t.Fatalf("failed to load global streak: %v", err)
	}
	if streak.CurrentStreak != 3 || streak.LongestStreak != 3 || streak.TotalCompleteDays != 3 {
		t.Fatalf("unexpected streak: %+v", streak)
	}
	if streak.LastCompleteDate == nil || streak.LastCompleteDate.Format("2006-01-02") != "2024-06-14" {
		t.Fatalf("unexpected last complete date: %v", streak.LastCompleteDate)
	}

	// XP 开账：一条等额分录加派生等级
	var entries []db.XPLedgerEntry
	if err := db.DB.Where("user_id = ?", "user-1").Find(&entries).Error; err != nil {
		t.Fatalf("failed to load ledger entries: %v", err)
	}
	if len(entries) != 1 || entries[0].Amount != 2500 || entries[0].Reason != XPReasonOpeningBalance {
		t.Fatalf("unexpected ledger entries: %+v", entries)
	}

	var state db.UserXPState
	if err := db.DB.Where("user_id = ?", "user-1").First(&state).Error; err != nil {
		t.Fatalf("failed to load xp state: %v", err)
	}
	if state.TotalXP != 2500 || state.Level != 2 || state.XPInLevel != 1500 || state.XPToNextLevel != 500 {
		t.Fatalf("unexpected xp state: %+v", state)
	}

	// 提交即校验，独立复算必须与落库聚合一致
	if summary.Validation == nil || !summary.Validation.Passed {
		t.Fatalf("expected validation to pass, got %+v", summary.Validation)
	}

	if !emitter.has("migration_start") || !emitter.has("migration_complete") {
		t.Fatalf("expected lifecycle telemetry, got %v", emitter.events)
	}

	_, migrated, err := orchestrator.Status("user-1")
	if err != nil {
		t.Fatalf("Status returned error: %v", err)
	}
	if !migrated {
		t.Fatal("expected migration marker to be set")
	}
}

func TestMigrationIdempotenceAndRollback(t *testing.T) {
	cleanup := setupServiceTestDB(t)
	defer cleanup()

	seedLegacyUser(t, "user-1")
	orchestrator := newTestOrchestrator(&captureEmitter{})

	first, err := orchestrator.Commit("user-1")
	if err != nil {
		t.Fatalf("first commit returned error: %v", err)
	}

	// 标记未清除时重复提交必须被拒绝
	if _, err := orchestrator.Commit("user-1"); !errors.Is(err, ErrAlreadyMigrated) {
		t.Fatalf("expected ErrAlreadyMigrated, got %v", err)
	}

	if err := orchestrator.Rollback("user-1"); err != nil {
		t.Fatalf("Rollback returned error: %v", err)
	}

	for _, check := range []struct {
		name  string
		model any
	}{
		{"habits", &db.Habit{}},
		{"daily_progress", &db.DailyProgress{}},
		{"global_streaks", &db.GlobalStreak{}},
		{"xp_ledger_entries", &db.XPLedgerEntry{}},
		{"user_xp_states", &db.UserXPState{}},
		{"migration_run_markers", &db.MigrationRunMarker{}},
	} {
		var count int64
		if err := db.DB.Model(check.model).Count(&count).Error; err != nil {
			t.Fatalf("count %s: %v", check.name, err)
		}
		if count != 0 {
			t.Fatalf("expected %s to be empty after rollback, found %d", check.name, count)
		}
	}

	// 回滚后重迁移，旧输入不变则摘要一致
	second, err := orchestrator.Commit("user-1")
	if err != nil {
		t.Fatalf("re-commit returned error: %v", err)
	}
	for i := range first.Stages {
		for key, value := range first.Stages[i].Counts {
			if second.Stages[i].Counts[key] != value {
				t.Fatalf("stage %s count %s: first %d, second %d",
					first.Stages[i].Name, key, value, second.Stages[i].Counts[key])
			}
		}
	}
}

func TestMigrationDryRunPersistsNothing(t *testing.T) {
	cleanup := setupServiceTestDB(t)
	defer cleanup()

	seedLegacyUser(t, "user-1")
	orchestrator := newTestOrchestrator(&captureEmitter{})

	summary, err := orchestrator.DryRun("user-1")
	if err != nil {
		t.Fatalf("DryRun returned error: %v", err)
	}
	if !summary.Success || !summary.DryRun {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	streakStage := summary.Stages[1]
	if streakStage.Counts["current_streak"] != 3 || streakStage.Counts["longest_streak"] != 3 {
		t.Fatalf("unexpected dry run streak counts: %+v", streakStage.Counts)
	}
	xpStage := summary.Stages[2]
	if xpStage.Counts["opening_balance"] != 2500 || xpStage.Counts["level"] != 2 {
		t.Fatalf("unexpected dry run xp counts: %+v", xpStage.Counts)
	}

	for _, model := range []any{&db.Habit{}, &db.DailyProgress{}, &db.GlobalStreak{}, &db.XPLedgerEntry{}, &db.UserXPState{}, &db.MigrationRunMarker{}} {
		var count int64
		if err := db.DB.Model(model).Count(&count).Error; err != nil {
			t.Fatalf("count failed: %v", err)
		}
		if count != 0 {
			t.Fatalf("dry run persisted rows in %T", model)
		}
	}
}

func TestMigrationRolloutGate(t *testing.T) {
	cleanup := setupServiceTestDB(t)
	defer cleanup()

	seedLegacyUser(t, "user-1")
	flags := NewFeatureFlagService(db.DB, 0, CompletionModeFull, 6*time.Hour)
	legacy := NewGormLegacyStore(db.DB)
	ledger := NewXPLedgerService(db.DB)
	orchestrator := NewMigrationOrchestrator(db.DB, legacy, ledger, flags, nil).WithClock(fixedClock)

	if _, err := orchestrator.Commit("user-1"); !errors.Is(err, ErrMigrationNotEnabled) {
		t.Fatalf("expected ErrMigrationNotEnabled, got %v", err)
	}

	// 演练不受灰度门限约束
	if _, err := orchestrator.DryRun("user-1"); err != nil {
		t.Fatalf("DryRun should bypass rollout gate: %v", err)
	}
}

func TestMigrationZeroLegacyXP(t *testing.T) {
	cleanup := setupServiceTestDB(t)
	defer cleanup()

	createLegacyHabit(t, db.LegacyHabitRecord{
		UID:          "habit-1",
		UserID:       "user-2",
		Name:         "冥想",
		Kind:         db.HabitKindFormation,
		ScheduleText: "daily",
		GoalText:     "10 minutes",
		StartDate:    testStartDate,
	})

	orchestrator := newTestOrchestrator(&captureEmitter{})
	summary, err := orchestrator.Commit("user-2")
	if err != nil {
		t.Fatalf("Commit returned error: %v", err)
	}
	if !summary.Success {
		t.Fatalf("expected success, got %+v", summary)
	}

	// 开账为 0：无分录，但派生状态行仍建立
	var entryCount int64
	db.DB.Model(&db.XPLedgerEntry{}).Where("user_id = ?", "user-2").Count(&entryCount)
	if entryCount != 0 {
		t.Fatalf("expected no ledger entries, got %d", entryCount)
	}

	var state db.UserXPState
	if err := db.DB.Where("user_id = ?", "user-2").First(&state).Error; err != nil {
		t.Fatalf("expected xp state row: %v", err)
	}
	if state.TotalXP != 0 || state.Level != 1 {
		t.Fatalf("unexpected xp state: %+v", state)
	}
}
