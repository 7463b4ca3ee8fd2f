package service

import (
	"testing"
	"time"

	"github.com/chloHabitto/Habitto-sub018/internal/db"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupServiceTestDB(t *testing.T) func() {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}

	db.DB = gdb

	return func() {
		sqlDB, err := db.DB.DB()
		if err == nil {
			sqlDB.Close()
		}
	}
}

func mustHistory(t *testing.T, history map[string]int) string {
	t.Helper()
	encoded, err := db.EncodeHistory(history)
	if err != nil {
		t.Fatalf("failed to encode history: %v", err)
	}
	return encoded
}

func createLegacyHabit(t *testing.T, record db.LegacyHabitRecord) {
	t.Helper()
	if err := db.DB.Create(&record).Error; err != nil {
		t.Fatalf("failed to create legacy record: %v", err)
	}
}

var testStartDate = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

func TestHabitMigratorRowCounts(t *testing.T) {
	cleanup := setupServiceTestDB(t)
	defer cleanup()

	createLegacyHabit(t, db.LegacyHabitRecord{
		UID:          "habit-1",
		UserID:       "user-1",
		Name:         "喝水",
		Kind:         db.HabitKindFormation,
		ScheduleText: "Everyday",
		GoalText:     "2 cups",
		StartDate:    testStartDate,
		CompletionHistory: mustHistory(t, map[string]int{
			"2024-06-12": 2,
			"2024-06-13": 2,
			"2024-06-14": 1,
			"not-a-date": 3,
		}),
	})

	migrator := NewHabitMigrator(db.DB, NewGormLegacyStore(db.DB))

	// 演练：同样的计算，零落库
	summary, err := migrator.Run("user-1", true)
	if err != nil {
		t.Fatalf("dry run returned error: %v", err)
	}
	if summary.HabitsCreated != 1 || summary.ProgressRowsCreated != 3 || summary.SkippedCount != 1 {
		t.Fatalf("unexpected dry run summary: %+v", summary)
	}

	var habitCount int64
	db.DB.Model(&db.Habit{}).Count(&habitCount)
	if habitCount != 0 {
		t.Fatalf("dry run must not persist habits, found %d", habitCount)
	}

	committed, err := migrator.Run("user-1", false)
	if err != nil {
		t.Fatalf("commit returned error: %v", err)
	}
	if *committed != *summary {
		t.Fatalf("commit summary %+v differs from dry run %+v", committed, summary)
	}

	var habit db.Habit
	if err := db.DB.Where("uid = ?", "habit-1").First(&habit).Error; err != nil {
		t.Fatalf("failed to load migrated habit: %v", err)
	}
	if habit.GoalCount != 2 || habit.GoalUnit != "cups" {
		t.Fatalf("unexpected goal: %d %s", habit.GoalCount, habit.GoalUnit)
	}
	if habit.ScheduleType != "daily" {
		t.Fatalf("unexpected schedule type: %s", habit.ScheduleType)
	}

	var rows []db.DailyProgress
	if err := db.DB.Where("habit_id = ?", habit.ID).Find(&rows).Error; err != nil {
		t.Fatalf("failed to load progress rows: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 progress rows, got %d", len(rows))
	}
	for _, row := range rows {
		if row.GoalCountSnapshot != 2 {
			t.Fatalf("expected goal snapshot 2, got %d", row.GoalCountSnapshot)
		}
	}
}

func TestHabitMigratorBreakingKindUsesActualUsage(t *testing.T) {
	cleanup := setupServiceTestDB(t)
	defer cleanup()

	createLegacyHabit(t, db.LegacyHabitRecord{
		UID:               "habit-2",
		UserID:            "user-1",
		Name:              "戒烟",
		Kind:              db.HabitKindBreaking,
		ScheduleText:      "daily",
		GoalText:          "5",
		StartDate:         testStartDate,
		CompletionHistory: mustHistory(t, map[string]int{"2024-06-10": 9}),
		ActualUsage:       mustHistory(t, map[string]int{"2024-06-12": 3, "2024-06-13": 2}),
	})

	migrator := NewHabitMigrator(db.DB, NewGormLegacyStore(db.DB))
	summary, err := migrator.Run("user-1", false)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	// breaking 习惯只看 actual_usage，completion_history 必须被忽略
	if summary.ProgressRowsCreated != 2 {
		t.Fatalf("expected 2 progress rows, got %d", summary.ProgressRowsCreated)
	}
}

func TestHabitMigratorParseWarningFallsBackToDaily(t *testing.T) {
	cleanup := setupServiceTestDB(t)
	defer cleanup()

	createLegacyHabit(t, db.LegacyHabitRecord{
		UID:          "habit-3",
		UserID:       "user-1",
		Name:         "随缘",
		Kind:         db.HabitKindFormation,
		ScheduleText: "whenever the stars align",
		GoalText:     "",
		StartDate:    testStartDate,
	})

	migrator := NewHabitMigrator(db.DB, NewGormLegacyStore(db.DB))
	summary, err := migrator.Run("user-1", false)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if summary.ParseWarnings != 1 {
		t.Fatalf("expected 1 parse warning, got %d", summary.ParseWarnings)
	}

	var habit db.Habit
	if err := db.DB.Where("uid = ?", "habit-3").First(&habit).Error; err != nil {
		t.Fatalf("failed to load habit: %v", err)
	}
	if habit.ScheduleType != "daily" {
		t.Fatalf("expected daily fallback, got %s", habit.ScheduleType)
	}
	if habit.GoalCount != 1 || habit.GoalUnit != "time" {
		t.Fatalf("unexpected goal fallback: %d %s", habit.GoalCount, habit.GoalUnit)
	}
}

func TestHabitMigratorRefusesWhenMarkerSet(t *testing.T) {
	cleanup := setupServiceTestDB(t)
	defer cleanup()

	if err := db.DB.Create(&db.MigrationRunMarker{UserID: "user-1", RunUID: "run-1", CompletedAt: time.Now()}).Error; err != nil {
		t.Fatalf("failed to create marker: %v", err)
	}

	migrator := NewHabitMigrator(db.DB, NewGormLegacyStore(db.DB))
	if _, err := migrator.Run("user-1", false); err != ErrAlreadyMigrated {
		t.Fatalf("expected ErrAlreadyMigrated, got %v", err)
	}
}
