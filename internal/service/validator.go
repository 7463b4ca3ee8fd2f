package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/chloHabitto/Habitto-sub018/internal/db"
	"gorm.io/gorm"
)

// Mismatch 描述一处期望值与落库值的差异。
type Mismatch struct {
	Field    string
	Expected string
	Actual   string
}

// ValidationReport 是迁移后独立校验的结果。
// 校验不通过不会触发自动回滚，但在差异解决前数据不应暴露给应用其余部分。
type ValidationReport struct {
	UserID     string
	Passed     bool
	Mismatches []Mismatch
}

// MigrationValidator 对迁移产物做独立复算：
// 用规范化数据重新计算连胜与 XP 总值，与编排器落库的聚合逐项对比，
// 并检查所有被创建实体的模型不变量。
type MigrationValidator struct {
	db    *gorm.DB
	flags *FeatureFlagService
	now   func() time.Time
}

// NewMigrationValidator 构造 MigrationValidator
func NewMigrationValidator(gdb *gorm.DB, flags *FeatureFlagService) *MigrationValidator {
	return &MigrationValidator{db: gdb, flags: flags, now: time.Now}
}

// WithClock 允许测试注入固定时钟。
func (v *MigrationValidator) WithClock(now func() time.Time) *MigrationValidator {
	if now != nil {
		v.now = now
	}
	return v
}

func (r *ValidationReport) add(field string, expected, actual any) {
	r.Mismatches = append(r.Mismatches, Mismatch{
		Field:    field,
		Expected: fmt.Sprintf("%v", expected),
		Actual:   fmt.Sprintf("%v", actual),
	})
}

// Validate 复算并diff连胜与 XP，附带全量不变量检查。
func (v *MigrationValidator) Validate(userID string) (*ValidationReport, error) {
	report := &ValidationReport{UserID: userID}

	if err := v.validateStreak(userID, report); err != nil {
		return nil, err
	}
	if err := v.validateXP(userID, report); err != nil {
		return nil, err
	}
	if err := v.validateReferentialIntegrity(userID, report); err != nil {
		return nil, err
	}

	report.Passed = len(report.Mismatches) == 0
	return report, nil
}

func (v *MigrationValidator) validateStreak(userID string, report *ValidationReport) error {
	mode := CompletionModeFull
	if v.flags != nil {
		mode = v.flags.CompletionMode()
	}

	input, err := loadStreakInput(v.db, userID, mode)
	if err != nil {
		return err
	}

	today := v.now()
	current := ComputeCurrentStreak(input, today)
	longest := ComputeLongestStreak(input, today)

	var persisted db.GlobalStreak
	if err := v.db.Where("user_id = ?", userID).First(&persisted).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			report.add("global_streak", "present", "missing")
			return nil
		}
		return fmt.Errorf("load global streak: %w", err)
	}

	if persisted.CurrentStreak != current.CurrentStreak {
		report.add("global_streak.current_streak", current.CurrentStreak, persisted.CurrentStreak)
	}
	if persisted.LongestStreak != longest.LongestStreak {
		report.add("global_streak.longest_streak", longest.LongestStreak, persisted.LongestStreak)
	}
	if persisted.TotalCompleteDays != longest.TotalCompleteDays {
		report.add("global_streak.total_complete_days", longest.TotalCompleteDays, persisted.TotalCompleteDays)
	}
	if !sameDatePtr(persisted.LastCompleteDate, current.LastCompleteDate) {
		report.add("global_streak.last_complete_date", formatDatePtr(current.LastCompleteDate), formatDatePtr(persisted.LastCompleteDate))
	}

	// 聚合自身的不变量
	if persisted.LongestStreak < persisted.CurrentStreak {
		report.add("global_streak.invariant.longest_ge_current", "longest >= current", fmt.Sprintf("%d < %d", persisted.LongestStreak, persisted.CurrentStreak))
	}
	if persisted.TotalCompleteDays < persisted.LongestStreak {
		report.add("global_streak.invariant.total_ge_longest", "total >= longest", fmt.Sprintf("%d < %d", persisted.TotalCompleteDays, persisted.LongestStreak))
	}
	if persisted.CurrentStreak > 0 && persisted.LastCompleteDate == nil {
		report.add("global_streak.invariant.last_complete_date", "present when current > 0", "missing")
	}

	return nil
}

func (v *MigrationValidator) validateXP(userID string, report *ValidationReport) error {
	var ledgerSum int64
	if err := v.db.Model(&db.XPLedgerEntry{}).
		Where("user_id = ?", userID).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&ledgerSum).Error; err != nil {
		return fmt.Errorf("sum ledger: %w", err)
	}

	var state db.UserXPState
	if err := v.db.Where("user_id = ?", userID).First(&state).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if ledgerSum != 0 {
				report.add("user_xp_state", "present", "missing")
			}
			return nil
		}
		return fmt.Errorf("load xp state: %w", err)
	}

	if state.TotalXP != int(ledgerSum) {
		report.add("user_xp_state.total_xp", ledgerSum, state.TotalXP)
	}

	level, xpInLevel, xpToNext := LevelForTotalXP(state.TotalXP)
	if state.Level != level {
		report.add("user_xp_state.level", level, state.Level)
	}
	if state.XPInLevel != xpInLevel {
		report.add("user_xp_state.xp_in_level", xpInLevel, state.XPInLevel)
	}
	if state.XPToNextLevel != xpToNext {
		report.add("user_xp_state.xp_to_next_level", xpToNext, state.XPToNextLevel)
	}

	return nil
}

// validateReferentialIntegrity 检查每个进度行都引用该用户名下存在的习惯。
// 外键在语法上可空不可依赖，逻辑上必填，所以这里显式核查。
func (v *MigrationValidator) validateReferentialIntegrity(userID string, report *ValidationReport) error {
	var habits []db.Habit
	if err := v.db.Where("user_id = ?", userID).Find(&habits).Error; err != nil {
		return fmt.Errorf("load habits: %w", err)
	}

	known := make(map[uint]struct{}, len(habits))
	habitIDs := make([]uint, 0, len(habits))
	for _, habit := range habits {
		known[habit.ID] = struct{}{}
		habitIDs = append(habitIDs, habit.ID)

		if habit.GoalCount <= 0 {
			report.add(fmt.Sprintf("habit[%s].goal_count", habit.UID), "> 0", habit.GoalCount)
		}
		if habit.Kind != db.HabitKindFormation && habit.Kind != db.HabitKindBreaking {
			report.add(fmt.Sprintf("habit[%s].kind", habit.UID), "formation|breaking", habit.Kind)
		}
	}

	if len(habitIDs) == 0 {
		return nil
	}

	var rows []db.DailyProgress
	if err := v.db.Where("habit_id IN ?", habitIDs).Find(&rows).Error; err != nil {
		return fmt.Errorf("load daily progress: %w", err)
	}

	for _, row := range rows {
		if _, ok := known[row.HabitID]; !ok {
			report.add(fmt.Sprintf("daily_progress[%d].habit_id", row.ID), "existing habit", row.HabitID)
		}
		if row.GoalCountSnapshot <= 0 {
			report.add(fmt.Sprintf("daily_progress[%d].goal_count_snapshot", row.ID), "> 0", row.GoalCountSnapshot)
		}
	}

	var orphanCount int64
	if err := v.db.Model(&db.DailyProgress{}).
		Joins("LEFT JOIN habits ON habits.id = daily_progress.habit_id AND habits.deleted_at IS NULL").
		Where("habits.id IS NULL").
		Count(&orphanCount).Error; err != nil {
		return fmt.Errorf("count orphan progress: %w", err)
	}
	if orphanCount > 0 {
		report.add("daily_progress.orphans", 0, orphanCount)
	}

	return nil
}

func sameDatePtr(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return dateOnly(*a).Equal(dateOnly(*b))
}

func formatDatePtr(t *time.Time) string {
	if t == nil {
		return "<none>"
	}
	return dateOnly(*t).Format("2006-01-02")
}
