package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/chloHabitto/Habitto-sub018/internal/db"
	"github.com/chloHabitto/Habitto-sub018/internal/schedule"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// XP 账本的固定分录事由。
const (
	XPReasonOpeningBalance = "migration_opening_balance"
	XPReasonDailyComplete  = "daily_complete"
	XPReasonDailyReversed  = "daily_complete_reversed"
)

// ErrMigrationNotEnabled 在灰度开关未放量到该用户时返回
var ErrMigrationNotEnabled = errors.New("migration not enabled for user")

// StageResult 记录单个迁移阶段的计数与耗时。
type StageResult struct {
	Name     string
	Counts   map[string]int
	Duration time.Duration
}

// MigrationSummary 汇总一次迁移（提交或演练）的整体结果。
// Success 表示所有阶段都已执行完毕；Validation 为提交后独立校验的结果，
// 校验不通过不会自动回滚，但数据应被视为未就绪。
type MigrationSummary struct {
	UserID        string
	RunUID        string
	DryRun        bool
	Success       bool
	FailedStage   string
	Stages        []StageResult
	TotalDuration time.Duration
	Validation    *ValidationReport
}

// MigrationOrchestrator 按固定顺序驱动三个迁移阶段：
// 习惯迁移 -> 连胜播种 -> XP 开账，全部成功后写入幂等标记并交给校验器。
// 阶段各自在一个事务里提交；失败阶段中止后续阶段，但保留已提交阶段供诊断，
// 由操作员显式调用 Rollback 清场后才能重跑。
type MigrationOrchestrator struct {
	db        *gorm.DB
	legacy    LegacyStore
	migrator  *HabitMigrator
	ledger    *XPLedgerService
	validator *MigrationValidator
	flags     *FeatureFlagService
	telemetry TelemetryEmitter
	now       func() time.Time
}

// NewMigrationOrchestrator 构造 MigrationOrchestrator
func NewMigrationOrchestrator(
	gdb *gorm.DB,
	legacy LegacyStore,
	ledger *XPLedgerService,
	flags *FeatureFlagService,
	telemetry TelemetryEmitter,
) *MigrationOrchestrator {
	return &MigrationOrchestrator{
		db:        gdb,
		legacy:    legacy,
		migrator:  NewHabitMigrator(gdb, legacy),
		ledger:    ledger,
		validator: NewMigrationValidator(gdb, flags),
		flags:     flags,
		telemetry: telemetry,
		now:       time.Now,
	}
}

// WithClock 允许测试注入固定时钟。
func (o *MigrationOrchestrator) WithClock(now func() time.Time) *MigrationOrchestrator {
	if now != nil {
		o.now = now
		o.validator.WithClock(now)
	}
	return o
}

func (o *MigrationOrchestrator) emit(event string, fields map[string]any) {
	if o.telemetry != nil {
		o.telemetry.Emit(event, fields)
	}
}

// DryRun 执行每个阶段的完整计算但不落任何库，供提交前检视。
func (o *MigrationOrchestrator) DryRun(userID string) (*MigrationSummary, error) {
	return o.run(userID, true)
}

// Commit 执行并提交迁移，成功后写入幂等标记并立即做独立校验。
func (o *MigrationOrchestrator) Commit(userID string) (*MigrationSummary, error) {
	if o.flags != nil && !o.flags.ShouldRunMigration(userID) {
		return nil, ErrMigrationNotEnabled
	}
	return o.run(userID, false)
}

func (o *MigrationOrchestrator) run(userID string, dryRun bool) (*MigrationSummary, error) {
	summary := &MigrationSummary{
		UserID: userID,
		RunUID: uuid.NewString(),
		DryRun: dryRun,
	}
	startedAt := o.now()

	o.emit("migration_start", map[string]any{"user_id": userID, "run_uid": summary.RunUID, "dry_run": dryRun})

	stages := []struct {
		name string
		run  func(userID string, dryRun bool) (map[string]int, error)
	}{
		{"habits", o.runHabitStage},
		{"streak", o.runStreakStage},
		{"xp", o.runXPStage},
	}

	for _, stage := range stages {
		stageStart := o.now()
		counts, err := stage.run(userID, dryRun)
		result := StageResult{Name: stage.name, Counts: counts, Duration: o.now().Sub(stageStart)}
		if err != nil {
			summary.FailedStage = stage.name
			summary.TotalDuration = o.now().Sub(startedAt)
			o.emit("migration_failure", map[string]any{"user_id": userID, "stage": stage.name, "error": err.Error()})
			return summary, fmt.Errorf("stage %s: %w", stage.name, err)
		}
		summary.Stages = append(summary.Stages, result)
		o.emit("migration_progress", map[string]any{"user_id": userID, "stage": stage.name})
	}

	if !dryRun {
		marker := db.MigrationRunMarker{UserID: userID, RunUID: summary.RunUID, CompletedAt: o.now()}
		if err := o.db.Create(&marker).Error; err != nil {
			summary.FailedStage = "marker"
			return summary, fmt.Errorf("set migration marker: %w", err)
		}

		report, err := o.validator.Validate(userID)
		if err != nil {
			return summary, err
		}
		summary.Validation = report
	}

	summary.Success = true
	summary.TotalDuration = o.now().Sub(startedAt)
	o.emit("migration_complete", map[string]any{
		"user_id":  userID,
		"run_uid":  summary.RunUID,
		"dry_run":  dryRun,
		"duration": summary.TotalDuration.String(),
	})

	return summary, nil
}

func (o *MigrationOrchestrator) runHabitStage(userID string, dryRun bool) (map[string]int, error) {
	habitSummary, err := o.migrator.Run(userID, dryRun)
	if err != nil {
		return nil, err
	}
	return map[string]int{
		"habits_created":        habitSummary.HabitsCreated,
		"progress_rows_created": habitSummary.ProgressRowsCreated,
		"skipped":               habitSummary.SkippedCount,
		"parse_warnings":        habitSummary.ParseWarnings,
	}, nil
}

// runStreakStage 用刚迁出的规范化数据重算两种连胜并播种 GlobalStreak。
func (o *MigrationOrchestrator) runStreakStage(userID string, dryRun bool) (map[string]int, error) {
	mode := CompletionModeFull
	if o.flags != nil {
		mode = o.flags.CompletionMode()
	}

	var input StreakInput
	var err error
	if dryRun {
		input, err = o.dryRunStreakInput(userID, mode)
	} else {
		input, err = loadStreakInput(o.db, userID, mode)
	}
	if err != nil {
		return nil, err
	}

	today := o.now()
	current := ComputeCurrentStreak(input, today)
	longest := ComputeLongestStreak(input, today)

	counts := map[string]int{
		"current_streak":      current.CurrentStreak,
		"longest_streak":      longest.LongestStreak,
		"total_complete_days": longest.TotalCompleteDays,
	}

	if dryRun {
		return counts, nil
	}

	err = o.db.Transaction(func(tx *gorm.DB) error {
		streak := db.GlobalStreak{
			UserID:            userID,
			CurrentStreak:     current.CurrentStreak,
			LongestStreak:     longest.LongestStreak,
			TotalCompleteDays: longest.TotalCompleteDays,
			LastCompleteDate:  current.LastCompleteDate,
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"current_streak", "longest_streak", "total_complete_days", "last_complete_date", "updated_at"}),
		}).Create(&streak).Error; err != nil {
			return fmt.Errorf("seed global streak: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return counts, nil
}

// dryRunStreakInput 在演练模式下用内存中的转换结果装配输入，习惯 ID 用序号代替。
func (o *MigrationOrchestrator) dryRunStreakInput(userID string, mode CompletionMode) (StreakInput, error) {
	converted, _, err := o.migrator.convertAll(userID)
	if err != nil {
		return StreakInput{}, err
	}

	input := StreakInput{Mode: mode}
	for i, item := range converted {
		syntheticID := uint(i + 1)
		weekdays, err := schedule.DecodeWeekdays(item.habit.ScheduleWeekdays)
		if err != nil {
			return StreakInput{}, err
		}
		input.Habits = append(input.Habits, StreakHabit{
			HabitID: syntheticID,
			Schedule: schedule.Schedule{
				Kind:      schedule.Kind(item.habit.ScheduleType),
				Interval:  item.habit.ScheduleInterval,
				Weekdays:  weekdays,
				Frequency: item.habit.ScheduleFrequency,
			},
			StartDate: item.habit.StartDate,
			EndDate:   item.habit.EndDate,
		})
		for _, row := range item.progress {
			input.Records = append(input.Records, DayRecord{
				HabitID:           syntheticID,
				Date:              row.Date,
				ProgressCount:     row.ProgressCount,
				GoalCountSnapshot: row.GoalCountSnapshot,
				Skipped:           row.Skipped,
			})
		}
	}

	var vacations []db.VacationWindow
	if err := o.db.Where("user_id = ?", userID).Find(&vacations).Error; err != nil {
		return StreakInput{}, fmt.Errorf("load vacation windows: %w", err)
	}
	for _, window := range vacations {
		input.Vacations = append(input.Vacations, DateRange{Start: window.StartDate, End: window.EndDate})
	}

	return input, nil
}

// runXPStage 读取旧版累计 XP，写一条等额开账分录并派生等级状态。
func (o *MigrationOrchestrator) runXPStage(userID string, dryRun bool) (map[string]int, error) {
	legacyTotal, err := o.legacy.ReadLegacyXPTotal(userID)
	if err != nil {
		return nil, err
	}

	level, xpInLevel, _ := LevelForTotalXP(legacyTotal)
	counts := map[string]int{
		"opening_balance": legacyTotal,
		"level":           level,
		"xp_in_level":     xpInLevel,
	}

	if dryRun {
		return counts, nil
	}

	if legacyTotal > 0 {
		if err := o.ledger.Award(userID, legacyTotal, XPReasonOpeningBalance, o.now()); err != nil {
			return nil, err
		}
		return counts, nil
	}

	// 旧版总分为 0 时不留分录，但仍建立派生状态行
	if err := o.ledger.RepairIntegrity(userID); err != nil {
		return nil, err
	}
	return counts, nil
}

// Rollback 删除该用户的全部规范化实体并清除迁移标记，允许重新迁移。
func (o *MigrationOrchestrator) Rollback(userID string) error {
	err := o.db.Transaction(func(tx *gorm.DB) error {
		var habitIDs []uint
		if err := tx.Model(&db.Habit{}).Where("user_id = ?", userID).Pluck("id", &habitIDs).Error; err != nil {
			return fmt.Errorf("list habit ids: %w", err)
		}

		if len(habitIDs) > 0 {
			if err := tx.Unscoped().Where("habit_id IN ?", habitIDs).Delete(&db.DailyProgress{}).Error; err != nil {
				return fmt.Errorf("delete daily progress: %w", err)
			}
		}

		// 硬删除，避免软删行占住唯一索引阻碍重迁移
		targets := []any{
			&db.Habit{},
			&db.GlobalStreak{},
			&db.XPLedgerEntry{},
			&db.UserXPState{},
			&db.AuditSnapshot{},
			&db.MigrationRunMarker{},
		}
		for _, target := range targets {
			if err := tx.Unscoped().Where("user_id = ?", userID).Delete(target).Error; err != nil {
				return fmt.Errorf("rollback delete: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	o.emit("migration_rollback", map[string]any{"user_id": userID})
	return nil
}

// Status 报告用户当前的迁移标记状态。
func (o *MigrationOrchestrator) Status(userID string) (*db.MigrationRunMarker, bool, error) {
	var marker db.MigrationRunMarker
	err := o.db.Where("user_id = ?", userID).First(&marker).Error
	switch {
	case err == nil:
		return &marker, true, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil, false, nil
	default:
		return nil, false, fmt.Errorf("load migration marker: %w", err)
	}
}

// Validate 暴露独立校验，供标记已存在时的事后复查。
func (o *MigrationOrchestrator) Validate(userID string) (*ValidationReport, error) {
	return o.validator.Validate(userID)
}
