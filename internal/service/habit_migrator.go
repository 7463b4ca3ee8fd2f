package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/chloHabitto/Habitto-sub018/internal/db"
	"github.com/chloHabitto/Habitto-sub018/internal/schedule"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// 旧版历史字典的日期键格式。
const legacyDateLayout = "2006-01-02"

// ErrAlreadyMigrated 在迁移标记已存在时返回，调用方必须先回滚才能重跑
var ErrAlreadyMigrated = errors.New("user already migrated")

// HabitMigrationSummary 汇总一次习惯迁移（或演练）的计数。
type HabitMigrationSummary struct {
	HabitsCreated       int
	ProgressRowsCreated int
	SkippedCount        int
	ParseWarnings       int
}

// HabitMigrator 把旧版扁平习惯记录转换为规范化习惯加逐日进度行
// dryRun 走完全相同的计算但不落库，返回同样的摘要供提交前检视
type HabitMigrator struct {
	db     *gorm.DB
	legacy LegacyStore
}

// NewHabitMigrator 构造 HabitMigrator
func NewHabitMigrator(gdb *gorm.DB, legacy LegacyStore) *HabitMigrator {
	return &HabitMigrator{db: gdb, legacy: legacy}
}

type migratedHabit struct {
	habit    db.Habit
	progress []db.DailyProgress
}

// Run 迁移单个用户的全部习惯。
// 无法解析的日期键只计入 SkippedCount，绝不中断整批；
// 无法解析的日程回退 Daily 并计入 ParseWarnings。
func (m *HabitMigrator) Run(userID string, dryRun bool) (*HabitMigrationSummary, error) {
	migrated, err := markerExists(m.db, userID)
	if err != nil {
		return nil, err
	}
	if migrated {
		return nil, ErrAlreadyMigrated
	}

	converted, summary, err := m.convertAll(userID)
	if err != nil {
		return nil, err
	}

	if dryRun {
		return summary, nil
	}

	err = m.db.Transaction(func(tx *gorm.DB) error {
		for i := range converted {
			if err := tx.Create(&converted[i].habit).Error; err != nil {
				return fmt.Errorf("create habit %s: %w", converted[i].habit.UID, err)
			}
			for j := range converted[i].progress {
				converted[i].progress[j].HabitID = converted[i].habit.ID
				if err := tx.Create(&converted[i].progress[j]).Error; err != nil {
					return fmt.Errorf("create daily progress: %w", err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return summary, nil
}

// convertAll 完成整批转换但不落库，Run 与编排器的演练阶段共用。
func (m *HabitMigrator) convertAll(userID string) ([]migratedHabit, *HabitMigrationSummary, error) {
	records, err := m.legacy.ReadAllLegacyHabits(userID)
	if err != nil {
		return nil, nil, err
	}

	summary := &HabitMigrationSummary{}
	converted := make([]migratedHabit, 0, len(records))
	for _, record := range records {
		result, err := m.convert(record, summary)
		if err != nil {
			return nil, nil, err
		}
		converted = append(converted, *result)
	}

	summary.HabitsCreated = len(converted)
	return converted, summary, nil
}

// convert 转换单条旧记录：解析日程与目标，按 kind 选择历史字典来源。
func (m *HabitMigrator) convert(record db.LegacyHabitRecord, summary *HabitMigrationSummary) (*migratedHabit, error) {
	parsed, ok := schedule.Parse(record.ScheduleText)
	if !ok {
		summary.ParseWarnings++
	}

	goalCount, goalUnit := schedule.ParseGoal(record.GoalText)

	uid := record.UID
	if uid == "" {
		uid = uuid.NewString()
	}

	habit := db.Habit{
		UID:               uid,
		UserID:            record.UserID,
		Name:              record.Name,
		Kind:              record.Kind,
		GoalCount:         goalCount,
		GoalUnit:          goalUnit,
		ScheduleType:      string(parsed.Kind),
		ScheduleInterval:  parsed.Interval,
		ScheduleWeekdays:  schedule.EncodeWeekdays(parsed.Weekdays),
		ScheduleFrequency: parsed.Frequency,
		Baseline:          record.Baseline,
		StartDate:         db.DateOnly(record.StartDate),
		EndDate:           record.EndDate,
	}

	historyRaw := record.CompletionHistory
	if record.Kind == db.HabitKindBreaking {
		historyRaw = record.ActualUsage
	}
	history, err := db.DecodeHistory(historyRaw)
	if err != nil {
		return nil, fmt.Errorf("habit %s: %w", uid, err)
	}

	difficulty, err := db.DecodeHistory(record.DifficultyHistory)
	if err != nil {
		return nil, fmt.Errorf("habit %s: %w", uid, err)
	}

	progress := make([]db.DailyProgress, 0, len(history))
	for key, count := range history {
		date, err := time.ParseInLocation(legacyDateLayout, key, time.UTC)
		if err != nil {
			summary.SkippedCount++
			continue
		}

		row := db.DailyProgress{
			Date:              date,
			ProgressCount:     count,
			GoalCountSnapshot: habit.GoalCount,
		}
		if value, ok := difficulty[key]; ok {
			d := value
			row.Difficulty = &d
		}
		progress = append(progress, row)
	}

	summary.ProgressRowsCreated += len(progress)

	return &migratedHabit{habit: habit, progress: progress}, nil
}

func markerExists(gdb *gorm.DB, userID string) (bool, error) {
	var marker db.MigrationRunMarker
	err := gdb.Where("user_id = ?", userID).First(&marker).Error
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("check migration marker: %w", err)
	}
}
