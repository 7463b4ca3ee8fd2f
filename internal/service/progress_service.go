package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/chloHabitto/Habitto-sub018/internal/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// 单日全部完成的固定奖励。
const xpPerCompleteDay = 50

// ErrHabitNotFound 在指定习惯不存在时返回
var ErrHabitNotFound = errors.New("habit not found")

// ProgressService 承载迁移后线上路径的进度增减。
// 同一 (habit, date) 的并发增减全部串行通过行锁事务这一条单写路径，
// 避免计数器上的丢失更新；当日整体完成态翻转时同步奖励或冲正 XP，
// 并整体刷新 GlobalStreak。
type ProgressService struct {
	db     *gorm.DB
	ledger *XPLedgerService
	flags  *FeatureFlagService
	now    func() time.Time
}

// NewProgressService 构造 ProgressService
func NewProgressService(gdb *gorm.DB, ledger *XPLedgerService, flags *FeatureFlagService) *ProgressService {
	return &ProgressService{db: gdb, ledger: ledger, flags: flags, now: time.Now}
}

// WithClock 允许测试注入固定时钟。
func (s *ProgressService) WithClock(now func() time.Time) *ProgressService {
	if now != nil {
		s.now = now
	}
	return s
}

// Increment 将指定习惯某日的进度加一。
func (s *ProgressService) Increment(habitUID string, date time.Time) (*db.DailyProgress, error) {
	return s.adjust(habitUID, date, 1)
}

// Decrement 将指定习惯某日的进度减一，最低减到零。
func (s *ProgressService) Decrement(habitUID string, date time.Time) (*db.DailyProgress, error) {
	return s.adjust(habitUID, date, -1)
}

// SetSkipped 显式标记/取消标记某日跳过；跳过的习惯不参与当日完成判定。
func (s *ProgressService) SetSkipped(habitUID string, date time.Time, skipped bool) (*db.DailyProgress, error) {
	habit, err := s.habitByUID(habitUID)
	if err != nil {
		return nil, err
	}

	day := db.DateOnly(date)
	mode := s.completionMode()

	before, err := s.classifyUserDay(habit.UserID, day, mode)
	if err != nil {
		return nil, err
	}

	var row db.DailyProgress
	err = s.db.Transaction(func(tx *gorm.DB) error {
		locked, err := lockProgressRow(tx, habit, day)
		if err != nil {
			return err
		}
		locked.Skipped = skipped
		if err := tx.Save(locked).Error; err != nil {
			return fmt.Errorf("save daily progress: %w", err)
		}
		row = *locked
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := s.settleDayFlip(habit.UserID, day, before, mode); err != nil {
		return nil, err
	}
	return &row, nil
}

func (s *ProgressService) adjust(habitUID string, date time.Time, delta int) (*db.DailyProgress, error) {
	habit, err := s.habitByUID(habitUID)
	if err != nil {
		return nil, err
	}

	day := db.DateOnly(date)
	mode := s.completionMode()

	before, err := s.classifyUserDay(habit.UserID, day, mode)
	if err != nil {
		return nil, err
	}

	var row db.DailyProgress
	err = s.db.Transaction(func(tx *gorm.DB) error {
		locked, err := lockProgressRow(tx, habit, day)
		if err != nil {
			return err
		}

		locked.ProgressCount += delta
		if locked.ProgressCount < 0 {
			locked.ProgressCount = 0
		}
		if delta > 0 {
			locked.Timestamps = appendTimestamp(locked.Timestamps, s.now())
		}
		if err := tx.Save(locked).Error; err != nil {
			return fmt.Errorf("save daily progress: %w", err)
		}
		row = *locked
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := s.settleDayFlip(habit.UserID, day, before, mode); err != nil {
		return nil, err
	}
	return &row, nil
}

// appendTimestamp 把本次打卡时刻追加到该行的打卡时刻列表。
func appendTimestamp(existing string, at time.Time) string {
	stamp := at.UTC().Format(time.RFC3339)
	if existing == "" {
		return stamp
	}
	return existing + "," + stamp
}

// lockProgressRow 行锁读取当日进度行，不存在时创建并冻结目标快照。
func lockProgressRow(tx *gorm.DB, habit *db.Habit, day time.Time) (*db.DailyProgress, error) {
	var row db.DailyProgress
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("habit_id = ? AND date = ?", habit.ID, day).
		First(&row).Error

	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		row = db.DailyProgress{
			HabitID:           habit.ID,
			Date:              day,
			GoalCountSnapshot: habit.GoalCount,
		}
		if err := tx.Create(&row).Error; err != nil {
			return nil, fmt.Errorf("create daily progress: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("lock daily progress: %w", err)
	}

	return &row, nil
}

func (s *ProgressService) habitByUID(habitUID string) (*db.Habit, error) {
	var habit db.Habit
	if err := s.db.Where("uid = ?", habitUID).First(&habit).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrHabitNotFound
		}
		return nil, fmt.Errorf("load habit: %w", err)
	}
	return &habit, nil
}

func (s *ProgressService) completionMode() CompletionMode {
	if s.flags != nil {
		return s.flags.CompletionMode()
	}
	return CompletionModeFull
}

func (s *ProgressService) classifyUserDay(userID string, day time.Time, mode CompletionMode) (dayState, error) {
	input, err := loadStreakInput(s.db, userID, mode)
	if err != nil {
		return dayNeutral, err
	}
	return newStreakIndex(input).classifyDay(day), nil
}

// settleDayFlip 在当日完成态翻转时奖励/冲正 XP 并刷新全局连胜。
func (s *ProgressService) settleDayFlip(userID string, day time.Time, before dayState, mode CompletionMode) error {
	after, err := s.classifyUserDay(userID, day, mode)
	if err != nil {
		return err
	}
	if after == before {
		return nil
	}

	if after == dayComplete && before != dayComplete {
		if err := s.ledger.Award(userID, xpPerCompleteDay, XPReasonDailyComplete, s.now()); err != nil {
			return err
		}
	}
	if before == dayComplete && after != dayComplete {
		if err := s.ledger.Reverse(userID, xpPerCompleteDay, XPReasonDailyReversed, s.now()); err != nil {
			return err
		}
	}

	return s.refreshGlobalStreak(userID, mode)
}

// refreshGlobalStreak 用纯函数整体重算并回写全局连胜。
func (s *ProgressService) refreshGlobalStreak(userID string, mode CompletionMode) error {
	input, err := loadStreakInput(s.db, userID, mode)
	if err != nil {
		return err
	}

	today := s.now()
	current := ComputeCurrentStreak(input, today)
	longest := ComputeLongestStreak(input, today)

	streak := db.GlobalStreak{
		UserID:            userID,
		CurrentStreak:     current.CurrentStreak,
		LongestStreak:     longest.LongestStreak,
		TotalCompleteDays: longest.TotalCompleteDays,
		LastCompleteDate:  current.LastCompleteDate,
	}
	if err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"current_streak", "longest_streak", "total_complete_days", "last_complete_date", "updated_at"}),
	}).Create(&streak).Error; err != nil {
		return fmt.Errorf("refresh global streak: %w", err)
	}
	return nil
}

// StreakFor 返回用户当前的全局连胜聚合。
func (s *ProgressService) StreakFor(userID string) (*db.GlobalStreak, error) {
	var streak db.GlobalStreak
	if err := s.db.Where("user_id = ?", userID).First(&streak).Error; err != nil {
		return nil, fmt.Errorf("load global streak: %w", err)
	}
	return &streak, nil
}
