package service

import (
	"fmt"

	"github.com/chloHabitto/Habitto-sub018/internal/db"
	"github.com/chloHabitto/Habitto-sub018/internal/schedule"
	"gorm.io/gorm"
)

// scheduleForHabit 从模型列还原类型化日程。
func scheduleForHabit(habit db.Habit) (schedule.Schedule, error) {
	weekdays, err := schedule.DecodeWeekdays(habit.ScheduleWeekdays)
	if err != nil {
		return schedule.Schedule{}, fmt.Errorf("habit %s: %w", habit.UID, err)
	}

	return schedule.Schedule{
		Kind:      schedule.Kind(habit.ScheduleType),
		Interval:  habit.ScheduleInterval,
		Weekdays:  weekdays,
		Frequency: habit.ScheduleFrequency,
	}, nil
}

// loadStreakInput 从规范化存储装配连胜计算的不可变输入快照。
// 迁移播种、校验、审计与线上查询共用这一份装配逻辑。
func loadStreakInput(gdb *gorm.DB, userID string, mode CompletionMode) (StreakInput, error) {
	input := StreakInput{Mode: mode}

	var habits []db.Habit
	if err := gdb.Where("user_id = ?", userID).Find(&habits).Error; err != nil {
		return input, fmt.Errorf("load habits: %w", err)
	}

	habitIDs := make([]uint, 0, len(habits))
	for _, habit := range habits {
		parsed, err := scheduleForHabit(habit)
		if err != nil {
			return input, err
		}
		input.Habits = append(input.Habits, StreakHabit{
			HabitID:   habit.ID,
			Schedule:  parsed,
			StartDate: habit.StartDate,
			EndDate:   habit.EndDate,
		})
		habitIDs = append(habitIDs, habit.ID)
	}

	if len(habitIDs) > 0 {
		var rows []db.DailyProgress
		if err := gdb.Where("habit_id IN ?", habitIDs).Find(&rows).Error; err != nil {
			return input, fmt.Errorf("load daily progress: %w", err)
		}
		for _, row := range rows {
			input.Records = append(input.Records, DayRecord{
				HabitID:           row.HabitID,
				Date:              row.Date,
				ProgressCount:     row.ProgressCount,
				GoalCountSnapshot: row.GoalCountSnapshot,
				Skipped:           row.Skipped,
			})
		}
	}

	var vacations []db.VacationWindow
	if err := gdb.Where("user_id = ?", userID).Find(&vacations).Error; err != nil {
		return input, fmt.Errorf("load vacation windows: %w", err)
	}
	for _, window := range vacations {
		input.Vacations = append(input.Vacations, DateRange{Start: window.StartDate, End: window.EndDate})
	}

	return input, nil
}
