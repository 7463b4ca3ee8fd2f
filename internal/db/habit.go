package db

import (
	"time"

	"gorm.io/gorm"
)

const (
	// HabitKindFormation 表示养成型习惯，历史进度取自 completion_history。
	HabitKindFormation = "formation"
	// HabitKindBreaking 表示戒除型习惯，历史进度取自 actual_usage。
	HabitKindBreaking = "breaking"
)

// Habit 是迁移后规范化的习惯模型
// 日程通过 ScheduleType + 参数列描述，由 internal/schedule 负责解析与还原
// GoalCount/GoalUnit 来自自由文本目标的解析结果
type Habit struct {
	gorm.Model
	UID               string `gorm:"size:64;uniqueIndex;not null"`
	UserID            string `gorm:"size:64;index;not null"`
	Name              string
	Kind              string `gorm:"size:16"`
	GoalCount         int
	GoalUnit          string `gorm:"size:32"`
	ScheduleType      string `gorm:"size:24"`
	ScheduleInterval  int
	ScheduleWeekdays  string `gorm:"size:32"`
	ScheduleFrequency int
	Baseline          *int
	StartDate         time.Time
	EndDate           *time.Time
}

// DailyProgress 记录习惯单日进度
// Habit + Date 采用唯一索引，保证同一天只有一行；GoalCountSnapshot 在建行时冻结，
// 之后修改 Habit.GoalCount 不会回溯改变历史完成判定
type DailyProgress struct {
	gorm.Model
	HabitID           uint      `gorm:"index;index:idx_daily_progress_unique,unique;not null"`
	Habit             Habit     `gorm:"constraint:OnDelete:CASCADE"`
	Date              time.Time `gorm:"index:idx_daily_progress_unique,unique"`
	ProgressCount     int
	GoalCountSnapshot int
	Timestamps        string `gorm:"type:text"`
	Difficulty        *int
	Skipped           bool
}

// TableName 重写确保唯一索引作用到 habit_id + date
func (DailyProgress) TableName() string {
	return "daily_progress"
}

// VacationWindow 描述用户的休假区间，区间内的习惯不参与连胜判定
type VacationWindow struct {
	gorm.Model
	UserID    string `gorm:"size:64;index;not null"`
	StartDate time.Time
	EndDate   time.Time
}

// DateOnly 把时间归一化到当日零点，所有按天索引的列都使用该形式。
func DateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
