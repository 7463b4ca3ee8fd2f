package service

import (
	"time"

	"github.com/chloHabitto/Habitto-sub018/internal/schedule"
)

// CompletionMode 是全局的单日完成判定模式，不是按习惯的设置。
type CompletionMode string

const (
	// CompletionModeFull 要求当日进度达到目标快照才算完成。
	CompletionModeFull CompletionMode = "full"
	// CompletionModePartial 只要求当日有任意进度即算完成。
	CompletionModePartial CompletionMode = "partial"
)

// 连胜回溯的成本上限：超过一年的历史不再重建。
const streakWindowDays = 365

// StreakHabit 是连胜计算所需的最小习惯视图。
type StreakHabit struct {
	HabitID   uint
	Schedule  schedule.Schedule
	StartDate time.Time
	EndDate   *time.Time
}

// DayRecord 是连胜计算所需的最小单日进度视图。
type DayRecord struct {
	HabitID           uint
	Date              time.Time
	ProgressCount     int
	GoalCountSnapshot int
	Skipped           bool
}

// DateRange 描述一个休假区间（闭区间，按天）。
type DateRange struct {
	Start time.Time
	End   time.Time
}

// StreakInput 是两种连胜扫描共享的不可变输入快照。
// 两个计算函数均为纯函数：无 I/O，相同输入必得相同输出，
// 因此同一份代码可以同时服务线上查询、迁移播种与事后审计。
type StreakInput struct {
	Habits    []StreakHabit
	Records   []DayRecord
	Vacations []DateRange
	Mode      CompletionMode
}

// CurrentStreakResult 是向后扫描的结果。
type CurrentStreakResult struct {
	CurrentStreak    int
	LastCompleteDate *time.Time
}

// LongestStreakResult 是向前扫描的结果，起止日期仅用于诊断输出。
type LongestStreakResult struct {
	LongestStreak     int
	TotalCompleteDays int
	RunStart          *time.Time
	RunEnd            *time.Time
}

type dayState int

const (
	dayNeutral dayState = iota
	dayComplete
	dayIncomplete
)

type streakIndex struct {
	input   StreakInput
	records map[uint]map[string]DayRecord
}

func newStreakIndex(input StreakInput) *streakIndex {
	records := make(map[uint]map[string]DayRecord, len(input.Habits))
	for _, record := range input.Records {
		byDate, ok := records[record.HabitID]
		if !ok {
			byDate = map[string]DayRecord{}
			records[record.HabitID] = byDate
		}
		byDate[dayKey(record.Date)] = record
	}
	return &streakIndex{input: input, records: records}
}

func dayKey(t time.Time) string {
	return t.Format("2006-01-02")
}

func (idx *streakIndex) onVacation(day time.Time) bool {
	for _, window := range idx.input.Vacations {
		if !day.Before(dateOnly(window.Start)) && !day.After(dateOnly(window.End)) {
			return true
		}
	}
	return false
}

// classifyDay 是两种扫描共用的单日判定。
// 先求当日应打卡集合，再剔除显式跳过与休假中的习惯；
// 集合为空即中性日，否则所有剩余习惯都满足完成判据才算完成日。
func (idx *streakIndex) classifyDay(day time.Time) dayState {
	active := 0
	allMet := true

	vacation := idx.onVacation(day)

	for _, habit := range idx.input.Habits {
		if !habit.Schedule.IsDue(day, habit.StartDate) {
			continue
		}
		if habit.EndDate != nil && day.After(dateOnly(*habit.EndDate)) {
			continue
		}
		if vacation {
			continue
		}

		record, hasRecord := idx.records[habit.HabitID][dayKey(day)]
		if hasRecord && record.Skipped {
			continue
		}

		active++
		if !idx.meetsCriterion(record, hasRecord) {
			allMet = false
		}
	}

	if active == 0 {
		return dayNeutral
	}
	if allMet {
		return dayComplete
	}
	return dayIncomplete
}

func (idx *streakIndex) meetsCriterion(record DayRecord, hasRecord bool) bool {
	if !hasRecord || record.ProgressCount <= 0 {
		return false
	}
	if idx.input.Mode == CompletionModePartial {
		return true
	}

	goal := record.GoalCountSnapshot
	if goal <= 0 {
		goal = 1
	}
	return record.ProgressCount >= goal
}

func earliestStartDate(habits []StreakHabit) (time.Time, bool) {
	var earliest time.Time
	found := false
	for _, habit := range habits {
		start := dateOnly(habit.StartDate)
		if !found || start.Before(earliest) {
			earliest = start
			found = true
		}
	}
	return earliest, found
}

func windowStart(habits []StreakHabit, today time.Time) (time.Time, bool) {
	earliest, found := earliestStartDate(habits)
	if !found {
		return time.Time{}, false
	}

	bound := dateOnly(today).AddDate(0, 0, -streakWindowDays)
	if earliest.Before(bound) {
		return bound, true
	}
	return earliest, true
}

// ComputeCurrentStreak 从 today 向后扫描当前连胜。
// 连续完成日递增连胜；中性日既不延长也不中断；遇到第一个未完成日终止——
// 唯一例外是 today 本身未完成：进行中的一天只被跳过，绝不清零已有连胜。
func ComputeCurrentStreak(input StreakInput, today time.Time) CurrentStreakResult {
	idx := newStreakIndex(input)
	result := CurrentStreakResult{}

	start, ok := windowStart(input.Habits, today)
	if !ok {
		return result
	}

	todayOnly := dateOnly(today)
	for day := todayOnly; !day.Before(start); day = day.AddDate(0, 0, -1) {
		switch idx.classifyDay(day) {
		case dayComplete:
			result.CurrentStreak++
			if result.LastCompleteDate == nil {
				lastComplete := day
				result.LastCompleteDate = &lastComplete
			}
		case dayNeutral:
			continue
		case dayIncomplete:
			if day.Equal(todayOnly) {
				continue
			}
			return result
		}
	}

	return result
}

// ComputeLongestStreak 在同一有界窗口内向前扫描最长连胜。
// 单日判定与向后扫描完全一致（中性日同样保持连续性），
// 但不适用 today 例外——它不锚定在"今天"。
func ComputeLongestStreak(input StreakInput, today time.Time) LongestStreakResult {
	idx := newStreakIndex(input)
	result := LongestStreakResult{}

	start, ok := windowStart(input.Habits, today)
	if !ok {
		return result
	}

	run := 0
	var runStart *time.Time

	todayOnly := dateOnly(today)
	for day := start; !day.After(todayOnly); day = day.AddDate(0, 0, 1) {
		switch idx.classifyDay(day) {
		case dayComplete:
			if run == 0 {
				first := day
				runStart = &first
			}
			run++
			result.TotalCompleteDays++
			if run > result.LongestStreak {
				result.LongestStreak = run
				result.RunStart = runStart
				last := day
				result.RunEnd = &last
			}
		case dayNeutral:
			continue
		case dayIncomplete:
			run = 0
			runStart = nil
		}
	}

	return result
}

func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
