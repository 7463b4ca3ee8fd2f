// Package schedule 负责把旧版自由文本日程解析成类型化日程，并回答按日的应打卡判定。
package schedule

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Kind 枚举类型化日程的种类。
type Kind string

const (
	// KindDaily 表示每天打卡。
	KindDaily Kind = "daily"
	// KindEveryNDays 表示从起始日起每 N 天打卡一次。
	KindEveryNDays Kind = "every_n_days"
	// KindSpecificWeekdays 表示仅在指定星期几打卡。
	KindSpecificWeekdays Kind = "specific_weekdays"
	// KindFrequencyWeekly 表示每周完成 N 天，具体哪天由用户决定。
	KindFrequencyWeekly Kind = "frequency_weekly"
	// KindFrequencyMonthly 表示每月完成 N 天，具体哪天由用户决定。
	KindFrequencyMonthly Kind = "frequency_monthly"
)

// Schedule 是解析后的类型化日程，除 Kind 外仅与其对应的参数字段有效。
type Schedule struct {
	Kind      Kind
	Interval  int
	Weekdays  []time.Weekday
	Frequency int
}

var (
	everyNDaysPattern  = regexp.MustCompile(`every\s+(\d+)\s+days?`)
	frequencyPattern   = regexp.MustCompile(`(\d+)\s+(?:days?|times?)\s+(?:a|per)\s+(week|month)`)
	wordFrequencyRates = map[string]int{"once": 1, "twice": 2}
	firstIntPattern    = regexp.MustCompile(`(\d+)\s*([a-zA-Z]*)`)
)

var weekdayNames = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// Parse 把自由文本日程解析成 Schedule。
// 分类顺序是刻意的：先每日同义词，再 every N days（含逗号时拒绝，避免吃掉星期列表），
// 再按周/按月频率，最后才匹配星期名，因为星期子串可能出现在其他句式里。
// 无法解析时回退 Daily 并返回 ok=false，由调用方累计告警计数。
func Parse(text string) (Schedule, bool) {
	normalized := strings.ToLower(strings.TrimSpace(text))

	switch normalized {
	case "everyday", "every day", "daily":
		return Schedule{Kind: KindDaily}, true
	}

	if !strings.Contains(normalized, ",") {
		if m := everyNDaysPattern.FindStringSubmatch(normalized); m != nil {
			n, err := strconv.Atoi(m[1])
			if err == nil && n > 0 {
				if n == 1 {
					return Schedule{Kind: KindDaily}, true
				}
				return Schedule{Kind: KindEveryNDays, Interval: n}, true
			}
		}
	}

	if m := frequencyPattern.FindStringSubmatch(normalized); m != nil {
		n, err := strconv.Atoi(m[1])
		if err == nil && n > 0 {
			return frequencySchedule(n, m[2]), true
		}
	}
	for word, rate := range wordFrequencyRates {
		if strings.Contains(normalized, word+" a week") || strings.Contains(normalized, word+" per week") {
			return frequencySchedule(rate, "week"), true
		}
		if strings.Contains(normalized, word+" a month") || strings.Contains(normalized, word+" per month") {
			return frequencySchedule(rate, "month"), true
		}
	}

	if weekdays := matchWeekdays(normalized); len(weekdays) > 0 {
		return Schedule{Kind: KindSpecificWeekdays, Weekdays: weekdays}, true
	}

	return Schedule{Kind: KindDaily}, false
}

func frequencySchedule(n int, period string) Schedule {
	if period == "month" {
		return Schedule{Kind: KindFrequencyMonthly, Frequency: n}
	}
	return Schedule{Kind: KindFrequencyWeekly, Frequency: n}
}

func matchWeekdays(text string) []time.Weekday {
	seen := map[time.Weekday]struct{}{}
	for name, day := range weekdayNames {
		if strings.Contains(text, name) {
			seen[day] = struct{}{}
		}
	}
	if len(seen) == 0 {
		return nil
	}

	weekdays := make([]time.Weekday, 0, len(seen))
	for day := range seen {
		weekdays = append(weekdays, day)
	}
	sort.Slice(weekdays, func(i, j int) bool { return weekdays[i] < weekdays[j] })
	return weekdays
}

// IsDue 判断 date 当天该日程是否应打卡；start 之前恒为 false。
// 频率型日程恒为 true：哪几天计入周期目标由用户决定，而不是日程。
func (s Schedule) IsDue(date, start time.Time) bool {
	day := dateOnly(date)
	startDay := dateOnly(start)
	if day.Before(startDay) {
		return false
	}

	switch s.Kind {
	case KindEveryNDays:
		if s.Interval <= 1 {
			return true
		}
		days := int(day.Sub(startDay).Hours() / 24)
		return days%s.Interval == 0
	case KindSpecificWeekdays:
		for _, weekday := range s.Weekdays {
			if day.Weekday() == weekday {
				return true
			}
		}
		return false
	default:
		return true
	}
}

// GoalForPeriod 返回频率型日程的周期目标次数，非频率型返回 ok=false。
func (s Schedule) GoalForPeriod() (int, bool) {
	switch s.Kind {
	case KindFrequencyWeekly, KindFrequencyMonthly:
		return s.Frequency, true
	default:
		return 0, false
	}
}

// ParseGoal 宽容地解析自由文本目标：取第一个整数，其后的单词作为单位。
// 找不到整数时回退为 1 次，找不到单位时回退为 "time"。
func ParseGoal(text string) (int, string) {
	m := firstIntPattern.FindStringSubmatch(text)
	if m == nil {
		return 1, "time"
	}

	count, err := strconv.Atoi(m[1])
	if err != nil || count <= 0 {
		count = 1
	}

	unit := strings.ToLower(strings.TrimSpace(m[2]))
	if unit == "" {
		unit = "time"
	}
	return count, unit
}

// EncodeWeekdays 把星期集合编码为 CSV，供模型列存储。
func EncodeWeekdays(weekdays []time.Weekday) string {
	parts := make([]string, 0, len(weekdays))
	for _, day := range weekdays {
		parts = append(parts, strconv.Itoa(int(day)))
	}
	return strings.Join(parts, ",")
}

// DecodeWeekdays 从 CSV 还原星期集合，非法片段按解析错误返回。
func DecodeWeekdays(raw string) ([]time.Weekday, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, nil
	}

	parts := strings.Split(trimmed, ",")
	weekdays := make([]time.Weekday, 0, len(parts))
	for _, part := range parts {
		value, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || value < 0 || value > 6 {
			return nil, fmt.Errorf("invalid weekday value %q", part)
		}
		weekdays = append(weekdays, time.Weekday(value))
	}
	return weekdays, nil
}

func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
