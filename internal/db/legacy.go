package db

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// LegacyHabitRecord 对应迁移前的扁平习惯记录
// 三个历史字典以 JSON 文本落库（date-key -> count），读取时解码一次
// 该表对迁移引擎是只读输入，任何阶段都不得修改
type LegacyHabitRecord struct {
	gorm.Model
	UID               string `gorm:"size:64;index:idx_legacy_habit_unique,unique;not null"`
	UserID            string `gorm:"size:64;index;index:idx_legacy_habit_unique,unique;not null"`
	Name              string
	Kind              string `gorm:"size:16"`
	ScheduleText      string
	GoalText          string
	StartDate         time.Time
	EndDate           *time.Time
	CompletionHistory string `gorm:"type:text"`
	ActualUsage       string `gorm:"type:text"`
	DifficultyHistory string `gorm:"type:text"`
	Baseline          *int
	Target            *int
}

// TableName 自定义表名以保持命名一致。
func (LegacyHabitRecord) TableName() string {
	return "legacy_habit_records"
}

// LegacyXPTotal 保存旧版应用累计的用户 XP 总值，迁移时作为开账分录写入账本。
type LegacyXPTotal struct {
	gorm.Model
	UserID  string `gorm:"size:64;uniqueIndex;not null"`
	TotalXP int
}

// DecodeHistory 解码 JSON 历史字典；空串视为空字典。
func DecodeHistory(raw string) (map[string]int, error) {
	if raw == "" {
		return map[string]int{}, nil
	}
	var decoded map[string]int
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return decoded, nil
}

// EncodeHistory 编码历史字典为 JSON 文本，主要供测试数据构造使用。
func EncodeHistory(history map[string]int) (string, error) {
	encoded, err := json.Marshal(history)
	if err != nil {
		return "", fmt.Errorf("encode history: %w", err)
	}
	return string(encoded), nil
}
