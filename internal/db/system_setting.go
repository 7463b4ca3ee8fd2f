package db

import "gorm.io/gorm"

// SystemSetting 存储后台可配置的系统级键值对。
type SystemSetting struct {
	gorm.Model
	Key   string `gorm:"size:100;uniqueIndex;not null"`
	Value string `gorm:"type:text"`
}

// TableName 自定义表名以保持命名一致。
func (SystemSetting) TableName() string {
	return "system_settings"
}

const (
	// SettingKeyMigrationRolloutPercent 表示迁移灰度放量百分比（0-100）。
	SettingKeyMigrationRolloutPercent = "migration_rollout_percent"
	// SettingKeyCompletionMode 表示全局完成判定模式（full/partial）。
	SettingKeyCompletionMode = "completion_mode"
	// SettingKeyAuditIntervalHours 表示审计器独立重算的间隔小时数。
	SettingKeyAuditIntervalHours = "audit_interval_hours"
)
