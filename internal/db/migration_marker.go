package db

import (
	"time"

	"gorm.io/gorm"
)

// MigrationRunMarker 是每用户的迁移幂等标记
// 提交成功时写入，回滚时删除；标记存在期间拒绝再次迁移
type MigrationRunMarker struct {
	gorm.Model
	UserID      string `gorm:"size:64;uniqueIndex;not null"`
	RunUID      string `gorm:"size:64"`
	CompletedAt time.Time
}
