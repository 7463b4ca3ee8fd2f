package db

import (
	"time"

	"gorm.io/gorm"
)

// XPLedgerEntry 是追加式 XP 账本分录，带符号、不可修改、不可删除
// 账本是 XP 的唯一事实来源，任何聚合状态都只是它的缓存
type XPLedgerEntry struct {
	gorm.Model
	UserID     string `gorm:"size:64;index;not null"`
	Amount     int    `gorm:"not null"`
	Reason     string `gorm:"size:64"`
	OccurredAt time.Time
}

// TableName 自定义表名以保持命名一致。
func (XPLedgerEntry) TableName() string {
	return "xp_ledger_entries"
}

// UserXPState 是每用户唯一的 XP 派生状态
// 不变量：TotalXP == 该用户全部账本分录之和；Level 由 TotalXP 按阈值函数唯一确定
type UserXPState struct {
	gorm.Model
	UserID        string `gorm:"size:64;uniqueIndex;not null"`
	TotalXP       int
	Level         int
	XPInLevel     int
	XPToNextLevel int
}
