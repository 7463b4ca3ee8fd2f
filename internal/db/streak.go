package db

import (
	"time"

	"gorm.io/gorm"
)

// GlobalStreak 是每用户唯一的全局连胜聚合
// 迁移时整体重算，之后由线上路径增量维护
// 不变量：LongestStreak >= CurrentStreak；TotalCompleteDays >= LongestStreak；
// CurrentStreak > 0 时 LastCompleteDate 必须存在
type GlobalStreak struct {
	gorm.Model
	UserID            string `gorm:"size:64;uniqueIndex;not null"`
	CurrentStreak     int
	LongestStreak     int
	TotalCompleteDays int
	LastCompleteDate  *time.Time
}

// AuditSnapshot 记录审计器上一次观察到的连胜状态
// Checksum 覆盖全部完成记录，用于区分"数据变了"与"数据没变但连胜回退"
type AuditSnapshot struct {
	gorm.Model
	UserID           string `gorm:"size:64;uniqueIndex;not null"`
	CurrentStreak    int
	LongestStreak    int
	LastCompleteDate *time.Time
	Checksum         uint32
	NextEligibleAt   time.Time
}
