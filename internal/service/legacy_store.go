package service

import (
	"errors"
	"fmt"

	"github.com/chloHabitto/Habitto-sub018/internal/db"
	"gorm.io/gorm"
)

// LegacyStore 是迁移引擎对旧版存储的唯一依赖面。
// 引擎只读取，永不写回；具体实现（表、文件、远端）对引擎透明。
type LegacyStore interface {
	ReadAllLegacyHabits(userID string) ([]db.LegacyHabitRecord, error)
	ReadLegacyXPTotal(userID string) (int, error)
}

// GormLegacyStore 以本地表形式承载旧版记录。
type GormLegacyStore struct {
	db *gorm.DB
}

// NewGormLegacyStore 构造 GormLegacyStore
func NewGormLegacyStore(gdb *gorm.DB) *GormLegacyStore {
	return &GormLegacyStore{db: gdb}
}

// ReadAllLegacyHabits 返回用户全部旧版习惯记录。
func (s *GormLegacyStore) ReadAllLegacyHabits(userID string) ([]db.LegacyHabitRecord, error) {
	var records []db.LegacyHabitRecord
	if err := s.db.Where("user_id = ?", userID).
		Order("created_at ASC").
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("read legacy habits: %w", err)
	}
	return records, nil
}

// ReadLegacyXPTotal 返回旧版累计 XP 总值；没有记录时视为 0。
func (s *GormLegacyStore) ReadLegacyXPTotal(userID string) (int, error) {
	var total db.LegacyXPTotal
	if err := s.db.Where("user_id = ?", userID).First(&total).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("read legacy xp total: %w", err)
	}
	return total.TotalXP, nil
}
