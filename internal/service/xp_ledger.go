package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/chloHabitto/Habitto-sub018/internal/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// 升级步长：从 level 升到 level+1 需要 level*1000 XP。
const xpLevelStep = 1000

// ErrInvalidXPAmount 在奖励/冲正金额非正时返回
var ErrInvalidXPAmount = errors.New("xp amount must be positive")

// XPLedgerService 维护追加式 XP 账本与派生状态
// 账本分录只增不改不删；UserXPState 永远可以从账本整体重算出来
type XPLedgerService struct {
	db *gorm.DB
}

// NewXPLedgerService 构造 XPLedgerService
func NewXPLedgerService(gdb *gorm.DB) *XPLedgerService {
	return &XPLedgerService{db: gdb}
}

// LevelForTotalXP 由总 XP 确定性地推导 (level, xpInLevel, xpToNextLevel)。
// 累计阈值为 Σ_{i=1}^{level-1} i*1000，任何地方都不得独立存储等级。
func LevelForTotalXP(totalXP int) (level, xpInLevel, xpToNextLevel int) {
	if totalXP < 0 {
		totalXP = 0
	}

	level = 1
	remaining := totalXP
	for remaining >= level*xpLevelStep {
		remaining -= level * xpLevelStep
		level++
	}
	return level, remaining, level*xpLevelStep - remaining
}

// Award 追加一条正分录并同步派生状态。
func (s *XPLedgerService) Award(userID string, amount int, reason string, occurredAt time.Time) error {
	if amount <= 0 {
		return ErrInvalidXPAmount
	}
	return s.append(userID, amount, reason, occurredAt)
}

// Reverse 在已奖励的一天重新变为未完成时，按原始金额整额追加一条负分录。
// 不支持部分冲正。
func (s *XPLedgerService) Reverse(userID string, originalAmount int, reason string, occurredAt time.Time) error {
	if originalAmount <= 0 {
		return ErrInvalidXPAmount
	}
	return s.append(userID, -originalAmount, reason, occurredAt)
}

func (s *XPLedgerService) append(userID string, amount int, reason string, occurredAt time.Time) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		entry := db.XPLedgerEntry{
			UserID:     userID,
			Amount:     amount,
			Reason:     reason,
			OccurredAt: occurredAt,
		}
		if err := tx.Create(&entry).Error; err != nil {
			return fmt.Errorf("append ledger entry: %w", err)
		}

		state, err := lockXPState(tx, userID)
		if err != nil {
			return err
		}

		return applyXPTotal(tx, state, state.TotalXP+amount)
	})
}

// VerifyIntegrity 比较账本分录之和与派生状态是否一致。
func (s *XPLedgerService) VerifyIntegrity(userID string) (bool, error) {
	ledgerSum, err := s.LedgerSum(userID)
	if err != nil {
		return false, err
	}

	var state db.UserXPState
	if err := s.db.Where("user_id = ?", userID).First(&state).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledgerSum == 0, nil
		}
		return false, fmt.Errorf("load xp state: %w", err)
	}

	return state.TotalXP == ledgerSum, nil
}

// RepairIntegrity 发现不一致时以账本为准整体重算派生状态。
func (s *XPLedgerService) RepairIntegrity(userID string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var ledgerSum int64
		if err := tx.Model(&db.XPLedgerEntry{}).
			Where("user_id = ?", userID).
			Select("COALESCE(SUM(amount), 0)").
			Scan(&ledgerSum).Error; err != nil {
			return fmt.Errorf("sum ledger: %w", err)
		}

		state, err := lockXPState(tx, userID)
		if err != nil {
			return err
		}

		return applyXPTotal(tx, state, int(ledgerSum))
	})
}

// LedgerSum 返回用户全部分录之和。
func (s *XPLedgerService) LedgerSum(userID string) (int, error) {
	var sum int64
	if err := s.db.Model(&db.XPLedgerEntry{}).
		Where("user_id = ?", userID).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&sum).Error; err != nil {
		return 0, fmt.Errorf("sum ledger: %w", err)
	}
	return int(sum), nil
}

// StateFor 返回用户当前的 XP 派生状态。
func (s *XPLedgerService) StateFor(userID string) (*db.UserXPState, error) {
	var state db.UserXPState
	if err := s.db.Where("user_id = ?", userID).First(&state).Error; err != nil {
		return nil, fmt.Errorf("load xp state: %w", err)
	}
	return &state, nil
}

func lockXPState(tx *gorm.DB, userID string) (*db.UserXPState, error) {
	var state db.UserXPState
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		First(&state).Error

	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		state = db.UserXPState{UserID: userID}
		if err := tx.Create(&state).Error; err != nil {
			return nil, fmt.Errorf("create xp state: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("lock xp state: %w", err)
	}

	return &state, nil
}

func applyXPTotal(tx *gorm.DB, state *db.UserXPState, totalXP int) error {
	state.TotalXP = totalXP
	state.Level, state.XPInLevel, state.XPToNextLevel = LevelForTotalXP(totalXP)
	if err := tx.Save(state).Error; err != nil {
		return fmt.Errorf("save xp state: %w", err)
	}
	return nil
}
