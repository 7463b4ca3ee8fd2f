package service

import (
	"errors"
	"fmt"
	"hash/crc32"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chloHabitto/Habitto-sub018/internal/db"
	"gorm.io/gorm"
)

// AuditResult 汇总一次审计的观察结论。
type AuditResult struct {
	UserID             string
	Skipped            bool
	RegressionDetected bool
	DriftDetected      bool
	RepairedXP         bool
	StoredCurrent      int
	RecomputedCurrent  int
}

// IntegrityAuditor 在迁移完成后周期性地守护聚合一致性：
// 对比快照检测"数据未变但连胜回退"的回归，
// 并按间隔从头重算连胜以暴露增量维护与离线重算之间的静默漂移。
// 连胜没有可自动修复的权威来源，所以漂移只记录不修复；
// XP 则以账本为准可以自愈。
type IntegrityAuditor struct {
	db        *gorm.DB
	flags     *FeatureFlagService
	ledger    *XPLedgerService
	telemetry TelemetryEmitter
	now       func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
}

// NewIntegrityAuditor 构造 IntegrityAuditor
func NewIntegrityAuditor(gdb *gorm.DB, flags *FeatureFlagService, ledger *XPLedgerService, telemetry TelemetryEmitter) *IntegrityAuditor {
	return &IntegrityAuditor{
		db:        gdb,
		flags:     flags,
		ledger:    ledger,
		telemetry: telemetry,
		now:       time.Now,
		stop:      make(chan struct{}),
	}
}

// WithClock 允许测试注入固定时钟。
func (a *IntegrityAuditor) WithClock(now func() time.Time) *IntegrityAuditor {
	if now != nil {
		a.now = now
	}
	return a
}

func (a *IntegrityAuditor) emit(event string, fields map[string]any) {
	if a.telemetry != nil {
		a.telemetry.Emit(event, fields)
	}
}

// RunAudit 审计单个用户。
// 每用户用 NextEligibleAt 闸门防止重叠审计；未到时间直接跳过，不阻塞任何前台读取。
func (a *IntegrityAuditor) RunAudit(userID string) (*AuditResult, error) {
	result := &AuditResult{UserID: userID}
	now := a.now()

	var prior db.AuditSnapshot
	hasPrior := true
	if err := a.db.Where("user_id = ?", userID).First(&prior).Error; err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("load audit snapshot: %w", err)
		}
		hasPrior = false
	}

	if hasPrior && now.Before(prior.NextEligibleAt) {
		result.Skipped = true
		return result, nil
	}

	mode := CompletionModeFull
	interval := 6 * time.Hour
	if a.flags != nil {
		mode = a.flags.CompletionMode()
		interval = a.flags.AuditInterval()
	}

	input, err := loadStreakInput(a.db, userID, mode)
	if err != nil {
		return nil, err
	}
	checksum := recordsChecksum(input.Records)
	recomputed := ComputeCurrentStreak(input, now)
	result.RecomputedCurrent = recomputed.CurrentStreak

	var stored db.GlobalStreak
	hasStored := true
	if err := a.db.Where("user_id = ?", userID).First(&stored).Error; err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("load global streak: %w", err)
		}
		hasStored = false
	}
	result.StoredCurrent = stored.CurrentStreak

	// 回归：完成数据没变，但增量维护的连胜却变小了
	if hasPrior && hasStored && checksum == prior.Checksum && stored.CurrentStreak < prior.CurrentStreak {
		result.RegressionDetected = true
		a.emit("audit_regression", map[string]any{
			"user_id":  userID,
			"previous": prior.CurrentStreak,
			"observed": stored.CurrentStreak,
		})
	}

	// 漂移：离线重算与增量维护的值不一致
	if hasStored && stored.CurrentStreak != recomputed.CurrentStreak {
		result.DriftDetected = true
		a.emit("audit_drift", map[string]any{
			"user_id":    userID,
			"stored":     stored.CurrentStreak,
			"recomputed": recomputed.CurrentStreak,
		})
		log.Printf("[audit] streak drift for user %s: stored=%d recomputed=%d", userID, stored.CurrentStreak, recomputed.CurrentStreak)
	}

	if a.ledger != nil {
		intact, err := a.ledger.VerifyIntegrity(userID)
		if err != nil {
			return nil, err
		}
		if !intact {
			if err := a.ledger.RepairIntegrity(userID); err != nil {
				return nil, err
			}
			result.RepairedXP = true
			a.emit("audit_xp_repaired", map[string]any{"user_id": userID})
		}
	}

	snapshot := db.AuditSnapshot{
		UserID:           userID,
		CurrentStreak:    stored.CurrentStreak,
		LongestStreak:    stored.LongestStreak,
		LastCompleteDate: stored.LastCompleteDate,
		Checksum:         checksum,
		NextEligibleAt:   now.Add(interval),
	}
	if hasPrior {
		snapshot.ID = prior.ID
		snapshot.CreatedAt = prior.CreatedAt
	}
	if err := a.db.Save(&snapshot).Error; err != nil {
		return nil, fmt.Errorf("save audit snapshot: %w", err)
	}

	return result, nil
}

// RunAll 审计所有已迁移用户。
func (a *IntegrityAuditor) RunAll() error {
	var userIDs []string
	if err := a.db.Model(&db.GlobalStreak{}).Distinct().Pluck("user_id", &userIDs).Error; err != nil {
		return fmt.Errorf("list audited users: %w", err)
	}

	for _, userID := range userIDs {
		if _, err := a.RunAudit(userID); err != nil {
			log.Printf("[audit] audit failed for user %s: %v", userID, err)
		}
	}
	return nil
}

// Start 启动周期审计循环；会话收尾时调用 Stop 使定时器失效。
func (a *IntegrityAuditor) Start(tick time.Duration) {
	if tick <= 0 {
		tick = time.Hour
	}

	go func() {
		ticker := time.NewTicker(tick)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := a.RunAll(); err != nil {
					log.Printf("[audit] periodic run failed: %v", err)
				}
			case <-a.stop:
				return
			}
		}
	}()
}

// Stop 终止周期审计循环。
func (a *IntegrityAuditor) Stop() {
	a.stopOnce.Do(func() {
		close(a.stop)
	})
}

// recordsChecksum 对全部完成记录做顺序无关的校验和，用于判断底层数据是否变化。
func recordsChecksum(records []DayRecord) uint32 {
	lines := make([]string, 0, len(records))
	for _, record := range records {
		lines = append(lines, fmt.Sprintf("%d|%s|%d|%d|%t",
			record.HabitID, dayKey(record.Date), record.ProgressCount, record.GoalCountSnapshot, record.Skipped))
	}
	sort.Strings(lines)
	return crc32.ChecksumIEEE([]byte(strings.Join(lines, "\n")))
}
