package service

import (
	"errors"
	"hash/fnv"
	"strconv"
	"strings"
	"time"

	"github.com/chloHabitto/Habitto-sub018/internal/db"
	"gorm.io/gorm"
)

// FeatureFlagService 提供迁移灰度与完成模式两个开关。
// 取值优先走 system_settings，缺失时回退到进程配置给定的默认值。
type FeatureFlagService struct {
	db                 *gorm.DB
	defaultRolloutPct  int
	defaultMode        CompletionMode
	defaultAuditPeriod time.Duration
}

// NewFeatureFlagService 构造 FeatureFlagService
func NewFeatureFlagService(gdb *gorm.DB, rolloutPct int, mode CompletionMode, auditPeriod time.Duration) *FeatureFlagService {
	if rolloutPct < 0 {
		rolloutPct = 0
	}
	if rolloutPct > 100 {
		rolloutPct = 100
	}
	if mode != CompletionModePartial {
		mode = CompletionModeFull
	}
	if auditPeriod <= 0 {
		auditPeriod = 6 * time.Hour
	}
	return &FeatureFlagService{
		db:                 gdb,
		defaultRolloutPct:  rolloutPct,
		defaultMode:        mode,
		defaultAuditPeriod: auditPeriod,
	}
}

// ShouldRunMigration 按百分比灰度判定该用户是否进入迁移。
// 用 FNV-1a 对 userID 取桶，保证同一用户的判定在放量比例不变时稳定。
func (s *FeatureFlagService) ShouldRunMigration(userID string) bool {
	pct := s.intSetting(db.SettingKeyMigrationRolloutPercent, s.defaultRolloutPct)
	if pct <= 0 {
		return false
	}
	if pct >= 100 {
		return true
	}

	hasher := fnv.New32a()
	hasher.Write([]byte(userID))
	bucket := int(hasher.Sum32() % 100)
	return bucket < pct
}

// CompletionMode 返回全局完成判定模式。
func (s *FeatureFlagService) CompletionMode() CompletionMode {
	raw := s.stringSetting(db.SettingKeyCompletionMode, string(s.defaultMode))
	if CompletionMode(raw) == CompletionModePartial {
		return CompletionModePartial
	}
	return CompletionModeFull
}

// AuditInterval 返回审计器独立重算的间隔。
func (s *FeatureFlagService) AuditInterval() time.Duration {
	hours := s.intSetting(db.SettingKeyAuditIntervalHours, int(s.defaultAuditPeriod.Hours()))
	if hours <= 0 {
		return s.defaultAuditPeriod
	}
	return time.Duration(hours) * time.Hour
}

func (s *FeatureFlagService) stringSetting(key, fallback string) string {
	if s.db == nil {
		return fallback
	}

	var setting db.SystemSetting
	err := s.db.Where("key = ?", key).First(&setting).Error
	switch {
	case err == nil:
		value := strings.TrimSpace(setting.Value)
		if value != "" {
			return value
		}
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return fallback
	}
	return fallback
}

func (s *FeatureFlagService) intSetting(key string, fallback int) int {
	raw := s.stringSetting(key, "")
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return parsed
}
