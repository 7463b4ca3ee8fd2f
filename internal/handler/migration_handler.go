package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/chloHabitto/Habitto-sub018/internal/db"
	"github.com/chloHabitto/Habitto-sub018/internal/service"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// API bundles shared dependencies for HTTP handlers.
type API struct {
	db           *gorm.DB
	orchestrator *service.MigrationOrchestrator
	progress     *service.ProgressService
	ledger       *service.XPLedgerService
	auditor      *service.IntegrityAuditor
}

// NewAPI constructs a handler set with shared services.
func NewAPI(
	gdb *gorm.DB,
	orchestrator *service.MigrationOrchestrator,
	progress *service.ProgressService,
	ledger *service.XPLedgerService,
	auditor *service.IntegrityAuditor,
) *API {
	return &API{
		db:           gdb,
		orchestrator: orchestrator,
		progress:     progress,
		ledger:       ledger,
		auditor:      auditor,
	}
}

// DryRunMigration 执行迁移演练：完整计算、零落库。
func (a *API) DryRunMigration(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}

	summary, err := a.orchestrator.DryRun(userID)
	if err != nil {
		a.respondMigrationError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// CommitMigration 执行并提交迁移。
func (a *API) CommitMigration(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}

	summary, err := a.orchestrator.Commit(userID)
	if err != nil {
		a.respondMigrationError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// RollbackMigration 删除该用户全部规范化数据并清除迁移标记。
func (a *API) RollbackMigration(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}

	if err := a.orchestrator.Rollback(userID); err != nil {
		respondError(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// MigrationStatus 报告迁移标记状态。
func (a *API) MigrationStatus(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}

	marker, migrated, err := a.orchestrator.Status(userID)
	if err != nil {
		respondError(c, http.StatusInternalServerError, err.Error())
		return
	}

	resp := gin.H{"migrated": migrated}
	if migrated {
		resp["run_uid"] = marker.RunUID
		resp["completed_at"] = marker.CompletedAt
	}
	c.JSON(http.StatusOK, resp)
}

// ValidateMigration 对已迁移数据做独立复查。
func (a *API) ValidateMigration(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}

	report, err := a.orchestrator.Validate(userID)
	if err != nil {
		respondError(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, report)
}

// GetStreak 返回全局连胜聚合。
func (a *API) GetStreak(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}

	streak, err := a.progress.StreakFor(userID)
	if err != nil {
		respondError(c, http.StatusNotFound, "global streak not found")
		return
	}
	c.JSON(http.StatusOK, streak)
}

// GetXPState 返回 XP 派生状态。
func (a *API) GetXPState(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}

	state, err := a.ledger.StateFor(userID)
	if err != nil {
		respondError(c, http.StatusNotFound, "xp state not found")
		return
	}
	c.JSON(http.StatusOK, state)
}

type progressRequest struct {
	HabitUID string `json:"habit_uid"`
	Date     string `json:"date"`
}

func (r progressRequest) parseDate() (time.Time, error) {
	return time.ParseInLocation("2006-01-02", r.Date, time.UTC)
}

// IncrementProgress 线上路径：进度加一。
func (a *API) IncrementProgress(c *gin.Context) {
	a.adjustProgress(c, a.progress.Increment)
}

// DecrementProgress 线上路径：进度减一。
func (a *API) DecrementProgress(c *gin.Context) {
	a.adjustProgress(c, a.progress.Decrement)
}

func (a *API) adjustProgress(c *gin.Context, adjust func(string, time.Time) (*db.DailyProgress, error)) {
	var req progressRequest
	if !bindJSON(c, &req, "invalid progress payload") {
		return
	}

	date, err := req.parseDate()
	if err != nil {
		respondError(c, http.StatusBadRequest, "date must be yyyy-mm-dd")
		return
	}

	row, err := adjust(req.HabitUID, date)
	if err != nil {
		if errors.Is(err, service.ErrHabitNotFound) {
			respondError(c, http.StatusNotFound, "habit not found")
			return
		}
		respondError(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, row)
}

type skipRequest struct {
	progressRequest
	Skipped bool `json:"skipped"`
}

// SkipProgress 标记/取消标记某日跳过。
func (a *API) SkipProgress(c *gin.Context) {
	var req skipRequest
	if !bindJSON(c, &req, "invalid skip payload") {
		return
	}

	date, err := req.parseDate()
	if err != nil {
		respondError(c, http.StatusBadRequest, "date must be yyyy-mm-dd")
		return
	}

	row, err := a.progress.SetSkipped(req.HabitUID, date, req.Skipped)
	if err != nil {
		if errors.Is(err, service.ErrHabitNotFound) {
			respondError(c, http.StatusNotFound, "habit not found")
			return
		}
		respondError(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, row)
}

// RunAudit 手动触发一次该用户的完整性审计。
func (a *API) RunAudit(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}

	result, err := a.auditor.RunAudit(userID)
	if err != nil {
		respondError(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, result)
}

func (a *API) respondMigrationError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrAlreadyMigrated):
		respondError(c, http.StatusConflict, "user already migrated; rollback first")
	case errors.Is(err, service.ErrMigrationNotEnabled):
		respondError(c, http.StatusForbidden, "migration not enabled for user")
	default:
		respondError(c, http.StatusInternalServerError, err.Error())
	}
}
