package main

import (
	"log"
	"time"

	"github.com/chloHabitto/Habitto-sub018/internal/config"
	"github.com/chloHabitto/Habitto-sub018/internal/db"
	"github.com/chloHabitto/Habitto-sub018/internal/handler"
	"github.com/chloHabitto/Habitto-sub018/internal/router"
	"github.com/chloHabitto/Habitto-sub018/internal/service"
	"github.com/gin-gonic/gin"
)

func main() {
	cfg := config.Load()
	gin.SetMode(cfg.GinMode)

	// 初始化数据库
	if err := db.Init(cfg.DatabasePath); err != nil {
		log.Fatalf("failed to initialize database: %v", err)
	}

	if err := db.EnsureUser(cfg.OperatorUserName, cfg.OperatorPassword); err != nil {
		log.Fatalf("failed to ensure operator user: %v", err)
	}

	telemetry := service.NewLogTelemetry(256)
	defer telemetry.Close()

	flags := service.NewFeatureFlagService(
		db.DB,
		cfg.MigrationRolloutPct,
		service.CompletionMode(cfg.CompletionMode),
		time.Duration(cfg.AuditIntervalHours)*time.Hour,
	)
	legacy := service.NewGormLegacyStore(db.DB)
	ledger := service.NewXPLedgerService(db.DB)
	orchestrator := service.NewMigrationOrchestrator(db.DB, legacy, ledger, flags, telemetry)
	progress := service.NewProgressService(db.DB, ledger, flags)

	auditor := service.NewIntegrityAuditor(db.DB, flags, ledger, telemetry)
	auditor.Start(time.Hour)
	defer auditor.Stop()

	api := handler.NewAPI(db.DB, orchestrator, progress, ledger, auditor)

	// 设置并运行 Gin 服务器
	r := router.SetupRouter(api, cfg.SessionSecret)
	if err := r.Run(cfg.ListenAddr); err != nil {
		log.Fatalf("failed to run server: %v", err)
	}
}
