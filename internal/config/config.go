package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// AppConfig 汇总运行迁移服务所需的基础配置。
type AppConfig struct {
	ListenAddr          string
	Port                string
	DatabasePath        string
	SessionSecret       string
	GinMode             string
	OperatorUserName    string
	OperatorPassword    string
	MigrationRolloutPct int
	CompletionMode      string
	AuditIntervalHours  int
}

// Load 从环境变量读取应用配置，并为缺失项提供安全的默认值。
func Load() AppConfig {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	listenAddr := strings.TrimSpace(os.Getenv("LISTEN_ADDR"))
	if listenAddr == "" {
		listenAddr = fmt.Sprintf(":%s", port)
	}

	databasePath := strings.TrimSpace(os.Getenv("DATABASE_PATH"))
	if databasePath == "" {
		databasePath = "habitto.db"
	}

	sessionSecret := strings.TrimSpace(os.Getenv("SESSION_SECRET"))
	if sessionSecret == "" {
		sessionSecret = "habitto-dev-secret"
	}

	ginMode := strings.TrimSpace(os.Getenv("GIN_MODE"))
	if ginMode == "" {
		ginMode = "release"
	}

	rolloutPct := parseIntEnv("MIGRATION_ROLLOUT_PERCENT", 100)
	if rolloutPct < 0 {
		rolloutPct = 0
	}
	if rolloutPct > 100 {
		rolloutPct = 100
	}

	completionMode := strings.TrimSpace(strings.ToLower(os.Getenv("COMPLETION_MODE")))
	if completionMode != "partial" {
		completionMode = "full"
	}

	auditInterval := parseIntEnv("AUDIT_INTERVAL_HOURS", 6)
	if auditInterval <= 0 {
		auditInterval = 6
	}

	operatorUserName := strings.TrimSpace(os.Getenv("OPERATOR_USER_NAME"))
	operatorPassword := strings.TrimSpace(os.Getenv("OPERATOR_PASSWORD"))

	return AppConfig{
		ListenAddr:          listenAddr,
		Port:                port,
		DatabasePath:        databasePath,
		SessionSecret:       sessionSecret,
		GinMode:             ginMode,
		OperatorUserName:    operatorUserName,
		OperatorPassword:    operatorPassword,
		MigrationRolloutPct: rolloutPct,
		CompletionMode:      completionMode,
		AuditIntervalHours:  auditInterval,
	}
}

func parseIntEnv(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return parsed
}
