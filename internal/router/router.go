package router

import (
	"github.com/chloHabitto/Habitto-sub018/internal/handler"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
)

// SetupRouter 配置 Gin 引擎和路由
func SetupRouter(api *handler.API, sessionSecret string) *gin.Engine {
	r := gin.Default()

	// 配置会话中间件
	store := cookie.NewStore([]byte(sessionSecret))
	r.Use(sessions.Sessions("habitto_session", store))

	r.GET("/ping", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"message": "pong",
		})
	})

	// 后台管理路由
	admin := r.Group("/admin")
	{
		admin.POST("/login", handler.Login)
		admin.GET("/logout", handler.Logout)

		// 需要认证的后台路由
		auth := admin.Group("/api")
		auth.Use(handler.AuthRequired())
		{
			auth.POST("/migration/dry-run", api.DryRunMigration)
			auth.POST("/migration/commit", api.CommitMigration)
			auth.POST("/migration/rollback", api.RollbackMigration)
			auth.GET("/migration/status", api.MigrationStatus)
			auth.POST("/migration/validate", api.ValidateMigration)

			auth.GET("/streak", api.GetStreak)
			auth.GET("/xp", api.GetXPState)
			auth.POST("/progress/increment", api.IncrementProgress)
			auth.POST("/progress/decrement", api.DecrementProgress)
			auth.POST("/progress/skip", api.SkipProgress)

			auth.POST("/audit/run", api.RunAudit)
		}
	}

	return r
}
