package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

func respondError(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"error": message})
}

func bindJSON(c *gin.Context, dst interface{}, message string) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		respondError(c, http.StatusBadRequest, message)
		return false
	}
	return true
}

// requireUserID 从查询串提取必填的 user_id。
func requireUserID(c *gin.Context) (string, bool) {
	userID := strings.TrimSpace(c.Query("user_id"))
	if userID == "" {
		respondError(c, http.StatusBadRequest, "user_id is required")
		return "", false
	}
	return userID, true
}
