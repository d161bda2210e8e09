package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
)

func Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// StatsProvider 汇总各组件的运行时计数
type StatsProvider func(ctx context.Context) gin.H

func Stats(p StatsProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, p(c.Request.Context()))
	}
}
