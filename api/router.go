package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"vdaserver/config"
)

func SetupRouter(cfg *config.Config, deps Deps) *gin.Engine {
	r := gin.New()
	r.Use(
		RequestIDMiddleware(),
		LoggerMiddleware(),
		gin.CustomRecovery(recoveryHandler),
		CORSMiddleware(),
		BodyLimitMiddleware(cfg.MaxBodySize),
	)
	h := NewHandler(cfg, deps)

	r.GET("/status", h.handleStatus)
	r.GET("/check-ytdlp", h.handleCheckYtdlp)
	r.GET("/queue", h.handleQueue)
	r.GET("/events", h.handleEvents)
	r.POST("/download", h.handleDownload)
	r.POST("/verify-premium", h.handleVerifyPremium)

	// CORSMiddleware answers preflights before this runs.
	r.OPTIONS("/*any", func(c *gin.Context) { c.Status(http.StatusOK) })

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "not found"})
	})
	return r
}
