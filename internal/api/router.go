package api

import "github.com/gin-gonic/gin"

// NewRouter builds the gin engine with all routes attached.
func NewRouter(h *Handlers) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", h.Health)

	api := r.Group("/api")
	{
		api.POST("/history/sync", h.StartSync)
		api.GET("/history/sync/:jid/status", h.SyncStatus)
		api.POST("/history/sync/:jid/cancel", h.CancelSync)
		api.POST("/history/sync/:jid/resume", h.ResumeSync)

		api.POST("/history/bulk", h.StartBulk)
		api.GET("/history/bulk/status", h.BulkStatus)

		api.GET("/messages/:jid", h.ListMessages)
		api.GET("/sync/status", h.GlobalStatus)
		api.GET("/checkpoints", h.ListCheckpoints)
		api.POST("/merge", h.Merge)
		api.GET("/events", h.Events)
	}

	return r
}
