package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter builds the signaling server's HTTP surface: the authenticated
// WebSocket endpoint, call record queries, health, and metrics.
func NewRouter(hub *Hub, tm *TokenManager, records *CallRecordRepository, reg *prometheus.Registry) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"service":   "signaling-server",
			"timestamp": time.Now().UTC(),
		})
	})

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	authed := router.Group("")
	authed.Use(AuthMiddleware(tm))
	{
		authed.GET("/ws", hub.ServeWS)

		if records != nil {
			authed.GET("/calls", func(c *gin.Context) {
				recent, err := records.ListRecent(c.Request.Context(), 20)
				if err != nil {
					c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list calls"})
					return
				}
				c.JSON(http.StatusOK, gin.H{"calls": recent})
			})
			authed.GET("/calls/:room", func(c *gin.Context) {
				rec, err := records.GetByRoom(c.Request.Context(), c.Param("room"))
				if err != nil {
					c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get call"})
					return
				}
				if rec == nil {
					c.JSON(http.StatusNotFound, gin.H{"error": "call not found"})
					return
				}
				c.JSON(http.StatusOK, rec)
			})
		}
	}

	return router
}
