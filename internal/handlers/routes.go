package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/roomrelay/config"
	"github.com/mossy-p/roomrelay/internal/middleware"
	"github.com/mossy-p/roomrelay/internal/relay"
)

// NewEngine wires every HTTP route of the relay.
// presence may be nil when the Redis mirror is disabled.
func NewEngine(cfg *config.Config, router *relay.Router, presence PresenceLoader) *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery(), RequestLogger())

	// Global CORS middleware (runs before routing)
	engine.Use(OriginFilter(cfg.AllowedOrigins))

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Room administration (operator JWT)
	api := engine.Group("/api", middleware.JWTAuth(cfg.JWTSecret))
	{
		api.GET("/rooms", ListRooms(router))
		api.GET("/rooms/:roomId", GetRoom(router))
		api.GET("/rooms/:roomId/presence", GetPresence(presence))
		api.DELETE("/rooms/:roomId", DeleteRoom(router))
	}

	engine.GET("/ws", NewSignaling(router, cfg.Limits).HandleSignaling)

	return engine
}
