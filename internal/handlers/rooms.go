package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"

	"github.com/mossy-p/roomrelay/internal/models"
	"github.com/mossy-p/roomrelay/internal/registry"
	"github.com/mossy-p/roomrelay/internal/relay"
)

// PresenceLoader reads the mirrored presence of a room
type PresenceLoader interface {
	Load(ctx context.Context, roomID string) (models.Presence, error)
}

// ListRooms lists live rooms (admin)
func ListRooms(router *relay.Router) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"rooms": router.Rooms()})
	}
}

// GetRoom describes one live room and its members (admin)
func GetRoom(router *relay.Router) gin.HandlerFunc {
	return func(c *gin.Context) {
		room, ok := router.Room(c.Param("roomId"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
			return
		}
		c.JSON(http.StatusOK, room)
	}
}

// DeleteRoom evicts every member of a room and deletes it (admin)
func DeleteRoom(router *relay.Router) gin.HandlerFunc {
	return func(c *gin.Context) {
		roomID := c.Param("roomId")
		if err := router.CloseRoom(roomID); err != nil {
			if errors.Is(err, registry.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to close room"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "Room closed"})
	}
}

// GetPresence returns the presence snapshot mirrored to Redis (admin)
func GetPresence(presence PresenceLoader) gin.HandlerFunc {
	return func(c *gin.Context) {
		if presence == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "Presence mirror disabled"})
			return
		}
		snapshot, err := presence.Load(c.Request.Context(), c.Param("roomId"))
		if err != nil {
			if errors.Is(err, goredis.Nil) {
				c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
				return
			}
			c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to read presence"})
			return
		}
		c.JSON(http.StatusOK, snapshot)
	}
}
