package http

import (
	"net/http"

	"github.com/dkeye/huddle/internal/app/orch"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

type viewHandlers struct {
	orch *orch.Orchestrator
}

func (h *viewHandlers) listRooms(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"rooms": h.orch.Rooms.List()})
}

func (h *viewHandlers) getRoom(c *gin.Context) {
	info, ok := h.orch.Rooms.Room(domain.RoomID(c.Param("id")))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}
	c.JSON(http.StatusOK, info)
}

func (h *viewHandlers) getPresence(c *gin.Context) {
	uid := domain.UserID(c.Param("uid"))
	if err := uid.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	p, err := h.orch.Presence.Get(c.Request.Context(), uid)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Str("uid", string(uid)).Msg("read presence")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "presence unavailable"})
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *viewHandlers) online(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"users": h.orch.Registry.Online()})
}
