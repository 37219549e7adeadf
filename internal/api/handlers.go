package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/sirupsen/logrus"

	"github.com/casa-home/casahub-go/internal/commands"
	"github.com/casa-home/casahub-go/internal/hub"
	"github.com/casa-home/casahub-go/internal/mirror"
	"github.com/casa-home/casahub-go/internal/settings"
)

type handlers struct {
	client  *hub.Client
	mirror  *mirror.Mirror
	facade  *commands.Facade
	recon   *settings.Reconciler
	logger  *logrus.Logger
	started time.Time
}

func newHandlers(client *hub.Client, mir *mirror.Mirror, facade *commands.Facade,
	recon *settings.Reconciler, logger *logrus.Logger) *handlers {
	return &handlers{
		client:  client,
		mirror:  mir,
		facade:  facade,
		recon:   recon,
		logger:  logger,
		started: time.Now(),
	}
}

// Healthz reports liveness of the daemon itself, not the hub session.
func (h *handlers) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Status reports the hub session and some host vitals.
func (h *handlers) Status(c *gin.Context) {
	status := gin.H{
		"connected":      h.client.IsConnected(),
		"session_id":     h.client.SessionID(),
		"entity_count":   len(h.mirror.Entities()),
		"uptime_seconds": int(time.Since(h.started).Seconds()),
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		status["host_memory_used_percent"] = vm.UsedPercent
	}
	c.JSON(http.StatusOK, status)
}

// ListEntities returns the current snapshot, optionally filtered by domain.
func (h *handlers) ListEntities(c *gin.Context) {
	entities := h.mirror.Entities()
	if domain := c.Query("domain"); domain != "" {
		filtered := make([]hub.Entity, 0, len(entities))
		for _, e := range entities {
			if e.Domain() == domain {
				filtered = append(filtered, e)
			}
		}
		entities = filtered
	}
	c.JSON(http.StatusOK, gin.H{"entities": entities, "count": len(entities)})
}

// GetEntity returns one entity by id.
func (h *handlers) GetEntity(c *gin.Context) {
	entity, ok := h.mirror.Entity(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "entity not found"})
		return
	}
	c.JSON(http.StatusOK, entity)
}

type callServiceRequest struct {
	Domain   string         `json:"domain" binding:"required"`
	Service  string         `json:"service" binding:"required"`
	EntityID string         `json:"entity_id" binding:"required"`
	Data     map[string]any `json:"data"`
}

// CallService invokes the generic service-call primitive.
func (h *handlers) CallService(c *gin.Context) {
	var req callServiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := h.facade.CallService(c.Request.Context(), req.Domain, req.Service, req.EntityID, req.Data)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"success": true})
	case errors.Is(err, hub.ErrNotConnected):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "hub not connected"})
	default:
		var cmdErr *hub.CommandError
		if errors.As(err, &cmdErr) {
			c.JSON(http.StatusBadGateway, gin.H{"error": cmdErr.Message, "code": cmdErr.Code})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	}
}

// GetPreferences returns the notification preference flags.
func (h *handlers) GetPreferences(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"preferences": h.recon.All()})
}

type setPreferenceRequest struct {
	Value bool `json:"value"`
}

// SetPreference applies a user-driven flag change.
func (h *handlers) SetPreference(c *gin.Context) {
	flag := settings.Flag(c.Param("flag"))
	known := false
	for _, f := range settings.AllFlags() {
		if f == flag {
			known = true
			break
		}
	}
	if !known {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown preference flag"})
		return
	}

	var req setPreferenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// The local write is optimistic; a push failure is reported but does
	// not undo it.
	if err := h.recon.Set(c.Request.Context(), flag, req.Value); err != nil {
		h.logger.WithError(err).WithField("flag", flag).Warn("Remote preference push failed")
		c.JSON(http.StatusOK, gin.H{"value": req.Value, "pushed": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"value": req.Value, "pushed": true})
}
