package handlers

import (
	"log"
	"net/http"
	"sync"

	"battery-policy/internal/api/models"
	"battery-policy/internal/deploy"

	"github.com/gin-gonic/gin"
)

// ActHandler serves single-step control requests against a deployed adapter
type ActHandler struct {
	mu      sync.Mutex
	adapter *deploy.Adapter
}

// NewActHandler creates a new act handler
func NewActHandler(adapter *deploy.Adapter) *ActHandler {
	return &ActHandler{adapter: adapter}
}

// Act handles POST /api/v1/act
func (h *ActHandler) Act(c *gin.Context) {
	var req models.ActRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{
				"code":    "INVALID_REQUEST",
				"message": err.Error(),
			},
		})
		return
	}

	// The adapter threads controller state between calls, so requests must
	// not interleave.
	h.mu.Lock()
	setpoint, err := h.adapter.Act(req.External, deploy.InternalState{
		BatterySOC:  req.Internal.BatterySOCKWh,
		MaxChargeKW: req.Internal.MaxChargeKW,
	})
	h.mu.Unlock()
	if err != nil {
		log.Printf("ActHandler: step failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{
				"code":    "STEP_FAILED",
				"message": err.Error(),
			},
		})
		return
	}

	c.JSON(http.StatusOK, models.ActResponse{
		Status: "ok",
		Command: models.Setpoint{
			SolarKW: setpoint.SolarKW,
			GridKW:  setpoint.GridKW,
		},
	})
}

// Reset handles POST /api/v1/reset
func (h *ActHandler) Reset(c *gin.Context) {
	h.mu.Lock()
	h.adapter.Reset()
	h.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
