package transporthttp

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// handleTriggerSync lets an external cron fire a sweep. Guarded by a shared
// bearer token; due-filtering inside the scheduler makes repeated triggers
// harmless.
func (r *Router) handleTriggerSync(c *gin.Context) {
	if !r.authorizeTrigger(c) {
		c.JSON(http.StatusUnauthorized, apiError{Code: "UNAUTHORIZED", Message: "invalid trigger token"})
		return
	}
	summary := r.Scheduler.RunScheduledSync(c.Request.Context())
	c.JSON(http.StatusOK, summary)
}

func (r *Router) handleSchedulerStatus(c *gin.Context) {
	c.JSON(http.StatusOK, r.Scheduler.Status())
}

func (r *Router) authorizeTrigger(c *gin.Context) bool {
	if r.TriggerToken == "" {
		return false
	}
	header := c.GetHeader("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(r.TriggerToken)) == 1
}
