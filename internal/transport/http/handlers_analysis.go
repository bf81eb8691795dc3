package transporthttp

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

type runAnalysisRequest struct {
	UserID     string `json:"user_id" binding:"required"`
	Instrument string `json:"instrument" binding:"required"`
	Date       string `json:"date"`
	Force      bool   `json:"force"`
}

func (r *Router) handleRunAnalysis(c *gin.Context) {
	var req runAnalysisRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, apiError{Code: "BAD_REQUEST", Message: err.Error()})
		return
	}
	run, err := r.Pipeline.RunDailyBias(c.Request.Context(), req.UserID, req.Instrument, req.Date, req.Force)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

func (r *Router) handleAnalysisHistory(c *gin.Context) {
	limit := 30
	if raw := c.Query("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			limit = v
		}
	}
	runs, err := r.Pipeline.History(c.Request.Context(), c.Param("instrument"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

// handleAnalysisUpdated is the poll fallback for clients without a stream:
// has a newer run for the instrument appeared since the given time?
func (r *Router) handleAnalysisUpdated(c *gin.Context) {
	raw := strings.TrimSpace(c.Query("since"))
	if raw == "" {
		c.JSON(http.StatusBadRequest, apiError{Code: "BAD_REQUEST", Message: "since is required"})
		return
	}
	since, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, apiError{Code: "BAD_REQUEST", Message: "since must be RFC3339"})
		return
	}
	updated, err := r.Pipeline.HasNewerRun(c.Request.Context(), c.Param("instrument"), since)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": updated, "since": since.UTC()})
}

func (r *Router) handleInstruments(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"instruments": r.Pipeline.SupportedInstruments()})
}

// handleAnalysisStream streams pipeline events for one instrument over SSE,
// with a heartbeat so idle proxies keep the connection open.
func (r *Router) handleAnalysisStream(c *gin.Context) {
	instrument := strings.ToUpper(strings.TrimSpace(c.Param("instrument")))

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("Access-Control-Allow-Origin", "*")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, apiError{Code: "INTERNAL", Message: "streaming not supported"})
		return
	}

	events, cancel := r.Realtime.Subscribe(instrument)
	defer cancel()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(c.Writer, ": ping\n\n")
			flusher.Flush()
		case evt, open := <-events:
			if !open {
				return
			}
			fmt.Fprintf(c.Writer, "event: %s\n", evt.Name)
			fmt.Fprintf(c.Writer, "data: %s\n\n", evt.Data)
			flusher.Flush()
		}
	}
}

func (r *Router) handleProviderStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"providers": r.Gateway.Stats()})
}
