// Package ginrt adapts the realtime server and its control plane to gin
// routers.
package ginrt

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	realtime "github.com/kevsands/prop-ie-platform-core-sub048"
)

// Handler mounts the websocket upgrade endpoint.
func Handler(s *realtime.Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		s.ServeHTTP(c.Writer, c.Request)
	}
}

// MetricsHandler serves the aggregate system snapshot together with the
// insight engine's evaluation of it.
func MetricsHandler(s *realtime.Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		m := s.Hub().SystemMetrics()
		c.JSON(http.StatusOK, gin.H{
			"metrics":  m,
			"insights": realtime.Evaluate(m),
		})
	}
}

// StatsHandler serves the hub's lifetime counters.
func StatsHandler(s *realtime.Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		st := s.Hub().Stats()
		c.JSON(http.StatusOK, gin.H{
			"connections": st.Connections,
			"users":       st.Users,
			"rooms":       st.Rooms,
			"messagesIn":  st.InMessages,
			"messagesOut": st.OutMessages,
			"errors":      st.Errors,
			"drops":       st.Drops,
		})
	}
}

// ActionHandler executes control-plane actions posted as
// {"action": "...", "poolId": "..."}.
func ActionHandler(s *realtime.Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req realtime.ActionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}

		res, err := s.Admin().Execute(req)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, realtime.ErrUnknownAction) ||
				errors.Is(err, realtime.ErrPoolNotFound) {
				status = http.StatusBadRequest
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, res)
	}
}
