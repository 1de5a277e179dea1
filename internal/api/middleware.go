package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	statusWarnThreshold  = 400
	statusErrorThreshold = 500

	requestIDHeader = "X-Request-Id"
)

// ZerologLogger is a Gin middleware that logs requests using zerolog.
// Unlike a generic access log, each line correlates a request id with
// the coordinator identifiers the request actually touched (round,
// task, node) and the cerr.Code a failed request resolved to. Ids are
// taken from the route or the query string only; an id sent in a JSON
// body (such as a lease's roundId) is not logged.
func ZerologLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery
		method := c.Request.Method

		reqID := c.GetHeader(requestIDHeader)
		if reqID == "" {
			reqID = uuid.NewString()
		}
		c.Set("request_id", reqID)
		c.Writer.Header().Set(requestIDHeader, reqID)

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		evt := log.Info()
		switch {
		case status >= statusErrorThreshold:
			evt = log.Error()
		case status >= statusWarnThreshold:
			evt = log.Warn()
		}

		if raw != "" {
			path = path + "?" + raw
		}

		evt = evt.
			Str("request_id", reqID).
			Int("status", status).
			Str("method", method).
			Str("path", path).
			Dur("latency", latency)

		roundID, taskID, nodeID := domainIDs(c)
		if roundID != "" {
			evt = evt.Str("round_id", roundID)
		}
		if taskID != "" {
			evt = evt.Str("task_id", taskID)
		}
		if nodeID != "" {
			evt = evt.Str("node_id", nodeID)
		}
		if code, ok := c.Get("error_code"); ok {
			evt = evt.Str("error_code", code.(string))
		}

		evt.Msg("http request completed")
	}
}

// domainIDs resolves the round/task/node identifiers a request
// touched, from its route params first and its query string second,
// so log lines carry the coordinator's own keys instead of only the
// raw request path.
func domainIDs(c *gin.Context) (roundID, taskID, nodeID string) {
	switch c.FullPath() {
	case "/api/v1/rounds/:id":
		roundID = c.Param("id")
	case "/api/v1/tasks/:id/report":
		taskID = c.Param("id")
	case "/api/v1/nodes/:nodeId":
		nodeID = c.Param("nodeId")
	}
	if roundID == "" {
		roundID = c.Query("roundId")
	}
	if nodeID == "" {
		nodeID = c.Query("nodeId")
	}
	return roundID, taskID, nodeID
}
