package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"pathfleet/internal/coordinator/cerr"
	"pathfleet/internal/dispatcher"
	"pathfleet/internal/model"
)

// API is a thin gin.Engine wrapper exposing every dispatcher operation
// as a JSON route.
type API struct {
	d *dispatcher.Dispatcher
}

func NewAPI(d *dispatcher.Dispatcher) *API {
	return &API{d: d}
}

// RegisterRoutes registers API routes on the provided gin engine.
func (a *API) RegisterRoutes(router *gin.Engine) {
	v1 := router.Group("/api/v1")
	{
		v1.POST("/rounds", a.Import)
		v1.GET("/rounds", a.ListRounds)
		v1.DELETE("/rounds", a.ClearAll)
		v1.DELETE("/rounds/:id", a.ClearRound)

		v1.POST("/lease", a.Lease)
		v1.POST("/tasks/:id/report", a.Report)
		v1.GET("/tasks", a.ListTasks)
		v1.GET("/tasks/find", a.FindTask)

		v1.POST("/sweep", a.Sweep)
		v1.GET("/inspect", a.Inspect)

		v1.POST("/nodes/processed", a.RecordProcessed)
		v1.GET("/nodes", a.ListNodes)
		v1.DELETE("/nodes/:nodeId", a.DeleteNode)

		v1.GET("/config", a.GetConfig)
		v1.PUT("/config", a.UpdateConfig)
		v1.POST("/report/trigger", a.TriggerReport)

		v1.GET("/failed", a.ExportFailed)
	}
}

func writeError(c *gin.Context, err error) {
	var ce *cerr.CoordinatorError
	if cerr.As(err, &ce) {
		status := statusForCode(ce.Code)
		c.Set("error_code", string(ce.Code))
		log.Warn().Str("code", string(ce.Code)).Err(err).Msg("request failed")
		c.JSON(status, gin.H{"code": ce.Code, "error": ce.Message})
		return
	}
	c.Set("error_code", "INTERNAL")
	log.Error().Err(err).Msg("unhandled request error")
	c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "error": err.Error()})
}

func statusForCode(code cerr.Code) int {
	switch code {
	case cerr.CodeNotFound:
		return http.StatusNotFound
	case cerr.CodeInvalidInput:
		return http.StatusBadRequest
	case cerr.CodeRoundCompleted, cerr.CodeNoActiveRound, cerr.CodeReportingDisabled, cerr.CodeInFlight:
		return http.StatusConflict
	case cerr.CodeRoundUnavail:
		return http.StatusServiceUnavailable
	case cerr.CodeWebhookHTTPError, cerr.CodeWebhookException, cerr.CodeNoWebhook:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

type importRequest struct {
	Paths      []string `json:"paths"`
	Name       string   `json:"name"`
	SourceType string   `json:"sourceType"`
	SourceHint string   `json:"sourceHint"`
	Activate   *bool    `json:"activate"`
}

// Import handles `import(paths, opts)`.
func (a *API) Import(c *gin.Context) {
	var req importRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": cerr.CodeInvalidInput, "error": "请求体格式错误"})
		return
	}
	sourceType := model.RoundSourceType(req.SourceType)
	res, err := a.d.CreateRound(c.Request.Context(), req.Paths, dispatcher.ImportOptions{
		Name: req.Name, SourceType: sourceType, SourceHint: req.SourceHint, Activate: req.Activate,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	log.Info().Str("round_id", res.RoundID).Int("added", res.Added).Msg("round created")
	c.JSON(http.StatusCreated, res)
}

// ListRounds handles `listRounds()`.
func (a *API) ListRounds(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"rounds": a.d.ListRounds()})
}

// ClearRound handles `clearRound(roundId)`.
func (a *API) ClearRound(c *gin.Context) {
	id := c.Param("id")
	n, err := a.d.ClearRound(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cleared": n})
}

// ClearAll handles `clearAll()`.
func (a *API) ClearAll(c *gin.Context) {
	n, err := a.d.ClearAll(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cleared": n})
}

type leaseRequest struct {
	BatchSize int    `json:"batchSize"`
	RoundID   string `json:"roundId"`
	NodeID    string `json:"nodeId"`
}

// Lease handles `lease(batchSize, roundId?, nodeId?)`.
func (a *API) Lease(c *gin.Context) {
	var req leaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": cerr.CodeInvalidInput, "error": "请求体格式错误"})
		return
	}
	tasks, err := a.d.Lease(c.Request.Context(), req.BatchSize, req.RoundID, req.NodeID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

type reportRequest struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Report handles `report(taskId, success, message?)`.
func (a *API) Report(c *gin.Context) {
	id := c.Param("id")
	var req reportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": cerr.CodeInvalidInput, "error": "请求体格式错误"})
		return
	}
	status, err := a.d.Report(c.Request.Context(), id, req.Success, req.Message)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": status})
}

// ListTasks handles `listTasks(status, page, pageSize, roundId?)`.
func (a *API) ListTasks(c *gin.Context) {
	status := model.TaskStatus(c.Query("status"))
	page := atoiDefault(c.Query("page"), 1)
	size := atoiDefault(c.Query("pageSize"), 20)
	roundID := c.Query("roundId")

	res, err := a.d.ListTasks(c.Request.Context(), status, page, size, roundID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// FindTask handles `findTask(query, roundId?)`.
func (a *API) FindTask(c *gin.Context) {
	query := c.Query("q")
	roundID := c.Query("roundId")
	task, rid, err := a.d.FindTask(c.Request.Context(), query, roundID)
	if err != nil {
		writeError(c, err)
		return
	}
	if task == nil {
		c.JSON(http.StatusOK, gin.H{"task": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"task": task, "roundId": rid})
}

type sweepRequest struct {
	ThresholdMs int64  `json:"thresholdMs"`
	RoundID     string `json:"roundId"`
}

// Sweep handles `sweep(thresholdMs, roundId?)`.
func (a *API) Sweep(c *gin.Context) {
	var req sweepRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": cerr.CodeInvalidInput, "error": "请求体格式错误"})
		return
	}
	n, err := a.d.Sweep(c.Request.Context(), req.ThresholdMs, req.RoundID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"failed": n})
}

// Inspect handles `inspect(thresholdMs, roundId?)`.
func (a *API) Inspect(c *gin.Context) {
	thresholdMs := int64(atoiDefault(c.Query("thresholdMs"), 0))
	roundID := c.Query("roundId")
	res, err := a.d.Inspect(c.Request.Context(), thresholdMs, roundID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type recordProcessedRequest struct {
	NodeID      string  `json:"nodeId"`
	ItemNum     int64   `json:"itemNum"`
	RunningTime float64 `json:"runningTime"`
	RoundID     string  `json:"roundId"`
}

// RecordProcessed handles `recordProcessed({nodeId, itemNum,
// runningTime}, roundId?)`. The HTTP-facing variant requires a round:
// the given roundId, or the active round when roundId is empty; when
// neither resolves it answers NO_ACTIVE_ROUND (the node statistics are
// still recorded), per SPEC_FULL.md's Open Question resolution.
func (a *API) RecordProcessed(c *gin.Context) {
	var req recordProcessedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": cerr.CodeInvalidInput, "error": "请求体格式错误"})
		return
	}
	err := a.d.RecordProcessed(c.Request.Context(), req.NodeID, req.ItemNum, req.RunningTime, req.RoundID, true)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// ListNodes handles `listNodes(page, pageSize, roundId?)`.
func (a *API) ListNodes(c *gin.Context) {
	page := atoiDefault(c.Query("page"), 1)
	size := atoiDefault(c.Query("pageSize"), 20)
	list, summary := a.d.ListNodes(page, size, c.Query("roundId"))
	c.JSON(http.StatusOK, gin.H{"nodes": list, "summary": summary})
}

// DeleteNode handles `deleteNode(nodeId, roundId?)`.
func (a *API) DeleteNode(c *gin.Context) {
	deleted := a.d.DeleteNode(c.Param("nodeId"))
	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}

// GetConfig handles `getConfig()`.
func (a *API) GetConfig(c *gin.Context) {
	cfg, reporting := a.d.GetConfig()
	c.JSON(http.StatusOK, gin.H{"config": cfg, "reporting": reporting})
}

type updateConfigRequest struct {
	DefaultBatchSize            *int    `json:"defaultBatchSize"`
	MaxBatchSize                *int    `json:"maxBatchSize"`
	FeishuWebhookURL            *string `json:"feishuWebhookUrl"`
	FeishuReportIntervalMinutes *int    `json:"feishuReportIntervalMinutes"`
}

// UpdateConfig handles `updateConfig(partial)`.
func (a *API) UpdateConfig(c *gin.Context) {
	var req updateConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": cerr.CodeInvalidInput, "error": "请求体格式错误"})
		return
	}
	cfg, err := a.d.UpdateConfig(dispatcher.ConfigPatch{
		DefaultBatchSize:            req.DefaultBatchSize,
		MaxBatchSize:                req.MaxBatchSize,
		FeishuWebhookURL:            req.FeishuWebhookURL,
		FeishuReportIntervalMinutes: req.FeishuReportIntervalMinutes,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	log.Info().Msg("configuration updated")
	c.JSON(http.StatusOK, gin.H{"config": cfg})
}

// TriggerReport handles `triggerReport("manual")`.
func (a *API) TriggerReport(c *gin.Context) {
	if err := a.d.TriggerReport(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// ExportFailed handles `exportFailed(roundId?, limit?)`.
func (a *API) ExportFailed(c *gin.Context) {
	limit := atoiDefault(c.Query("limit"), 0)
	rows, err := a.d.ExportFailed(c.Request.Context(), c.Query("roundId"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"failed": rows})
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
