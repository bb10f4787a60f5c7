package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rzzdr/assignment-risk-engine/internal/engine"
	"github.com/rzzdr/assignment-risk-engine/internal/market"
	"github.com/rzzdr/assignment-risk-engine/internal/scheduler"
	"github.com/rzzdr/assignment-risk-engine/pkg/models"
	"github.com/rzzdr/assignment-risk-engine/pkg/utils/errors"
	"github.com/rzzdr/assignment-risk-engine/pkg/utils/logger"
)

// TickRunner triggers and lists the scheduled engine ticks
type TickRunner interface {
	RunNow(name string) error
	Jobs() []scheduler.JobInfo
}

// CloseHistory lists persisted close records
type CloseHistory interface {
	Closes(ctx context.Context) ([]models.CloseRecord, error)
}

// QuoteSetter accepts quotes pushed by the host
type QuoteSetter interface {
	Set(q market.Quote) error
}

// Handlers contains all HTTP handlers for the API
type Handlers struct {
	engine  engine.RiskEngine
	ticks   TickRunner
	closes  CloseHistory
	quotes  QuoteSetter
	started time.Time
	log     *logger.Logger
}

// CreateHandlers creates new API handlers. ticks and closes may be nil.
func CreateHandlers(eng engine.RiskEngine, ticks TickRunner, closes CloseHistory) *Handlers {
	return &Handlers{
		engine:  eng,
		ticks:   ticks,
		closes:  closes,
		started: time.Now(),
		log:     logger.GetLogger("api.handlers"),
	}
}

// WithQuotes enables quote pushes through PUT /quotes/:symbol
func (h *Handlers) WithQuotes(q QuoteSetter) *Handlers {
	h.quotes = q
	return h
}

// QuoteRequest is a pushed market quote
type QuoteRequest struct {
	Price             float64                 `json:"price" binding:"required"`
	ImpliedVolatility float64                 `json:"impliedVolatility"`
	Trend             models.Trend            `json:"trend"`
	VolatilityRegime  models.VolatilityRegime `json:"volatilityRegime"`
}

// ActionRequest asks the engine to execute a remediation
type ActionRequest struct {
	Action models.Action `json:"action" binding:"required"`
}

// ActionResponse reports the outcome of a remediation
type ActionResponse struct {
	PositionID string              `json:"positionId"`
	Action     models.Action       `json:"action"`
	Success    bool                `json:"success"`
	Roll       *models.RollRecord  `json:"roll,omitempty"`
	Close      *models.CloseRecord `json:"close,omitempty"`
	Error      string              `json:"error,omitempty"`
}

// HealthCheckHandler handles health check requests
func (h *Handlers) HealthCheckHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
		"uptime":    time.Since(h.started).Round(time.Second).String(),
	})
}

// StatusHandler returns the engine status
func (h *Handlers) StatusHandler(c *gin.Context) {
	c.JSON(http.StatusOK, h.engine.Status())
}

// ProfileHandler returns the active risk profile
func (h *Handlers) ProfileHandler(c *gin.Context) {
	c.JSON(http.StatusOK, h.engine.Profile())
}

// ListPositionsHandler returns every tracked position
func (h *Handlers) ListPositionsHandler(c *gin.Context) {
	positions := h.engine.Positions()
	c.JSON(http.StatusOK, gin.H{"count": len(positions), "positions": positions})
}

// GetPositionHandler returns one tracked position
func (h *Handlers) GetPositionHandler(c *gin.Context) {
	id := c.Param("id")
	pos, ok := h.engine.Position(id)
	if !ok {
		h.respondError(c, errors.NotFound("position not found: "+id))
		return
	}
	c.JSON(http.StatusOK, pos)
}

// RegisterPositionHandler starts tracking a position
func (h *Handlers) RegisterPositionHandler(c *gin.Context) {
	var spec engine.PositionSpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		h.respondError(c, errors.InvalidArgument("invalid position: "+err.Error()))
		return
	}

	pos, err := h.engine.RegisterPosition(c.Request.Context(), spec)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, pos)
}

// DeregisterPositionHandler stops tracking a position
func (h *Handlers) DeregisterPositionHandler(c *gin.Context) {
	if err := h.engine.DeregisterPosition(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ExecuteActionHandler runs a roll or close for a position
func (h *Handlers) ExecuteActionHandler(c *gin.Context) {
	var req ActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, errors.InvalidArgument("invalid action request: "+err.Error()))
		return
	}
	id := c.Param("id")
	action := models.Action(strings.ToUpper(strings.TrimSpace(string(req.Action))))

	res, err := h.engine.ExecuteAction(c.Request.Context(), id, action)
	resp := ActionResponse{PositionID: id, Action: action, Success: res.Success(), Roll: res.Roll, Close: res.Close}

	switch {
	case err == nil:
		c.JSON(http.StatusOK, resp)
	case errors.IsType(err, errors.ErrorTypeExecutionRejected):
		resp.Error = err.Error()
		c.JSON(http.StatusUnprocessableEntity, resp)
	default:
		h.respondError(c, err)
	}
}

// AssessHandler evaluates a position without tracking it
func (h *Handlers) AssessHandler(c *gin.Context) {
	var spec engine.PositionSpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		h.respondError(c, errors.InvalidArgument("invalid position: "+err.Error()))
		return
	}

	assessment, err := h.engine.Assess(c.Request.Context(), spec)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, assessment)
}

// ListAlertsHandler returns alerts, optionally filtered with ?status=ACTIVE,FAILED
func (h *Handlers) ListAlertsHandler(c *gin.Context) {
	var statuses []models.AlertStatus
	if raw := c.Query("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			st := models.AlertStatus(strings.ToUpper(strings.TrimSpace(s)))
			switch st {
			case models.AlertActive, models.AlertProcessed, models.AlertExpired, models.AlertFailed:
				statuses = append(statuses, st)
			default:
				h.respondError(c, errors.InvalidArgument("unknown alert status: "+s))
				return
			}
		}
	}

	alerts := h.engine.Alerts(statuses...)
	c.JSON(http.StatusOK, gin.H{"count": len(alerts), "alerts": alerts})
}

// SnapshotHandler returns the latest portfolio risk snapshot
func (h *Handlers) SnapshotHandler(c *gin.Context) {
	c.JSON(http.StatusOK, h.engine.Snapshot())
}

// ReportHandler returns a fresh risk report
func (h *Handlers) ReportHandler(c *gin.Context) {
	c.JSON(http.StatusOK, h.engine.Report())
}

// ClosesHandler returns the persisted close records
func (h *Handlers) ClosesHandler(c *gin.Context) {
	if h.closes == nil {
		c.JSON(http.StatusOK, gin.H{"count": 0, "closes": []models.CloseRecord{}})
		return
	}
	recs, err := h.closes.Closes(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(recs), "closes": recs})
}

// ListTicksHandler lists the scheduled ticks
func (h *Handlers) ListTicksHandler(c *gin.Context) {
	if h.ticks == nil {
		c.JSON(http.StatusOK, gin.H{"ticks": []scheduler.JobInfo{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ticks": h.ticks.Jobs()})
}

// RunTickHandler runs a tick now and waits for it
func (h *Handlers) RunTickHandler(c *gin.Context) {
	if h.ticks == nil {
		h.respondError(c, errors.NotFound("scheduler not configured"))
		return
	}
	name := c.Param("name")
	start := time.Now()
	if err := h.ticks.RunNow(name); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tick": name, "duration": time.Since(start).String()})
}

// SetQuoteHandler stores a quote for the next monitor tick
func (h *Handlers) SetQuoteHandler(c *gin.Context) {
	if h.quotes == nil {
		h.respondError(c, errors.NotFound("quote updates are not enabled"))
		return
	}
	var req QuoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, errors.InvalidArgument("invalid quote: "+err.Error()))
		return
	}

	q := market.Quote{
		Symbol:            strings.ToUpper(c.Param("symbol")),
		Price:             req.Price,
		ImpliedVolatility: req.ImpliedVolatility,
		Trend:             models.Trend(strings.ToUpper(string(req.Trend))),
		VolatilityRegime:  models.VolatilityRegime(strings.ToUpper(string(req.VolatilityRegime))),
	}
	if err := h.quotes.Set(q); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, q)
}

// respondError maps error types to HTTP status codes
func (h *Handlers) respondError(c *gin.Context, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Errorw("Request failed", "path", c.Request.URL.Path, "error", err)
	}
	c.JSON(status, gin.H{"error": err.Error(), "type": errors.TypeOf(err).String()})
}

// StatusFor returns the HTTP status for an error
func StatusFor(err error) int {
	switch errors.TypeOf(err) {
	case errors.ErrorTypeInvalidArgument:
		return http.StatusBadRequest
	case errors.ErrorTypeNotFound:
		return http.StatusNotFound
	case errors.ErrorTypeAlreadyExists:
		return http.StatusConflict
	case errors.ErrorTypeExecutionRejected:
		return http.StatusUnprocessableEntity
	case errors.ErrorTypeDataUnavailable, errors.ErrorTypeAdvisoryFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
