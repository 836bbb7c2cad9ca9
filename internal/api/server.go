package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/GoPolymarket/trade-gatekeeper/internal/approval"
	"github.com/GoPolymarket/trade-gatekeeper/internal/audit"
	"github.com/GoPolymarket/trade-gatekeeper/internal/backtest"
	"github.com/GoPolymarket/trade-gatekeeper/internal/evolution"
	"github.com/GoPolymarket/trade-gatekeeper/internal/execution"
	"github.com/GoPolymarket/trade-gatekeeper/internal/gate"
	"github.com/GoPolymarket/trade-gatekeeper/internal/logging"
	"github.com/GoPolymarket/trade-gatekeeper/internal/params"
	"github.com/GoPolymarket/trade-gatekeeper/internal/performance"
	"github.com/GoPolymarket/trade-gatekeeper/internal/risk"
	"github.com/GoPolymarket/trade-gatekeeper/internal/trade"
)

// Submission is the outcome of one intent after the gate and, if it ran,
// the executor.
type Submission struct {
	DecisionID string                 `json:"decision_id"`
	Result     gate.Result            `json:"result"`
	Order      *execution.OrderResult `json:"order,omitempty"`
	OrderError string                 `json:"order_error,omitempty"`
}

// AppState exposes the running service to the API layer.
type AppState interface {
	TradingMode() string
	IsDryRun() bool
	IsRunning() bool
	RiskState() risk.State
	SetPaused(ctx context.Context, paused bool, by string)
	Submit(ctx context.Context, intent trade.Intent) (Submission, error)
}

type ParamStore interface {
	Snapshot(ctx context.Context) (params.Snapshot, error)
	All(ctx context.Context) ([]params.Parameter, error)
	History(ctx context.Context, key string, limit int) ([]params.Parameter, error)
	Set(ctx context.Context, key string, value float64, by params.Source, reason string) (params.Parameter, error)
}

type Approvals interface {
	Waiting(ctx context.Context) ([]approval.Pending, error)
	Resolve(ctx context.Context, token string, status approval.Status, actor, note string) (approval.Pending, bool, error)
}

type EvolutionRunner interface {
	RunCycle(ctx context.Context) ([]evolution.Change, error)
}

// BacktestRequest asks for one backtest run. Params overrides the live
// parameter snapshot key by key.
type BacktestRequest struct {
	Symbol         string             `json:"symbol" binding:"required"`
	From           time.Time          `json:"from"`
	To             time.Time          `json:"to"`
	InitialCapital float64            `json:"initial_capital"`
	Params         map[string]float64 `json:"params"`
}

type Backtester interface {
	Backtest(ctx context.Context, req BacktestRequest) (backtest.Result, error)
}

type PerformanceReporter interface {
	Report(ctx context.Context) (performance.Report, error)
}

type AuditLog interface {
	RecentDecisions(ctx context.Context, limit int) ([]audit.Decision, error)
	DecisionCounts(ctx context.Context, since time.Time) (map[string]int, error)
	Approvals(ctx context.Context, limit int) ([]approval.Pending, error)
	EvolutionHistory(ctx context.Context, limit int) ([]evolution.Change, error)
}

// EventStream upgrades a request to a websocket feed.
type EventStream interface {
	ServeWS(w http.ResponseWriter, r *http.Request)
}

// Deps are the server's collaborators. Evolution, Backtester, Audit and
// Events are optional.
type Deps struct {
	App         AppState
	Params      ParamStore
	Approvals   Approvals
	Evolution   EvolutionRunner
	Backtester  Backtester
	Performance PerformanceReporter
	Audit       AuditLog
	Events      EventStream

	JWTSecret   string
	CORSOrigins []string
}

// Server is the operator HTTP API.
type Server struct {
	httpServer *http.Server
	router     *gin.Engine
	deps       Deps
	startedAt  time.Time
	log        *logrus.Entry
}

// NewServer creates a new API server bound to addr.
func NewServer(addr string, deps Deps) *Server {
	s := &Server{
		deps:      deps,
		startedAt: time.Now(),
		log:       logging.For("api"),
	}

	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())
	corsConfig := cors.DefaultConfig()
	if len(deps.CORSOrigins) > 0 {
		corsConfig.AllowOrigins = deps.CORSOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	router.Use(cors.New(corsConfig))

	api := router.Group("/api")
	api.GET("/health", s.handleHealth)
	api.GET("/ready", s.handleReady)
	api.GET("/status", s.handleStatus)
	api.GET("/parameters", s.handleParameters)
	api.GET("/parameters/:key/history", s.handleParameterHistory)
	api.GET("/approvals", s.handleApprovals)
	api.GET("/performance", s.handlePerformance)
	api.GET("/decisions/recent", s.handleRecentDecisions)
	api.GET("/evolution/history", s.handleEvolutionHistory)
	if deps.Events != nil {
		api.GET("/ws", func(c *gin.Context) { deps.Events.ServeWS(c.Writer, c.Request) })
	}

	op := api.Group("")
	op.Use(RequireOperator(deps.JWTSecret))
	op.PUT("/parameters/:key", s.handleSetParameter)
	op.POST("/decisions", s.handleDecision)
	op.POST("/approvals/:token/approve", s.handleResolve(approval.StatusApproved))
	op.POST("/approvals/:token/deny", s.handleResolve(approval.StatusDenied))
	op.POST("/trading/pause", s.handlePause(true))
	op.POST("/trading/resume", s.handlePause(false))
	op.POST("/evolution/run", s.handleEvolutionRun)
	op.POST("/backtests", s.handleBacktest)

	s.router = router
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start begins serving HTTP requests.
func (s *Server) Start(_ context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	s.log.WithField("addr", s.httpServer.Addr).Info("api server listening")
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("api server stopped")
		}
	}()
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.Request.URL.Path == "/api/health" {
			return
		}
		s.log.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.FullPath(),
			"status":  c.Writer.Status(),
			"latency": time.Since(start).Round(time.Millisecond).String(),
		}).Debug("request")
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"uptime_sec": int(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) handleReady(c *gin.Context) {
	if !s.deps.App.IsRunning() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false, "reason": "not running"})
		return
	}
	if _, err := s.deps.Params.Snapshot(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false, "reason": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ready": true})
}

func (s *Server) handleStatus(c *gin.Context) {
	ctx := c.Request.Context()
	st := s.deps.App.RiskState()
	resp := gin.H{
		"trading_mode": s.deps.App.TradingMode(),
		"dry_run":      s.deps.App.IsDryRun(),
		"running":      s.deps.App.IsRunning(),
		"paused":       st.Paused,
		"risk":         st,
		"uptime_sec":   int(time.Since(s.startedAt).Seconds()),
	}
	if snap, err := s.deps.Params.Snapshot(ctx); err == nil {
		resp["params"] = snap.Values()
	} else {
		resp["params_error"] = err.Error()
	}
	if waiting, err := s.deps.Approvals.Waiting(ctx); err == nil {
		resp["pending_approvals"] = len(waiting)
	}
	if s.deps.Audit != nil {
		if counts, err := s.deps.Audit.DecisionCounts(ctx, st.DayStart); err == nil {
			resp["decisions_today"] = counts
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleParameters(c *gin.Context) {
	all, err := s.deps.Params.All(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"parameters": all, "count": len(all)})
}

func (s *Server) handleParameterHistory(c *gin.Context) {
	limit := queryLimit(c, 50)
	hist, err := s.deps.Params.History(c.Request.Context(), c.Param("key"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": c.Param("key"), "history": hist, "count": len(hist)})
}

type setParameterRequest struct {
	Value  *float64 `json:"value" binding:"required"`
	Reason string   `json:"reason"`
}

func (s *Server) handleSetParameter(c *gin.Context) {
	var req setParameterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "manual update by " + operatorFrom(c)
	}
	p, err := s.deps.Params.Set(c.Request.Context(), c.Param("key"), *req.Value, params.SourceManual, reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

type decisionResponse struct {
	DecisionID    string                 `json:"decision_id"`
	Outcome       trade.Outcome          `json:"outcome"`
	Reason        string                 `json:"reason"`
	DecisionNote  string                 `json:"decision_reason,omitempty"`
	ThresholdUsed float64                `json:"threshold_used"`
	Class         trade.Class            `json:"class,omitempty"`
	Remediation   []string               `json:"remediation,omitempty"`
	Approval      *approval.Outcome      `json:"approval,omitempty"`
	Execute       bool                   `json:"execute"`
	Order         *execution.OrderResult `json:"order,omitempty"`
	OrderError    string                 `json:"order_error,omitempty"`
}

func (s *Server) handleDecision(c *gin.Context) {
	var intent trade.Intent
	if err := c.ShouldBindJSON(&intent); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sub, err := s.deps.App.Submit(c.Request.Context(), intent)
	if err != nil {
		writeError(c, err)
		return
	}
	d := sub.Result.Decision
	resp := decisionResponse{
		DecisionID:    sub.DecisionID,
		Outcome:       d.Outcome,
		Reason:        sub.Result.Reason,
		ThresholdUsed: d.ThresholdUsed,
		Class:         d.Class,
		Remediation:   d.Remediation,
		Approval:      sub.Result.Approval,
		Execute:       sub.Result.Execute,
		Order:         sub.Order,
		OrderError:    sub.OrderError,
	}
	if sub.Result.Reason != d.Reason {
		resp.DecisionNote = d.Reason
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleApprovals(c *gin.Context) {
	ctx := c.Request.Context()
	waiting, err := s.deps.Approvals.Waiting(ctx)
	if err != nil {
		writeError(c, err)
		return
	}
	resp := gin.H{"waiting": waiting, "count": len(waiting)}
	if s.deps.Audit != nil {
		if recent, err := s.deps.Audit.Approvals(ctx, queryLimit(c, 50)); err == nil {
			resp["recent"] = recent
		}
	}
	c.JSON(http.StatusOK, resp)
}

type resolveRequest struct {
	Note string `json:"note"`
}

func (s *Server) handleResolve(status approval.Status) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req resolveRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
		}
		p, applied, err := s.deps.Approvals.Resolve(c.Request.Context(), c.Param("token"), status, operatorFrom(c), req.Note)
		if err != nil {
			writeError(c, err)
			return
		}
		// A repeated resolution is a no-op: retried clicks must not look like failures.
		c.JSON(http.StatusOK, gin.H{"approval": p, "applied": applied})
	}
}

func (s *Server) handlePause(paused bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		s.deps.App.SetPaused(c.Request.Context(), paused, operatorFrom(c))
		c.JSON(http.StatusOK, gin.H{"paused": paused})
	}
}

func (s *Server) handleEvolutionRun(c *gin.Context) {
	if s.deps.Evolution == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "evolution disabled"})
		return
	}
	changes, err := s.deps.Evolution.RunCycle(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "changes": changes})
		return
	}
	c.JSON(http.StatusOK, gin.H{"changes": changes})
}

func (s *Server) handleEvolutionHistory(c *gin.Context) {
	if s.deps.Audit == nil {
		c.JSON(http.StatusOK, gin.H{"changes": []evolution.Change{}})
		return
	}
	changes, err := s.deps.Audit.EvolutionHistory(c.Request.Context(), queryLimit(c, 20))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"changes": changes, "count": len(changes)})
}

func (s *Server) handleBacktest(c *gin.Context) {
	if s.deps.Backtester == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "backtests unavailable"})
		return
	}
	var req BacktestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !req.From.IsZero() && !req.To.IsZero() && req.To.Before(req.From) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "to must not be before from"})
		return
	}
	res, err := s.deps.Backtester.Backtest(c.Request.Context(), req)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handlePerformance(c *gin.Context) {
	r, err := s.deps.Performance.Report(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (s *Server) handleRecentDecisions(c *gin.Context) {
	if s.deps.Audit == nil {
		c.JSON(http.StatusOK, gin.H{"decisions": []audit.Decision{}})
		return
	}
	ds, err := s.deps.Audit.RecentDecisions(c.Request.Context(), queryLimit(c, 50))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"decisions": ds, "count": len(ds)})
}

// writeError maps domain errors to status codes.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	var rejected *params.RejectedError
	switch {
	case errors.Is(err, params.ErrUnknownKey), errors.Is(err, approval.ErrNotFound):
		status = http.StatusNotFound
	case errors.As(err, &rejected):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, approval.ErrInvalidStatus):
		status = http.StatusBadRequest
	case errors.Is(err, gate.ErrHalted), errors.Is(err, params.ErrUnavailable), errors.Is(err, approval.ErrClosed):
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func queryLimit(c *gin.Context, def int) int {
	n, err := strconv.Atoi(c.Query("limit"))
	if err != nil || n <= 0 {
		return def
	}
	if n > 500 {
		return 500
	}
	return n
}
