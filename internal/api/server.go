// Package api provides the REST API server.
package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/mintpool/settler/internal/alert"
	"github.com/mintpool/settler/internal/config"
	"github.com/mintpool/settler/internal/storage"
	"github.com/mintpool/settler/internal/util"
	"github.com/mintpool/settler/internal/withdraw"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Runner triggers a settlement run for one pool account
type Runner interface {
	TriggerRun(source, account, coin string) error
}

// Server is the API server
type Server struct {
	cfg         *config.Config
	redis       *storage.RedisClient
	alerts      *alert.Service
	withdrawals *withdraw.Service
	runner      Runner
	router      *gin.Engine
	server      *http.Server
}

// BalanceResponse is the /api/users/:id/balance response
type BalanceResponse struct {
	UserID   string `json:"user_id"`
	Balance  string `json:"balance"`
	Currency string `json:"currency"`
	Blocked  bool   `json:"withdrawals_blocked"`
}

// WithdrawRequest is the withdrawal application body
type WithdrawRequest struct {
	RequestID string `json:"request_id" binding:"required"`
	Amount    string `json:"amount" binding:"required"`
}

// BindingRequest binds a worker ID to a user
type BindingRequest struct {
	WorkerID string `json:"worker_id" binding:"required"`
	UserID   string `json:"user_id" binding:"required"`
}

// WorkerRequest registers a platform worker ID
type WorkerRequest struct {
	WorkerID string `json:"worker_id" binding:"required"`
}

// InviterRequest records an inviter relationship
type InviterRequest struct {
	UserID    string `json:"user_id" binding:"required"`
	InviterID string `json:"inviter_id" binding:"required"`
}

// TriggerRequest asks for an out-of-schedule settlement run
type TriggerRequest struct {
	Source  string `json:"source" binding:"required"`
	Account string `json:"account" binding:"required"`
	Coin    string `json:"coin" binding:"required"`
}

// NewServer creates a new API server
func NewServer(cfg *config.Config, redis *storage.RedisClient, alerts *alert.Service,
	withdrawals *withdraw.Service, runner Runner) *Server {

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		cfg:         cfg,
		redis:       redis,
		alerts:      alerts,
		withdrawals: withdrawals,
		runner:      runner,
		router:      router,
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures API endpoints
func (s *Server) setupRoutes() {
	// CORS middleware
	origins := "*"
	if len(s.cfg.API.CORSOrigins) > 0 {
		origins = strings.Join(s.cfg.API.CORSOrigins, ", ")
	}
	s.router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", origins)
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	api := s.router.Group("/api")
	{
		api.GET("/batches", s.handleBatches)
		api.GET("/batches/:ref", s.handleBatch)
		api.GET("/batches/:ref/items", s.handleBatchItems)
		api.GET("/batches/:ref/commissions", s.handleBatchCommissions)
		api.GET("/alerts", s.handleOpenAlerts)
		api.GET("/alerts/:ref", s.handleAlert)
		api.GET("/users/:id/balance", s.handleBalance)
		api.GET("/users/:id/ledger", s.handleLedger)
		api.POST("/users/:id/withdrawals", s.handleWithdraw)
	}

	// Alert stream
	s.router.GET("/ws/alerts", s.handleAlertStream)

	// Admin API (password protected)
	if s.cfg.API.AdminEnabled && s.cfg.API.AdminPassword != "" {
		admin := s.router.Group("/admin")
		admin.Use(s.adminAuthMiddleware())
		{
			admin.POST("/alerts/:ref/resolve", s.handleResolveAlert)
			admin.POST("/settle", s.handleTriggerRun)
			admin.POST("/bindings", s.handleSetBinding)
			admin.POST("/inviters", s.handleSetInviter)
			admin.POST("/workers", s.handleRegisterWorker)
			admin.DELETE("/workers/:id", s.handleUnregisterWorker)
		}
	}

	// Health check
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
}

// Start begins the API server
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    s.cfg.API.Bind,
		Handler: s.router,
	}

	util.Infof("API server listening on %s", s.cfg.API.Bind)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			util.Errorf("API server error: %v", err)
		}
	}()

	return nil
}

// Stop shuts down the API server
func (s *Server) Stop() error {
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

// Router exposes the handler for tests
func (s *Server) Router() http.Handler {
	return s.router
}

// handleBatches returns recent settlement batches
func (s *Server) handleBatches(c *gin.Context) {
	limit := int64(50)
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	batches, err := s.redis.ListRecentBatches(limit)
	if err != nil {
		c.JSON(500, gin.H{"error": "Failed to get batches"})
		return
	}

	c.JSON(200, gin.H{"batches": batches})
}

// handleBatch returns one settlement batch
func (s *Server) handleBatch(c *gin.Context) {
	batch, err := s.redis.GetBatch(c.Param("ref"))
	if err != nil {
		c.JSON(500, gin.H{"error": "Failed to get batch"})
		return
	}
	if batch == nil {
		c.JSON(404, gin.H{"error": "Batch not found"})
		return
	}

	c.JSON(200, batch)
}

// handleBatchItems returns the allocated items of a batch
func (s *Server) handleBatchItems(c *gin.Context) {
	items, err := s.redis.GetBatchItems(c.Param("ref"))
	if err != nil {
		c.JSON(500, gin.H{"error": "Failed to get batch items"})
		return
	}

	c.JSON(200, gin.H{"items": items})
}

// handleBatchCommissions returns inviter commission records of a batch
func (s *Server) handleBatchCommissions(c *gin.Context) {
	records, err := s.redis.GetCommissionRecords(c.Param("ref"))
	if err != nil {
		c.JSON(500, gin.H{"error": "Failed to get commission records"})
		return
	}

	c.JSON(200, gin.H{"commissions": records})
}

// handleOpenAlerts returns all open alerts
func (s *Server) handleOpenAlerts(c *gin.Context) {
	alerts, err := s.alerts.ListOpen()
	if err != nil {
		c.JSON(500, gin.H{"error": "Failed to get alerts"})
		return
	}

	c.JSON(200, gin.H{"alerts": alerts})
}

// handleAlert returns one alert
func (s *Server) handleAlert(c *gin.Context) {
	a, err := s.alerts.Get(c.Param("ref"))
	if err != nil {
		c.JSON(500, gin.H{"error": "Failed to get alert"})
		return
	}
	if a == nil {
		c.JSON(404, gin.H{"error": "Alert not found"})
		return
	}

	c.JSON(200, a)
}

// handleBalance returns a user's accounting balance
func (s *Server) handleBalance(c *gin.Context) {
	userID := c.Param("id")

	units, err := s.redis.GetBalance(userID)
	if err != nil {
		c.JSON(500, gin.H{"error": "Failed to get balance"})
		return
	}

	blocked, err := s.alerts.HasOpenAlerts(userID)
	if err != nil {
		c.JSON(500, gin.H{"error": "Failed to check alerts"})
		return
	}

	c.JSON(200, BalanceResponse{
		UserID:   userID,
		Balance:  decimal.New(units, -s.cfg.Settlement.Scale).StringFixed(s.cfg.Settlement.Scale),
		Currency: s.cfg.Valuation.DisplayCurrency,
		Blocked:  blocked,
	})
}

// handleLedger returns a user's recent ledger entries
func (s *Server) handleLedger(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}

	entries, err := s.redis.GetLedger(c.Param("id"), limit)
	if err != nil {
		c.JSON(500, gin.H{"error": "Failed to get ledger"})
		return
	}

	c.JSON(200, gin.H{"entries": entries})
}

// handleWithdraw applies a withdrawal request
func (s *Server) handleWithdraw(c *gin.Context) {
	userID := c.Param("id")

	var req WithdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": "request_id and amount are required"})
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		c.JSON(400, gin.H{"error": "Invalid amount"})
		return
	}

	duplicate, err := s.withdrawals.Apply(userID, req.RequestID, amount)
	if err != nil {
		switch {
		case errors.Is(err, withdraw.ErrBadAmount):
			c.JSON(400, gin.H{"error": err.Error()})
		case errors.Is(err, withdraw.ErrBlocked):
			c.JSON(403, gin.H{"error": "Withdrawals blocked by open alert"})
		case errors.Is(err, withdraw.ErrInsufficient):
			c.JSON(409, gin.H{"error": "Insufficient balance"})
		case errors.Is(err, withdraw.ErrBusy):
			c.JSON(429, gin.H{"error": "Withdrawal already in progress"})
		default:
			c.JSON(500, gin.H{"error": "Failed to apply withdrawal"})
		}
		return
	}

	c.JSON(200, gin.H{"applied": true, "duplicate": duplicate})
}

// handleAlertStream upgrades to a WebSocket and streams newly opened alerts
func (s *Server) handleAlertStream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		util.Warnf("WebSocket upgrade error: %v", err)
		return
	}
	defer conn.Close()

	ch := s.alerts.Subscribe()
	defer s.alerts.Unsubscribe(ch)

	// Reader only detects client close
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case a, ok := <-ch:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(a); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleResolveAlert closes an open alert
func (s *Server) handleResolveAlert(c *gin.Context) {
	resolved, err := s.alerts.Resolve(c.Param("ref"))
	if err != nil {
		c.JSON(500, gin.H{"error": "Failed to resolve alert"})
		return
	}
	if !resolved {
		c.JSON(404, gin.H{"error": "Alert not open"})
		return
	}

	c.JSON(200, gin.H{"resolved": true})
}

// handleTriggerRun starts a settlement run for the last closed window
func (s *Server) handleTriggerRun(c *gin.Context) {
	var req TriggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": "source, account and coin are required"})
		return
	}

	if err := s.runner.TriggerRun(req.Source, req.Account, req.Coin); err != nil {
		c.JSON(404, gin.H{"error": err.Error()})
		return
	}

	c.JSON(202, gin.H{"triggered": true})
}

// handleSetBinding binds a worker ID to a user
func (s *Server) handleSetBinding(c *gin.Context) {
	var req BindingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": "worker_id and user_id are required"})
		return
	}

	if err := s.redis.SetBinding(req.WorkerID, req.UserID); err != nil {
		c.JSON(500, gin.H{"error": "Failed to set binding"})
		return
	}

	c.JSON(200, gin.H{"bound": true})
}

// handleSetInviter records an inviter relationship
func (s *Server) handleSetInviter(c *gin.Context) {
	var req InviterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": "user_id and inviter_id are required"})
		return
	}

	if err := s.redis.SetInviter(req.UserID, req.InviterID); err != nil {
		c.JSON(500, gin.H{"error": "Failed to set inviter"})
		return
	}

	c.JSON(200, gin.H{"recorded": true})
}

// handleRegisterWorker adds a worker ID to the platform registry
func (s *Server) handleRegisterWorker(c *gin.Context) {
	var req WorkerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": "worker_id is required"})
		return
	}

	if err := s.redis.RegisterWorker(req.WorkerID); err != nil {
		c.JSON(500, gin.H{"error": "Failed to register worker"})
		return
	}

	c.JSON(200, gin.H{"registered": true})
}

// handleUnregisterWorker removes a worker ID from the registry
func (s *Server) handleUnregisterWorker(c *gin.Context) {
	if err := s.redis.UnregisterWorker(c.Param("id")); err != nil {
		c.JSON(500, gin.H{"error": "Failed to unregister worker"})
		return
	}

	c.JSON(200, gin.H{"removed": true})
}

// adminAuthMiddleware validates admin password
func (s *Server) adminAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check Authorization header
		auth := c.GetHeader("Authorization")
		if auth == "" {
			c.JSON(401, gin.H{"error": "Authorization required"})
			c.Abort()
			return
		}

		// Support both "Bearer <password>" and plain password
		password := strings.TrimPrefix(auth, "Bearer ")
		if password != s.cfg.API.AdminPassword {
			c.JSON(403, gin.H{"error": "Invalid password"})
			c.Abort()
			return
		}

		c.Next()
	}
}
