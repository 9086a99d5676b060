package api

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"vela/cycle"
	"vela/store"
	"vela/strategy"
)

// Server HTTP API server
type Server struct {
	router *gin.Engine
	orch   *cycle.Orchestrator
	store  *store.Store
	hub    *Hub
	port   int
}

// NewServer creates API server
func NewServer(orch *cycle.Orchestrator, st *store.Store, port int) *Server {
	// Set to Release mode (reduces log output)
	gin.SetMode(gin.ReleaseMode)

	router := gin.Default()

	// Add request logging middleware for debugging
	router.Use(func(c *gin.Context) {
		log.Printf("📥 Incoming request: %s %s%s (from %s)",
			c.Request.Method, c.Request.Host, c.Request.URL.Path, c.ClientIP())
		c.Next()
	})

	// Enable CORS
	router.Use(corsMiddleware())

	s := &Server{
		router: router,
		orch:   orch,
		store:  st,
		hub:    NewHub(),
		port:   port,
	}

	// Setup routes
	s.setupRoutes()

	return s
}

// Hub returns the stream hub; wire it as the orchestrator's frame emitter.
func (s *Server) Hub() *Hub {
	return s.hub
}

// corsMiddleware CORS middleware
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Cache-Control")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusOK)
			return
		}

		c.Next()
	}
}

// setupRoutes sets up routes
func (s *Server) setupRoutes() {
	// Health check
	s.router.Any("/health", s.handleHealth)

	// Prometheus scrape endpoint
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API route group
	api := s.router.Group("/api")
	{
		// Loop status
		api.GET("/status", s.handleStatus)

		// Strategy registry
		api.GET("/strategies", s.handleStrategies)
		api.GET("/strategies/:id", s.handleStrategy)

		// Performance and correlation statistics
		api.GET("/performance", s.handlePerformance)
		api.GET("/correlations", s.handleCorrelations)

		// Decision audit trail
		api.GET("/decisions", s.handleDecisions)
		api.GET("/decisions/latest", s.handleLatestDecisions)
		api.GET("/equity-history", s.handleEquityHistory)

		// Risk state and operator controls
		api.GET("/risk", s.handleRisk)
		api.POST("/risk/reset", s.handleRiskReset)
		api.POST("/rebalance", s.handleRebalance)

		// Live cycle frames
		api.GET("/stream", s.handleStream)
	}

	// Add 404 handler for unmatched routes
	s.router.NoRoute(func(c *gin.Context) {
		log.Printf("❌ 404 - Route not found: %s %s%s",
			c.Request.Method, c.Request.Host, c.Request.URL.Path)
		c.JSON(http.StatusNotFound, gin.H{
			"error": fmt.Sprintf("route not found: %s %s", c.Request.Method, c.Request.URL.Path),
		})
	})
}

// handleHealth health check
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().Format(time.RFC3339),
	})
}

// handleStatus loop status
func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.orch.Status())
}

// handleStrategies full registry listing
func (s *Server) handleStrategies(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"strategies":     s.orch.Registry().All(),
		"failed_reviews": s.orch.Registry().FailedReviews(),
	})
}

// handleStrategy single strategy by ID
func (s *Server) handleStrategy(c *gin.Context) {
	id := c.Param("id")
	st, err := s.orch.Registry().Get(id)
	if err != nil {
		if errors.Is(err, strategy.ErrUnknownStrategy) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, st)
}

// handlePerformance latest per-strategy snapshots plus total realized PnL
func (s *Server) handlePerformance(c *gin.Context) {
	tracker := s.orch.Tracker()
	c.JSON(http.StatusOK, gin.H{
		"total_pnl": tracker.TotalPnL(),
		"snapshots": tracker.LatestAll(),
	})
}

// handleCorrelations matrix from the most recent rebalance
func (s *Server) handleCorrelations(c *gin.Context) {
	c.JSON(http.StatusOK, s.orch.CorrelationMatrix())
}

// handleDecisions decision audit rows, oldest first
func (s *Server) handleDecisions(c *gin.Context) {
	limit, err := limitQuery(c, 100)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rows, err := s.store.LatestDecisions(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("failed to get decisions: %v", err),
		})
		return
	}
	c.JSON(http.StatusOK, rows)
}

// handleLatestDecisions all decisions of the newest committed cycle
func (s *Server) handleLatestDecisions(c *gin.Context) {
	number := s.orch.Status().CycleNumber
	if number == 0 {
		c.JSON(http.StatusOK, []store.DecisionRow{})
		return
	}

	rows, err := s.store.DecisionsForCycle(number)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("failed to get decisions for cycle %d: %v", number, err),
		})
		return
	}
	c.JSON(http.StatusOK, rows)
}

// handleEquityHistory equity curve points, oldest first
func (s *Server) handleEquityHistory(c *gin.Context) {
	limit, err := limitQuery(c, 2000)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	points, err := s.store.EquityHistory(limit)
	if err != nil {
		log.Printf("❌ Failed to get equity history: %v", err)
		// Return empty array instead of error to prevent 500 errors
		c.JSON(http.StatusOK, []store.EquityPoint{})
		return
	}
	c.JSON(http.StatusOK, points)
}

// handleRisk committed risk state, configured limits and open exposure
func (s *Server) handleRisk(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"state":    s.orch.RiskState(),
		"limits":   s.orch.Gate().Limits(),
		"exposure": s.orch.Exposure(),
	})
}

// handleRiskReset queues the explicit halt reset
func (s *Server) handleRiskReset(c *gin.Context) {
	s.orch.RequestHaltReset()
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "halt reset queued for next cycle",
	})
}

// handleRebalance queues a weight recompute
func (s *Server) handleRebalance(c *gin.Context) {
	s.orch.RequestRebalance()
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "rebalance queued for next cycle",
	})
}

// limitQuery parses the optional positive ?limit= parameter
func limitQuery(c *gin.Context, fallback int) (int, error) {
	raw := c.Query("limit")
	if raw == "" {
		return fallback, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, fmt.Errorf("invalid limit parameter: %q", raw)
	}
	return limit, nil
}

// Start starts the server
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	log.Printf("🌐 API server started at http://localhost%s", addr)
	log.Printf("📊 API Documentation:")
	log.Printf("  • GET  /api/status           - Decision loop status")
	log.Printf("  • GET  /api/strategies       - Strategy registry listing")
	log.Printf("  • GET  /api/strategies/:id   - Single strategy")
	log.Printf("  • GET  /api/performance      - Per-strategy snapshots and total PnL")
	log.Printf("  • GET  /api/correlations     - Pairwise correlation matrix")
	log.Printf("  • GET  /api/decisions?limit=n - Decision audit rows")
	log.Printf("  • GET  /api/decisions/latest - Newest cycle's decisions")
	log.Printf("  • GET  /api/equity-history?limit=n - Equity curve")
	log.Printf("  • GET  /api/risk             - Risk state, limits and exposure")
	log.Printf("  • POST /api/risk/reset       - Clear a trading halt (next cycle)")
	log.Printf("  • POST /api/rebalance        - Force a weight recompute (next cycle)")
	log.Printf("  • GET  /api/stream           - Websocket cycle frames")
	log.Printf("  • GET  /metrics              - Prometheus metrics")
	log.Printf("  • GET  /health               - Health check")
	log.Println()

	return s.router.Run(addr)
}
