package api

import (
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"hive/engine"
	"hive/ledger"
)

// Server HTTP API server exposing read-only engine state for dashboards
type Server struct {
	router      *gin.Engine
	coordinator *engine.Coordinator
	port        int
	startTime   time.Time
}

// NewServer creates the API server over a running coordinator
func NewServer(coordinator *engine.Coordinator, port int) *Server {
	// Release mode reduces log output
	gin.SetMode(gin.ReleaseMode)

	router := gin.Default()
	router.Use(corsMiddleware())

	s := &Server{
		router:      router,
		coordinator: coordinator,
		port:        port,
		startTime:   time.Now(),
	}
	s.setupRoutes()
	return s
}

// corsMiddleware CORS middleware
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
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
	s.router.Any("/health", s.handleHealth)

	api := s.router.Group("/api")
	{
		api.GET("/status", s.handleStatus)
		api.GET("/positions", s.handlePositions)
		api.GET("/history", s.handleHistory)
		api.GET("/capital", s.handleCapital)
		api.GET("/bots", s.handleBots)
		api.GET("/events", s.handleEvents)
	}
}

// Start starts the HTTP server (blocking)
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	log.Printf("🌐 API server listening on %s", addr)
	return s.router.Run(addr)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.coordinator.Status())
}

func (s *Server) handlePositions(c *gin.Context) {
	// Detached copies: the coordinator keeps mutating the live structs
	positions := s.coordinator.Ledger().Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"positions": positions,
		"count":     len(positions),
	})
}

func (s *Server) handleHistory(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	history := s.coordinator.Ledger().History(limit)

	// Per-bot realized PnL rollup over the returned window
	pnlByBot := make(map[string]float64)
	for _, p := range history {
		if p.Status == ledger.StatusClosed {
			pnlByBot[p.Bot] += p.RealizedPnL
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"history":    history,
		"count":      len(history),
		"pnl_by_bot": pnlByBot,
	})
}

func (s *Server) handleCapital(c *gin.Context) {
	pool := s.coordinator.Pool()
	c.JSON(http.StatusOK, gin.H{
		"total":    pool.Total(),
		"reserved": pool.Reserved(),
		"free":     pool.Free(),
	})
}

func (s *Server) handleBots(c *gin.Context) {
	bots := s.coordinator.Bots()

	// Count open positions per bot
	openByBot := make(map[string]int)
	for _, p := range s.coordinator.Ledger().Snapshot() {
		openByBot[p.Bot]++
	}

	out := make([]gin.H, 0, len(bots))
	for _, b := range bots {
		out = append(out, gin.H{
			"name":             b.Name,
			"symbols":          b.Symbols,
			"trade_amount_usd": b.TradeAmountUSD,
			"max_positions":    b.MaxPositions,
			"open_positions":   openByBot[b.Name],
		})
	}
	c.JSON(http.StatusOK, gin.H{"bots": out, "count": len(out)})
}

func (s *Server) handleEvents(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	events := s.coordinator.Events().Recent(limit)
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}
