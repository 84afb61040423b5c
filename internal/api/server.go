// Package api serves the optional admin HTTP surface: health, live
// sessions, stored accounts and Prometheus metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/MEMOxiiii/odonata-bridge/internal/account"
	"github.com/MEMOxiiii/odonata-bridge/internal/session"
	"github.com/MEMOxiiii/odonata-bridge/pkg/logger"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Sessions is the view of the proxy the API needs.
type Sessions interface {
	Sessions() []session.Info
	Session(id string) (session.Info, bool)
}

// Server is the admin HTTP server.
type Server struct {
	sessions Sessions
	accounts *account.Table
	log      logger.Logger
	started  time.Time

	httpServer *http.Server
	router     *gin.Engine
}

// NewServer creates the admin server. accounts may be nil.
func NewServer(sessions Sessions, accounts *account.Table, debug bool, log logger.Logger) *Server {
	if debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	s := &Server{
		sessions: sessions,
		accounts: accounts,
		log:      logger.OrNop(log),
		started:  time.Now(),
	}
	s.router = s.buildRouter()
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start listens on addr and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("admin API listen: %w", err)
	}
	s.log.Infow("Admin API listening", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("admin API: %w", err)
	}
	return nil
}

func (s *Server) buildRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.requestLogger())

	router.GET("/healthz", s.handleHealth)
	router.GET("/sessions", s.handleSessions)
	router.GET("/sessions/:id", s.handleSession)
	router.GET("/accounts", s.handleAccounts)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return router
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debugw("Admin request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"client_ip", c.ClientIP(),
		)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"uptime":   time.Since(s.started).Round(time.Second).String(),
		"sessions": len(s.sessions.Sessions()),
	})
}

func (s *Server) handleSessions(c *gin.Context) {
	list := s.sessions.Sessions()
	c.JSON(http.StatusOK, gin.H{"count": len(list), "sessions": list})
}

func (s *Server) handleSession(c *gin.Context) {
	info, ok := s.sessions.Session(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, info)
}

type accountView struct {
	Username      string     `json:"username"`
	UUID          string     `json:"uuid"`
	Authenticated bool       `json:"authenticated"`
	Expires       *time.Time `json:"expires,omitempty"`
}

// handleAccounts lists stored accounts without any token material.
func (s *Server) handleAccounts(c *gin.Context) {
	if s.accounts == nil {
		c.JSON(http.StatusOK, gin.H{"accounts": []accountView{}})
		return
	}
	profiles := s.accounts.Profiles()
	out := make([]accountView, 0, len(profiles))
	for _, p := range profiles {
		v := accountView{Username: p.Username, UUID: p.ID.String()}
		if p.Credential != nil {
			exp := p.Credential.ExpiresAt
			v.Authenticated = true
			v.Expires = &exp
		}
		out = append(out, v)
	}
	c.JSON(http.StatusOK, gin.H{"accounts": out})
}
