// Package statusapi serves a read-only JSON view of the running character.
package statusapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/keshon/east/internal/mind"
	"github.com/rs/zerolog"
)

const shutdownTimeout = 5 * time.Second

// Sources are the services the status is read from.
type Sources struct {
	Checker interface{ Status() mind.Status }
	Keys    interface {
		ActiveKey() int
		KeyCount() int
	}
	Store interface {
		UnreadCounts() map[string]int
		Emotions() map[string]int
	}
	Jobs interface{ List() []string }
}

// Status is the /status document.
type Status struct {
	Character string         `json:"character"`
	Level     string         `json:"level"`
	Action    string         `json:"action"`
	NextCheck *time.Time     `json:"next_check,omitempty"`
	InFlight  []string       `json:"in_flight"`
	APIKey    int            `json:"api_key"`
	APIKeys   int            `json:"api_keys"`
	Unread    map[string]int `json:"unread"`
	Emotions  map[string]int `json:"emotions"`
	Jobs      []string       `json:"jobs"`
}

// Server is the status HTTP server.
type Server struct {
	addr      string
	character string
	src       Sources
	engine    *gin.Engine
	log       zerolog.Logger
}

func New(addr, character string, src Sources, log zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		addr:      addr,
		character: character,
		src:       src,
		engine:    gin.New(),
		log:       log.With().Str("component", "statusapi").Logger(),
	}
	s.engine.Use(gin.Recovery(), s.requestLog())
	s.engine.GET("/healthz", s.healthz)
	s.engine.GET("/status", s.status)
	return s
}

// Handler exposes the routes.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run listens until ctx is done and then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.addr).Msg("status endpoint listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("status server: %w", err)
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("shutdown status server: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("status server: %w", err)
	}
	return nil
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) status(c *gin.Context) {
	st := Status{
		Character: s.character,
		InFlight:  []string{},
		Unread:    map[string]int{},
		Emotions:  map[string]int{},
		Jobs:      []string{},
	}
	if s.src.Checker != nil {
		ms := s.src.Checker.Status()
		st.Level, st.Action = ms.Level, ms.Action
		if !ms.NextCheck.IsZero() {
			next := ms.NextCheck
			st.NextCheck = &next
		}
		if len(ms.InFlight) > 0 {
			st.InFlight = ms.InFlight
		}
	}
	if s.src.Keys != nil {
		st.APIKey, st.APIKeys = s.src.Keys.ActiveKey(), s.src.Keys.KeyCount()
	}
	if s.src.Store != nil {
		st.Unread = s.src.Store.UnreadCounts()
		st.Emotions = s.src.Store.Emotions()
	}
	if s.src.Jobs != nil {
		if jobs := s.src.Jobs.List(); len(jobs) > 0 {
			st.Jobs = jobs
		}
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("request")
	}
}
