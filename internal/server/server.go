// Package server exposes the HTTP and websocket API of the daemon.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/aegisops/cisod/internal/answer"
	"github.com/aegisops/cisod/internal/auth"
	"github.com/aegisops/cisod/internal/config"
	"github.com/aegisops/cisod/internal/ledger"
)

// Ledger is the conversation surface the API exposes.
type Ledger interface {
	Create(ctx context.Context, owner, title string) (*ledger.Conversation, error)
	Get(ctx context.Context, id, owner string) (*ledger.Conversation, error)
	List(ctx context.Context, owner string) ([]*ledger.Conversation, error)
}

var _ Ledger = (*ledger.Ledger)(nil)

// Server routes API requests into the answer pipeline.
type Server struct {
	echo     *echo.Echo
	pipeline *answer.Pipeline
	verifier auth.Verifier
	ledger   Ledger
	logger   *zap.Logger
	config   config.ServerConfig
}

// New creates the API server.
func New(pipeline *answer.Pipeline, verifier auth.Verifier, led Ledger, logger *zap.Logger, cfg config.ServerConfig) (*Server, error) {
	if pipeline == nil {
		return nil, fmt.Errorf("pipeline cannot be nil")
	}
	if verifier == nil {
		return nil, fmt.Errorf("verifier cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})

	s := &Server{
		echo:     e,
		pipeline: pipeline,
		verifier: verifier,
		ledger:   led,
		logger:   logger,
		config:   cfg,
	}

	s.registerRoutes()

	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/ws", s.handleWebSocket)

	v1 := s.echo.Group("/api/v1", s.requireAuth)
	v1.POST("/ask", s.handleAsk)
	v1.GET("/conversations", s.handleListConversations)
	v1.GET("/conversations/:id", s.handleGetConversation)
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

const identityKey = "identity"

// requireAuth validates the bearer token and stashes the caller identity in
// the request context.
func (s *Server) requireAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		header := c.Request().Header.Get(echo.HeaderAuthorization)
		const prefix = "Bearer "
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
		}
		identity, err := s.verifier.Verify(header[len(prefix):])
		if err != nil {
			s.logger.Warn("rejected token", zap.Error(err))
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
		}
		c.Set(identityKey, identity)
		return next(c)
	}
}

func callerIdentity(c echo.Context) (auth.Identity, error) {
	identity, ok := c.Get(identityKey).(auth.Identity)
	if !ok {
		return auth.Identity{}, echo.NewHTTPError(http.StatusUnauthorized, "not authenticated")
	}
	return identity, nil
}

// AskRequest is the request body for POST /api/v1/ask.
type AskRequest struct {
	Question       string `json:"question"`
	ConversationID string `json:"conversationId"`
	UploadedText   string `json:"uploadedText"`
}

// handleAsk runs the full pipeline synchronously and returns the completed
// answer with its grounding metadata.
func (s *Server) handleAsk(c echo.Context) error {
	identity, err := callerIdentity(c)
	if err != nil {
		return err
	}

	var req AskRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Question == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "question field is required")
	}

	result, err := s.pipeline.AnswerSync(c.Request().Context(), answer.Request{
		Identity:       identity,
		Question:       req.Question,
		ConversationID: req.ConversationID,
		UploadedText:   req.UploadedText,
	})
	if err != nil {
		s.logger.Error("ask failed", zap.Error(err))
		if errors.Is(err, ledger.ErrWrongOwner) || errors.Is(err, ledger.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "conversation not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "could not answer question")
	}

	return c.JSON(http.StatusOK, result)
}

func (s *Server) handleListConversations(c echo.Context) error {
	identity, err := callerIdentity(c)
	if err != nil {
		return err
	}

	convs, err := s.ledger.List(c.Request().Context(), identity.UserID)
	if err != nil {
		s.logger.Error("list conversations failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "could not list conversations")
	}
	if convs == nil {
		convs = []*ledger.Conversation{}
	}
	return c.JSON(http.StatusOK, convs)
}

func (s *Server) handleGetConversation(c echo.Context) error {
	identity, err := callerIdentity(c)
	if err != nil {
		return err
	}

	conv, err := s.ledger.Get(c.Request().Context(), c.Param("id"), identity.UserID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) || errors.Is(err, ledger.ErrWrongOwner) {
			return echo.NewHTTPError(http.StatusNotFound, "conversation not found")
		}
		s.logger.Error("get conversation failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "could not load conversation")
	}
	return c.JSON(http.StatusOK, conv)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
