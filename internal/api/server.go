package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/redilate/internal/logger"
	"github.com/samcharles93/redilate/internal/version"
)

type Server struct {
	service *ImageService
	log     logger.Logger
}

func NewServer(service *ImageService, log logger.Logger) *Server {
	if log == nil {
		log = logger.Discard()
	}
	return &Server{
		service: service,
		log:     log,
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/health", s.handleHealth)

	// Images API (OpenAI-compatible subset)
	e.POST("/v1/images/generations", s.handleCreateImage)
}

func (s *Server) handleHealth(c *echo.Context) error {
	resp := HealthResponse{Status: "ok", Version: version.Resolve()}
	if s.service != nil {
		resp.Model = s.service.Model()
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleCreateImage(c *echo.Context) error {
	if s.service == nil {
		return writeError(c, http.StatusInternalServerError, "server_error", "image service not configured", "", "")
	}
	req, err := decodeJSON[ImageGenerationRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}

	ctx := logger.WithContext(c.Request().Context(), s.log)
	resp, err := s.service.Generate(ctx, &req)
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, resp)
	case errors.Is(err, ErrInvalidRequest):
		return writeBadParam(c, paramOf(err), err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return writeError(c, http.StatusServiceUnavailable, "server_error", "request cancelled", "", "cancelled")
	default:
		s.log.Error("image generation failed", "error", err)
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error(), "", "")
	}
}
