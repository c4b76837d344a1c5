// Package api serves checkpoint inspection and adaptation over HTTP.
package api

import (
	"errors"
	"io"
	"io/fs"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/vitckpt/internal/archive"
	"github.com/samcharles93/vitckpt/internal/logger"
	"github.com/samcharles93/vitckpt/internal/pretrained"
	"github.com/samcharles93/vitckpt/internal/reconcile"
	"github.com/samcharles93/vitckpt/internal/version"
)

const headerRequestID = "X-Request-Id"

type Server struct {
	service *CheckpointService
	log     logger.Logger
	clock   func() time.Time
}

func NewServer(service *CheckpointService, log logger.Logger) *Server {
	if service == nil {
		service = &CheckpointService{}
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Server{
		service: service,
		log:     log,
		clock:   time.Now,
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", s.handleHealth)
	e.POST("/v1/inspect", s.handleInspect)
	e.POST("/v1/adapt", s.handleAdapt)
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", Version: version.String()})
}

func (s *Server) handleInspect(c *echo.Context) error {
	id := s.begin(c)
	req, err := decodeJSON[CheckpointRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error(), "")
	}
	resp, err := s.service.Inspect(logger.WithContext(c.Request().Context(), s.log.With("request_id", id)), req)
	if err != nil {
		return s.writeFailure(c, id, err)
	}
	resp.ID = id
	resp.Object = "checkpoint.inspection"
	resp.CreatedAt = s.clock().Unix()
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleAdapt(c *echo.Context) error {
	id := s.begin(c)
	req, err := decodeJSON[AdaptRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error(), "")
	}
	resp, err := s.service.Adapt(logger.WithContext(c.Request().Context(), s.log.With("request_id", id)), req)
	if err != nil {
		return s.writeFailure(c, id, err)
	}
	resp.ID = id
	resp.Object = "checkpoint.adaptation"
	resp.CreatedAt = s.clock().Unix()
	return c.JSON(http.StatusOK, resp)
}

// begin assigns the request id, echoing one supplied by the client.
func (s *Server) begin(c *echo.Context) string {
	id := c.Request().Header.Get(headerRequestID)
	if id == "" {
		id = "req_" + uuid.NewString()
	}
	c.Response().Header().Set(headerRequestID, id)
	return id
}

func (s *Server) writeFailure(c *echo.Context, id string, err error) error {
	var (
		invalid  invalidRequestError
		mismatch *reconcile.SchemaMismatchError
		shape    *pretrained.ShapeError
	)
	switch {
	case errors.As(err, &invalid):
		return writeBadRequest(c, invalid.msg, invalid.param)
	case errors.Is(err, fs.ErrNotExist):
		return writeError(c, http.StatusNotFound, "not_found_error", err.Error(), "checkpoint", "")
	case errors.Is(err, archive.ErrUnknownFormat):
		return writeError(c, http.StatusUnprocessableEntity, "checkpoint_error", err.Error(), "checkpoint", "unknown_format")
	case errors.As(err, &mismatch):
		return writeError(c, http.StatusUnprocessableEntity, "checkpoint_error", err.Error(), "", "schema_mismatch")
	case errors.As(err, &shape):
		return writeError(c, http.StatusUnprocessableEntity, "checkpoint_error", err.Error(), "", "shape_mismatch")
	case errors.Is(err, pretrained.ErrHeadMissing):
		return writeError(c, http.StatusUnprocessableEntity, "checkpoint_error", err.Error(), "model", "head_missing")
	}
	s.log.Error("request failed", "request_id", id, "error", err)
	return writeError(c, http.StatusInternalServerError, "server_error", err.Error(), "", "")
}

func writeBadRequest(c *echo.Context, msg, param string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg, param, "")
}

func writeError(c *echo.Context, status int, errType, msg, param, code string) error {
	return c.JSON(status, ErrorResponse{
		Error: ResponseError{
			Message: msg,
			Type:    errType,
			Code:    code,
			Param:   param,
		},
	})
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(r)
	if err := dec.Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}
