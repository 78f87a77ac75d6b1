// Package http exposes a facilitator over HTTP and provides a client for it.
package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	x402 "github.com/x402-foundation/x402-delegate"
	"github.com/x402-foundation/x402-delegate/logger"
)

// Server serves /verify, /settle, /supported and the operational endpoints
type Server struct {
	facilitator x402.FacilitatorClient
	relayers    RelayerSource
	metrics     http.Handler
	log         logger.Logger
	infoTimeout time.Duration
}

// ServerOption configures a Server
type ServerOption func(*Server)

// WithRelayers enables GET /info over the given chains
func WithRelayers(relayers RelayerSource) ServerOption {
	return func(s *Server) {
		s.relayers = relayers
	}
}

// WithMetricsHandler mounts handler on GET /metrics
func WithMetricsHandler(handler http.Handler) ServerOption {
	return func(s *Server) {
		s.metrics = handler
	}
}

// WithServerLogger sets the logger used for access logs and handler errors
func WithServerLogger(log logger.Logger) ServerOption {
	return func(s *Server) {
		s.log = log
	}
}

// WithInfoTimeout bounds the balance lookups behind GET /info
func WithInfoTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.infoTimeout = timeout
	}
}

// NewServer creates a Server in front of facilitator
func NewServer(facilitator x402.FacilitatorClient, opts ...ServerOption) *Server {
	s := &Server{
		facilitator: facilitator,
		log:         logger.NoopLogger{},
		infoTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type errorResponse struct {
	Error string `json:"error"`
}

// Handler builds the gin engine with all routes and middleware
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), requestID(), accessLog(s.log))

	r.POST("/verify", s.handleVerify)
	r.POST("/settle", s.handleSettle)
	r.GET("/supported", s.handleSupported)
	r.GET("/healthcheck", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if s.relayers != nil {
		r.GET("/info", s.handleInfo)
	}
	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics))
	}

	return r
}

func (s *Server) handleVerify(c *gin.Context) {
	req, ok := s.bind(c)
	if !ok {
		return
	}
	result, err := s.facilitator.Verify(c.Request.Context(), req.PaymentPayload, req.PaymentRequirements)
	if err != nil {
		s.fail(c, "verify", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleSettle(c *gin.Context) {
	req, ok := s.bind(c)
	if !ok {
		return
	}
	result, err := s.facilitator.Settle(c.Request.Context(), req.PaymentPayload, req.PaymentRequirements)
	if err != nil {
		s.fail(c, "settle", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleSupported(c *gin.Context) {
	supported, err := s.facilitator.GetSupported(c.Request.Context())
	if err != nil {
		s.fail(c, "supported", err)
		return
	}
	c.JSON(http.StatusOK, supported)
}

// bind reads and schema-checks the request body. It writes the 400 itself.
func (s *Server) bind(c *gin.Context) (*x402.VerifyRequest, bool) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "failed to read request body"})
		return nil, false
	}
	req, err := decodePaymentRequest(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return nil, false
	}
	return req, true
}

// fail maps facilitator errors to status codes. Infrastructure causes are
// logged and never returned to the caller.
func (s *Server) fail(c *gin.Context, op string, err error) {
	if errors.Is(err, x402.ErrUnsupportedScheme) || errors.Is(err, x402.ErrMalformedNetwork) {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	fields := map[string]any{
		"op":         op,
		"request_id": c.GetString(requestIDKey),
		"error":      err,
	}
	var fe *x402.FacilitatorError
	if errors.As(err, &fe) && fe.Transaction != "" {
		fields["tx"] = fe.Transaction
	}
	if errors.Is(err, context.Canceled) {
		s.log.Warn("request canceled", fields)
	} else {
		s.log.Error("request failed", fields)
	}
	c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal error"})
}
