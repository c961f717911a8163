package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	orderpay "github.com/x402-foundation/orderpay"
)

// Settler is the part of the reconciler the API drives
type Settler interface {
	Track(orderID orderpay.OrderID, txHash string) error
	Cancel(ctx context.Context, orderID orderpay.OrderID) error
	Decision(ctx context.Context, orderID orderpay.OrderID) (*orderpay.SettlementDecision, error)
	Attempt(ctx context.Context, orderID orderpay.OrderID) (*orderpay.Attempt, error)
}

// LedgerReader reads ledger records, typically the chain client
type LedgerReader interface {
	QueryLedgerRecord(ctx context.Context, orderID orderpay.OrderID) (orderpay.LedgerRecord, error)
}

var _ Settler = (*orderpay.Reconciler)(nil)

// ServerOption configures a Server
type ServerOption func(*Server)

// WithServerLogger sets the request logger
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithShutdownTimeout bounds graceful shutdown in ListenAndServe
func WithShutdownTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// Server is the settlement API
type Server struct {
	settler         Settler
	ledger          LedgerReader
	validator       *requestValidator
	engine          *gin.Engine
	logger          *slog.Logger
	shutdownTimeout time.Duration
}

// SettlementRequest triggers settlement of an order. TxHash may be empty to
// watch the ledger for any payment of the order.
type SettlementRequest struct {
	OrderID string `json:"orderId"`
	TxHash  string `json:"txHash,omitempty"`
}

// SettlementStatus is returned by the settlement endpoints
type SettlementStatus struct {
	OrderID  orderpay.OrderID             `json:"orderId"`
	State    orderpay.SettlementState     `json:"state,omitempty"`
	Attempt  *orderpay.Attempt            `json:"attempt,omitempty"`
	Decision *orderpay.SettlementDecision `json:"decision,omitempty"`
}

// ErrorResponse is the body of every non-2xx response
type ErrorResponse struct {
	Error   string   `json:"error"`
	Code    string   `json:"code,omitempty"`
	Details []string `json:"details,omitempty"`
}

// NewServer builds the gin router
func NewServer(settler Settler, ledger LedgerReader, opts ...ServerOption) (*Server, error) {
	validator, err := newRequestValidator(settlementRequestSchema)
	if err != nil {
		return nil, err
	}

	s := &Server{
		settler:         settler,
		ledger:          ledger,
		validator:       validator,
		logger:          slog.Default(),
		shutdownTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "http")

	engine := gin.New()
	engine.Use(gin.Recovery(), s.requestLogger())

	engine.GET("/health", s.health)
	engine.POST("/settlements", s.createSettlement)
	engine.GET("/settlements/:orderId", s.getSettlement)
	engine.DELETE("/settlements/:orderId", s.cancelSettlement)
	engine.GET("/ledger/:orderId", s.getLedgerRecord)

	s.engine = engine
	return s, nil
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	return s.engine
}

// ListenAndServe serves until ctx ends, then shuts down gracefully
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("settlement API listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) createSettlement(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, 1<<16))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Error: "failed to read body"})
		return
	}
	if result := s.validator.Validate(body); !result.Valid {
		c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid settlement request",
			Details: result.Errors,
		})
		return
	}

	var req SettlementRequest
	if err := json.Unmarshal(body, &req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	orderID := orderpay.OrderID(req.OrderID)
	if err := s.settler.Track(orderID, req.TxHash); err != nil {
		s.abortWithError(c, orderID, err)
		return
	}

	ctx := c.Request.Context()
	if decision, err := s.settler.Decision(ctx, orderID); err == nil {
		c.JSON(http.StatusOK, statusOf(orderID, nil, decision))
		return
	}
	attempt, err := s.settler.Attempt(ctx, orderID)
	if err != nil {
		s.abortWithError(c, orderID, err)
		return
	}
	s.logger.Info("settlement requested", "order_id", orderID, "tx_hash", req.TxHash)
	c.JSON(http.StatusAccepted, statusOf(orderID, attempt, nil))
}

func (s *Server) getSettlement(c *gin.Context) {
	orderID := orderpay.OrderID(c.Param("orderId"))
	ctx := c.Request.Context()

	attempt, aerr := s.settler.Attempt(ctx, orderID)
	if aerr != nil && !errors.Is(aerr, orderpay.ErrNotFound) {
		s.abortWithError(c, orderID, aerr)
		return
	}
	decision, derr := s.settler.Decision(ctx, orderID)
	if derr != nil && !errors.Is(derr, orderpay.ErrNotFound) {
		s.abortWithError(c, orderID, derr)
		return
	}
	if attempt == nil && decision == nil {
		s.abortWithError(c, orderID, orderpay.ErrNotFound.WithOrder(orderID))
		return
	}
	c.JSON(http.StatusOK, statusOf(orderID, attempt, decision))
}

func (s *Server) cancelSettlement(c *gin.Context) {
	orderID := orderpay.OrderID(c.Param("orderId"))
	ctx := c.Request.Context()

	if err := s.settler.Cancel(ctx, orderID); err != nil {
		s.abortWithError(c, orderID, err)
		return
	}
	s.logger.Info("settlement cancel requested", "order_id", orderID)

	attempt, _ := s.settler.Attempt(ctx, orderID)
	decision, _ := s.settler.Decision(ctx, orderID)
	c.JSON(http.StatusAccepted, statusOf(orderID, attempt, decision))
}

func (s *Server) getLedgerRecord(c *gin.Context) {
	orderID := orderpay.OrderID(c.Param("orderId"))
	record, err := s.ledger.QueryLedgerRecord(c.Request.Context(), orderID)
	if err != nil {
		s.abortWithError(c, orderID, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

func (s *Server) abortWithError(c *gin.Context, orderID orderpay.OrderID, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "order_id", orderID, "path", c.FullPath(), "error", err)
	}
	resp := ErrorResponse{Error: err.Error()}
	var se *orderpay.SettlementError
	if errors.As(err, &se) {
		resp.Code = se.Code
	}
	c.AbortWithStatusJSON(status, resp)
}

// statusFor maps the error taxonomy onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, orderpay.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, orderpay.ErrCancelled):
		return http.StatusConflict
	}
	switch orderpay.ClassOf(err) {
	case orderpay.ValidationError, orderpay.ClientError:
		return http.StatusBadRequest
	case orderpay.NetworkError, orderpay.TimeoutError:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func statusOf(orderID orderpay.OrderID, attempt *orderpay.Attempt, decision *orderpay.SettlementDecision) SettlementStatus {
	st := SettlementStatus{OrderID: orderID, Attempt: attempt, Decision: decision}
	switch {
	case decision != nil && decision.Outcome == orderpay.OutcomePaid:
		st.State = orderpay.StatePaid
	case decision != nil:
		st.State = orderpay.StateRejected
	case attempt != nil:
		st.State = attempt.State
	}
	return st
}
