// =============================================================================
// REQUEST HANDLER - TRANSPORT-INDEPENDENT ENTRY POINT
// =============================================================================
//
// Every transport funnels requests through Handler.Handle:
//
//   raw (code, payload) ──► protocol.Parse ──► Pipeline.Submit ──► response
//                              │                    │
//                              ▼                    ▼
//                      1xxx / 2xxx errors    3xxx / 4xxx / 5xxx errors
//
// Parse failures never reach the pipeline. The internal SaveMessages code is
// not in the wire decoder table, so a client sending it gets
// invalid_command_code like any other unknown code.
//
// =============================================================================

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"strata/internal/protocol"
)

// Submitter runs a validated command and waits for its response payload.
// *dispatch.Pipeline implements it.
type Submitter interface {
	Submit(ctx context.Context, cmd protocol.Command) ([]byte, error)
}

// HandlerConfig configures a Handler.
type HandlerConfig struct {
	// RequestTimeout bounds the wait for the pipeline. Zero waits for as long
	// as the caller's context allows.
	RequestTimeout time.Duration
}

// DefaultHandlerConfig returns the timeouts used by the server.
func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{RequestTimeout: 30 * time.Second}
}

// Handler parses raw requests and submits them to the pipeline.
type Handler struct {
	submitter Submitter
	config    HandlerConfig
	logger    *slog.Logger
}

// NewHandler creates a handler. A nil logger uses slog.Default().
func NewHandler(submitter Submitter, config HandlerConfig, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		submitter: submitter,
		config:    config,
		logger:    logger.With("component", "handler"),
	}
}

// Handle decodes, validates and executes one request. peer identifies the
// caller in logs.
func (h *Handler) Handle(ctx context.Context, code uint32, payload []byte, peer string) ([]byte, error) {
	cmd, err := protocol.Parse(code, payload)
	if err != nil {
		h.logger.Debug("rejected request",
			"peer", peer,
			"code", code,
			"error", err)
		return nil, err
	}

	if h.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.config.RequestTimeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := h.submitter.Submit(ctx, cmd)
	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %s after %s", protocol.ErrRequestTimeout, protocol.CommandName(code), time.Since(start))
	}
	if err != nil {
		h.logger.Debug("request failed",
			"peer", peer,
			"command", protocol.CommandName(code),
			"error", err)
		return nil, err
	}
	return resp, nil
}
