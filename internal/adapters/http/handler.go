package httpadapter

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/PabloGalante/intel-relay/internal/adapters/present"
	"github.com/PabloGalante/intel-relay/internal/app/conversation"
	"github.com/PabloGalante/intel-relay/internal/domain"
	"github.com/PabloGalante/intel-relay/internal/observability"
)

// statusClientClosed is reported when the caller went away before the answer was ready.
const statusClientClosed = 499

// Dispatcher is the part of the coordinator the gateway needs.
type Dispatcher interface {
	Dispatch(ctx context.Context, req conversation.Request) conversation.Reply
}

type Options struct {
	// APIToken, when set, is required as a bearer token on /v1 routes. The
	// is_admin request flag is ignored without it.
	APIToken string
	// MaxBodyBytes caps request bodies, attachments included.
	MaxBodyBytes int64
}

type Server struct {
	svc      Dispatcher
	renderer *present.Renderer
	// trustAdminFlag is set only when callers authenticate with the API token.
	trustAdminFlag bool
}

func NewServer(svc Dispatcher, renderer *present.Renderer, opts Options) http.Handler {
	s := &Server{svc: svc, renderer: renderer, trustAdminFlag: opts.APIToken != ""}

	r := gin.New()
	r.Use(gin.Recovery(), withRequestID(), withLogging(), withCORS())

	r.GET("/healthz", s.handleHealthz)

	v1 := r.Group("/v1")
	if opts.APIToken != "" {
		v1.Use(withBearerToken(opts.APIToken))
	}
	v1.Use(withBodyLimit(opts.MaxBodyBytes))
	v1.POST("/commands", s.handleCommand)

	return r
}

// ─────────────────────────────────────────────
// DTOs (request/response)
// ─────────────────────────────────────────────

type attachmentRequest struct {
	Kind     string `json:"kind,omitempty"`
	MimeType string `json:"mime_type"`
	Filename string `json:"filename"`
	// Data is base64 in JSON.
	Data []byte `json:"data"`
}

type commandRequest struct {
	Identity    string              `json:"identity" binding:"required"`
	DisplayName string              `json:"display_name,omitempty"`
	IsAdmin     bool                `json:"is_admin,omitempty"`
	Command     string              `json:"command" binding:"required"`
	Args        string              `json:"args,omitempty"`
	Attachments []attachmentRequest `json:"attachments,omitempty"`
}

type commandResponse struct {
	RequestID         string         `json:"request_id"`
	Outcome           string         `json:"outcome"`
	Completion        string         `json:"completion,omitempty"`
	Stored            bool           `json:"stored"`
	SessionWasReset   bool           `json:"session_was_reset,omitempty"`
	RetryAfterSeconds int                   `json:"retry_after_seconds,omitempty"`
	Sources           []domain.SearchResult `json:"sources,omitempty"`
	Cards             []present.Card        `json:"cards"`
}

// ─────────────────────────────────────────────
// Handlers
// ─────────────────────────────────────────────

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleCommand(c *gin.Context) {
	var req commandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "identity and command are required")
		return
	}
	if strings.TrimSpace(req.Identity) == "" {
		badRequest(c, "identity is required")
		return
	}

	ctx := c.Request.Context()
	cmd, err := conversation.ParseCommand(req.Command, req.Args, toAttachments(req.Attachments))
	if err != nil {
		s.writeReply(c, conversation.Reply{
			RequestID: observability.RequestIDFromContext(ctx),
			Err:       err,
		})
		return
	}

	reply := s.svc.Dispatch(ctx, conversation.Request{
		Identity:      domain.Identity(req.Identity),
		DisplayName:   req.DisplayName,
		CallerIsAdmin: req.IsAdmin && s.trustAdminFlag,
		Command:       cmd,
	})
	s.writeReply(c, reply)
}

func (s *Server) writeReply(c *gin.Context, reply conversation.Reply) {
	status, outcome := StatusFor(reply.Err)

	resp := commandResponse{
		RequestID:       reply.RequestID,
		Outcome:         outcome,
		Completion:      reply.Completion,
		Stored:          reply.Stored,
		SessionWasReset: reply.SessionWasReset,
		Sources:         reply.Sources,
		Cards:           s.renderer.Render(reply),
	}
	if resp.Cards == nil {
		resp.Cards = []present.Card{}
	}

	var rl *domain.RateLimitedError
	if errors.As(reply.Err, &rl) {
		resp.RetryAfterSeconds = retryAfterSeconds(rl)
		c.Header("Retry-After", strconv.Itoa(resp.RetryAfterSeconds))
	}

	c.JSON(status, resp)
}

// StatusFor maps a reply error to an HTTP status and a short outcome label.
func StatusFor(err error) (int, string) {
	if err == nil {
		return http.StatusOK, "ok"
	}

	var rl *domain.RateLimitedError
	if errors.As(err, &rl) {
		return http.StatusTooManyRequests, "rate_limited"
	}
	if errors.Is(err, domain.ErrAuthorizationDenied) {
		return http.StatusForbidden, "denied"
	}
	if errors.Is(err, domain.ErrUnknownCommand) {
		return http.StatusBadRequest, "unknown_command"
	}

	var ue *domain.UpstreamError
	if errors.As(err, &ue) {
		switch ue.Kind {
		case domain.FailureInvalidInput:
			return http.StatusBadRequest, "invalid_input"
		case domain.FailureTimeout:
			return http.StatusGatewayTimeout, "timeout"
		case domain.FailureCancelled:
			return statusClientClosed, "cancelled"
		default:
			return http.StatusBadGateway, "upstream_" + string(ue.Kind)
		}
	}
	return http.StatusInternalServerError, "internal_error"
}

func retryAfterSeconds(rl *domain.RateLimitedError) int {
	secs := int(rl.RetryAfter.Seconds())
	if rl.RetryAfter > 0 && float64(secs) < rl.RetryAfter.Seconds() {
		secs++
	}
	return secs
}

func toAttachments(in []attachmentRequest) []domain.Attachment {
	out := make([]domain.Attachment, 0, len(in))
	for _, a := range in {
		out = append(out, domain.Attachment{
			Kind:     domain.MediaKind(a.Kind),
			MimeType: a.MimeType,
			Filename: a.Filename,
			Size:     len(a.Data),
			Data:     a.Data,
		})
	}
	return out
}

// ─────────────────────────────────────────────
// HTTP Helpers
// ─────────────────────────────────────────────

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error": msg,
	})
}
