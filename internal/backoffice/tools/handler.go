// Package tools exposes the anonymous, cost-incurring generation endpoints
// behind the Rate Gate.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rcourtman/postforge/internal/backoffice/bometrics"
	"github.com/rcourtman/postforge/internal/backoffice/rategate"
	"github.com/rcourtman/postforge/internal/backoffice/reqmeta"
	"github.com/rs/zerolog/log"
)

const requestBodyLimit = 64 * 1024

// DefaultTools is the tool set enabled when none is configured.
var DefaultTools = []string{"caption", "hashtags", "image", "voice"}

// Gate is the subset of the Rate Gate used by the tool endpoints.
type Gate interface {
	Check(ctx context.Context, clientHash, resourceKey string) (rategate.Decision, error)
	Consume(ctx context.Context, clientHash, resourceKey string) (rategate.Decision, error)
}

// Request is the body of a tool call.
type Request struct {
	Input string `json:"input" validate:"required,max=4000"`
}

// LimitedResponse is returned with 429.
type LimitedResponse struct {
	Error           string `json:"error"`
	Message         string `json:"message"`
	ResetETAMinutes int    `json:"reset_eta_minutes"`
	Remaining       int    `json:"remaining"`
}

// Handler serves the tool endpoints.
type Handler struct {
	gate      Gate
	generator Generator
	ips       *reqmeta.IPResolver
	salt      []byte
	enabled   map[string]struct{}
	validate  *validator.Validate
}

// NewHandler creates the tool handler. ips resolves the caller address that
// is hashed with salt; a nil resolver keys on the connecting peer.
func NewHandler(gate Gate, generator Generator, ips *reqmeta.IPResolver, salt []byte, enabled []string) *Handler {
	if len(enabled) == 0 {
		enabled = DefaultTools
	}
	set := make(map[string]struct{}, len(enabled))
	for _, name := range enabled {
		if name = strings.ToLower(strings.TrimSpace(name)); name != "" {
			set[name] = struct{}{}
		}
	}
	return &Handler{
		gate:      gate,
		generator: generator,
		ips:       ips,
		salt:      salt,
		enabled:   set,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Register mounts the tool routes.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/tools/{tool}", h.HandleGenerate)
	mux.HandleFunc("GET /api/tools/{tool}/quota", h.HandleQuota)
}

func (h *Handler) tool(r *http.Request) (string, bool) {
	name := strings.ToLower(strings.TrimSpace(r.PathValue("tool")))
	_, ok := h.enabled[name]
	return name, ok
}

// HandleGenerate gates and forwards one generation request.
func (h *Handler) HandleGenerate(w http.ResponseWriter, r *http.Request) {
	tool, ok := h.tool(r)
	if !ok {
		reqmeta.WriteError(w, http.StatusNotFound, "unknown tool")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, requestBodyLimit)
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		reqmeta.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		reqmeta.WriteError(w, http.StatusBadRequest, "input is required and must be at most 4000 characters")
		return
	}

	clientHash := rategate.ClientHash(h.salt, h.ips.ClientIP(r))
	decision, err := h.gate.Consume(r.Context(), clientHash, tool)
	if err != nil {
		log.Error().Err(err).Str("tool", tool).Msg("Rate gate unavailable")
		reqmeta.WriteError(w, http.StatusServiceUnavailable, "temporarily unavailable")
		return
	}
	if !decision.Allowed {
		bometrics.RateGateDecisions.WithLabelValues(tool, "denied").Inc()
		writeLimited(w, decision)
		return
	}
	bometrics.RateGateDecisions.WithLabelValues(tool, "allowed").Inc()

	out, err := h.generator.Generate(r.Context(), tool, req.Input)
	if err != nil {
		h.writeUpstreamError(w, tool, err)
		return
	}
	bometrics.UpstreamRequestsTotal.WithLabelValues(tool, "ok").Inc()

	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
	reqmeta.WriteJSON(w, http.StatusOK, out)
}

// HandleQuota reports the caller's remaining quota without consuming it.
func (h *Handler) HandleQuota(w http.ResponseWriter, r *http.Request) {
	tool, ok := h.tool(r)
	if !ok {
		reqmeta.WriteError(w, http.StatusNotFound, "unknown tool")
		return
	}
	clientHash := rategate.ClientHash(h.salt, h.ips.ClientIP(r))
	decision, err := h.gate.Check(r.Context(), clientHash, tool)
	if err != nil {
		log.Error().Err(err).Str("tool", tool).Msg("Rate gate unavailable")
		reqmeta.WriteError(w, http.StatusServiceUnavailable, "temporarily unavailable")
		return
	}
	reqmeta.WriteJSON(w, http.StatusOK, decision)
}

func (h *Handler) writeUpstreamError(w http.ResponseWriter, tool string, err error) {
	switch {
	case errors.Is(err, ErrUpstreamRejected):
		bometrics.UpstreamRequestsTotal.WithLabelValues(tool, "rejected").Inc()
		reqmeta.WriteError(w, http.StatusUnprocessableEntity, "input was rejected")
	case errors.Is(err, context.DeadlineExceeded):
		bometrics.UpstreamRequestsTotal.WithLabelValues(tool, "timeout").Inc()
		reqmeta.WriteError(w, http.StatusGatewayTimeout, "generation timed out")
	default:
		bometrics.UpstreamRequestsTotal.WithLabelValues(tool, "error").Inc()
		log.Warn().Err(err).Str("tool", tool).Msg("Tool upstream failed")
		reqmeta.WriteError(w, http.StatusBadGateway, "generation failed")
	}
}

func writeLimited(w http.ResponseWriter, d rategate.Decision) {
	w.Header().Set("Retry-After", strconv.Itoa(d.ResetETAMinutes*60))
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", "0")
	reqmeta.WriteJSON(w, http.StatusTooManyRequests, LimitedResponse{
		Error:           "rate_limited",
		Message:         d.Message(),
		ResetETAMinutes: d.ResetETAMinutes,
		Remaining:       0,
	})
}
