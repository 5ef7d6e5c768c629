package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	gobreaker "github.com/sony/gobreaker/v2"
)

var (
	// ErrUpstreamRejected means the upstream refused the input; retrying the
	// same request will not help.
	ErrUpstreamRejected = errors.New("upstream rejected request")
	// ErrUpstreamUnavailable means the upstream failed or the breaker is open.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)

const upstreamResponseLimit = 1024 * 1024

// Generator produces tool output. Generation itself is external.
type Generator interface {
	Generate(ctx context.Context, tool, input string) (Output, error)
}

// Output is the generated result returned to the caller.
type Output struct {
	Output json.RawMessage `json:"output"`
}

// BreakerConfig tunes the upstream circuit breaker.
type BreakerConfig struct {
	FailureThreshold uint32
	OpenTimeout      time.Duration
	Interval         time.Duration
}

// HTTPGenerator forwards generation requests to an HTTP upstream at
// <baseURL>/<tool>, guarded by a circuit breaker.
type HTTPGenerator struct {
	baseURL string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[Output]
}

// NewHTTPGenerator creates an upstream generator.
func NewHTTPGenerator(baseURL string, timeout time.Duration, cfg BreakerConfig) *HTTPGenerator {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}

	g := &HTTPGenerator{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
	g.breaker = gobreaker.NewCircuitBreaker[Output](gobreaker.Settings{
		Name:        "tools-upstream",
		MaxRequests: 1,
		Interval:    cfg.Interval,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrUpstreamRejected) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Tool upstream circuit breaker state changed")
		},
	})
	return g
}

// State reports the breaker state.
func (g *HTTPGenerator) State() string {
	return g.breaker.State().String()
}

type upstreamRequest struct {
	Input string `json:"input"`
}

// Generate calls the upstream through the breaker.
func (g *HTTPGenerator) Generate(ctx context.Context, tool, input string) (Output, error) {
	out, err := g.breaker.Execute(func() (Output, error) {
		return g.call(ctx, tool, input)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return Output{}, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	return out, err
}

func (g *HTTPGenerator) call(ctx context.Context, tool, input string) (Output, error) {
	body, err := json.Marshal(upstreamRequest{Input: input})
	if err != nil {
		return Output{}, fmt.Errorf("marshal upstream request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/"+tool, bytes.NewReader(body))
	if err != nil {
		return Output{}, fmt.Errorf("create upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return Output{}, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, upstreamResponseLimit))
	if err != nil {
		return Output{}, fmt.Errorf("%w: read response: %v", ErrUpstreamUnavailable, err)
	}

	switch {
	case resp.StatusCode >= 500:
		return Output{}, fmt.Errorf("%w: HTTP %d", ErrUpstreamUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		return Output{}, fmt.Errorf("%w: HTTP %d", ErrUpstreamRejected, resp.StatusCode)
	}

	var out Output
	if err := json.Unmarshal(respBody, &out); err != nil {
		return Output{}, fmt.Errorf("%w: decode response: %v", ErrUpstreamUnavailable, err)
	}
	return out, nil
}
