package tools

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPGeneratorForwards(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/caption", r.URL.Path)
		var req upstreamRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		_, _ = w.Write([]byte(`{"output":{"text":"caption for ` + req.Input + `"}}`))
	}))
	defer srv.Close()

	g := NewHTTPGenerator(srv.URL+"/", time.Second, BreakerConfig{})
	out, err := g.Generate(context.Background(), "caption", "beach")
	require.NoError(t, err)
	assert.JSONEq(t, `{"text":"caption for beach"}`, string(out.Output))
}

func TestHTTPGeneratorClassifiesErrors(t *testing.T) {
	status := http.StatusBadRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()

	g := NewHTTPGenerator(srv.URL, time.Second, BreakerConfig{})
	_, err := g.Generate(context.Background(), "caption", "x")
	assert.ErrorIs(t, err, ErrUpstreamRejected)

	status = http.StatusInternalServerError
	_, err = g.Generate(context.Background(), "caption", "x")
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
}

func TestHTTPGeneratorBreakerOpens(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	g := NewHTTPGenerator(srv.URL, time.Second, BreakerConfig{FailureThreshold: 2, OpenTimeout: time.Minute})
	for i := 0; i < 2; i++ {
		_, err := g.Generate(context.Background(), "caption", "x")
		require.Error(t, err)
	}
	assert.Equal(t, "open", g.State())

	_, err := g.Generate(context.Background(), "caption", "x")
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
	assert.EqualValues(t, 2, hits.Load(), "open breaker must short-circuit")
}

func TestHTTPGeneratorRejectionsDoNotTripBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	g := NewHTTPGenerator(srv.URL, time.Second, BreakerConfig{FailureThreshold: 1})
	for i := 0; i < 3; i++ {
		_, err := g.Generate(context.Background(), "caption", "x")
		require.True(t, errors.Is(err, ErrUpstreamRejected))
	}
	assert.Equal(t, "closed", g.State())
}
