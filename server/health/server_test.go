// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	ready atomic.Bool
}

func (p *fakeProvider) Ready() bool { return p.ready.Load() }

func (p *fakeProvider) Status() any {
	return map[string]any{
		"assignment": map[string][]string{"consumer-1": {"1", "3"}},
		"metrics":    map[string]uint64{"processed": 7},
	}
}

func TestAddrWithoutListener(t *testing.T) {
	server := New(Config{}, nil, slog.Default())
	assert.Empty(t, server.Addr())
}

func TestHealthEndpoint(t *testing.T) {
	server := New(Config{Service: "chat-consumer"}, nil, nil)

	tests := []struct {
		name           string
		method         string
		expectedStatus int
	}{
		{name: "GET request returns healthy", method: http.MethodGet, expectedStatus: http.StatusOK},
		{name: "POST request not allowed", method: http.MethodPost, expectedStatus: http.StatusMethodNotAllowed},
		{name: "PUT request not allowed", method: http.MethodPut, expectedStatus: http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "http://test/health", nil)
			rec := httptest.NewRecorder()

			server.handleHealth(rec, req)

			require.Equal(t, tt.expectedStatus, rec.Code)
			if tt.expectedStatus != http.StatusOK {
				return
			}

			var response HealthResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&response))
			assert.Equal(t, HealthResponse{Status: "healthy", Service: "chat-consumer"}, response)
		})
	}
}

func TestReadyEndpoint(t *testing.T) {
	provider := &fakeProvider{}
	server := New(Config{Service: "chat-consumer"}, provider, nil)

	tests := []struct {
		name           string
		ready          bool
		method         string
		expectedStatus int
		expectedBody   string
	}{
		{name: "not ready", ready: false, method: http.MethodGet, expectedStatus: http.StatusServiceUnavailable, expectedBody: "not_ready"},
		{name: "ready", ready: true, method: http.MethodGet, expectedStatus: http.StatusOK, expectedBody: "ready"},
		{name: "POST request not allowed", ready: true, method: http.MethodPost, expectedStatus: http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider.ready.Store(tt.ready)
			req := httptest.NewRequest(tt.method, "http://test/ready", nil)
			rec := httptest.NewRecorder()

			server.handleReady(rec, req)

			require.Equal(t, tt.expectedStatus, rec.Code)
			if tt.expectedBody == "" {
				return
			}
			var response ReadyResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&response))
			assert.Equal(t, tt.expectedBody, response.Status)
		})
	}
}

func TestStatusEndpoint(t *testing.T) {
	server := New(Config{}, &fakeProvider{}, nil)

	req := httptest.NewRequest(http.MethodGet, "http://test/status", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body struct {
		Assignment map[string][]string `json:"assignment"`
		Metrics    map[string]uint64   `json:"metrics"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, []string{"1", "3"}, body.Assignment["consumer-1"])
	assert.Equal(t, uint64(7), body.Metrics["processed"])
}

func TestFuncsDefaults(t *testing.T) {
	var f Funcs
	assert.True(t, f.Ready())
	assert.Equal(t, struct{}{}, f.Status())

	f = Funcs{ReadyFunc: func() bool { return false }, StatusFunc: func() any { return 1 }}
	assert.False(t, f.Ready())
	assert.Equal(t, 1, f.Status())
}

func TestContentTypeHeaders(t *testing.T) {
	server := New(Config{}, nil, nil)

	for _, path := range []string{"/health", "/ready", "/status"} {
		t.Run(path, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "http://test"+path, nil)
			rec := httptest.NewRecorder()
			server.Handler().ServeHTTP(rec, req)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		})
	}
}

func TestListenAndShutdown(t *testing.T) {
	server := New(Config{Address: "127.0.0.1:0", ShutdownTimeout: time.Second}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- server.Listen(ctx) }()

	require.Eventually(t, func() bool { return server.Addr() != "" }, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get(fmt.Sprintf("http://%s/health", server.Addr()))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}
