// Copyright (C) 2025 Fairlens AI (engineering@fairlens.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/fairlens-ai/fairlens/services/engine/pool"
)

// Client is the contract for reaching the external analysis service.
// HTTPClient is the production implementation; tests substitute fakes.
type Client interface {
	// AnalyzeLayer runs one layer analysis. Returns *InvalidSessionError
	// for 4xx rejections (permanent) and wrapped transport errors for
	// everything else (transient, retried by the bridge).
	AnalyzeLayer(ctx context.Context, req Request) (Response, error)

	// Health probes the service's /health endpoint.
	Health(ctx context.Context) (ServiceHealth, error)
}

// PoolTarget is the logical pool target name for the analysis service.
const PoolTarget = "analysis-service"

// httpConn adapts a dedicated *http.Client to the pool.Conn interface.
// Each pooled connection owns its own transport, so the pool's
// single-borrower invariant translates directly to the wire.
type httpConn struct {
	client  *http.Client
	baseURL string
}

// Ping implements pool.Conn with a GET /health round-trip.
func (c *httpConn) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 500 {
		return fmt.Errorf("health probe returned %d", resp.StatusCode)
	}
	return nil
}

// Close implements pool.Conn.
func (c *httpConn) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

// NewConnFactory returns a pool.Factory dialing the analysis service.
// Each connection gets its own transport with keep-alives enabled and a
// single idle connection, so one pooled handle maps to one TCP stream.
func NewConnFactory(baseURL string, requestTimeout time.Duration) pool.Factory {
	baseURL = strings.TrimSuffix(baseURL, "/")
	return func(ctx context.Context, target string) (pool.Conn, error) {
		transport := &http.Transport{
			MaxIdleConns:        1,
			MaxIdleConnsPerHost: 1,
			IdleConnTimeout:     90 * time.Second,
		}
		return &httpConn{
			client: &http.Client{
				Timeout:   requestTimeout,
				Transport: transport,
			},
			baseURL: baseURL,
		}, nil
	}
}

// HTTPClient reaches the analysis service over pooled HTTP connections,
// rate-limited to protect the service from request bursts.
type HTTPClient struct {
	pools   *pool.Manager
	limiter *rate.Limiter
	baseURL string
}

// NewHTTPClient creates a client borrowing connections from pools.
// ratePerSec caps outbound requests; <= 0 disables limiting.
func NewHTTPClient(pools *pool.Manager, baseURL string, ratePerSec float64) *HTTPClient {
	var limiter *rate.Limiter
	if ratePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(ratePerSec), int(ratePerSec)+1)
	}
	return &HTTPClient{
		pools:   pools,
		limiter: limiter,
		baseURL: strings.TrimSuffix(baseURL, "/"),
	}
}

// AnalyzeLayer implements Client.
func (c *HTTPClient) AnalyzeLayer(ctx context.Context, req Request) (Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return Response{}, fmt.Errorf("rate limiter wait: %w", err)
		}
	}

	req.SchemaVersion = SchemaVersion
	body, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("failed to marshal analysis request: %w", err)
	}

	pc, err := c.pools.Acquire(ctx, PoolTarget)
	if err != nil {
		return Response{}, fmt.Errorf("no connection to analysis service: %w", err)
	}
	defer c.pools.Release(pc)

	conn := pc.Conn.(*httpConn)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		conn.baseURL+"/analyze", bytes.NewReader(body))
	if err != nil {
		return Response{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := conn.client.Do(httpReq)
	if err != nil {
		pc.MarkDegraded()
		return Response{}, fmt.Errorf("analysis request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		pc.MarkDegraded()
		return Response{}, fmt.Errorf("failed to read analysis response: %w", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var parsed Response
		if err := json.Unmarshal(respBody, &parsed); err != nil {
			return Response{}, &ServiceUnavailableError{
				Layer: req.Layer,
				Err:   fmt.Errorf("unparseable response: %w", err),
			}
		}
		if !parsed.valid() {
			// Unrecognized shape or out-of-contract values: treat as an
			// unavailable service, never parse best-effort.
			return Response{}, &ServiceUnavailableError{
				Layer: req.Layer,
				Err: fmt.Errorf("response outside contract (schema %q, score %v)",
					parsed.SchemaVersion, parsed.Score),
			}
		}
		return parsed, nil

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return Response{}, &InvalidSessionError{
			SessionID: req.SessionID,
			Reason:    fmt.Sprintf("service rejected request with %d: %s", resp.StatusCode, truncate(respBody, 256)),
		}

	default:
		return Response{}, fmt.Errorf("analysis service returned %d", resp.StatusCode)
	}
}

// Health implements Client.
func (c *HTTPClient) Health(ctx context.Context) (ServiceHealth, error) {
	start := time.Now()

	pc, err := c.pools.Acquire(ctx, PoolTarget)
	if err != nil {
		return ServiceHealth{Status: HealthDown}, err
	}
	defer c.pools.Release(pc)

	conn := pc.Conn.(*httpConn)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, conn.baseURL+"/health", nil)
	if err != nil {
		return ServiceHealth{Status: HealthDown}, err
	}
	resp, err := conn.client.Do(req)
	if err != nil {
		pc.MarkDegraded()
		return ServiceHealth{Status: HealthDown}, err
	}
	defer resp.Body.Close()

	var health ServiceHealth
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil || health.Status == "" {
		if resp.StatusCode < 300 {
			health.Status = HealthDegraded
		} else {
			health.Status = HealthDown
		}
	}
	health.LatencyMs = time.Since(start).Milliseconds()
	return health, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

var _ Client = (*HTTPClient)(nil)
