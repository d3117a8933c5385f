// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package netmon

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Prober checks connectivity once.
type Prober interface {
	Probe(ctx context.Context) (Quality, error)
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) (Quality, error)

func (f ProberFunc) Probe(ctx context.Context) (Quality, error) { return f(ctx) }

// HTTPProber sends a HEAD request to a health endpoint and classifies the
// link by round-trip latency.
type HTTPProber struct {
	URL         string
	HTTP        *http.Client
	PoorLatency time.Duration // slower responses are reported as QualityPoor
}

// NewHTTPProber returns a prober for url with a 5s timeout.
func NewHTTPProber(url string) *HTTPProber {
	return &HTTPProber{
		URL:         url,
		HTTP:        &http.Client{Timeout: 5 * time.Second},
		PoorLatency: 1500 * time.Millisecond,
	}
}

func (p *HTTPProber) Probe(ctx context.Context) (Quality, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return QualityNone, fmt.Errorf("failed to create probe request: %w", err)
	}
	client := p.HTTP
	if client == nil {
		client = http.DefaultClient
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return QualityNone, fmt.Errorf("probe failed: %w", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	elapsed := time.Since(start)

	if resp.StatusCode >= http.StatusInternalServerError {
		return QualityNone, fmt.Errorf("probe returned status %d", resp.StatusCode)
	}
	if p.PoorLatency > 0 && elapsed > p.PoorLatency {
		return QualityPoor, nil
	}
	return QualityGood, nil
}
