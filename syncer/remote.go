// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Ziggcoder/SoilWise--sub001/fieldsync"
)

// Remote is the sync authority the orchestrator pushes mutations to. Push
// must be idempotent per MutationID. Any error returned by Push is a
// request-level failure; per-mutation verdicts travel in the response.
type Remote interface {
	Push(ctx context.Context, req *fieldsync.PushRequest) (*fieldsync.PushResponse, error)
}

// RemoteFunc adapts a function to Remote.
type RemoteFunc func(ctx context.Context, req *fieldsync.PushRequest) (*fieldsync.PushResponse, error)

func (f RemoteFunc) Push(ctx context.Context, req *fieldsync.PushRequest) (*fieldsync.PushResponse, error) {
	return f(ctx, req)
}

// HTTPRemote talks to the sync endpoint over HTTP/JSON.
type HTTPRemote struct {
	BaseURL string
	Token   func(context.Context) (string, error) // returns a bearer token; nil or "" sends no Authorization header
	HTTP    *http.Client
}

// NewHTTPRemote returns a client for baseURL.
func NewHTTPRemote(baseURL string, tok func(context.Context) (string, error)) *HTTPRemote {
	return &HTTPRemote{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   tok,
		HTTP:    &http.Client{Timeout: 60 * time.Second},
	}
}

// Push posts the batch to /sync/push. A 4xx status other than 408 and 429 is
// a refusal of the whole request and is reported as a ValidationError. Every
// other failure to obtain a complete response is a TransientNetworkError.
func (r *HTTPRemote) Push(ctx context.Context, req *fieldsync.PushRequest) (*fieldsync.PushResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal push request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.BaseURL+"/sync/push", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if r.Token != nil {
		token, err := r.Token(ctx)
		if err != nil {
			return nil, &fieldsync.TransientNetworkError{Err: fmt.Errorf("failed to get token: %w", err)}
		}
		if token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+token)
		}
	}

	client := r.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, &fieldsync.TransientNetworkError{Err: fmt.Errorf("failed to send HTTP request: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var er fieldsync.ErrorResponse
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &er) == nil && er.Error != "" {
			msg = er.Error
			if er.Message != "" {
				msg += ": " + er.Message
			}
		}
		if refused(resp.StatusCode) {
			reason := fieldsync.ReasonBadPayload
			if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
				reason = fieldsync.ReasonForbidden
			}
			return nil, &fieldsync.ValidationError{
				Reason:  reason,
				Message: fmt.Sprintf("server returned status %d: %s", resp.StatusCode, msg),
			}
		}
		return nil, &fieldsync.TransientNetworkError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("server returned status %d: %s", resp.StatusCode, msg),
		}
	}

	var pushResp fieldsync.PushResponse
	if err := json.NewDecoder(resp.Body).Decode(&pushResp); err != nil {
		return nil, &fieldsync.TransientNetworkError{StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to decode push response: %w", err)}
	}
	return &pushResp, nil
}

func refused(status int) bool {
	if status == http.StatusRequestTimeout || status == http.StatusTooManyRequests {
		return false
	}
	return status >= 400 && status < 500
}
