// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Ziggcoder/SoilWise--sub001/fieldsync"
	"github.com/stretchr/testify/require"
)

func TestHTTPRemote_Push(t *testing.T) {
	var gotAuth string
	var gotReq fieldsync.PushRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/sync/push", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		v := int64(4)
		resp := fieldsync.PushResponse{Results: []fieldsync.ItemResult{
			{MutationID: gotReq.Mutations[0].MutationID, Outcome: fieldsync.OutcomeAccepted, NewVersion: &v},
		}}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	remote := NewHTTPRemote(srv.URL+"/", func(context.Context) (string, error) { return "device-token", nil })
	resp, err := remote.Push(context.Background(), &fieldsync.PushRequest{
		DeviceID: "device-1",
		Mutations: []fieldsync.Mutation{{
			MutationID:  "m-1",
			Table:       fieldsync.KindFarm,
			RecordID:    "farm-1",
			Action:      fieldsync.ActionUpdate,
			Payload:     json.RawMessage(`{"name":"Green Acres"}`),
			BaseVersion: 3,
			UpdatedAt:   time.Now().UTC(),
		}},
	})
	require.NoError(t, err)
	require.Equal(t, "Bearer device-token", gotAuth)
	require.Equal(t, "device-1", gotReq.DeviceID)
	require.Equal(t, int64(3), gotReq.Mutations[0].BaseVersion)
	require.Len(t, resp.Results, 1)
	require.Equal(t, int64(4), *resp.Results[0].NewVersion)
}

func TestHTTPRemote_FailuresAreTransient(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		status  int
		message string
	}{
		{
			name: "service unavailable",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusServiceUnavailable)
				_ = json.NewEncoder(w).Encode(fieldsync.ErrorResponse{Error: "maintenance", Message: "back soon"})
			},
			status:  http.StatusServiceUnavailable,
			message: "maintenance: back soon",
		},
		{
			name: "plain text error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "upstream timeout", http.StatusBadGateway)
			},
			status:  http.StatusBadGateway,
			message: "upstream timeout",
		},
		{
			name: "rate limited",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "slow down", http.StatusTooManyRequests)
			},
			status:  http.StatusTooManyRequests,
			message: "slow down",
		},
		{
			name: "truncated body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"results":[`))
			},
			status:  http.StatusOK,
			message: "failed to decode push response",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			_, err := NewHTTPRemote(srv.URL, nil).Push(context.Background(), &fieldsync.PushRequest{DeviceID: "d"})
			var te *fieldsync.TransientNetworkError
			require.True(t, errors.As(err, &te))
			require.Equal(t, tt.status, te.StatusCode)
			require.Contains(t, err.Error(), tt.message)
		})
	}
}

func TestHTTPRemote_ClientErrorsAreRefusals(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		reason  string
		message string
	}{
		{name: "bad request", status: http.StatusBadRequest, reason: fieldsync.ReasonBadPayload, message: "status 400"},
		{name: "unauthorized", status: http.StatusUnauthorized, reason: fieldsync.ReasonForbidden, message: "status 401"},
		{name: "forbidden", status: http.StatusForbidden, reason: fieldsync.ReasonForbidden, message: "status 403"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_ = json.NewEncoder(w).Encode(fieldsync.ErrorResponse{Error: "refused", Message: "device not enrolled"})
			}))
			defer srv.Close()

			_, err := NewHTTPRemote(srv.URL, nil).Push(context.Background(), &fieldsync.PushRequest{DeviceID: "d"})
			require.False(t, fieldsync.IsTransient(err))
			var verr *fieldsync.ValidationError
			require.True(t, errors.As(err, &verr))
			require.Equal(t, tt.reason, verr.Reason)
			require.Contains(t, verr.Message, tt.message)
			require.Contains(t, verr.Message, "refused: device not enrolled")
		})
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestHTTPRemote_TransportAndTokenErrors(t *testing.T) {
	remote := NewHTTPRemote("http://sync.invalid", nil)
	remote.HTTP = &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		return nil, errors.New("dial tcp: no route to host")
	})}
	_, err := remote.Push(context.Background(), &fieldsync.PushRequest{})
	require.True(t, fieldsync.IsTransient(err))
	require.Contains(t, err.Error(), "no route to host")

	remote.Token = func(context.Context) (string, error) { return "", errors.New("token expired") }
	_, err = remote.Push(context.Background(), &fieldsync.PushRequest{})
	require.True(t, fieldsync.IsTransient(err))
	require.Contains(t, err.Error(), "token expired")
}
