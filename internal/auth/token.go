// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package auth issues the bearer tokens the device presents to the remote
// sync endpoint.
package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "soilsync"

// DeviceClaims represents JWT claims for a field device
type DeviceClaims struct {
	DeviceID string `json:"did"` // Device ID
	jwt.RegisteredClaims
}

// TokenSource signs HS256 device tokens and caches them until shortly
// before they expire.
type TokenSource struct {
	secret   []byte
	userID   string
	deviceID string
	ttl      time.Duration
	leeway   time.Duration
	now      func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// NewTokenSource creates a token source for the given user and device.
func NewTokenSource(secret, userID, deviceID string, ttl time.Duration) (*TokenSource, error) {
	if secret == "" {
		return nil, fmt.Errorf("token secret cannot be empty")
	}
	if userID == "" || deviceID == "" {
		return nil, fmt.Errorf("user ID and device ID are required")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TokenSource{
		secret:   []byte(secret),
		userID:   userID,
		deviceID: deviceID,
		ttl:      ttl,
		leeway:   ttl / 10,
		now:      time.Now,
	}, nil
}

// Token returns a valid bearer token. It matches the func signature
// expected by syncer.HTTPRemote.
func (s *TokenSource) Token(ctx context.Context) (string, error) {
	if token, ok := TokenFromContext(ctx); ok {
		return token, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if s.token != "" && now.Add(s.leeway).Before(s.expiresAt) {
		return s.token, nil
	}

	expiresAt := now.Add(s.ttl)
	claims := &DeviceClaims{
		DeviceID: s.deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
			Subject:   s.userID,
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign device token: %w", err)
	}
	s.token, s.expiresAt = signed, expiresAt
	return signed, nil
}

// ValidateToken parses a token signed with secret and returns its claims.
func ValidateToken(secret, tokenString string) (*DeviceClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &DeviceClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithIssuer(issuer))
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*DeviceClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.DeviceID == "" {
		return nil, fmt.Errorf("missing did (device ID) in token")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("missing sub (user ID) in token")
	}
	return claims, nil
}
