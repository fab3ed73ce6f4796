// Copyright 2025 Matthew Gall <me@matthewgall.dev>
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"
)

// Credentials are the E·ON account login. They are never logged.
type Credentials struct {
	Username string
	Password string
}

// String keeps credentials out of fmt output
func (c Credentials) String() string {
	return "Credentials{Username: ***, Password: ***}"
}

// LogValue keeps credentials out of structured logs
func (c Credentials) LogValue() slog.Value {
	return slog.StringValue("***")
}

type loginRequest struct {
	Username   string `json:"username"`
	Password   string `json:"password"`
	RememberMe bool   `json:"rememberMe"`
}

// loginTransport posts a login body and returns the raw response
type loginTransport interface {
	postLogin(ctx context.Context, body []byte) (int, []byte, error)
}

// TokenManager owns the bearer token. The token is only ever replaced by a
// successful login or cleared; expiry is discovered through 401 responses.
type TokenManager struct {
	credentials Credentials
	transport   loginTransport
	token       atomic.Pointer[string]
	logins      singleflight.Group
	logger      *Logger
	metrics     *Metrics
}

// NewTokenManager creates a token manager with no token
func NewTokenManager(credentials Credentials, transport loginTransport, logger *Logger) *TokenManager {
	return &TokenManager{
		credentials: credentials,
		transport:   transport,
		logger:      logger,
	}
}

// Token returns the current token, or "" when none is held
func (tm *TokenManager) Token() string {
	if t := tm.token.Load(); t != nil {
		return *t
	}
	return ""
}

// Login exchanges the credentials for a new token. Concurrent calls share a
// single request. Failures clear the token and are reported through the
// logger and metrics; they are never returned to the caller.
//
// The shared request is detached from the caller that started it, so one
// caller giving up does not fail the others waiting on the same login.
func (tm *TokenManager) Login(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}

	ch := tm.logins.DoChan("login", func() (interface{}, error) {
		loginCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), HTTPClientTimeout)
		defer cancel()
		return tm.login(loginCtx), nil
	})

	select {
	case res := <-ch:
		return res.Val.(bool)
	case <-ctx.Done():
		return false
	}
}

func (tm *TokenManager) login(ctx context.Context) bool {
	body, err := json.Marshal(loginRequest{
		Username:   tm.credentials.Username,
		Password:   tm.credentials.Password,
		RememberMe: false,
	})
	if err != nil {
		tm.logger.Error("Failed to encode login request", "error", err)
		tm.clear()
		tm.metrics.ObserveLogin("error")
		return false
	}

	status, respBody, err := tm.transport.postLogin(ctx, body)
	if err != nil {
		tm.logger.Error("Login failed", "error", err)
		tm.clear()
		tm.metrics.ObserveLogin("error")
		return false
	}

	if status != http.StatusOK {
		tm.logger.Error("Login rejected",
			"status_code", status,
			"body", truncateBody(respBody),
		)
		tm.clear()
		tm.metrics.ObserveLogin("rejected")
		return false
	}

	token := gjson.GetBytes(respBody, "accessToken").String()
	if token == "" {
		tm.logger.Error("Login response did not contain an access token")
		tm.clear()
		tm.metrics.ObserveLogin("rejected")
		return false
	}

	tm.token.Store(&token)
	tm.logger.Debug("Obtained new access token")
	tm.metrics.ObserveLogin("success")
	return true
}

// EnsureToken logs in only when no token is held
func (tm *TokenManager) EnsureToken(ctx context.Context) bool {
	if tm.Token() != "" {
		return true
	}
	return tm.Login(ctx)
}

// Invalidate clears the token if it is still the one that was rejected. A
// token already replaced by a concurrent login is left alone.
func (tm *TokenManager) Invalidate(stale string) {
	current := tm.token.Load()
	if current == nil || *current != stale {
		return
	}
	if tm.token.CompareAndSwap(current, nil) {
		tm.logger.Debug("Invalidated rejected access token")
	}
}

// Reauthenticate replaces a rejected token. When another caller has already
// obtained a fresh token, that token is reused instead of logging in again.
func (tm *TokenManager) Reauthenticate(ctx context.Context, stale string) bool {
	tm.Invalidate(stale)
	if tm.Token() != "" {
		tm.metrics.ObserveReauth("reused")
		return true
	}
	if tm.Login(ctx) {
		tm.metrics.ObserveReauth("success")
		return true
	}
	tm.metrics.ObserveReauth("failure")
	return false
}

func (tm *TokenManager) clear() {
	tm.token.Store(nil)
}
