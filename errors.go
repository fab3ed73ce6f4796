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
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrTokenExpired is reported when the API rejects the bearer token with a 401.
// It is recovered by re-authenticating and only escapes wrapped in an AuthError
// once the single retry has been spent.
var ErrTokenExpired = errors.New("bearer token rejected")

// ErrNoSnapshot is returned by the monitor before any refresh cycle has run
var ErrNoSnapshot = errors.New("no snapshot available yet")

// APIError represents a non-200 response from the E·ON API
type APIError struct {
	StatusCode int
	Endpoint   string
	Message    string
	Retryable  bool
	Err        error // Underlying error if any
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("API error (%d) at %s: %s (caused by: %v)", e.StatusCode, e.Endpoint, e.Message, e.Err)
	}
	return fmt.Sprintf("API error (%d) at %s: %s", e.StatusCode, e.Endpoint, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// NewAPIError creates a new APIError with automatic retryable detection
func NewAPIError(statusCode int, endpoint, message string, err error) *APIError {
	return &APIError{
		StatusCode: statusCode,
		Endpoint:   endpoint,
		Message:    message,
		Retryable:  isRetryableStatus(statusCode),
		Err:        err,
	}
}

// isRetryableStatus determines if an HTTP status code is worth retrying on a
// later cycle. The client itself never retries these.
func isRetryableStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusTooManyRequests, // 429
		http.StatusInternalServerError, // 500
		http.StatusBadGateway,          // 502
		http.StatusServiceUnavailable,  // 503
		http.StatusGatewayTimeout:      // 504
		return true
	default:
		return false
	}
}

// AuthError represents an authentication failure: bad credentials, a login
// transport error, or a token still rejected after re-authentication
type AuthError struct {
	Endpoint string
	Message  string
	Err      error
}

func (e *AuthError) Error() string {
	if e.Endpoint != "" {
		return fmt.Sprintf("authentication error at %s: %s", e.Endpoint, e.Message)
	}
	return fmt.Sprintf("authentication error: %s", e.Message)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// TransportError represents a timeout or connection failure
type TransportError struct {
	Method   string
	Endpoint string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error during %s %s: %v", e.Method, e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ValidationError represents configuration or input validation errors
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	if e.Value != nil {
		return fmt.Sprintf("validation error for %s (value: %v): %s", e.Field, e.Value, e.Message)
	}
	return fmt.Sprintf("validation error for %s: %s", e.Field, e.Message)
}

// DataUnavailableError is returned when a refresh cycle could not fetch the
// essential resources
type DataUnavailableError struct {
	AccountContract string
	Missing         []ResourceKey
}

func (e *DataUnavailableError) Error() string {
	names := make([]string, len(e.Missing))
	for i, key := range e.Missing {
		names[i] = string(key)
	}
	return fmt.Sprintf("essential data unavailable for %s: missing %s", maskAccount(e.AccountContract), strings.Join(names, ", "))
}

// IsAuthError reports whether err is, or wraps, an AuthError
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// IsDataUnavailable reports whether err is, or wraps, a DataUnavailableError
func IsDataUnavailable(err error) bool {
	var dataErr *DataUnavailableError
	return errors.As(err, &dataErr)
}
