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
	"io"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger for structured logging throughout the application
type Logger struct {
	*slog.Logger
	level *slog.LevelVar
}

// NewLogger creates a new structured logger
func NewLogger(debug bool) *Logger {
	return newLogger(os.Stdout, debug, false)
}

// NewJSONLogger creates a new JSON structured logger (useful for production/log aggregation)
func NewJSONLogger(debug bool) *Logger {
	return newLogger(os.Stdout, debug, true)
}

func newLogger(w io.Writer, debug, jsonFormat bool) *Logger {
	level := new(slog.LevelVar)
	if debug {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if jsonFormat {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return &Logger{
		Logger: slog.New(handler),
		level:  level,
	}
}

// SetDebug switches the level of this logger and every logger derived from it
func (l *Logger) SetDebug(debug bool) {
	if l.level == nil {
		return
	}
	if debug {
		l.level.Set(slog.LevelDebug)
	} else {
		l.level.Set(slog.LevelInfo)
	}
}

// DebugEnabled reports whether debug records are currently emitted
func (l *Logger) DebugEnabled() bool {
	return l.level != nil && l.level.Level() <= slog.LevelDebug
}

func (l *Logger) with(args ...any) *Logger {
	return &Logger{
		Logger: l.Logger.With(args...),
		level:  l.level,
	}
}

// WithComponent returns a logger with a component field pre-set
func (l *Logger) WithComponent(component string) *Logger {
	return l.with("component", component)
}

// WithCycleID returns a logger with a cycle_id field pre-set
func (l *Logger) WithCycleID(cycleID string) *Logger {
	return l.with("cycle_id", cycleID)
}

// WithAccountID returns a logger with an account_id field pre-set
func (l *Logger) WithAccountID(accountID string) *Logger {
	return l.with("account_id", maskAccount(accountID))
}

// maskAccount keeps the account contract recognisable in logs without printing all of it
func maskAccount(accountID string) string {
	if len(accountID) > 5 {
		return accountID[:5] + "***"
	}
	return accountID
}

// LogAPIRequest logs an API request with common fields
func (l *Logger) LogAPIRequest(method, endpoint string, statusCode int, duration float64) {
	l.Debug("API request",
		"method", method,
		"endpoint", endpoint,
		"status_code", statusCode,
		"duration_ms", duration*1000,
	)
}

// LogAPIError logs an API error with details
func (l *Logger) LogAPIError(err error, endpoint string) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		l.Error("API request failed",
			"endpoint", endpoint,
			"status_code", apiErr.StatusCode,
			"retryable", apiErr.Retryable,
			"error", apiErr.Message,
		)
		return
	}
	l.Error("API request failed",
		"endpoint", endpoint,
		"error", err.Error(),
	)
}

// UserMessage outputs a user-friendly message (bypasses structured logging)
// Use this for primary user-facing output in one-shot commands
func (l *Logger) UserMessage(format string, args ...interface{}) {
	fmt.Printf(format+"\n", args...)
}
