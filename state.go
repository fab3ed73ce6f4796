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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// AppState is persisted between runs so the last good snapshot survives a
// restart. Credentials and tokens are never written here.
type AppState struct {
	LastSnapshot        *Snapshot `json:"last_snapshot,omitempty"`
	LastSuccess         time.Time `json:"last_success,omitempty"`
	LastError           string    `json:"last_error,omitempty"`
	LastErrorAt         time.Time `json:"last_error_at,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastUpdated         time.Time `json:"last_updated"`
}

func getStateFilePath(accountContract string) (string, error) {
	if !isDigits(accountContract) {
		return "", fmt.Errorf("invalid account contract for state file: %q", accountContract)
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}

	configDir := filepath.Join(homeDir, ".config", "eonwatch")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}

	// Use the account contract in the filename to separate state per account
	return filepath.Join(configDir, fmt.Sprintf("state_%s.json", accountContract)), nil
}

func LoadState(accountContract string) (*AppState, error) {
	statePath, err := getStateFilePath(accountContract)
	if err != nil {
		return nil, err
	}

	// If file doesn't exist, return empty state
	if _, err := os.Stat(statePath); os.IsNotExist(err) {
		return &AppState{LastUpdated: time.Now()}, nil
	}

	data, err := os.ReadFile(statePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	var state AppState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to parse state file: %w", err)
	}

	state.LastSnapshot.normalize()
	if state.LastSnapshot != nil && state.LastSnapshot.AccountContract != accountContract {
		state.LastSnapshot = nil
	}

	return &state, nil
}

func (s *AppState) Save(accountContract string) error {
	statePath, err := getStateFilePath(accountContract)
	if err != nil {
		return err
	}

	s.LastUpdated = time.Now()

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	tmpPath := statePath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := os.Rename(tmpPath, statePath); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}

	return nil
}

// RecordSuccess stores a new good snapshot and resets the failure streak
func (s *AppState) RecordSuccess(snap *Snapshot) {
	s.LastSnapshot = snap
	s.LastSuccess = snap.FetchedAt
	s.LastError = ""
	s.LastErrorAt = time.Time{}
	s.ConsecutiveFailures = 0
}

// RecordFailure notes a failed cycle. The last good snapshot is kept.
func (s *AppState) RecordFailure(err error, at time.Time) {
	s.LastError = err.Error()
	s.LastErrorAt = at
	s.ConsecutiveFailures++
}

// IsSnapshotFresh reports whether the last good snapshot is younger than maxAge
func (s *AppState) IsSnapshotFresh(maxAge time.Duration) bool {
	if s.LastSnapshot == nil {
		return false
	}
	return time.Since(s.LastSnapshot.FetchedAt) < maxAge
}
