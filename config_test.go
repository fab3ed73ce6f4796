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
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	configFile := filepath.Join(t.TempDir(), "eonwatch.yaml")
	if err := os.WriteFile(configFile, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write test config file: %v", err)
	}
	return configFile
}

func validConfig() *Config {
	config := &Config{
		Username:        "user@example.com",
		Password:        "s3cret-pass",
		AccountContract: "000000000001",
	}
	config.ApplyDefaults()
	return config
}

func TestLoadConfig(t *testing.T) {
	configFile := writeConfigFile(t, `username: user@example.com
password: s3cret-pass
account_contract: "1234567"
update_interval_seconds: 900
prosumer: true
fetch_concurrency: 2
web_ui: true
web_port: 9090
debug: true
log_format: json
api:
  base_url: https://api.example.test/
  max_pages: 50
  requests_per_second: 2.5
`)

	config, err := LoadConfig(configFile)
	if err != nil {
		t.Fatalf("Expected no error loading config, got %v", err)
	}

	if config.Username != "user@example.com" {
		t.Errorf("Expected Username 'user@example.com', got %s", config.Username)
	}
	if config.AccountContract != "1234567" {
		t.Errorf("Expected AccountContract '1234567', got %s", config.AccountContract)
	}
	if config.UpdateInterval != 900 {
		t.Errorf("Expected UpdateInterval 900, got %d", config.UpdateInterval)
	}
	if !config.Prosumer {
		t.Error("Expected Prosumer to be true")
	}
	if config.FetchConcurrency != 2 {
		t.Errorf("Expected FetchConcurrency 2, got %d", config.FetchConcurrency)
	}
	if !config.WebUI || config.WebPort != 9090 {
		t.Errorf("Expected web UI on port 9090, got enabled=%v port=%d", config.WebUI, config.WebPort)
	}
	if !config.Debug {
		t.Error("Expected Debug to be true")
	}
	if config.LogFormat != "json" {
		t.Errorf("Expected LogFormat 'json', got %s", config.LogFormat)
	}
	if config.API.MaxPages != 50 {
		t.Errorf("Expected API.MaxPages 50, got %d", config.API.MaxPages)
	}
	if config.API.RequestsPerSecond != 2.5 {
		t.Errorf("Expected API.RequestsPerSecond 2.5, got %g", config.API.RequestsPerSecond)
	}

	config.ApplyDefaults()
	config.Normalize()
	if config.AccountContract != "000001234567" {
		t.Errorf("Expected padded account contract, got %s", config.AccountContract)
	}
	if config.API.BaseURL != "https://api.example.test" {
		t.Errorf("Expected trailing slash trimmed, got %s", config.API.BaseURL)
	}
	if err := config.Validate(); err != nil {
		t.Errorf("Expected loaded config to validate, got %v", err)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	config, err := LoadConfig("")
	if err != nil {
		t.Fatalf("Expected no error with empty path, got %v", err)
	}

	if config.UpdateInterval != 3600 {
		t.Errorf("Expected default UpdateInterval 3600, got %d", config.UpdateInterval)
	}
	if config.FetchConcurrency != DefaultFetchConcurrency {
		t.Errorf("Expected default FetchConcurrency %d, got %d", DefaultFetchConcurrency, config.FetchConcurrency)
	}
	if config.WebPort != 8080 {
		t.Errorf("Expected default WebPort 8080, got %d", config.WebPort)
	}
	if config.LogFormat != "text" {
		t.Errorf("Expected default LogFormat 'text', got %s", config.LogFormat)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil || !strings.Contains(err.Error(), "does not exist") {
		t.Errorf("Expected missing file error, got %v", err)
	}
}

func TestLoadConfigInvalidYAML(t *testing.T) {
	configFile := writeConfigFile(t, "username: [unclosed\n")

	_, err := LoadConfig(configFile)
	if err == nil {
		t.Error("Expected error for invalid YAML")
	}
}

func TestConfigApplyDefaults(t *testing.T) {
	config := &Config{}
	config.ApplyDefaults()

	if config.UpdateIntervalDuration() != DefaultUpdateInterval {
		t.Errorf("Expected default interval %v, got %v", DefaultUpdateInterval, config.UpdateIntervalDuration())
	}
	if config.API.BaseURL != DefaultBaseURL {
		t.Errorf("Expected default base URL, got %s", config.API.BaseURL)
	}
	if config.API.SubscriptionKey != DefaultSubscriptionKey {
		t.Errorf("Expected default subscription key, got %s", config.API.SubscriptionKey)
	}
	if config.API.MaxPages != DefaultMaxPages {
		t.Errorf("Expected default max pages %d, got %d", DefaultMaxPages, config.API.MaxPages)
	}
	if config.API.RequestsPerSecond != HTTPRequestsPerSecond {
		t.Errorf("Expected default request rate, got %g", config.API.RequestsPerSecond)
	}
	if config.API.TimeoutSeconds != int(HTTPClientTimeout/time.Second) {
		t.Errorf("Expected default timeout, got %d", config.API.TimeoutSeconds)
	}

	// Explicit values survive
	config = &Config{UpdateInterval: 120, WebPort: 9000, API: APIConfig{MaxPages: 3}}
	config.ApplyDefaults()
	if config.UpdateInterval != 120 || config.WebPort != 9000 || config.API.MaxPages != 3 {
		t.Errorf("Expected explicit values to be kept, got %+v", config)
	}
}

func TestConfigApplyEnv(t *testing.T) {
	t.Setenv(EnvUsername, "env@example.com")
	t.Setenv(EnvPassword, "env-pass")
	t.Setenv(EnvAccountContract, "42")

	config := &Config{Username: "file@example.com", Password: "file-pass", AccountContract: "7"}
	config.ApplyEnv()

	if config.Username != "env@example.com" || config.Password != "env-pass" || config.AccountContract != "42" {
		t.Errorf("Expected environment to override the file, got %+v", config)
	}
}

func TestConfigApplyEnvKeepsFileValuesWhenUnset(t *testing.T) {
	t.Setenv(EnvUsername, "")
	t.Setenv(EnvPassword, "")
	t.Setenv(EnvAccountContract, "")

	config := &Config{Username: "file@example.com", Password: "file-pass", AccountContract: "7"}
	config.ApplyEnv()

	if config.Username != "file@example.com" || config.Password != "file-pass" || config.AccountContract != "7" {
		t.Errorf("Expected file values to be kept, got %+v", config)
	}
}

func TestNormalizeAccountContract(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"1", "000000000001"},
		{" 2004567 ", "000002004567"},
		{"000000000001", "000000000001"},
		{"1234567890123", "1234567890123"},
		{"", ""},
	}

	for _, tt := range tests {
		if got := NormalizeAccountContract(tt.in); got != tt.want {
			t.Errorf("NormalizeAccountContract(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "missing username", mutate: func(c *Config) { c.Username = "" }, wantErr: "username is required"},
		{name: "missing password", mutate: func(c *Config) { c.Password = "" }, wantErr: "password is required"},
		{name: "missing account", mutate: func(c *Config) { c.AccountContract = "" }, wantErr: "account contract is required"},
		{name: "account too long", mutate: func(c *Config) { c.AccountContract = "1234567890123" }, wantErr: "at most 12 characters"},
		{name: "account with path separators", mutate: func(c *Config) { c.AccountContract = NormalizeAccountContract("../x") }, wantErr: "only digits"},
		{name: "account with letters", mutate: func(c *Config) { c.AccountContract = "00000000001A" }, wantErr: "only digits"},
		{name: "interval too short", mutate: func(c *Config) { c.UpdateInterval = 30 }, wantErr: "at least 60 seconds"},
		{name: "interval too long", mutate: func(c *Config) { c.UpdateInterval = 90000 }, wantErr: "at most 86400 seconds"},
		{name: "concurrency too high", mutate: func(c *Config) { c.FetchConcurrency = 10 }, wantErr: "fetch concurrency"},
		{name: "bad port", mutate: func(c *Config) { c.WebPort = 70000 }, wantErr: "web port"},
		{name: "bad log format", mutate: func(c *Config) { c.LogFormat = "xml" }, wantErr: "log format"},
		{name: "relative base url", mutate: func(c *Config) { c.API.BaseURL = "api.eon.ro" }, wantErr: "api base URL"},
		{name: "negative rate", mutate: func(c *Config) { c.API.RequestsPerSecond = -1 }, wantErr: "cannot be negative"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := validConfig()
			tt.mutate(config)

			err := config.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Expected valid config, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestConfigValidateReportsEveryProblem(t *testing.T) {
	config := &Config{}
	config.ApplyDefaults()

	err := config.Validate()
	if err == nil {
		t.Fatal("Expected validation error")
	}
	for _, want := range []string{"username", "password", "account contract"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Expected error to mention %s, got %v", want, err)
		}
	}
}

func TestConfigResources(t *testing.T) {
	config := validConfig()
	if got := config.Resources(); len(got) != len(CoreResources) {
		t.Errorf("Expected %d core resources, got %d", len(CoreResources), len(got))
	}

	config.Prosumer = true
	got := config.Resources()
	if len(got) != len(CoreResources)+len(ProsumerResources) {
		t.Fatalf("Expected prosumer resources to be added, got %v", got)
	}
	if got[len(got)-1] != ResourceProsumerBalance {
		t.Errorf("Expected prosumer balance last, got %s", got[len(got)-1])
	}
}

func TestBuildConfigLayersOverridesBeforeDefaults(t *testing.T) {
	t.Setenv(EnvUsername, "")
	t.Setenv(EnvPassword, "")
	t.Setenv(EnvAccountContract, "")

	configFile := writeConfigFile(t, `username: user@example.com
password: s3cret-pass
account_contract: "1"
`)

	config, err := BuildConfig(configFile, func(c *Config) {
		c.AccountContract = "42"
		c.LogFormat = " JSON "
	})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if config.AccountContract != "000000000042" {
		t.Errorf("Expected override to be normalized, got %s", config.AccountContract)
	}
	if config.LogFormat != "json" {
		t.Errorf("Expected override log format 'json', got %s", config.LogFormat)
	}
	if config.WebPort != DefaultWebPort {
		t.Errorf("Expected defaults after overrides, got port %d", config.WebPort)
	}

	if _, err := BuildConfig(configFile, func(c *Config) { c.WebPort = 70000 }); err == nil {
		t.Error("Expected overrides to be validated")
	}
}

func TestConfigWatcherReload(t *testing.T) {
	t.Setenv(EnvUsername, "")
	t.Setenv(EnvPassword, "")
	t.Setenv(EnvAccountContract, "")

	configFile := writeConfigFile(t, `username: user@example.com
password: s3cret-pass
account_contract: "1"
update_interval_seconds: 600
`)
	initial := validConfig()

	var changes []*Config
	watcher := NewConfigWatcher(configFile, initial, quietLogger, func(old, updated *Config) {
		if old != initial {
			t.Errorf("Expected previous config to be passed to onChange")
		}
		changes = append(changes, updated)
	})

	watcher.reload()

	if len(changes) != 1 {
		t.Fatalf("Expected one change notification, got %d", len(changes))
	}
	current := watcher.Current()
	if current.UpdateInterval != 600 {
		t.Errorf("Expected reloaded interval 600, got %d", current.UpdateInterval)
	}
	if current.AccountContract != "000000000001" {
		t.Errorf("Expected reloaded config to be normalized, got %s", current.AccountContract)
	}
}

func TestConfigWatcherIgnoresInvalidEdits(t *testing.T) {
	t.Setenv(EnvUsername, "")
	t.Setenv(EnvPassword, "")
	t.Setenv(EnvAccountContract, "")

	configFile := writeConfigFile(t, `username: user@example.com
update_interval_seconds: 5
`)
	initial := validConfig()

	called := false
	watcher := NewConfigWatcher(configFile, initial, quietLogger, func(old, updated *Config) {
		called = true
	})

	watcher.reload()

	if called {
		t.Error("Expected invalid config not to be applied")
	}
	if watcher.Current() != initial {
		t.Error("Expected previous config to be kept")
	}
}

func TestConfigWatcherPicksUpFileWrites(t *testing.T) {
	t.Setenv(EnvUsername, "")
	t.Setenv(EnvPassword, "")
	t.Setenv(EnvAccountContract, "")

	configFile := writeConfigFile(t, `username: user@example.com
password: s3cret-pass
account_contract: "1"
`)

	changed := make(chan *Config, 1)
	watcher := NewConfigWatcher(configFile, validConfig(), quietLogger, func(old, updated *Config) {
		select {
		case changed <- updated:
		default:
		}
	})
	if err := watcher.Start(); err != nil {
		t.Fatalf("Failed to start watcher: %v", err)
	}
	defer watcher.Stop()

	err := os.WriteFile(configFile, []byte(`username: user@example.com
password: s3cret-pass
account_contract: "1"
update_interval_seconds: 120
`), 0644)
	if err != nil {
		t.Fatalf("Failed to update config file: %v", err)
	}

	select {
	case updated := <-changed:
		if updated.UpdateInterval != 120 {
			t.Errorf("Expected interval 120 after reload, got %d", updated.UpdateInterval)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for config reload")
	}
}
