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
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// APIConfig tunes how the client talks to the E·ON API. Zero values keep the
// built-in defaults.
type APIConfig struct {
	BaseURL           string  `yaml:"base_url"`
	SubscriptionKey   string  `yaml:"subscription_key"`
	TimeoutSeconds    int     `yaml:"timeout_seconds"`
	MaxPages          int     `yaml:"max_pages"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
}

type Config struct {
	Username         string    `yaml:"username"`
	Password         string    `yaml:"password"`
	AccountContract  string    `yaml:"account_contract"`
	UpdateInterval   int       `yaml:"update_interval_seconds"`
	Prosumer         bool      `yaml:"prosumer"`
	FetchConcurrency int       `yaml:"fetch_concurrency"`
	WebUI            bool      `yaml:"web_ui"`
	WebPort          int       `yaml:"web_port"`
	Debug            bool      `yaml:"debug"`
	LogFormat        string    `yaml:"log_format"`
	API              APIConfig `yaml:"api"`
}

// Environment variables that override the config file
const (
	EnvUsername        = "EON_USERNAME"
	EnvPassword        = "EON_PASSWORD"
	EnvAccountContract = "EON_ACCOUNT_CONTRACT"
)

func LoadConfig(configPath string) (*Config, error) {
	config := &Config{
		UpdateInterval:   int(DefaultUpdateInterval / time.Second),
		FetchConcurrency: DefaultFetchConcurrency,
		WebPort:          DefaultWebPort,
		LogFormat:        "text",
	}

	if configPath == "" {
		return config, nil
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %s", configPath)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// BuildConfig loads the file at configPath and layers the environment, then
// overrides, then defaults on top before normalizing and validating.
// overrides may be nil.
func BuildConfig(configPath string, overrides func(*Config)) (*Config, error) {
	config, err := LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	config.ApplyEnv()
	if overrides != nil {
		overrides(config)
	}
	config.ApplyDefaults()
	config.Normalize()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) ApplyDefaults() {
	if c.UpdateInterval <= 0 {
		c.UpdateInterval = int(DefaultUpdateInterval / time.Second)
	}
	if c.FetchConcurrency <= 0 {
		c.FetchConcurrency = DefaultFetchConcurrency
	}
	if c.WebPort <= 0 {
		c.WebPort = DefaultWebPort
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.API.BaseURL == "" {
		c.API.BaseURL = DefaultBaseURL
	}
	if c.API.SubscriptionKey == "" {
		c.API.SubscriptionKey = DefaultSubscriptionKey
	}
	if c.API.TimeoutSeconds <= 0 {
		c.API.TimeoutSeconds = int(HTTPClientTimeout / time.Second)
	}
	if c.API.MaxPages <= 0 {
		c.API.MaxPages = DefaultMaxPages
	}
	if c.API.RequestsPerSecond == 0 {
		c.API.RequestsPerSecond = HTTPRequestsPerSecond
	}
}

// ApplyEnv overrides credentials and the account contract from the environment
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvUsername); v != "" {
		c.Username = v
	}
	if v := os.Getenv(EnvPassword); v != "" {
		c.Password = v
	}
	if v := os.Getenv(EnvAccountContract); v != "" {
		c.AccountContract = v
	}
}

// Normalize trims input and left-pads the account contract with zeros to 12
// characters. Longer contracts are left for Validate to reject.
func (c *Config) Normalize() {
	c.Username = strings.TrimSpace(c.Username)
	c.AccountContract = NormalizeAccountContract(c.AccountContract)
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	c.API.BaseURL = strings.TrimRight(strings.TrimSpace(c.API.BaseURL), "/")
}

func NormalizeAccountContract(account string) string {
	account = strings.TrimSpace(account)
	if account == "" || len(account) >= AccountContractLength {
		return account
	}
	return strings.Repeat("0", AccountContractLength-len(account)) + account
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errors []string

	if c.Username == "" {
		errors = append(errors, fmt.Sprintf("username is required (set it in the config file or %s)", EnvUsername))
	}
	if c.Password == "" {
		errors = append(errors, fmt.Sprintf("password is required (set it in the config file or %s)", EnvPassword))
	}

	// Validate account contract
	if c.AccountContract == "" {
		errors = append(errors, fmt.Sprintf("account contract is required (set it in the config file or %s)", EnvAccountContract))
	} else if len(c.AccountContract) > AccountContractLength {
		errors = append(errors, fmt.Sprintf("account contract must be at most %d characters, got %d", AccountContractLength, len(c.AccountContract)))
	} else if !isDigits(c.AccountContract) {
		errors = append(errors, fmt.Sprintf("account contract must contain only digits, got: %q", c.AccountContract))
	}

	// Validate update interval
	interval := c.UpdateIntervalDuration()
	if interval < MinUpdateInterval {
		errors = append(errors, fmt.Sprintf("update interval must be at least %d seconds, got: %d", int(MinUpdateInterval/time.Second), c.UpdateInterval))
	}
	if interval > MaxUpdateInterval {
		errors = append(errors, fmt.Sprintf("update interval must be at most %d seconds, got: %d", int(MaxUpdateInterval/time.Second), c.UpdateInterval))
	}

	if c.FetchConcurrency < 1 || c.FetchConcurrency > len(CoreResources)+len(ProsumerResources) {
		errors = append(errors, fmt.Sprintf("fetch concurrency must be between 1-%d, got: %d", len(CoreResources)+len(ProsumerResources), c.FetchConcurrency))
	}

	// Validate web port
	if c.WebPort < 1 || c.WebPort > 65535 {
		errors = append(errors, fmt.Sprintf("web port must be between 1-65535, got: %d", c.WebPort))
	}

	if c.LogFormat != "text" && c.LogFormat != "json" {
		errors = append(errors, fmt.Sprintf("log format must be 'text' or 'json', got: %s", c.LogFormat))
	}

	// Validate API settings
	if u, err := url.Parse(c.API.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errors = append(errors, fmt.Sprintf("api base URL must be an absolute http(s) URL, got: %s", c.API.BaseURL))
	}
	if c.API.TimeoutSeconds < 1 {
		errors = append(errors, fmt.Sprintf("api timeout must be at least 1 second, got: %d", c.API.TimeoutSeconds))
	}
	if c.API.MaxPages < 1 {
		errors = append(errors, fmt.Sprintf("api max pages must be at least 1, got: %d", c.API.MaxPages))
	}
	if c.API.RequestsPerSecond < 0 {
		errors = append(errors, fmt.Sprintf("api requests per second cannot be negative, got: %g", c.API.RequestsPerSecond))
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	return nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func (c *Config) UpdateIntervalDuration() time.Duration {
	return time.Duration(c.UpdateInterval) * time.Second
}

// Resources lists the resources fetched each cycle
func (c *Config) Resources() []ResourceKey {
	keys := append([]ResourceKey{}, CoreResources...)
	if c.Prosumer {
		keys = append(keys, ProsumerResources...)
	}
	return keys
}

func (c *Config) Credentials() Credentials {
	return Credentials{Username: c.Username, Password: c.Password}
}

// NewAppLogger builds the logger selected by the config
func (c *Config) NewAppLogger() *Logger {
	if c.LogFormat == "json" {
		return NewJSONLogger(c.Debug)
	}
	return NewLogger(c.Debug)
}
