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

import "time"

// API endpoints. Resource paths are templates; "{account}" is replaced with the
// escaped account contract.
const (
	// DefaultBaseURL - E·ON România customer API gateway
	DefaultBaseURL = "https://api2.eon.ro"

	// PathLogin - Credentials exchange for a bearer token
	PathLogin = "/users/v1/userauth/login"

	// PathSubmitMeterReading - Self-reading submission
	PathSubmitMeterReading = "/meterreadings/v1/meter-reading/index"
)

// Request headers sent on every call
const (
	// HeaderSubscriptionKey - API Management subscription header required by the gateway
	HeaderSubscriptionKey = "Ocp-Apim-Subscription-Key"

	// DefaultSubscriptionKey - Public key used by the E·ON web client
	DefaultSubscriptionKey = "674e9032df9d456fa371e17a4097a5b8"

	// HeaderAccept - Accept header the web client sends
	HeaderAccept = "application/json, text/plain, */*"

	// SubmitChannel - Channel reported when submitting a reading
	SubmitChannel = "WEBSITE"
)

// HTTP client settings
const (
	// HTTPClientTimeout - Total time allowed for one request
	HTTPClientTimeout = 30 * time.Second

	// HTTPRequestsPerSecond - Sustained request rate towards the API
	HTTPRequestsPerSecond = 5

	// HTTPRequestBurst - Requests allowed in a burst (one cycle fans out up to 9)
	HTTPRequestBurst = 10

	// MaxAuthAttempts - Attempts per authenticated request (initial + one after reauth)
	MaxAuthAttempts = 2
)

// Pagination settings
const (
	// DefaultMaxPages - Safety cap for list endpoints that keep reporting hasNext
	DefaultMaxPages = 500
)

// Refresh cycle settings
const (
	// DefaultUpdateInterval - Time between scheduled refresh cycles
	DefaultUpdateInterval = time.Hour

	// MinUpdateInterval - Shortest interval accepted from configuration
	MinUpdateInterval = time.Minute

	// MaxUpdateInterval - Longest interval accepted from configuration
	MaxUpdateInterval = 24 * time.Hour

	// DefaultFetchConcurrency - Resource fetches in flight at once during a cycle
	DefaultFetchConcurrency = 4

	// AccountContractLength - Account contracts are 12 digits, zero padded
	AccountContractLength = 12
)

// Config watcher settings
const (
	// ConfigReloadDebounce - Delay before applying a burst of config file writes
	ConfigReloadDebounce = 100 * time.Millisecond
)

// Web dashboard settings
const (
	// DefaultWebPort - Port for the dashboard and metrics endpoint
	DefaultWebPort = 8080

	// WebShutdownTimeout - Grace period for in-flight dashboard requests on shutdown
	WebShutdownTimeout = 5 * time.Second
)

// Reading types reported by the meter reading endpoints
const (
	ReadingTypeDistributor = "01"
	ReadingTypeSelf        = "02"
	ReadingTypeEstimate    = "03"
)

// Date layouts used by the API
const (
	// MaturityDateLayout - Invoice due dates, e.g. "27.11.2024"
	MaturityDateLayout = "02.01.2006"

	// PaymentDateLayout - Payment timestamps, e.g. "2024-11-27T00:00:00"
	PaymentDateLayout = "2006-01-02T15:04:05"
)
