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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

// EonClient talks to the E·ON România customer API. All operations share one
// bearer token through the TokenManager.
type EonClient struct {
	BaseURL         string
	SubscriptionKey string
	MaxPages        int
	client          *http.Client
	limiter         *rate.Limiter
	tokens          *TokenManager
	logger          *Logger
	metrics         *Metrics
}

type meterReadingIndex struct {
	Ablbelnr   string `json:"ablbelnr"`
	IndexValue int    `json:"indexValue"`
}

type meterReadingRequest struct {
	AccountContract string              `json:"accountContract"`
	Channel         string              `json:"channel"`
	Indexes         []meterReadingIndex `json:"indexes"`
}

func NewEonClient(credentials Credentials, debug bool) *EonClient {
	logger := NewLogger(debug).WithComponent("eon_client")
	c := &EonClient{
		BaseURL:         DefaultBaseURL,
		SubscriptionKey: DefaultSubscriptionKey,
		MaxPages:        DefaultMaxPages,
		limiter:         rate.NewLimiter(rate.Limit(HTTPRequestsPerSecond), HTTPRequestBurst),
		logger:          logger,
		client: &http.Client{
			Timeout: HTTPClientTimeout,
		},
	}
	c.tokens = NewTokenManager(credentials, c, logger)
	return c
}

// Configure applies the api section of the configuration
func (c *EonClient) Configure(cfg APIConfig) {
	if cfg.BaseURL != "" {
		c.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.SubscriptionKey != "" {
		c.SubscriptionKey = cfg.SubscriptionKey
	}
	if cfg.TimeoutSeconds > 0 {
		c.client.Timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	if cfg.MaxPages > 0 {
		c.MaxPages = cfg.MaxPages
	}
	if cfg.RequestsPerSecond > 0 {
		c.SetRateLimit(cfg.RequestsPerSecond, HTTPRequestBurst)
	}
}

// SetRateLimit changes the request rate; a non-positive rate disables limiting
func (c *EonClient) SetRateLimit(requestsPerSecond float64, burst int) {
	if requestsPerSecond <= 0 {
		c.limiter = rate.NewLimiter(rate.Inf, 0)
		return
	}
	c.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
}

func (c *EonClient) SetLogger(logger *Logger) {
	c.logger = logger
	c.tokens.logger = logger
}

func (c *EonClient) SetMetrics(metrics *Metrics) {
	c.metrics = metrics
	c.tokens.metrics = metrics
}

// Tokens exposes the token manager shared by every request
func (c *EonClient) Tokens() *TokenManager {
	return c.tokens
}

// Login forces a fresh login, replacing any token currently held
func (c *EonClient) Login(ctx context.Context) bool {
	return c.tokens.Login(ctx)
}

func (c *EonClient) postLogin(ctx context.Context, body []byte) (int, []byte, error) {
	return c.do(ctx, "login", http.MethodPost, PathLogin, body, "")
}

// do sends one request and reads the whole response. token is attached as a
// bearer token when non-empty.
func (c *EonClient) do(ctx context.Context, label, method, endpoint string, body []byte, token string) (int, []byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, nil, &TransportError{Method: method, Endpoint: endpoint, Err: err}
	}

	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}

	url := c.BaseURL + endpoint
	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", HeaderAccept)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", GetUserAgent())
	req.Header.Set(HeaderSubscriptionKey, c.SubscriptionKey)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	c.debugLogRequest(method, url, req.Header, body, label == "login")

	startTime := time.Now()
	resp, err := c.client.Do(req)
	duration := time.Since(startTime).Seconds()
	if err != nil {
		c.metrics.ObserveRequest(label, 0, duration)
		return 0, nil, &TransportError{Method: method, Endpoint: endpoint, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		c.metrics.ObserveRequest(label, 0, duration)
		return 0, nil, &TransportError{Method: method, Endpoint: endpoint, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	c.metrics.ObserveRequest(label, resp.StatusCode, duration)
	c.logger.LogAPIRequest(method, endpoint, resp.StatusCode, duration)
	c.debugLogResponse(resp, respBody, duration, label == "login")

	return resp.StatusCode, respBody, nil
}

// requestWithToken sends an authenticated request. A 401 invalidates the
// token and the request is repeated once after re-authentication; every other
// failure is returned as is.
func (c *EonClient) requestWithToken(ctx context.Context, label, method, endpoint string, body []byte) (json.RawMessage, error) {
	if !c.tokens.EnsureToken(ctx) {
		return nil, &AuthError{Endpoint: endpoint, Message: "no access token available"}
	}

	for attempt := 1; attempt <= MaxAuthAttempts; attempt++ {
		token := c.tokens.Token()
		status, respBody, err := c.do(ctx, label, method, endpoint, body, token)
		if err != nil {
			c.logger.LogAPIError(err, endpoint)
			return nil, err
		}

		switch {
		case status == http.StatusOK:
			if !json.Valid(respBody) {
				apiErr := NewAPIError(status, endpoint, "response is not valid JSON", nil)
				c.logger.LogAPIError(apiErr, endpoint)
				return nil, apiErr
			}
			return respBody, nil

		case status == http.StatusUnauthorized && attempt < MaxAuthAttempts:
			c.logger.Warn("Token rejected, re-authenticating and retrying",
				"method", method,
				"endpoint", endpoint,
			)
			if !c.tokens.Reauthenticate(ctx, token) {
				err := &AuthError{Endpoint: endpoint, Message: "re-authentication failed", Err: ErrTokenExpired}
				c.logger.LogAPIError(err, endpoint)
				return nil, err
			}

		case status == http.StatusUnauthorized:
			err := &AuthError{Endpoint: endpoint, Message: "token rejected after re-authentication", Err: ErrTokenExpired}
			c.logger.LogAPIError(err, endpoint)
			return nil, err

		default:
			apiErr := NewAPIError(status, endpoint, truncateBody(respBody), nil)
			c.logger.LogAPIError(apiErr, endpoint)
			return nil, apiErr
		}
	}

	// Unreachable: the last attempt always returns from the switch.
	return nil, &AuthError{Endpoint: endpoint, Message: "retry budget exhausted", Err: ErrTokenExpired}
}

// FetchResource fetches one resource for an account. List resources that
// paginate are walked to the end.
func (c *EonClient) FetchResource(ctx context.Context, key ResourceKey, account string) (json.RawMessage, error) {
	def, ok := resourceDefs[key]
	if !ok {
		return nil, &ValidationError{Field: "resource", Value: key, Message: "unknown resource"}
	}
	if def.Paginated {
		return c.fetchAllPages(ctx, def, account)
	}
	return c.requestWithToken(ctx, string(key), http.MethodGet, def.endpoint(account, 0), nil)
}

func (c *EonClient) fetchAllPages(ctx context.Context, def resourceDef, account string) (json.RawMessage, error) {
	if !c.tokens.EnsureToken(ctx) {
		return nil, &AuthError{Endpoint: def.Path, Message: "no access token available"}
	}

	logger := c.logger.with("resource", string(def.Key))
	fetch := func(ctx context.Context, number int) (page[json.RawMessage], error) {
		token := c.tokens.Token()
		status, body, err := c.do(ctx, string(def.Key), http.MethodGet, def.endpoint(account, number), nil, token)
		if err != nil {
			return page[json.RawMessage]{}, err
		}
		p := page[json.RawMessage]{Status: status, Token: token}
		if status != http.StatusOK {
			return p, nil
		}
		if !gjson.ValidBytes(body) {
			return p, NewAPIError(status, def.Path, "page is not valid JSON", nil)
		}
		for _, item := range gjson.GetBytes(body, "list").Array() {
			p.Items = append(p.Items, json.RawMessage(item.Raw))
		}
		p.HasNext = gjson.GetBytes(body, "hasNext").Bool()
		return p, nil
	}

	items, outcome := collectPages(ctx, fetch, c.tokens.Reauthenticate, c.MaxPages, logger)
	c.metrics.ObservePagination(string(def.Key), outcome)

	payload, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", def.Key, err)
	}
	return payload, nil
}

func (c *EonClient) FetchAccountInfo(ctx context.Context, account string) (json.RawMessage, error) {
	return c.FetchResource(ctx, ResourceAccountInfo, account)
}

func (c *EonClient) FetchMeterIndex(ctx context.Context, account string) (json.RawMessage, error) {
	return c.FetchResource(ctx, ResourceMeterIndex, account)
}

func (c *EonClient) FetchConsumptionConvention(ctx context.Context, account string) (json.RawMessage, error) {
	return c.FetchResource(ctx, ResourceConsumptionConvention, account)
}

func (c *EonClient) FetchAnnualComparison(ctx context.Context, account string) (json.RawMessage, error) {
	return c.FetchResource(ctx, ResourceAnnualComparison, account)
}

func (c *EonClient) FetchHistory(ctx context.Context, account string) (json.RawMessage, error) {
	return c.FetchResource(ctx, ResourceHistory, account)
}

// FetchInvoiceBalance returns the unpaid invoices
func (c *EonClient) FetchInvoiceBalance(ctx context.Context, account string) (json.RawMessage, error) {
	return c.FetchResource(ctx, ResourceInvoiceBalance, account)
}

// FetchPayments returns every payment across all pages as one JSON array
func (c *EonClient) FetchPayments(ctx context.Context, account string) (json.RawMessage, error) {
	return c.FetchResource(ctx, ResourcePayments, account)
}

// FetchProsumerInvoices returns every prosumer invoice across all pages as one JSON array
func (c *EonClient) FetchProsumerInvoices(ctx context.Context, account string) (json.RawMessage, error) {
	return c.FetchResource(ctx, ResourceProsumerInvoices, account)
}

func (c *EonClient) FetchProsumerBalance(ctx context.Context, account string) (json.RawMessage, error) {
	return c.FetchResource(ctx, ResourceProsumerBalance, account)
}

// SubmitMeterReading sends a self-reading for the meter identified by
// meterRef (the ablbelnr of the register). Invalid input is rejected before
// any request is made.
func (c *EonClient) SubmitMeterReading(ctx context.Context, account, meterRef string, value int) (json.RawMessage, error) {
	if err := validateMeterReading(account, meterRef, value); err != nil {
		c.metrics.ObserveSubmission("invalid")
		return nil, err
	}

	body, err := json.Marshal(meterReadingRequest{
		AccountContract: account,
		Channel:         SubmitChannel,
		Indexes: []meterReadingIndex{
			{Ablbelnr: meterRef, IndexValue: value},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode meter reading: %w", err)
	}

	payload, err := c.requestWithToken(ctx, "submit_meter_reading", http.MethodPost, PathSubmitMeterReading, body)
	if err != nil {
		c.metrics.ObserveSubmission("failure")
		return nil, fmt.Errorf("failed to submit meter reading: %w", err)
	}

	c.logger.Info("Meter reading submitted",
		"account_id", maskAccount(account),
		"value", value,
	)
	c.metrics.ObserveSubmission("success")
	return payload, nil
}

// ParseMeterValue parses a meter reading typed by a user. Readings are whole
// non-negative numbers.
func ParseMeterValue(input string) (int, error) {
	value, err := strconv.Atoi(strings.TrimSpace(input))
	if err != nil {
		return 0, &ValidationError{Field: "value", Value: input, Message: "meter reading must be an integer"}
	}
	if err := validateMeterValue(value); err != nil {
		return 0, err
	}
	return value, nil
}

func validateMeterValue(value int) error {
	if value < 0 {
		return &ValidationError{Field: "value", Value: value, Message: "meter reading cannot be negative"}
	}
	return nil
}

func validateMeterReading(account, meterRef string, value int) error {
	if strings.TrimSpace(account) == "" {
		return &ValidationError{Field: "account_contract", Message: "account contract is required"}
	}
	if strings.TrimSpace(meterRef) == "" {
		return &ValidationError{Field: "meter_ref", Message: "meter reference (ablbelnr) is required"}
	}
	return validateMeterValue(value)
}

// debugLogRequest logs detailed request information in debug mode
func (c *EonClient) debugLogRequest(method, url string, headers http.Header, bodyBytes []byte, sensitiveBody bool) {
	if !c.logger.DebugEnabled() {
		return
	}

	// Mask sensitive headers
	maskedHeaders := make(map[string]string)
	for key, values := range headers {
		if len(values) == 0 {
			continue
		}
		switch key {
		case "Authorization":
			val := values[0]
			if len(val) > 17 {
				maskedHeaders[key] = val[:11] + "..." + val[len(val)-4:]
			} else {
				maskedHeaders[key] = "***"
			}
		case HeaderSubscriptionKey:
			maskedHeaders[key] = "***"
		default:
			maskedHeaders[key] = values[0]
		}
	}

	c.logger.Debug("→ HTTP Request",
		"method", method,
		"url", url,
		"headers", maskedHeaders,
	)

	if len(bodyBytes) > 0 && !sensitiveBody {
		c.logger.Debug("  Request Body", "body", truncateBody(bodyBytes))
	}
}

// debugLogResponse logs detailed response information in debug mode
func (c *EonClient) debugLogResponse(resp *http.Response, body []byte, duration float64, sensitiveBody bool) {
	if !c.logger.DebugEnabled() {
		return
	}

	c.logger.Debug("← HTTP Response",
		"status", resp.StatusCode,
		"status_text", resp.Status,
		"duration_ms", duration*1000,
		"content_type", resp.Header.Get("Content-Type"),
	)

	if len(body) > 0 && !sensitiveBody {
		c.logger.Debug("  Response Body", "body", truncateBody(body))
	}
}

// truncateBody shortens a body for logs and error messages
func truncateBody(body []byte) string {
	s := string(body)
	if len(s) > 500 {
		return s[:500] + "... (truncated)"
	}
	return s
}
