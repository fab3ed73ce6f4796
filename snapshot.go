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
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Snapshot is the result of one successful refresh cycle. It is never
// modified after Refresh returns it; a newer cycle replaces it wholesale.
type Snapshot struct {
	AccountContract string                          `json:"account_contract"`
	CycleID         string                          `json:"cycle_id"`
	FetchedAt       time.Time                       `json:"fetched_at"`
	Resources       map[ResourceKey]json.RawMessage `json:"resources"`
	Missing         int                             `json:"missing"`
}

// Get returns the raw payload for key, or nil when the resource is absent
func (s *Snapshot) Get(key ResourceKey) json.RawMessage {
	if s == nil {
		return nil
	}
	return s.Resources[key]
}

// Present reports whether key was fetched successfully in this cycle
func (s *Snapshot) Present(key ResourceKey) bool {
	return s.Get(key) != nil
}

// Keys lists the resources requested in the cycle, in fetch order
func (s *Snapshot) Keys() []ResourceKey {
	if s == nil {
		return nil
	}
	var keys []ResourceKey
	for _, key := range append(append([]ResourceKey{}, CoreResources...), ProsumerResources...) {
		if _, ok := s.Resources[key]; ok {
			keys = append(keys, key)
		}
	}
	return keys
}

// normalize turns payloads decoded from a literal null back into absent
// resources. Needed after loading a snapshot from disk.
func (s *Snapshot) normalize() {
	if s == nil {
		return
	}
	if s.Resources == nil {
		s.Resources = make(map[ResourceKey]json.RawMessage)
	}
	for key, payload := range s.Resources {
		if len(payload) == 0 || bytes.Equal(bytes.TrimSpace(payload), []byte("null")) {
			s.Resources[key] = nil
		}
	}
}

// resourceFetcher is the part of EonClient the aggregator depends on
type resourceFetcher interface {
	Login(ctx context.Context) bool
	FetchResource(ctx context.Context, key ResourceKey, account string) (json.RawMessage, error)
}

// Aggregator runs refresh cycles for one account contract
type Aggregator struct {
	fetcher     resourceFetcher
	account     string
	resources   []ResourceKey
	concurrency int
	logger      *Logger
	metrics     *Metrics
	now         func() time.Time
}

func NewAggregator(fetcher resourceFetcher, account string, resources []ResourceKey) *Aggregator {
	return &Aggregator{
		fetcher:     fetcher,
		account:     account,
		resources:   append([]ResourceKey{}, resources...),
		concurrency: DefaultFetchConcurrency,
		logger:      NewLogger(false).WithComponent("aggregator"),
		now:         time.Now,
	}
}

func (a *Aggregator) SetConcurrency(n int) {
	if n > 0 {
		a.concurrency = n
	}
}

func (a *Aggregator) SetLogger(logger *Logger) {
	a.logger = logger
}

func (a *Aggregator) SetMetrics(metrics *Metrics) {
	a.metrics = metrics
}

// Refresh runs one cycle: a forced login, then every enabled resource fetched
// concurrently. A failed fetch leaves its resource absent. The cycle fails
// when the login fails or an essential resource is absent. A cancelled cycle
// returns the context error and records nothing.
func (a *Aggregator) Refresh(ctx context.Context) (*Snapshot, error) {
	cycleID := uuid.NewString()
	logger := a.logger.WithCycleID(cycleID).WithAccountID(a.account)
	start := time.Now()

	logger.Debug("Starting refresh cycle", "resources", len(a.resources))

	if !a.fetcher.Login(ctx) {
		if err := ctx.Err(); err != nil {
			logger.Info("Refresh cycle cancelled before login", "error", err)
			return nil, err
		}
		a.metrics.ObserveCycle("auth_failed", time.Since(start))
		logger.Error("Refresh cycle aborted, login failed")
		return nil, &AuthError{Endpoint: PathLogin, Message: "login failed, no resources fetched"}
	}

	payloads := make([]json.RawMessage, len(a.resources))
	var g errgroup.Group
	g.SetLimit(a.concurrency)
	for i, key := range a.resources {
		i, key := i, key
		g.Go(func() error {
			payloads[i] = a.fetchOne(ctx, logger, key)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		logger.Info("Refresh cycle cancelled", "error", err)
		return nil, err
	}

	snap := &Snapshot{
		AccountContract: a.account,
		CycleID:         cycleID,
		FetchedAt:       a.now(),
		Resources:       make(map[ResourceKey]json.RawMessage, len(a.resources)),
	}

	var missingEssential []ResourceKey
	for i, key := range a.resources {
		snap.Resources[key] = payloads[i]
		if payloads[i] != nil {
			continue
		}
		snap.Missing++
		if resourceDefs[key].Essential {
			missingEssential = append(missingEssential, key)
		}
	}

	if len(missingEssential) > 0 {
		a.metrics.ObserveCycle("data_unavailable", time.Since(start))
		logger.Error("Refresh cycle failed, essential data unavailable",
			"missing", missingEssential,
		)
		return nil, &DataUnavailableError{AccountContract: a.account, Missing: missingEssential}
	}

	a.metrics.ObserveCycle("success", time.Since(start))
	logger.Info("Refresh cycle complete",
		"missing", snap.Missing,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return snap, nil
}

func (a *Aggregator) fetchOne(ctx context.Context, logger *Logger, key ResourceKey) json.RawMessage {
	payload, err := a.fetcher.FetchResource(ctx, key, a.account)
	if err != nil {
		logger.Warn("Resource unavailable", "resource", string(key), "error", err)
		return nil
	}
	if !resourceDefs[key].accepts(payload) {
		logger.Warn("Resource has unexpected shape, treating as unavailable",
			"resource", string(key),
			"body", truncateBody(payload),
		)
		return nil
	}
	return payload
}
