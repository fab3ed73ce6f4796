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
	"errors"
	"fmt"
	"sync"
	"time"
)

type snapshotRefresher interface {
	Refresh(ctx context.Context) (*Snapshot, error)
}

type readingSubmitter interface {
	SubmitMeterReading(ctx context.Context, account, meterRef string, value int) (json.RawMessage, error)
}

// MonitorStatus is the bookkeeping shown next to the snapshot
type MonitorStatus struct {
	AccountContract     string    `json:"account_contract"`
	IntervalSeconds     int64     `json:"interval_seconds"`
	LastSuccess         time.Time `json:"last_success,omitempty"`
	LastError           string    `json:"last_error,omitempty"`
	LastErrorAt         time.Time `json:"last_error_at,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

// Monitor runs refresh cycles on an interval and keeps the last good snapshot.
// A failed cycle never replaces the snapshot it already holds.
type Monitor struct {
	aggregator snapshotRefresher
	submitter  readingSubmitter
	account    string
	logger     *Logger
	metrics    *Metrics

	mu            sync.RWMutex
	state         *AppState
	lastErr       error
	checkInterval time.Duration

	// serialises refresh cycles
	cycleMu sync.Mutex

	intervalCh chan time.Duration
	refreshCh  chan struct{}
	stopCh     chan struct{}
	stopOnce   sync.Once

	webServer *WebServer
}

func NewMonitor(aggregator snapshotRefresher, submitter readingSubmitter, account string, logger *Logger) *Monitor {
	logger = logger.WithComponent("monitor").WithAccountID(account)

	state, err := LoadState(account)
	if err != nil {
		logger.Warn("Failed to load state, starting fresh", "error", err)
		state = &AppState{}
	}
	if state.LastSnapshot != nil {
		logger.Info("Restored last good snapshot",
			"cycle_id", state.LastSnapshot.CycleID,
			"fetched_at", state.LastSnapshot.FetchedAt,
		)
	}

	return &Monitor{
		aggregator:    aggregator,
		submitter:     submitter,
		account:       account,
		logger:        logger,
		state:         state,
		checkInterval: DefaultUpdateInterval,
		intervalCh:    make(chan time.Duration, 1),
		refreshCh:     make(chan struct{}, 1),
		stopCh:        make(chan struct{}),
	}
}

func (m *Monitor) SetMetrics(metrics *Metrics) {
	m.metrics = metrics
}

// SetCheckInterval changes the interval; a running loop picks it up on its
// next select
func (m *Monitor) SetCheckInterval(interval time.Duration) {
	if interval <= 0 {
		return
	}
	m.mu.Lock()
	m.checkInterval = interval
	m.mu.Unlock()

	select {
	case m.intervalCh <- interval:
	default:
		// a pending change is already queued; the loop reads checkInterval
	}
}

func (m *Monitor) interval() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.checkInterval
}

func (m *Monitor) EnableWebUI(port int) {
	m.webServer = NewWebServer(m, port, m.logger)
}

// Start runs a cycle immediately and then on every tick until ctx is done or
// Stop is called
func (m *Monitor) Start(ctx context.Context) {
	m.logger.Info("Starting monitor", "interval", formatDuration(m.interval()))

	if m.webServer != nil {
		go func() {
			if err := m.webServer.Start(); err != nil {
				m.logger.Error("Web server error", "error", err)
			}
		}()
		defer m.shutdownWeb()
	}

	ticker := time.NewTicker(m.interval())
	defer ticker.Stop()

	m.runCycle(ctx)

	for {
		select {
		case <-ticker.C:
			m.runCycle(ctx)
		case <-m.refreshCh:
			m.logger.Info("On-demand refresh requested")
			m.runCycle(ctx)
			ticker.Reset(m.interval())
		case <-m.intervalCh:
			interval := m.interval()
			ticker.Reset(interval)
			m.logger.Info("Update interval changed", "interval", formatDuration(interval))
		case <-ctx.Done():
			m.logger.Info("Stopping monitor", "reason", ctx.Err())
			return
		case <-m.stopCh:
			m.logger.Info("Stopping monitor")
			return
		}
	}
}

func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func (m *Monitor) shutdownWeb() {
	ctx, cancel := context.WithTimeout(context.Background(), WebShutdownTimeout)
	defer cancel()
	if err := m.webServer.Shutdown(ctx); err != nil {
		m.logger.Warn("Web server shutdown error", "error", err)
	}
}

func (m *Monitor) runCycle(ctx context.Context) {
	if err := m.Refresh(ctx); err != nil && !errors.Is(err, context.Canceled) {
		m.logger.Warn("Refresh cycle failed, keeping previous snapshot",
			"error", err,
			"next_attempt_in", formatDuration(m.interval()),
		)
	}
}

// RequestRefresh queues a cycle on the running loop without waiting for it
func (m *Monitor) RequestRefresh() {
	select {
	case m.refreshCh <- struct{}{}:
	default:
	}
}

// Refresh runs one cycle now. On success the snapshot replaces the previous
// one; on failure the previous snapshot is kept and the error returned. A
// cancelled cycle leaves the state untouched.
func (m *Monitor) Refresh(ctx context.Context) error {
	m.cycleMu.Lock()
	defer m.cycleMu.Unlock()

	snap, err := m.aggregator.Refresh(ctx)
	if errors.Is(err, context.Canceled) {
		return err
	}
	now := time.Now()

	m.mu.Lock()
	if err != nil {
		m.lastErr = err
		m.state.RecordFailure(err, now)
	} else {
		m.lastErr = nil
		m.state.RecordSuccess(snap)
	}
	failures := m.state.ConsecutiveFailures
	saveErr := m.state.Save(m.account)
	m.mu.Unlock()

	if saveErr != nil {
		m.logger.Warn("Failed to save state", "error", saveErr)
	}
	m.metrics.SetConsecutiveFailures(failures)

	if err != nil {
		return err
	}
	m.metrics.ObserveSnapshot(snap, snap.Summarize(now))
	return nil
}

// CheckOnce runs a single cycle and returns the snapshot it produced
func (m *Monitor) CheckOnce(ctx context.Context) (*Snapshot, error) {
	if err := m.Refresh(ctx); err != nil {
		return nil, err
	}
	return m.Snapshot()
}

// Snapshot returns the last good snapshot. Before any success it returns the
// last cycle error, or ErrNoSnapshot if no cycle has run.
func (m *Monitor) Snapshot() (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state.LastSnapshot != nil {
		return m.state.LastSnapshot, nil
	}
	if m.lastErr != nil {
		return nil, m.lastErr
	}
	return nil, ErrNoSnapshot
}

func (m *Monitor) Status() MonitorStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return MonitorStatus{
		AccountContract:     m.account,
		IntervalSeconds:     int64(m.checkInterval / time.Second),
		LastSuccess:         m.state.LastSuccess,
		LastError:           m.state.LastError,
		LastErrorAt:         m.state.LastErrorAt,
		ConsecutiveFailures: m.state.ConsecutiveFailures,
	}
}

// Healthy reports whether the held snapshot is recent enough to trust: no
// older than two update intervals
func (m *Monitor) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.IsSnapshotFresh(2 * m.checkInterval)
}

// SubmitMeterReading submits value against the meter of the latest snapshot
// and schedules a refresh so the new index shows up
func (m *Monitor) SubmitMeterReading(ctx context.Context, value int) (json.RawMessage, error) {
	return m.SubmitMeterReadingTo(ctx, "", value)
}

// SubmitMeterReadingTo is SubmitMeterReading with an explicit meter
// reference. An empty meterRef is resolved from the latest snapshot,
// running a cycle first if none is held.
func (m *Monitor) SubmitMeterReadingTo(ctx context.Context, meterRef string, value int) (json.RawMessage, error) {
	if err := validateMeterValue(value); err != nil {
		return nil, err
	}
	if meterRef == "" {
		snap, err := m.Snapshot()
		if snap == nil {
			m.logger.Info("No snapshot held, refreshing to resolve meter reference", "reason", err)
			if err := m.Refresh(ctx); err != nil {
				return nil, fmt.Errorf("cannot resolve meter reference: %w", err)
			}
			snap, _ = m.Snapshot()
		}
		meterRef = snap.MeterRef()
		if meterRef == "" {
			return nil, &ValidationError{Field: "meter_ref", Message: "no meter with an index found in the latest snapshot"}
		}
	}

	payload, err := m.submitter.SubmitMeterReading(ctx, m.account, meterRef, value)
	if err != nil {
		return nil, err
	}
	m.RequestRefresh()
	return payload, nil
}

func formatDuration(d time.Duration) string {
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60

	if hours > 0 && minutes > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	} else if hours > 0 {
		return fmt.Sprintf("%dh", hours)
	} else if minutes > 0 {
		return fmt.Sprintf("%dm", minutes)
	} else {
		return "less than a minute"
	}
}
