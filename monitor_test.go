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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type refreshResult struct {
	snap *Snapshot
	err  error
}

// scriptedRefresher returns the queued results in order, repeating the last
type scriptedRefresher struct {
	mu      sync.Mutex
	results []refreshResult
	calls   int
	called  chan struct{}
}

func newScriptedRefresher(results ...refreshResult) *scriptedRefresher {
	return &scriptedRefresher{results: results, called: make(chan struct{}, 16)}
}

func (r *scriptedRefresher) Refresh(ctx context.Context) (*Snapshot, error) {
	r.mu.Lock()
	i := r.calls
	if i >= len(r.results) {
		i = len(r.results) - 1
	}
	r.calls++
	res := r.results[i]
	r.mu.Unlock()

	select {
	case r.called <- struct{}{}:
	default:
	}
	return res.snap, res.err
}

func (r *scriptedRefresher) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type recordedSubmission struct {
	account  string
	meterRef string
	value    int
}

type fakeSubmitter struct {
	mu       sync.Mutex
	err      error
	received []recordedSubmission
}

func (s *fakeSubmitter) SubmitMeterReading(ctx context.Context, account, meterRef string, value int) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received = append(s.received, recordedSubmission{account, meterRef, value})
	if s.err != nil {
		return nil, s.err
	}
	return json.RawMessage(`{"status":"accepted"}`), nil
}

func goodSnapshot(fetchedAt time.Time) *Snapshot {
	snap := fixtureSnapshot(map[ResourceKey]string{
		ResourceAccountInfo: accountInfoFixture,
		ResourceMeterIndex:  meterIndexFixture,
	})
	snap.FetchedAt = fetchedAt
	return snap
}

func newTestMonitor(t *testing.T, refresher snapshotRefresher, submitter readingSubmitter) *Monitor {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	return NewMonitor(refresher, submitter, testAccount, quietLogger)
}

func TestMonitorSnapshotBeforeAnyCycle(t *testing.T) {
	m := newTestMonitor(t, newScriptedRefresher(refreshResult{}), &fakeSubmitter{})

	snap, err := m.Snapshot()

	assert.Nil(t, snap)
	assert.ErrorIs(t, err, ErrNoSnapshot)
	assert.False(t, m.Healthy())
}

func TestMonitorSnapshotReportsFirstFailure(t *testing.T) {
	failure := &AuthError{Endpoint: PathLogin, Message: "login failed"}
	m := newTestMonitor(t, newScriptedRefresher(refreshResult{err: failure}), &fakeSubmitter{})

	err := m.Refresh(context.Background())
	require.Error(t, err)

	snap, err := m.Snapshot()
	assert.Nil(t, snap)
	assert.True(t, IsAuthError(err))
}

func TestMonitorKeepsLastGoodSnapshotOnFailure(t *testing.T) {
	good := goodSnapshot(time.Now())
	failure := &DataUnavailableError{AccountContract: testAccount, Missing: []ResourceKey{ResourceMeterIndex}}
	refresher := newScriptedRefresher(refreshResult{snap: good}, refreshResult{err: failure})
	metrics := NewMetrics()
	m := newTestMonitor(t, refresher, &fakeSubmitter{})
	m.SetMetrics(metrics)

	require.NoError(t, m.Refresh(context.Background()))
	err := m.Refresh(context.Background())
	assert.True(t, IsDataUnavailable(err))

	snap, err := m.Snapshot()
	require.NoError(t, err)
	assert.Same(t, good, snap)

	status := m.Status()
	assert.Equal(t, testAccount, status.AccountContract)
	assert.Equal(t, 1, status.ConsecutiveFailures)
	assert.Equal(t, failure.Error(), status.LastError)
	assert.False(t, status.LastErrorAt.IsZero())
	assert.Equal(t, good.FetchedAt, status.LastSuccess)
	assert.True(t, m.Healthy(), "a failed cycle does not make a fresh snapshot stale")
}

func TestMonitorPersistsSnapshotAcrossRestarts(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	good := goodSnapshot(time.Now().UTC().Truncate(time.Second))

	first := NewMonitor(newScriptedRefresher(refreshResult{snap: good}), &fakeSubmitter{}, testAccount, quietLogger)
	require.NoError(t, first.Refresh(context.Background()))

	second := NewMonitor(newScriptedRefresher(refreshResult{}), &fakeSubmitter{}, testAccount, quietLogger)
	snap, err := second.Snapshot()

	require.NoError(t, err)
	assert.Equal(t, good.CycleID, snap.CycleID)
	assert.True(t, good.FetchedAt.Equal(snap.FetchedAt))
	assert.Equal(t, "ABL123", snap.MeterRef())
}

func TestMonitorCancelledCycleLeavesStateUntouched(t *testing.T) {
	good := goodSnapshot(time.Now())
	refresher := newScriptedRefresher(refreshResult{snap: good}, refreshResult{err: context.Canceled})
	m := newTestMonitor(t, refresher, &fakeSubmitter{})
	require.NoError(t, m.Refresh(context.Background()))

	err := m.Refresh(context.Background())

	assert.ErrorIs(t, err, context.Canceled)
	status := m.Status()
	assert.Equal(t, 0, status.ConsecutiveFailures)
	assert.Empty(t, status.LastError)
	snap, err := m.Snapshot()
	require.NoError(t, err)
	assert.Same(t, good, snap)

	persisted, err := LoadState(testAccount)
	require.NoError(t, err)
	assert.Equal(t, 0, persisted.ConsecutiveFailures)
	assert.Empty(t, persisted.LastError)
}

func TestMonitorShutdownDuringCycleIsNotAFailure(t *testing.T) {
	fake := newFakeEon(t)
	client := fake.client()
	agg := newTestAggregator(client, CoreResources)
	m := newTestMonitor(t, agg, client)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := m.Refresh(ctx)

	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, IsAuthError(err))
	assert.Equal(t, 0, m.Status().ConsecutiveFailures)
	snap, err := m.Snapshot()
	assert.Nil(t, snap)
	assert.ErrorIs(t, err, ErrNoSnapshot)

	persisted, err := LoadState(testAccount)
	require.NoError(t, err)
	assert.Equal(t, 0, persisted.ConsecutiveFailures)
}

func TestMonitorCheckOnce(t *testing.T) {
	good := goodSnapshot(time.Now())
	m := newTestMonitor(t, newScriptedRefresher(refreshResult{snap: good}), &fakeSubmitter{})

	snap, err := m.CheckOnce(context.Background())

	require.NoError(t, err)
	assert.Same(t, good, snap)
}

func TestMonitorHealthyUsesTwoIntervals(t *testing.T) {
	old := goodSnapshot(time.Now().Add(-90 * time.Minute))
	m := newTestMonitor(t, newScriptedRefresher(refreshResult{snap: old}), &fakeSubmitter{})
	require.NoError(t, m.Refresh(context.Background()))

	m.SetCheckInterval(time.Hour)
	assert.True(t, m.Healthy())

	m.SetCheckInterval(30 * time.Minute)
	assert.False(t, m.Healthy())
}

func TestMonitorSetCheckInterval(t *testing.T) {
	m := newTestMonitor(t, newScriptedRefresher(refreshResult{}), &fakeSubmitter{})

	m.SetCheckInterval(15 * time.Minute)
	m.SetCheckInterval(20 * time.Minute)
	m.SetCheckInterval(0)

	assert.Equal(t, int64(1200), m.Status().IntervalSeconds)
	assert.Len(t, m.intervalCh, 1, "interval changes do not block without a running loop")
}

func TestMonitorSubmitResolvesMeterRef(t *testing.T) {
	submitter := &fakeSubmitter{}
	m := newTestMonitor(t, newScriptedRefresher(refreshResult{snap: goodSnapshot(time.Now())}), submitter)
	require.NoError(t, m.Refresh(context.Background()))

	payload, err := m.SubmitMeterReading(context.Background(), 4400)

	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"accepted"}`, string(payload))
	assert.Equal(t, []recordedSubmission{{testAccount, "ABL123", 4400}}, submitter.received)
	assert.Len(t, m.refreshCh, 1, "a refresh is queued after a submission")
}

func TestMonitorSubmitRefreshesWhenNoSnapshot(t *testing.T) {
	refresher := newScriptedRefresher(refreshResult{snap: goodSnapshot(time.Now())})
	submitter := &fakeSubmitter{}
	m := newTestMonitor(t, refresher, submitter)

	_, err := m.SubmitMeterReading(context.Background(), 4400)

	require.NoError(t, err)
	assert.Equal(t, 1, refresher.callCount())
	require.Len(t, submitter.received, 1)
	assert.Equal(t, "ABL123", submitter.received[0].meterRef)
}

func TestMonitorSubmitExplicitMeterRef(t *testing.T) {
	refresher := newScriptedRefresher(refreshResult{})
	submitter := &fakeSubmitter{}
	m := newTestMonitor(t, refresher, submitter)

	_, err := m.SubmitMeterReadingTo(context.Background(), "ABL999", 12)

	require.NoError(t, err)
	assert.Equal(t, 0, refresher.callCount())
	assert.Equal(t, []recordedSubmission{{testAccount, "ABL999", 12}}, submitter.received)
}

func TestMonitorSubmitWithoutMeter(t *testing.T) {
	snap := fixtureSnapshot(map[ResourceKey]string{
		ResourceAccountInfo: accountInfoFixture,
		ResourceMeterIndex:  `{"indexDetails":{"devices":[]}}`,
	})
	submitter := &fakeSubmitter{}
	m := newTestMonitor(t, newScriptedRefresher(refreshResult{snap: snap}), submitter)
	require.NoError(t, m.Refresh(context.Background()))

	_, err := m.SubmitMeterReading(context.Background(), 10)

	var validationErr *ValidationError
	require.True(t, errors.As(err, &validationErr))
	assert.Equal(t, "meter_ref", validationErr.Field)
	assert.Empty(t, submitter.received)
}

func TestMonitorSubmitFailsWhenRefreshFails(t *testing.T) {
	failure := &AuthError{Endpoint: PathLogin, Message: "login failed"}
	submitter := &fakeSubmitter{}
	m := newTestMonitor(t, newScriptedRefresher(refreshResult{err: failure}), submitter)

	_, err := m.SubmitMeterReading(context.Background(), 10)

	assert.True(t, IsAuthError(err))
	assert.Empty(t, submitter.received)
}

func TestMonitorSubmitRejectsNegativeValue(t *testing.T) {
	refresher := newScriptedRefresher(refreshResult{snap: goodSnapshot(time.Now())})
	submitter := &fakeSubmitter{}
	m := newTestMonitor(t, refresher, submitter)

	_, err := m.SubmitMeterReading(context.Background(), -5)

	var validationErr *ValidationError
	require.True(t, errors.As(err, &validationErr))
	assert.Equal(t, "value", validationErr.Field)
	assert.Equal(t, 0, refresher.callCount())
	assert.Empty(t, submitter.received)
}

func TestMonitorSubmitErrorDoesNotQueueRefresh(t *testing.T) {
	submitter := &fakeSubmitter{err: NewAPIError(400, PathSubmitMeterReading, "bad index", nil)}
	m := newTestMonitor(t, newScriptedRefresher(refreshResult{}), submitter)

	_, err := m.SubmitMeterReadingTo(context.Background(), "ABL123", 10)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 400, apiErr.StatusCode)
	assert.Empty(t, m.refreshCh)
}

func TestMonitorStartRunsCyclesUntilCancelled(t *testing.T) {
	refresher := newScriptedRefresher(refreshResult{snap: goodSnapshot(time.Now())})
	m := newTestMonitor(t, refresher, &fakeSubmitter{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Start(ctx)
		close(done)
	}()

	waitForCall(t, refresher.called)
	m.RequestRefresh()
	waitForCall(t, refresher.called)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("monitor did not stop after cancellation")
	}
	assert.Equal(t, 2, refresher.callCount())
}

func TestMonitorStop(t *testing.T) {
	refresher := newScriptedRefresher(refreshResult{snap: goodSnapshot(time.Now())})
	m := newTestMonitor(t, refresher, &fakeSubmitter{})

	done := make(chan struct{})
	go func() {
		m.Start(context.Background())
		close(done)
	}()
	waitForCall(t, refresher.called)

	m.Stop()
	m.Stop()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("monitor did not stop")
	}
}

func waitForCall(t *testing.T, called <-chan struct{}) {
	t.Helper()
	select {
	case <-called:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a refresh cycle")
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{90 * time.Minute, "1h 30m"},
		{2 * time.Hour, "2h"},
		{15 * time.Minute, "15m"},
		{30 * time.Second, "less than a minute"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatDuration(tt.in))
	}
}
