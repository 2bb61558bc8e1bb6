// Copyright 2026 Blink Labs Software
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

package pipeline

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	// Number of recent failures at which a link is considered unstable
	UnstableFailureThreshold = 3
	// DefaultFailureWindow is how long a failure counts as recent
	DefaultFailureWindow = 30 * time.Second
)

// NetworkMetrics is a snapshot of link health used by strategies
type NetworkMetrics struct {
	RoundTripTime  time.Duration
	Jitter         time.Duration
	RecentFailures int
	MemoryPressure bool
}

// IsUnstable returns whether the link shows repeated failures or jitter above half the RTT
func (n NetworkMetrics) IsUnstable() bool {
	if n.RecentFailures >= UnstableFailureThreshold {
		return true
	}
	return n.RoundTripTime > 0 && n.Jitter > n.RoundTripTime/2
}

// TrackerStats is a snapshot of the tracker counters
type TrackerStats struct {
	RequestsSent    uint64
	RepliesReceived uint64
	Failures        uint64
	CurrentDepth    int
	PeakDepth       int
	RoundTripTime   time.Duration
	Jitter          time.Duration
	StartTime       time.Time
}

// MetricsTracker records chain-sync request and reply timing.
// Uses atomic counters for thread-safe operation.
type MetricsTracker struct {
	// Counters (atomic)
	requestsSent    atomic.Uint64
	repliesReceived atomic.Uint64
	failures        atomic.Uint64

	// Timing and depth tracking (requires mutex)
	mu                 sync.Mutex
	sendTimes          []time.Time
	peakDepth          int
	rtt                time.Duration
	jitter             time.Duration
	failureTimes       []time.Time
	failureWindow      time.Duration
	memoryPressureFunc func() bool
	nowFunc            func() time.Time
	startTime          time.Time
}

// MetricsTrackerOption is a functional option for configuring a MetricsTracker
type MetricsTrackerOption func(*MetricsTracker)

// WithFailureWindow sets how long a failure counts towards RecentFailures
func WithFailureWindow(window time.Duration) MetricsTrackerOption {
	return func(m *MetricsTracker) {
		if window > 0 {
			m.failureWindow = window
		}
	}
}

// WithMemoryPressureFunc sets the function used to report memory pressure
func WithMemoryPressureFunc(fn func() bool) MetricsTrackerOption {
	return func(m *MetricsTracker) {
		m.memoryPressureFunc = fn
	}
}

// WithClock sets the time source
func WithClock(nowFunc func() time.Time) MetricsTrackerOption {
	return func(m *MetricsTracker) {
		if nowFunc != nil {
			m.nowFunc = nowFunc
		}
	}
}

func NewMetricsTracker(opts ...MetricsTrackerOption) *MetricsTracker {
	m := &MetricsTracker{
		failureWindow: DefaultFailureWindow,
		nowFunc:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.startTime = m.nowFunc()
	return m
}

// RecordRequest records a request being sent
func (m *MetricsTracker) RecordRequest() {
	m.requestsSent.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendTimes = append(m.sendTimes, m.nowFunc())
	m.peakDepth = max(m.peakDepth, len(m.sendTimes))
}

// RecordReply records the reply to the oldest outstanding request and updates the
// RTT and jitter estimates
func (m *MetricsTracker) RecordReply() {
	m.repliesReceived.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sendTimes) == 0 {
		return
	}
	sample := m.nowFunc().Sub(m.sendTimes[0])
	m.sendTimes = m.sendTimes[1:]
	m.sampleRtt(sample)
}

// sampleRtt updates the smoothed RTT (gain 1/8) and jitter (gain 1/4)
func (m *MetricsTracker) sampleRtt(sample time.Duration) {
	if m.rtt == 0 {
		m.rtt = sample
		m.jitter = sample / 2
		return
	}
	diff := m.rtt - sample
	if diff < 0 {
		diff = -diff
	}
	m.jitter += (diff - m.jitter) / 4
	m.rtt += (sample - m.rtt) / 8
}

// RecordFailure records a failed request
func (m *MetricsTracker) RecordFailure() {
	m.failures.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failureTimes = append(m.failureTimes, m.nowFunc())
}

// Outstanding returns the number of requests without a reply
func (m *MetricsTracker) Outstanding() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sendTimes)
}

// Snapshot returns the current NetworkMetrics
func (m *MetricsTracker) Snapshot() NetworkMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.nowFunc().Add(-m.failureWindow)
	idx := 0
	for idx < len(m.failureTimes) && m.failureTimes[idx].Before(cutoff) {
		idx++
	}
	m.failureTimes = m.failureTimes[idx:]
	ret := NetworkMetrics{
		RoundTripTime:  m.rtt,
		Jitter:         m.jitter,
		RecentFailures: len(m.failureTimes),
	}
	if m.memoryPressureFunc != nil {
		ret.MemoryPressure = m.memoryPressureFunc()
	}
	return ret
}

// Stats returns a snapshot of the current counters
func (m *MetricsTracker) Stats() TrackerStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return TrackerStats{
		RequestsSent:    m.requestsSent.Load(),
		RepliesReceived: m.repliesReceived.Load(),
		Failures:        m.failures.Load(),
		CurrentDepth:    len(m.sendTimes),
		PeakDepth:       m.peakDepth,
		RoundTripTime:   m.rtt,
		Jitter:          m.jitter,
		StartTime:       m.startTime,
	}
}

// Reset resets all metrics
func (m *MetricsTracker) Reset() {
	m.requestsSent.Store(0)
	m.repliesReceived.Store(0)
	m.failures.Store(0)

	m.mu.Lock()
	m.sendTimes = nil
	m.peakDepth = 0
	m.rtt = 0
	m.jitter = 0
	m.failureTimes = nil
	m.startTime = m.nowFunc()
	m.mu.Unlock()
}
