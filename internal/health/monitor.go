/*
 * This file is part of Loqa (https://github.com/loqalabs/loqa).
 * Copyright (C) 2025 Loqa Labs
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

// Package health tracks the availability of the services the pipeline
// depends on.
package health

import (
	"context"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voice/internal/logging"
	"go.uber.org/zap"
)

// Pinger is satisfied by the database handle
type Pinger interface {
	Ping(ctx context.Context) error
}

// Probes names the dependencies the monitor watches. Nil probes are
// reported as not configured.
type Probes struct {
	Database   Pinger
	EngineURL  string
	Events     func() bool // NATS connection state
	Transcoder func() bool // ffmpeg binary present
}

// Dependencies is the availability of each dependency at the last check
type Dependencies struct {
	Database   bool  `json:"database"`
	Engine     bool  `json:"engine"`
	Events     *bool `json:"events,omitempty"`
	Transcoder bool  `json:"transcoder"`
}

// RuntimeInfo describes the host process
type RuntimeInfo struct {
	Goroutines int    `json:"goroutines"`
	HeapMB     uint64 `json:"heapMb"`
	OS         string `json:"os"`
	Arch       string `json:"arch"`
}

// Status is the snapshot served by the health endpoint
type Status struct {
	Dependencies  Dependencies  `json:"dependencies"`
	EngineLatency time.Duration `json:"engineLatencyNs"`
	Runtime       RuntimeInfo   `json:"runtime"`
	CheckedAt     time.Time     `json:"checkedAt"`
	Degraded      bool          `json:"degraded"`
	Reason        string        `json:"reason,omitempty"`
}

// Healthy reports whether the service can answer requests at all. Only the
// database is required; the rest degrade individual operations.
func (s Status) Healthy() bool {
	return s.Dependencies.Database
}

// Monitor periodically probes the service dependencies
type Monitor struct {
	mutex  sync.RWMutex
	status Status

	probes   Probes
	client   *http.Client
	interval time.Duration
	timeout  time.Duration

	onDegradation func(reason string)
}

// NewMonitor creates a monitor. Call Start to begin periodic checks.
func NewMonitor(probes Probes) *Monitor {
	timeout := 5 * time.Second
	return &Monitor{
		probes:   probes,
		client:   &http.Client{Timeout: timeout},
		interval: 30 * time.Second,
		timeout:  timeout,
	}
}

// Start runs a check immediately and then on every interval until ctx ends
func (m *Monitor) Start(ctx context.Context) {
	m.Check(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check probes every dependency now and stores the result
func (m *Monitor) Check(ctx context.Context) Status {
	checkCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	status := Status{
		Runtime:   runtimeInfo(),
		CheckedAt: time.Now(),
	}

	if m.probes.Database != nil {
		status.Dependencies.Database = m.probes.Database.Ping(checkCtx) == nil
	}
	if m.probes.EngineURL != "" {
		status.Dependencies.Engine, status.EngineLatency = m.probeEngine(checkCtx)
	}
	if m.probes.Events != nil {
		connected := m.probes.Events()
		status.Dependencies.Events = &connected
	}
	if m.probes.Transcoder != nil {
		status.Dependencies.Transcoder = m.probes.Transcoder()
	}

	status.Degraded, status.Reason = degradation(status.Dependencies)

	m.mutex.Lock()
	wasDegraded := m.status.Degraded
	m.status = status
	callback := m.onDegradation
	m.mutex.Unlock()

	if status.Degraded {
		logging.LogWarn("Dependency check degraded",
			zap.String("component", "health"),
			zap.String("reason", status.Reason))
		if !wasDegraded && callback != nil {
			go callback(status.Reason)
		}
	}

	return status
}

// Status returns the last stored snapshot
func (m *Monitor) Status() Status {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.status
}

// SetDegradationCallback sets a callback run when the service becomes degraded
func (m *Monitor) SetDegradationCallback(callback func(reason string)) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.onDegradation = callback
}

// probeEngine treats any HTTP response as reachable. The engine exposes no
// health route, so a 404 or 405 still proves it is listening.
func (m *Monitor) probeEngine(ctx context.Context) (bool, time.Duration) {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.probes.EngineURL, nil)
	if err != nil {
		return false, 0
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return false, 0
	}
	defer func() { _ = resp.Body.Close() }()

	return true, time.Since(start)
}

func degradation(deps Dependencies) (bool, string) {
	if !deps.Database {
		return true, "database unreachable"
	}
	if !deps.Engine {
		return true, "synthesis engine unreachable"
	}
	if !deps.Transcoder {
		return true, "transcoder unavailable"
	}
	if deps.Events != nil && !*deps.Events {
		return true, "event bus disconnected"
	}
	return false, ""
}

func runtimeInfo() RuntimeInfo {
	memStats := &runtime.MemStats{}
	runtime.ReadMemStats(memStats)

	return RuntimeInfo{
		Goroutines: runtime.NumGoroutine(),
		HeapMB:     memStats.HeapAlloc / (1024 * 1024),
		OS:         runtime.GOOS,
		Arch:       runtime.GOARCH,
	}
}
