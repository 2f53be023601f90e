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

package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/logging"
)

type fakePinger struct {
	err error
}

func (f fakePinger) Ping(ctx context.Context) error {
	return f.err
}

func boolFunc(v bool) func() bool {
	return func() bool { return v }
}

func TestNewMonitor(t *testing.T) {
	m := NewMonitor(Probes{EngineURL: "http://localhost:8000"})

	if m.interval != 30*time.Second {
		t.Errorf("interval = %v, want 30s", m.interval)
	}
	if m.timeout != 5*time.Second {
		t.Errorf("timeout = %v, want 5s", m.timeout)
	}
	if !m.Status().CheckedAt.IsZero() {
		t.Error("Status should be empty before the first check")
	}
}

func TestMonitor_CheckHealthy(t *testing.T) {
	if err := logging.Initialize(); err != nil {
		t.Fatalf("Failed to initialize logging: %v", err)
	}
	defer logging.Close()

	// The engine only serves /synthesize; a 404 on the root still counts
	engine := httptest.NewServer(http.NotFoundHandler())
	defer engine.Close()

	m := NewMonitor(Probes{
		Database:   fakePinger{},
		EngineURL:  engine.URL,
		Events:     boolFunc(true),
		Transcoder: boolFunc(true),
	})

	status := m.Check(context.Background())

	if !status.Dependencies.Database || !status.Dependencies.Engine || !status.Dependencies.Transcoder {
		t.Errorf("Expected all dependencies available, got %+v", status.Dependencies)
	}
	if status.Dependencies.Events == nil || !*status.Dependencies.Events {
		t.Error("Expected events connected")
	}
	if status.Degraded {
		t.Errorf("Expected healthy status, got degraded: %s", status.Reason)
	}
	if !status.Healthy() {
		t.Error("Expected Healthy() to be true")
	}
	if status.EngineLatency <= 0 {
		t.Error("Expected engine latency to be measured")
	}
	if status.Runtime.OS != runtime.GOOS || status.Runtime.Arch != runtime.GOARCH {
		t.Errorf("Unexpected runtime info: %+v", status.Runtime)
	}
	if m.Status().CheckedAt != status.CheckedAt {
		t.Error("Check should store the snapshot")
	}
}

func TestMonitor_Degradation(t *testing.T) {
	engine := httptest.NewServer(http.NotFoundHandler())
	defer engine.Close()
	closedEngine := httptest.NewServer(http.NotFoundHandler())
	closedURL := closedEngine.URL
	closedEngine.Close()

	tests := []struct {
		name        string
		probes      Probes
		wantReason  string
		wantHealthy bool
	}{
		{
			name:       "database down",
			probes:     Probes{Database: fakePinger{err: errors.New("closed")}, EngineURL: engine.URL, Transcoder: boolFunc(true)},
			wantReason: "database unreachable",
		},
		{
			name:        "engine down",
			probes:      Probes{Database: fakePinger{}, EngineURL: closedURL, Transcoder: boolFunc(true)},
			wantReason:  "synthesis engine unreachable",
			wantHealthy: true,
		},
		{
			name:        "no ffmpeg",
			probes:      Probes{Database: fakePinger{}, EngineURL: engine.URL, Transcoder: boolFunc(false)},
			wantReason:  "transcoder unavailable",
			wantHealthy: true,
		},
		{
			name:        "nats disconnected",
			probes:      Probes{Database: fakePinger{}, EngineURL: engine.URL, Transcoder: boolFunc(true), Events: boolFunc(false)},
			wantReason:  "event bus disconnected",
			wantHealthy: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status := NewMonitor(tt.probes).Check(context.Background())
			if !status.Degraded {
				t.Fatal("Expected degraded status")
			}
			if status.Reason != tt.wantReason {
				t.Errorf("Reason = %q, want %q", status.Reason, tt.wantReason)
			}
			if status.Healthy() != tt.wantHealthy {
				t.Errorf("Healthy() = %v, want %v", status.Healthy(), tt.wantHealthy)
			}
		})
	}
}

func TestMonitor_EventsNotConfigured(t *testing.T) {
	engine := httptest.NewServer(http.NotFoundHandler())
	defer engine.Close()

	status := NewMonitor(Probes{Database: fakePinger{}, EngineURL: engine.URL, Transcoder: boolFunc(true)}).Check(context.Background())
	if status.Dependencies.Events != nil {
		t.Error("Events should be omitted when not configured")
	}
	if status.Degraded {
		t.Errorf("Unconfigured events should not degrade, got %s", status.Reason)
	}
}

func TestMonitor_DegradationCallback(t *testing.T) {
	m := NewMonitor(Probes{Database: fakePinger{err: errors.New("closed")}})

	var mu sync.Mutex
	var reasons []string
	done := make(chan struct{}, 2)
	m.SetDegradationCallback(func(reason string) {
		mu.Lock()
		reasons = append(reasons, reason)
		mu.Unlock()
		done <- struct{}{}
	})

	m.Check(context.Background())
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Degradation callback was not called")
	}

	// Staying degraded does not fire again
	m.Check(context.Background())
	select {
	case <-done:
		t.Error("Callback fired twice for one degradation")
	case <-time.After(100 * time.Millisecond):
	}

	mu.Lock()
	defer mu.Unlock()
	if len(reasons) != 1 || reasons[0] != "database unreachable" {
		t.Errorf("Unexpected callback reasons: %v", reasons)
	}
}

func TestMonitor_StartStopsWithContext(t *testing.T) {
	m := NewMonitor(Probes{Database: fakePinger{}})
	m.interval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Start(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancel")
	}
	if m.Status().CheckedAt.IsZero() {
		t.Error("Expected at least one check")
	}
}
