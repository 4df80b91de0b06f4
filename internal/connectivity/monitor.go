// Package connectivity tracks whether the job service is reachable.
package connectivity

import (
	"context"
	"log"
	"sync"
	"time"

	"field-sync-agent/internal/telemetry"
)

// Pinger probes the remote service.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Monitor holds the shared online flag. Platform events and the optional
// probe loop both feed Set.
type Monitor struct {
	mu       sync.Mutex
	online   bool
	onOnline []func()
	onChange []func(online bool)
}

// New returns a monitor starting in the given state. No hooks fire for the
// initial state.
func New(online bool) *Monitor {
	m := &Monitor{online: online}
	telemetry.OnlineGauge.Set(gauge(online))
	return m
}

// IsOnline reports the current state.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// OnOnline registers fn to run on every offline to online transition.
func (m *Monitor) OnOnline(fn func()) {
	m.mu.Lock()
	m.onOnline = append(m.onOnline, fn)
	m.mu.Unlock()
}

// OnChange registers fn to run on every state change.
func (m *Monitor) OnChange(fn func(online bool)) {
	m.mu.Lock()
	m.onChange = append(m.onChange, fn)
	m.mu.Unlock()
}

// Set records a connectivity event and reports whether the state changed.
// Repeating the current state is a no-op. Hooks run on the caller's goroutine.
func (m *Monitor) Set(online bool) bool {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return false
	}
	m.online = online
	changed := append([]func(bool){}, m.onChange...)
	var up []func()
	if online {
		up = append(up, m.onOnline...)
	}
	m.mu.Unlock()

	telemetry.OnlineGauge.Set(gauge(online))
	if online {
		log.Printf("connectivity: online")
	} else {
		log.Printf("connectivity: offline")
	}
	for _, fn := range changed {
		fn(online)
	}
	for _, fn := range up {
		fn()
	}
	return true
}

// Run probes p every interval until ctx is cancelled, feeding the result to Set.
func (m *Monitor) Run(ctx context.Context, p Pinger, interval time.Duration) error {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		err := p.Ping(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil && m.IsOnline() {
			log.Printf("connectivity: probe failed: %v", err)
		}
		m.Set(err == nil)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func gauge(online bool) float64 {
	if online {
		return 1
	}
	return 0
}
