package kvstore

import (
	"context"
	"log"
	"time"
)

// Manager owns the active Store and tracks whether the gateway is running
// in degraded mode. The shared backend is probed once at startup; when it
// is unreachable, the gateway transparently uses the fallback and reports
// itself degraded.
type Manager struct {
	active   Store
	fallback Store
	degraded bool
}

// NewManager probes shared once (bounded by a short timeout) and falls
// back transparently on failure. Passing a nil shared store (demo mode)
// always starts degraded.
func NewManager(shared Store, demoMode bool) *Manager {
	fb := NewFallback()
	if demoMode || shared == nil {
		log.Printf("kvstore: demo mode, using in-process fallback store")
		return &Manager{active: fb, fallback: fb, degraded: true}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := shared.Ping(ctx); err != nil {
		log.Printf("kvstore: shared backend unreachable (%v), starting degraded", err)
		return &Manager{active: fb, fallback: fb, degraded: true}
	}
	return &Manager{active: shared, fallback: fb}
}

// Store returns the currently active backend.
func (m *Manager) Store() Store { return m.active }

// Degraded reports whether the manager is running on the fallback backend.
func (m *Manager) Degraded() bool { return m.degraded }

// BloomAvailable reports whether the probabilistic negative-cache hint may
// be used; it is disabled whenever the shared backend is unavailable.
func (m *Manager) BloomAvailable() bool { return !m.degraded }
