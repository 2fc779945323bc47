// Package node sequences the agent's long-lived services — the metrics
// endpoint and the attestation daemon — starting them in priority order
// and stopping them in reverse.
package node

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Service is a long-lived subsystem of the agent process, started once at
// boot and stopped once at shutdown.
type Service interface {
	Start() error
	Stop() error
	Name() string
}

type entry struct {
	svc      Service
	priority int
	running  bool
}

// LifecycleManager starts and stops the agent's services. Lower priority
// values start first; shutdown runs in reverse start order, so the metrics
// endpoint stays up until the attestation daemon has torn down.
type LifecycleManager struct {
	mu      sync.Mutex
	entries []*entry
}

// NewLifecycleManager creates an empty manager.
func NewLifecycleManager() *LifecycleManager {
	return &LifecycleManager{}
}

// Register adds a service. Priority determines start order: lower values
// start first. Registering two services under the same name is an error.
func (lm *LifecycleManager) Register(svc Service, priority int) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	for _, e := range lm.entries {
		if e.svc.Name() == svc.Name() {
			return fmt.Errorf("node: service %q already registered", svc.Name())
		}
	}
	lm.entries = append(lm.entries, &entry{svc: svc, priority: priority})
	sort.SliceStable(lm.entries, func(i, j int) bool {
		return lm.entries[i].priority < lm.entries[j].priority
	})
	return nil
}

// StartAll starts every registered service in priority order. If one
// fails, the services already running are stopped again in reverse order
// and the start error is returned — the agent either runs whole or not at
// all.
func (lm *LifecycleManager) StartAll() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	for i, e := range lm.entries {
		if err := e.svc.Start(); err != nil {
			_ = lm.stopLocked(i - 1)
			return fmt.Errorf("node: start %s: %w", e.svc.Name(), err)
		}
		e.running = true
	}
	return nil
}

// StopAll stops every running service in reverse start order, collecting
// any stop errors.
func (lm *LifecycleManager) StopAll() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.stopLocked(len(lm.entries) - 1)
}

// stopLocked stops entries[0..from] in reverse order, skipping services
// that never started. Caller holds lm.mu.
func (lm *LifecycleManager) stopLocked(from int) error {
	var errs []error
	for i := from; i >= 0; i-- {
		e := lm.entries[i]
		if !e.running {
			continue
		}
		if err := e.svc.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("node: stop %s: %w", e.svc.Name(), err))
			continue
		}
		e.running = false
	}
	return errors.Join(errs...)
}
