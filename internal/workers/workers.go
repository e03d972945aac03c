// Package workers contains code to manage the lifecycle of the background
// workers started by each service. A service starts one or more workers
// through the [Manager]; any worker may initiate an orderly shutdown of all
// of them, which the session owner awaits with [Manager.WaitWorkersDone].
package workers

import (
	"sync"

	"github.com/Blyss1987/openvpn/internal/model"
)

// Manager coordinates a set of related background workers. The zero value
// is invalid; construct with [NewManager].
type Manager struct {
	// logger logs worker lifecycle events.
	logger model.Logger

	// shouldShutdown is closed to signal all workers to stop.
	shouldShutdown chan any

	// shutdownOnce ensures we close shouldShutdown just once.
	shutdownOnce sync.Once

	// wg tracks the number of running workers.
	wg *sync.WaitGroup
}

// NewManager creates a new [Manager].
func NewManager(logger model.Logger) *Manager {
	return &Manager{
		logger:         logger,
		shouldShutdown: make(chan any),
		shutdownOnce:   sync.Once{},
		wg:             &sync.WaitGroup{},
	}
}

// StartWorker starts the given worker in a background goroutine.
func (m *Manager) StartWorker(fn func()) {
	m.wg.Add(1)
	go fn()
}

// OnWorkerDone must be deferred by each worker; it records the worker's
// termination. The name is used for logging only.
func (m *Manager) OnWorkerDone(name string) {
	m.logger.Debugf("%s: worker done", name)
	m.wg.Done()
}

// StartShutdown initiates an orderly shutdown of all the workers. Safe to
// call more than once and from multiple goroutines.
func (m *Manager) StartShutdown() {
	m.shutdownOnce.Do(func() {
		close(m.shouldShutdown)
	})
}

// ShouldShutdown returns the channel closed when the shutdown begins.
func (m *Manager) ShouldShutdown() <-chan any {
	return m.shouldShutdown
}

// WaitWorkersDone blocks until all workers terminated.
func (m *Manager) WaitWorkersDone() {
	m.wg.Wait()
}
