// Package jobmgr provides simple asynchronous job execution with
// cancellation, status callbacks, and in-memory tracking of running jobs.
//
// Typical usage:
//
//	jm := jobmgr.NewManager(ctx, func(msg string) {
//	    log.Info().Msg(msg)
//	})
//
//	err := jm.StartAsync("check:42", func(ctx context.Context) error {
//	    // do work until ctx is cancelled
//	    return nil
//	})
//
//	// on shutdown
//	jm.Wait()
//
// The package is intentionally minimal: no retry logic, no workers, no persistence.
// Jobs run in separate goroutines and are automatically removed on completion.
package jobmgr

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	ErrRunning    = errors.New("job is already running")
	ErrNotRunning = errors.New("job is not running")
	ErrClosed     = errors.New("job manager is shut down")
)

// Job represents a running unit of work.
// Jobs are added and removed by Manager automatically.
type Job struct {
	Name   string
	Cancel context.CancelFunc
	id     uint64
}

// StatusReporter receives lifecycle events for jobs.
// Example messages:
//
//	running:check:42
//	error:check:42:no reply
//	done:check:42
type StatusReporter func(string)

// Manager orchestrates starting, stopping and tracking jobs.
// It is safe for concurrent use.
type Manager struct {
	parent   context.Context
	mu       sync.Mutex
	jobs     map[string]*Job
	seq      uint64
	wg       sync.WaitGroup
	Reporter StatusReporter
}

// NewManager creates a Manager whose jobs are cancelled with parent.
// The reporter callback may be nil.
func NewManager(parent context.Context, reporter StatusReporter) *Manager {
	return &Manager{
		parent:   parent,
		jobs:     make(map[string]*Job),
		Reporter: reporter,
	}
}

// StartSync runs a job in the current goroutine and blocks until completion.
func (m *Manager) StartSync(name string, runner func(ctx context.Context) error) error {
	ctx, cancel := context.WithCancel(m.parent)
	defer cancel()
	return runner(ctx)
}

// StartAsync runs a job in a separate goroutine and returns immediately.
// If a job with the same name is already running, ErrRunning is returned.
// Jobs are removed automatically after completion (success or failure).
func (m *Manager) StartAsync(name string, runner func(ctx context.Context) error) error {
	if m.parent.Err() != nil {
		return ErrClosed
	}

	m.mu.Lock()
	if _, exists := m.jobs[name]; exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRunning, name)
	}
	ctx, cancel := context.WithCancel(m.parent)
	m.seq++
	job := &Job{Name: name, Cancel: cancel, id: m.seq}
	m.jobs[name] = job
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		defer cancel()
		m.report("running:" + name)

		err := runner(ctx)
		if err != nil {
			m.report("error:" + name + ":" + err.Error())
		} else {
			m.report("done:" + name)
		}

		m.mu.Lock()
		// a stopped job may already have been replaced under the same name
		if cur, ok := m.jobs[name]; ok && cur.id == job.id {
			delete(m.jobs, name)
		}
		m.mu.Unlock()
	}()

	return nil
}

// Stop cancels a running job by name.
// If the job is not running, ErrNotRunning is returned.
func (m *Manager) Stop(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRunning, name)
	}

	job.Cancel()
	delete(m.jobs, name)
	return nil
}

// Wait blocks until every started job has returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// List returns the sorted names of active jobs.
func (m *Manager) List() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.jobs))
	for k := range m.jobs {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Status returns a human-readable summary of active jobs.
// Example:
//
//	"Running jobs: check:42, check:77"
//
// If none are running: "No jobs are running."
func (m *Manager) Status() string {
	active := m.List()
	if len(active) == 0 {
		return "No jobs are running."
	}
	return fmt.Sprintf("Running jobs: %s", strings.Join(active, ", "))
}

// report delivers lifecycle messages to the reporter if present.
func (m *Manager) report(s string) {
	if m.Reporter != nil {
		m.Reporter(s)
	}
}
