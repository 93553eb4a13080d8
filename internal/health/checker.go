package health

import (
	"context"
	stderrors "errors"
	"sort"
	"sync"
	"time"

	"github.com/zsiec/doorway/internal/logger"
)

// DefaultCheckTimeout bounds a single checker run.
const DefaultCheckTimeout = 5 * time.Second

// Status represents the health status of a component.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

// Check represents a health check result.
type Check struct {
	Name        string        `json:"name"`
	Status      Status        `json:"status"`
	Message     string        `json:"message,omitempty"`
	LastChecked time.Time     `json:"last_checked"`
	Duration    time.Duration `json:"-"`
	DurationMS  float64       `json:"duration_ms"`
	Optional    bool          `json:"optional,omitempty"`
}

// Checker is the interface that health checkers must implement.
type Checker interface {
	Name() string
	Check(ctx context.Context) error
}

// Manager runs the registered checkers and keeps their latest results.
type Manager struct {
	mu       sync.RWMutex
	checkers []registered
	results  map[string]*Check
	timeout  time.Duration
	logger   logger.Logger
}

type registered struct {
	checker  Checker
	optional bool
}

// NewManager creates a health check manager
func NewManager(log logger.Logger) *Manager {
	return &Manager{
		results: make(map[string]*Check),
		timeout: DefaultCheckTimeout,
		logger:  logger.WithComponent(logger.OrNull(log), "health"),
	}
}

// Register adds a checker whose failure takes the service down.
func (m *Manager) Register(checker Checker) {
	m.register(checker, false)
}

// RegisterOptional adds a checker whose failure only degrades the service.
func (m *Manager) RegisterOptional(checker Checker) {
	m.register(checker, true)
}

func (m *Manager) register(checker Checker, optional bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers = append(m.checkers, registered{checker: checker, optional: optional})
	m.logger.WithField("checker", checker.Name()).Debug("Registered health checker")
}

// Names returns the registered checker names in order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.checkers))
	for _, r := range m.checkers {
		names = append(names, r.checker.Name())
	}
	return names
}

// RunChecks executes all registered checkers concurrently.
func (m *Manager) RunChecks(ctx context.Context) map[string]*Check {
	m.mu.RLock()
	checkers := append([]registered(nil), m.checkers...)
	m.mu.RUnlock()

	var wg sync.WaitGroup
	resultsChan := make(chan *Check, len(checkers))

	for _, r := range checkers {
		wg.Add(1)
		go func(r registered) {
			defer wg.Done()
			resultsChan <- m.run(ctx, r)
		}(r)
	}

	wg.Wait()
	close(resultsChan)

	results := make(map[string]*Check, len(checkers))
	m.mu.Lock()
	for check := range resultsChan {
		results[check.Name] = check
		m.results[check.Name] = check
	}
	m.mu.Unlock()

	return results
}

func (m *Manager) run(ctx context.Context, r registered) *Check {
	checkCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	start := time.Now()
	err := r.checker.Check(checkCtx)
	duration := time.Since(start)

	check := &Check{
		Name:        r.checker.Name(),
		Status:      StatusOK,
		LastChecked: time.Now(),
		Duration:    duration,
		DurationMS:  float64(duration.Milliseconds()),
		Optional:    r.optional,
	}

	log := m.logger.WithFields(map[string]interface{}{
		"checker":  check.Name,
		"duration": duration,
	})

	if err == nil {
		log.Debug("Health check passed")
		return check
	}

	check.Status = StatusDown
	if r.optional {
		check.Status = StatusDegraded
	}
	check.Message = err.Error()
	if stderrors.Is(err, context.DeadlineExceeded) {
		check.Message = "Health check timed out"
	}
	log.WithError(err).Error("Health check failed")

	return check
}

// GetResults returns copies of the latest results.
func (m *Manager) GetResults() map[string]*Check {
	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make(map[string]*Check, len(m.results))
	for k, v := range m.results {
		c := *v
		results[k] = &c
	}
	return results
}

// SortedResults returns the latest results ordered by name.
func (m *Manager) SortedResults() []*Check {
	results := m.GetResults()
	out := make([]*Check, 0, len(results))
	for _, c := range results {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// GetOverallStatus folds the latest results. With no results yet the service
// is reported down.
func (m *Manager) GetOverallStatus() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.results) == 0 {
		return StatusDown
	}

	status := StatusOK
	for _, check := range m.results {
		switch check.Status {
		case StatusDown:
			return StatusDown
		case StatusDegraded:
			status = StatusDegraded
		}
	}
	return status
}

// StartPeriodicChecks runs the checkers every interval until ctx is done.
func (m *Manager) StartPeriodicChecks(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.RunChecks(ctx)

	for {
		select {
		case <-ticker.C:
			m.RunChecks(ctx)
		case <-ctx.Done():
			m.logger.Info("Stopping periodic health checks")
			return
		}
	}
}
