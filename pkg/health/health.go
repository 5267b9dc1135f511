package health

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/kiln/pkg/log"
	"github.com/rs/zerolog"
)

// CheckType represents the type of health check
type CheckType string

const (
	CheckTypeHTTP CheckType = "http"
)

// Result represents the outcome of a health check
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker is the interface that all health checkers must implement
type Checker interface {
	// Check performs the health check and returns the result
	Check(ctx context.Context) Result

	// Type returns the type of health check
	Type() CheckType
}

// Config contains common configuration for all health checks
type Config struct {
	// Interval is the time between health checks
	Interval time.Duration

	// Timeout bounds a single check
	Timeout time.Duration

	// Retries is the number of consecutive failures before marking as unhealthy
	Retries int
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
		Retries:  3,
	}
}

// Status tracks the health of one dependency across checks
type Status struct {
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastCheck            time.Time
	LastResult           Result
	Healthy              bool
}

// NewStatus creates a Status that is healthy until proven otherwise
func NewStatus() *Status {
	return &Status{Healthy: true}
}

// Update records a result. A success heals immediately; failures count
// until Retries is reached.
func (s *Status) Update(result Result, config Config) {
	s.LastCheck = result.CheckedAt
	s.LastResult = result

	if result.Healthy {
		s.ConsecutiveSuccesses++
		s.ConsecutiveFailures = 0
		s.Healthy = true
		return
	}
	s.ConsecutiveFailures++
	s.ConsecutiveSuccesses = 0
	if s.ConsecutiveFailures >= config.Retries {
		s.Healthy = false
	}
}

// ReportFunc receives the health of a named dependency after every check,
// e.g. metrics.UpdateComponent
type ReportFunc func(name string, healthy bool, message string)

type probe struct {
	name    string
	checker Checker
	status  *Status
}

// Monitor runs registered checkers periodically and reports their status
type Monitor struct {
	cfg    Config
	report ReportFunc
	logger zerolog.Logger

	mu     sync.Mutex
	probes []*probe

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMonitor creates a monitor reporting to report
func NewMonitor(cfg Config, report ReportFunc) *Monitor {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Retries <= 0 {
		cfg.Retries = def.Retries
	}
	return &Monitor{
		cfg:    cfg,
		report: report,
		logger: log.WithComponent("health"),
		stopCh: make(chan struct{}),
	}
}

// Add registers a checker under name
func (m *Monitor) Add(name string, c Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probes = append(m.probes, &probe{name: name, checker: c, status: NewStatus()})
}

// Start checks immediately and then every Interval until Stop
func (m *Monitor) Start() {
	ticker := time.NewTicker(m.cfg.Interval)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer ticker.Stop()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			select {
			case <-m.stopCh:
				cancel()
			case <-ctx.Done():
			}
		}()

		m.CheckAll(ctx)
		for {
			select {
			case <-ticker.C:
				m.CheckAll(ctx)
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Stop stops the monitor and waits for a running check to finish
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// CheckAll runs every checker once
func (m *Monitor) CheckAll(ctx context.Context) {
	m.mu.Lock()
	probes := append([]*probe(nil), m.probes...)
	m.mu.Unlock()

	for _, p := range probes {
		checkCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
		result := p.checker.Check(checkCtx)
		cancel()

		m.mu.Lock()
		was := p.status.Healthy
		p.status.Update(result, m.cfg)
		healthy := p.status.Healthy
		m.mu.Unlock()

		if was != healthy {
			event := m.logger.Warn()
			if healthy {
				event = m.logger.Info()
			}
			event.Str("check", p.name).Str("result", result.Message).Bool("healthy", healthy).Msg("Health changed")
		}
		if m.report != nil {
			message := ""
			if !healthy {
				message = result.Message
			}
			m.report(p.name, healthy, message)
		}
	}
}

// Status returns a copy of the named checker's status
func (m *Monitor) Status(name string) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.probes {
		if p.name == name {
			return *p.status, true
		}
	}
	return Status{}, false
}
