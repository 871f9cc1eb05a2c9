// Package plugin supervises external plugin processes. Registered PIDs are
// sampled for CPU and resident memory on a fixed interval; a plugin that
// breaches its resource ceilings on enough consecutive samples is killed and
// a service_error is published for the session dashboards.
package plugin

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/procfs"

	"github.com/voxbridge/voxbridge/internal/config"
	"github.com/voxbridge/voxbridge/internal/event"
)

// ErrDuplicatePlugin is returned by Register when the name is already in use.
var ErrDuplicatePlugin = errors.New("plugin: already registered")

// statFunc reads cumulative CPU seconds and resident memory for a pid.
type statFunc func(pid int) (cpuSeconds float64, rssBytes uint64, err error)

// killFunc terminates a pid.
type killFunc func(pid int) error

// Stats is one plugin's most recent resource sample.
type Stats struct {
	Name       string    `json:"name"`
	PID        int       `json:"pid"`
	CPUPct     float64   `json:"cpu_pct"`
	RSSBytes   uint64    `json:"rss_bytes"`
	Violations int       `json:"violations"`
	Terminated bool      `json:"terminated"`
	SampledAt  time.Time `json:"sampled_at"`
}

type tracked struct {
	name string
	pid  int

	lastCPU  float64
	lastAt   time.Time
	havePrev bool

	cpuPct     float64
	rssBytes   uint64
	violations int
	terminated bool
	sampledAt  time.Time
}

// Monitor samples registered plugin processes and enforces the configured
// CPU and memory ceilings.
type Monitor struct {
	cfg  config.PluginConfig
	bus  *event.Bus
	log  *slog.Logger
	stat statFunc
	kill killFunc
	now  func() time.Time

	mu      sync.Mutex
	plugins map[string]*tracked

	stopc    chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// Option adjusts a Monitor.
type Option func(*Monitor)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(m *Monitor) { m.log = log }
}

// WithStatFunc replaces the /proc reader, for tests.
func WithStatFunc(fn statFunc) Option {
	return func(m *Monitor) { m.stat = fn }
}

// WithKillFunc replaces process termination, for tests.
func WithKillFunc(fn killFunc) Option {
	return func(m *Monitor) { m.kill = fn }
}

// WithNowFunc replaces the clock, for tests.
func WithNowFunc(fn func() time.Time) Option {
	return func(m *Monitor) { m.now = fn }
}

// NewMonitor starts a monitor sampling on cfg's interval. Close stops it.
func NewMonitor(cfg config.PluginConfig, bus *event.Bus, opts ...Option) *Monitor {
	m := &Monitor{
		cfg:     cfg,
		bus:     bus,
		log:     slog.Default(),
		stat:    procStat,
		kill:    procKill,
		now:     time.Now,
		plugins: make(map[string]*tracked),
		stopc:   make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	go m.run()
	return m
}

// Register adds a process to the sample set.
func (m *Monitor) Register(name string, pid int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.plugins[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicatePlugin, name)
	}
	m.plugins[name] = &tracked{name: name, pid: pid}
	m.log.Info("plugin registered", "plugin", name, "pid", pid)
	return nil
}

// Deregister stops sampling a plugin. The process is left running.
func (m *Monitor) Deregister(name string) {
	m.mu.Lock()
	delete(m.plugins, name)
	m.mu.Unlock()
}

// Stats returns the latest sample for every registered plugin, sorted by
// name.
func (m *Monitor) Stats() []Stats {
	m.mu.Lock()
	out := make([]Stats, 0, len(m.plugins))
	for _, t := range m.plugins {
		out = append(out, Stats{
			Name:       t.name,
			PID:        t.pid,
			CPUPct:     t.cpuPct,
			RSSBytes:   t.rssBytes,
			Violations: t.violations,
			Terminated: t.terminated,
			SampledAt:  t.sampledAt,
		})
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Close stops the sampling loop. Registered processes are left running.
func (m *Monitor) Close() {
	m.stopOnce.Do(func() {
		close(m.stopc)
		<-m.done
	})
}

func (m *Monitor) run() {
	defer close(m.done)
	interval := m.cfg.MonitorInterval()
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopc:
			return
		case <-ticker.C:
			m.Sample()
		}
	}
}

// Sample runs one sampling pass over all registered plugins.
func (m *Monitor) Sample() {
	m.mu.Lock()
	targets := make([]*tracked, 0, len(m.plugins))
	for _, t := range m.plugins {
		if !t.terminated {
			targets = append(targets, t)
		}
	}
	m.mu.Unlock()

	for _, t := range targets {
		m.sampleOne(t)
	}
}

func (m *Monitor) sampleOne(t *tracked) {
	cpu, rss, err := m.stat(t.pid)
	now := m.now()

	m.mu.Lock()
	if t.terminated {
		m.mu.Unlock()
		return
	}
	if err != nil {
		// The process is gone or /proc is unreadable; stop counting against
		// it but keep the last sample visible.
		t.terminated = true
		m.mu.Unlock()
		m.log.Warn("plugin stat read failed, assuming exited",
			"plugin", t.name, "pid", t.pid, "err", err)
		return
	}

	if t.havePrev {
		if elapsed := now.Sub(t.lastAt).Seconds(); elapsed > 0 {
			t.cpuPct = (cpu - t.lastCPU) / elapsed * 100
		}
	}
	t.lastCPU = cpu
	t.lastAt = now
	t.havePrev = true
	t.rssBytes = rss
	t.sampledAt = now

	cpuOver := t.cpuPct > m.cfg.MaxCPUPct
	rssOver := rss > uint64(m.cfg.MaxRSSMB)<<20
	if !cpuOver && !rssOver {
		t.violations = 0
		m.mu.Unlock()
		return
	}

	t.violations++
	violations := t.violations
	cpuPct := t.cpuPct
	exceeded := violations >= m.cfg.MaxViolations
	if exceeded {
		t.terminated = true
	}
	m.mu.Unlock()

	m.log.Warn("plugin over resource ceiling",
		"plugin", t.name, "pid", t.pid,
		"cpu_pct", fmt.Sprintf("%.1f", cpuPct), "rss_bytes", rss,
		"violations", violations)
	if !exceeded {
		return
	}

	if err := m.kill(t.pid); err != nil {
		m.log.Error("plugin kill failed", "plugin", t.name, "pid", t.pid, "err", err)
	} else {
		m.log.Warn("plugin terminated", "plugin", t.name, "pid", t.pid)
	}
	m.bus.Publish(event.Event{
		Kind: event.KindServiceError,
		Payload: event.ServiceError{
			Source: "plugin",
			Message: fmt.Sprintf("plugin %s exceeded resource limits %d times and was terminated",
				t.name, violations),
			Recoverable: true,
		},
	})
}

func procStat(pid int) (float64, uint64, error) {
	p, err := procfs.NewProc(pid)
	if err != nil {
		return 0, 0, err
	}
	st, err := p.Stat()
	if err != nil {
		return 0, 0, err
	}
	return st.CPUTime(), uint64(st.ResidentMemory()), nil
}

func procKill(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}
