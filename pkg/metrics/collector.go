package metrics

import (
	"sync"
	"time"

	"github.com/cuemby/kiln/pkg/types"
)

// StateSource reports the current worker state
type StateSource interface {
	State() types.WorkerState
}

// HostSource reports host inventory
type HostSource interface {
	HostInfo() (*types.HostInfo, error)
}

// Collector periodically samples gauges that are not updated inline:
// the worker state, free disk space and imaging progress.
type Collector struct {
	state    StateSource
	host     HostSource
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewCollector creates a new metrics collector. host may be nil.
func NewCollector(state StateSource, host HostSource) *Collector {
	return &Collector{
		state:    state,
		host:     host,
		interval: 15 * time.Second,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer ticker.Stop()

		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Stop stops the collector and waits for the collection loop to exit
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *Collector) collect() {
	c.collectWorkerState()
	c.collectHostMetrics()
}

func (c *Collector) collectWorkerState() {
	if c.state == nil {
		return
	}
	SetWorkerState(c.state.State())
}

func (c *Collector) collectHostMetrics() {
	if c.host == nil {
		return
	}
	info, err := c.host.HostInfo()
	if err != nil {
		return
	}
	DiskFreeBytes.Set(float64(info.FreeDiskKiB) * 1024)
	ImagingProgress.Set(float64(info.ImagingProgress))
}

// SetWorkerState flips the state gauge so that exactly one state reads 1
func SetWorkerState(current types.WorkerState) {
	for _, s := range types.AllWorkerStates {
		v := 0.0
		if s == current {
			v = 1
		}
		WorkerState.WithLabelValues(string(s)).Set(v)
	}
}
