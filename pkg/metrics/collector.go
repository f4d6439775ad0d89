package metrics

import (
	"time"
)

// StoreStats is a point-in-time view of the segment directory
type StoreStats struct {
	LiveBytes      int64
	SealedSegments int
	SealedBytes    int64
}

// StatsSource is implemented by the segment store
type StatsSource interface {
	Stats() (StoreStats, error)
}

// Collector periodically samples store gauges
type Collector struct {
	source   StatsSource
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(source StatsSource, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		source:   source,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	stats, err := c.source.Stats()
	if err != nil {
		UpdateComponent(ComponentStorage, false, err.Error())
		return
	}
	UpdateComponent(ComponentStorage, true, "")
	Observe(stats)
}

// Observe publishes stats on the store gauges
func Observe(stats StoreStats) {
	LiveSegmentBytes.Set(float64(stats.LiveBytes))
	SealedSegments.Set(float64(stats.SealedSegments))
	SealedBytes.Set(float64(stats.SealedBytes))
}
