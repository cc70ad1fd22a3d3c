package metrics

import (
	"time"

	"github.com/escrowd/escrowd/pkg/model"
	"github.com/escrowd/escrowd/pkg/types"
)

// Collector periodically samples entity totals from the model into gauges.
type Collector struct {
	model  *model.Model
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(m *model.Model) *Collector {
	return &Collector{
		model:  m,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
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
	c.collectTokenMetrics()
	c.collectConfigMetrics()
}

func (c *Collector) collectTokenMetrics() {
	fleet, err := c.model.CountPIVTokens()
	if err != nil {
		return
	}
	PIVTokensTotal.Set(float64(fleet))
}

func (c *Collector) collectConfigMetrics() {
	configs, err := c.model.ListConfigs()
	if err != nil {
		return
	}

	byState := make(map[types.ConfigState]int)
	for _, cfg := range configs {
		byState[cfg.State()]++
	}

	RecoveryConfigsTotal.Reset()
	for state, n := range byState {
		RecoveryConfigsTotal.WithLabelValues(string(state)).Set(float64(n))
	}

	live, expired := 0, 0
	for _, cfg := range configs {
		tokens, err := c.model.ListTokensForConfig(cfg.UUID)
		if err != nil {
			continue
		}
		for _, rt := range tokens {
			if rt.Expired != nil {
				expired++
			} else {
				live++
			}
		}
	}
	RecoveryTokensTotal.WithLabelValues("live").Set(float64(live))
	RecoveryTokensTotal.WithLabelValues("expired").Set(float64(expired))
}
