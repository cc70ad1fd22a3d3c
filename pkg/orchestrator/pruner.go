package orchestrator

import (
	"time"

	"github.com/escrowd/escrowd/pkg/log"
	"github.com/escrowd/escrowd/pkg/metrics"
	"github.com/escrowd/escrowd/pkg/model"
)

// Pruner periodically removes aged-out rows: PIV token archive entries whose
// active range ended before the retention window, and recovery tokens that
// expired before it. It also runs the unused-configuration sweep so idle
// deployments converge without waiting for a transition.
type Pruner struct {
	model     *model.Model
	retention time.Duration
	interval  time.Duration
	stopCh    chan struct{}
}

// NewPruner creates a pruner with the given retention window.
func NewPruner(m *model.Model, retention, interval time.Duration) *Pruner {
	return &Pruner{
		model:     m,
		retention: retention,
		interval:  interval,
		stopCh:    make(chan struct{}),
	}
}

// Start begins the prune loop.
func (p *Pruner) Start() {
	metrics.RegisterComponent("pruner", true, "")
	go p.run()
}

// Stop stops the pruner.
func (p *Pruner) Stop() {
	close(p.stopCh)
}

func (p *Pruner) run() {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.prune()
		case <-p.stopCh:
			return
		}
	}
}

func (p *Pruner) prune() {
	logger := log.WithComponent("pruner")

	cutoff := time.Now().Add(-p.retention)
	before, err := p.model.ListHistory()
	if err != nil {
		logger.Error().Err(err).Msg("failed to list history")
		return
	}

	if err := p.model.PruneHistory(cutoff); err != nil {
		logger.Error().Err(err).Msg("prune failed")
		return
	}

	after, err := p.model.ListHistory()
	if err == nil && len(before) > len(after) {
		removed := len(before) - len(after)
		metrics.RowsPruned.WithLabelValues("pivtoken_history").Add(float64(removed))
		logger.Info().
			Int("removed", removed).
			Time("cutoff", cutoff).
			Msg("pruned history rows")
	}

	swept, err := p.model.ExpireUnusedConfigs()
	if err != nil {
		logger.Error().Err(err).Msg("sweep failed")
		return
	}
	if len(swept) > 0 {
		metrics.ConfigsSwept.Add(float64(len(swept)))
	}
}
