package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/escrowd/escrowd/pkg/agent"
	"github.com/escrowd/escrowd/pkg/events"
	"github.com/escrowd/escrowd/pkg/log"
	"github.com/escrowd/escrowd/pkg/metrics"
	"github.com/escrowd/escrowd/pkg/model"
	"github.com/escrowd/escrowd/pkg/storage"
	"github.com/escrowd/escrowd/pkg/types"
)

// Orchestrator is the transition worker. It picks unfinished transitions one
// at a time and fans each out to its compute-node targets in bounded
// batches, persisting progress at batch boundaries so a crash resumes where
// the last boundary left off.
type Orchestrator struct {
	model      *model.Model
	exec       agent.Executor
	broker     *events.Broker
	instanceID string
	interval   time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	doneCh chan struct{}
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithBroker wires lifecycle event publication.
func WithBroker(b *events.Broker) Option {
	return func(o *Orchestrator) { o.broker = b }
}

// WithPollInterval sets the idle poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(o *Orchestrator) { o.interval = d }
}

// New creates an orchestrator identified by instanceID; the id is what the
// locked_by gate records, so every running worker needs a distinct one.
func New(m *model.Model, exec agent.Executor, instanceID string, opts ...Option) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		model:      m,
		exec:       exec,
		instanceID: instanceID,
		interval:   60 * time.Second,
		ctx:        ctx,
		cancel:     cancel,
		doneCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Start begins the run loop.
func (o *Orchestrator) Start() {
	metrics.RegisterComponent("orchestrator", true, "")
	go o.run()
}

// Stop cancels in-flight waits and blocks until the loop exits.
func (o *Orchestrator) Stop() {
	o.cancel()
	<-o.doneCh
}

func (o *Orchestrator) run() {
	defer close(o.doneCh)

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	// Drain the queue on start, then on every tick.
	o.drain()
	for {
		select {
		case <-ticker.C:
			o.drain()
		case <-o.ctx.Done():
			return
		}
	}
}

// drain processes transitions until the queue is empty or the context is
// cancelled.
func (o *Orchestrator) drain() {
	for o.ctx.Err() == nil {
		if !o.runOnce() {
			return
		}
	}
}

// runOnce picks and processes at most one transition; it reports whether
// there was work.
func (o *Orchestrator) runOnce() bool {
	tr, etag, err := o.model.PickTransition()
	if err != nil {
		logger := log.WithComponent("orchestrator")
		logger.Error().Err(err).Msg("failed to pick transition")
		return false
	}
	if tr == nil {
		return false
	}

	metrics.TransitionsPicked.Inc()
	if err := o.process(tr, etag); err != nil {
		logger := log.WithTransitionUUID(tr.UUID)
		logger.Error().Err(err).Msg("transition processing failed")
		return false
	}
	return true
}

// target pairs one pending compute node with its PIV token and the recovery
// token the fan-out operates on.
type target struct {
	cn    string
	token *types.PIVToken
	rt    *types.RecoveryToken
}

func (o *Orchestrator) process(tr *types.Transition, etag string) error {
	logger := log.WithTransitionUUID(tr.UUID)

	// An aborted row only needs its finished stamp.
	if tr.Aborted {
		if _, _, err := o.model.FinishTransition(tr, etag); err != nil {
			return err
		}
		metrics.TransitionsFinished.WithLabelValues("aborted").Inc()
		return nil
	}

	cfg, _, err := o.model.GetConfig(tr.RecoveryConfigUUID)
	if errors.Is(err, storage.ErrNotFound) {
		// The configuration vanished underneath the transition; close the
		// row out rather than re-picking it forever.
		tr.Errs = append(tr.Errs, types.TargetError{
			Code:    "ConfigurationMissing",
			Message: fmt.Sprintf("recovery configuration %s not found", tr.RecoveryConfigUUID),
		})
		if _, _, err := o.model.FinishTransition(tr, etag); err != nil {
			return err
		}
		metrics.TransitionsFinished.WithLabelValues("failed").Inc()
		return nil
	}
	if err != nil {
		return err
	}

	targets, err := o.resolveTargets(tr, cfg)
	if err != nil {
		return err
	}

	// Lock. The conditional write is the contention gate between workers;
	// losing it means another instance holds the row.
	now := time.Now()
	tr.LockedBy = o.instanceID
	if tr.Started == nil {
		tr.Started = &now
	}
	if len(targets) == 0 {
		fin := now
		tr.Finished = &fin
		if _, err := o.model.UpdateTransition(tr, etag); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				logger.Debug().Msg("lost transition lock")
				return nil
			}
			return err
		}
		o.finishUp(tr, cfg)
		return nil
	}
	etag, err = o.model.UpdateTransition(tr, etag)
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			logger.Debug().Msg("lost transition lock")
			return nil
		}
		return err
	}

	logger.Info().
		Str("name", string(tr.Name)).
		Int("pending", len(targets)).
		Int("concurrency", tr.Concurrency).
		Msg("transition picked up")

	// Batches of concurrency, serial across batches, parallel within one.
	for start := 0; start < len(targets); start += tr.Concurrency {
		end := start + tr.Concurrency
		if end > len(targets) {
			end = len(targets)
		}
		slice := targets[start:end]

		taskIDs, errs := o.runBatch(slice, tr, cfg)
		tr.TaskIDs = append(tr.TaskIDs, taskIDs...)
		tr.Errs = append(tr.Errs, errs...)
		for _, tgt := range slice {
			tr.Completed = append(tr.Completed, tgt.cn)
		}

		// Batch boundary: the reloaded row is authoritative for aborted;
		// a cancel in flight rotated the etag, so merge onto its version.
		cur, curEtag, err := o.model.GetTransition(tr.UUID)
		if err != nil {
			return err
		}
		tr.Aborted = cur.Aborted
		etag, err = o.model.UpdateTransition(tr, curEtag)
		if err != nil {
			return err
		}
		if tr.Aborted {
			logger.Info().Msg("transition aborted mid-flight")
			break
		}
		if o.ctx.Err() != nil {
			// Shutdown: leave the row unfinished for the next run.
			return nil
		}
	}

	fin := time.Now()
	tr.Finished = &fin
	if _, err := o.model.UpdateTransition(tr, etag); err != nil {
		return err
	}
	o.finishUp(tr, cfg)
	return nil
}

// resolveTargets maps the transition's pending compute nodes to their PIV
// and recovery tokens, creating missing recovery tokens and short-circuiting
// nodes whose token already satisfies the transition. Vanished PIV tokens
// are completed with an error so the row can still finish.
func (o *Orchestrator) resolveTargets(tr *types.Transition, cfg *types.RecoveryConfiguration) ([]target, error) {
	pending := tr.Pending()
	if len(pending) == 0 {
		return nil, nil
	}

	fleet, err := o.model.ListByCN(pending)
	if err != nil {
		return nil, err
	}
	byCN := make(map[string]*types.PIVToken, len(fleet))
	for _, p := range fleet {
		byCN[p.CNUUID] = p
	}

	var targets []target
	for _, cn := range pending {
		piv, ok := byCN[cn]
		if !ok {
			tr.Completed = append(tr.Completed, cn)
			tr.Errs = append(tr.Errs, types.TargetError{
				Target:  cn,
				Code:    "PIVTokenMissing",
				Message: "no pivtoken for compute node",
			})
			continue
		}

		rt, err := o.model.FindOrCreateToken(piv.GUID, cfg)
		if err != nil {
			return nil, err
		}
		if rt.Satisfies(tr.Name) {
			tr.Completed = append(tr.Completed, cn)
			continue
		}
		targets = append(targets, target{cn: cn, token: piv, rt: rt})
	}
	return targets, nil
}

// runBatch drives one slice of targets in parallel and returns the task ids
// issued and the per-target errors. Per-target failures never fail the
// batch; errs is the source of truth.
func (o *Orchestrator) runBatch(slice []target, tr *types.Transition, cfg *types.RecoveryConfiguration) ([]string, []types.TargetError) {
	taskIDs := make([]string, len(slice))
	targetErrs := make([]types.TargetError, len(slice))

	g, ctx := errgroup.WithContext(o.ctx)
	for i, tgt := range slice {
		i, tgt := i, tgt
		g.Go(func() error {
			id, terr := o.runTarget(ctx, tgt, tr, cfg)
			taskIDs[i] = id
			targetErrs[i] = terr
			return nil
		})
	}
	_ = g.Wait()

	var ids []string
	for _, id := range taskIDs {
		if id != "" {
			ids = append(ids, id)
		}
	}
	var errs []types.TargetError
	for _, e := range targetErrs {
		if !e.IsZero() {
			errs = append(errs, e)
			metrics.AgentTaskErrors.Inc()
		}
	}
	return ids, errs
}

// runTarget submits one task, waits on it and, on success, moves the
// recovery token into the transition's target state.
func (o *Orchestrator) runTarget(ctx context.Context, tgt target, tr *types.Transition, cfg *types.RecoveryConfiguration) (string, types.TargetError) {
	taskID, err := o.exec.SubmitTask(ctx, tgt.cn, agent.TaskRequest{
		Action:       string(tr.Name),
		PIVToken:     tgt.token.GUID,
		RecoveryUUID: tgt.rt.UUID,
		Template:     cfg.Template,
		Token:        tgt.rt.Token,
	})
	if err != nil {
		return "", types.TargetError{Target: tgt.cn, Code: "TaskSubmitFailed", Message: err.Error()}
	}
	metrics.AgentTasksSubmitted.Inc()

	waitCtx, cancel := context.WithTimeout(ctx, agent.WaitDeadline)
	defer cancel()
	task, err := o.exec.WaitTask(waitCtx, tgt.cn, taskID)
	if err != nil {
		return taskID, types.TargetError{Target: tgt.cn, Code: "TaskWaitFailed", Message: err.Error()}
	}
	if task.Status != agent.StateComplete {
		msg := task.ErrorMsg
		if msg == "" {
			msg = fmt.Sprintf("task ended %s", task.Status)
		}
		return taskID, types.TargetError{Target: tgt.cn, Code: "TaskFailed", Message: msg}
	}

	rt, rtEtag, err := o.model.GetRecoveryToken(tgt.rt.UUID)
	if err != nil {
		return taskID, types.TargetError{Target: tgt.cn, Code: "TokenUpdateFailed", Message: err.Error()}
	}
	if _, err := o.model.ApplyTokenTransition(rt, rtEtag, tr.Name); err != nil {
		return taskID, types.TargetError{Target: tgt.cn, Code: "TokenUpdateFailed", Message: err.Error()}
	}
	return taskID, types.TargetError{}
}

// finishUp advances the configuration when the whole fleet succeeded, then
// runs the unused-configuration sweep.
func (o *Orchestrator) finishUp(tr *types.Transition, cfg *types.RecoveryConfiguration) {
	logger := log.WithTransitionUUID(tr.UUID)

	result := "ok"
	switch {
	case tr.Aborted:
		result = "aborted"
	case len(tr.RealErrs()) > 0:
		result = "failed"
	}
	metrics.TransitionsFinished.WithLabelValues(result).Inc()

	if result == "ok" && !tr.Standalone {
		// Re-read for a fresh etag; the configuration may have moved since
		// pickup.
		cur, curEtag, err := o.model.GetConfig(cfg.UUID)
		if err != nil {
			logger.Error().Err(err).Msg("failed to reload configuration for advance")
		} else if _, err := o.model.AdvanceConfig(cur, curEtag, tr.Name); err != nil {
			logger.Error().Err(err).Msg("failed to advance configuration")
		}
	}
	if o.broker != nil {
		evType := events.EventTransitionFinished
		if tr.Aborted {
			evType = events.EventTransitionAborted
		}
		o.broker.Publish(evType, string(tr.Name), map[string]string{
			"transition":             tr.UUID,
			"recovery_configuration": tr.RecoveryConfigUUID,
			"result":                 result,
		})
	}

	logger.Info().
		Str("name", string(tr.Name)).
		Str("result", result).
		Int("completed", len(tr.Completed)).
		Int("errs", len(tr.RealErrs())).
		Msg("transition finished")

	o.sweep()
}

// sweep auto-expires configurations whose recovery tokens are all expired.
func (o *Orchestrator) sweep() {
	swept, err := o.model.ExpireUnusedConfigs()
	if err != nil {
		logger := log.WithComponent("orchestrator")
		logger.Error().Err(err).Msg("fleet sweep failed")
		return
	}
	if len(swept) > 0 {
		metrics.ConfigsSwept.Add(float64(len(swept)))
		logger := log.WithComponent("orchestrator")
		logger.Info().
			Strs("configurations", swept).
			Msg("expired unused configurations")
	}
}
