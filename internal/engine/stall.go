package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/flowline/internal/observability"
	"github.com/pitabwire/flowline/model"
)

// StallMonitor periodically scans for active flows whose pending task has sat
// unactioned beyond a threshold and marks them stalled. A stalled flow is not
// dead: completing its pending task moves it back to active.
type StallMonitor struct {
	store     Store
	templates TemplateSource
	after     time.Duration
	interval  time.Duration
	logger    *zap.Logger
	metrics   *observability.Metrics
}

// NewStallMonitor creates a monitor that flags flows whose pending task is
// older than after, sweeping every interval.
func NewStallMonitor(store Store, templates TemplateSource, after, interval time.Duration, opts ...MonitorOption) *StallMonitor {
	m := &StallMonitor{
		store:     store,
		templates: templates,
		after:     after,
		interval:  interval,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// MonitorOption configures a StallMonitor.
type MonitorOption func(*StallMonitor)

// WithMonitorLogger sets the monitor logger.
func WithMonitorLogger(l *zap.Logger) MonitorOption {
	return func(m *StallMonitor) { m.logger = l }
}

// WithMonitorMetrics sets the metrics instruments the monitor records into.
func WithMonitorMetrics(mx *observability.Metrics) MonitorOption {
	return func(m *StallMonitor) { m.metrics = mx }
}

// Run sweeps on a ticker until the context is cancelled. Intended to be
// launched as a goroutine from main.
func (m *StallMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info("stall monitor started",
		zap.Duration("stall_after", m.after),
		zap.Duration("interval", m.interval),
	)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("stall monitor stopped")
			return
		case <-ticker.C:
			if n, err := m.Sweep(ctx); err != nil {
				m.logger.Error("stall sweep failed", zap.Error(err))
			} else if n > 0 {
				m.logger.Info("stall sweep marked flows", zap.Int("stalled", n))
			}
		}
	}
}

// Sweep runs one scan and returns how many flows it marked stalled. Each
// candidate is re-checked under a row lock: a flow that advanced between the
// scan and the lock is skipped, so a racing completion always wins.
func (m *StallMonitor) Sweep(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-m.after)
	candidates, err := m.store.StallCandidates(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	stalled := 0
	for _, candidate := range candidates {
		err := m.store.ExecTx(ctx, func(ctx context.Context, tx Tx) error {
			inst, err := tx.GetInstanceForUpdate(ctx, candidate.ID)
			if err != nil || inst.Status != model.FlowStatusActive {
				return nil
			}
			task, err := tx.GetPendingTaskForUpdate(ctx, inst.ID)
			if err != nil || !task.AssignedAt.Before(cutoff) {
				return nil
			}

			now := time.Now().UTC()
			inst.Status = model.FlowStatusStalled
			inst.UpdatedAt = now
			if err := tx.UpdateInstance(ctx, inst); err != nil {
				return err
			}

			stageName := ""
			if tpl, err := m.templates.Get(ctx, inst.TemplateID); err == nil {
				if stage := tpl.StageByID(inst.CurrentStageID); stage != nil {
					stageName = stage.Name
				}
			}
			if err := tx.AppendLog(ctx, newLog(inst.ID, model.ActivityFlowStalled, "", map[string]any{
				"stage_id":      inst.CurrentStageID,
				"stage_name":    stageName,
				"assignee_id":   task.AssigneeID,
				"pending_since": task.AssignedAt.Format(time.RFC3339),
			})); err != nil {
				return err
			}

			stalled++
			if m.metrics != nil {
				m.metrics.FlowStallsTotal.WithLabelValues(inst.TemplateID).Inc()
			}
			m.logger.Warn("flow marked stalled",
				zap.String("flow_instance_id", inst.ID),
				zap.String("stage_id", inst.CurrentStageID),
				zap.Time("pending_since", task.AssignedAt),
			)
			return nil
		})
		if err != nil {
			return stalled, err
		}
	}
	return stalled, nil
}
