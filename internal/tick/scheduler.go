// Package tick drives the dispatch runtime's periodic housekeeping sweep —
// the review-loop and stalled-task guards that ingestReviewer already
// applies inline on each turn, re-checked on a timer so a run nobody
// dispatches into after crossing a threshold still gets halted. It mirrors
// the teacher's old scheduler-tick-as-Temporal-workflow design
// (DispatcherWorkflow/DispatchActivities, registered on a worker.Worker),
// generalized from "scan for ready tasks and start child workflows" to
// "call runtime.Manager.Sweep on an interval". The durable system of
// record stays the event stream/snapshot store; Temporal here is only the
// heartbeat.
package tick

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/madebymlai/spec-context-mcp/internal/runtime"
)

// ScheduleID is the fixed Temporal Schedule id the scheduler creates (or
// finds already created by a prior instance) to drive HousekeepingWorkflow.
const ScheduleID = "dispatchd-housekeeping"

// DefaultTaskQueue is used when a Config leaves TaskQueue empty.
const DefaultTaskQueue = "dispatchd-tick-queue"

// HousekeepingWorkflowName is registered under this name so dctl and other
// operator tooling can start/query it without importing this package.
const HousekeepingWorkflowName = "HousekeepingWorkflow"

// Activities bundles the runtime manager a SweepActivity needs. Kept as a
// separate, narrow struct — mirroring the teacher's DispatchActivities —
// since the tick worker needs only the manager, not the runtime's full
// dependency graph.
type Activities struct {
	Manager *runtime.Manager
}

// SweepActivity re-evaluates every non-terminal run's halt guards.
func (a *Activities) SweepActivity(ctx context.Context) (runtime.Response, error) {
	resp := a.Manager.Sweep(ctx)
	if !resp.Success {
		return resp, fmt.Errorf("sweep: %s", resp.Message)
	}
	return resp, nil
}

// HousekeepingWorkflow calls SweepActivity once. It is designed to run on a
// Temporal Schedule at General.TickInterval, not to loop internally —
// exactly the teacher's DispatcherWorkflow shape.
func HousekeepingWorkflow(ctx workflow.Context, _ struct{}) error {
	logger := workflow.GetLogger(ctx)

	ao := workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 2},
	}
	actCtx := workflow.WithActivityOptions(ctx, ao)

	var a *Activities
	var result runtime.Response
	if err := workflow.ExecuteActivity(actCtx, a.SweepActivity).Get(ctx, &result); err != nil {
		logger.Error("housekeeping sweep failed", "error", err)
		return fmt.Errorf("sweep activity: %w", err)
	}
	logger.Debug("housekeeping sweep complete", "message", result.Message)
	return nil
}

// Config configures the scheduler's connection to Temporal. HostPort empty
// means "run the ticker fallback instead".
type Config struct {
	HostPort     string
	Namespace    string
	TaskQueue    string
	TickInterval time.Duration
}

// Scheduler drives HousekeepingWorkflow either via a Temporal worker+client
// (durable, visible in the Temporal UI) or, when no Temporal endpoint is
// configured, a plain time.Ticker loop calling Sweep directly in-process.
type Scheduler struct {
	cfg     Config
	manager *runtime.Manager
	logger  *slog.Logger

	temporalClient client.Client
	worker         worker.Worker
}

// New constructs a Scheduler. It does not start anything — call Run.
func New(cfg Config, manager *runtime.Manager, logger *slog.Logger) *Scheduler {
	if cfg.TaskQueue == "" {
		cfg.TaskQueue = DefaultTaskQueue
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{cfg: cfg, manager: manager, logger: logger}
}

// Run blocks until ctx is canceled, driving sweeps on the configured
// cadence. It chooses the Temporal-backed path when HostPort is set and
// falls back to the ticker otherwise.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.cfg.HostPort == "" {
		return s.runTicker(ctx)
	}
	return s.runTemporal(ctx)
}

func (s *Scheduler) runTicker(ctx context.Context) error {
	s.logger.Info("tick: no temporal host configured, falling back to ticker", "interval", s.cfg.TickInterval)
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			resp := s.manager.Sweep(ctx)
			if !resp.Success {
				s.logger.Error("tick: sweep failed", "error", resp.Message)
				continue
			}
			s.logger.Debug("tick: sweep complete", "data", resp.Data)
		}
	}
}

// ensureSchedule creates the Temporal Schedule that drives HousekeepingWorkflow
// on the configured tick interval, skipping overlapping runs rather than
// queuing them. A schedule already created by a previous dispatchd instance
// is left untouched. Runs a few seconds after the worker starts, mirroring
// the teacher's own "let the worker register workflows before we start
// schedules" ordering.
func (s *Scheduler) ensureSchedule(ctx context.Context, c client.Client) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(5 * time.Second):
	}

	sched := c.ScheduleClient()
	_, err := sched.Create(ctx, client.ScheduleOptions{
		ID: ScheduleID,
		Spec: client.ScheduleSpec{
			Intervals: []client.ScheduleIntervalSpec{{Every: s.cfg.TickInterval}},
		},
		Action: &client.ScheduleWorkflowAction{
			Workflow:  HousekeepingWorkflow,
			Args:      []interface{}{struct{}{}},
			TaskQueue: s.cfg.TaskQueue,
			ID:        "housekeeping",
		},
		Overlap: enumspb.SCHEDULE_OVERLAP_POLICY_SKIP,
	})
	if err == nil {
		s.logger.Info("tick: created housekeeping schedule", "interval", s.cfg.TickInterval)
		return
	}

	var alreadyExists *serviceerror.WorkflowExecutionAlreadyStarted
	switch {
	case errors.As(err, &alreadyExists):
	case strings.Contains(err.Error(), "already exists"), strings.Contains(err.Error(), "AlreadyExists"):
	default:
		s.logger.Error("tick: failed to create housekeeping schedule", "error", err)
		return
	}
	s.logger.Info("tick: housekeeping schedule already exists", "interval", s.cfg.TickInterval)
}

func (s *Scheduler) runTemporal(ctx context.Context) error {
	c, err := client.Dial(client.Options{
		HostPort:  s.cfg.HostPort,
		Namespace: s.cfg.Namespace,
	})
	if err != nil {
		return fmt.Errorf("tick: dial temporal: %w", err)
	}
	s.temporalClient = c
	defer c.Close()

	w := worker.New(c, s.cfg.TaskQueue, worker.Options{})
	s.worker = w

	acts := &Activities{Manager: s.manager}
	w.RegisterWorkflow(HousekeepingWorkflow)
	w.RegisterActivity(acts.SweepActivity)

	s.logger.Info("tick: starting temporal worker", "task_queue", s.cfg.TaskQueue)

	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(worker.InterruptCh()) }()

	go s.ensureSchedule(ctx, c)

	select {
	case <-ctx.Done():
		w.Stop()
		return nil
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("tick: worker run: %w", err)
		}
		return nil
	}
}
