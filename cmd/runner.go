package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/compete-cli/internal/model"
	"github.com/sells-group/compete-cli/internal/orchestrator"
	"github.com/sells-group/compete-cli/internal/progress"
	"github.com/sells-group/compete-cli/internal/store"
)

// finishTimeout bounds the write that records a run's outcome. The write
// runs detached from the caller so a disconnected client cannot lose it.
const finishTimeout = 30 * time.Second

// runService ties orchestrator runs to their persisted records.
type runService struct {
	store store.Store
	orch  *orchestrator.Orchestrator
}

// start validates req, persists a new run and prepares it for execution.
// Validation errors are returned before anything is stored; a preflight
// failure is recorded on the stored run and returned.
func (s *runService) start(ctx context.Context, req model.Request) (*orchestrator.Run, error) {
	if err := s.orch.Validate(req); err != nil {
		return nil, err
	}
	req = s.orch.Cap(req)

	// Created as running so queue workers never claim it.
	rec, err := s.store.CreateRun(ctx, req, model.RunStatusRunning)
	if err != nil {
		return nil, eris.Wrap(err, "create run")
	}
	return s.prepare(ctx, rec)
}

// enqueue validates req and stores it as a queued run for the worker.
func (s *runService) enqueue(ctx context.Context, req model.Request) (*model.Run, error) {
	if err := s.orch.Validate(req); err != nil {
		return nil, err
	}
	req = s.orch.Cap(req)
	rec, err := s.store.CreateRun(ctx, req, model.RunStatusQueued)
	if err != nil {
		return nil, eris.Wrap(err, "enqueue run")
	}
	zap.L().Info("run queued",
		zap.String("run_id", rec.ID),
		zap.Int("competitors", len(req.Competitors)),
	)
	return rec, nil
}

func (s *runService) prepare(ctx context.Context, rec *model.Run) (*orchestrator.Run, error) {
	run, err := s.orch.PrepareWithID(ctx, rec.ID, rec.Request)
	if err != nil {
		s.finish(rec.ID, model.RunStatusFailed, nil, err.Error())
		return nil, err
	}
	return run, nil
}

// execute runs a prepared run against sink and records its outcome.
func (s *runService) execute(ctx context.Context, run *orchestrator.Run, sink progress.Sink) *orchestrator.Outcome {
	out := run.Execute(ctx, sink)

	errMsg := ""
	if out.Err != nil {
		errMsg = out.Err.Error()
	}
	s.finish(out.RunID, out.State.Status(), out.RunResult(), errMsg)

	zap.L().Info("run finished",
		zap.String("run_id", out.RunID),
		zap.String("state", out.State.String()),
		zap.Int("successful", out.Summary.SuccessfulAnalyses),
		zap.Int("total", out.Summary.TotalCompetitors),
		zap.Float64("total_cost", out.Summary.TotalCost),
		zap.Bool("cached", out.Cached),
	)
	return out
}

func (s *runService) finish(runID string, status model.RunStatus, result *model.RunResult, errMsg string) {
	ctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()
	if err := s.store.FinishRun(ctx, runID, status, result, errMsg); err != nil {
		zap.L().Error("record run outcome",
			zap.String("run_id", runID),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
}

// processNext claims the oldest queued run and executes it. It reports
// false when the queue was empty.
func (s *runService) processNext(ctx context.Context) (bool, error) {
	rec, err := s.store.ClaimQueuedRun(ctx)
	if err != nil {
		return false, eris.Wrap(err, "claim queued run")
	}
	if rec == nil {
		return false, nil
	}

	log := zap.L().With(zap.String("run_id", rec.ID))
	log.Info("worker: run claimed", zap.Int("competitors", len(rec.Request.Competitors)))

	run, err := s.prepare(ctx, rec)
	if err != nil {
		log.Warn("worker: prepare failed", zap.Error(err))
		return true, nil
	}

	s.execute(ctx, run, progress.FuncSink(func(env model.Envelope) error {
		log.Debug("worker: event",
			zap.String("type", string(env.Type)),
			zap.Float64("progress", env.Progress),
			zap.String("message", env.Message),
		)
		return nil
	}))
	return true, nil
}

// work polls the queue until ctx is done, draining it before each sleep.
func (s *runService) work(ctx context.Context, id int, interval time.Duration) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	log := zap.L().With(zap.Int("worker", id))
	log.Info("worker: started", zap.Duration("poll_interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		for {
			found, err := s.processNext(ctx)
			if err != nil {
				log.Warn("worker: poll failed", zap.Error(err))
				break
			}
			if !found || ctx.Err() != nil {
				break
			}
		}

		select {
		case <-ctx.Done():
			log.Info("worker: stopped")
			return
		case <-ticker.C:
		}
	}
}
