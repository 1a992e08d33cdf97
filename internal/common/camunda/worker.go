package camunda

import (
	"context"
	"time"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"
	"github.com/camunda/zeebe/clients/go/v8/pkg/zbc"

	"onboarding-crm/internal/common/errors"
	"onboarding-crm/internal/common/logger"
	"onboarding-crm/internal/common/metrics"
	"onboarding-crm/internal/common/observability"
)

// JobHandler processes one activated job and completes it itself. A returned
// error fails or throws the job through the error handler.
type JobHandler interface {
	Handle(ctx context.Context, client worker.JobClient, job entities.Job) error
}

type CamundaWorker struct {
	worker   worker.JobWorker
	logger   logger.Logger
	taskType string
}

// NewWorker opens a job worker for taskType and starts polling.
func NewWorker(
	client zbc.Client,
	taskType string,
	maxJobsActive int,
	timeout time.Duration,
	handler JobHandler,
	obs *observability.Observability,
	log logger.Logger,
) *CamundaWorker {
	log = log.WithFields(map[string]interface{}{"taskType": taskType})
	errHandler := errors.NewErrorHandler(log)

	jobWorker := client.NewJobWorker().
		JobType(taskType).
		Handler(func(jc worker.JobClient, job entities.Job) {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			start := time.Now()
			err := handler.Handle(ctx, jc, job)
			metrics.WorkerJobDuration.WithLabelValues(taskType).Observe(time.Since(start).Seconds())
			if err != nil {
				code := string(errors.ErrCodeInternal)
				if stdErr, ok := errors.As(err); ok {
					code = string(stdErr.Code)
				}
				metrics.WorkerJobsFailed.WithLabelValues(taskType, code).Inc()
				obs.RecordJob(ctx, taskType, "failed", time.Since(start))
				errHandler.HandleJobError(ctx, jc, job, err)
				return
			}
			metrics.WorkerJobsCompleted.WithLabelValues(taskType).Inc()
			obs.RecordJob(ctx, taskType, "completed", time.Since(start))
		}).
		MaxJobsActive(maxJobsActive).
		Timeout(timeout).
		Open()

	log.Info("worker started", nil)
	return &CamundaWorker{worker: jobWorker, logger: log, taskType: taskType}
}

// Stop closes the job worker and waits for it to drain.
func (w *CamundaWorker) Stop() {
	w.logger.Info("stopping worker", nil)
	w.worker.Close()
	w.worker.AwaitClose()
}
