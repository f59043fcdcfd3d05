// Package publishing holds what the document-published and
// document-updated job workers share: the admission contract and the job
// plumbing around it.
package publishing

import (
	"context"
	"time"

	apperrors "publish-dispatch/internal/common/errors"
	"publish-dispatch/internal/common/logger"
	"publish-dispatch/internal/common/metrics"
	"publish-dispatch/internal/common/observability"
	"publish-dispatch/internal/dispatch"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"
)

// Admitter is the transition guard as seen by an inbound worker.
type Admitter interface {
	Admit(ctx context.Context, change dispatch.Change) (*dispatch.Admission, error)
}

// Output is the variable set a completed job hands back to the process.
type Output struct {
	DispatchRequestID string `json:"dispatchRequestId,omitempty"`
	Admitted          bool   `json:"admitted"`
	Duplicate         bool   `json:"duplicate"`
	Reason            string `json:"reason,omitempty"`
}

func NewOutput(adm *dispatch.Admission) *Output {
	out := &Output{
		Admitted:  adm.Admitted,
		Duplicate: adm.Duplicate,
		Reason:    adm.Reason,
	}
	if adm.Request != nil {
		out.DispatchRequestID = adm.Request.ID.String()
	}
	return out
}

// Runner executes one job body and reports the result to the broker.
type Runner struct {
	TaskType   string
	Timeout    time.Duration
	Obs        *observability.Observability
	Logger     logger.Logger
	errHandler *apperrors.ErrorHandler
}

func NewRunner(taskType string, timeout time.Duration, obs *observability.Observability, log logger.Logger) *Runner {
	log = log.WithFields(map[string]interface{}{"taskType": taskType})
	return &Runner{
		TaskType:   taskType,
		Timeout:    timeout,
		Obs:        obs,
		Logger:     log,
		errHandler: apperrors.NewErrorHandler(log),
	}
}

// Run completes the job with exec's output, or hands the error to the
// Zeebe error handler: retryable errors fail the job with retries, the
// rest throw a BPMN error.
func (r *Runner) Run(client worker.JobClient, job entities.Job, exec func(ctx context.Context, raw []byte) (*Output, error)) {
	start := time.Now()
	log := r.Logger.WithFields(map[string]interface{}{
		"jobKey":             job.Key,
		"processInstanceKey": job.ProcessInstanceKey,
	})
	log.Info("processing job", nil)

	ctx, cancel := context.WithTimeout(context.Background(), r.Timeout)
	defer cancel()

	output, err := exec(ctx, []byte(job.Variables))
	metrics.WorkerJobDuration.WithLabelValues(r.TaskType).Observe(time.Since(start).Seconds())

	if err != nil {
		code := string(apperrors.Normalize(err).Code)
		metrics.WorkerJobsFailed.WithLabelValues(r.TaskType, code).Inc()
		r.Obs.RecordJobProcessed(ctx, "error")
		r.Obs.RecordJobDuration(ctx, time.Since(start), "error")
		r.errHandler.HandleJobError(ctx, client, job, err)
		return
	}

	cmd, err := client.NewCompleteJobCommand().JobKey(job.Key).VariablesFromObject(output)
	if err != nil {
		log.Error("failed to create complete job command", map[string]interface{}{"error": err})
		return
	}
	if _, err := cmd.Send(ctx); err != nil {
		log.Error("failed to send complete job command", map[string]interface{}{"error": err})
		return
	}

	metrics.WorkerJobsCompleted.WithLabelValues(r.TaskType).Inc()
	r.Obs.RecordJobProcessed(ctx, "success")
	r.Obs.RecordJobDuration(ctx, time.Since(start), "success")
	log.Info("job completed", map[string]interface{}{
		"admitted":          output.Admitted,
		"duplicate":         output.Duplicate,
		"dispatchRequestId": output.DispatchRequestID,
	})
}
