package task

import (
	"context"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
)

var taskOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "worker_tasks_processed_total",
	Help: "Tasks handled by the worker, by type and outcome.",
}, []string{"task_type", "outcome"})

func init() {
	prometheus.MustRegister(taskOutcomes)
}

func countOutcome(next asynq.Handler) asynq.Handler {
	return asynq.HandlerFunc(func(ctx context.Context, t *asynq.Task) error {
		err := next.ProcessTask(ctx, t)
		outcome := "success"
		if err != nil {
			outcome = "failure"
		}
		taskOutcomes.WithLabelValues(t.Type(), outcome).Inc()
		return err
	})
}
