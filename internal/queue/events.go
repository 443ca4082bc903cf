package queue

import (
	"go.uber.org/zap"

	"github.com/spendwise-app/spendwise/internal/model"
)

// Events receives job lifecycle notifications from the broker's workers.
type Events interface {
	JobStarted(job *model.Job)
	JobCompleted(job *model.Job)
	// JobFailed fires on every failed attempt; willRetry distinguishes a
	// scheduled retry from terminal failure.
	JobFailed(job *model.Job, err error, willRetry bool)
}

// LogEvents is the default Events implementation, logging through the global
// zap logger.
type LogEvents struct{}

func (LogEvents) JobStarted(job *model.Job) {
	zap.L().Info("job started",
		zap.String("job_id", job.ID),
		zap.String("kind", string(job.Kind)),
		zap.Int("attempt", job.Attempt),
	)
}

func (LogEvents) JobCompleted(job *model.Job) {
	zap.L().Info("job completed",
		zap.String("job_id", job.ID),
		zap.String("kind", string(job.Kind)),
		zap.Int("attempt", job.Attempt),
	)
}

func (LogEvents) JobFailed(job *model.Job, err error, willRetry bool) {
	if willRetry {
		zap.L().Warn("job attempt failed, retry scheduled",
			zap.String("job_id", job.ID),
			zap.String("kind", string(job.Kind)),
			zap.Int("attempt", job.Attempt),
			zap.Int("max_attempts", job.MaxAttempts),
			zap.Error(err),
		)
		return
	}
	zap.L().Error("job failed permanently",
		zap.String("job_id", job.ID),
		zap.String("kind", string(job.Kind)),
		zap.Int("attempt", job.Attempt),
		zap.Error(err),
	)
}
