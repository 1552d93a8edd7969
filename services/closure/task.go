package closure

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"mlm-backoffice/pkg/task"
	"mlm-backoffice/pkg/taskname"
)

type ClosePayload struct {
	PeriodID string    `json:"period_id"`
	At       time.Time `json:"at"`
}

// NewCloseTask builds the closure task for one period. The task id makes a
// second enqueue for the same period a no-op.
func NewCloseTask(p ClosePayload) (*asynq.Task, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskname.PeriodClose, payload,
		asynq.Queue(task.QueueCritical),
		asynq.TaskID(taskname.PeriodClose+":"+p.PeriodID),
		asynq.MaxRetry(5),
	), nil
}

func RegisterHandlers(mux *asynq.ServeMux, j *Job) {
	mux.HandleFunc(taskname.PeriodClose, j.HandleCloseTask)
}

// HandleCloseTask runs the closure for the instant carried by the task.
func (j *Job) HandleCloseTask(ctx context.Context, t *asynq.Task) error {
	var payload ClosePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		zap.L().Error("invalid period close payload", zap.Error(err))
		return err
	}
	if payload.At.IsZero() {
		payload.At = j.periods.Now()
	}

	report, err := j.Run(ctx, payload.At)
	if err != nil {
		return err
	}
	if len(report.Skipped) > 0 {
		zap.L().Warn("period closed with skipped members",
			zap.String("period_id", report.PeriodID),
			zap.Strings("member_ids", report.Skipped),
		)
	}
	return nil
}
