package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	log "github.com/sirupsen/logrus"

	"coralnet/internal/jobs"
	"coralnet/internal/tasks"
)

// Client enqueues job runs on asynq.
type Client struct {
	client   *asynq.Client
	maxRetry int
}

var _ jobs.Enqueuer = (*Client)(nil)

// NewClient creates a Client. maxRetry bounds asynq-level retries, which
// only happen when job bookkeeping itself fails.
func NewClient(opt asynq.RedisConnOpt, maxRetry int) *Client {
	return &Client{client: asynq.NewClient(opt), maxRetry: maxRetry}
}

func (c *Client) Close() error {
	return c.client.Close()
}

// EnqueueJob enqueues one run of req.JobName. The task id is derived from the
// Job id, so a job that is still queued is not queued twice.
func (c *Client) EnqueueJob(ctx context.Context, req jobs.EnqueueRequest) error {
	if c.client == nil {
		return fmt.Errorf("asynq client is not initialized")
	}
	data, err := EncodePayload(req.Args)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", req.JobName, err)
	}
	task := asynq.NewTask(tasks.TypeFor(req.JobName), data)

	opts := []asynq.Option{asynq.MaxRetry(c.maxRetry)}
	if req.JobID != 0 {
		opts = append(opts, asynq.TaskID(fmt.Sprintf("job-%d", req.JobID)))
	}
	if req.Queue != "" {
		opts = append(opts, asynq.Queue(req.Queue))
	}

	info, err := c.client.EnqueueContext(ctx, task, opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		log.Debugf("Job %d (%s) is already queued", req.JobID, req.JobName)
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue %s for job %d: %w", req.JobName, req.JobID, err)
	}
	log.Debugf("Enqueued %s for job %d on queue %s (task %s)", task.Type(), req.JobID, info.Queue, info.ID)
	return nil
}
