package queue

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
)

const MaxRetry = 5

type Client struct {
	client  *asynq.Client
	queue   string
	timeout time.Duration
}

// NewClient enqueues onto queueName. timeout bounds each task run and
// defaults to three minutes.
func NewClient(redisOpt asynq.RedisClientOpt, queueName string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 3 * time.Minute
	}
	return &Client{
		client:  asynq.NewClient(redisOpt),
		queue:   queueName,
		timeout: timeout,
	}
}

func (c *Client) EnqueueJob(ctx context.Context, payload JobPayload) (*asynq.TaskInfo, error) {
	task, err := NewJobTask(payload)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task, c.options(payload.JobID)...)
}

func (c *Client) options(jobID string) []asynq.Option {
	return []asynq.Option{
		asynq.Queue(c.queue),
		asynq.MaxRetry(MaxRetry),
		asynq.Timeout(c.timeout),
		asynq.TaskID(jobID),
	}
}

func (c *Client) Close() error {
	return c.client.Close()
}
