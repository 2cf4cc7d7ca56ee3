package asyncx

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

// DefaultTaskType is the asynq task type used for submitted payloads.
const DefaultTaskType = "asyncx:run"

// queuedPayload is the asynq payload. The task id travels with it so the
// processor writes to the registry entry created by Submit.
type queuedPayload struct {
	TaskID  string `json:"task_id"`
	Payload []byte `json:"payload"`
}

// QueueClient is a Dispatcher that enqueues tasks on asynq instead of
// starting them in-process. A Processor sharing the same Store runs them.
type QueueClient struct {
	client   *asynq.Client
	queue    string
	taskType string
}

type ClientOptions struct {
	Queue    string
	TaskType string
}

func NewQueueClient(redisOpt asynq.RedisClientOpt, opts ClientOptions) *QueueClient {
	q := opts.Queue
	if q == "" {
		q = "default"
	}
	tt := opts.TaskType
	if tt == "" {
		tt = DefaultTaskType
	}
	return &QueueClient{
		client:   asynq.NewClient(redisOpt),
		queue:    q,
		taskType: tt,
	}
}

// Dispatch enqueues the payload under the registry's task id. The queue
// never retries: a failed run is terminal.
func (c *QueueClient) Dispatch(ctx context.Context, taskID string, payload []byte) error {
	if c.client == nil {
		return fmt.Errorf("nil asynq client")
	}
	body, err := json.Marshal(queuedPayload{TaskID: taskID, Payload: payload})
	if err != nil {
		return err
	}
	t := asynq.NewTask(c.taskType, body)
	_, err = c.client.EnqueueContext(ctx, t,
		asynq.TaskID(taskID),
		asynq.Queue(c.queue),
		asynq.MaxRetry(0),
	)
	return err
}

func (c *QueueClient) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}
