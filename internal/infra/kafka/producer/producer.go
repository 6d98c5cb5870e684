package producer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	wbfkafka "github.com/wb-go/wbf/kafka"
	"github.com/wb-go/wbf/retry"

	"github.com/aliskhannn/zimage-server/internal/config"
	"github.com/aliskhannn/zimage-server/internal/model"
)

// Producer publishes job lifecycle events to Kafka for external consumers
// (audit, analytics). The event stream is an observer only; job state lives
// in the job store.
type Producer struct {
	Client   *wbfkafka.Producer
	strategy retry.Strategy
	cfg      *config.Kafka
}

// event is the wire shape of one status transition.
type event struct {
	JobID     string         `json:"job_id"`
	TaskType  model.TaskType `json:"task_type"`
	Status    model.Status   `json:"status"`
	Error     string         `json:"error,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// New creates a new Producer.
// - cfg: Kafka configuration struct
// - s: retry strategy
func New(cfg *config.Kafka, s retry.Strategy) *Producer {
	return &Producer{
		Client:   wbfkafka.NewProducer(cfg.Brokers, cfg.Topic),
		cfg:      cfg,
		strategy: s,
	}
}

// Produce serializes a status-transition event and sends it to Kafka. The
// job ID is used as the message key so all events of one job land on one
// partition, in order.
func (p *Producer) Produce(ctx context.Context, j model.Job) error {
	data, err := json.Marshal(event{
		JobID:     j.ID,
		TaskType:  j.TaskType,
		Status:    j.Status,
		Error:     j.Error,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := p.Client.SendWithRetry(ctx, p.strategy, []byte(j.ID), data); err != nil {
		return fmt.Errorf("failed to send event: %w", err)
	}

	return nil
}
