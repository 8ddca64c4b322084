package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/duropiri/novai-sub001/internal/job"
)

// setupQoS caps unacknowledged deliveries per consumer so a slow worker
// does not hoard messages.
func (w *Worker) setupQoS() error {
	channel := w.rabbitClient.GetChannel()
	if channel == nil {
		return fmt.Errorf("rabbitmq channel is nil")
	}

	if err := channel.Qos(w.prefetchCount, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	w.logger.Info("RabbitMQ QoS configured",
		slog.Int("prefetch_count", w.prefetchCount),
	)
	return nil
}

// dispatch reads one partition's deliveries, validates them, and hands them
// to the worker pool.
func (w *Worker) dispatch(ctx context.Context, partition string, deliveries <-chan amqp.Delivery) {
	defer w.wg.Done()

	w.logger.Info("Message dispatcher started",
		slog.String("worker_id", w.workerID),
		slog.String("partition", partition),
	)

	for {
		select {
		case <-w.stopChan:
			w.logger.Info("Message dispatcher stopped",
				slog.String("partition", partition),
			)
			return

		case <-ctx.Done():
			w.logger.Info("Message dispatcher stopped - context canceled",
				slog.String("partition", partition),
			)
			return

		case delivery, ok := <-deliveries:
			if !ok {
				w.logger.Warn("RabbitMQ delivery channel closed",
					slog.String("partition", partition),
				)
				return
			}

			var msg job.Message
			if err := json.Unmarshal(delivery.Body, &msg); err != nil {
				w.logger.Error("Failed to parse message JSON",
					slog.String("partition", partition),
					slog.Any("error", err),
					slog.String("body", string(delivery.Body)),
				)
				// Malformed messages can never succeed; drop without requeue.
				w.nack(delivery.DeliveryTag, false)
				continue
			}

			if _, err := uuid.Parse(msg.JobID); err != nil {
				w.logger.Error("Invalid job_id in message",
					slog.String("partition", partition),
					slog.String("job_id", msg.JobID),
					slog.Any("error", err),
				)
				w.nack(delivery.DeliveryTag, false)
				continue
			}

			msg.DeliveryTag = delivery.DeliveryTag

			select {
			case w.jobsChan <- &msg:
				w.logger.Debug("Job dispatched to worker pool",
					slog.String("job_id", msg.JobID),
					slog.Uint64("delivery_tag", delivery.DeliveryTag),
				)
			case <-w.stopChan:
				// Requeue so another worker picks it up after shutdown.
				w.nack(delivery.DeliveryTag, true)
				return
			case <-ctx.Done():
				w.nack(delivery.DeliveryTag, true)
				return
			}
		}
	}
}

func (w *Worker) ack(deliveryTag uint64) {
	channel := w.rabbitClient.GetChannel()
	if channel == nil {
		w.logger.Error("Failed to get RabbitMQ channel for ACK",
			slog.Uint64("delivery_tag", deliveryTag),
		)
		return
	}
	if err := channel.Ack(deliveryTag, false); err != nil {
		w.logger.Error("Failed to ACK message",
			slog.Uint64("delivery_tag", deliveryTag),
			slog.Any("error", err),
		)
	}
}

func (w *Worker) nack(deliveryTag uint64, requeue bool) {
	channel := w.rabbitClient.GetChannel()
	if channel == nil {
		w.logger.Error("Failed to get RabbitMQ channel for NACK",
			slog.Uint64("delivery_tag", deliveryTag),
		)
		return
	}
	if err := channel.Nack(deliveryTag, false, requeue); err != nil {
		w.logger.Error("Failed to NACK message",
			slog.Uint64("delivery_tag", deliveryTag),
			slog.Bool("requeue", requeue),
			slog.Any("error", err),
		)
	}
}
