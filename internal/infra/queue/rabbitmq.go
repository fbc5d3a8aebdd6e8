package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"paper-digest-bot/internal/domain"
	"paper-digest-bot/internal/infra/metrics"
)

// RabbitRecommendationQueue реализует очередь задач через AMQP.
type RabbitRecommendationQueue struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string

	mu         sync.Mutex
	deliveries <-chan amqp.Delivery
}

// NewRabbitRecommendationQueue подключается к RabbitMQ и объявляет durable-очередь.
func NewRabbitRecommendationQueue(amqpURL, queue string) (*RabbitRecommendationQueue, error) {
	if amqpURL == "" {
		return nil, errors.New("amqp url is empty")
	}
	if queue == "" {
		return nil, errors.New("queue name is empty")
	}
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare queue %q: %w", queue, err)
	}
	if err := ch.Qos(1, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}
	return &RabbitRecommendationQueue{conn: conn, ch: ch, queue: queue}, nil
}

// Enqueue публикует задачу в очередь.
func (q *RabbitRecommendationQueue) Enqueue(ctx context.Context, job domain.RecommendationJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	start := time.Now()
	err = q.ch.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         payload,
	})
	metrics.ObserveNetworkRequest("rabbitmq", "publish", q.queue, start, err)
	if err != nil {
		return fmt.Errorf("publish job: %w", err)
	}
	return nil
}

// Receive блокирующе читает одну задачу из очереди.
// Возвращённый ack должен быть вызван ровно один раз.
func (q *RabbitRecommendationQueue) Receive(ctx context.Context) (domain.RecommendationJob, domain.RecommendationAckFunc, error) {
	deliveries, err := q.consumer()
	if err != nil {
		return domain.RecommendationJob{}, nil, err
	}
	select {
	case <-ctx.Done():
		return domain.RecommendationJob{}, nil, ctx.Err()
	case d, ok := <-deliveries:
		if !ok {
			return domain.RecommendationJob{}, nil, errors.New("rabbitmq: consumer channel closed")
		}
		var job domain.RecommendationJob
		if err := json.Unmarshal(d.Body, &job); err != nil {
			// Непарсимое сообщение нет смысла возвращать в очередь.
			_ = d.Nack(false, false)
			return domain.RecommendationJob{}, nil, fmt.Errorf("decode job: %w", err)
		}
		ack := func(success bool) error {
			if success {
				return d.Ack(false)
			}
			return d.Nack(false, true)
		}
		return job, ack, nil
	}
}

func (q *RabbitRecommendationQueue) consumer() (<-chan amqp.Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.deliveries != nil {
		return q.deliveries, nil
	}
	deliveries, err := q.ch.Consume(q.queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume queue %q: %w", q.queue, err)
	}
	q.deliveries = deliveries
	return deliveries, nil
}

// Close закрывает канал и соединение.
func (q *RabbitRecommendationQueue) Close() error {
	if err := q.ch.Close(); err != nil {
		_ = q.conn.Close()
		return err
	}
	return q.conn.Close()
}
