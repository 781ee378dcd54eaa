package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// RelocationTaskPublisher defines the interface for publishing image relocation tasks.
type RelocationTaskPublisher interface {
	PublishRelocationTask(ctx context.Context, payload RelocationTaskPayload) error
}

// ClientUpdatePublisher defines the interface for publishing client-facing story updates.
type ClientUpdatePublisher interface {
	PublishImageRelocated(ctx context.Context, payload ImageRelocatedPayload) error
}

// rabbitMQPublisher implements the publisher interfaces for RabbitMQ.
// Один экземпляр привязан к одной очереди; какой именно — решает конструктор.
type rabbitMQPublisher struct {
	channel   *amqp.Channel
	queueName string
	appID     string
	logger    *zap.Logger
}

// NewRabbitMQRelocationPublisher открывает канал и объявляет очередь задач
// релокации. Параметры очереди должны совпадать с параметрами консьюмера.
func NewRabbitMQRelocationPublisher(conn *amqp.Connection, queueName string, logger *zap.Logger) (RelocationTaskPublisher, error) {
	return newRabbitMQPublisher(conn, queueName, logger.Named("RelocationPublisher"))
}

// NewRabbitMQClientUpdatePublisher открывает канал и объявляет очередь
// клиентских обновлений, которую разбирает сервер.
func NewRabbitMQClientUpdatePublisher(conn *amqp.Connection, queueName string, logger *zap.Logger) (ClientUpdatePublisher, error) {
	return newRabbitMQPublisher(conn, queueName, logger.Named("ClientUpdatePublisher"))
}

func newRabbitMQPublisher(conn *amqp.Connection, queueName string, logger *zap.Logger) (*rabbitMQPublisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("publisher: не удалось открыть канал: %w", err)
	}
	_, err = ch.QueueDeclare(
		queueName, // name
		true,      // durable
		false,     // delete when unused
		false,     // exclusive
		false,     // no-wait
		nil,       // arguments
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("publisher: не удалось объявить очередь '%s': %w", queueName, err)
	}
	logger.Info("Queue declared", zap.String("queue", queueName))
	return &rabbitMQPublisher{
		channel:   ch,
		queueName: queueName,
		appID:     "storyteller-server",
		logger:    logger,
	}, nil
}

// PublishRelocationTask publishes an image relocation task.
// Одна попытка без ретраев: потерянная задача означает, что в истории
// останется временный URL, и ничего хуже.
func (p *rabbitMQPublisher) PublishRelocationTask(ctx context.Context, payload RelocationTaskPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("ошибка сериализации задачи релокации TaskID %s: %w", payload.TaskID, err)
	}
	if err := p.publishMessage(ctx, body); err != nil {
		p.logger.Error("Failed to publish relocation task",
			zap.String("task_id", payload.TaskID),
			zap.String("session_id", payload.SessionID),
			zap.Error(err))
		return fmt.Errorf("ошибка публикации задачи релокации TaskID %s: %w", payload.TaskID, err)
	}
	p.logger.Debug("Relocation task published",
		zap.String("task_id", payload.TaskID),
		zap.String("session_id", payload.SessionID),
		zap.Int("slot_index", payload.SlotIndex))
	return nil
}

// PublishImageRelocated publishes a story update for the client.
func (p *rabbitMQPublisher) PublishImageRelocated(ctx context.Context, payload ImageRelocatedPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("ошибка сериализации обновления для истории %s: %w", payload.SessionID, err)
	}
	if err := p.publishMessage(ctx, body); err != nil {
		p.logger.Error("Failed to publish client update",
			zap.String("session_id", payload.SessionID),
			zap.Error(err))
		return fmt.Errorf("ошибка публикации обновления для истории %s: %w", payload.SessionID, err)
	}
	p.logger.Debug("Client update published",
		zap.String("session_id", payload.SessionID),
		zap.Int("slot_index", payload.SlotIndex))
	return nil
}

func (p *rabbitMQPublisher) publishMessage(ctx context.Context, body []byte) error {
	if p.channel == nil {
		return errors.New("канал RabbitMQ не инициализирован")
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return p.channel.PublishWithContext(ctx,
		"",          // exchange (используем default)
		p.queueName, // routing key (имя очереди)
		false,       // mandatory
		false,       // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
			Timestamp:    time.Now(),
			AppId:        p.appID,
		},
	)
}
