package messaging

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// ImageRelocatedNotifier доставляет обновление подписчику истории.
// Реализуется менеджером WebSocket соединений.
type ImageRelocatedNotifier interface {
	NotifyImageRelocated(sessionID string, slotIndex int, url string)
}

// ClientUpdateConsumer отвечает за получение клиентских обновлений из RabbitMQ
// и их доставку через WebSocket.
type ClientUpdateConsumer struct {
	conn      *amqp.Connection
	notifier  ImageRelocatedNotifier
	queueName string
	logger    *zap.Logger
}

// NewClientUpdateConsumer создает нового консьюмера клиентских обновлений.
func NewClientUpdateConsumer(conn *amqp.Connection, notifier ImageRelocatedNotifier, queueName string, logger *zap.Logger) *ClientUpdateConsumer {
	return &ClientUpdateConsumer{
		conn:      conn,
		notifier:  notifier,
		queueName: queueName,
		logger:    logger.Named("ClientUpdateConsumer"),
	}
}

// StartConsuming начинает прослушивание очереди обновлений.
// Блокирующая функция, запускается в отдельной горутине; завершается
// при отмене контекста или закрытии канала.
func (c *ClientUpdateConsumer) StartConsuming(ctx context.Context) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("не удалось открыть канал RabbitMQ: %w", err)
	}
	defer ch.Close()

	// Параметры очереди должны совпадать с паблишером (relocator)
	q, err := ch.QueueDeclare(
		c.queueName, // name
		true,        // durable
		false,       // delete when unused
		false,       // exclusive
		false,       // no-wait
		nil,         // arguments
	)
	if err != nil {
		return fmt.Errorf("не удалось объявить очередь '%s': %w", c.queueName, err)
	}

	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("не удалось установить QoS: %w", err)
	}

	msgs, err := ch.Consume(
		q.Name,
		"storyteller-server-updates", // consumer tag
		false,                        // auto-ack (подтверждаем вручную)
		false,                        // exclusive
		false,                        // no-local
		false,                        // no-wait
		nil,                          // args
	)
	if err != nil {
		return fmt.Errorf("не удалось зарегистрировать консьюмера: %w", err)
	}

	c.logger.Info("Client update consumer started", zap.String("queue", q.Name))

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Client update consumer stopping")
			return nil
		case d, ok := <-msgs:
			if !ok {
				c.logger.Warn("RabbitMQ message channel closed")
				return nil
			}
			c.handleDelivery(d)
		}
	}
}

func (c *ClientUpdateConsumer) handleDelivery(d amqp.Delivery) {
	var payload ImageRelocatedPayload
	if err := json.Unmarshal(d.Body, &payload); err != nil {
		c.logger.Error("Failed to unmarshal client update, dropping message", zap.Error(err))
		// Некорректное сообщение не станет корректным при повторной доставке
		_ = d.Nack(false, false)
		return
	}

	c.notifier.NotifyImageRelocated(payload.SessionID, payload.SlotIndex, payload.URL)
	c.logger.Debug("Client update delivered",
		zap.String("session_id", payload.SessionID),
		zap.Int("slot_index", payload.SlotIndex))
	_ = d.Ack(false)
}
