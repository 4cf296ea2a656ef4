package mq

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/eventdesk/apiserver/config"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DeadLetterSuffix names the queue that receives messages a subscriber
// rejected: activity for queue "event-activity" ends up in
// "event-activity.dead".
const DeadLetterSuffix = ".dead"

var errClientClosed = errors.New("rabbitmq client closed")

// RabbitMQClient publishes on a confirm-mode channel and consumes on a
// channel per subscription. The connection is redialed lazily after the
// broker drops it, so a broker restart only fails the publishes that were in
// flight.
type RabbitMQClient struct {
	url             string
	queueDurable    bool
	queueAutoDelete bool
	prefetchCount   int

	mu       sync.Mutex
	conn     *amqp.Connection
	pubCh    *amqp.Channel
	declared map[string]bool
	closed   bool
}

// NewRabbitMQClient dials the broker and opens the publishing channel.
func NewRabbitMQClient(cfg config.RabbitMQConfig) (*RabbitMQClient, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("rabbitmq url is required")
	}

	r := &RabbitMQClient{
		url:             cfg.URL,
		queueDurable:    cfg.QueueDurable,
		queueAutoDelete: cfg.QueueAutoDelete,
		prefetchCount:   cfg.PrefetchCount,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.publishChannel(); err != nil {
		r.closeLocked()
		return nil, err
	}
	return r, nil
}

// Publish sends a persistent message to the named queue and waits for the
// broker to confirm it.
func (r *RabbitMQClient) Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error) {
	if strings.TrimSpace(channel) == "" {
		return "", errors.New("rabbitmq channel is required")
	}

	headers := amqp.Table{}
	for key, value := range attrs {
		headers[key] = value
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: r.deliveryMode(),
		MessageId:    newMessageID(),
		Timestamp:    time.Now().UTC(),
		Headers:      headers,
		Body:         data,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	err := r.publishLocked(ctx, channel, msg)
	if errors.Is(err, amqp.ErrClosed) {
		// The channel died since the last publish; redial once.
		r.resetLocked()
		err = r.publishLocked(ctx, channel, msg)
	}
	if err != nil {
		return "", err
	}
	return msg.MessageId, nil
}

func (r *RabbitMQClient) publishLocked(ctx context.Context, queue string, msg amqp.Publishing) error {
	ch, err := r.publishChannel()
	if err != nil {
		return err
	}
	if !r.declared[queue] {
		if err := declareQueues(ch, queue, r.queueDurable, r.queueAutoDelete); err != nil {
			return err
		}
		r.declared[queue] = true
	}

	confirmation, err := ch.PublishWithDeferredConfirmWithContext(ctx, "", queue, false, false, msg)
	if err != nil {
		return err
	}
	acked, err := confirmation.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("wait for publish confirm: %w", err)
	}
	if !acked {
		return fmt.Errorf("rabbitmq rejected message %s", msg.MessageId)
	}
	return nil
}

// Subscribe consumes the named queue until ctx is done. A handler error
// rejects the delivery without requeueing, which moves it to the
// dead-letter queue.
func (r *RabbitMQClient) Subscribe(ctx context.Context, channel string, handler Handler) error {
	if strings.TrimSpace(channel) == "" {
		return errors.New("rabbitmq channel is required")
	}

	ch, err := r.consumerChannel()
	if err != nil {
		return err
	}
	defer func() {
		_ = ch.Close()
	}()

	if r.prefetchCount > 0 {
		if err := ch.Qos(r.prefetchCount, 0, false); err != nil {
			return err
		}
	}
	if err := declareQueues(ch, channel, r.queueDurable, r.queueAutoDelete); err != nil {
		return err
	}

	consumerTag := fmt.Sprintf("consumer-%s", newMessageID())
	deliveries, err := ch.Consume(channel, consumerTag, false, false, false, false, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = ch.Cancel(consumerTag, false)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case delivery, ok := <-deliveries:
			if !ok {
				return errors.New("rabbitmq delivery channel closed")
			}
			message := Message{
				ID:         delivery.MessageId,
				Data:       delivery.Body,
				Attributes: headersToAttributes(delivery.Headers),
			}
			if err := handler(ctx, message); err != nil {
				_ = delivery.Nack(false, false)
				continue
			}
			_ = delivery.Ack(false)
		}
	}
}

// Close closes the publishing channel and the connection.
func (r *RabbitMQClient) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeLocked()
}

func (r *RabbitMQClient) closeLocked() error {
	r.closed = true
	if r.pubCh != nil {
		_ = r.pubCh.Close()
		r.pubCh = nil
	}
	if r.conn != nil {
		err := r.conn.Close()
		r.conn = nil
		if errors.Is(err, amqp.ErrClosed) {
			return nil
		}
		return err
	}
	return nil
}

// resetLocked drops the publishing channel so the next publish opens a new
// one. Callers must hold r.mu.
func (r *RabbitMQClient) resetLocked() {
	if r.pubCh != nil {
		_ = r.pubCh.Close()
		r.pubCh = nil
	}
}

// publishChannel returns the confirm-mode channel, reopening it and the
// connection when the broker closed them. Callers must hold r.mu.
func (r *RabbitMQClient) publishChannel() (*amqp.Channel, error) {
	if r.closed {
		return nil, errClientClosed
	}
	if r.pubCh != nil && !r.pubCh.IsClosed() {
		return r.pubCh, nil
	}

	conn, err := r.connection()
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}

	r.pubCh = ch
	// Non-durable queues do not survive a broker restart.
	r.declared = make(map[string]bool)
	return ch, nil
}

func (r *RabbitMQClient) consumerChannel() (*amqp.Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errClientClosed
	}
	conn, err := r.connection()
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	return ch, nil
}

// connection returns the live connection, dialing when needed. Callers must
// hold r.mu.
func (r *RabbitMQClient) connection() (*amqp.Connection, error) {
	if r.conn != nil && !r.conn.IsClosed() {
		return r.conn, nil
	}
	conn, err := amqp.Dial(r.url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	r.conn = conn
	return conn, nil
}

func (r *RabbitMQClient) deliveryMode() uint8 {
	if r.queueDurable {
		return amqp.Persistent
	}
	return amqp.Transient
}

// declareQueues declares queue and its dead-letter queue.
func declareQueues(ch *amqp.Channel, queue string, durable, autoDelete bool) error {
	if _, err := ch.QueueDeclare(queue+DeadLetterSuffix, durable, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead-letter queue: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, durable, autoDelete, false, false, queueArgs(queue)); err != nil {
		return fmt.Errorf("declare queue %s: %w", queue, err)
	}
	return nil
}

// queueArgs routes rejected messages through the default exchange to the
// dead-letter queue.
func queueArgs(queue string) amqp.Table {
	return amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": queue + DeadLetterSuffix,
	}
}

func headersToAttributes(headers amqp.Table) map[string]string {
	if len(headers) == 0 {
		return nil
	}
	attrs := make(map[string]string, len(headers))
	for key, value := range headers {
		switch typed := value.(type) {
		case string:
			attrs[key] = typed
		case []byte:
			attrs[key] = string(typed)
		default:
			attrs[key] = fmt.Sprint(value)
		}
	}
	return attrs
}

func newMessageID() string {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return ""
	}
	return hex.EncodeToString(buf[:])
}
