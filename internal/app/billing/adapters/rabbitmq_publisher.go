package adapters

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/wuyiadepoju/subscription-billing/internal/app/billing/contracts"
	"github.com/wuyiadepoju/subscription-billing/internal/app/billing/outbox"
)

var _ contracts.Publisher = (*RabbitPublisher)(nil)

var errPublishNacked = errors.New("broker did not confirm message")

// RabbitPublisher publishes to durable queues through the default exchange
// and waits for publisher confirms. The connection is re-dialed lazily
// after a failure.
type RabbitPublisher struct {
	url string

	mu       sync.Mutex
	conn     *amqp.Connection
	channel  *amqp.Channel
	declared map[string]bool
}

// NewRabbitPublisher dials amqpURL and opens a channel in confirm mode.
func NewRabbitPublisher(amqpURL string) (*RabbitPublisher, error) {
	p := &RabbitPublisher{url: amqpURL}
	if err := p.connect(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *RabbitPublisher) connect() error {
	conn, err := amqp.DialConfig(p.url, amqp.Config{Dial: amqp.DefaultDial(10 * time.Second)})
	if err != nil {
		return fmt.Errorf("billing: dial rabbitmq: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("billing: open rabbitmq channel: %w", err)
	}

	if err := channel.Confirm(false); err != nil {
		channel.Close()
		conn.Close()
		return fmt.Errorf("billing: enable publisher confirms: %w", err)
	}

	p.conn = conn
	p.channel = channel
	p.declared = make(map[string]bool)
	return nil
}

// Publish delivers payload to queue. It returns once the broker has
// confirmed the message.
func (p *RabbitPublisher) Publish(ctx context.Context, queue string, payload []byte, headers map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.channel == nil || p.channel.IsClosed() || p.conn.IsClosed() {
		p.closeLocked()
		if err := p.connect(); err != nil {
			return err
		}
	}

	if !p.declared[queue] {
		if _, err := p.channel.QueueDeclare(queue, true, false, false, false, nil); err != nil {
			p.closeLocked()
			return fmt.Errorf("billing: declare queue %s: %w", queue, err)
		}
		p.declared[queue] = true
	}

	table := amqp.Table{}
	for k, v := range headers {
		table[k] = v
	}

	confirmation, err := p.channel.PublishWithDeferredConfirmWithContext(ctx,
		"",    // default exchange
		queue, // routing key
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
			MessageId:    headers[outbox.HeaderOutboxID],
			Headers:      table,
			Body:         payload,
		})
	if err != nil {
		p.closeLocked()
		return fmt.Errorf("billing: publish to %s: %w", queue, err)
	}

	acked, err := confirmation.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("billing: wait for confirm on %s: %w", queue, err)
	}
	if !acked {
		return fmt.Errorf("billing: publish to %s: %w", queue, errPublishNacked)
	}
	return nil
}

// Close gracefully closes the channel and connection.
func (p *RabbitPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLocked()
}

func (p *RabbitPublisher) closeLocked() {
	if p.channel != nil {
		p.channel.Close()
		p.channel = nil
	}
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
}
