package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/streadway/amqp"

	logx "dmcast/pkg/logx"
)

const defaultExchange = "dmcast.jobs"

// AMQPConfig describes the broker connection for the event stream.
type AMQPConfig struct {
	URL      string
	Exchange string
}

// AMQPPublisher pushes job events onto a topic exchange, routed by event
// type. The connection is opened once at construction; a broken channel
// surfaces as publish errors rather than being reconnected transparently.
type AMQPPublisher struct {
	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel

	exchange string
	log      logx.Logger
}

// NewAMQP connects to the broker and declares the exchange.
func NewAMQP(cfg AMQPConfig, log logx.Logger) (*AMQPPublisher, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("amqp url is required")
	}
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = defaultExchange
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange %q: %w", exchange, err)
	}

	p := &AMQPPublisher{
		conn:     conn,
		ch:       ch,
		exchange: exchange,
		log:      log.With(logx.String("exchange", exchange)),
	}
	p.log.Info("event publisher connected")
	return p, nil
}

// PublishJob emits one event with the event type as routing key.
func (p *AMQPPublisher) PublishJob(_ context.Context, ev JobEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil {
		return fmt.Errorf("publisher closed")
	}
	if err := p.ch.Publish(p.exchange, ev.Type, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	}); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	p.log.Debug("job event published",
		logx.String("type", ev.Type),
		logx.String("job", ev.JobID),
	)
	return nil
}

// Close tears down the channel and connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		err := p.conn.Close()
		p.conn = nil
		return err
	}
	return nil
}
