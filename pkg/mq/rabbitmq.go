package mq

import (
	"context"
	"fmt"
	"os"

	"github.com/goccy/go-json"
	amqp "github.com/rabbitmq/amqp091-go"
)

type Client struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

const (
	StageExchange   = "pipeline.exchange"
	DLXExchange     = "pipeline.dlx"
	DeadLetterQueue = "pipeline.dead_letter.queue"
)

// StageEvent announces that a stage's results are durable.
type StageEvent struct {
	RunID string `json:"run_id"`
	Stage string `json:"stage"`
}

func New() (*Client, error) {
	conn, err := amqp.Dial(os.Getenv("RABBITMQ_URL"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	return &Client{conn: conn, ch: ch}, nil
}

// QueueName is the queue a stage's completion events land in.
func QueueName(stage string) string {
	return fmt.Sprintf("pipeline.queue.%s", stage)
}

// SetupTopology declares the exchanges and one queue per stage. Idempotent.
func (c *Client) SetupTopology(stages []string) error {
	if err := c.ch.ExchangeDeclare(StageExchange, "direct", true, false, false, false, nil); err != nil {
		return err
	}
	if err := c.ch.ExchangeDeclare(DLXExchange, "fanout", true, false, false, false, nil); err != nil {
		return err
	}
	if _, err := c.ch.QueueDeclare(DeadLetterQueue, true, false, false, false, nil); err != nil {
		return err
	}
	if err := c.ch.QueueBind(DeadLetterQueue, "", DLXExchange, false, nil); err != nil {
		return err
	}

	for _, stage := range stages {
		q := QueueName(stage)
		_, err := c.ch.QueueDeclare(q, true, false, false, false, amqp.Table{
			"x-dead-letter-exchange": DLXExchange,
		})
		if err != nil {
			return err
		}
		if err := c.ch.QueueBind(q, stage, StageExchange, false, nil); err != nil {
			return err
		}
	}
	return nil
}

// PublishStageCompleted routes the event by stage name.
func (c *Client) PublishStageCompleted(ctx context.Context, ev StageEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return c.ch.PublishWithContext(ctx,
		StageExchange, // exchange
		ev.Stage,      // routing key
		false,         // mandatory
		false,         // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		})
}

// ConsumeStageEvents consumes completion events of one stage with manual acks.
func (c *Client) ConsumeStageEvents(stage string) (<-chan amqp.Delivery, error) {
	if err := c.ch.Qos(1, 0, false); err != nil {
		return nil, err
	}
	return c.ch.Consume(
		QueueName(stage),
		"",    // consumer
		false, // auto-ack is false. We will manually ack.
		false,
		false,
		false,
		nil,
	)
}

// DecodeStageEvent parses a delivery body.
func DecodeStageEvent(body []byte) (StageEvent, error) {
	var ev StageEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return ev, fmt.Errorf("decode stage event: %w", err)
	}
	if ev.RunID == "" || ev.Stage == "" {
		return ev, fmt.Errorf("decode stage event: missing run_id or stage")
	}
	return ev, nil
}

func (c *Client) Close() {
	c.ch.Close()
	c.conn.Close()
}
