package publisher

import (
	"context"
	"encoding/json"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"ticketgate-backend/models"
)

// channel is the subset of *amqp.Channel used for publishing.
type channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type AMQP struct {
	logger  *logrus.Logger
	conn    *amqp.Connection
	queue   string
	channel func() (channel, error)
}

// DialAMQP connects to url and publishes to queue on the default exchange.
func DialAMQP(logger *logrus.Logger, url, queue string) (*AMQP, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	p := &AMQP{logger: logger, conn: conn, queue: queue}
	p.channel = func() (channel, error) { return conn.Channel() }
	return p, nil
}

func (p *AMQP) PublishAdmission(ctx context.Context, record models.AdmissionRecord) error {
	ch, err := p.channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	q, err := ch.QueueDeclare(
		p.queue,
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return err
	}

	body, err := json.Marshal(NewAdmissionMessage(record))
	if err != nil {
		return err
	}
	err = ch.PublishWithContext(ctx,
		"",
		q.Name,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    record.ID,
			Timestamp:    record.ValidatedAt,
			Body:         body,
		},
	)
	if err != nil {
		return err
	}

	p.logger.WithContext(ctx).WithField("admission_id", record.ID).Debug("admission published")
	return nil
}

func (p *AMQP) Close() error {
	if p.conn == nil {
		return nil
	}
	return p.conn.Close()
}
