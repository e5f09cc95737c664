// Package publish pushes scan output to message brokers and key/value
// stores as it is produced.
package publish

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"github.com/scottpeterman/gosnmpscan/pkg/scanner"
)

// RecordMessageType is the AMQP type of a published device record.
const RecordMessageType = "gosnmpscan.record"

// AMQPPublisher sends every device record to a queue as JSON.
type AMQPPublisher struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	queue  string
	scanID string
	log    logrus.FieldLogger

	mu sync.Mutex
}

// DialAMQP connects to url and declares queue. scanID is attached to
// every message header.
func DialAMQP(url, queue, scanID string, log logrus.FieldLogger) (*AMQPPublisher, error) {
	if log == nil {
		log = discard()
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to AMQP broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	q, err := ch.QueueDeclare(
		queue, // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare queue '%s': %w", queue, err)
	}
	return &AMQPPublisher{
		conn:   conn,
		ch:     ch,
		queue:  q.Name,
		scanID: scanID,
		log:    log.WithField("queue", q.Name),
	}, nil
}

// Publish sends one record. Safe for concurrent use.
func (p *AMQPPublisher) Publish(rec scanner.Record) error {
	msg, err := recordMessage(rec, p.scanID, time.Now())
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.ch.Publish(
		"",      // exchange
		p.queue, // routing key
		false,   // mandatory
		false,   // immediate
		msg)
	if err != nil {
		return fmt.Errorf("publish record %s: %w", rec.IP, err)
	}
	p.log.WithField("target", rec.IP).Debug("Published record")
	return nil
}

// Close closes the channel and the connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	chErr := p.ch.Close()
	if err := p.conn.Close(); err != nil {
		return err
	}
	return chErr
}

func recordMessage(rec scanner.Record, scanID string, now time.Time) (amqp.Publishing, error) {
	body, err := json.Marshal(rec)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("encode record %s: %w", rec.IP, err)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Type:         RecordMessageType,
		MessageId:    scanID + "/" + rec.IP,
		Timestamp:    now,
		Headers: amqp.Table{
			"scan_id":   scanID,
			"device_id": rec.DeviceID,
		},
		Body: body,
	}, nil
}

func discard() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
